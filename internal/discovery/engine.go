// Package discovery orchestrates the three content discovery strategies
// against one remote server and writes accepted posts to the store.
package discovery

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"fedipulse/internal/config"
	"fedipulse/internal/fedi"
	"fedipulse/internal/health"
	"fedipulse/internal/lang"
	"fedipulse/internal/logging"
	"fedipulse/internal/metrics"
	"fedipulse/internal/model"
	"fedipulse/internal/optout"
	"fedipulse/internal/store"
	"fedipulse/internal/text"
)

// Result counts one strategy's outcome on one instance.
type Result struct {
	Discovered        int            `json:"discovered"`
	Stored            int            `json:"stored"`
	SkippedOptOut     int            `json:"skipped_opt_out"`
	SkippedLanguage   int            `json:"skipped_language"`
	Duplicates        int            `json:"duplicates"`
	LanguageBreakdown map[string]int `json:"language_breakdown,omitempty"`
	Errors            []string       `json:"errors,omitempty"`
}

// trendingTagLimit caps how many of an instance's own trending tags join
// the curated hashtag list per pass.
const trendingTagLimit = 5

func newResult() Result { return Result{LanguageBreakdown: make(map[string]int)} }

// Merge folds other into r.
func (r *Result) Merge(other Result) {
	r.Discovered += other.Discovered
	r.Stored += other.Stored
	r.SkippedOptOut += other.SkippedOptOut
	r.SkippedLanguage += other.SkippedLanguage
	r.Duplicates += other.Duplicates
	for k, v := range other.LanguageBreakdown {
		if r.LanguageBreakdown == nil {
			r.LanguageBreakdown = make(map[string]int)
		}
		r.LanguageBreakdown[k] += v
	}
	r.Errors = append(r.Errors, other.Errors...)
}

// StrategyOpts selects which strategies an instance pass runs.
type StrategyOpts struct {
	Timeline bool
	Hashtags bool
	Creators bool
}

// InstanceResult is the per-instance breakdown of a multi-source pass.
type InstanceResult struct {
	Instance   string `json:"instance"`
	Gated      bool   `json:"gated"`
	GateReason string `json:"gate_reason,omitempty"`
	Timeline   Result `json:"timeline"`
	Hashtags   Result `json:"hashtags"`
	Creators   Result `json:"creators"`
}

// Combined merges the strategy results.
func (ir InstanceResult) Combined() Result {
	out := newResult()
	out.Merge(ir.Timeline)
	out.Merge(ir.Hashtags)
	out.Merge(ir.Creators)
	return out
}

// Engine applies the acceptance pipeline identically across strategies.
type Engine struct {
	monitor    *health.Monitor
	classifier *lang.Classifier
	optOut     *optout.Evaluator
	store      *store.Store
	cfg        config.Config
	now        func() time.Time
}

func NewEngine(monitor *health.Monitor, classifier *lang.Classifier, optOut *optout.Evaluator, st *store.Store, cfg config.Config) *Engine {
	return &Engine{
		monitor:    monitor,
		classifier: classifier,
		optOut:     optOut,
		store:      st,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// CrawlInstance runs the selected strategies against one instance. The
// health gate is checked once up front; denial short-circuits the whole
// instance for this pass.
func (e *Engine) CrawlInstance(ctx context.Context, client fedi.Client, sessionID string, opts StrategyOpts) InstanceResult {
	ir := InstanceResult{Instance: client.Host()}
	if ok, reason := e.monitor.Check(client.Host()); !ok {
		ir.Gated = true
		ir.GateReason = reason
		logging.Info().Str("instance", client.Host()).Str("reason", reason).Msg("instance gated")
		return ir
	}
	if opts.Timeline {
		ir.Timeline = e.DiscoverTimeline(ctx, client, sessionID)
	}
	if opts.Hashtags {
		ir.Hashtags = e.DiscoverHashtags(ctx, client, sessionID)
	}
	if opts.Creators {
		ir.Creators = e.DiscoverCreators(ctx, client, sessionID)
	}
	return ir
}

// fetchVia wraps one remote call with window accounting and health recording.
func fetchVia[T any](e *Engine, client fedi.Client, call func() (T, error)) (T, error) {
	var zero T
	inst := client.Host()
	if ok, reason := e.monitor.CanRequest(inst); !ok {
		return zero, fmt.Errorf("request to %s denied: %s", inst, reason)
	}
	start := e.now()
	out, err := call()
	if err != nil {
		code := 0
		if fe, ok := fedi.AsFetchError(err); ok {
			code = fe.StatusCode
		}
		e.monitor.RecordFailure(inst, start, err, code)
		metrics.IncInstanceFailure(inst)
		return zero, err
	}
	e.monitor.RecordSuccess(inst, start, client.LastResponseHeaders())
	return out, nil
}

// DiscoverTimeline fetches the federated and local public timelines, each
// capped at half the per-instance budget. A 429 aborts the remaining
// timeline fetches for this instance immediately.
func (e *Engine) DiscoverTimeline(ctx context.Context, client fedi.Client, sessionID string) Result {
	res := newResult()
	limitEach := e.cfg.Crawl.MaxPostsPerInstance / 2
	if limitEach < 1 {
		limitEach = 1
	}
	cond := e.monitor.ConditionalHeaders(client.Host())
	for _, local := range []bool{false, true} {
		posts, err := fetchVia(e, client, func() ([]model.Post, error) {
			return client.FetchTimeline(ctx, local, limitEach, cond)
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("timeline(local=%v): %v", local, err))
			if fe, ok := fedi.AsFetchError(err); ok && fe.Kind == fedi.KindRateLimited {
				break
			}
			continue
		}
		detail := "federated"
		if local {
			detail = "local"
		}
		for _, p := range posts {
			e.acceptPost(ctx, client, p, model.SourceTimeline, detail, sessionID, &res)
		}
	}
	return res
}

// DiscoverHashtags polls the curated hashtags plus the instance's own
// trending tags, each independently; one failing tag does not abort the
// others.
func (e *Engine) DiscoverHashtags(ctx context.Context, client fedi.Client, sessionID string) Result {
	res := newResult()
	tags := append([]string(nil), e.cfg.Crawl.Hashtags...)
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		seen[strings.ToLower(t)] = struct{}{}
	}
	// Trend lookup failures are soft; the curated list still runs.
	if trending, err := fetchVia(e, client, func() ([]model.Tag, error) {
		return client.FetchTrendingHashtags(ctx, trendingTagLimit)
	}); err == nil {
		for _, t := range trending {
			if _, dup := seen[strings.ToLower(t.Name)]; dup || t.Name == "" {
				continue
			}
			seen[strings.ToLower(t.Name)] = struct{}{}
			tags = append(tags, t.Name)
		}
	}
	for _, tag := range tags {
		posts, err := fetchVia(e, client, func() ([]model.Post, error) {
			return client.FetchHashtagTimeline(ctx, tag, e.cfg.Crawl.MaxPostsPerHashtag, fedi.ReqOptions{})
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("hashtag %s: %v", tag, err))
			continue
		}
		for _, p := range posts {
			e.acceptPost(ctx, client, p, model.SourceHashtag, tag, sessionID, &res)
		}
	}
	return res
}

// DiscoverCreators samples distinct authors from a recent local-timeline
// snapshot and fetches each author's recent original posts.
func (e *Engine) DiscoverCreators(ctx context.Context, client fedi.Client, sessionID string) Result {
	res := newResult()
	snapshot, err := fetchVia(e, client, func() ([]model.Post, error) {
		return client.FetchTimeline(ctx, true, 40, fedi.ReqOptions{})
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("creator snapshot: %v", err))
		return res
	}
	seen := make(map[string]struct{})
	var authors []model.Post
	for _, p := range snapshot {
		if _, ok := seen[p.AuthorID]; ok {
			continue
		}
		seen[p.AuthorID] = struct{}{}
		authors = append(authors, p)
		if len(authors) >= e.cfg.Crawl.CreatorSampleSize {
			break
		}
	}
	for _, a := range authors {
		posts, err := fetchVia(e, client, func() ([]model.Post, error) {
			return client.FetchAccountStatuses(ctx, a.AuthorID, e.cfg.Crawl.PostsPerCreator)
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("creator %s: %v", a.AuthorAcct, err))
			continue
		}
		for _, p := range posts {
			e.acceptPost(ctx, client, p, model.SourceCreator, a.AuthorAcct, sessionID, &res)
		}
	}
	return res
}

// acceptPost applies the shared acceptance pipeline: opt-out check,
// language allowlist, velocity, trending score with the strategy bonus,
// then a dedup insert.
func (e *Engine) acceptPost(ctx context.Context, client fedi.Client, p model.Post, source, detail, sessionID string, res *Result) {
	res.Discovered++
	metrics.PostsDiscovered.Inc()

	if status := e.optOut.Check(ctx, client, p.AuthorAcct); status.OptedOut {
		res.SkippedOptOut++
		metrics.IncSkipped("opt_out")
		return
	}

	detected := e.classifier.Classify(text.StripMarkup(p.Content))
	if !e.languageAllowed(detected) {
		res.SkippedLanguage++
		metrics.IncSkipped("language")
		return
	}

	now := e.now()
	velocity := model.EngagementVelocity(p.FavouritesCount, p.ReblogsCount, now.Sub(p.CreatedAt))
	score := model.TrendingScore(p, velocity, now) * model.SourceMultiplier(source)
	score = math.Round(score*100) / 100

	rec := model.CrawledPost{
		Post:               p,
		SourceInstance:     client.Host(),
		DetectedLanguage:   detected,
		EngagementVelocity: velocity,
		TrendingScore:      score,
		DiscoverySource:    source,
		DiscoveryDetail:    detail,
		DiscoveredAt:       now,
		CrawlSessionID:     sessionID,
		Stage:              model.StageFresh,
		LastUpdated:        now,
	}
	inserted, err := e.store.InsertPost(ctx, rec)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("store %s: %v", p.ID, err))
		return
	}
	if !inserted {
		res.Duplicates++
		metrics.IncSkipped("duplicate")
		return
	}
	res.Stored++
	res.LanguageBreakdown[detected]++
	metrics.PostsStored.Inc()
}

func (e *Engine) languageAllowed(detected string) bool {
	if len(e.cfg.Crawl.Languages) == 0 {
		return true
	}
	for _, l := range e.cfg.Crawl.Languages {
		if l == detected {
			return true
		}
	}
	return false
}
