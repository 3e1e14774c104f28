// Package optout determines whether an author has opted out of crawling
// by inspecting their profile for recognized tags.
package optout

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"fedipulse/internal/fedi"
	"fedipulse/internal/kvstore"
	"fedipulse/internal/logging"
	"fedipulse/internal/model"
	"fedipulse/internal/text"
)

const (
	cachePrefix = "optout:"
	defaultTTL  = 6 * time.Hour
)

// Evaluator checks profiles against a configured opt-out tag list.
// Results are cached in the shared KV store; absence of a cache entry
// never blocks, it just triggers a lazy recompute.
type Evaluator struct {
	kv         *kvstore.Store
	tags       []*regexp.Regexp
	rawTags    []string
	failClosed bool
	ttl        time.Duration
	now        func() time.Time
}

// New builds an evaluator for the given opt-out tags. failClosed controls
// the policy when a profile cannot be fetched: false (default) treats the
// author as not opted out.
func New(kv *kvstore.Store, tags []string, failClosed bool) *Evaluator {
	e := &Evaluator{
		kv:         kv,
		failClosed: failClosed,
		ttl:        defaultTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, tag := range tags {
		tag = strings.TrimPrefix(strings.TrimSpace(tag), "#")
		if tag == "" {
			continue
		}
		// rawTags stays index-aligned with the compiled patterns.
		e.rawTags = append(e.rawTags, tag)
		// Word-boundary aware, optional leading '#', case-insensitive.
		e.tags = append(e.tags, regexp.MustCompile(`(?i)(^|[^\w#])#?`+regexp.QuoteMeta(tag)+`($|[^\w])`))
	}
	return e
}

// Check resolves the opt-out status for an author handle, consulting the
// cache first and fetching the profile via client on a miss.
func (e *Evaluator) Check(ctx context.Context, client fedi.Client, handle string) model.OptOutStatus {
	if cached, ok := e.cached(handle); ok {
		return cached
	}
	profile, err := client.FetchAccountByHandle(ctx, handle)
	if err != nil || profile == nil {
		logging.Debug().Str("handle", handle).Err(err).Msg("opt-out profile fetch failed")
		// Deliberate policy trade-off; overridable via failClosed.
		status := model.OptOutStatus{AuthorAcct: handle, OptedOut: e.failClosed, CheckedAt: e.now()}
		return status
	}
	status := e.Evaluate(profile)
	// Key the cache by the handle we were asked about; the profile's acct
	// may omit the domain for local accounts.
	status.AuthorAcct = handle
	e.cache(status)
	return status
}

// Evaluate scans a profile's bio, display name, and metadata fields for
// opt-out tags. Any match means opted out.
func (e *Evaluator) Evaluate(p *model.Profile) model.OptOutStatus {
	status := model.OptOutStatus{AuthorAcct: p.Acct, CheckedAt: e.now()}
	haystacks := []string{text.StripMarkup(p.Note), p.DisplayName}
	for _, f := range p.Fields {
		haystacks = append(haystacks, text.StripMarkup(f.Name), text.StripMarkup(f.Value))
	}
	seen := make(map[string]struct{})
	for i, re := range e.tags {
		for _, h := range haystacks {
			if re.MatchString(h) {
				tag := e.rawTags[i]
				if _, dup := seen[tag]; !dup {
					seen[tag] = struct{}{}
					status.TagsFound = append(status.TagsFound, tag)
				}
				break
			}
		}
	}
	status.OptedOut = len(status.TagsFound) > 0
	return status
}

func (e *Evaluator) cached(handle string) (model.OptOutStatus, bool) {
	var status model.OptOutStatus
	if e.kv == nil {
		return status, false
	}
	b, ok, err := e.kv.Get(cachePrefix + handle)
	if err != nil || !ok {
		return status, false
	}
	if err := json.Unmarshal(b, &status); err != nil {
		return status, false
	}
	return status, true
}

func (e *Evaluator) cache(status model.OptOutStatus) {
	if e.kv == nil {
		return
	}
	b, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := e.kv.Set(cachePrefix+status.AuthorAcct, b, e.ttl); err != nil {
		logging.Warn().Str("handle", status.AuthorAcct).Err(err).Msg("opt-out cache write failed")
	}
}
