package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fedipulse/internal/config"
	"fedipulse/internal/discovery"
	"fedipulse/internal/fedi"
	"fedipulse/internal/health"
	"fedipulse/internal/lifecycle"
	"fedipulse/internal/logging"
	"fedipulse/internal/metrics"
	"fedipulse/internal/model"
	"fedipulse/internal/store"
)

// Orchestrator drives discovery passes over the configured instances.
type Orchestrator struct {
	cfg     config.Config
	engine  *discovery.Engine
	monitor *health.Monitor
	store   *store.Store
	clients func(host string) fedi.Client
	sleep   func(ctx context.Context, d time.Duration)
	now     func() time.Time
}

func New(cfg config.Config, engine *discovery.Engine, monitor *health.Monitor, st *store.Store) *Orchestrator {
	timeout := time.Duration(cfg.Crawl.RequestTimeoutSecs) * time.Second
	return &Orchestrator{
		cfg:     cfg,
		engine:  engine,
		monitor: monitor,
		store:   st,
		clients: func(host string) fedi.Client { return fedi.NewHTTPClient(host, timeout) },
		sleep: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) pause() time.Duration {
	return time.Duration(o.cfg.Crawl.InstancePauseSecs) * time.Second
}

func mergeIntoSession(s *model.CrawlSession, r discovery.Result) {
	s.PostsDiscovered += r.Discovered
	s.PostsStored += r.Stored
	s.PostsSkippedOptOut += r.SkippedOptOut
	s.MergeLanguages(r.LanguageBreakdown)
	for _, e := range r.Errors {
		s.AddError(e)
	}
}

// AggregatePass crawls every configured instance sequentially, timeline
// strategy only, pausing between instances, then runs a lifecycle sweep.
func (o *Orchestrator) AggregatePass(ctx context.Context) (model.SessionSummary, error) {
	start := o.now()
	metrics.CrawlRuns.Inc()
	wallStart := time.Now()
	defer metrics.ObserveCrawlDuration(wallStart)

	session := model.NewCrawlSession(uuid.NewString(), start)
	logging.Info().Str("session", session.ID).Int("instances", len(o.cfg.Instances.Hosts)).Msg("aggregate pass started")

	for i, host := range o.cfg.Instances.Hosts {
		if ctx.Err() != nil {
			session.AddError(ctx.Err().Error())
			break
		}
		if i > 0 && o.pause() > 0 {
			o.sleep(ctx, o.pause())
		}
		ir := o.engine.CrawlInstance(ctx, o.clients(host), session.ID, discovery.StrategyOpts{Timeline: true})
		if ir.Gated {
			session.AddError(fmt.Sprintf("%s skipped: %s", host, ir.GateReason))
			continue
		}
		session.InstancesCrawled++
		mergeIntoSession(session, ir.Timeline)
	}

	if swept, err := lifecycle.Sweep(ctx, o.store, o.now()); err != nil {
		session.AddError(fmt.Sprintf("lifecycle sweep: %v", err))
	} else {
		logging.Info().Str("session", session.ID).
			Int("relevant", swept.Relevant).Int("archived", swept.Archived).
			Int("purged", swept.Purged).Int64("deleted", swept.Deleted).
			Msg("lifecycle sweep complete")
	}

	summary := session.Finalize(o.now())
	logging.Info().Str("session", summary.ID).
		Int("crawled", summary.InstancesCrawled).
		Int("discovered", summary.PostsDiscovered).
		Int("stored", summary.PostsStored).
		Int("errors", summary.ErrorCount).
		Msg("aggregate pass complete")
	return summary, nil
}

// MultiSourceReport is the outcome of one multi-source pass.
type MultiSourceReport struct {
	SessionID string                     `json:"session_id"`
	Instances []discovery.InstanceResult `json:"instances"`
	Totals    discovery.Result           `json:"totals"`
	Health    map[string]health.Summary  `json:"health"`
}

// MultiSourcePass ranks the configured instances by health, takes the top
// few, and runs the selected discovery strategies against each.
func (o *Orchestrator) MultiSourcePass(ctx context.Context, opts discovery.StrategyOpts) (MultiSourceReport, error) {
	metrics.CrawlRuns.Inc()
	wallStart := time.Now()
	defer metrics.ObserveCrawlDuration(wallStart)

	report := MultiSourceReport{SessionID: uuid.NewString()}
	ranked := o.monitor.RankHealthy(o.cfg.Instances.Hosts)
	topK := o.cfg.Crawl.TopInstances
	if topK <= 0 || topK > len(ranked) {
		topK = len(ranked)
	}
	targets := ranked[:topK]
	logging.Info().Str("session", report.SessionID).
		Int("candidates", len(o.cfg.Instances.Hosts)).
		Int("selected", len(targets)).
		Msg("multi-source pass started")

	for i, host := range targets {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && o.pause() > 0 {
			o.sleep(ctx, o.pause())
		}
		ir := o.engine.CrawlInstance(ctx, o.clients(host), report.SessionID, opts)
		report.Instances = append(report.Instances, ir)
		report.Totals.Merge(ir.Combined())
	}
	report.Health = o.monitor.Snapshot()

	logging.Info().Str("session", report.SessionID).
		Int("instances", len(report.Instances)).
		Int("discovered", report.Totals.Discovered).
		Int("stored", report.Totals.Stored).
		Msg("multi-source pass complete")
	return report, nil
}

// LifecyclePass runs one lifecycle sweep on its own.
func (o *Orchestrator) LifecyclePass(ctx context.Context) (lifecycle.SweepResult, error) {
	return lifecycle.Sweep(ctx, o.store, o.now())
}
