package orchestrate

import (
	"context"

	"github.com/robfig/cron/v3"

	"fedipulse/internal/config"
	"fedipulse/internal/discovery"
	"fedipulse/internal/logging"
	"fedipulse/internal/metrics"
)

// Scheduler runs the recurring passes in serve mode. Overlapping runs of
// the same job are skipped, not queued.
type Scheduler struct {
	cron *cron.Cron
	orch *Orchestrator
}

// NewScheduler wires the configured cron expressions to their passes.
// Empty expressions disable the corresponding job.
func NewScheduler(cfg config.ScheduleConfig, orch *Orchestrator) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		orch: orch,
	}
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context) error
	}{
		{"aggregate", cfg.Aggregate, func(ctx context.Context) error {
			_, err := orch.AggregatePass(ctx)
			return err
		}},
		{"multisource", cfg.MultiSource, func(ctx context.Context) error {
			_, err := orch.MultiSourcePass(ctx, discovery.StrategyOpts{Timeline: true, Hashtags: true, Creators: true})
			return err
		}},
		{"lifecycle", cfg.Lifecycle, func(ctx context.Context) error {
			_, err := orch.LifecyclePass(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if j.expr == "" {
			continue
		}
		job := j
		_, err := s.cron.AddFunc(job.expr, func() {
			task := Task{Name: job.name, Run: job.run}
			if err := task.Execute(context.Background()); err != nil {
				metrics.CrawlErrors.Inc()
				logging.Error().Str("job", job.name).Err(err).Msg("scheduled job failed")
			}
		})
		if err != nil {
			return nil, err
		}
		logging.Info().Str("job", job.name).Str("cron", job.expr).Msg("job scheduled")
	}
	return s, nil
}

// Start begins running jobs on their schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }
