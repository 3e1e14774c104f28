// Package orchestrate sequences discovery passes across the configured
// instances and schedules them in serve mode.
package orchestrate

import (
	"context"
	"time"

	"fedipulse/internal/logging"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 5 * time.Minute
	defaultMaxBackoff     = 30 * time.Minute
)

// Task is a named unit of work with retry policy. Zero-value policy
// fields fall back to the defaults above.
type Task struct {
	Name           string
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Retryable filters errors worth retrying; nil retries everything.
	Retryable func(error) bool
	Run       func(ctx context.Context) error
}

// Execute runs the task, retrying failed attempts with exponential
// backoff. The context cancels both the work and the waits.
func (t Task) Execute(ctx context.Context) error {
	retries := t.MaxRetries
	if retries == 0 {
		retries = defaultMaxRetries
	}
	backoff := t.InitialBackoff
	if backoff <= 0 {
		backoff = defaultInitialBackoff
	}
	maxBackoff := t.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = t.Run(ctx)
		if err == nil {
			return nil
		}
		if attempt >= retries {
			break
		}
		if t.Retryable != nil && !t.Retryable(err) {
			break
		}
		logging.Warn().
			Str("task", t.Name).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(err).
			Msg("task failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	logging.Error().Str("task", t.Name).Err(err).Msg("task failed permanently")
	return err
}
