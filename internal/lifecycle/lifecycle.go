// Package lifecycle advances stored posts through their retention state
// machine: fresh -> relevant -> archive -> purged, with hard deletion past
// extended retention.
package lifecycle

import (
	"context"
	"time"

	"fedipulse/internal/logging"
	"fedipulse/internal/metrics"
	"fedipulse/internal/model"
	"fedipulse/internal/store"
)

const (
	relevantMinAge = 2 * time.Hour
	archiveAge     = 24 * time.Hour
	purgeAge       = 7 * 24 * time.Hour
)

// SweepResult summarizes one maintenance pass.
type SweepResult struct {
	Examined int   `json:"examined"`
	Relevant int   `json:"relevant"`
	Archived int   `json:"archived"`
	Purged   int   `json:"purged"`
	Deleted  int64 `json:"deleted"`
}

// nextStage decides the target stage for a row at time now, or "" when the
// row stays put. Stages only move forward.
func nextStage(r store.SweepRow, now time.Time) string {
	postAge := now.Sub(r.CreatedAt)
	discoveryAge := now.Sub(r.DiscoveredAt)
	engagement := r.Favourites + r.Reblogs

	target := ""
	switch {
	case discoveryAge >= purgeAge:
		target = model.StagePurged
	case postAge >= archiveAge || engagement == 0:
		target = model.StageArchive
	case postAge > relevantMinAge && engagement >= 1:
		target = model.StageRelevant
	}
	if target == "" || model.StageRank(target) <= model.StageRank(r.Stage) {
		return ""
	}
	return target
}

// Sweep runs one pass over all non-purged rows, then applies the
// retention deletes. Per-row update failures are logged and skipped.
func Sweep(ctx context.Context, s *store.Store, now time.Time) (SweepResult, error) {
	var res SweepResult
	rows, err := s.ListForSweep(ctx)
	if err != nil {
		return res, err
	}
	res.Examined = len(rows)
	for _, r := range rows {
		target := nextStage(r, now)
		if target == "" {
			continue
		}
		if err := s.UpdateStage(ctx, r.ID, target, now); err != nil {
			logging.Warn().Str("post_id", r.ID).Err(err).Msg("stage update failed")
			continue
		}
		metrics.LifecycleTransitions.WithLabelValues(target).Inc()
		switch target {
		case model.StageRelevant:
			res.Relevant++
		case model.StageArchive:
			res.Archived++
		case model.StagePurged:
			res.Purged++
		}
	}
	deleted, err := s.DeleteExpired(ctx, now)
	if err != nil {
		return res, err
	}
	res.Deleted = deleted
	return res, nil
}
