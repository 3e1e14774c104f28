package model

import "time"

// CrawlSession accumulates counters for one orchestration run.
// Never persisted beyond logs/metrics.
type CrawlSession struct {
	ID                 string
	StartTime          time.Time
	InstancesCrawled   int
	PostsDiscovered    int
	PostsStored        int
	PostsSkippedOptOut int
	LanguageBreakdown  map[string]int
	Errors             []string
}

// NewCrawlSession creates a session with the given id.
func NewCrawlSession(id string, start time.Time) *CrawlSession {
	return &CrawlSession{
		ID:                id,
		StartTime:         start,
		LanguageBreakdown: make(map[string]int),
	}
}

// AddError records a non-fatal per-instance error.
func (s *CrawlSession) AddError(msg string) {
	s.Errors = append(s.Errors, msg)
}

// MergeLanguages folds a per-strategy language breakdown into the session.
func (s *CrawlSession) MergeLanguages(m map[string]int) {
	for k, v := range m {
		s.LanguageBreakdown[k] += v
	}
}

// SessionSummary is the finalized, loggable form of a session.
type SessionSummary struct {
	ID                 string         `json:"id"`
	StartTime          time.Time      `json:"start_time"`
	Duration           time.Duration  `json:"duration"`
	InstancesCrawled   int            `json:"instances_crawled"`
	PostsDiscovered    int            `json:"posts_discovered"`
	PostsStored        int            `json:"posts_stored"`
	PostsSkippedOptOut int            `json:"posts_skipped_opt_out"`
	LanguageBreakdown  map[string]int `json:"language_breakdown"`
	ErrorCount         int            `json:"error_count"`
	Errors             []string       `json:"errors,omitempty"`
}

// Finalize snapshots the session at end time.
func (s *CrawlSession) Finalize(end time.Time) SessionSummary {
	return SessionSummary{
		ID:                 s.ID,
		StartTime:          s.StartTime,
		Duration:           end.Sub(s.StartTime),
		InstancesCrawled:   s.InstancesCrawled,
		PostsDiscovered:    s.PostsDiscovered,
		PostsStored:        s.PostsStored,
		PostsSkippedOptOut: s.PostsSkippedOptOut,
		LanguageBreakdown:  s.LanguageBreakdown,
		ErrorCount:         len(s.Errors),
		Errors:             s.Errors,
	}
}
