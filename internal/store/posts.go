// Package store persists crawled posts in SQLite. The pipeline treats it
// as append-only: content columns never change after insert, only the
// lifecycle stage and last_updated move.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"fedipulse/internal/model"
)

// Store wraps the posts database.
type Store struct{ sql *sql.DB }

// Open opens (or creates) the post store at path. ":memory:" is used by
// tests.
func Open(path string) (*Store, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := d.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		return nil, err
	}
	s := &Store{sql: d}
	if err := s.migrate(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.sql.Close() }

func (s *Store) migrate() error {
	_, err := s.sql.Exec(`
	CREATE TABLE IF NOT EXISTS posts (
	  post_id TEXT PRIMARY KEY,
	  url TEXT,
	  content TEXT NOT NULL,
	  language TEXT NOT NULL,
	  created_at INTEGER NOT NULL,
	  author_id TEXT NOT NULL,
	  author_username TEXT NOT NULL,
	  author_display TEXT,
	  source_instance TEXT NOT NULL,
	  favourites_count INTEGER NOT NULL DEFAULT 0,
	  reblogs_count INTEGER NOT NULL DEFAULT 0,
	  replies_count INTEGER NOT NULL DEFAULT 0,
	  trending_score REAL NOT NULL DEFAULT 0,
	  engagement_velocity REAL NOT NULL DEFAULT 0,
	  crawl_session_id TEXT,
	  tags TEXT,
	  lifecycle_stage TEXT NOT NULL DEFAULT 'fresh',
	  discovery_timestamp INTEGER NOT NULL,
	  discovery_metadata TEXT,
	  recommendation_reason_type TEXT,
	  recommendation_reason_detail TEXT,
	  last_updated INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_posts_stage ON posts(lifecycle_stage);
	CREATE INDEX IF NOT EXISTS idx_posts_discovered ON posts(discovery_timestamp);
	CREATE INDEX IF NOT EXISTS idx_posts_score ON posts(trending_score);
	`)
	return err
}

// discoveryMetadata is the JSON stored alongside each post.
type discoveryMetadata struct {
	Source           string  `json:"source"`
	Detail           string  `json:"detail,omitempty"`
	Velocity         float64 `json:"velocity"`
	SourceMultiplier float64 `json:"source_multiplier"`
}

func reasonFor(rec model.CrawledPost) (string, string) {
	switch rec.DiscoverySource {
	case model.SourceHashtag:
		return "trending_hashtag", "#" + rec.DiscoveryDetail
	case model.SourceCreator:
		return "active_creator", rec.AuthorAcct
	}
	return "trending_instance", rec.SourceInstance
}

// InsertPost inserts a crawled post with dedup by post_id. A duplicate id
// is a no-op, not an error; the return reports whether a row was added.
func (s *Store) InsertPost(ctx context.Context, rec model.CrawledPost) (bool, error) {
	tagsJSON, _ := json.Marshal(rec.Hashtags)
	meta, _ := json.Marshal(discoveryMetadata{
		Source:           rec.DiscoverySource,
		Detail:           rec.DiscoveryDetail,
		Velocity:         rec.EngagementVelocity,
		SourceMultiplier: model.SourceMultiplier(rec.DiscoverySource),
	})
	reasonType, reasonDetail := reasonFor(rec)
	res, err := s.sql.ExecContext(ctx, `
	INSERT INTO posts (
	  post_id, url, content, language, created_at, author_id,
	  author_username, author_display, source_instance,
	  favourites_count, reblogs_count, replies_count,
	  trending_score, engagement_velocity, crawl_session_id, tags,
	  lifecycle_stage, discovery_timestamp, discovery_metadata,
	  recommendation_reason_type, recommendation_reason_detail, last_updated
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(post_id) DO NOTHING`,
		rec.ID, rec.URL, rec.Content, rec.DetectedLanguage, rec.CreatedAt.Unix(),
		rec.AuthorID, rec.AuthorAcct, rec.AuthorDisplay, rec.SourceInstance,
		rec.FavouritesCount, rec.ReblogsCount, rec.RepliesCount,
		rec.TrendingScore, rec.EngagementVelocity, rec.CrawlSessionID, string(tagsJSON),
		model.StageFresh, rec.DiscoveredAt.Unix(), string(meta),
		reasonType, reasonDetail, rec.DiscoveredAt.Unix(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Exists reports whether a post id is already stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.sql.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE post_id=?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetStage returns the lifecycle stage for a post id.
func (s *Store) GetStage(ctx context.Context, id string) (string, error) {
	var stage string
	err := s.sql.QueryRowContext(ctx, `SELECT lifecycle_stage FROM posts WHERE post_id=?`, id).Scan(&stage)
	return stage, err
}

// UpdateStage moves a post to stage and bumps last_updated.
func (s *Store) UpdateStage(ctx context.Context, id, stage string, now time.Time) error {
	_, err := s.sql.ExecContext(ctx,
		`UPDATE posts SET lifecycle_stage=?, last_updated=? WHERE post_id=?`,
		stage, now.Unix(), id)
	return err
}

// SweepRow is the minimal view the lifecycle sweep needs.
type SweepRow struct {
	ID           string
	CreatedAt    time.Time
	DiscoveredAt time.Time
	Favourites   int
	Reblogs      int
	Stage        string
}

// ListForSweep returns every non-purged row.
func (s *Store) ListForSweep(ctx context.Context) ([]SweepRow, error) {
	rows, err := s.sql.QueryContext(ctx, `
	SELECT post_id, created_at, discovery_timestamp, favourites_count, reblogs_count, lifecycle_stage
	FROM posts WHERE lifecycle_stage != ?`, model.StagePurged)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SweepRow
	for rows.Next() {
		var r SweepRow
		var created, discovered int64
		if err := rows.Scan(&r.ID, &created, &discovered, &r.Favourites, &r.Reblogs, &r.Stage); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0).UTC()
		r.DiscoveredAt = time.Unix(discovered, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByStage returns row counts per lifecycle stage.
func (s *Store) CountByStage(ctx context.Context) (map[string]int, error) {
	rows, err := s.sql.QueryContext(ctx, `SELECT lifecycle_stage, COUNT(*) FROM posts GROUP BY lifecycle_stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var stage string
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[stage] = n
	}
	return out, rows.Err()
}

// TrendingRow is what downstream ranking consumers read.
type TrendingRow struct {
	ID             string
	Content        string
	Language       string
	SourceInstance string
	TrendingScore  float64
	Stage          string
	ReasonType     string
	ReasonDetail   string
}

// ListTrending returns the highest-scored rows in the given stages,
// the read surface for the recommendation pipeline.
func (s *Store) ListTrending(ctx context.Context, stages []string, limit int) ([]TrendingRow, error) {
	if len(stages) == 0 {
		stages = []string{model.StageFresh, model.StageRelevant}
	}
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT post_id, content, language, source_instance, trending_score,
	  lifecycle_stage, recommendation_reason_type, recommendation_reason_detail
	  FROM posts WHERE lifecycle_stage IN (?` + repeatPlaceholder(len(stages)-1) + `)
	  ORDER BY trending_score DESC LIMIT ?`
	args := make([]any, 0, len(stages)+1)
	for _, st := range stages {
		args = append(args, st)
	}
	args = append(args, limit)
	rows, err := s.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TrendingRow
	for rows.Next() {
		var r TrendingRow
		if err := rows.Scan(&r.ID, &r.Content, &r.Language, &r.SourceInstance,
			&r.TrendingScore, &r.Stage, &r.ReasonType, &r.ReasonDetail); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ",?"
	}
	return out
}

// DeleteExpired applies the two-tier retention policy: purged rows past 30
// extra days (37 days since discovery) and zero-engagement archived rows
// past 14 days are removed. Returns rows deleted.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	purgedCutoff := now.Add(-37 * 24 * time.Hour).Unix()
	archiveCutoff := now.Add(-14 * 24 * time.Hour).Unix()
	res, err := s.sql.ExecContext(ctx, `
	DELETE FROM posts WHERE
	  (lifecycle_stage = ? AND discovery_timestamp < ?) OR
	  (lifecycle_stage = ? AND favourites_count + reblogs_count = 0 AND discovery_timestamp < ?)`,
		model.StagePurged, purgedCutoff,
		model.StageArchive, archiveCutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
