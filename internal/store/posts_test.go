package store

import (
	"context"
	"testing"
	"time"

	"fedipulse/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func samplePost(id string, discovered time.Time) model.CrawledPost {
	return model.CrawledPost{
		Post: model.Post{
			ID:              id,
			Content:         "hello",
			CreatedAt:       discovered.Add(-time.Hour),
			AuthorID:        "a1",
			AuthorAcct:      "alice@test.example",
			FavouritesCount: 3,
			ReblogsCount:    1,
			Hashtags:        []string{"golang"},
		},
		SourceInstance:   "test.example",
		DetectedLanguage: "en",
		TrendingScore:    4.2,
		DiscoverySource:  model.SourceTimeline,
		DiscoveredAt:     discovered,
		CrawlSessionID:   "sess-1",
	}
}

func TestInsertDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	inserted, err := s.InsertPost(ctx, samplePost("p1", now))
	if err != nil || !inserted {
		t.Fatalf("first insert: %v %v", inserted, err)
	}
	// Second discovery of the same id, even via another strategy, is a no-op.
	dup := samplePost("p1", now)
	dup.DiscoverySource = model.SourceHashtag
	inserted, err = s.InsertPost(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if inserted {
		t.Fatal("duplicate insert must be a no-op")
	}
	counts, err := s.CountByStage(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[model.StageFresh] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestExistsAndStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := s.InsertPost(ctx, samplePost("p2", now)); err != nil {
		t.Fatal(err)
	}
	ok, err := s.Exists(ctx, "p2")
	if err != nil || !ok {
		t.Fatalf("exists: %v %v", ok, err)
	}
	ok, err = s.Exists(ctx, "nope")
	if err != nil || ok {
		t.Fatalf("missing exists: %v %v", ok, err)
	}
	stage, err := s.GetStage(ctx, "p2")
	if err != nil || stage != model.StageFresh {
		t.Fatalf("stage: %q %v", stage, err)
	}
	if err := s.UpdateStage(ctx, "p2", model.StageRelevant, now); err != nil {
		t.Fatal(err)
	}
	stage, _ = s.GetStage(ctx, "p2")
	if stage != model.StageRelevant {
		t.Fatalf("stage after update: %q", stage)
	}
}

func TestListForSweepSkipsPurged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _ = s.InsertPost(ctx, samplePost("keep", now))
	_, _ = s.InsertPost(ctx, samplePost("gone", now))
	_ = s.UpdateStage(ctx, "gone", model.StagePurged, now)

	rows, err := s.ListForSweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].ID != "keep" {
		t.Fatalf("rows: %+v", rows)
	}
	if rows[0].Favourites != 3 || rows[0].Reblogs != 1 {
		t.Fatalf("engagement: %+v", rows[0])
	}
}

func TestListTrending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := samplePost("low", now)
	low.TrendingScore = 1
	high := samplePost("high", now)
	high.TrendingScore = 9
	archived := samplePost("old", now)
	archived.TrendingScore = 99
	_, _ = s.InsertPost(ctx, low)
	_, _ = s.InsertPost(ctx, high)
	_, _ = s.InsertPost(ctx, archived)
	_ = s.UpdateStage(ctx, "old", model.StageArchive, now)

	rows, err := s.ListTrending(ctx, nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows: %+v", rows)
	}
	if rows[0].ID != "high" || rows[1].ID != "low" {
		t.Fatalf("order: %v %v", rows[0].ID, rows[1].ID)
	}
	if rows[0].ReasonType != "trending_instance" {
		t.Fatalf("reason: %q", rows[0].ReasonType)
	}
}

func TestDeleteExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	oldPurged := samplePost("old-purged", now.Add(-40*24*time.Hour))
	recentPurged := samplePost("recent-purged", now.Add(-10*24*time.Hour))
	deadArchive := samplePost("dead-archive", now.Add(-20*24*time.Hour))
	deadArchive.FavouritesCount = 0
	deadArchive.ReblogsCount = 0
	likedArchive := samplePost("liked-archive", now.Add(-20*24*time.Hour))

	for _, p := range []model.CrawledPost{oldPurged, recentPurged, deadArchive, likedArchive} {
		if _, err := s.InsertPost(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	_ = s.UpdateStage(ctx, "old-purged", model.StagePurged, now)
	_ = s.UpdateStage(ctx, "recent-purged", model.StagePurged, now)
	_ = s.UpdateStage(ctx, "dead-archive", model.StageArchive, now)
	_ = s.UpdateStage(ctx, "liked-archive", model.StageArchive, now)

	n, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d rows", n)
	}
	for id, want := range map[string]bool{
		"old-purged": false, "recent-purged": true,
		"dead-archive": false, "liked-archive": true,
	} {
		ok, _ := s.Exists(ctx, id)
		if ok != want {
			t.Fatalf("%s: exists=%v want %v", id, ok, want)
		}
	}
}
