package discovery

import (
	"context"
	"math"
	"net/http"
	"testing"
	"time"

	"fedipulse/internal/config"
	"fedipulse/internal/fedi"
	"fedipulse/internal/health"
	"fedipulse/internal/lang"
	"fedipulse/internal/model"
	"fedipulse/internal/optout"
	"fedipulse/internal/store"
)

type fakeClient struct {
	host          string
	federated     []model.Post
	local         []model.Post
	hashtags      map[string][]model.Post
	hashtagErr    map[string]error
	statuses      map[string][]model.Post
	profiles      map[string]*model.Profile
	trendingTags  []model.Tag
	timelineErr   error
	timelineCalls int
	lookups       int
}

func (f *fakeClient) Host() string { return f.host }

func (f *fakeClient) FetchTimeline(ctx context.Context, local bool, limit int, opts fedi.ReqOptions) ([]model.Post, error) {
	f.timelineCalls++
	if f.timelineErr != nil {
		return nil, f.timelineErr
	}
	if local {
		return f.local, nil
	}
	return f.federated, nil
}

func (f *fakeClient) FetchHashtagTimeline(ctx context.Context, tag string, limit int, opts fedi.ReqOptions) ([]model.Post, error) {
	if err, ok := f.hashtagErr[tag]; ok {
		return nil, err
	}
	return f.hashtags[tag], nil
}

func (f *fakeClient) FetchAccountStatuses(ctx context.Context, accountID string, limit int) ([]model.Post, error) {
	return f.statuses[accountID], nil
}

func (f *fakeClient) FetchAccountByHandle(ctx context.Context, handle string) (*model.Profile, error) {
	f.lookups++
	if p, ok := f.profiles[handle]; ok {
		return p, nil
	}
	return &model.Profile{ID: "x", Acct: handle, Note: "just a person"}, nil
}

func (f *fakeClient) FetchTrendingHashtags(ctx context.Context, limit int) ([]model.Tag, error) {
	return f.trendingTags, nil
}

func (f *fakeClient) LastResponseHeaders() http.Header { return http.Header{} }

func testEngine(t *testing.T) (*Engine, time.Time) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	cfg := config.Default()
	e := NewEngine(
		health.NewMonitor(nil, nil),
		lang.New(nil),
		optout.New(nil, cfg.Crawl.OptOutTags, false),
		s,
		cfg,
	)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, now
}

func englishPost(id, acct string, createdAgo time.Duration, now time.Time) model.Post {
	return model.Post{
		ID:              id,
		Content:         "this is the best thing and it works for all of us",
		CreatedAt:       now.Add(-createdAgo),
		AuthorID:        "acct-" + acct,
		AuthorAcct:      acct,
		FavouritesCount: 4,
		ReblogsCount:    2,
		RepliesCount:    1,
	}
}

func TestDiscoverTimeline(t *testing.T) {
	e, now := testEngine(t)
	client := &fakeClient{
		host: "test.example",
		federated: []model.Post{
			englishPost("f1", "alice@test.example", 30*time.Minute, now),
			englishPost("f2", "bob@test.example", time.Hour, now),
		},
		local: []model.Post{
			englishPost("f1", "alice@test.example", 30*time.Minute, now), // also on federated
			englishPost("l1", "carol@test.example", 45*time.Minute, now),
		},
	}

	res := e.DiscoverTimeline(context.Background(), client, "sess")
	if res.Discovered != 4 || res.Stored != 3 || res.Duplicates != 1 {
		t.Fatalf("result: %+v", res)
	}
	if res.LanguageBreakdown["en"] != 3 {
		t.Fatalf("language breakdown: %v", res.LanguageBreakdown)
	}
	if client.timelineCalls != 2 {
		t.Fatalf("timeline calls: %d", client.timelineCalls)
	}
	stage, err := e.store.GetStage(context.Background(), "l1")
	if err != nil || stage != model.StageFresh {
		t.Fatalf("stage: %q %v", stage, err)
	}
}

func TestTimelineRateLimitAborts(t *testing.T) {
	e, _ := testEngine(t)
	client := &fakeClient{
		host:        "test.example",
		timelineErr: &fedi.FetchError{Kind: fedi.KindRateLimited, StatusCode: 429},
	}

	res := e.DiscoverTimeline(context.Background(), client, "sess")
	if client.timelineCalls != 1 {
		t.Fatalf("expected abort after 429, got %d calls", client.timelineCalls)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors: %v", res.Errors)
	}
	// The failure must also put the instance into backoff.
	if ok, _ := e.monitor.Check("test.example"); ok {
		t.Fatal("instance should be backing off after 429")
	}
}

func TestDiscoverTimelineSkipsOptedOut(t *testing.T) {
	e, now := testEngine(t)
	client := &fakeClient{
		host:      "test.example",
		federated: []model.Post{englishPost("f1", "quiet@test.example", time.Hour, now)},
		profiles: map[string]*model.Profile{
			"quiet@test.example": {ID: "q", Acct: "quiet@test.example", Note: "no crawling please #nobot"},
		},
	}

	res := e.DiscoverTimeline(context.Background(), client, "sess")
	if res.SkippedOptOut != 1 || res.Stored != 0 {
		t.Fatalf("result: %+v", res)
	}
	ok, err := e.store.Exists(context.Background(), "f1")
	if err != nil || ok {
		t.Fatalf("opted-out post stored: %v %v", ok, err)
	}
}

func TestDiscoverHashtags(t *testing.T) {
	e, now := testEngine(t)
	e.cfg.Crawl.Hashtags = []string{"golang", "broken", "art"}
	client := &fakeClient{
		host: "test.example",
		hashtags: map[string][]model.Post{
			"golang": {englishPost("h1", "dev@test.example", time.Hour, now)},
			"art":    {englishPost("h2", "painter@test.example", time.Hour, now)},
		},
		hashtagErr: map[string]error{
			"broken": &fedi.FetchError{Kind: fedi.KindHTTPStatus, StatusCode: 503},
		},
	}

	res := e.DiscoverHashtags(context.Background(), client, "sess")
	if res.Stored != 2 {
		t.Fatalf("one failing tag must not abort the rest: %+v", res)
	}
	if len(res.Errors) != 1 {
		t.Fatalf("errors: %v", res.Errors)
	}

	// Hashtag discoveries carry the source bonus in the stored score.
	rows, err := e.store.ListTrending(context.Background(), nil, 10)
	if err != nil || len(rows) != 2 {
		t.Fatalf("trending: %v %v", rows, err)
	}
	p := englishPost("h1", "dev@test.example", time.Hour, now)
	velocity := model.EngagementVelocity(p.FavouritesCount, p.ReblogsCount, now.Sub(p.CreatedAt))
	want := math.Round(model.TrendingScore(p, velocity, now)*model.SourceMultiplier(model.SourceHashtag)*100) / 100
	for _, r := range rows {
		if r.ID == "h1" && r.TrendingScore != want {
			t.Fatalf("score %v, want %v", r.TrendingScore, want)
		}
		if r.ID == "h1" && r.ReasonType != "trending_hashtag" {
			t.Fatalf("reason: %q", r.ReasonType)
		}
	}
}

func TestDiscoverHashtagsIncludesServerTrends(t *testing.T) {
	e, now := testEngine(t)
	e.cfg.Crawl.Hashtags = []string{"golang"}
	client := &fakeClient{
		host: "test.example",
		trendingTags: []model.Tag{
			{Name: "Golang", Uses: 50}, // duplicate of a curated tag, case-insensitive
			{Name: "caturday", Uses: 40},
		},
		hashtags: map[string][]model.Post{
			"golang":   {englishPost("h1", "dev@test.example", time.Hour, now)},
			"caturday": {englishPost("h2", "cat@test.example", time.Hour, now)},
		},
	}

	res := e.DiscoverHashtags(context.Background(), client, "sess")
	if res.Stored != 2 {
		t.Fatalf("result: %+v", res)
	}
	ok, _ := e.store.Exists(context.Background(), "h2")
	if !ok {
		t.Fatal("trending tag was not crawled")
	}
}

func TestDiscoverCreators(t *testing.T) {
	e, now := testEngine(t)
	e.cfg.Crawl.CreatorSampleSize = 2
	e.cfg.Crawl.PostsPerCreator = 5
	client := &fakeClient{
		host: "test.example",
		local: []model.Post{
			englishPost("s1", "alice@test.example", time.Hour, now),
			englishPost("s2", "alice@test.example", time.Hour, now), // same author
			englishPost("s3", "bob@test.example", time.Hour, now),
			englishPost("s4", "carol@test.example", time.Hour, now), // beyond sample size
		},
		statuses: map[string][]model.Post{
			"acct-alice@test.example": {englishPost("c1", "alice@test.example", 2*time.Hour, now)},
			"acct-bob@test.example":   {englishPost("c2", "bob@test.example", 2*time.Hour, now)},
			"acct-carol@test.example": {englishPost("c3", "carol@test.example", 2*time.Hour, now)},
		},
	}

	res := e.DiscoverCreators(context.Background(), client, "sess")
	if res.Stored != 2 {
		t.Fatalf("expected posts from 2 sampled creators: %+v", res)
	}
	ok, _ := e.store.Exists(context.Background(), "c3")
	if ok {
		t.Fatal("creator beyond sample size was crawled")
	}
}

func TestCrawlInstanceGated(t *testing.T) {
	e, _ := testEngine(t)
	client := &fakeClient{host: "down.example"}
	for i := 0; i < 5; i++ {
		e.monitor.RecordFailure("down.example", time.Now(), &fedi.FetchError{Kind: fedi.KindHTTPStatus, StatusCode: 500}, 500)
	}

	ir := e.CrawlInstance(context.Background(), client, "sess", StrategyOpts{Timeline: true, Hashtags: true})
	if !ir.Gated || ir.GateReason == "" {
		t.Fatalf("instance result: %+v", ir)
	}
	if client.timelineCalls != 0 {
		t.Fatal("gated instance must not be fetched")
	}
}

func TestResultMerge(t *testing.T) {
	a := Result{Discovered: 2, Stored: 1, LanguageBreakdown: map[string]int{"en": 1}}
	b := Result{Discovered: 3, Stored: 2, Duplicates: 1, LanguageBreakdown: map[string]int{"en": 1, "de": 1}, Errors: []string{"x"}}
	a.Merge(b)
	if a.Discovered != 5 || a.Stored != 3 || a.Duplicates != 1 {
		t.Fatalf("merged: %+v", a)
	}
	if a.LanguageBreakdown["en"] != 2 || a.LanguageBreakdown["de"] != 1 {
		t.Fatalf("languages: %v", a.LanguageBreakdown)
	}
	if len(a.Errors) != 1 {
		t.Fatalf("errors: %v", a.Errors)
	}
}
