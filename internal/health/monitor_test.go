package health

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"fedipulse/internal/fedi"
	"fedipulse/internal/kvstore"
)

func newTestMonitor(t *testing.T, capFor func(string) int) (*Monitor, *time.Time) {
	t.Helper()
	kv, err := kvstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = kv.Close() })
	m := NewMonitor(kv, capFor)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestFreshInstanceAllowed(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	ok, reason := m.CanRequest("mastodon.example")
	if !ok || reason != "OK" {
		t.Fatalf("got (%v, %q)", ok, reason)
	}
}

func TestThreeTimeoutsMakeUnhealthy(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	timeoutErr := &fedi.FetchError{Kind: fedi.KindTimeout, Err: errors.New("deadline")}
	for i := 0; i < 3; i++ {
		m.RecordFailure("mastodon.example", now.Add(-2*time.Second), timeoutErr, 0)
	}
	met := m.state["mastodon.example"]
	if met.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive failures: %d", met.ConsecutiveFailures)
	}
	if met.HealthStatus != StatusUnhealthy {
		t.Fatalf("status: %s", met.HealthStatus)
	}
	// Denied regardless of the rate-limit window, even after backoff passes.
	*now = now.Add(2 * time.Hour)
	ok, reason := m.CanRequest("mastodon.example")
	if ok {
		t.Fatal("expected denial for unhealthy instance")
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestFiveFailuresMeansBanned(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	for i := 0; i < 5; i++ {
		m.RecordFailure("bad.example", now.Add(-time.Second), errors.New("boom"), 500)
	}
	if got := m.state["bad.example"].HealthStatus; got != StatusBanned {
		t.Fatalf("expected banned, got %s", got)
	}
}

func TestBackoffBlocksUntilElapsed(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	m.RecordFailure("slow.example", now.Add(-time.Second), &fedi.FetchError{Kind: fedi.KindRateLimited, StatusCode: 429, Err: errors.New("429")}, 429)
	ok, _ := m.CanRequest("slow.example")
	if ok {
		t.Fatal("expected denial during backoff")
	}
	met := m.state["slow.example"]
	if !met.BackoffUntil.Equal(now.Add(900 * time.Second)) {
		t.Fatalf("backoffUntil: %v", met.BackoffUntil)
	}
	// A single failure also trips the 0.3 error-rate gate, which outlives
	// the backoff. Once the 24h horizon rolls, the rate decays and the
	// instance is admitted again.
	*now = now.Add(25 * time.Hour)
	ok, reason := m.CanRequest("slow.example")
	if !ok {
		t.Fatalf("expected allowed after backoff and horizon roll, got %q", reason)
	}
}

func TestErrorRateDecaysWhileDenied(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	m.RecordFailure("flaky.example", now.Add(-time.Second), errors.New("boom"), 500)

	// Denied while the failure dominates the 24h rate.
	if ok, _ := m.CanRequest("flaky.example"); ok {
		t.Fatal("expected denial right after the failure")
	}
	// The horizon must roll even though no further requests are issued;
	// otherwise one early failure would deny the instance forever.
	*now = now.Add(72 * time.Hour)
	ok, reason := m.CanRequest("flaky.example")
	if !ok {
		t.Fatalf("expected recovery after the horizon rolled, got %q", reason)
	}
	met := m.state["flaky.example"]
	if met.Failures24h != 0 || met.HealthStatus != StatusHealthy {
		t.Fatalf("state after roll: failures=%d status=%s", met.Failures24h, met.HealthStatus)
	}
}

func TestSuccessResetsStreakNotBackoff(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	m.RecordFailure("x.example", now.Add(-time.Second), errors.New("boom"), 503)
	before := m.state["x.example"].BackoffUntil
	m.RecordSuccess("x.example", now.Add(-time.Second), http.Header{})
	met := m.state["x.example"]
	if met.ConsecutiveFailures != 0 {
		t.Fatalf("streak: %d", met.ConsecutiveFailures)
	}
	if !met.BackoffUntil.Equal(before) {
		t.Fatal("success must not reset backoffUntil early")
	}
}

func TestRateLimitWindow(t *testing.T) {
	m, now := newTestMonitor(t, func(string) int { return 3 })
	for i := 0; i < 3; i++ {
		if ok, reason := m.CanRequest("busy.example"); !ok {
			t.Fatalf("request %d denied: %s", i, reason)
		}
	}
	ok, reason := m.CanRequest("busy.example")
	if ok {
		t.Fatal("expected denial at window cap")
	}
	if want := "Rate limit reached"; len(reason) < len(want) || reason[:len(want)] != want {
		t.Fatalf("reason: %q", reason)
	}
	// Window resets once 60s have elapsed since windowStart.
	*now = now.Add(61 * time.Second)
	ok, _ = m.CanRequest("busy.example")
	if !ok {
		t.Fatal("expected allowed after window reset")
	}
	if got := m.state["busy.example"].RequestsInWindow; got != 1 {
		t.Fatalf("counter after reset+allow: %d", got)
	}
}

func TestRecordSuccessCapturesETagAndResponseTimes(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	h := http.Header{}
	h.Set("ETag", `"v123"`)
	m.RecordSuccess("etag.example", now.Add(-500*time.Millisecond), h)
	met := m.state["etag.example"]
	if met.LastETag != `"v123"` {
		t.Fatalf("etag: %q", met.LastETag)
	}
	if len(met.ResponseTimes) != 1 || met.AvgResponseTime <= 0 {
		t.Fatalf("response times: %v avg %v", met.ResponseTimes, met.AvgResponseTime)
	}
	opts := m.ConditionalHeaders("etag.example")
	if opts.IfNoneMatch != `"v123"` || opts.IfModifiedSince.IsZero() {
		t.Fatalf("conditional headers: %+v", opts)
	}
}

func TestResponseTimeBufferCapped(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	for i := 0; i < 150; i++ {
		m.RecordSuccess("cap.example", now.Add(-time.Second), http.Header{})
	}
	if got := len(m.state["cap.example"].ResponseTimes); got != 100 {
		t.Fatalf("buffer length: %d", got)
	}
}

func TestRankHealthyOrdersAndFilters(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	m.RecordSuccess("good.example", now.Add(-100*time.Millisecond), http.Header{})
	m.RecordSuccess("slowish.example", now.Add(-6*time.Second), http.Header{})
	for i := 0; i < 5; i++ {
		m.RecordFailure("dead.example", now.Add(-time.Second), errors.New("boom"), 503)
	}
	ranked := m.RankHealthy([]string{"dead.example", "slowish.example", "good.example"})
	if len(ranked) != 2 {
		t.Fatalf("ranked: %v", ranked)
	}
	if ranked[0] != "good.example" || ranked[1] != "slowish.example" {
		t.Fatalf("order: %v", ranked)
	}
	// Ranking must not consume window slots.
	if got := m.state["good.example"].RequestsInWindow; got != 0 {
		t.Fatalf("window consumed by ranking: %d", got)
	}
}

func TestStateSurvivesMonitorRestart(t *testing.T) {
	kv, err := kvstore.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer kv.Close()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	m1 := NewMonitor(kv, nil)
	m1.now = func() time.Time { return now }
	for i := 0; i < 5; i++ {
		m1.RecordFailure("shared.example", now.Add(-time.Second), errors.New("boom"), 503)
	}

	// A second worker sharing the KV store sees the banned state.
	m2 := NewMonitor(kv, nil)
	m2.now = func() time.Time { return now }
	ok, _ := m2.CanRequest("shared.example")
	if ok {
		t.Fatal("expected persisted ban to be visible to a fresh monitor")
	}
}

func TestSnapshot(t *testing.T) {
	m, now := newTestMonitor(t, nil)
	m.RecordSuccess("snap.example", now.Add(-time.Second), http.Header{})
	snap := m.Snapshot()
	s, ok := snap["snap.example"]
	if !ok || s.Status != StatusHealthy {
		t.Fatalf("snapshot: %+v", snap)
	}
}
