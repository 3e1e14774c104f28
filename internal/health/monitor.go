package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"fedipulse/internal/fedi"
	"fedipulse/internal/kvstore"
	"fedipulse/internal/logging"
)

const (
	persistPrefix = "instance_health:"
	persistTTL    = 2 * time.Hour
)

// Monitor tracks per-instance health and rate state. One Monitor is
// constructed per process and injected into every component that needs it;
// the shared KV store makes state visible to concurrent workers. There is
// no cross-worker locking: records are written whole, and brief overshoot
// of a per-minute cap across workers is tolerated.
type Monitor struct {
	kv     *kvstore.Store
	capFor func(instance string) int

	mu    sync.Mutex
	state map[string]*Metrics
	now   func() time.Time
}

// NewMonitor builds a monitor backed by kv. capFor returns the per-minute
// request ceiling for an instance. kv may be nil (in-memory only).
func NewMonitor(kv *kvstore.Store, capFor func(string) int) *Monitor {
	if capFor == nil {
		capFor = func(string) int { return 30 }
	}
	return &Monitor{
		kv:     kv,
		capFor: capFor,
		state:  make(map[string]*Metrics),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// load returns the record for instance, consulting memory, then the KV
// store, then starting fresh. Caller holds m.mu.
func (m *Monitor) load(instance string) *Metrics {
	if met, ok := m.state[instance]; ok {
		return met
	}
	if m.kv != nil {
		if b, ok, err := m.kv.Get(persistPrefix + instance); err == nil && ok {
			var met Metrics
			if err := json.Unmarshal(b, &met); err == nil && met.Instance == instance {
				m.state[instance] = &met
				return &met
			}
		}
	}
	met := newMetrics(instance, m.now())
	m.state[instance] = met
	return met
}

// persist serializes the whole record under instance_health:{instance}
// with a 2h expiry. Store errors are logged and swallowed; health tracking
// degrades to in-memory-only rather than blocking crawling.
func (m *Monitor) persist(met *Metrics) {
	if m.kv == nil {
		return
	}
	b, err := json.Marshal(met)
	if err != nil {
		return
	}
	if err := m.kv.Set(persistPrefix+met.Instance, b, persistTTL); err != nil {
		logging.Warn().Str("instance", met.Instance).Err(err).Msg("health persist failed")
	}
}

// allowed is the admission check. It rolls the 24h horizon first so a
// denied instance's error rate still decays with time; without that, a
// single early failure would deny the instance forever and the counters
// would never roll again. Caller holds m.mu.
func (m *Monitor) allowed(met *Metrics, now time.Time) (bool, string) {
	met.rollRolling(now)
	met.recompute()
	if now.Before(met.BackoffUntil) {
		return false, fmt.Sprintf("Backing off until %s", met.BackoffUntil.Format(time.RFC3339))
	}
	if !met.isHealthy() {
		return false, fmt.Sprintf("Instance unhealthy (status=%s, consecutive_failures=%d, error_rate=%.2f)",
			met.HealthStatus, met.ConsecutiveFailures, met.errorRate())
	}
	limit := m.capFor(met.Instance)
	if now.Sub(met.WindowStart) >= windowLength {
		met.WindowStart = now
		met.RequestsInWindow = 0
	}
	if met.RequestsInWindow >= limit {
		return false, fmt.Sprintf("Rate limit reached for %s (%d/%d per minute)", met.Instance, met.RequestsInWindow, limit)
	}
	return true, "OK"
}

// Check is the non-consuming admission test, used for pass gating and
// ranking; it never takes a window slot.
func (m *Monitor) Check(instance string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowed(m.load(instance), m.now())
}

// CanRequest reports whether a request to instance may be issued now.
// An allowed request consumes one slot of the per-minute window.
func (m *Monitor) CanRequest(instance string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	met := m.load(instance)
	now := m.now()
	ok, reason := m.allowed(met, now)
	if !ok {
		return false, reason
	}
	met.RequestsInWindow++
	m.persist(met)
	return true, "OK"
}

// RecordSuccess notes a completed request: response time joins the capped
// rolling buffer, the failure streak resets, and conditional-request state
// is captured from headers.
func (m *Monitor) RecordSuccess(instance string, start time.Time, headers http.Header) {
	m.mu.Lock()
	defer m.mu.Unlock()
	met := m.load(instance)
	now := m.now()
	met.rollRolling(now)
	met.LastSuccess = now
	met.ConsecutiveFailures = 0
	met.Successes24h++
	rt := now.Sub(start).Seconds()
	if rt < 0 {
		rt = 0
	}
	met.ResponseTimes = append(met.ResponseTimes, rt)
	if len(met.ResponseTimes) > responseTimeCap {
		met.ResponseTimes = met.ResponseTimes[len(met.ResponseTimes)-responseTimeCap:]
	}
	if etag := headers.Get("ETag"); etag != "" {
		met.LastETag = etag
	}
	met.recompute()
	m.persist(met)
}

// RecordFailure notes a failed request and schedules backoff per policy.
func (m *Monitor) RecordFailure(instance string, start time.Time, err error, statusCode int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	met := m.load(instance)
	now := m.now()
	met.rollRolling(now)
	met.LastFailure = now
	met.ConsecutiveFailures++
	met.Failures24h++
	met.BackoffUntil = now.Add(Backoff(statusCode, err, met.ConsecutiveFailures))
	met.recompute()
	m.persist(met)
}

// ConditionalHeaders builds If-None-Match / If-Modified-Since options from
// the stored ETag and last success time.
func (m *Monitor) ConditionalHeaders(instance string) fedi.ReqOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	met := m.load(instance)
	return fedi.ReqOptions{
		IfNoneMatch:     met.LastETag,
		IfModifiedSince: met.LastSuccess,
	}
}

// RankHealthy filters candidates by admissibility (without consuming
// window slots) and orders the rest best-first.
func (m *Monitor) RankHealthy(candidates []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	type scored struct {
		instance string
		score    float64
	}
	var ranked []scored
	for _, inst := range candidates {
		met := m.load(inst)
		if ok, _ := m.allowed(met, now); !ok {
			continue
		}
		score := 100.0
		score -= met.errorRate() * 50
		score -= float64(met.ConsecutiveFailures) * 10
		if over := met.AvgResponseTime - 2; over > 0 {
			score -= over * 10
		}
		if !met.LastSuccess.IsZero() && now.Sub(met.LastSuccess) <= 5*time.Minute {
			score += 10
		}
		ranked = append(ranked, scored{instance: inst, score: score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	out := make([]string, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, r.instance)
	}
	return out
}

// Summary is a read-only view of one instance's health.
type Summary struct {
	Instance            string    `json:"instance"`
	Status              Status    `json:"status"`
	ErrorRate           float64   `json:"error_rate"`
	AvgResponseTime     float64   `json:"avg_response_time"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RequestsInWindow    int       `json:"requests_in_window"`
	BackoffUntil        time.Time `json:"backoff_until,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
}

// Snapshot returns summaries for every instance seen by this worker.
func (m *Monitor) Snapshot() map[string]Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Summary, len(m.state))
	for inst, met := range m.state {
		out[inst] = Summary{
			Instance:            inst,
			Status:              met.HealthStatus,
			ErrorRate:           met.errorRate(),
			AvgResponseTime:     met.AvgResponseTime,
			ConsecutiveFailures: met.ConsecutiveFailures,
			RequestsInWindow:    met.RequestsInWindow,
			BackoffUntil:        met.BackoffUntil,
			LastSuccess:         met.LastSuccess,
		}
	}
	return out
}
