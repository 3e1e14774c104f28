package health

import "time"

// Status classifies an instance's recent behavior.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusBanned    Status = "banned"
)

const (
	windowLength    = 60 * time.Second
	rollingHorizon  = 24 * time.Hour
	responseTimeCap = 100
)

// Metrics is the per-instance health record. It is always mutated as a
// whole (read-modify-write-persist), never partially.
type Metrics struct {
	Instance            string    `json:"instance"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	RollingStart        time.Time `json:"rolling_start"`
	Successes24h        int       `json:"successes_24h"`
	Failures24h         int       `json:"failures_24h"`
	ResponseTimes       []float64 `json:"response_times"`
	AvgResponseTime     float64   `json:"avg_response_time"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffUntil        time.Time `json:"backoff_until"`
	WindowStart         time.Time `json:"window_start"`
	RequestsInWindow    int       `json:"requests_in_window"`
	LastETag            string    `json:"last_etag"`
	HealthStatus        Status    `json:"health_status"`
}

func newMetrics(instance string, now time.Time) *Metrics {
	return &Metrics{
		Instance:     instance,
		RollingStart: now,
		WindowStart:  now,
		HealthStatus: StatusHealthy,
	}
}

// errorRate is failures over total requests in the rolling 24h window.
func (m *Metrics) errorRate() float64 {
	total := m.Successes24h + m.Failures24h
	if total == 0 {
		return 0
	}
	return float64(m.Failures24h) / float64(total)
}

// rollRolling resets the 24h counters once the horizon has elapsed.
func (m *Metrics) rollRolling(now time.Time) {
	if now.Sub(m.RollingStart) >= rollingHorizon {
		m.RollingStart = now
		m.Successes24h = 0
		m.Failures24h = 0
	}
}

// recompute derives HealthStatus and the response-time average.
// Called after every mutation.
func (m *Metrics) recompute() {
	if len(m.ResponseTimes) > 0 {
		sum := 0.0
		for _, rt := range m.ResponseTimes {
			sum += rt
		}
		m.AvgResponseTime = sum / float64(len(m.ResponseTimes))
	}
	rate := m.errorRate()
	switch {
	case m.ConsecutiveFailures >= 5:
		m.HealthStatus = StatusBanned
	case rate > 0.5 || m.ConsecutiveFailures >= 3:
		m.HealthStatus = StatusUnhealthy
	case rate > 0.3 || m.AvgResponseTime > 3.0:
		m.HealthStatus = StatusDegraded
	default:
		m.HealthStatus = StatusHealthy
	}
}

// isHealthy gates requests: banned/unhealthy instances, streaks of 3+
// failures, and 24h error rates of 0.3+ are all disqualifying.
func (m *Metrics) isHealthy() bool {
	if m.HealthStatus == StatusUnhealthy || m.HealthStatus == StatusBanned {
		return false
	}
	if m.ConsecutiveFailures >= 3 {
		return false
	}
	if m.errorRate() >= 0.3 && m.Successes24h+m.Failures24h > 0 {
		return false
	}
	return true
}
