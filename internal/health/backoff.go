package health

import (
	"math"
	"time"

	"fedipulse/internal/fedi"
)

// Backoff computes the cooldown after a failed request. n is the
// consecutive-failure count so far (min 1).
func Backoff(statusCode int, err error, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	switch statusCode {
	case 429:
		// Fixed regardless of failure streak.
		return 900 * time.Second
	case 502, 503, 504:
		return capSeconds(60*math.Pow(2, float64(n-1)), 3600)
	case 400, 401, 403:
		// Possible ban; back off hard and linearly.
		return capSeconds(float64(1800*n), 7200)
	}
	if isTimeout(err) {
		return capSeconds(float64(60*n), 1800)
	}
	return capSeconds(60*math.Pow(1.5, float64(n-1)), 3600)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if fe, ok := fedi.AsFetchError(err); ok {
		return fe.Kind == fedi.KindTimeout
	}
	return false
}

func capSeconds(secs, max float64) time.Duration {
	if secs > max {
		secs = max
	}
	return time.Duration(secs * float64(time.Second))
}
