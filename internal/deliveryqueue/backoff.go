package deliveryqueue

import (
	"math"
	"time"
)

// BackoffStrategy computes the delay before a retry attempt. Attempt 1 is
// the first retry after the initial failure. Strategies are stateless and
// safe for concurrent use.
type BackoffStrategy interface {
	Delay(attempt int) time.Duration
}

// ExponentialBackoff doubles the delay each attempt:
// Delay = min(Base * 2^(attempt-1), Cap). Delays are strictly increasing
// until the cap is reached, which keeps retry schedules predictable enough
// to reason about in alerts.
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

// NewExponentialBackoff creates an exponential backoff strategy.
func NewExponentialBackoff(base, cap time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{Base: base, Cap: cap}
}

// Delay returns Base * 2^(attempt-1), capped at Cap.
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Base) * math.Pow(2, float64(attempt-1)))
	if e.Cap > 0 && d > e.Cap {
		return e.Cap
	}
	return d
}

// DefaultBackoff returns the strategy used when none is configured:
// exponential with 2s base and 60s cap.
func DefaultBackoff() BackoffStrategy {
	return NewExponentialBackoff(2*time.Second, 60*time.Second)
}
