// breaker.go implements the upstream circuit breaker. It is independent of
// the rate-limit governor: 5xx and network failures say the broker is
// unhealthy, not that we are calling too fast, so the response is a full
// stop rather than pacing.
package broker

import (
	"time"
)

const (
	defaultBreakerThreshold = 4
	defaultBreakerWindow    = 30 * time.Second
	defaultBreakerBase      = 5 * time.Second
	defaultBreakerCap       = 60 * time.Second
)

// breaker counts consecutive upstream failures inside a rolling window and
// opens a backoff that grows geometrically each time the threshold is
// re-crossed without an intervening success. Mutated only under the
// client's mutex.
type breaker struct {
	threshold int
	window    time.Duration
	base      time.Duration
	cap       time.Duration

	failures     int
	windowStart  time.Time
	trips        int // threshold crossings since the last success
	backoffUntil time.Time
}

func newBreaker(threshold int, window, base, capDur time.Duration) *breaker {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if window <= 0 {
		window = defaultBreakerWindow
	}
	if base <= 0 {
		base = defaultBreakerBase
	}
	if capDur <= 0 {
		capDur = defaultBreakerCap
	}
	return &breaker{threshold: threshold, window: window, base: base, cap: capDur}
}

// allow reports whether a call may proceed; when it may not, the remaining
// backoff is returned as a retry hint.
func (b *breaker) allow(now time.Time) (bool, time.Duration) {
	if b.backoffUntil.After(now) {
		return false, b.backoffUntil.Sub(now)
	}
	return true, 0
}

// onFailure records a 5xx or network failure. Failures older than the
// window do not accumulate.
func (b *breaker) onFailure(now time.Time) {
	if b.windowStart.IsZero() || now.Sub(b.windowStart) > b.window {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++
	if b.failures < b.threshold {
		return
	}
	b.failures = 0
	b.windowStart = time.Time{}
	b.trips++
	backoff := time.Duration(b.trips) * b.base
	if backoff > b.cap {
		backoff = b.cap
	}
	until := now.Add(backoff)
	if until.After(b.backoffUntil) {
		b.backoffUntil = until
	}
}

// onSuccess closes the breaker entirely. One good response is proof the
// upstream is back.
func (b *breaker) onSuccess() {
	b.failures = 0
	b.windowStart = time.Time{}
	b.trips = 0
	b.backoffUntil = time.Time{}
}

// backoffRemaining is the time left on an open breaker, or zero.
func (b *breaker) backoffRemaining(now time.Time) time.Duration {
	if b.backoffUntil.After(now) {
		return b.backoffUntil.Sub(now)
	}
	return 0
}
