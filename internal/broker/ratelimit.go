// ratelimit.go implements the token buckets behind the request governor.
//
// The broker publishes per-route limits as "N requests per window", but
// enforcing them in window-sized bursts trips the hard limit at window
// boundaries. Buckets therefore refill continuously: a limit of 2 per
// 1000ms grows tokens at 0.002/ms, capped at 2.
//
// A bucket can additionally be forced into a blocked state until a given
// timestamp. This is how an observed 429 (with its Retry-After hint)
// overrides the local token math, which by construction believed the call
// was allowed.
package broker

import (
	"time"
)

// TokenBucket is a single rate-limit counter with continuous refill.
// It carries no lock of its own: all buckets belong to one Client and are
// mutated only under the client's mutex.
type TokenBucket struct {
	limit        float64       // burst capacity; 0 means unlimited
	interval     time.Duration // window over which `limit` tokens refill; 0 means unlimited
	tokens       float64       // current tokens, fractional, 0 ≤ tokens ≤ limit
	lastRefill   time.Time
	blockedUntil time.Time // moves forward only
}

// newTokenBucket creates a full bucket allowing `limit` calls per `interval`.
func newTokenBucket(limit float64, interval time.Duration) *TokenBucket {
	return &TokenBucket{
		limit:      limit,
		interval:   interval,
		tokens:     limit,
		lastRefill: time.Now(),
	}
}

func (b *TokenBucket) unlimited() bool {
	return b.limit <= 0 || b.interval <= 0
}

// refill advances the token count for the elapsed wall-clock time.
func (b *TokenBucket) refill(now time.Time) {
	if b.unlimited() {
		b.lastRefill = now
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += float64(elapsed) * b.limit / float64(b.interval)
	if b.tokens > b.limit {
		b.tokens = b.limit
	}
	b.lastRefill = now
}

// peekDelay returns how long until `count` tokens could be consumed: the
// larger of the remaining blocked period and the token accumulation time.
// Zero means the bucket is satisfiable right now. It never mutates state,
// so the scheduler may call it for every queued task on every tick.
func (b *TokenBucket) peekDelay(now time.Time, count float64) time.Duration {
	var blocked time.Duration
	if b.blockedUntil.After(now) {
		blocked = b.blockedUntil.Sub(now)
	}
	if b.unlimited() {
		return blocked
	}

	// Project the refill without applying it.
	tokens := b.tokens + float64(now.Sub(b.lastRefill))*b.limit/float64(b.interval)
	if tokens > b.limit {
		tokens = b.limit
	}
	if tokens >= count {
		return blocked
	}
	wait := time.Duration((count - tokens) / b.limit * float64(b.interval))
	if wait > blocked {
		return wait
	}
	return blocked
}

// consume refills, then debits `count` tokens if the bucket allows it.
// Returns false without mutating the count when blocked or insufficient;
// a partial debit would let a burst slip past a sibling bucket.
func (b *TokenBucket) consume(now time.Time, count float64) bool {
	if b.blockedUntil.After(now) {
		return false
	}
	b.refill(now)
	if b.unlimited() {
		return true
	}
	if b.tokens < count {
		return false
	}
	b.tokens -= count
	return true
}

// blockUntil forces the bucket unusable until ts. Updates are monotonic: an
// earlier deadline never shortens an already-imposed block.
func (b *TokenBucket) blockUntil(ts time.Time) {
	if ts.After(b.blockedUntil) {
		b.blockedUntil = ts
	}
}

// blockedFor returns the remaining blocked period, or zero.
func (b *TokenBucket) blockedFor(now time.Time) time.Duration {
	if b.blockedUntil.After(now) {
		return b.blockedUntil.Sub(now)
	}
	return 0
}

// update replaces the bucket's limit and interval in place when the broker's
// rate-limit config is re-fetched. The current token count is clamped to the
// new limit instead of reset, so a config refresh does not hand every bucket
// a full burst.
func (b *TokenBucket) update(now time.Time, limit float64, interval time.Duration) {
	b.refill(now)
	b.limit = limit
	b.interval = interval
	if !b.unlimited() && b.tokens > b.limit {
		b.tokens = b.limit
	}
}
