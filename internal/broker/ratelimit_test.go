package broker

import (
	"testing"
	"time"
)

func TestTokenBucketConsumeAndRefill(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTokenBucket(2, time.Second)

	if !b.consume(now, 1) {
		t.Fatal("first consume should succeed")
	}
	if !b.consume(now, 1) {
		t.Fatal("second consume should succeed")
	}
	if b.consume(now, 1) {
		t.Fatal("third consume should fail, bucket empty")
	}

	// Half the interval restores half the budget.
	later := now.Add(500 * time.Millisecond)
	if !b.consume(later, 1) {
		t.Fatal("consume after refill should succeed")
	}
}

func TestTokenBucketPeekDelayIsPure(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTokenBucket(2, time.Second)
	b.consume(now, 1)
	b.consume(now, 1)

	d1 := b.peekDelay(now, 1)
	d2 := b.peekDelay(now, 1)
	if d1 != d2 {
		t.Fatalf("peekDelay mutated state: %v then %v", d1, d2)
	}
	if d1 <= 0 {
		t.Fatalf("empty bucket should report a positive delay, got %v", d1)
	}
	// 1 token at 2/s accrues in 500ms.
	if d1 > 600*time.Millisecond {
		t.Fatalf("delay %v exceeds one token's accrual time", d1)
	}

	if !b.consume(now.Add(d1), 1) {
		t.Fatal("consume at peekDelay horizon should succeed")
	}
}

func TestTokenBucketBlockUntilMonotonic(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTokenBucket(10, time.Second)

	far := now.Add(5 * time.Second)
	near := now.Add(1 * time.Second)
	b.blockUntil(far)
	b.blockUntil(near) // must not shorten the block

	if got := b.blockedFor(now); got < 4*time.Second {
		t.Fatalf("block shortened: remaining %v, want >= 4s", got)
	}
	if b.consume(now, 1) {
		t.Fatal("consume during block should fail")
	}
	if d := b.peekDelay(now, 1); d < 4*time.Second {
		t.Fatalf("peekDelay %v should cover the block", d)
	}
	if !b.consume(far.Add(time.Millisecond), 1) {
		t.Fatal("consume after block expiry should succeed")
	}
}

func TestTokenBucketUnlimitedStillBlockable(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTokenBucket(0, 0)
	if !b.unlimited() {
		t.Fatal("zero-limit bucket should be unlimited")
	}
	if !b.consume(now, 1) {
		t.Fatal("unlimited bucket should always admit")
	}

	b.blockUntil(now.Add(time.Second))
	if b.consume(now, 1) {
		t.Fatal("blocked unlimited bucket should reject")
	}
}

func TestTokenBucketUpdateClampsTokens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	b := newTokenBucket(10, time.Second)
	b.update(now, 2, time.Second)
	if b.tokens > 2 {
		t.Fatalf("tokens %v not clamped to new limit 2", b.tokens)
	}
	if b.consume(now, 1) && b.consume(now, 1) && b.consume(now, 1) {
		t.Fatal("tightened bucket admitted more than its new limit")
	}
}

func TestTokenBucketSlidingWindowProperty(t *testing.T) {
	t.Parallel()

	// Once the initial burst is spent, any window of length W admits at
	// most N+1 requests (continuous refill allows one boundary extra).
	const n = 5
	interval := time.Second
	b := newTokenBucket(n, interval)

	start := time.Now()
	if !b.consume(start, n) {
		t.Fatal("draining the initial burst should succeed")
	}

	var admitted []time.Time
	now := start
	for now.Sub(start) < 3*interval {
		if b.consume(now, 1) {
			admitted = append(admitted, now)
		}
		now = now.Add(10 * time.Millisecond)
	}

	for i := range admitted {
		count := 1
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j].Sub(admitted[i]) < interval {
				count++
			}
		}
		if count > n+1 {
			t.Fatalf("window starting at %v admitted %d requests, want <= %d",
				admitted[i].Sub(start), count, n+1)
		}
	}
}
