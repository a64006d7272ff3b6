package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrClosed is returned by Do after the client has been closed.
var ErrClosed = errors.New("broker: client closed")

// RateLimitedError is returned when a request's target bucket is blocked and
// the task's priority forbids queuing through the block. RetryAfter is the
// exact remaining wait.
type RateLimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry in %s", e.Key, e.RetryAfter.Round(time.Millisecond))
}

// UpstreamUnavailableError is returned while the upstream circuit breaker is
// open, or for a network-level transport failure. RetryAfter carries the
// remaining breaker backoff (zero for plain network errors).
type UpstreamUnavailableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *UpstreamUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream unavailable: %v", e.Err)
	}
	return fmt.Sprintf("upstream unavailable, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

func (e *UpstreamUnavailableError) Unwrap() error { return e.Err }

// AuthRefreshError means the credential provider could not produce a fresh
// token. Not retryable without re-authentication by the host.
type AuthRefreshError struct {
	Err error
}

func (e *AuthRefreshError) Error() string { return fmt.Sprintf("auth refresh failed: %v", e.Err) }

func (e *AuthRefreshError) Unwrap() error { return e.Err }

// defaultRetryAfter applies when a 429 carries no usable Retry-After hint.
const defaultRetryAfter = 15 * time.Second

// retryAfterHint extracts the cooldown a 429 response asks for. Numeric
// values above 600 are taken as milliseconds (several brokers send ms
// despite the RFC), smaller ones as seconds; otherwise an HTTP-date is
// tried. Falls back to defaultRetryAfter.
func retryAfterHint(h http.Header, now time.Time) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return defaultRetryAfter
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		if n > 600 {
			return time.Duration(n) * time.Millisecond
		}
		return time.Duration(n) * time.Second
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if d := ts.Sub(now); d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}
