// Package broker implements the governed REST client for the brokerage API.
//
// Every outbound call is wrapped as a prioritized task and drained by a
// single scheduler goroutine that respects three independent gates:
//
//   - per-bucket token availability and 429-imposed blocks (ratelimit.go,
//     rules.go)
//   - the adaptive governor's pacing interval and concurrency cap
//     (telemetry.go, governor.go)
//   - the upstream circuit breaker's backoff (breaker.go)
//
// All governor, bucket, and queue state belongs to one Client instance and
// is serialized behind a single mutex; "concurrency" means multiple HTTP
// calls in flight, never multiple goroutines mutating shared maps. Running
// several accounts or brokers side by side just means several Clients.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"brokergate/pkg/types"
)

// CredentialProvider is supplied by the host application: current access
// token, a refresh operation, and the account identifier for account-scoped
// rate rules.
type CredentialProvider interface {
	AccessToken(ctx context.Context) (types.Token, error)
	Refresh(ctx context.Context) (types.Token, error)
	AccountID() string
}

// Priority orders queued tasks. Lower values drain first.
type Priority int

const (
	// PriorityCritical tasks (cancel, flatten) are always admitted to the
	// queue, even through an active rate-limit block.
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// BreakerOptions tunes the upstream circuit breaker. Zero values take the
// defaults.
type BreakerOptions struct {
	Threshold int
	Window    time.Duration
	Base      time.Duration
	Cap       time.Duration
}

// Options configures a Client.
type Options struct {
	Transport       Transport
	Credentials     CredentialProvider // optional; nil disables auth headers
	Profile         string             // safe, balanced, aggressive; default balanced
	TelemetryWindow time.Duration
	Breaker         BreakerOptions
	Logger          *slog.Logger
}

type taskResult struct {
	resp *Response
	err  error
}

// task is one queued request. Created on submit, consumed exactly once by
// the scheduler, never reused.
type task struct {
	ctx        context.Context
	method     string
	pathname   string
	priority   Priority
	enqueuedAt time.Time

	keys     []string // bucket keys, in resolver order
	statsKey string   // telemetry route key, e.g. "GET /positions"
	account  string

	headers     http.Header
	body        []byte
	authRetried bool

	done chan taskResult
}

// Client is one governed connection to the broker. See the package comment
// for the moving parts.
type Client struct {
	id        string
	transport Transport
	creds     CredentialProvider
	logger    *slog.Logger

	mu             sync.Mutex
	resolver       *ruleResolver
	tel            *telemetry
	gov            *governor
	brk            *breaker
	queue          []*task
	inFlight       int
	lastDispatchAt time.Time
	closed         bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New builds a Client and starts its scheduler.
func New(opts Options) (*Client, error) {
	name := opts.Profile
	if name == "" {
		name = "balanced"
	}
	profile, err := ProfileByName(name)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		id:        uuid.NewString(),
		transport: opts.Transport,
		creds:     opts.Credentials,
		logger:    logger.With("component", "broker", "instance", ""),
		resolver:  newRuleResolver(),
		tel:       newTelemetry(opts.TelemetryWindow),
		gov:       newGovernor(profile),
		brk:       newBreaker(opts.Breaker.Threshold, opts.Breaker.Window, opts.Breaker.Base, opts.Breaker.Cap),
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	c.logger = logger.With("component", "broker", "instance", shortID(c.id))
	if c.creds != nil {
		c.resolver.setAccount(c.creds.AccountID())
	}

	go c.schedule()
	return c, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// InstanceID identifies this client in logs and status output.
func (c *Client) InstanceID() string { return c.id }

// Close stops the scheduler and fails all queued tasks with ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.stop)
	<-c.done
}

// RequestOption customizes one submitted request.
type RequestOption func(*task)

// WithPriority sets the task's priority class (default NORMAL).
func WithPriority(p Priority) RequestOption {
	return func(t *task) { t.priority = p }
}

// WithBody attaches a request body.
func WithBody(body []byte) RequestOption {
	return func(t *task) { t.body = body }
}

// WithHeader adds a request header.
func WithHeader(name, value string) RequestOption {
	return func(t *task) { t.headers.Add(name, value) }
}

// Do submits a governed request and blocks until it completes or ctx is
// cancelled. Non-CRITICAL requests whose target bucket is blocked past now
// fail immediately with a RateLimitedError carrying the remaining wait;
// CRITICAL requests always queue.
func (c *Client) Do(ctx context.Context, method, pathname string, opts ...RequestOption) (*Response, error) {
	t := &task{
		ctx:        ctx,
		method:     strings.ToUpper(method),
		pathname:   pathname,
		priority:   PriorityNormal,
		enqueuedAt: time.Now(),
		headers:    make(http.Header),
		done:       make(chan taskResult, 1),
	}
	for _, opt := range opts {
		opt(t)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	now := time.Now()
	t.keys = c.resolver.keysFor(t.method, t.pathname)
	t.statsKey = t.method + " " + normalizePathTemplate(t.pathname)
	t.account = c.resolver.account

	if ok, remaining := c.brk.allow(now); !ok {
		c.mu.Unlock()
		return nil, &UpstreamUnavailableError{RetryAfter: remaining}
	}

	if t.priority != PriorityCritical {
		if key, remaining := c.blockedTarget(t.keys, now); remaining > 0 {
			c.tel.recordBlocked(t.statsKey, t.account)
			c.reevaluateLocked(now)
			c.mu.Unlock()
			return nil, &RateLimitedError{Key: key, RetryAfter: remaining}
		}
	}

	c.queue = append(c.queue, t)
	c.mu.Unlock()
	c.wake()

	select {
	case r := <-t.done:
		return r.resp, r.err
	case <-ctx.Done():
		// The scheduler discards cancelled tasks on its next pass; an
		// already-dispatched call is aborted by the transport's context.
		return nil, ctx.Err()
	}
}

// blockedTarget returns the longest active block among the task's buckets.
func (c *Client) blockedTarget(keys []string, now time.Time) (string, time.Duration) {
	var worstKey string
	var worst time.Duration
	for _, k := range keys {
		b, ok := c.resolver.buckets[k]
		if !ok {
			continue
		}
		if d := b.blockedFor(now); d > worst {
			worst = d
			worstKey = k
		}
	}
	return worstKey, worst
}

func (c *Client) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// schedule is the drain loop: a single goroutine that dispatches the next
// runnable task whenever pacing, buckets, and the concurrency cap allow,
// and otherwise sleeps until the earliest computed delay. It never polls.
func (c *Client) schedule() {
	defer close(c.done)
	var timer *time.Timer
	for {
		c.mu.Lock()
		select {
		case <-c.stop:
			for _, t := range c.queue {
				t.done <- taskResult{err: ErrClosed}
			}
			c.queue = nil
			c.mu.Unlock()
			return
		default:
		}

		now := time.Now()
		wait := time.Duration(-1)
		if c.inFlight < c.gov.concurrency {
			idx, minDelay := c.nextRunnable(now)
			if idx >= 0 {
				t := c.queue[idx]
				c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
				for _, k := range t.keys {
					c.resolver.bucketFor(k).consume(now, 1)
				}
				c.lastDispatchAt = now
				c.inFlight++
				c.tel.recordRequest(t.statsKey, t.account)
				c.mu.Unlock()
				go c.execute(t)
				continue
			}
			wait = minDelay
		}
		c.mu.Unlock()

		if wait > 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			select {
			case <-c.kick:
				stopTimer(timer)
			case <-timer.C:
			case <-c.stop:
				stopTimer(timer)
			}
			continue
		}
		select {
		case <-c.kick:
		case <-c.stop:
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// nextRunnable sorts the queue by (priority, enqueue time), drops cancelled
// tasks, and returns the index of the first task whose delay is zero, or
// (-1, minimum observed delay) when nothing is dispatchable yet. Delay for
// a task is the max of global pacing, the governor interval, and every
// applicable bucket's peekDelay. Caller holds c.mu.
func (c *Client) nextRunnable(now time.Time) (int, time.Duration) {
	kept := c.queue[:0]
	for _, t := range c.queue {
		if t.ctx.Err() != nil {
			t.done <- taskResult{err: t.ctx.Err()}
			continue
		}
		kept = append(kept, t)
	}
	c.queue = kept
	if len(c.queue) == 0 {
		return -1, -1
	}

	sort.SliceStable(c.queue, func(i, j int) bool {
		if c.queue[i].priority != c.queue[j].priority {
			return c.queue[i].priority < c.queue[j].priority
		}
		return c.queue[i].enqueuedAt.Before(c.queue[j].enqueuedAt)
	})

	var pacing time.Duration
	if !c.lastDispatchAt.IsZero() {
		pacing = c.lastDispatchAt.Add(c.gov.interval).Sub(now)
	}

	minDelay := time.Duration(-1)
	for i, t := range c.queue {
		delay := pacing
		for _, k := range t.keys {
			if d := c.resolver.bucketFor(k).peekDelay(now, 1); d > delay {
				delay = d
			}
		}
		if delay <= 0 {
			return i, 0
		}
		if minDelay < 0 || delay < minDelay {
			minDelay = delay
		}
	}
	return -1, minDelay
}

// execute runs one dispatched task to completion and feeds the result back
// into telemetry, the breaker, and the buckets.
func (c *Client) execute(t *task) {
	headers := t.headers
	if c.creds != nil {
		tok, err := c.creds.AccessToken(t.ctx)
		if err != nil {
			c.finish(t, nil, &AuthRefreshError{Err: err}, 0)
			return
		}
		headers.Set("Authorization", "Bearer "+tok.Value)
	}

	start := time.Now()
	resp, err := c.transport.Do(t.ctx, t.method, t.pathname, headers, t.body)
	latency := time.Since(start)

	// One token-refresh-and-retry on a 401; a second rejection surfaces.
	if err == nil && resp.Status == http.StatusUnauthorized && c.creds != nil && !t.authRetried {
		t.authRetried = true
		tok, rerr := c.creds.Refresh(t.ctx)
		if rerr != nil {
			c.finish(t, resp, &AuthRefreshError{Err: rerr}, latency)
			return
		}
		// Re-auth is a session change: pressure is account-scoped.
		c.ResetSession()
		headers.Set("Authorization", "Bearer "+tok.Value)
		start = time.Now()
		resp, err = c.transport.Do(t.ctx, t.method, t.pathname, headers, t.body)
		latency = time.Since(start)
	}

	c.finish(t, resp, err, latency)
}

// finish records the outcome and releases the concurrency slot.
func (c *Client) finish(t *task, resp *Response, err error, latency time.Duration) {
	now := time.Now()
	result := taskResult{resp: resp, err: err}

	c.mu.Lock()
	c.inFlight--

	switch {
	case err != nil:
		var authErr *AuthRefreshError
		if errors.As(err, &authErr) {
			c.tel.recordFailure(t.statsKey, t.account, 0, err)
		} else {
			c.brk.onFailure(now)
			c.tel.recordFailure(t.statsKey, t.account, 0, err)
			result.err = &UpstreamUnavailableError{Err: err, RetryAfter: c.brk.backoffRemaining(now)}
		}

	case resp.Status == http.StatusTooManyRequests:
		hint := retryAfterHint(resp.Headers, now)
		until := now.Add(hint)
		for _, k := range t.keys {
			c.resolver.bucketFor(k).blockUntil(until)
		}
		c.tel.record429(t.statsKey, t.account)
		c.logger.Warn("rate limited by broker",
			"route", t.statsKey,
			"retry_after", hint,
		)
		result.err = &RateLimitedError{Key: t.statsKey, RetryAfter: hint}

	case resp.Status >= 500:
		c.brk.onFailure(now)
		c.tel.recordFailure(t.statsKey, t.account, resp.Status, nil)
		result.err = &UpstreamUnavailableError{RetryAfter: c.brk.backoffRemaining(now)}

	case resp.Status >= 400:
		// Client-side error: the upstream is healthy, the request was not.
		c.brk.onSuccess()
		c.tel.recordFailure(t.statsKey, t.account, resp.Status, nil)

	default:
		c.brk.onSuccess()
		c.tel.recordSuccess(t.statsKey, t.account, resp.Status, latency)
	}

	c.reevaluateLocked(now)
	c.mu.Unlock()

	t.done <- result
	c.wake()
}

// reevaluateLocked refreshes the governor's mode and knobs. Caller holds
// c.mu.
func (c *Client) reevaluateLocked(now time.Time) {
	prev := c.gov.mode
	c.gov.reevaluate(c.tel, len(c.queue), c.globalBlockedLocked(now) > 0, now)
	if c.gov.mode != prev {
		c.logger.Info("governor mode changed",
			"from", prev.String(),
			"to", c.gov.mode.String(),
			"pressure", c.gov.pressure,
			"interval", c.gov.interval,
			"concurrency", c.gov.concurrency,
		)
	}
}

func (c *Client) globalBlockedLocked(now time.Time) time.Duration {
	if b, ok := c.resolver.buckets[keyGlobal]; ok {
		return b.blockedFor(now)
	}
	return 0
}

// SetProfile switches governor profiles at runtime; knobs are re-derived
// immediately.
func (c *Client) SetProfile(name string) error {
	p, err := ProfileByName(name)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.gov.setProfile(p)
	c.mu.Unlock()
	c.logger.Info("governor profile changed", "profile", name)
	c.wake()
	return nil
}

// ResetSession clears governor pressure and telemetry. Call when the
// authenticated session changes (reconnect or re-auth): pressure is scoped
// to the account that accumulated it.
func (c *Client) ResetSession() {
	c.mu.Lock()
	c.tel.reset()
	c.gov.reset()
	if c.creds != nil {
		c.resolver.setAccount(c.creds.AccountID())
	}
	c.mu.Unlock()
	c.wake()
}

// Status is the read-only telemetry snapshot for UI/ops display: it lets an
// operator tell "slow because of broker limits" from "broken".
type Status struct {
	InstanceID          string  `json:"instance_id"`
	Profile             string  `json:"profile"`
	Mode                string  `json:"mode"`
	Pressure            float64 `json:"pressure"`
	AdaptiveIntervalMs  int64   `json:"adaptive_interval_ms"`
	AdaptiveConcurrency int     `json:"adaptive_concurrency"`
	QueueDepth          int     `json:"queue_depth"`
	InFlight            int     `json:"in_flight"`
	UpstreamBackoffMs   int64   `json:"upstream_backoff_ms"`
	GlobalBlockedMs     int64   `json:"global_blocked_ms"`
	WindowRequests      int     `json:"window_requests"`
	Window429           int     `json:"window_429"`
	WindowBlocked       int     `json:"window_blocked"`
	Consecutive429      int     `json:"consecutive_429"`
	ConsecutiveSuccess  int     `json:"consecutive_success"`
}

// Status returns a point-in-time snapshot of the governor.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.tel.global.rotate(now, c.tel.window)
	return Status{
		InstanceID:          c.id,
		Profile:             c.gov.profile.Name,
		Mode:                c.gov.mode.String(),
		Pressure:            c.gov.pressure,
		AdaptiveIntervalMs:  c.gov.interval.Milliseconds(),
		AdaptiveConcurrency: c.gov.concurrency,
		QueueDepth:          len(c.queue),
		InFlight:            c.inFlight,
		UpstreamBackoffMs:   c.brk.backoffRemaining(now).Milliseconds(),
		GlobalBlockedMs:     c.globalBlockedLocked(now).Milliseconds(),
		WindowRequests:      c.tel.global.requests,
		Window429:           c.tel.global.count429,
		WindowBlocked:       c.tel.global.blocked,
		Consecutive429:      c.tel.consecutive429,
		ConsecutiveSuccess:  c.tel.consecutiveSuccess,
	}
}
