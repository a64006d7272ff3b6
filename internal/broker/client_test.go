package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"brokergate/pkg/types"
)

// fakeTransport records calls and answers them via a per-call handler.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []string
	bodies  [][]byte
	handler func(call int, method, pathname string) (*Response, error)
	delay   time.Duration

	inFlight    int32
	maxInFlight int32
}

func (f *fakeTransport) Do(ctx context.Context, method, pathname string, headers http.Header, body []byte) (*Response, error) {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	n := len(f.calls)
	f.calls = append(f.calls, method+" "+pathname)
	f.bodies = append(f.bodies, body)
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		return handler(n, method, pathname)
	}
	return ok200(), nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) body(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func ok200() *Response {
	return &Response{Status: 200, Headers: http.Header{}, Body: []byte(`{}`)}
}

type fakeCreds struct {
	mu        sync.Mutex
	refreshes int
	failNext  bool
}

func (f *fakeCreds) AccessToken(ctx context.Context) (types.Token, error) {
	return types.Token{Value: "tok"}, nil
}

func (f *fakeCreds) Refresh(ctx context.Context) (types.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.failNext {
		return types.Token{}, errors.New("refresh rejected")
	}
	return types.Token{Value: "tok2"}, nil
}

func (f *fakeCreds) AccountID() string { return "acct-1" }

func (f *fakeCreds) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func newTestClient(t *testing.T, ft *fakeTransport, opts Options) *Client {
	t.Helper()
	opts.Transport = ft
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestClientPacesAtBucketLimit(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := newTestClient(t, ft, Options{Profile: "aggressive"})
	if err := c.UpdateRateLimitDoc([]byte(`{"limit": 2, "interval": 400}`)); err != nil {
		t.Fatal(err)
	}

	const n = 6
	start := time.Now()
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Do(context.Background(), "GET", "/positions")
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	// Burst of 2, then 4 refill-limited at 5/s: at least ~700ms of accrual.
	if elapsed < 600*time.Millisecond {
		t.Fatalf("6 requests at 2/400ms finished in %v, bucket not enforced", elapsed)
	}
	if ft.callCount() != n {
		t.Fatalf("transport saw %d calls, want %d", ft.callCount(), n)
	}
}

func TestClient429BlocksRouteAndFastFails(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	ft.handler = func(call int, method, pathname string) (*Response, error) {
		if call == 0 {
			h := http.Header{}
			h.Set("Retry-After", "1")
			return &Response{Status: 429, Headers: h, Body: nil}, nil
		}
		return ok200(), nil
	}
	c := newTestClient(t, ft, Options{Profile: "balanced"})

	_, err := c.Do(context.Background(), "GET", "/positions")
	var rle *RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("dispatched 429 should surface as RateLimitedError, got %v", err)
	}

	// Non-critical submits against the blocked target fail without queuing.
	start := time.Now()
	_, err = c.Do(context.Background(), "GET", "/positions")
	if !errors.As(err, &rle) {
		t.Fatalf("want RateLimitedError on blocked target, got %v", err)
	}
	if rle.RetryAfter <= 0 {
		t.Fatal("fast-fail must carry the remaining wait")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("fast-fail took too long, request was queued")
	}

	// Critical requests queue through the block and run once it expires.
	start = time.Now()
	resp, err := c.Do(context.Background(), "POST", "/order/cancel?id=1", WithPriority(PriorityCritical))
	if err != nil {
		t.Fatalf("critical request: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("critical request status = %d", resp.Status)
	}
	if waited := time.Since(start); waited < 800*time.Millisecond {
		t.Fatalf("critical request ran after %v, block not honored", waited)
	}
}

func TestClientConcurrencyCap(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{delay: 500 * time.Millisecond}
	c := newTestClient(t, ft, Options{Profile: "aggressive"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Do(context.Background(), "GET", "/positions") //nolint:errcheck
		}()
	}
	wg.Wait()

	limit := int32(profiles["aggressive"].BaseConcurrency)
	if got := atomic.LoadInt32(&ft.maxInFlight); got > limit {
		t.Fatalf("max in-flight %d exceeds concurrency cap %d", got, limit)
	}
}

func TestClientPriorityOrdering(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := newTestClient(t, ft, Options{Profile: "aggressive"})
	if err := c.UpdateRateLimitDoc([]byte(`{"limit": 1, "interval": 300}`)); err != nil {
		t.Fatal(err)
	}

	// The filler consumes the single burst token so the next two queue.
	if _, err := c.Do(context.Background(), "GET", "/filler"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Do(context.Background(), "GET", "/low", WithPriority(PriorityLow)) //nolint:errcheck
	}()
	time.Sleep(20 * time.Millisecond) // the LOW task enqueues first
	go func() {
		defer wg.Done()
		c.Do(context.Background(), "GET", "/high", WithPriority(PriorityHigh)) //nolint:errcheck
	}()
	wg.Wait()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.calls) != 3 {
		t.Fatalf("transport saw %v", ft.calls)
	}
	if ft.calls[1] != "GET /high" || ft.calls[2] != "GET /low" {
		t.Fatalf("dispatch order %v, want high before low", ft.calls[1:])
	}
}

func TestClientAuthRetryOn401(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	ft.handler = func(call int, method, pathname string) (*Response, error) {
		if call == 0 {
			return &Response{Status: 401, Headers: http.Header{}}, nil
		}
		return ok200(), nil
	}
	creds := &fakeCreds{}
	c := newTestClient(t, ft, Options{Profile: "balanced", Credentials: creds})

	resp, err := c.Do(context.Background(), "GET", "/account")
	if err != nil {
		t.Fatalf("Do after refresh: %v", err)
	}
	if resp.Status != 200 {
		t.Fatalf("status = %d, want 200 after one refresh-and-retry", resp.Status)
	}
	if creds.refreshCount() != 1 {
		t.Fatalf("refreshes = %d, want exactly 1", creds.refreshCount())
	}
}

func TestClientAuthRefreshFailureSurfaces(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	ft.handler = func(call int, method, pathname string) (*Response, error) {
		return &Response{Status: 401, Headers: http.Header{}}, nil
	}
	creds := &fakeCreds{failNext: true}
	c := newTestClient(t, ft, Options{Profile: "balanced", Credentials: creds})

	_, err := c.Do(context.Background(), "GET", "/account")
	var authErr *AuthRefreshError
	if !errors.As(err, &authErr) {
		t.Fatalf("want AuthRefreshError, got %v", err)
	}
	if ft.callCount() != 1 {
		t.Fatalf("transport saw %d calls, want 1 (no retry after failed refresh)", ft.callCount())
	}
}

func TestClientBreakerFailsFast(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	ft.handler = func(call int, method, pathname string) (*Response, error) {
		return &Response{Status: 503, Headers: http.Header{}}, nil
	}
	c := newTestClient(t, ft, Options{
		Profile: "balanced",
		Breaker: BreakerOptions{Threshold: 2},
	})

	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), "GET", "/positions")
		var ue *UpstreamUnavailableError
		if !errors.As(err, &ue) {
			t.Fatalf("request %d: want UpstreamUnavailableError, got %v", i, err)
		}
	}

	// Breaker is now open: submits fail before reaching the transport.
	before := ft.callCount()
	start := time.Now()
	_, err := c.Do(context.Background(), "GET", "/positions")
	var ue *UpstreamUnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("want UpstreamUnavailableError while open, got %v", err)
	}
	if ue.RetryAfter <= 0 {
		t.Fatal("open breaker must report remaining backoff")
	}
	if ft.callCount() != before {
		t.Fatal("open breaker still reached the transport")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("breaker rejection was not immediate")
	}
}

func TestClientDoAfterClose(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := newTestClient(t, ft, Options{Profile: "balanced"})
	c.Close()

	if _, err := c.Do(context.Background(), "GET", "/positions"); !errors.Is(err, ErrClosed) {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestClientContextCancelWhileQueued(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := newTestClient(t, ft, Options{Profile: "balanced"})
	if err := c.UpdateRateLimitDoc([]byte(`{"limit": 1, "interval": 60000}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Do(context.Background(), "GET", "/filler"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Do(ctx, "GET", "/positions")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestClientStatusSnapshot(t *testing.T) {
	t.Parallel()

	ft := &fakeTransport{}
	c := newTestClient(t, ft, Options{Profile: "safe"})
	if _, err := c.Do(context.Background(), "GET", "/positions"); err != nil {
		t.Fatal(err)
	}

	st := c.Status()
	if st.Profile != "safe" || st.Mode != "normal" {
		t.Fatalf("status = %+v", st)
	}
	if st.WindowRequests != 1 {
		t.Fatalf("window requests = %d, want 1", st.WindowRequests)
	}
	if st.InstanceID == "" {
		t.Fatal("status missing instance id")
	}
}
