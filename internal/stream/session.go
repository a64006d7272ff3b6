// session.go is the streaming session state machine.
//
// Lifecycle: DISCONNECTED -> CONNECTING -> CONNECTED -> SUBSCRIBING ->
// SYNCING -> LIVE, with ERROR reachable from anywhere. Every failure
// schedules a reconnect with linear backoff unless the caller stopped the
// session. A revision is minted each time a subscribe is acknowledged;
// inbound messages carrying a stale revision are dropped before parsing, so
// a superseded connection can never corrupt current state.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"brokergate/pkg/types"
)

// State is the session's position in the lifecycle.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateConnected    State = "CONNECTED"
	StateSubscribing  State = "SUBSCRIBING"
	StateSyncing      State = "SYNCING"
	StateLive         State = "LIVE"
	StateError        State = "ERROR"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultAckTimeout    = 8 * time.Second
	defaultSyncTimeout   = 8 * time.Second
	defaultStaleAfter    = 25 * time.Second
	defaultWatchdogPoll  = 5 * time.Second
	defaultReconnectStep = 2 * time.Second
	defaultReconnectCap  = 30 * time.Second
	defaultTokenLeeway   = 60 * time.Second
)

// TokenProvider supplies the stream token used in the subscribe handshake.
type TokenProvider interface {
	StreamToken(ctx context.Context) (types.Token, error)
	RefreshStreamToken(ctx context.Context) (types.Token, error)
}

// Config configures a Session. Zero durations take the defaults.
type Config struct {
	URL    string
	Dialer Dialer
	Tokens TokenProvider
	Logger *slog.Logger

	DialTimeout   time.Duration
	AckTimeout    time.Duration // subscribe acknowledgement wait
	SyncTimeout   time.Duration // sync phase ceiling before force-flush
	StaleAfter    time.Duration // silence that counts as a dead stream
	WatchdogPoll  time.Duration
	ReconnectStep time.Duration // backoff is step * attempt, capped
	ReconnectCap  time.Duration
	TokenLeeway   time.Duration // refresh this long before token expiry
}

func (c *Config) withDefaults() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = defaultSyncTimeout
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = defaultStaleAfter
	}
	if c.WatchdogPoll <= 0 {
		c.WatchdogPoll = defaultWatchdogPoll
	}
	if c.ReconnectStep <= 0 {
		c.ReconnectStep = defaultReconnectStep
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaultReconnectCap
	}
	if c.TokenLeeway <= 0 {
		c.TokenLeeway = defaultTokenLeeway
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Session owns one streaming connection. Create with New, then Start/Stop;
// both are idempotent and a stopped session can be started again.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu            sync.Mutex
	state         State
	lastErr       *Error
	revision      uint64
	buf           *syncBuffer
	lastMessageAt time.Time
	reconnects    int
	wentLive      bool

	lastQuote  map[string]types.Quote
	lastSeenMs map[string]int64

	subs    map[int]func(Event)
	nextSub int

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a Session. It does not connect until Start.
func New(cfg Config) *Session {
	cfg.withDefaults()
	return &Session{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "stream"),
		state:      StateDisconnected,
		lastQuote:  make(map[string]types.Quote),
		lastSeenMs: make(map[string]int64),
		subs:       make(map[int]func(Event)),
	}
}

// OnEvent registers a subscriber and returns its unsubscribe function.
// Handlers run on the session goroutine and must not block.
func (s *Session) OnEvent(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Start launches the connection loop. No-op if already running.
func (s *Session) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go s.run(ctx, done)
}

// Stop tears the session down and waits for the loop to exit. No-op if not
// running. No reconnect is scheduled after Stop.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// LastQuote returns the most recent accepted quote for a symbol.
func (s *Session) LastQuote(symbol string) (types.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.lastQuote[symbol]
	return q, ok
}

// SessionStatus is the read-only snapshot for the status surface.
type SessionStatus struct {
	State         State     `json:"state"`
	Reason        Reason    `json:"reason,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	Revision      uint64    `json:"revision"`
	Reconnects    int       `json:"reconnects"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Status reports the session's current state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SessionStatus{
		State:         s.state,
		Revision:      s.revision,
		Reconnects:    s.reconnects,
		LastMessageAt: s.lastMessageAt,
	}
	if s.lastErr != nil {
		st.Reason = s.lastErr.Reason
		st.Detail = s.lastErr.Detail
	}
	return st
}

// run is the reconnect loop. Backoff is linear in the attempt count and
// resets once a connection reaches LIVE.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.setState(StateDisconnected)

	attempt := 0
	for {
		s.mu.Lock()
		s.wentLive = false
		s.mu.Unlock()

		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		se := classify(err)
		s.mu.Lock()
		s.lastErr = se
		if s.wentLive {
			attempt = 0
		}
		s.reconnects++
		s.mu.Unlock()

		s.logger.Warn("stream session failed",
			"reason", se.Reason,
			"detail", se.Detail,
		)
		s.setState(StateError)
		s.emit(Event{Type: EventError, Err: se})

		attempt++
		wait := time.Duration(attempt) * s.cfg.ReconnectStep
		if wait > s.cfg.ReconnectCap {
			wait = s.cfg.ReconnectCap
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// connectOnce runs one connection to completion: dial, subscribe, sync,
// live, until something fails or ctx ends.
func (s *Session) connectOnce(ctx context.Context) error {
	s.setState(StateConnecting)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.cfg.Dialer.Dial(dialCtx, s.cfg.URL)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return &Error{Reason: ReasonTimeoutConnect, Detail: err.Error()}
		}
		return err
	}
	defer conn.Close()

	s.setState(StateConnected)
	s.touch()

	tok, rev, err := s.subscribe(ctx, conn)
	if err != nil {
		return err
	}

	syncTimer := time.NewTimer(s.cfg.SyncTimeout)
	defer syncTimer.Stop()
	watchdog := time.NewTicker(s.cfg.WatchdogPoll)
	defer watchdog.Stop()
	refresh := time.NewTimer(refreshDelay(tok, s.cfg.TokenLeeway))
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-conn.Messages():
			if !ok {
				return errServerDisconnect
			}
			s.touch()
			s.handleMessage(rev, msg)

		case <-syncTimer.C:
			// A missing sync-end is a protocol violation: flush whatever
			// arrived, then tear down and reconnect.
			if s.syncPending(rev) {
				s.flushSync(rev)
				return errSyncEndMissing
			}

		case <-watchdog.C:
			if s.sinceLastMessage() > s.cfg.StaleAfter {
				return errStale
			}

		case <-refresh.C:
			// Proactive token refresh: re-subscribe on the open socket
			// instead of waiting for the broker to reject the old token.
			s.logger.Info("stream token nearing expiry, resubscribing")
			var rerr error
			tok, rev, rerr = s.subscribe(ctx, conn)
			if rerr != nil {
				return rerr
			}
			resetTimer(syncTimer, s.cfg.SyncTimeout)
			resetTimer(refresh, refreshDelay(tok, s.cfg.TokenLeeway))
		}
	}
}

// subscribe performs the handshake: send the subscribe with a fresh token,
// await the ack, retry exactly once through a token refresh if the nack is
// token-related. On success a new revision is minted and the sync phase
// opens.
func (s *Session) subscribe(ctx context.Context, conn Conn) (types.Token, uint64, error) {
	s.setState(StateSubscribing)

	tok, err := s.cfg.Tokens.StreamToken(ctx)
	if err != nil {
		return types.Token{}, 0, &Error{Reason: ReasonInvalidStreamToken, Detail: err.Error()}
	}

	err = s.sendSubscribe(ctx, conn, tok)
	if err != nil && !errors.Is(err, errAckTimeout) && tokenRelated(err.Error()) {
		s.logger.Info("subscribe rejected on token grounds, refreshing once", "error", err)
		tok, err = s.cfg.Tokens.RefreshStreamToken(ctx)
		if err != nil {
			return types.Token{}, 0, &Error{Reason: ReasonInvalidStreamToken, Detail: err.Error()}
		}
		err = s.sendSubscribe(ctx, conn, tok)
	}
	if err != nil {
		return types.Token{}, 0, err
	}

	rev := s.mintRevision()
	s.setState(StateSyncing)
	return tok, rev, nil
}

type subscribePayload struct {
	Token string `json:"token"`
}

type ackPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Session) sendSubscribe(ctx context.Context, conn Conn, tok types.Token) error {
	ackCtx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()

	raw, err := conn.Emit(ackCtx, "subscribe", subscribePayload{Token: tok.Value})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errAckTimeout
		}
		return err
	}
	var ack ackPayload
	if err := json.Unmarshal(raw, &ack); err != nil {
		return fmt.Errorf("decode subscribe ack: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("subscribe rejected: %s", ack.Error)
	}
	return nil
}

// mintRevision opens a new connection generation: bumps the revision and
// replaces the sync buffer. Everything tagged with an older revision is
// garbage from a superseded subscribe.
func (s *Session) mintRevision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	s.buf = newSyncBuffer()
	return s.revision
}

// handleMessage routes one inbound message. rev is the revision of the
// subscribe that produced it; stale revisions are dropped before any
// payload parsing.
func (s *Session) handleMessage(rev uint64, msg Message) {
	if !s.isCurrent(rev) {
		return
	}

	switch msg.Event {
	case "quote":
		var q types.Quote
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			s.logger.Error("unmarshal quote", "error", err)
			return
		}
		// Quotes are not part of the snapshot guarantee; during sync they
		// are simply dropped rather than buffered.
		if s.currentState() != StateLive {
			return
		}
		if !s.acceptQuote(q) {
			return
		}
		s.emit(Event{Type: EventQuote, Quote: &q})

	case "position":
		var p types.Position
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			s.logger.Error("unmarshal position", "error", err)
			return
		}
		if s.bufferDuringSync(rev, func(b *syncBuffer) { b.addPosition(p) }) {
			return
		}
		if s.isCurrent(rev) {
			s.emit(Event{Type: EventPosition, Position: &p})
		}

	case "order":
		var o types.Order
		if err := json.Unmarshal(msg.Data, &o); err != nil {
			s.logger.Error("unmarshal order", "error", err)
			return
		}
		if s.bufferDuringSync(rev, func(b *syncBuffer) { b.addOrder(o) }) {
			return
		}
		if s.isCurrent(rev) {
			s.emit(Event{Type: EventOrder, Order: &o})
		}

	case "account":
		var a types.AccountSnapshot
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			s.logger.Error("unmarshal account", "error", err)
			return
		}
		if s.bufferDuringSync(rev, func(b *syncBuffer) { b.setAccount(a) }) {
			return
		}
		if s.isCurrent(rev) {
			s.emit(Event{Type: EventAccount, Account: &a})
		}

	case "sync_end":
		s.mu.Lock()
		if rev != s.revision || s.state != StateSyncing {
			s.mu.Unlock()
			return
		}
		s.wentLive = true
		s.mu.Unlock()
		s.flushSync(rev)
		s.setState(StateLive)

	default:
		s.logger.Debug("ignoring stream event", "event", msg.Event)
	}
}

// flushSync emits the consolidated sync snapshot: one positions event, one
// orders event, and the account if one arrived. The buffer guarantees this
// happens at most once per revision.
func (s *Session) flushSync(rev uint64) {
	s.mu.Lock()
	if rev != s.revision || s.buf == nil {
		s.mu.Unlock()
		return
	}
	positions, orders, account := s.buf.flush()
	s.buf = nil
	s.mu.Unlock()

	s.emit(Event{Type: EventPositions, Positions: positions})
	s.emit(Event{Type: EventOrders, Orders: orders})
	if account != nil {
		s.emit(Event{Type: EventAccount, Account: account})
	}
}

func (s *Session) bufferDuringSync(rev uint64, fn func(*syncBuffer)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rev != s.revision || s.state != StateSyncing || s.buf == nil {
		return false
	}
	fn(s.buf)
	return true
}

// acceptQuote applies the per-symbol timestamp dedupe and caches the latest
// quote for snapshot reads.
func (s *Session) acceptQuote(q types.Quote) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q.TimeMs != 0 && q.TimeMs <= s.lastSeenMs[q.Symbol] {
		return false
	}
	if q.TimeMs != 0 {
		s.lastSeenMs[q.Symbol] = q.TimeMs
	}
	s.lastQuote[q.Symbol] = q
	return true
}

func (s *Session) isCurrent(rev uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rev == s.revision
}

func (s *Session) currentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) syncPending(rev uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return rev == s.revision && s.state == StateSyncing
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastMessageAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) sinceLastMessage() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastMessageAt)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.logger.Debug("stream state changed", "state", string(st))
	s.emit(Event{Type: EventStatus, Status: &StatusChange{State: st, At: time.Now()}})
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	handlers := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// refreshDelay is how long to wait before proactively refreshing a stream
// token. Tokens without a known expiry are never refreshed proactively.
func refreshDelay(tok types.Token, leeway time.Duration) time.Duration {
	if tok.ExpiresAt.IsZero() {
		return 365 * 24 * time.Hour
	}
	d := time.Until(tok.ExpiresAt) - leeway
	if d < time.Second {
		d = time.Second
	}
	return d
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
