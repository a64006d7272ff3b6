// ws.go implements the socket transport over gorilla/websocket.
//
// The broker's stream protocol is JSON envelopes with a named event, an
// optional correlation id, and a data payload. Requests that expect an
// acknowledgement (the subscribe handshake) carry an id; the broker echoes
// it back on an "ack" envelope. Everything else is a one-way server push.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout    = 10 * time.Second
	pingInterval    = 20 * time.Second
	messageBufSize  = 256
	handshakeWindow = 10 * time.Second
)

// Message is one inbound server push.
type Message struct {
	Event string
	Data  json.RawMessage
}

// Conn is a connected bidirectional event socket.
type Conn interface {
	// Emit sends a named event and blocks for the broker's acknowledgement.
	Emit(ctx context.Context, event string, payload any) (json.RawMessage, error)
	// Messages delivers server pushes. The channel closes when the
	// connection dies.
	Messages() <-chan Message
	Close() error
}

// Dialer opens socket connections. Injected so tests can run the session
// against a scripted fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// envelope is the wire frame shared by both directions.
type envelope struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSDialer is the production Dialer.
type WSDialer struct {
	Logger *slog.Logger
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeWindow}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &wsConn{
		ws:      ws,
		msgs:    make(chan Message, messageBufSize),
		pending: make(map[uint64]chan json.RawMessage),
		done:    make(chan struct{}),
		logger:  logger.With("component", "stream_ws"),
	}
	go c.readPump()
	go c.pingLoop()
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	nextID  atomic.Uint64
	mu      sync.Mutex // protects pending and readDone
	pending map[uint64]chan json.RawMessage

	// readDone flips when the read pump exits; done closes when the socket
	// is torn down, by the caller or by the pump after a read error. Both
	// paths go through closeOnce so the underlying websocket is always
	// closed exactly once.
	readDone  bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	msgs   chan Message
	logger *slog.Logger
}

func (c *wsConn) Messages() <-chan Message { return c.msgs }

func (c *wsConn) Emit(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}

	id := c.nextID.Add(1)
	ackCh := make(chan json.RawMessage, 1)
	c.mu.Lock()
	if c.readDone {
		c.mu.Unlock()
		return nil, errServerDisconnect
	}
	c.pending[id] = ackCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(envelope{Event: event, ID: id, Data: data}); err != nil {
		return nil, fmt.Errorf("emit %s: %w", event, err)
	}

	select {
	case ack := <-ackCh:
		return ack, nil
	case <-c.done:
		return nil, errServerDisconnect
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down the underlying websocket. Safe to call more than once
// and after the read pump has already died; the socket is closed either way.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// readPump routes inbound frames: acks resolve their waiting Emit, pushes
// go to the message channel. Exits (closing the channel and the socket) on
// any read error.
func (c *wsConn) readPump() {
	defer close(c.msgs)
	for {
		var env envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.readDone = true
			c.mu.Unlock()
			select {
			case <-c.done:
			default:
				c.logger.Warn("stream read failed", "error", err)
			}
			c.Close()
			return
		}

		if env.Event == "ack" {
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				ch <- env.Data
			} else {
				c.logger.Debug("ack with no waiter", "id", env.ID)
			}
			continue
		}

		select {
		case c.msgs <- Message{Event: env.Event, Data: env.Data}:
		default:
			c.logger.Warn("stream buffer full, dropping message", "event", env.Event)
		}
	}
}

func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := c.ws.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}
