package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reason is the classified cause of a stream failure. Classification is
// text-based because the broker reports handshake problems as free-form
// error strings.
type Reason string

const (
	ReasonInvalidDeveloperKey Reason = "invalid_developer_key"
	ReasonInvalidStreamToken  Reason = "invalid_stream_token"
	ReasonTimeoutConnect      Reason = "timeout_connect"
	ReasonTimeoutSubscribeAck Reason = "timeout_subscribe_ack"
	ReasonNetwork             Reason = "network"
	ReasonServerDisconnect    Reason = "server_disconnect"
	ReasonStaleNoMessages     Reason = "stale_no_messages"
	ReasonSyncEndMissing      Reason = "sync_end_missing"
	ReasonUnknown             Reason = "unknown"
)

// Error is a classified stream failure, emitted to subscribers as an
// EventError.
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Sentinel errors for conditions the session detects itself.
var (
	errServerDisconnect = errors.New("server closed the stream")
	errStale            = errors.New("no messages within the staleness threshold")
	errSyncEndMissing   = errors.New("sync phase ended without a sync-end signal")
	errAckTimeout       = errors.New("subscribe acknowledgement timed out")
)

// classify maps an error to a Reason, preferring explicit sentinels and
// falling back to substring matching on the broker's error text.
func classify(err error) *Error {
	if err == nil {
		return &Error{Reason: ReasonUnknown}
	}

	var se *Error
	if errors.As(err, &se) {
		return se
	}

	switch {
	case errors.Is(err, errServerDisconnect):
		return &Error{Reason: ReasonServerDisconnect, Detail: err.Error()}
	case errors.Is(err, errStale):
		return &Error{Reason: ReasonStaleNoMessages, Detail: err.Error()}
	case errors.Is(err, errSyncEndMissing):
		return &Error{Reason: ReasonSyncEndMissing, Detail: err.Error()}
	case errors.Is(err, errAckTimeout):
		return &Error{Reason: ReasonTimeoutSubscribeAck, Detail: err.Error()}
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "developer key"), strings.Contains(text, "api key"):
		return &Error{Reason: ReasonInvalidDeveloperKey, Detail: err.Error()}
	case tokenRelated(text):
		return &Error{Reason: ReasonInvalidStreamToken, Detail: err.Error()}
	case strings.Contains(text, "connection refused"),
		strings.Contains(text, "connection reset"),
		strings.Contains(text, "broken pipe"),
		strings.Contains(text, "network"),
		strings.Contains(text, "no such host"):
		return &Error{Reason: ReasonNetwork, Detail: err.Error()}
	case strings.Contains(text, "dial"),
		errors.Is(err, context.DeadlineExceeded) && strings.Contains(text, "connect"):
		return &Error{Reason: ReasonTimeoutConnect, Detail: err.Error()}
	case strings.Contains(text, "close") && strings.Contains(text, "websocket"):
		return &Error{Reason: ReasonServerDisconnect, Detail: err.Error()}
	default:
		return &Error{Reason: ReasonUnknown, Detail: err.Error()}
	}
}

// tokenRelated reports whether an error string points at an expired or
// rejected stream token. Used both for classification and to decide the
// single refresh-and-retry during the subscribe handshake.
func tokenRelated(text string) bool {
	text = strings.ToLower(text)
	return strings.Contains(text, "token") ||
		strings.Contains(text, "unauthorized") ||
		strings.Contains(text, "not authenticated")
}
