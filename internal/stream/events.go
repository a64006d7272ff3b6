// Package stream owns the lifecycle of one streaming connection to the
// broker: connect, subscribe handshake, initial sync burst, live updates,
// and recovery. Consumers register a callback and receive typed events;
// stream failures are never returned to a caller, they are emitted as
// events and drive an automatic reconnect.
package stream

import (
	"time"

	"brokergate/pkg/types"
)

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	// EventQuote is a live tick for one symbol.
	EventQuote EventType = "quote"
	// EventPositions is the consolidated position snapshot emitted once
	// when the sync phase completes.
	EventPositions EventType = "positions"
	// EventOrders is the consolidated order snapshot emitted once when the
	// sync phase completes.
	EventOrders EventType = "orders"
	// EventPosition is a single live position update.
	EventPosition EventType = "position"
	// EventOrder is a single live order update.
	EventOrder EventType = "order"
	// EventAccount is an account snapshot (sync or live).
	EventAccount EventType = "account"
	// EventStatus reports a session state change.
	EventStatus EventType = "stream_status"
	// EventError reports a classified stream failure.
	EventError EventType = "stream_error"
)

// Event is one notification delivered to subscribers. Exactly the field
// matching Type is set.
type Event struct {
	Type EventType

	Quote     *types.Quote
	Positions []types.Position
	Orders    []types.Order
	Position  *types.Position
	Order     *types.Order
	Account   *types.AccountSnapshot
	Status    *StatusChange
	Err       *Error
}

// StatusChange describes a session state transition.
type StatusChange struct {
	State State
	At    time.Time
}
