package stream

import (
	"brokergate/pkg/types"
)

// syncBuffer accumulates the initial state burst between a subscribe
// acknowledgement and the sync-end signal. Keyed entries are deduplicated
// last-write-wins; entries without an id are kept in arrival order. The
// buffer is flushed exactly once and then discarded, so subscribers never
// observe a partial snapshot.
type syncBuffer struct {
	positionOrder  []string
	positionsByID  map[string]types.Position
	loosePositions []types.Position

	orderOrder   []string
	ordersByID   map[string]types.Order
	looseOrders  []types.Order

	account *types.AccountSnapshot
	flushed bool
}

func newSyncBuffer() *syncBuffer {
	return &syncBuffer{
		positionsByID: make(map[string]types.Position),
		ordersByID:    make(map[string]types.Order),
	}
}

func (b *syncBuffer) addPosition(p types.Position) {
	if p.ID == "" {
		b.loosePositions = append(b.loosePositions, p)
		return
	}
	if _, seen := b.positionsByID[p.ID]; !seen {
		b.positionOrder = append(b.positionOrder, p.ID)
	}
	b.positionsByID[p.ID] = p
}

func (b *syncBuffer) addOrder(o types.Order) {
	if o.ID == "" {
		b.looseOrders = append(b.looseOrders, o)
		return
	}
	if _, seen := b.ordersByID[o.ID]; !seen {
		b.orderOrder = append(b.orderOrder, o.ID)
	}
	b.ordersByID[o.ID] = o
}

func (b *syncBuffer) setAccount(a types.AccountSnapshot) {
	b.account = &a
}

// flush returns the consolidated snapshots in arrival order. A second call
// returns nothing: the exactly-once guarantee is what lets both the
// sync-end path and the sync-timeout path call it without coordination.
func (b *syncBuffer) flush() ([]types.Position, []types.Order, *types.AccountSnapshot) {
	if b.flushed {
		return nil, nil, nil
	}
	b.flushed = true

	positions := make([]types.Position, 0, len(b.positionOrder)+len(b.loosePositions))
	for _, id := range b.positionOrder {
		positions = append(positions, b.positionsByID[id])
	}
	positions = append(positions, b.loosePositions...)

	orders := make([]types.Order, 0, len(b.orderOrder)+len(b.looseOrders))
	for _, id := range b.orderOrder {
		orders = append(orders, b.ordersByID[id])
	}
	orders = append(orders, b.looseOrders...)

	return positions, orders, b.account
}
