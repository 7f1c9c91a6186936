package sim

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
)

// restingOrder is a limit order waiting for the quote to cross it.
type restingOrder struct {
	clientID   string
	symbol     string
	side       model.Side
	qty        decimal.Decimal
	limitPrice decimal.Decimal
	leverage   decimal.Decimal
	reduceOnly bool // informational; fills are not clamped
	createdAt  time.Time
}

// crosses reports whether the quote makes the order marketable: a buy
// at or above the ask, a sell at or below the bid.
func (o *restingOrder) crosses(bid, ask decimal.Decimal) bool {
	if o.side == model.SideBuy {
		return o.limitPrice.GreaterThanOrEqual(ask)
	}
	return o.limitPrice.LessThanOrEqual(bid)
}

func (o *restingOrder) order() model.Order {
	lp := o.limitPrice
	return model.Order{
		Symbol:     o.symbol,
		Side:       o.side,
		Qty:        o.qty,
		Type:       model.OrderTypeLimit,
		LimitPrice: &lp,
		ReduceOnly: o.reduceOnly,
		ClientID:   o.clientID,
		Leverage:   o.leverage,
	}
}

// restingBook keeps resting orders keyed by client id, in arrival order.
type restingBook struct {
	byID  map[string]*restingOrder
	order []*restingOrder
}

func newRestingBook() *restingBook {
	return &restingBook{byID: make(map[string]*restingOrder)}
}

func (b *restingBook) len() int { return len(b.order) }

func (b *restingBook) has(clientID string) bool {
	_, ok := b.byID[clientID]
	return ok
}

func (b *restingBook) add(o *restingOrder) {
	b.byID[o.clientID] = o
	b.order = append(b.order, o)
}

func (b *restingBook) cancel(clientID string) bool {
	o, ok := b.byID[clientID]
	if !ok {
		return false
	}
	delete(b.byID, clientID)
	for i, r := range b.order {
		if r == o {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// takeCrossing removes and returns the symbol's orders crossed by the
// quote, oldest first.
func (b *restingBook) takeCrossing(symbol string, bid, ask decimal.Decimal) []*restingOrder {
	var crossed []*restingOrder
	kept := b.order[:0]
	for _, o := range b.order {
		if o.symbol == symbol && o.crosses(bid, ask) {
			crossed = append(crossed, o)
			delete(b.byID, o.clientID)
			continue
		}
		kept = append(kept, o)
	}
	for i := len(kept); i < len(b.order); i++ {
		b.order[i] = nil
	}
	b.order = kept
	return crossed
}

// snapshot returns a copy of the resting orders in arrival order.
func (b *restingBook) snapshot() []restingOrder {
	out := make([]restingOrder, len(b.order))
	for i, o := range b.order {
		out[i] = *o
	}
	return out
}

// fillCrossing fills every resting order for symbol that the quote
// crosses, at its limit price. Callers hold e.mu.
func (e *Engine) fillCrossing(symbol string, bid, ask decimal.Decimal, at time.Time) {
	crossed := e.book.takeCrossing(symbol, bid, ask)
	if len(crossed) == 0 {
		return
	}
	for _, o := range crossed {
		e.executeFill(o.order(), o.limitPrice, at, originLimit)
	}
	metrics.RestingOrders.Set(float64(e.book.len()))
}
