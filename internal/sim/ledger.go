package sim

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quantities closer to zero than this are treated as flat.
var epsilon = decimal.New(1, -6)

// position is the ledger entry for one symbol. A flat position keeps its
// cumulative realized P&L; everything else is reset.
type position struct {
	symbol      string
	qty         decimal.Decimal // signed: +long, -short
	avgEntry    decimal.Decimal // zero while flat
	realized    decimal.Decimal // cumulative over the symbol's lifetime
	leverage    decimal.Decimal
	entryTime   *time.Time
	lastFunding *time.Time
}

func (p *position) flat() bool { return p.qty.IsZero() }

// unrealized marks the position at mark. Works for both signs:
// qty*(mark-avg) equals |qty|*(avg-mark) for shorts.
func (p *position) unrealized(mark decimal.Decimal) decimal.Decimal {
	if p.flat() {
		return decimal.Zero
	}
	return p.qty.Mul(mark.Sub(p.avgEntry))
}

func (p *position) notional(mark decimal.Decimal) decimal.Decimal {
	return p.qty.Abs().Mul(mark)
}

// transition classifies how a fill changes a position.
type transition string

const (
	transOpen    transition = "open"
	transAdd     transition = "add"
	transReduce  transition = "reduce"
	transClose   transition = "close"
	transReverse transition = "reverse"
)

// apply folds a signed fill into the position and returns the P&L
// realized by the closing portion, if any.
func (p *position) apply(delta, price, leverage decimal.Decimal, at time.Time) (decimal.Decimal, transition) {
	old := p.qty
	next := old.Add(delta)

	if old.IsZero() {
		p.qty = next
		p.avgEntry = price
		p.leverage = leverage
		p.entryTime = &at
		p.lastFunding = &at
		return decimal.Zero, transOpen
	}

	if old.Sign() == delta.Sign() {
		p.avgEntry = old.Mul(p.avgEntry).Add(delta.Mul(price)).Div(next)
		p.qty = next
		return decimal.Zero, transAdd
	}

	closeQty := decimal.Min(delta.Abs(), old.Abs())
	var realized decimal.Decimal
	if old.IsPositive() {
		realized = closeQty.Mul(price.Sub(p.avgEntry))
	} else {
		realized = closeQty.Mul(p.avgEntry.Sub(price))
	}
	p.realized = p.realized.Add(realized)

	switch {
	case next.Abs().LessThan(epsilon):
		p.qty = decimal.Zero
		p.avgEntry = decimal.Zero
		p.entryTime = nil
		p.lastFunding = nil
		return realized, transClose
	case next.Sign() == old.Sign():
		p.qty = next
		return realized, transReduce
	default:
		p.qty = next
		p.avgEntry = price
		p.leverage = leverage
		p.entryTime = &at
		return realized, transReverse
	}
}

// positionFor returns the ledger entry for symbol, creating a flat one.
func (e *Engine) positionFor(symbol string) *position {
	p, ok := e.positions[symbol]
	if !ok {
		p = &position{symbol: symbol, leverage: decimal.NewFromInt(1)}
		e.positions[symbol] = p
	}
	return p
}
