package sim

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/metrics"
)

var (
	heuristicRate = decimal.RequireFromString("0.0001") // per 8h
	minutesPer8h  = decimal.NewFromInt(8 * 60)
	emaAlpha      = decimal.NewFromInt(2).Div(decimal.NewFromInt(25))
	fundingLogMin = decimal.RequireFromString("0.01")
)

// fundingRate returns the 8h rate for symbol. The heuristic compares mark
// with the EMA as it stood before this tick; with no history the EMA
// equals the mark and the rate is negative.
func (e *Engine) fundingRate(symbol string, mark decimal.Decimal) decimal.Decimal {
	switch e.cfg.FundingMode {
	case FundingHeuristic:
		ema, ok := e.ema[symbol]
		if !ok {
			ema = mark
		}
		if mark.GreaterThan(ema) {
			return heuristicRate
		}
		return heuristicRate.Neg()
	default:
		// FundingExternal has no feed yet.
		return decimal.Zero
	}
}

// updateEMA folds mark into the 24-sample EMA, seeding it on first use.
func (e *Engine) updateEMA(symbol string, mark decimal.Decimal) {
	prev, ok := e.ema[symbol]
	if !ok {
		e.ema[symbol] = mark
		return
	}
	e.ema[symbol] = emaAlpha.Mul(mark).Add(decimal.NewFromInt(1).Sub(emaAlpha).Mul(prev))
}

// accrueFunding books at most one per-minute payment for symbol's open
// position: longs pay a positive rate, shorts receive it. Callers hold e.mu.
func (e *Engine) accrueFunding(symbol string, rate8h decimal.Decimal, at time.Time) {
	pos, ok := e.positions[symbol]
	if !ok || pos.flat() {
		return
	}
	if pos.lastFunding == nil {
		pos.lastFunding = &at
		return
	}
	if at.Sub(*pos.lastFunding) < time.Minute {
		return
	}
	m, ok := e.markets[symbol]
	if !ok {
		return
	}

	notional := pos.notional(m.Mark)
	payment := notional.Mul(rate8h).Div(minutesPer8h)
	if pos.qty.IsPositive() {
		payment = payment.Neg()
	}
	e.funding = e.funding.Add(payment)
	pos.lastFunding = &at

	metrics.FundingNet.Set(e.funding.InexactFloat64())
	e.pub.Publish(events.Event{
		Kind:      events.KindFunding,
		Symbol:    symbol,
		Timestamp: at,
		Data: &events.Funding{
			Symbol:     symbol,
			Rate8h:     rate8h,
			Payment:    payment,
			Cumulative: e.funding,
		},
	})
	if payment.Abs().GreaterThan(fundingLogMin) {
		slog.Info("funding accrued",
			"symbol", symbol,
			"qty", pos.qty.String(),
			"rate", rate8h.String(),
			"payment", payment.String(),
		)
	}
}
