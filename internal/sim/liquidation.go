package sim

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
)

// checkLiquidation force-closes symbol's position when equity falls below
// its maintenance requirement. Equity here is the account's global cash
// and funding plus this position's unrealized P&L only; other symbols'
// open P&L is not counted. Callers hold e.mu.
func (e *Engine) checkLiquidation(symbol string, mark decimal.Decimal, at time.Time) {
	pos, ok := e.positions[symbol]
	if !ok || pos.flat() {
		return
	}

	equity := e.cash.Add(pos.unrealized(mark)).Add(e.funding)
	notional := pos.notional(mark)
	required := e.cfg.MaintenanceMargin.Mul(notional)
	if !equity.LessThan(required) {
		return
	}

	qty := pos.qty
	one := decimal.NewFromInt(1)
	side := model.SideSell
	price := mark.Mul(one.Sub(e.liqPenalty))
	if qty.IsNegative() {
		side = model.SideBuy
		price = mark.Mul(one.Add(e.liqPenalty))
	}

	slog.Warn("liquidation",
		"symbol", symbol,
		"qty", qty.String(),
		"equity", equity.String(),
		"required", required.String(),
	)

	order := model.Order{
		Symbol:   symbol,
		Side:     side,
		Qty:      qty.Abs(),
		Type:     model.OrderTypeMarket,
		ClientID: "liq-" + uuid.NewString(),
		Leverage: pos.leverage,
	}
	e.executeFill(order, price, at, originLiquidation)

	liqFee := notional.Mul(e.liqPenalty)
	e.fees = e.fees.Sub(liqFee)
	e.cash = e.cash.Sub(liqFee)

	e.writer.InsertChat(model.ChatMessage{
		Timestamp: at,
		Content: fmt.Sprintf("LIQUIDATED: %s position %s @ %s, equity=%s, liq_fee=%s",
			symbol, qty.StringFixed(4), price.StringFixed(2), equity.StringFixed(2), liqFee.StringFixed(2)),
		CycleID: "liq-" + at.Format(time.RFC3339),
	})

	metrics.LiquidationsTotal.WithLabelValues(symbol).Inc()
	e.pub.Publish(events.Event{
		Kind:      events.KindLiquidation,
		Symbol:    symbol,
		Timestamp: at,
		Data: &events.Liquidation{
			Symbol:   symbol,
			Qty:      qty,
			Price:    price,
			Equity:   equity,
			Required: required,
			Fee:      liqFee,
			ClientID: order.ClientID,
		},
	})
}
