package sim

import (
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
)

// Fill origins, used as a metrics label.
const (
	originMarket      = "market"
	originLimit       = "limit"
	originLiquidation = "liquidation"
)

// executeFill applies o at price: charges the taker fee, updates the
// position and realizes P&L into cash, then queues the trade record.
// Callers hold e.mu.
func (e *Engine) executeFill(o model.Order, price decimal.Decimal, at time.Time, origin string) model.Trade {
	fee := o.Qty.Abs().Mul(price).Mul(e.feeRate)
	e.fees = e.fees.Sub(fee)
	e.cash = e.cash.Sub(fee)

	delta := o.Qty
	if o.Side == model.SideSell {
		delta = delta.Neg()
	}

	pos := e.positionFor(o.Symbol)
	realized, kind := pos.apply(delta, price, o.Leverage, at)
	e.cash = e.cash.Add(realized)

	trade := model.Trade{
		ClientID:  o.ClientID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       o.Qty,
		Price:     price,
		Fee:       fee,
		Timestamp: at,
	}
	e.writer.InsertTrade(trade)

	metrics.FillsTotal.WithLabelValues(o.Symbol, string(o.Side), origin).Inc()
	metrics.FillVolume.WithLabelValues(o.Symbol, string(o.Side)).Add(o.Qty.InexactFloat64())
	e.pub.Publish(events.Event{Kind: events.KindFill, Symbol: o.Symbol, Timestamp: at, Data: &trade})

	slog.Info("filled",
		"client_id", o.ClientID,
		"symbol", o.Symbol,
		"side", string(o.Side),
		"qty", o.Qty.String(),
		"price", price.String(),
		"fee", fee.String(),
		"realized", realized.String(),
		"transition", string(kind),
		"pos_qty", pos.qty.String(),
		"avg_entry", pos.avgEntry.String(),
	)
	return trade
}
