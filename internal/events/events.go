// Package events fans engine state changes (fills, liquidations, funding
// accruals) out to subscribers such as WebSocket clients and NATS.
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindFill        Kind = "fill"
	KindLiquidation Kind = "liquidation"
	KindFunding     Kind = "funding"
)

// Event is one engine notification. Data is one of *model.Trade,
// *Liquidation or *Funding depending on Kind.
type Event struct {
	Kind      Kind      `json:"type"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"ts"`
	Data      any       `json:"data"`
}

// Liquidation describes a forced close.
type Liquidation struct {
	Symbol   string          `json:"symbol"`
	Qty      decimal.Decimal `json:"qty"` // signed position size before the close
	Price    decimal.Decimal `json:"price"`
	Equity   decimal.Decimal `json:"equity"`
	Required decimal.Decimal `json:"required"`
	Fee      decimal.Decimal `json:"liq_fee"`
	ClientID string          `json:"client_id"`
}

// Funding describes one per-minute funding accrual.
type Funding struct {
	Symbol     string          `json:"symbol"`
	Rate8h     decimal.Decimal `json:"rate_8h"`
	Payment    decimal.Decimal `json:"payment"`
	Cumulative decimal.Decimal `json:"cumulative"`
}

// Publisher delivers events. Publish is called while the engine holds its
// state lock, so implementations must not block.
type Publisher interface {
	Publish(e Event)
}

// Multi publishes every event to each of its publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		p.Publish(e)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
