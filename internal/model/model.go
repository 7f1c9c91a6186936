// Package model defines the domain types shared across the paper-trading
// engine, its persistence layer and the HTTP API.
// All monetary values and quantities use shopspring/decimal, never float64.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that closes exposure opened by s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is market or limit.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// MarketInfo is the cached top-of-book view of one symbol.
type MarketInfo struct {
	Symbol        string          `json:"symbol"`
	BestBid       decimal.Decimal `json:"best_bid"`
	BestAsk       decimal.Decimal `json:"best_ask"`
	Mark          decimal.Decimal `json:"mark"`            // mid of bid/ask
	SpreadBps     decimal.Decimal `json:"spread_bps"`      // (ask-bid)/mark * 10000
	Funding8hRate decimal.Decimal `json:"funding_8h_rate"` // rate per 8h window
	Volume24h     decimal.Decimal `json:"volume_24h"`
	BidQty        decimal.Decimal `json:"bid_qty"`
	AskQty        decimal.Decimal `json:"ask_qty"`
}

// MarketState is the cached market data for a set of symbols.
type MarketState struct {
	Markets   []MarketInfo `json:"markets"`
	Timestamp time.Time    `json:"timestamp"`
}

// PositionInfo is an open position marked to market.
type PositionInfo struct {
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"` // signed: +long, -short
	AvgEntry     decimal.Decimal `json:"avg_entry"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Notional     decimal.Decimal `json:"notional"` // |qty| * mark
	Leverage     decimal.Decimal `json:"leverage"`
	EntryTime    *time.Time      `json:"entry_time,omitempty"`
}

// AccountState is a point-in-time snapshot of balances and positions.
// Equity = Cash + UnrealizedPL + FundingNet; realized P&L and fees are
// already folded into Cash.
type AccountState struct {
	Equity       decimal.Decimal `json:"equity"`
	Cash         decimal.Decimal `json:"cash"`
	RealizedPL   decimal.Decimal `json:"realized_pl"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	Fees         decimal.Decimal `json:"fees"`        // cumulative, <= 0
	FundingNet   decimal.Decimal `json:"funding_net"` // +received, -paid
	Positions    []PositionInfo  `json:"positions"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Limits are the trading constraints a backend advertises.
type Limits struct {
	MinNotional       decimal.Decimal `json:"min_notional"`
	TickSize          decimal.Decimal `json:"tick_size"`
	MaxLeverage       decimal.Decimal `json:"max_leverage"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
}

// Order is an already-sized order handed to a backend.
// TimeInForce and ReduceOnly are informational only.
type Order struct {
	Symbol      string           `json:"symbol"`
	Side        Side             `json:"side"`
	Qty         decimal.Decimal  `json:"qty"`
	Type        OrderType        `json:"order_type"`
	LimitPrice  *decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce string           `json:"time_in_force,omitempty"`
	ReduceOnly  bool             `json:"reduce_only,omitempty"`
	ClientID    string           `json:"client_id"`
	Leverage    decimal.Decimal  `json:"leverage"`
}

// PlacedOrder is the synchronous result of placing an order.
type PlacedOrder struct {
	Success    bool   `json:"success"`
	ClientID   string `json:"client_id"`
	ExchangeID string `json:"exchange_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CancelResult is the result of canceling a resting order.
type CancelResult struct {
	Success  bool   `json:"success"`
	ClientID string `json:"client_id"`
	Error    string `json:"error,omitempty"`
}

// Trade is an immutable fill record.
// Fee is the positive amount charged for the fill.
type Trade struct {
	ClientID  string          `json:"client_id" db:"client_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Side      Side            `json:"side" db:"side"`
	Qty       decimal.Decimal `json:"qty" db:"qty"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	Timestamp time.Time       `json:"ts" db:"ts"`
}

// PositionRecord is the persisted view of an open position.
// ExitPlan is opaque JSON owned by the persistence layer.
type PositionRecord struct {
	Symbol       string          `json:"symbol" db:"symbol"`
	Qty          decimal.Decimal `json:"qty" db:"qty"`
	AvgEntry     decimal.Decimal `json:"avg_entry" db:"avg_entry"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl" db:"unrealized_pl"`
	ExitPlan     json.RawMessage `json:"exit_plan,omitempty" db:"exit_plan"`
	Leverage     decimal.Decimal `json:"leverage" db:"leverage"`
	EntryTime    time.Time       `json:"entry_time" db:"entry_time"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// EquitySnapshot is one point of the equity curve.
type EquitySnapshot struct {
	Timestamp    time.Time       `json:"ts" db:"ts"`
	Equity       decimal.Decimal `json:"equity" db:"equity"`
	Cash         decimal.Decimal `json:"cash" db:"cash"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl" db:"unrealized_pl"`
}

// ChatMessage is a human-readable note, e.g. a liquidation alert.
type ChatMessage struct {
	Timestamp time.Time `json:"ts" db:"ts"`
	Content   string    `json:"content" db:"content"`
	CycleID   string    `json:"cycle_id" db:"cycle_id"`
}
