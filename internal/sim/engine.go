// Package sim is a paper-trading simulator for perpetual futures. It keeps
// a market cache, a position ledger, resting limit orders and account
// balances in memory, driven by an external tick stream, and emulates
// slippage, fees, funding accrual and forced liquidation.
//
// All state is owned by one Engine and guarded by a single lock: ticks,
// placements, cancels and liquidations are applied one at a time and fully
// in memory. Fill records are handed to an ordered persistence queue, so
// store latency never interleaves mutations.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
	"github.com/atmx/perpsim/internal/store"
)

// FundingMode selects how the per-symbol funding rate is derived.
type FundingMode string

const (
	FundingZero      FundingMode = "zero"      // always 0
	FundingHeuristic FundingMode = "heuristic" // ±0.01% per 8h by mark vs EMA
	FundingExternal  FundingMode = "external"  // stub, always 0
)

// ParseFundingMode accepts the mode names and the legacy letters A, B, C.
func ParseFundingMode(s string) (FundingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "a", "zero", "":
		return FundingZero, nil
	case "b", "heuristic":
		return FundingHeuristic, nil
	case "c", "external":
		return FundingExternal, nil
	}
	return "", fmt.Errorf("unknown funding mode %q", s)
}

// Config is fixed for the life of an Engine.
type Config struct {
	InitialMargin     decimal.Decimal
	MaintenanceMargin decimal.Decimal
	MaxLeverage       decimal.Decimal
	SlippageBps       decimal.Decimal
	FeeBps            decimal.Decimal
	LiqPenaltyBps     decimal.Decimal
	FundingMode       FundingMode
	Symbols           []string
	TickSize          decimal.Decimal            // default when a symbol has no entry in TickSizes
	TickSizes         map[string]decimal.Decimal // per-symbol overrides
	MinNotional       decimal.Decimal
	InitialCash       decimal.Decimal
}

// DefaultConfig returns the stock simulator settings: 5% initial margin,
// 3% maintenance, 20x, 1 bp slippage, 2 bp taker fee, 5 bp liquidation
// penalty, zero funding, BTC-USD only, 10 000 starting cash.
func DefaultConfig() Config {
	return Config{
		InitialMargin:     decimal.RequireFromString("0.05"),
		MaintenanceMargin: decimal.RequireFromString("0.03"),
		MaxLeverage:       decimal.NewFromInt(20),
		SlippageBps:       decimal.NewFromInt(1),
		FeeBps:            decimal.NewFromInt(2),
		LiqPenaltyBps:     decimal.NewFromInt(5),
		FundingMode:       FundingZero,
		Symbols:           []string{"BTC-USD"},
		TickSize:          decimal.RequireFromString("0.5"),
		MinNotional:       decimal.NewFromInt(5),
		InitialCash:       decimal.NewFromInt(10000),
	}
}

// TickSizeFor returns the price increment for symbol.
func (c Config) TickSizeFor(symbol string) decimal.Decimal {
	if ts, ok := c.TickSizes[symbol]; ok {
		return ts
	}
	return c.TickSize
}

// Engine is the simulated trading backend.
type Engine struct {
	cfg     Config
	tracked map[string]struct{}

	// Precomputed bps ratios.
	slippage   decimal.Decimal
	feeRate    decimal.Decimal
	liqPenalty decimal.Decimal

	mu        sync.RWMutex
	markets   map[string]model.MarketInfo
	ema       map[string]decimal.Decimal
	positions map[string]*position
	book      *restingBook
	cash      decimal.Decimal
	fees      decimal.Decimal // cumulative, <= 0
	funding   decimal.Decimal // cumulative, +received

	st        store.Store
	writer    *store.Writer
	pub       events.Publisher
	now       func() time.Time
	queueSize int
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for market orders, cancels and
// reconcile timestamps. Tick-driven fills use the tick timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher sets the event sink for fills, liquidations and funding.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithQueueSize sets the capacity of the persistence queue.
func WithQueueSize(n int) Option {
	return func(e *Engine) { e.queueSize = n }
}

// New creates an engine with cfg.InitialCash and no positions.
// Fill and chat records are written to st through an ordered queue.
func New(cfg Config, st store.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:        cfg,
		tracked:    make(map[string]struct{}, len(cfg.Symbols)),
		slippage:   bps(cfg.SlippageBps),
		feeRate:    bps(cfg.FeeBps),
		liqPenalty: bps(cfg.LiqPenaltyBps),
		markets:    make(map[string]model.MarketInfo),
		ema:        make(map[string]decimal.Decimal),
		positions:  make(map[string]*position),
		book:       newRestingBook(),
		cash:       cfg.InitialCash,
		st:         st,
		pub:        events.Nop{},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, s := range cfg.Symbols {
		e.tracked[s] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.writer = store.NewWriter(st, e.queueSize)

	slog.Info("perpsim initialized",
		"im", cfg.InitialMargin.String(),
		"mm", cfg.MaintenanceMargin.String(),
		"max_leverage", cfg.MaxLeverage.String(),
		"funding_mode", string(cfg.FundingMode),
		"symbols", cfg.Symbols,
	)
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config { return e.cfg }

// Tracks reports whether symbol is in the tracked set.
func (e *Engine) Tracks(symbol string) bool {
	_, ok := e.tracked[symbol]
	return ok
}

// OnTick ingests a best bid/ask update. Ticks for untracked symbols or
// with non-positive prices are ignored. In order, the tick refreshes the
// market cache, fills crossing resting orders, accrues funding and checks
// the symbol's position for liquidation.
func (e *Engine) OnTick(symbol string, bid, ask decimal.Decimal, ts time.Time) {
	if !e.Tracks(symbol) || !bid.IsPositive() || !ask.IsPositive() {
		return
	}
	ts = ts.UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	mark := bid.Add(ask).Div(two)
	rate := e.fundingRate(symbol, mark)
	e.markets[symbol] = newMarketInfo(symbol, bid, ask, rate)
	metrics.TicksTotal.WithLabelValues(symbol).Inc()

	e.fillCrossing(symbol, bid, ask, ts)
	e.accrueFunding(symbol, rate, ts)
	e.checkLiquidation(symbol, mark, ts)
	e.updateEMA(symbol, mark)
}

// PlaceOrder fills a market order immediately against the cached quote
// or rests a limit order until a tick crosses it. Rejections leave all
// state untouched.
func (e *Engine) PlaceOrder(_ context.Context, o model.Order) model.PlacedOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	if reason, msg := e.rejectOrder(o); reason != "" {
		metrics.OrderRejections.WithLabelValues(reason).Inc()
		slog.Info("order rejected", "client_id", o.ClientID, "symbol", o.Symbol, "reason", msg)
		return model.PlacedOrder{Success: false, ClientID: o.ClientID, Error: msg}
	}
	if !o.Leverage.IsPositive() {
		o.Leverage = decimal.NewFromInt(1)
	}

	switch o.Type {
	case model.OrderTypeMarket:
		m := e.markets[o.Symbol]
		price := e.marketFillPrice(o.Side, m.BestBid, m.BestAsk)
		e.executeFill(o, price, e.now().UTC(), originMarket)
	case model.OrderTypeLimit:
		e.book.add(&restingOrder{
			clientID:   o.ClientID,
			symbol:     o.Symbol,
			side:       o.Side,
			qty:        o.Qty,
			limitPrice: *o.LimitPrice,
			leverage:   o.Leverage,
			reduceOnly: o.ReduceOnly,
			createdAt:  e.now().UTC(),
		})
		metrics.RestingOrders.Set(float64(e.book.len()))
		slog.Info("limit order placed",
			"client_id", o.ClientID, "symbol", o.Symbol, "side", string(o.Side),
			"qty", o.Qty.String(), "limit", o.LimitPrice.String())
	}
	return model.PlacedOrder{Success: true, ClientID: o.ClientID}
}

func (e *Engine) rejectOrder(o model.Order) (reason, msg string) {
	switch {
	case !o.Side.Valid():
		return "invalid_side", fmt.Sprintf("invalid side %q", o.Side)
	case o.Type != model.OrderTypeMarket && o.Type != model.OrderTypeLimit:
		return "invalid_type", fmt.Sprintf("invalid order type %q", o.Type)
	case !o.Qty.IsPositive():
		return "invalid_qty", "qty must be positive"
	case !e.Tracks(o.Symbol):
		return "unknown_symbol", "unknown symbol " + o.Symbol
	}
	if _, ok := e.markets[o.Symbol]; !ok {
		return "no_market_data", "no market data for " + o.Symbol
	}
	if o.Type == model.OrderTypeLimit {
		if o.LimitPrice == nil || !o.LimitPrice.IsPositive() {
			return "limit_price_required", "limit price required"
		}
		if e.book.has(o.ClientID) {
			return "duplicate_client_id", "duplicate client id " + o.ClientID
		}
	}
	return "", ""
}

// CancelOrder removes a resting limit order. Market orders never rest, so
// canceling one always reports "order not found".
func (e *Engine) CancelOrder(_ context.Context, clientID string) model.CancelResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.book.cancel(clientID) {
		metrics.OrderRejections.WithLabelValues("not_found").Inc()
		return model.CancelResult{Success: false, ClientID: clientID, Error: "order not found"}
	}
	metrics.RestingOrders.Set(float64(e.book.len()))
	slog.Info("order canceled", "client_id", clientID)
	return model.CancelResult{Success: true, ClientID: clientID}
}

// Limits reports the configured trading constraints.
func (e *Engine) Limits() model.Limits {
	return model.Limits{
		MinNotional:       e.cfg.MinNotional,
		TickSize:          e.cfg.TickSize,
		MaxLeverage:       e.cfg.MaxLeverage,
		InitialMargin:     e.cfg.InitialMargin,
		MaintenanceMargin: e.cfg.MaintenanceMargin,
	}
}

// Flush blocks until every fill and chat record produced so far has been
// handed to the store.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writer.Flush(ctx)
}

// Close drains the persistence queue. The engine must not be used after.
func (e *Engine) Close(ctx context.Context) error {
	err := e.writer.Close(ctx)
	slog.Info("perpsim closed")
	return err
}

var two = decimal.NewFromInt(2)

func bps(v decimal.Decimal) decimal.Decimal {
	return v.Div(decimal.NewFromInt(10000))
}
