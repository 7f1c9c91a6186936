// Package broker defines the trading-backend capability shared by the
// paper-trading simulator and live venue adapters, and selects one at
// startup.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
	"github.com/atmx/perpsim/internal/sim"
	"github.com/atmx/perpsim/internal/store"
)

// Backend is a trading venue. Placement and cancel report rejections in
// their result values rather than as errors.
type Backend interface {
	GetMarketState(ctx context.Context, symbols []string) model.MarketState
	GetAccountState(ctx context.Context) model.AccountState
	PlaceOrder(ctx context.Context, o model.Order) model.PlacedOrder
	CancelOrder(ctx context.Context, clientID string) model.CancelResult
	OpenOrders() []model.Order
	Reconcile(ctx context.Context) error
	Limits() model.Limits
	Close(ctx context.Context) error
}

var _ Backend = (*sim.Engine)(nil)

// Backend names accepted by Open.
const (
	NamePerpSim     = "perpsim"
	NameHyperliquid = "hyperliquid"
)

// ErrUnsupported is returned by Open for a recognised backend that this
// build does not include.
var ErrUnsupported = errors.New("broker: backend not supported")

// Open builds the named backend. The simulator is the only implementation
// in this service.
func Open(name string, cfg sim.Config, st store.Store, opts ...sim.Option) (*sim.Engine, error) {
	switch name {
	case NamePerpSim, "":
		return sim.New(cfg, st, opts...), nil
	case NameHyperliquid:
		return nil, fmt.Errorf("%s: %w", name, ErrUnsupported)
	}
	return nil, fmt.Errorf("broker: unknown backend %q", name)
}

// Instrumented wraps a Backend with latency metrics and logging.
type Instrumented struct {
	Backend
}

// Instrument decorates b.
func Instrument(b Backend) *Instrumented {
	return &Instrumented{Backend: b}
}

func observe(op string, start time.Time) {
	metrics.BackendLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (i *Instrumented) GetMarketState(ctx context.Context, symbols []string) model.MarketState {
	defer observe("market_state", time.Now())
	return i.Backend.GetMarketState(ctx, symbols)
}

func (i *Instrumented) GetAccountState(ctx context.Context) model.AccountState {
	defer observe("account_state", time.Now())
	return i.Backend.GetAccountState(ctx)
}

func (i *Instrumented) PlaceOrder(ctx context.Context, o model.Order) model.PlacedOrder {
	defer observe("place_order", time.Now())
	res := i.Backend.PlaceOrder(ctx, o)
	if !res.Success {
		slog.Warn("order not placed", "client_id", o.ClientID, "symbol", o.Symbol, "err", res.Error)
	}
	return res
}

func (i *Instrumented) CancelOrder(ctx context.Context, clientID string) model.CancelResult {
	defer observe("cancel_order", time.Now())
	return i.Backend.CancelOrder(ctx, clientID)
}

func (i *Instrumented) Reconcile(ctx context.Context) error {
	defer observe("reconcile", time.Now())
	err := i.Backend.Reconcile(ctx)
	if err != nil {
		slog.Error("reconcile failed", "err", err)
	}
	return err
}
