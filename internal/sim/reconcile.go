package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/metrics"
	"github.com/atmx/perpsim/internal/model"
	"github.com/atmx/perpsim/internal/store"
)

// Metadata keys written by Reconcile.
const (
	MetaFees     = "sim_fees"
	MetaFunding  = "sim_funding"
	MetaRealized = "sim_realized"
)

// ExitPlanKey is the metadata key holding the exit plan attached to a
// symbol's position by the decision client.
func ExitPlanKey(symbol string) string { return "exit_plan_" + symbol }

type reconcileSnapshot struct {
	positions []model.PositionRecord
	account   model.AccountState
	fees      decimal.Decimal
	funding   decimal.Decimal
}

// Reconcile pushes the ledger and an equity snapshot to the store. It
// first waits for queued fill records so the store never lags the ledger.
func (e *Engine) Reconcile(ctx context.Context) error {
	if err := e.writer.Flush(ctx); err != nil {
		return fmt.Errorf("flush fills: %w", err)
	}

	snap := e.snapshotForReconcile()

	for i := range snap.positions {
		rec := &snap.positions[i]
		if !rec.Qty.IsZero() {
			rec.ExitPlan = e.exitPlan(ctx, rec.Symbol)
		}
		if err := e.st.UpsertPosition(ctx, rec); err != nil {
			return fmt.Errorf("reconcile position %s: %w", rec.Symbol, err)
		}
	}

	acct := snap.account
	usedMargin := decimal.Zero
	for _, p := range acct.Positions {
		if p.Leverage.IsPositive() {
			usedMargin = usedMargin.Add(p.Notional.Div(p.Leverage))
		}
	}
	available := decimal.Max(decimal.Zero, acct.Equity.Sub(usedMargin))

	eq := &model.EquitySnapshot{
		Timestamp:    e.now().UTC().Truncate(time.Minute),
		Equity:       acct.Equity,
		Cash:         available,
		UnrealizedPL: acct.UnrealizedPL,
	}
	if err := e.st.InsertEquitySnapshot(ctx, eq); err != nil {
		return fmt.Errorf("reconcile equity: %w", err)
	}

	for key, v := range map[string]decimal.Decimal{
		MetaFees:     snap.fees,
		MetaFunding:  snap.funding,
		MetaRealized: acct.RealizedPL,
	} {
		if err := e.st.SetMetadata(ctx, key, v); err != nil {
			return fmt.Errorf("reconcile %s: %w", key, err)
		}
	}

	metrics.AccountEquity.Set(acct.Equity.InexactFloat64())
	metrics.AccountCash.Set(acct.Cash.InexactFloat64())
	metrics.FundingNet.Set(snap.funding.InexactFloat64())

	slog.Info("reconciled",
		"equity", acct.Equity.StringFixed(2),
		"realized", acct.RealizedPL.StringFixed(2),
		"fees", snap.fees.StringFixed(2),
		"funding", snap.funding.StringFixed(2),
	)
	return nil
}

// snapshotForReconcile copies the ledger under the read lock so store
// calls run without holding it. Positions with no quote are marked at
// their entry price.
func (e *Engine) snapshotForReconcile() reconcileSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := reconcileSnapshot{
		account: e.accountLocked(),
		fees:    e.fees,
		funding: e.funding,
	}
	for _, sym := range e.sortedSymbols() {
		pos := e.positions[sym]
		if pos.flat() {
			snap.positions = append(snap.positions, model.PositionRecord{
				Symbol: sym, Leverage: decimal.NewFromInt(1),
			})
			continue
		}
		mark := pos.avgEntry
		if m, ok := e.markets[sym]; ok {
			mark = m.Mark
		}
		snap.positions = append(snap.positions, model.PositionRecord{
			Symbol:       sym,
			Qty:          pos.qty,
			AvgEntry:     pos.avgEntry,
			UnrealizedPL: pos.unrealized(mark),
			Leverage:     pos.leverage,
		})
	}
	return snap
}

func (e *Engine) exitPlan(ctx context.Context, symbol string) json.RawMessage {
	plan, err := e.st.GetMetadata(ctx, ExitPlanKey(symbol))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		slog.Warn("exit plan lookup failed", "symbol", symbol, "err", err)
		return nil
	}
	return plan
}
