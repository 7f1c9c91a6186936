package sim

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/model"
)

// GetAccountState marks every open position against the market cache.
// Positions whose symbol has no cached quote are left out.
func (e *Engine) GetAccountState(_ context.Context) model.AccountState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.accountLocked()
}

func (e *Engine) accountLocked() model.AccountState {
	unrealized := decimal.Zero
	realized := decimal.Zero
	positions := make([]model.PositionInfo, 0, len(e.positions))

	for _, sym := range e.sortedSymbols() {
		pos := e.positions[sym]
		realized = realized.Add(pos.realized)
		if pos.flat() {
			continue
		}
		m, ok := e.markets[sym]
		if !ok {
			continue
		}
		upl := pos.unrealized(m.Mark)
		unrealized = unrealized.Add(upl)

		info := model.PositionInfo{
			Symbol:       sym,
			Qty:          pos.qty,
			AvgEntry:     pos.avgEntry,
			UnrealizedPL: upl,
			Notional:     pos.notional(m.Mark),
			Leverage:     pos.leverage,
		}
		if pos.entryTime != nil {
			t := *pos.entryTime
			info.EntryTime = &t
		}
		positions = append(positions, info)
	}

	return model.AccountState{
		Equity:       e.cash.Add(unrealized).Add(e.funding),
		Cash:         e.cash,
		RealizedPL:   realized,
		UnrealizedPL: unrealized,
		Fees:         e.fees,
		FundingNet:   e.funding,
		Positions:    positions,
		Timestamp:    e.now().UTC(),
	}
}

// GetMarketState returns cached quotes for the requested symbols. Symbols
// never observed are omitted.
func (e *Engine) GetMarketState(_ context.Context, symbols []string) model.MarketState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	markets := make([]model.MarketInfo, 0, len(symbols))
	for _, s := range symbols {
		if m, ok := e.markets[s]; ok {
			markets = append(markets, m)
		}
	}
	return model.MarketState{Markets: markets, Timestamp: e.now().UTC()}
}

// OpenOrders lists resting limit orders, oldest first.
func (e *Engine) OpenOrders() []model.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()

	resting := e.book.snapshot()
	out := make([]model.Order, len(resting))
	for i := range resting {
		out[i] = resting[i].order()
	}
	return out
}

func (e *Engine) sortedSymbols() []string {
	syms := make([]string, 0, len(e.positions))
	for s := range e.positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}
