package sim_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/model"
	"github.com/atmx/perpsim/internal/sim"
	"github.com/atmx/perpsim/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func assertDec(t *testing.T, want, got decimal.Decimal, field string) {
	t.Helper()
	assert.Truef(t, want.Equal(got), "%s: want %s, got %s", field, want, got)
}

var t0 = time.Date(2024, 6, 1, 12, 0, 30, 0, time.UTC)

type recorder struct {
	mu  sync.Mutex
	got []events.Event
}

func (r *recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
}

func (r *recorder) count(k events.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.got {
		if e.Kind == k {
			n++
		}
	}
	return n
}

type testEnv struct {
	eng   *sim.Engine
	store *store.MemoryStore
	pub   *recorder
	now   time.Time
	seq   int
}

// newTestEnv builds an engine tracking BTC-USD and ETH-USD with zero
// slippage, 2 bp fees and a controllable clock fixed at t0.
func newTestEnv(t *testing.T, mutate ...func(*sim.Config)) *testEnv {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.SlippageBps = decimal.Zero
	cfg.Symbols = []string{"BTC-USD", "ETH-USD"}
	for _, m := range mutate {
		m(&cfg)
	}

	env := &testEnv{store: store.NewMemoryStore(), pub: &recorder{}, now: t0}
	env.eng = sim.New(cfg, env.store,
		sim.WithClock(func() time.Time { return env.now }),
		sim.WithPublisher(env.pub),
	)
	t.Cleanup(func() { env.eng.Close(context.Background()) })
	return env
}

func (env *testEnv) quote(symbol string, bid, ask float64) {
	env.eng.OnTick(symbol, d(bid), d(ask), env.now)
}

func (env *testEnv) market(t *testing.T, symbol string, side model.Side, qty, leverage float64) {
	t.Helper()
	env.seq++
	res := env.eng.PlaceOrder(context.Background(), model.Order{
		Symbol:   symbol,
		Side:     side,
		Qty:      d(qty),
		Type:     model.OrderTypeMarket,
		ClientID: fmt.Sprintf("%s-%d", symbol, env.seq),
		Leverage: d(leverage),
	})
	require.Truef(t, res.Success, "market %s %v %s: %s", side, qty, symbol, res.Error)
}

func (env *testEnv) limit(symbol string, side model.Side, qty, price float64, clientID string) model.PlacedOrder {
	lp := d(price)
	return env.eng.PlaceOrder(context.Background(), model.Order{
		Symbol:     symbol,
		Side:       side,
		Qty:        d(qty),
		Type:       model.OrderTypeLimit,
		LimitPrice: &lp,
		ClientID:   clientID,
		Leverage:   d(1),
	})
}

func (env *testEnv) account() model.AccountState {
	return env.eng.GetAccountState(context.Background())
}

func (env *testEnv) position(t *testing.T, symbol string) model.PositionInfo {
	t.Helper()
	for _, p := range env.account().Positions {
		if p.Symbol == symbol {
			return p
		}
	}
	t.Fatalf("no open position for %s", symbol)
	return model.PositionInfo{}
}

// --- Scenarios ---

func TestScenarios_OpenAddReduceReverse(t *testing.T) {
	env := newTestEnv(t)

	// A: open long 1 @ 100000, fee 20.
	env.quote("BTC-USD", 99990, 100000)
	env.market(t, "BTC-USD", model.SideBuy, 1, 10)
	acct := env.account()
	assertDec(t, d(9980), acct.Cash, "cash after A")
	assertDec(t, d(-20), acct.Fees, "fees after A")
	p := env.position(t, "BTC-USD")
	assertDec(t, d(1), p.Qty, "qty after A")
	assertDec(t, d(100000), p.AvgEntry, "avg after A")
	assertDec(t, d(10), p.Leverage, "leverage after A")

	// B: add 1 @ 101000.
	env.quote("BTC-USD", 100990, 101000)
	env.market(t, "BTC-USD", model.SideBuy, 1, 5)
	p = env.position(t, "BTC-USD")
	assertDec(t, d(2), p.Qty, "qty after B")
	assertDec(t, d(100500), p.AvgEntry, "avg after B")
	assertDec(t, d(10), p.Leverage, "adding keeps leverage")

	// C: sell 1 @ 102000 realizes 1500.
	env.quote("BTC-USD", 102000, 102010)
	env.market(t, "BTC-USD", model.SideSell, 1, 5)
	p = env.position(t, "BTC-USD")
	assertDec(t, d(1), p.Qty, "qty after C")
	assertDec(t, d(100500), p.AvgEntry, "avg after C")
	assertDec(t, d(1500), env.account().RealizedPL, "realized after C")

	// D: sell 2 @ 99000 closes 1 at -1500 and reverses into a 1 short.
	env.quote("BTC-USD", 99000, 99010)
	env.market(t, "BTC-USD", model.SideSell, 2, 3)
	p = env.position(t, "BTC-USD")
	assertDec(t, d(-1), p.Qty, "qty after D")
	assertDec(t, d(99000), p.AvgEntry, "avg after D")
	assertDec(t, d(3), p.Leverage, "reversal takes new leverage")

	acct = env.account()
	assertDec(t, decimal.Zero, acct.RealizedPL, "realized after D")
	// Fees: 20 + 20.2 + 20.4 + 39.6.
	assertDec(t, d(-100.2), acct.Fees, "fees after D")
	assertDec(t, d(9899.8), acct.Cash, "cash after D")
}

func TestFill_CashEqualsRealizedMinusFees(t *testing.T) {
	env := newTestEnv(t)
	steps := []struct {
		side     model.Side
		qty      float64
		bid, ask float64
	}{
		{model.SideBuy, 0.05, 60000, 60010},
		{model.SideBuy, 0.02, 60500, 60510},
		{model.SideSell, 0.03, 61000, 61005},
		{model.SideSell, 0.1, 59000, 59020},
		{model.SideBuy, 0.01, 58000, 58001},
		{model.SideBuy, 0.04, 62000, 62003.5},
		{model.SideSell, 0.005, 61990, 62000},
	}
	for i, s := range steps {
		env.now = t0.Add(time.Duration(i) * time.Second)
		env.quote("BTC-USD", s.bid, s.ask)
		env.market(t, "BTC-USD", s.side, s.qty, 2)
	}

	acct := env.account()
	want := d(10000).Add(acct.RealizedPL).Add(acct.Fees)
	assertDec(t, want, acct.Cash, "cash")
	assert.True(t, acct.Fees.IsNegative())
	assertDec(t, acct.Cash.Add(acct.UnrealizedPL).Add(acct.FundingNet), acct.Equity, "equity")
}

func TestFill_CloseIsPathIndependent(t *testing.T) {
	oneShot := newTestEnv(t)
	partial := newTestEnv(t)
	for _, env := range []*testEnv{oneShot, partial} {
		env.quote("BTC-USD", 99990, 100000)
		env.market(t, "BTC-USD", model.SideBuy, 2, 4)
		env.quote("BTC-USD", 101000, 101010)
	}

	oneShot.market(t, "BTC-USD", model.SideSell, 2, 4)
	partial.market(t, "BTC-USD", model.SideSell, 0.5, 4)
	partial.market(t, "BTC-USD", model.SideSell, 1.5, 4)

	a, b := oneShot.account(), partial.account()
	assertDec(t, d(2000), a.RealizedPL, "one-shot realized")
	assertDec(t, a.RealizedPL, b.RealizedPL, "realized")
	assertDec(t, a.Cash, b.Cash, "cash")
	assert.Empty(t, a.Positions)
	assert.Empty(t, b.Positions)
}

func TestFill_WeightedAverageEntry(t *testing.T) {
	env := newTestEnv(t)
	env.quote("ETH-USD", 1990, 2000)
	env.market(t, "ETH-USD", model.SideSell, 3, 2) // short 3 @ 1990
	env.quote("ETH-USD", 2010, 2020)
	env.market(t, "ETH-USD", model.SideSell, 1, 2) // add 1 @ 2010

	p := env.position(t, "ETH-USD")
	assertDec(t, d(-4), p.Qty, "qty")
	assertDec(t, d(1995), p.AvgEntry, "avg") // (3*1990 + 1*2010) / 4
}

func TestFill_ShortReversalResetsEntryTime(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 100000, 100010)
	env.market(t, "BTC-USD", model.SideSell, 1, 2)
	opened := *env.position(t, "BTC-USD").EntryTime

	env.now = t0.Add(5 * time.Minute)
	env.quote("BTC-USD", 100490, 100500)
	env.market(t, "BTC-USD", model.SideBuy, 3, 7)

	p := env.position(t, "BTC-USD")
	assertDec(t, d(2), p.Qty, "qty")
	assertDec(t, d(100500), p.AvgEntry, "avg")
	assertDec(t, d(7), p.Leverage, "leverage")
	assert.True(t, p.EntryTime.After(opened))
	assertDec(t, d(-500), env.account().RealizedPL, "realized")
}

func TestFill_AddAndPartialCloseKeepEntryTime(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	env.market(t, "BTC-USD", model.SideBuy, 1, 3)

	env.now = t0.Add(time.Minute)
	env.market(t, "BTC-USD", model.SideBuy, 1, 9)
	env.now = t0.Add(2 * time.Minute)
	env.market(t, "BTC-USD", model.SideSell, 0.5, 9)

	p := env.position(t, "BTC-USD")
	assertDec(t, d(1.5), p.Qty, "qty")
	assertDec(t, d(3), p.Leverage, "leverage")
	assert.True(t, p.EntryTime.Equal(t0))
}

func TestFill_FullCloseGoesFlatThenReopens(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	env.market(t, "BTC-USD", model.SideBuy, 1, 3)
	env.market(t, "BTC-USD", model.SideSell, 1, 3)
	assert.Empty(t, env.account().Positions)
	assertDec(t, d(-10), env.account().RealizedPL, "realized")

	env.quote("BTC-USD", 100990, 101000)
	env.market(t, "BTC-USD", model.SideSell, 0.25, 6)
	p := env.position(t, "BTC-USD")
	assertDec(t, d(-0.25), p.Qty, "qty")
	assertDec(t, d(100990), p.AvgEntry, "avg")
	assertDec(t, d(6), p.Leverage, "leverage")
	// Realized P&L carries across the flat period.
	assertDec(t, d(-10), env.account().RealizedPL, "realized after reopen")
}

func TestFill_SlippageAppliedToMarketOrders(t *testing.T) {
	env := newTestEnv(t, func(c *sim.Config) { c.SlippageBps = d(10) })
	env.quote("BTC-USD", 99990, 100000)
	env.market(t, "BTC-USD", model.SideBuy, 1, 1)
	assertDec(t, d(100100), env.position(t, "BTC-USD").AvgEntry, "buy fill")

	env.quote("ETH-USD", 2000, 2001)
	env.market(t, "ETH-USD", model.SideSell, 1, 1)
	assertDec(t, d(1998), env.position(t, "ETH-USD").AvgEntry, "sell fill")
}

func TestFill_TradeRecordPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	env.market(t, "BTC-USD", model.SideBuy, 0.5, 2)
	require.NoError(t, env.eng.Flush(context.Background()))

	trades, err := env.store.ListTrades(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, model.SideBuy, tr.Side)
	assertDec(t, d(0.5), tr.Qty, "qty")
	assertDec(t, d(100000), tr.Price, "price")
	assertDec(t, d(10), tr.Fee, "fee")
	assert.True(t, tr.Timestamp.Equal(t0))
	assert.Equal(t, 1, env.pub.count(events.KindFill))
}

// --- Placement and cancel ---

func TestPlaceOrder_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	if res := env.limit("BTC-USD", model.SideBuy, 1, 90000, "resting"); !res.Success {
		t.Fatalf("seed limit: %s", res.Error)
	}
	lp := d(90000)

	tests := []struct {
		name  string
		order model.Order
		want  string
	}{
		{"invalid side", model.Order{Symbol: "BTC-USD", Side: "hold", Qty: d(1), Type: model.OrderTypeMarket}, "invalid side"},
		{"invalid type", model.Order{Symbol: "BTC-USD", Side: model.SideBuy, Qty: d(1), Type: "stop"}, "invalid order type"},
		{"zero qty", model.Order{Symbol: "BTC-USD", Side: model.SideBuy, Qty: decimal.Zero, Type: model.OrderTypeMarket}, "qty must be positive"},
		{"unknown symbol", model.Order{Symbol: "SOL-USD", Side: model.SideBuy, Qty: d(1), Type: model.OrderTypeMarket}, "unknown symbol SOL-USD"},
		{"no market data", model.Order{Symbol: "ETH-USD", Side: model.SideBuy, Qty: d(1), Type: model.OrderTypeMarket}, "no market data for ETH-USD"},
		{"limit without price", model.Order{Symbol: "BTC-USD", Side: model.SideBuy, Qty: d(1), Type: model.OrderTypeLimit}, "limit price required"},
		{"duplicate resting id", model.Order{Symbol: "BTC-USD", Side: model.SideBuy, Qty: d(1), Type: model.OrderTypeLimit, LimitPrice: &lp, ClientID: "resting"}, "duplicate client id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := env.eng.PlaceOrder(context.Background(), tt.order)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, tt.want)
		})
	}

	acct := env.account()
	assertDec(t, d(10000), acct.Cash, "cash untouched")
	assert.Empty(t, acct.Positions)
	assert.Len(t, env.eng.OpenOrders(), 1)
}

func TestLimitOrder_RestsUntilCrossed(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)

	res := env.limit("BTC-USD", model.SideBuy, 1, 99500, "bid-1")
	require.True(t, res.Success, res.Error)
	assert.Empty(t, env.account().Positions)
	require.Len(t, env.eng.OpenOrders(), 1)

	env.now = t0.Add(time.Second)
	env.quote("BTC-USD", 99600, 99700)
	assert.Len(t, env.eng.OpenOrders(), 1, "ask above limit must not fill")

	tickTime := t0.Add(2 * time.Second)
	env.now = tickTime
	env.quote("BTC-USD", 99400, 99500)
	assert.Empty(t, env.eng.OpenOrders())
	p := env.position(t, "BTC-USD")
	assertDec(t, d(99500), p.AvgEntry, "fills at limit price")

	require.NoError(t, env.eng.Flush(context.Background()))
	trades, _ := env.store.ListTrades(context.Background(), 10)
	require.Len(t, trades, 1)
	assert.Equal(t, "bid-1", trades[0].ClientID)
	assert.True(t, trades[0].Timestamp.Equal(tickTime))
}

func TestLimitOrder_SellCrossesAtBid(t *testing.T) {
	env := newTestEnv(t)
	env.quote("ETH-USD", 2000, 2001)
	require.True(t, env.limit("ETH-USD", model.SideSell, 2, 2050, "ask-1").Success)

	env.quote("ETH-USD", 2049, 2051)
	assert.Len(t, env.eng.OpenOrders(), 1)
	env.quote("ETH-USD", 2050, 2052)
	assert.Empty(t, env.eng.OpenOrders())
	assertDec(t, d(-2), env.position(t, "ETH-USD").Qty, "qty")
}

func TestLimitOrder_FillsInArrivalOrder(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	require.True(t, env.limit("BTC-USD", model.SideBuy, 1, 99500, "first").Success)
	require.True(t, env.limit("BTC-USD", model.SideBuy, 1, 99800, "second").Success)
	assert.False(t, env.limit("ETH-USD", model.SideBuy, 1, 1, "no-quote").Success)

	env.quote("BTC-USD", 99300, 99400)
	require.NoError(t, env.eng.Flush(context.Background()))

	trades, _ := env.store.ListTrades(context.Background(), 10)
	require.Len(t, trades, 2)
	assert.Equal(t, "second", trades[0].ClientID) // newest first
	assert.Equal(t, "first", trades[1].ClientID)
	assertDec(t, d(99650), env.position(t, "BTC-USD").AvgEntry, "avg")
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	require.True(t, env.limit("BTC-USD", model.SideBuy, 1, 99000, "c-1").Success)

	res := env.eng.CancelOrder(context.Background(), "c-1")
	assert.True(t, res.Success)

	res = env.eng.CancelOrder(context.Background(), "c-1")
	assert.False(t, res.Success)
	assert.Equal(t, "order not found", res.Error)

	env.market(t, "BTC-USD", model.SideBuy, 0.1, 1)
	res = env.eng.CancelOrder(context.Background(), "never-rested")
	assert.False(t, res.Success)

	env.quote("BTC-USD", 98000, 98500)
	assertDec(t, d(0.1), env.position(t, "BTC-USD").Qty, "canceled order must not fill")
}

// --- Ticks and market state ---

func TestOnTick_MarketSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100010)

	ms := env.eng.GetMarketState(context.Background(), []string{"BTC-USD"})
	require.Len(t, ms.Markets, 1)
	m := ms.Markets[0]
	assertDec(t, d(100000), m.Mark, "mark")
	assertDec(t, d(2), m.SpreadBps, "spread")
	assertDec(t, d(0.01), m.BidQty, "bid qty")
	assertDec(t, d(0.01), m.AskQty, "ask qty")
	assert.True(t, m.Funding8hRate.IsZero())
	assert.True(t, m.Volume24h.IsZero())
}

func TestOnTick_IgnoresUntrackedAndInvalid(t *testing.T) {
	env := newTestEnv(t)
	env.quote("DOGE-USD", 0.1, 0.11)
	env.quote("BTC-USD", 0, 100)
	env.quote("ETH-USD", 2000, -1)

	ms := env.eng.GetMarketState(context.Background(), []string{"DOGE-USD", "BTC-USD", "ETH-USD"})
	assert.Empty(t, ms.Markets)
}

func TestGetMarketState_OnlyRequestedSymbols(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100010)
	env.quote("ETH-USD", 1999, 2001)

	ms := env.eng.GetMarketState(context.Background(), []string{"ETH-USD", "SOL-USD"})
	require.Len(t, ms.Markets, 1)
	assert.Equal(t, "ETH-USD", ms.Markets[0].Symbol)
}

func TestLimits(t *testing.T) {
	env := newTestEnv(t)
	l := env.eng.Limits()
	assertDec(t, d(5), l.MinNotional, "min notional")
	assertDec(t, d(0.5), l.TickSize, "tick size")
	assertDec(t, d(20), l.MaxLeverage, "max leverage")
	assertDec(t, d(0.05), l.InitialMargin, "im")
	assertDec(t, d(0.03), l.MaintenanceMargin, "mm")
}

func TestParseFundingMode(t *testing.T) {
	tests := []struct {
		in   string
		want sim.FundingMode
	}{
		{"A", sim.FundingZero},
		{"", sim.FundingZero},
		{"b", sim.FundingHeuristic},
		{"heuristic", sim.FundingHeuristic},
		{"C", sim.FundingExternal},
		{"External", sim.FundingExternal},
	}
	for _, tt := range tests {
		got, err := sim.ParseFundingMode(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := sim.ParseFundingMode("D")
	assert.Error(t, err)
}

// --- Concurrency ---

func TestEngine_ConcurrentTicksAndOrders(t *testing.T) {
	env := newTestEnv(t)
	env.quote("BTC-USD", 99990, 100000)
	env.quote("ETH-USD", 1999, 2000)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				side := model.SideBuy
				if (g+i)%2 == 0 {
					side = model.SideSell
				}
				env.eng.PlaceOrder(context.Background(), model.Order{
					Symbol:   "ETH-USD",
					Side:     side,
					Qty:      d(0.01),
					Type:     model.OrderTypeMarket,
					ClientID: fmt.Sprintf("g%d-%d", g, i),
					Leverage: d(2),
				})
				env.eng.OnTick("BTC-USD", d(99990+float64(i)), d(100000+float64(i)), t0)
				env.eng.GetAccountState(context.Background())
			}
		}(g)
	}
	wg.Wait()

	require.NoError(t, env.eng.Flush(context.Background()))
	acct := env.account()
	assertDec(t, d(10000).Add(acct.RealizedPL).Add(acct.Fees), acct.Cash, "cash")

	trades, _ := env.store.ListTrades(context.Background(), 500)
	assert.Len(t, trades, 200)
}
