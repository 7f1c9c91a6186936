package sim_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/atmx/perpsim/internal/events"
	"github.com/atmx/perpsim/internal/model"
	"github.com/atmx/perpsim/internal/sim"
)

func heuristic(c *sim.Config) { c.FundingMode = sim.FundingHeuristic }

func TestFunding_AccruesAtMostOncePerMinute(t *testing.T) {
	env := newTestEnv(t, heuristic)
	env.quote("BTC-USD", 99990, 100010) // seeds the EMA at 100000
	env.market(t, "BTC-USD", model.SideBuy, 1, 5)

	offsets := []time.Duration{
		30 * time.Second,  // too soon after the open
		61 * time.Second,  // accrues
		90 * time.Second,  // 29s after the last accrual
		121 * time.Second, // accrues
		150 * time.Second,
	}
	for _, off := range offsets {
		env.now = t0.Add(off)
		env.quote("BTC-USD", 99990, 100010)
	}

	assert.Equal(t, 2, env.pub.count(events.KindFunding))

	// Flat mark equals the EMA, so the heuristic rate is -0.0001 and the
	// long receives notional*0.0001/480 each minute.
	perMinute := decimal.NewFromInt(10).Div(decimal.NewFromInt(480))
	acct := env.account()
	assertDec(t, perMinute.Add(perMinute), acct.FundingNet, "funding")
	assertDec(t, acct.Cash.Add(acct.UnrealizedPL).Add(acct.FundingNet), acct.Equity, "equity includes funding")
}

func TestFunding_LongPaysWhenMarkAboveEMA(t *testing.T) {
	env := newTestEnv(t, heuristic)
	env.quote("ETH-USD", 1999, 2001)
	env.market(t, "ETH-USD", model.SideBuy, 10, 2)

	env.now = t0.Add(2 * time.Minute)
	env.quote("ETH-USD", 2099, 2101)

	ms := env.eng.GetMarketState(context.Background(), []string{"ETH-USD"})
	assertDec(t, d(0.0001), ms.Markets[0].Funding8hRate, "rate")
	assert.True(t, env.account().FundingNet.IsNegative())
}

func TestFunding_ShortReceivesWhenMarkAboveEMA(t *testing.T) {
	env := newTestEnv(t, heuristic)
	env.quote("ETH-USD", 1999, 2001)
	env.market(t, "ETH-USD", model.SideSell, 10, 2)

	env.now = t0.Add(2 * time.Minute)
	env.quote("ETH-USD", 2099, 2101)

	// 10 * 2100 * 0.0001 / 480
	want := decimal.NewFromFloat(2.1).Div(decimal.NewFromInt(480))
	assertDec(t, want, env.account().FundingNet, "funding")
}

func TestFunding_ZeroAndExternalModesNeverPay(t *testing.T) {
	for _, mode := range []sim.FundingMode{sim.FundingZero, sim.FundingExternal} {
		t.Run(string(mode), func(t *testing.T) {
			env := newTestEnv(t, func(c *sim.Config) { c.FundingMode = mode })
			env.quote("BTC-USD", 99990, 100010)
			env.market(t, "BTC-USD", model.SideBuy, 1, 5)
			for i := 1; i <= 5; i++ {
				env.now = t0.Add(time.Duration(i) * time.Minute)
				env.quote("BTC-USD", 99990+float64(i*100), 100010+float64(i*100))
			}
			assert.True(t, env.account().FundingNet.IsZero())
		})
	}
}

func TestFunding_NoAccrualWhileFlat(t *testing.T) {
	env := newTestEnv(t, heuristic)
	for i := 0; i < 5; i++ {
		env.now = t0.Add(time.Duration(i) * time.Minute)
		env.quote("BTC-USD", 99990, 100010)
	}
	assert.Zero(t, env.pub.count(events.KindFunding))
	assert.True(t, env.account().FundingNet.IsZero())
}
