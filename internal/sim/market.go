package sim

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/model"
)

var (
	tenThousand = decimal.NewFromInt(10000)

	// Quote-currency size shown at each side of the synthetic book.
	syntheticDepthNotional = decimal.NewFromInt(1000)
)

// newMarketInfo derives the cached snapshot for one tick. bid and ask must
// be positive. The feed carries no depth, so both sides show a fixed
// notional's worth of base quantity.
func newMarketInfo(symbol string, bid, ask, fundingRate decimal.Decimal) model.MarketInfo {
	mark := bid.Add(ask).Div(two)
	depth := syntheticDepthNotional.Div(mark)
	return model.MarketInfo{
		Symbol:        symbol,
		BestBid:       bid,
		BestAsk:       ask,
		Mark:          mark,
		SpreadBps:     ask.Sub(bid).Div(mark).Mul(tenThousand),
		Funding8hRate: fundingRate,
		Volume24h:     decimal.Zero,
		BidQty:        depth,
		AskQty:        depth,
	}
}

// marketFillPrice applies slippage against the quote: buys lift the ask,
// sells hit the bid.
func (e *Engine) marketFillPrice(side model.Side, bid, ask decimal.Decimal) decimal.Decimal {
	if side == model.SideBuy {
		return ask.Mul(decimal.NewFromInt(1).Add(e.slippage))
	}
	return bid.Mul(decimal.NewFromInt(1).Sub(e.slippage))
}
