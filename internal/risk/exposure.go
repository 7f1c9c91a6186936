package risk

import (
	"github.com/shopspring/decimal"
)

// ExposureLimiter caps notional exposure per symbol and in aggregate.
//
// Exposures are signed (long positive, short negative). Symbols sharing a
// base asset (BTC-USD and BTC-PERP) are netted into one group before the
// aggregate sum, so a hedge across venues does not count twice.
type ExposureLimiter struct {
	// MaxPerSymbol is the maximum absolute notional in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxAggregate is the maximum sum of absolute netted group exposures.
	MaxAggregate decimal.Decimal
}

// NewExposureLimiter returns nil when both limits are non-positive.
func NewExposureLimiter(maxPerSymbol, maxAggregate decimal.Decimal) *ExposureLimiter {
	if !maxPerSymbol.IsPositive() && !maxAggregate.IsPositive() {
		return nil
	}
	return &ExposureLimiter{MaxPerSymbol: maxPerSymbol, MaxAggregate: maxAggregate}
}

// CheckLimit validates whether adding delta to symbol keeps exposure within
// limits. A non-positive limit is disabled.
func (l *ExposureLimiter) CheckLimit(symbol string, delta decimal.Decimal, existing map[string]decimal.Decimal) error {
	next := existing[symbol].Add(delta)
	if l.MaxPerSymbol.IsPositive() && next.Abs().GreaterThan(l.MaxPerSymbol) {
		return ErrSymbolLimit
	}
	if !l.MaxAggregate.IsPositive() {
		return nil
	}

	groups := map[string]decimal.Decimal{groupOf(symbol): next}
	for sym, exp := range existing {
		if sym == symbol {
			continue
		}
		g := groupOf(sym)
		groups[g] = groups[g].Add(exp)
	}

	total := decimal.Zero
	for _, exp := range groups {
		total = total.Add(exp.Abs())
	}
	if total.GreaterThan(l.MaxAggregate) {
		return ErrAggregateLimit
	}
	return nil
}

// groupOf returns the base asset of a symbol, or the symbol itself when it
// does not parse.
func groupOf(symbol string) string {
	s, err := ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return s.Base
}
