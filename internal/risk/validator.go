package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perpsim/internal/model"
)

var (
	ErrTickMisaligned    = errors.New("risk: limit price not aligned to tick size")
	ErrBelowMinNotional  = errors.New("risk: notional below minimum")
	ErrLeverageTooHigh   = errors.New("risk: leverage above maximum")
	ErrNoPrice           = errors.New("risk: no price to value order")
	ErrDuplicateClientID = errors.New("risk: duplicate client id in batch")
	ErrSymbolLimit       = errors.New("risk: per-symbol exposure limit exceeded")
	ErrAggregateLimit    = errors.New("risk: aggregate exposure limit exceeded")
)

var tickTolerance = decimal.New(1, -6)

// Validator checks sized orders against the backend's advertised limits.
type Validator struct {
	Limits model.Limits

	// TickSize returns the price increment for a symbol.
	TickSize func(symbol string) decimal.Decimal

	// Exposure is optional; a nil limiter skips exposure checks.
	Exposure *ExposureLimiter
}

// NewValidator creates a validator. tickSize may be nil, in which case the
// limits' default tick size applies to every symbol.
func NewValidator(limits model.Limits, tickSize func(string) decimal.Decimal) *Validator {
	if tickSize == nil {
		tickSize = func(string) decimal.Decimal { return limits.TickSize }
	}
	return &Validator{Limits: limits, TickSize: tickSize}
}

// CheckOrder validates one order. mark values market orders and may be
// zero for limit orders.
func (v *Validator) CheckOrder(o model.Order, mark decimal.Decimal) error {
	if _, err := ParseSymbol(o.Symbol); err != nil {
		return err
	}

	price := mark
	if o.Type == model.OrderTypeLimit && o.LimitPrice != nil {
		price = *o.LimitPrice
		if !aligned(price, v.TickSize(o.Symbol)) {
			return fmt.Errorf("%w: %s at tick %s", ErrTickMisaligned, price, v.TickSize(o.Symbol))
		}
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrNoPrice, o.Symbol)
	}

	notional := o.Qty.Abs().Mul(price)
	if notional.LessThan(v.Limits.MinNotional) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinNotional, notional, v.Limits.MinNotional)
	}

	if v.Limits.MaxLeverage.IsPositive() && o.Leverage.GreaterThan(v.Limits.MaxLeverage) {
		return fmt.Errorf("%w: %s > %s", ErrLeverageTooHigh, o.Leverage, v.Limits.MaxLeverage)
	}
	return nil
}

// CheckBatch validates a batch. It returns one error slot per order (nil
// when the order passed). Repeated client ids after the first are rejected.
// exposures holds current signed notional per symbol and is updated as
// accepted orders are counted.
func (v *Validator) CheckBatch(orders []model.Order, marks map[string]decimal.Decimal, exposures map[string]decimal.Decimal) []error {
	errs := make([]error, len(orders))
	seen := make(map[string]bool, len(orders))
	if exposures == nil {
		exposures = make(map[string]decimal.Decimal)
	}

	for i, o := range orders {
		if o.ClientID != "" {
			if seen[o.ClientID] {
				errs[i] = fmt.Errorf("%w: %s", ErrDuplicateClientID, o.ClientID)
				continue
			}
			seen[o.ClientID] = true
		}
		mark := marks[o.Symbol]
		if err := v.CheckOrder(o, mark); err != nil {
			errs[i] = err
			continue
		}
		if v.Exposure == nil {
			continue
		}

		price := mark
		if o.Type == model.OrderTypeLimit && o.LimitPrice != nil {
			price = *o.LimitPrice
		}
		delta := o.Qty.Mul(price)
		if o.Side == model.SideSell {
			delta = delta.Neg()
		}
		if err := v.Exposure.CheckLimit(o.Symbol, delta, exposures); err != nil {
			errs[i] = err
			continue
		}
		exposures[o.Symbol] = exposures[o.Symbol].Add(delta)
	}
	return errs
}

// aligned reports whether price is a whole multiple of tick within tolerance.
func aligned(price, tick decimal.Decimal) bool {
	if !tick.IsPositive() {
		return true
	}
	rem := price.Mod(tick)
	return rem.LessThan(tickTolerance) || tick.Sub(rem).LessThan(tickTolerance)
}
