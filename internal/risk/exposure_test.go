package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("BTC-USD", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := map[string]decimal.Decimal{
		"BTC-USD": d(950),
	}

	err := limiter.CheckLimit("BTC-USD", d(100), existing)
	if err != ErrSymbolLimit {
		t.Errorf("expected ErrSymbolLimit, got %v", err)
	}
}

func TestCheckLimit_ShortSide(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	existing := map[string]decimal.Decimal{
		"BTC-USD": d(-950),
	}

	if err := limiter.CheckLimit("BTC-USD", d(-100), existing); err != ErrSymbolLimit {
		t.Errorf("expected ErrSymbolLimit for short, got %v", err)
	}
	if err := limiter.CheckLimit("BTC-USD", d(100), existing); err != nil {
		t.Errorf("buy should reduce short exposure, got %v", err)
	}
}

func TestCheckLimit_AggregateExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(2000))

	existing := map[string]decimal.Decimal{
		"BTC-USD": d(800),
		"ETH-USD": d(-800),
		"SOL-USD": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("DOGE-USD", d(200), existing)
	if err != ErrAggregateLimit {
		t.Errorf("expected ErrAggregateLimit, got %v", err)
	}
}

func TestCheckLimit_SameBaseNets(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(1000))

	existing := map[string]decimal.Decimal{
		"BTC-USD": d(900),
	}

	// BTC group: 900 - 900 = 0, so the hedge leg fits.
	if err := limiter.CheckLimit("BTC-PERP", d(-900), existing); err != nil {
		t.Errorf("hedge across BTC products should net, got %v", err)
	}
	// A different base does not net: 900 + 900 > 1000.
	if err := limiter.CheckLimit("ETH-PERP", d(-900), existing); err != ErrAggregateLimit {
		t.Errorf("expected ErrAggregateLimit, got %v", err)
	}
}

func TestNewExposureLimiter_Disabled(t *testing.T) {
	if l := NewExposureLimiter(decimal.Zero, decimal.Zero); l != nil {
		t.Errorf("expected nil limiter when both limits are disabled, got %+v", l)
	}

	perSymbolOnly := NewExposureLimiter(d(100), decimal.Zero)
	existing := map[string]decimal.Decimal{"BTC-USD": d(90), "ETH-USD": d(1e9)}
	if err := perSymbolOnly.CheckLimit("SOL-USD", d(90), existing); err != nil {
		t.Errorf("aggregate check should be disabled, got %v", err)
	}
}
