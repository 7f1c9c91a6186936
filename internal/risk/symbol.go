// Package risk holds pre-trade checks applied to orders before they reach a
// trading backend.
package risk

import (
	"errors"
	"fmt"
	"regexp"
)

// symbolRegex matches product ids: {BASE}-{QUOTE}
// Example: BTC-USD, ETH-PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-([A-Z]{3,5})$`)

var ErrInvalidSymbol = errors.New("risk: invalid symbol format")

// Symbol is a parsed product id.
type Symbol struct {
	ID    string `json:"symbol"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Perpetual reports whether the product is a venue perpetual (quote PERP).
func (s Symbol) Perpetual() bool { return s.Quote == "PERP" }

// ParseSymbol parses and validates a product id.
func ParseSymbol(id string) (Symbol, error) {
	m := symbolRegex.FindStringSubmatch(id)
	if m == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE-QUOTE, e.g. BTC-USD)", ErrInvalidSymbol, id)
	}
	return Symbol{ID: id, Base: m[1], Quote: m[2]}, nil
}
