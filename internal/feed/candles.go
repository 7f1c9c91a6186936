package feed

import (
	"time"

	"github.com/shopspring/decimal"
)

// Interval is a candle bucket width.
type Interval string

const (
	Interval1m Interval = "1m"
	Interval4h Interval = "4h"
)

// ParseInterval accepts "1m" and "4h"; empty means 1m.
func ParseInterval(s string) (Interval, bool) {
	switch Interval(s) {
	case "", Interval1m:
		return Interval1m, true
	case Interval4h:
		return Interval4h, true
	}
	return "", false
}

func (i Interval) width() time.Duration {
	if i == Interval4h {
		return 4 * time.Hour
	}
	return time.Minute
}

// capacity is how many closed and open candles each series keeps.
func (i Interval) capacity() int {
	if i == Interval4h {
		return 50
	}
	return 240
}

// Candle is an OHLC bar of mid prices. Live ticks carry no volume.
type Candle struct {
	Start  time.Time       `json:"ts"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// series is a bounded, time-ordered run of candles for one symbol.
type series struct {
	interval Interval
	bars     []Candle
}

func newSeries(iv Interval) *series {
	return &series{interval: iv, bars: make([]Candle, 0, iv.capacity())}
}

// update folds a mid price into the bar containing ts. Ticks older than
// the current bar are ignored.
func (s *series) update(mid decimal.Decimal, ts time.Time) {
	start := ts.UTC().Truncate(s.interval.width())

	if n := len(s.bars); n > 0 {
		last := &s.bars[n-1]
		switch {
		case start.Equal(last.Start):
			last.High = decimal.Max(last.High, mid)
			last.Low = decimal.Min(last.Low, mid)
			last.Close = mid
			return
		case start.Before(last.Start):
			return
		}
	}

	s.bars = append(s.bars, Candle{Start: start, Open: mid, High: mid, Low: mid, Close: mid})
	if over := len(s.bars) - s.interval.capacity(); over > 0 {
		s.bars = append(s.bars[:0], s.bars[over:]...)
	}
}

func (s *series) snapshot() []Candle {
	out := make([]Candle, len(s.bars))
	copy(out, s.bars)
	return out
}
