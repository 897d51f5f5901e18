package types

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// MarketBar is a single (date, symbol) daily observation.
type MarketBar struct {
	Date       time.Time       `json:"date"`
	Symbol     string          `json:"symbol"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	Volume     decimal.Decimal `json:"volume"`
	Dividend   decimal.Decimal `json:"dividend"`
	SplitRatio decimal.Decimal `json:"splitRatio"`
}

// MarketSnapshot holds every valid bar for one trading date, plus derived
// per-symbol features. Snapshots are emitted in strictly increasing date
// order; a symbol appears at most once per snapshot.
type MarketSnapshot struct {
	Date time.Time
	Bars map[string]MarketBar

	// Features maps symbol -> rolling 252d dollar volume ending at Date.
	// NaN until the symbol has a full window of observations.
	Features map[string]float64
}

// Tradable reports whether the symbol has a valid bar on this date.
func (s *MarketSnapshot) Tradable(symbol string) bool {
	_, ok := s.Bars[symbol]
	return ok
}

// Symbols returns the tradable symbols in lexicographic order.
func (s *MarketSnapshot) Symbols() []string {
	out := make([]string, 0, len(s.Bars))
	for sym := range s.Bars {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
