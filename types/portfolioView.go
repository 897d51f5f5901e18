package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioView is a read-only snapshot of a strategy's portfolio, handed to
// plugins and the execution model.
type PortfolioView struct {
	Cash      decimal.Decimal
	Positions map[string]PositionSnapshot
	Time      time.Time
}

type PositionSnapshot struct {
	Symbol    string
	Quantity  decimal.Decimal
	AvgCost   decimal.Decimal
	LastClose decimal.Decimal
}

// Equity is cash plus positions marked at their last known close.
func (v PortfolioView) Equity() decimal.Decimal {
	value := v.Cash
	for _, pos := range v.Positions {
		value = value.Add(pos.Quantity.Mul(pos.LastClose))
	}
	return value
}
