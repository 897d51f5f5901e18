package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeFill is one executed (possibly clipped) trade.
// Invariant: NetCashImpact = ±GrossValue − (SlippageCost + FeeCost),
// negative for buys.
type TradeFill struct {
	Date          time.Time
	StrategyID    string
	Symbol        string
	Side          Side
	Shares        decimal.Decimal
	Price         decimal.Decimal // executed price, slippage included
	GrossValue    decimal.Decimal // shares * close
	SlippageCost  decimal.Decimal
	FeeCost       decimal.Decimal
	NetCashImpact decimal.Decimal
	Clipped       bool // participation cap bound this fill
}

func NewTradeFill(
	date time.Time,
	strategyID string,
	symbol string,
	side Side,
	shares decimal.Decimal,
	price decimal.Decimal,
	grossValue decimal.Decimal,
	slippageCost decimal.Decimal,
	feeCost decimal.Decimal,
	netCashImpact decimal.Decimal,
) TradeFill {
	return TradeFill{
		Date:          date,
		StrategyID:    strategyID,
		Symbol:        symbol,
		Side:          side,
		Shares:        shares,
		Price:         price,
		GrossValue:    grossValue,
		SlippageCost:  slippageCost,
		FeeCost:       feeCost,
		NetCashImpact: netCashImpact,
	}
}
