package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// DailyRecord captures one strategy's end-of-day state. DailyReturn and
// TurnoverDay are float64 because NaN is a legal value (undefined return on
// a zero-equity day).
type DailyRecord struct {
	Date                   time.Time
	StrategyID             string
	Cash                   decimal.Decimal
	PositionsMarketValue   decimal.Decimal
	TotalEquity            decimal.Decimal
	DailyReturn            float64
	ContributionCumulative decimal.Decimal
	TradeCountDay          int
	TurnoverDay            float64
}
