package reporting

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksim/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func day(s string) time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return d
}

func record(date string, equity, contrib string, dailyReturn, turnover float64) types.DailyRecord {
	eq := dec(equity)
	return types.DailyRecord{
		Date:                   day(date),
		StrategyID:             "s1",
		Cash:                   decimal.Zero,
		PositionsMarketValue:   eq,
		TotalEquity:            eq,
		DailyReturn:            dailyReturn,
		ContributionCumulative: dec(contrib),
		TurnoverDay:            turnover,
	}
}

func TestBuildAnnualSummariesTwoYears(t *testing.T) {
	records := []types.DailyRecord{
		record("2023-06-01", "10000", "0", 0, 1),
		record("2023-12-29", "11000", "0", 0.10, 0),
		record("2024-06-03", "11550", "500", 0.05, 0),
		record("2024-12-31", "12705", "500", 0.10, 0),
	}

	summaries := BuildAnnualSummaries("s1", records, dec("10000"))
	require.Len(t, summaries, 2)

	first := summaries[0]
	assert.Equal(t, 2023, first.Year)
	assert.True(t, first.StartEquity.Equal(dec("10000")), "start = %s", first.StartEquity)
	assert.True(t, first.EndEquity.Equal(dec("11000")), "end = %s", first.EndEquity)
	assert.True(t, first.NetContributionsYear.IsZero())
	assert.InDelta(t, 0.10, first.ReturnYear, 1e-9)

	second := summaries[1]
	assert.Equal(t, 2024, second.Year)
	assert.True(t, second.StartEquity.Equal(dec("11000")), "start = %s", second.StartEquity)
	assert.True(t, second.EndEquity.Equal(dec("12705")), "end = %s", second.EndEquity)
	assert.True(t, second.NetContributionsYear.Equal(dec("500")))
	// (1.05)(1.10) - 1
	assert.InDelta(t, 0.155, second.ReturnYear, 1e-9)
}

func TestCalcMaxDrawdown(t *testing.T) {
	records := []types.DailyRecord{
		record("2024-01-02", "100", "0", 0, 0),
		record("2024-01-03", "120", "0", 0.2, 0),
		record("2024-01-04", "90", "0", -0.25, 0),
		record("2024-01-05", "110", "0", 0.2222, 0),
	}
	// Peak 120 to trough 90.
	assert.InDelta(t, -0.25, calcMaxDrawdown(records), 1e-9)
}

func TestCalcMaxDrawdownMonotoneRise(t *testing.T) {
	records := []types.DailyRecord{
		record("2024-01-02", "100", "0", 0, 0),
		record("2024-01-03", "110", "0", 0.1, 0),
	}
	assert.Zero(t, calcMaxDrawdown(records))
}

func TestVolatilityAndSharpe(t *testing.T) {
	returns := []float64{0.01, -0.01, 0.01, -0.01}
	vol := calcAnnualizedVolatility(returns)
	assert.InDelta(t, 0.01*math.Sqrt(252), vol, 1e-9)
	// Mean zero: sharpe is zero.
	assert.InDelta(t, 0, calcSharpeProxy(returns), 1e-9)

	up := []float64{0.01, 0.01, 0.01}
	// Zero stdev guards against division by zero.
	assert.Zero(t, calcSharpeProxy(up))
}

func TestStatsIgnoreNaN(t *testing.T) {
	returns := []float64{math.NaN(), 0.02, 0.04}
	assert.InDelta(t, 0.03, mean(returns), 1e-12)
	assert.InDelta(t, 0.01, stdev(returns), 1e-12)
}

func TestCalcCAGRDoublesInTwoYears(t *testing.T) {
	got := calcCAGR(day("2022-01-01"), day("2024-01-01"), dec("10000"), dec("20000"))
	years := 730.0 / 365.25
	want := math.Pow(2, 1/years) - 1
	assert.InDelta(t, want, got, 1e-9)
}

func TestBuildTerminalSummary(t *testing.T) {
	records := []types.DailyRecord{
		record("2023-01-02", "10000", "0", 0, 1),
		record("2023-07-03", "10500", "200", 0.05, 0.5),
		record("2024-01-02", "11550", "200", 0.10, 0),
	}

	s := BuildTerminalSummary("s1", records, 7, dec("10000"))
	assert.Equal(t, "s1", s.StrategyID)
	assert.Equal(t, 7, s.TotalTrades)
	assert.True(t, s.FinalEquity.Equal(dec("11550")))
	assert.True(t, s.TotalContributions.Equal(dec("200")))
	// 11550 - 10000 - 200
	assert.True(t, s.NetProfit.Equal(dec("1350")), "net profit = %s", s.NetProfit)
	assert.InDelta(t, 0.5, s.AvgTurnover, 1e-9)
	assert.Greater(t, s.CAGR, 0.0)
}

func TestBuildTerminalSummaryEmpty(t *testing.T) {
	s := BuildTerminalSummary("s1", nil, 0, dec("10000"))
	assert.Equal(t, 0, s.TotalTrades)
	assert.True(t, s.FinalEquity.IsZero())
}
