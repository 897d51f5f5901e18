package reporting

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

// AnnualSummary is one (strategy, year) row of annual_summary.csv.
type AnnualSummary struct {
	StrategyID           string
	Year                 int
	StartEquity          decimal.Decimal
	EndEquity            decimal.Decimal
	NetContributionsYear decimal.Decimal
	ReturnYear           float64
	MaxDrawdownYear      float64
	VolatilityYear       float64
}

// TerminalSummary is one strategy row of terminal_summary.csv. Metrics are
// derived from daily records and the trade ledger only.
type TerminalSummary struct {
	StrategyID           string
	FinalEquity          decimal.Decimal
	TotalContributions   decimal.Decimal
	NetProfit            decimal.Decimal
	CAGR                 float64
	MaxDrawdown          float64
	AnnualizedVolatility float64
	SharpeProxy          float64
	TotalTrades          int
	AvgTurnover          float64
}

const tradingDaysPerYear = 252.0

// BuildAnnualSummaries groups one strategy's records by calendar year.
// start_equity is the prior year's closing equity, or the initial capital in
// the first year.
func BuildAnnualSummaries(
	strategyID string,
	records []types.DailyRecord,
	initialCapital decimal.Decimal,
) []AnnualSummary {
	if len(records) == 0 {
		return nil
	}

	var out []AnnualSummary
	startEquity := initialCapital
	priorContrib := decimal.Zero

	i := 0
	for i < len(records) {
		year := records[i].Date.Year()
		j := i
		for j < len(records) && records[j].Date.Year() == year {
			j++
		}
		yearly := records[i:j]
		end := yearly[len(yearly)-1]

		returns := make([]float64, 0, len(yearly))
		for _, r := range yearly {
			returns = append(returns, r.DailyReturn)
		}

		out = append(out, AnnualSummary{
			StrategyID:           strategyID,
			Year:                 year,
			StartEquity:          startEquity,
			EndEquity:            end.TotalEquity,
			NetContributionsYear: end.ContributionCumulative.Sub(priorContrib),
			ReturnYear:           compoundReturn(returns),
			MaxDrawdownYear:      calcMaxDrawdown(yearly),
			VolatilityYear:       calcAnnualizedVolatility(returns),
		})

		startEquity = end.TotalEquity
		priorContrib = end.ContributionCumulative
		i = j
	}
	return out
}

// BuildTerminalSummary computes the end-of-run comparative metrics for one
// strategy.
func BuildTerminalSummary(
	strategyID string,
	records []types.DailyRecord,
	totalTrades int,
	initialCapital decimal.Decimal,
) TerminalSummary {
	summary := TerminalSummary{
		StrategyID:  strategyID,
		TotalTrades: totalTrades,
	}
	if len(records) == 0 {
		return summary
	}

	first := records[0]
	last := records[len(records)-1]
	summary.FinalEquity = last.TotalEquity
	summary.TotalContributions = last.ContributionCumulative
	summary.NetProfit = last.TotalEquity.Sub(initialCapital).Sub(last.ContributionCumulative)

	returns := make([]float64, 0, len(records))
	for _, r := range records {
		returns = append(returns, r.DailyReturn)
	}
	totalInvested := initialCapital.Add(last.ContributionCumulative)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		summary.CAGR = calcCAGR(first.Date, last.Date, totalInvested, last.TotalEquity)
	}()
	go func() {
		defer wg.Done()
		summary.MaxDrawdown = calcMaxDrawdown(records)
	}()
	go func() {
		defer wg.Done()
		summary.AnnualizedVolatility = calcAnnualizedVolatility(returns)
		summary.SharpeProxy = calcSharpeProxy(returns)
	}()
	go func() {
		defer wg.Done()
		total := 0.0
		n := 0
		for _, r := range records {
			if math.IsNaN(r.TurnoverDay) {
				continue
			}
			total += r.TurnoverDay
			n++
		}
		if n > 0 {
			summary.AvgTurnover = total / float64(n)
		}
	}()
	wg.Wait()
	return summary
}

// compoundReturn is the time-weighted period return from the product of
// (1 + daily_return).
func compoundReturn(returns []float64) float64 {
	product := 1.0
	for _, r := range returns {
		if math.IsNaN(r) {
			continue
		}
		product *= 1.0 + r
	}
	return product - 1.0
}

// calcMaxDrawdown returns the deepest peak-to-trough equity loss as a
// non-positive fraction.
func calcMaxDrawdown(records []types.DailyRecord) float64 {
	peak := math.Inf(-1)
	maxDD := 0.0
	for _, r := range records {
		equity := r.TotalEquity.InexactFloat64()
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		dd := equity/peak - 1.0
		if dd < maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// calcAnnualizedVolatility is the population stdev of daily returns scaled
// by sqrt(252).
func calcAnnualizedVolatility(returns []float64) float64 {
	return stdev(returns) * math.Sqrt(tradingDaysPerYear)
}

// calcSharpeProxy is mean/stdev of daily returns annualized, risk-free 0.
func calcSharpeProxy(returns []float64) float64 {
	sd := stdev(returns)
	if sd == 0 {
		return 0
	}
	return mean(returns) / sd * math.Sqrt(tradingDaysPerYear)
}

func calcCAGR(start, end time.Time, invested, final decimal.Decimal) float64 {
	if !invested.IsPositive() {
		return 0
	}
	days := end.Sub(start).Hours() / 24.0
	if days <= 0 {
		return 0
	}
	years := days / 365.25
	ratio := final.Div(invested).InexactFloat64()
	if ratio <= 0 {
		return 0
	}
	return math.Pow(ratio, 1.0/years) - 1.0
}

func mean(values []float64) float64 {
	sum := 0.0
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func stdev(values []float64) float64 {
	m := mean(values)
	sumSq := 0.0
	n := 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		d := v - m
		sumSq += d * d
		n++
	}
	if n <= 1 {
		return 0
	}
	return math.Sqrt(sumSq / float64(n))
}
