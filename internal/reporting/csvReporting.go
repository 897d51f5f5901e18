package reporting

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shopspring/decimal"

	"stocksim/internal/engine"
	"stocksim/types"
)

// Artifact filenames are fixed; every run directory has the same layout.
const (
	DailyEquityFile     = "daily_equity.csv"
	TradesFile          = "trades.csv"
	AnnualSummaryFile   = "annual_summary.csv"
	TerminalSummaryFile = "terminal_summary.csv"
	ManifestFile        = "run_manifest.json"
)

// WriteRunOutputs writes all CSV artifacts for a finished (or cancelled)
// run into outputDir.
func WriteRunOutputs(outputDir string, result *engine.Result, initialCapital decimal.Decimal) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := writeCSVFile(filepath.Join(outputDir, DailyEquityFile), func(w io.Writer) error {
		return writeDailyEquityCSV(w, result)
	}); err != nil {
		return err
	}
	if err := writeCSVFile(filepath.Join(outputDir, TradesFile), func(w io.Writer) error {
		return writeTradesCSV(w, result.Trades)
	}); err != nil {
		return err
	}
	if err := writeCSVFile(filepath.Join(outputDir, AnnualSummaryFile), func(w io.Writer) error {
		return writeAnnualSummaryCSV(w, result, initialCapital)
	}); err != nil {
		return err
	}
	return writeCSVFile(filepath.Join(outputDir, TerminalSummaryFile), func(w io.Writer) error {
		return writeTerminalSummaryCSV(w, result, initialCapital)
	})
}

func writeCSVFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := write(f); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// writeDailyEquityCSV emits records per strategy in config order, dates
// ascending. cumulative_return is derived here from the first day's equity.
func writeDailyEquityCSV(w io.Writer, result *engine.Result) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"date", "strategy_id", "cash", "positions_market_value", "total_equity",
		"daily_return", "cumulative_return", "contribution_cumulative",
		"trade_count_day", "turnover_day",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, strategyID := range result.StrategyOrder {
		records := result.DailyByStrategy[strategyID]
		if len(records) == 0 {
			continue
		}
		firstEquity := records[0].TotalEquity
		for _, r := range records {
			cumulative := 0.0
			if !firstEquity.IsZero() {
				cumulative = r.TotalEquity.Div(firstEquity).InexactFloat64() - 1.0
			}
			row := []string{
				r.Date.Format("2006-01-02"),
				r.StrategyID,
				fixed(r.Cash),
				fixed(r.PositionsMarketValue),
				fixed(r.TotalEquity),
				floatField(r.DailyReturn),
				floatField(cumulative),
				fixed(r.ContributionCumulative),
				strconv.Itoa(r.TradeCountDay),
				floatField(r.TurnoverDay),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTradesCSV(w io.Writer, trades []types.TradeFill) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"date", "strategy_id", "symbol", "side", "shares", "price",
		"gross_value", "slippage_cost", "fee_cost", "net_cash_impact",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.Date.Format("2006-01-02"),
			t.StrategyID,
			t.Symbol,
			string(t.Side),
			fixed(t.Shares),
			fixed(t.Price),
			fixed(t.GrossValue),
			fixed(t.SlippageCost),
			fixed(t.FeeCost),
			fixed(t.NetCashImpact),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeAnnualSummaryCSV(w io.Writer, result *engine.Result, initialCapital decimal.Decimal) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"strategy_id", "year", "start_equity", "end_equity",
		"net_contributions_year", "return_year", "max_drawdown_year", "volatility_year",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, strategyID := range result.StrategyOrder {
		summaries := BuildAnnualSummaries(strategyID, result.DailyByStrategy[strategyID], initialCapital)
		for _, s := range summaries {
			row := []string{
				s.StrategyID,
				strconv.Itoa(s.Year),
				fixed(s.StartEquity),
				fixed(s.EndEquity),
				fixed(s.NetContributionsYear),
				floatField(s.ReturnYear),
				floatField(s.MaxDrawdownYear),
				floatField(s.VolatilityYear),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeTerminalSummaryCSV(w io.Writer, result *engine.Result, initialCapital decimal.Decimal) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{
		"strategy_id", "final_equity", "total_contributions", "net_profit",
		"cagr", "max_drawdown", "annualized_volatility", "sharpe_proxy",
		"total_trades", "avg_turnover",
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	tradesByStrategy := make(map[string]int, len(result.StrategyOrder))
	for _, t := range result.Trades {
		tradesByStrategy[t.StrategyID]++
	}
	for _, strategyID := range result.StrategyOrder {
		s := BuildTerminalSummary(
			strategyID,
			result.DailyByStrategy[strategyID],
			tradesByStrategy[strategyID],
			initialCapital,
		)
		row := []string{
			s.StrategyID,
			fixed(s.FinalEquity),
			fixed(s.TotalContributions),
			fixed(s.NetProfit),
			floatField(s.CAGR),
			floatField(s.MaxDrawdown),
			floatField(s.AnnualizedVolatility),
			floatField(s.SharpeProxy),
			strconv.Itoa(s.TotalTrades),
			floatField(s.AvgTurnover),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func fixed(d decimal.Decimal) string {
	return d.StringFixed(10)
}

func floatField(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return strconv.FormatFloat(v, 'f', 10, 64)
}
