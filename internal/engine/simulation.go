package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/internal/strategy"
	"stocksim/types"
)

// ErrWeightBounds marks a plugin allocation outside [0,1] / sum<=1. A plugin
// bug, fatal to the run.
var ErrWeightBounds = errors.New("target allocation outside weight bounds")

const weightEpsilon = 1e-9

// snapshotSource is the engine-side view of a market data source: a lazy,
// finite, single-consumer sequence of date-ordered snapshots.
type snapshotSource interface {
	Next() (*types.MarketSnapshot, error)
}

// strategyRun owns one strategy's portfolio, schedule state and record
// buffer. No state is shared between runs.
type strategyRun struct {
	cfg    StrategyConfig
	plugin strategy.Plugin
	exec   ExecutionParams

	contributionAmount    decimal.Decimal
	contributionFrequency Frequency

	portfolio        *portfolio
	lastRebalance    time.Time
	lastContribution time.Time
	prevEquity       decimal.Decimal
	hasPrevEquity    bool

	records []types.DailyRecord
}

// Result aggregates everything the reporter needs. Daily records are in
// ascending date order per strategy; the ledger is sorted by
// (date, strategy_id, symbol).
type Result struct {
	StrategyOrder   []string
	DailyByStrategy map[string][]types.DailyRecord
	Trades          []types.TradeFill
	TradingDays     int
	Cancelled       bool
	Warnings        []string
	LiquidityClips  int
}

// Simulation drives the daily event loop for all strategies in lockstep over
// one shared pass of the snapshot stream.
type Simulation struct {
	cfg      SimulationConfig
	runs     []*strategyRun
	warnings []string
	// progress, when set, is called once per trading date.
	progress func(date time.Time)
}

// NewSimulation validates the configuration and constructs every strategy
// plugin, failing fast before any data is read.
func NewSimulation(cfg SimulationConfig) (*Simulation, error) {
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}
	sim := &Simulation{cfg: cfg, warnings: warnings}

	for _, sc := range cfg.Strategies {
		seed := cfg.Seed
		if sc.RandomSeed != nil {
			seed = *sc.RandomSeed
		}
		plugin, err := strategy.New(sc.Plugin, sc.Params, seed, sim.warnf)
		if err != nil {
			return nil, fmt.Errorf("%w: strategy %q: %v", ErrConfig, sc.StrategyID, err)
		}

		run := &strategyRun{
			cfg:                   sc,
			plugin:                plugin,
			exec:                  cfg.Execution,
			contributionAmount:    cfg.ContributionAmount,
			contributionFrequency: cfg.ContributionFrequency,
			portfolio:             newPortfolio(cfg.InitialCapital),
		}
		if sc.Execution != nil {
			run.exec = *sc.Execution
		}
		if sc.Contribution != nil {
			run.contributionAmount = sc.Contribution.Amount
			run.contributionFrequency = sc.Contribution.Frequency
		}
		sim.runs = append(sim.runs, run)
	}
	return sim, nil
}

// SetProgress installs a per-date progress callback.
func (s *Simulation) SetProgress(fn func(date time.Time)) {
	s.progress = fn
}

func (s *Simulation) warnf(format string, args ...any) {
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

// Run consumes the snapshot stream to completion or cancellation. The
// cancellation signal is checked between dates; a cancelled run returns its
// partial result with the flag set rather than an error.
func (s *Simulation) Run(ctx context.Context, src snapshotSource) (*Result, error) {
	result := &Result{
		DailyByStrategy: make(map[string][]types.DailyRecord, len(s.runs)),
	}
	for _, run := range s.runs {
		result.StrategyOrder = append(result.StrategyOrder, run.cfg.StrategyID)
	}

	for {
		if err := ctx.Err(); err != nil {
			result.Cancelled = true
			break
		}

		snap, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		result.TradingDays++
		for _, run := range s.runs {
			dayFills, err := s.step(run, snap)
			if err != nil {
				return nil, fmt.Errorf("strategy %q: %w", run.cfg.StrategyID, err)
			}
			for _, fill := range dayFills {
				if fill.Clipped {
					result.LiquidityClips++
				}
			}
			result.Trades = append(result.Trades, dayFills...)
		}
		sortDayTrades(result.Trades, snap.Date)

		if s.progress != nil {
			s.progress(snap.Date)
		}
	}

	for _, run := range s.runs {
		result.DailyByStrategy[run.cfg.StrategyID] = run.records
	}
	result.Warnings = s.warnings
	return result, nil
}

// step executes the daily event order for one strategy: dividends,
// contribution, rebalance, mark-to-market, metric capture.
func (s *Simulation) step(run *strategyRun, snap *types.MarketSnapshot) ([]types.TradeFill, error) {
	p := run.portfolio
	equityStart := p.cash.Add(p.markedValue)

	if s.cfg.CreditDividends {
		p.creditDividends(snap)
	}

	contributionToday := decimal.Zero
	contributed := false
	if run.contributionAmount.IsPositive() &&
		contributionDue(run.lastContribution, snap.Date, run.contributionFrequency) {
		if err := p.contribute(run.contributionAmount); err != nil {
			return nil, err
		}
		contributionToday = run.contributionAmount
		run.lastContribution = snap.Date
		contributed = true
	}

	var fills []types.TradeFill
	rebalance := rebalanceDue(run.lastRebalance, snap.Date, run.cfg.RebalanceFrequency)
	if !rebalance && contributed && run.cfg.AutoInvestNewCash {
		rebalance = true
	}
	if rebalance {
		target, err := run.plugin.TargetWeights(snap.Date, p.view(snap.Date), snap)
		if err != nil {
			return nil, err
		}
		if err := checkWeightBounds(target); err != nil {
			return nil, err
		}
		fills = planFills(p, snap, target, run.exec, run.cfg.StrategyID)
		for _, fill := range fills {
			if err := p.applyFill(fill); err != nil {
				return nil, err
			}
		}
		run.lastRebalance = snap.Date
	}

	marketValue, err := p.markToMarket(snap)
	if err != nil {
		return nil, err
	}
	equity := p.totalEquity()
	if err := p.checkIdentity(snap.Date); err != nil {
		return nil, err
	}

	dailyReturn := 0.0
	if run.hasPrevEquity {
		if run.prevEquity.IsZero() {
			dailyReturn = math.NaN()
		} else {
			dailyReturn = equity.Sub(run.prevEquity).Sub(contributionToday).
				Div(run.prevEquity).InexactFloat64()
		}
	}

	grossTraded := decimal.Zero
	for _, fill := range fills {
		grossTraded = grossTraded.Add(fill.GrossValue)
	}
	turnover := 0.0
	if !equityStart.IsZero() {
		turnover = grossTraded.Div(equityStart).InexactFloat64()
	}

	run.prevEquity = equity
	run.hasPrevEquity = true
	run.records = append(run.records, types.DailyRecord{
		Date:                   snap.Date,
		StrategyID:             run.cfg.StrategyID,
		Cash:                   p.cash,
		PositionsMarketValue:   marketValue,
		TotalEquity:            equity,
		DailyReturn:            dailyReturn,
		ContributionCumulative: p.cumContributions,
		TradeCountDay:          len(fills),
		TurnoverDay:            turnover,
	})
	return fills, nil
}

func checkWeightBounds(target types.TargetAllocation) error {
	total := 0.0
	for sym, w := range target {
		if w < -weightEpsilon || w > 1+weightEpsilon {
			return fmt.Errorf("%w: %s=%g", ErrWeightBounds, sym, w)
		}
		total += w
	}
	if total > 1+1e-6 {
		return fmt.Errorf("%w: sum=%g", ErrWeightBounds, total)
	}
	return nil
}

// sortDayTrades orders the current date's ledger slice suffix by
// (strategy_id, symbol, side) so the ledger is stable regardless of
// execution order.
func sortDayTrades(trades []types.TradeFill, date time.Time) {
	start := len(trades)
	for start > 0 && trades[start-1].Date.Equal(date) {
		start--
	}
	day := trades[start:]
	sort.Slice(day, func(i, j int) bool {
		if day[i].StrategyID != day[j].StrategyID {
			return day[i].StrategyID < day[j].StrategyID
		}
		if day[i].Symbol != day[j].Symbol {
			return day[i].Symbol < day[j].Symbol
		}
		return day[i].Side < day[j].Side
	})
}
