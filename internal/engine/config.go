package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/shopspring/decimal"

	"stocksim/internal/marketdata"
	"stocksim/internal/strategy"
)

// ErrConfig marks startup configuration errors: detected before any data is
// opened, mapped to exit code 1 by the CLI.
var ErrConfig = errors.New("invalid configuration")

// ContributionOverride replaces the run-level contribution schedule for one
// strategy.
type ContributionOverride struct {
	Amount    decimal.Decimal
	Frequency Frequency
}

// StrategyConfig is one entry of the strategy file.
type StrategyConfig struct {
	StrategyID         string
	Plugin             string
	Params             strategy.Params
	RebalanceFrequency Frequency
	Contribution       *ContributionOverride
	RandomSeed         *int64
	Execution          *ExecutionParams
	AutoInvestNewCash  bool
}

// SimulationConfig is the full run configuration shared by all strategies.
type SimulationConfig struct {
	StartDate             time.Time
	EndDate               time.Time
	InitialCapital        decimal.Decimal
	ContributionAmount    decimal.Decimal
	ContributionFrequency Frequency
	Execution             ExecutionParams
	CreditDividends       bool
	PriceSeriesMode       marketdata.PriceSeriesMode
	Seed                  int64
	Strategies            []StrategyConfig
}

// Validate fails fast on contradictory settings. Returns the list of
// non-fatal validation warnings for the manifest.
func (c *SimulationConfig) Validate() ([]string, error) {
	if c.EndDate.Before(c.StartDate) {
		return nil, fmt.Errorf("%w: end date %s before start date %s",
			ErrConfig, c.EndDate.Format("2006-01-02"), c.StartDate.Format("2006-01-02"))
	}
	if c.InitialCapital.IsNegative() {
		return nil, fmt.Errorf("%w: negative initial capital %s", ErrConfig, c.InitialCapital)
	}
	if c.ContributionAmount.IsNegative() {
		return nil, fmt.Errorf("%w: negative contribution amount %s", ErrConfig, c.ContributionAmount)
	}
	if c.ContributionFrequency == "" {
		c.ContributionFrequency = FreqNone
	}
	if _, err := ParseContributionFrequency(string(c.ContributionFrequency)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := c.Execution.validate(); err != nil {
		return nil, err
	}
	if len(c.Strategies) == 0 {
		return nil, fmt.Errorf("%w: no strategies configured", ErrConfig)
	}

	seen := make(map[string]struct{}, len(c.Strategies))
	for _, sc := range c.Strategies {
		if sc.StrategyID == "" {
			return nil, fmt.Errorf("%w: strategy with empty strategy_id", ErrConfig)
		}
		if _, dup := seen[sc.StrategyID]; dup {
			return nil, fmt.Errorf("%w: duplicate strategy_id %q", ErrConfig, sc.StrategyID)
		}
		seen[sc.StrategyID] = struct{}{}
		if _, err := ParseRebalanceFrequency(string(sc.RebalanceFrequency)); err != nil {
			return nil, fmt.Errorf("%w: strategy %q: %v", ErrConfig, sc.StrategyID, err)
		}
		if sc.Contribution != nil {
			if _, err := ParseContributionFrequency(string(sc.Contribution.Frequency)); err != nil {
				return nil, fmt.Errorf("%w: strategy %q: %v", ErrConfig, sc.StrategyID, err)
			}
		}
		if sc.Execution != nil {
			if err := sc.Execution.validate(); err != nil {
				return nil, fmt.Errorf("strategy %q: %w", sc.StrategyID, err)
			}
		}
	}

	var warnings []string
	if c.CreditDividends && c.PriceSeriesMode == marketdata.PriceAsIs {
		// A prior revision double counted dividends this way: an adjusted
		// close already reinvests them.
		warnings = append(warnings,
			"credit_dividends=true with price_series_mode=as_is: dividends are double counted if the input close is already adjusted")
	}
	return warnings, nil
}

func (e *ExecutionParams) validate() error {
	if e.FeeBps.IsNegative() || e.FeeFixed.IsNegative() || e.SlippageBps.IsNegative() {
		return fmt.Errorf("%w: fees and slippage must be non-negative", ErrConfig)
	}
	one := decimal.NewFromInt(1)
	if e.MaxTradeParticipation.IsNegative() || e.MaxTradeParticipation.GreaterThan(one) {
		return fmt.Errorf("%w: max_trade_participation %s outside [0,1]",
			ErrConfig, e.MaxTradeParticipation)
	}
	return nil
}

// Raw strategy-file shapes. Unknown fields are rejected so config typos fail
// fast instead of silently defaulting.
type rawStrategyFile struct {
	Strategies []rawStrategy `yaml:"strategies" json:"strategies"`
}

type rawStrategy struct {
	StrategyID        string            `yaml:"strategy_id" json:"strategy_id"`
	Plugin            string            `yaml:"plugin" json:"plugin"`
	Universe          *rawUniverse      `yaml:"universe" json:"universe"`
	Weights           *rawWeights       `yaml:"weights" json:"weights"`
	Rebalance         *rawRebalance     `yaml:"rebalance" json:"rebalance"`
	Contributions     *rawContributions `yaml:"contributions" json:"contributions"`
	RandomSeed        *int64            `yaml:"random_seed" json:"random_seed"`
	Execution         *rawExecution     `yaml:"execution" json:"execution"`
	AutoInvestNewCash bool              `yaml:"auto_invest_new_cash" json:"auto_invest_new_cash"`
}

type rawUniverse struct {
	N             int      `yaml:"n" json:"n"`
	TopN          int      `yaml:"top_n" json:"top_n"`
	RollingWindow int      `yaml:"rolling_window" json:"rolling_window"`
	Symbols       []string `yaml:"symbols" json:"symbols"`
	Strict        bool     `yaml:"strict" json:"strict"`
}

type rawWeights struct {
	Scheme string `yaml:"scheme" json:"scheme"`
	Metric string `yaml:"metric" json:"metric"`
}

type rawRebalance struct {
	Frequency string `yaml:"frequency" json:"frequency"`
}

type rawContributions struct {
	Amount    float64 `yaml:"amount" json:"amount"`
	Frequency string  `yaml:"frequency" json:"frequency"`
}

type rawExecution struct {
	FeeBps                *float64 `yaml:"fee_bps" json:"fee_bps"`
	FeeFixed              *float64 `yaml:"fee_fixed" json:"fee_fixed"`
	SlippageBps           *float64 `yaml:"slippage_bps" json:"slippage_bps"`
	MaxTradeParticipation *float64 `yaml:"max_trade_participation" json:"max_trade_participation"`
}

// LoadStrategyFile reads a YAML or JSON strategy file into StrategyConfigs,
// applying run-level execution defaults where no override is given.
func LoadStrategyFile(path string, defaults ExecutionParams) ([]StrategyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read strategy file: %v", ErrConfig, err)
	}

	var raw rawStrategyFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	default:
		if err := yaml.UnmarshalWithOptions(data, &raw, yaml.DisallowUnknownField()); err != nil {
			return nil, fmt.Errorf("%w: parse %s: %v", ErrConfig, path, err)
		}
	}
	if len(raw.Strategies) == 0 {
		return nil, fmt.Errorf("%w: strategy file %s has no strategies", ErrConfig, path)
	}

	out := make([]StrategyConfig, 0, len(raw.Strategies))
	for _, rs := range raw.Strategies {
		sc, err := resolveStrategy(rs, defaults)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, nil
}

func resolveStrategy(rs rawStrategy, defaults ExecutionParams) (StrategyConfig, error) {
	sc := StrategyConfig{
		StrategyID:         rs.StrategyID,
		Plugin:             rs.Plugin,
		RebalanceFrequency: FreqDaily,
		RandomSeed:         rs.RandomSeed,
		AutoInvestNewCash:  rs.AutoInvestNewCash,
	}
	if rs.Universe != nil {
		sc.Params.N = rs.Universe.N
		sc.Params.TopN = rs.Universe.TopN
		sc.Params.RollingWindow = rs.Universe.RollingWindow
		sc.Params.Symbols = rs.Universe.Symbols
		sc.Params.Strict = rs.Universe.Strict
	}
	if rs.Weights != nil {
		sc.Params.Metric = rs.Weights.Metric
		switch rs.Weights.Scheme {
		case "", "equal":
		case "proportional":
			sc.Params.Proportional = true
		default:
			return StrategyConfig{}, fmt.Errorf("%w: strategy %q: unknown weight scheme %q",
				ErrConfig, rs.StrategyID, rs.Weights.Scheme)
		}
	}
	if rs.Rebalance != nil {
		freq, err := ParseRebalanceFrequency(rs.Rebalance.Frequency)
		if err != nil {
			return StrategyConfig{}, fmt.Errorf("%w: strategy %q: %v", ErrConfig, rs.StrategyID, err)
		}
		sc.RebalanceFrequency = freq
	}
	if rs.Contributions != nil {
		freq, err := ParseContributionFrequency(rs.Contributions.Frequency)
		if err != nil {
			return StrategyConfig{}, fmt.Errorf("%w: strategy %q: %v", ErrConfig, rs.StrategyID, err)
		}
		if rs.Contributions.Amount < 0 {
			return StrategyConfig{}, fmt.Errorf("%w: strategy %q: negative contribution amount",
				ErrConfig, rs.StrategyID)
		}
		sc.Contribution = &ContributionOverride{
			Amount:    decimal.NewFromFloat(rs.Contributions.Amount),
			Frequency: freq,
		}
	}
	if rs.Execution != nil {
		exec := defaults
		if rs.Execution.FeeBps != nil {
			exec.FeeBps = decimal.NewFromFloat(*rs.Execution.FeeBps)
		}
		if rs.Execution.FeeFixed != nil {
			exec.FeeFixed = decimal.NewFromFloat(*rs.Execution.FeeFixed)
		}
		if rs.Execution.SlippageBps != nil {
			exec.SlippageBps = decimal.NewFromFloat(*rs.Execution.SlippageBps)
		}
		if rs.Execution.MaxTradeParticipation != nil {
			exec.MaxTradeParticipation = decimal.NewFromFloat(*rs.Execution.MaxTradeParticipation)
		}
		sc.Execution = &exec
	}
	return sc, nil
}
