package strategy

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"stocksim/types"
)

// explicitSymbols holds an equal-weight basket of the configured symbols,
// intersected with today's tradable set.
type explicitSymbols struct {
	symbols map[string]struct{}
}

func (s *explicitSymbols) Name() string { return PluginExplicitSymbols }

func (s *explicitSymbols) TargetWeights(_ time.Time, _ types.PortfolioView, snap *types.MarketSnapshot) (types.TargetAllocation, error) {
	var selected []string
	for sym := range s.symbols {
		if snap.Tradable(sym) {
			selected = append(selected, sym)
		}
	}
	sort.Strings(selected)
	return equalWeights(selected), nil
}

// randomN samples n symbols with a generator derived from (seed, date
// ordinal), so every rebalance date has its own reproducible stream and
// reordering strategies or inserting dates does not perturb earlier draws.
type randomN struct {
	n      int
	seed   int64
	strict bool
	warn   func(format string, args ...any)
}

func (s *randomN) Name() string { return PluginRandomN }

func (s *randomN) TargetWeights(day time.Time, _ types.PortfolioView, snap *types.MarketSnapshot) (types.TargetAllocation, error) {
	candidates := snap.Symbols()
	if len(candidates) == 0 {
		return types.TargetAllocation{}, nil
	}
	if len(candidates) < s.n {
		if s.strict {
			return nil, fmt.Errorf("%w: random_n wants %d, universe has %d on %s",
				ErrInfeasible, s.n, len(candidates), day.Format("2006-01-02"))
		}
		s.warn("random_n: universe %d smaller than n %d on %s",
			len(candidates), s.n, day.Format("2006-01-02"))
	}

	sampleSize := s.n
	if sampleSize > len(candidates) {
		sampleSize = len(candidates)
	}
	rng := rand.New(rand.NewSource(s.seed + dateOrdinal(day)))
	perm := rng.Perm(len(candidates))
	selected := make([]string, 0, sampleSize)
	for _, idx := range perm[:sampleSize] {
		selected = append(selected, candidates[idx])
	}
	sort.Strings(selected)
	return equalWeights(selected), nil
}

// dateOrdinal is the calendar day count since the Unix epoch.
func dateOrdinal(day time.Time) int64 {
	return day.Unix() / 86_400
}

// nRanked selects the n highest (or lowest) symbols by the configured
// metric. Symbols with a missing feature value are excluded; ties break by
// symbol.
type nRanked struct {
	name         string
	n            int
	metric       string
	bottom       bool
	proportional bool
	strict       bool
	warn         func(format string, args ...any)
}

func (s *nRanked) Name() string { return s.name }

func (s *nRanked) TargetWeights(day time.Time, _ types.PortfolioView, snap *types.MarketSnapshot) (types.TargetAllocation, error) {
	metrics := s.metricValues(snap)
	ranked := rankSymbols(metrics, s.bottom)
	if len(ranked) < s.n {
		if s.strict {
			return nil, fmt.Errorf("%w: %s wants %d, universe has %d on %s",
				ErrInfeasible, s.name, s.n, len(ranked), day.Format("2006-01-02"))
		}
		s.warn("%s: universe %d smaller than n %d on %s",
			s.name, len(ranked), s.n, day.Format("2006-01-02"))
	}
	if len(ranked) > s.n {
		ranked = ranked[:s.n]
	}
	if s.proportional {
		return proportionalWeights(ranked, metrics), nil
	}
	return equalWeights(ranked), nil
}

func (s *nRanked) metricValues(snap *types.MarketSnapshot) map[string]float64 {
	switch s.metric {
	case MetricClosePrice:
		out := make(map[string]float64, len(snap.Bars))
		for sym, bar := range snap.Bars {
			if price := bar.Close.InexactFloat64(); price > 0 {
				out[sym] = price
			}
		}
		return out
	case MetricDollarVolume1D:
		out := make(map[string]float64, len(snap.Bars))
		for sym, bar := range snap.Bars {
			dv := bar.Close.Mul(bar.Volume).InexactFloat64()
			if dv > 0 {
				out[sym] = dv
			}
		}
		return out
	default:
		return rollingMetrics(snap)
	}
}
