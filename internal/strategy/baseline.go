package strategy

import (
	"math"
	"sort"
	"time"

	"stocksim/types"
)

// equalWeight allocates 1/n to every tradable symbol, optionally restricted
// to a configured filter. An empty universe yields an empty allocation.
type equalWeight struct {
	filter map[string]struct{}
}

func (s *equalWeight) Name() string { return PluginEqualWeight }

func (s *equalWeight) TargetWeights(_ time.Time, _ types.PortfolioView, snap *types.MarketSnapshot) (types.TargetAllocation, error) {
	var universe []string
	for sym := range snap.Bars {
		if s.filter != nil {
			if _, ok := s.filter[sym]; !ok {
				continue
			}
		}
		universe = append(universe, sym)
	}
	sort.Strings(universe)
	return equalWeights(universe), nil
}

// sp500Proxy approximates a cap-weighted large index: the top N symbols by
// rolling 252d dollar volume, weighted proportionally to that metric.
// Symbols without a full rolling window (NaN feature) are excluded.
type sp500Proxy struct {
	topN int
}

func (s *sp500Proxy) Name() string { return PluginSP500Proxy }

func (s *sp500Proxy) TargetWeights(_ time.Time, _ types.PortfolioView, snap *types.MarketSnapshot) (types.TargetAllocation, error) {
	metrics := rollingMetrics(snap)
	ranked := rankSymbols(metrics, false)
	if len(ranked) > s.topN {
		ranked = ranked[:s.topN]
	}
	return proportionalWeights(ranked, metrics), nil
}

func rollingMetrics(snap *types.MarketSnapshot) map[string]float64 {
	out := make(map[string]float64, len(snap.Features))
	for sym, value := range snap.Features {
		if math.IsNaN(value) || value <= 0 {
			continue
		}
		out[sym] = value
	}
	return out
}

// rankSymbols orders symbols by metric value, descending unless bottom is
// set; ties break lexicographically by symbol.
func rankSymbols(metrics map[string]float64, bottom bool) []string {
	out := make([]string, 0, len(metrics))
	for sym := range metrics {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool {
		vi, vj := metrics[out[i]], metrics[out[j]]
		if vi != vj {
			if bottom {
				return vi < vj
			}
			return vi > vj
		}
		return out[i] < out[j]
	})
	return out
}

func equalWeights(symbols []string) types.TargetAllocation {
	if len(symbols) == 0 {
		return types.TargetAllocation{}
	}
	w := 1.0 / float64(len(symbols))
	alloc := make(types.TargetAllocation, len(symbols))
	for _, sym := range symbols {
		alloc[sym] = w
	}
	return alloc
}

func proportionalWeights(symbols []string, metrics map[string]float64) types.TargetAllocation {
	total := 0.0
	for _, sym := range symbols {
		total += metrics[sym]
	}
	if total <= 0 {
		return types.TargetAllocation{}
	}
	alloc := make(types.TargetAllocation, len(symbols))
	for _, sym := range symbols {
		alloc[sym] = metrics[sym] / total
	}
	return alloc
}
