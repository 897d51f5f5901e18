package marketdata

import (
	"errors"
	"io"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

// MemorySource materializes the whole window up front. It yields the same
// snapshot sequence as the streaming source and additionally supports the
// raw_reconstructed price mode, which needs full-history access.
type MemorySource struct {
	snaps []*types.MarketSnapshot
	idx   int
	stats Stats
}

// LoadMemory drains a streaming source into memory, applying the price-series
// mode. In raw_reconstructed mode it recomputes rolling features over the
// adjusted closes of the loaded window; in as_is mode the features computed by
// the streaming pass are kept.
func LoadMemory(stream BarStream, cfg Config) (*MemorySource, error) {
	passthrough := cfg
	passthrough.PriceMode = PriceAsIs
	src := NewSource(stream, passthrough)

	var snaps []*types.MarketSnapshot
	for {
		snap, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}

	if cfg.PriceMode == PriceRawReconstructed {
		reconstructCloses(snaps)
		recomputeFeatures(snaps, cfg.rollingWindow())
	}
	return &MemorySource{snaps: snaps, stats: src.Stats()}, nil
}

// Next yields the preloaded snapshots in order, io.EOF at the end.
func (m *MemorySource) Next() (*types.MarketSnapshot, error) {
	if m.idx >= len(m.snaps) {
		return nil, io.EOF
	}
	snap := m.snaps[m.idx]
	m.idx++
	return snap, nil
}

func (m *MemorySource) Stats() Stats {
	return m.stats
}

// reconstructCloses un-applies the forward dividend reinvestment assumption:
// walking backwards from each symbol's last observation, the observed close is
// scaled by the cumulative product of (1 - div/close) factors of all later
// ex-dividend dates.
func reconstructCloses(snaps []*types.MarketSnapshot) {
	one := decimal.NewFromInt(1)
	multipliers := make(map[string]decimal.Decimal)

	for i := len(snaps) - 1; i >= 0; i-- {
		snap := snaps[i]
		for sym, bar := range snap.Bars {
			m, ok := multipliers[sym]
			if !ok {
				m = one
			}
			rawClose := bar.Close
			bar.Close = rawClose.Mul(m)
			snap.Bars[sym] = bar

			if bar.Dividend.IsPositive() && rawClose.IsPositive() {
				factor := one.Sub(bar.Dividend.Div(rawClose))
				if factor.IsPositive() {
					multipliers[sym] = m.Mul(factor)
				}
			}
		}
	}
}

func recomputeFeatures(snaps []*types.MarketSnapshot, window int) {
	rolling := NewFeatureTracker(window)
	for _, snap := range snaps {
		snap.Features = make(map[string]float64, len(snap.Bars))
		for sym, bar := range snap.Bars {
			vol := bar.Volume
			if vol.IsNegative() {
				vol = decimal.Zero
			}
			rolling.Observe(sym, bar.Close.Mul(vol).InexactFloat64())
			snap.Features[sym] = rolling.Value(sym)
		}
	}
}
