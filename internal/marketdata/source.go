package marketdata

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

// Global error declarations.
var (
	ErrMissingColumn = errors.New("missing required column")
	ErrBadRow        = errors.New("unparseable row")
	ErrOutOfOrder    = errors.New("input rows not in ascending date order")
)

// PriceSeriesMode selects how the Close series is interpreted.
type PriceSeriesMode string

const (
	// PriceAsIs uses Close directly.
	PriceAsIs PriceSeriesMode = "as_is"
	// PriceRawReconstructed un-applies the dividend reinvestment assumption
	// so a total-return series can be treated as price-only. Requires full
	// history, so it is only available on the in-memory source.
	PriceRawReconstructed PriceSeriesMode = "raw_reconstructed"
)

// DefaultRollingWindow is the trading-day span of the rolling dollar-volume
// feature.
const DefaultRollingWindow = 252

// Config bounds and filters the bar stream.
type Config struct {
	Start         time.Time
	End           time.Time
	MinPrice      decimal.Decimal
	MaxPrice      decimal.Decimal
	MinVolume     decimal.Decimal
	RollingWindow int
	PriceMode     PriceSeriesMode
}

func (c Config) rollingWindow() int {
	if c.RollingWindow <= 0 {
		return DefaultRollingWindow
	}
	return c.RollingWindow
}

// Stats counts processed input, surfaced in the run manifest.
type Stats struct {
	RowsRead    int
	RowsDropped int
}

// BarStream yields bars in nondecreasing date order. Implementations return
// io.EOF when exhausted.
type BarStream interface {
	Next() (types.MarketBar, error)
}

// Source turns an ordered bar stream into a lazy, finite, single-consumer
// sequence of MarketSnapshots. It drops invalid bars (counted), applies the
// price/volume band, and computes rolling features as dates complete.
type Source struct {
	stream  BarStream
	cfg     Config
	rolling *FeatureTracker
	stats   Stats

	pending *types.MarketBar
	curDate time.Time
	done    bool
}

// NewSource wraps a bar stream. The stream must be ordered by date; rows for
// the same date must be contiguous.
func NewSource(stream BarStream, cfg Config) *Source {
	return &Source{
		stream:  stream,
		cfg:     cfg,
		rolling: NewFeatureTracker(cfg.rollingWindow()),
	}
}

// Stats reports rows seen and dropped so far.
func (s *Source) Stats() Stats {
	return s.stats
}

// Next returns the next snapshot in ascending date order, io.EOF when the
// window is exhausted.
func (s *Source) Next() (*types.MarketSnapshot, error) {
	if s.done {
		return nil, io.EOF
	}

	var snap *types.MarketSnapshot
	for {
		bar, err := s.nextBar()
		if errors.Is(err, io.EOF) {
			s.done = true
			if snap != nil {
				s.finishSnapshot(snap)
				return snap, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}

		if !s.curDate.IsZero() && bar.Date.Before(s.curDate) {
			return nil, fmt.Errorf("%w: %s after %s",
				ErrOutOfOrder, bar.Date.Format("2006-01-02"), s.curDate.Format("2006-01-02"))
		}

		if snap != nil && !bar.Date.Equal(snap.Date) {
			// Day boundary: hold the bar for the next call.
			held := bar
			s.pending = &held
			s.curDate = bar.Date
			s.finishSnapshot(snap)
			return snap, nil
		}

		s.stats.RowsRead++
		if !s.accept(bar) {
			s.stats.RowsDropped++
			continue
		}
		if bar.Date.Before(s.cfg.Start) {
			// Still observed for rolling features so that history before the
			// window warms up the metric.
			s.observe(bar)
			continue
		}
		if bar.Date.After(s.cfg.End) {
			s.done = true
			if snap != nil {
				s.finishSnapshot(snap)
				return snap, nil
			}
			return nil, io.EOF
		}

		if snap == nil {
			snap = &types.MarketSnapshot{
				Date: bar.Date,
				Bars: make(map[string]types.MarketBar),
			}
			s.curDate = bar.Date
		}
		snap.Bars[bar.Symbol] = bar
	}
}

func (s *Source) nextBar() (types.MarketBar, error) {
	if s.pending != nil {
		bar := *s.pending
		s.pending = nil
		return bar, nil
	}
	return s.stream.Next()
}

// accept applies bar validity and the configured price/volume band.
func (s *Source) accept(bar types.MarketBar) bool {
	if !bar.Close.IsPositive() {
		return false
	}
	if s.cfg.MinPrice.IsPositive() && bar.Close.LessThan(s.cfg.MinPrice) {
		return false
	}
	if s.cfg.MaxPrice.IsPositive() && bar.Close.GreaterThan(s.cfg.MaxPrice) {
		return false
	}
	if bar.Volume.LessThan(s.cfg.MinVolume) {
		return false
	}
	return true
}

func (s *Source) observe(bar types.MarketBar) {
	vol := bar.Volume
	if vol.IsNegative() {
		vol = decimal.Zero
	}
	s.rolling.Observe(bar.Symbol, bar.Close.Mul(vol).InexactFloat64())
}

// finishSnapshot folds the day's observations into the rolling windows and
// attaches the resulting feature values.
func (s *Source) finishSnapshot(snap *types.MarketSnapshot) {
	snap.Features = make(map[string]float64, len(snap.Bars))
	for sym, bar := range snap.Bars {
		s.observe(bar)
		snap.Features[sym] = s.rolling.Value(sym)
	}
}
