package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

// Required input columns; unknown extra columns are ignored.
var requiredColumns = []string{
	"Date", "Ticker", "Open", "High", "Low", "Close", "Volume", "Dividends", "Stock Splits",
}

// csvStream reads bars from a Date,Ticker,OHLCV,Dividends,Stock Splits file.
type csvStream struct {
	reader *csv.Reader
	closer io.Closer
	cols   map[string]int
	line   int
}

// OpenCSV opens a streaming snapshot source over the CSV file at path.
// The returned closer must be closed by the caller after the run.
func OpenCSV(path string, cfg Config) (*Source, io.Closer, error) {
	stream, closer, err := OpenCSVStream(path)
	if err != nil {
		return nil, nil, err
	}
	return NewSource(stream, cfg), closer, nil
}

// OpenCSVStream opens the raw bar stream, for consumers that materialize it
// themselves (the in-memory engine).
func OpenCSVStream(path string) (BarStream, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open data file: %w", err)
	}
	stream, err := newCSVStream(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return stream, f, nil
}

func newCSVStream(r io.ReadCloser) (*csvStream, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range requiredColumns {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, required)
		}
	}
	return &csvStream{reader: reader, closer: r, cols: cols, line: 1}, nil
}

func (s *csvStream) Next() (types.MarketBar, error) {
	record, err := s.reader.Read()
	if err == io.EOF {
		return types.MarketBar{}, io.EOF
	}
	if err != nil {
		return types.MarketBar{}, fmt.Errorf("%w: %v", ErrBadRow, err)
	}
	s.line++

	field := func(name string) string {
		idx := s.cols[name]
		if idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	date, err := time.Parse("2006-01-02", field("Date"))
	if err != nil {
		return types.MarketBar{}, fmt.Errorf("%w: line %d: bad date %q", ErrBadRow, s.line, field("Date"))
	}

	bar := types.MarketBar{
		Date:   date,
		Symbol: strings.ToUpper(field("Ticker")),
	}
	numerics := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"Open", &bar.Open},
		{"High", &bar.High},
		{"Low", &bar.Low},
		{"Close", &bar.Close},
		{"Volume", &bar.Volume},
		{"Dividends", &bar.Dividend},
		{"Stock Splits", &bar.SplitRatio},
	}
	for _, col := range numerics {
		raw := field(col.name)
		if raw == "" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return types.MarketBar{}, fmt.Errorf("%w: line %d: non-numeric %s %q",
				ErrBadRow, s.line, col.name, raw)
		}
		*col.dst = value
	}
	if bar.SplitRatio.IsZero() {
		bar.SplitRatio = decimal.NewFromInt(1)
	}
	return bar, nil
}
