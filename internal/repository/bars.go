package repository

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"stocksim/types"
)

const barsQuery = `
SELECT date, ticker, open, high, low, close, volume, dividends, stock_splits
FROM daily_bars
WHERE date >= $1 AND date <= $2
ORDER BY date, ticker`

// BarStream streams daily bars ordered by (date, ticker) from Postgres. It
// satisfies the market data source's bar stream contract, so a database run
// shares the whole snapshot pipeline with the CSV path.
type BarStream struct {
	rows pgx.Rows
	read int
}

// StreamBars opens a cursor over [start, end]. The stream must be closed
// after the run.
func (db *Database) StreamBars(ctx context.Context, start, end time.Time) (*BarStream, error) {
	rows, err := db.conn.Query(ctx, barsQuery, start, end)
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	return &BarStream{rows: rows}, nil
}

// Next returns the next bar, io.EOF when the cursor is exhausted.
func (s *BarStream) Next() (types.MarketBar, error) {
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return types.MarketBar{}, err
		}
		if s.read == 0 {
			return types.MarketBar{}, ErrNoBars
		}
		return types.MarketBar{}, io.EOF
	}

	var (
		date                      time.Time
		ticker                    string
		open, high, low, closePx  decimal.Decimal
		volume, dividends, splits decimal.Decimal
	)
	if err := s.rows.Scan(&date, &ticker, &open, &high, &low, &closePx, &volume, &dividends, &splits); err != nil {
		return types.MarketBar{}, fmt.Errorf("scan bar: %w", err)
	}
	s.read++
	return newBar(date, ticker, open, high, low, closePx, volume, dividends, splits), nil
}

// Close releases the cursor.
func (s *BarStream) Close() {
	s.rows.Close()
}

func newBar(
	date time.Time,
	ticker string,
	open, high, low, closePx, volume, dividends, splits decimal.Decimal,
) types.MarketBar {
	if splits.IsZero() {
		splits = decimal.NewFromInt(1)
	}
	return types.MarketBar{
		Date:       date.UTC().Truncate(24 * time.Hour),
		Symbol:     strings.ToUpper(ticker),
		Open:       open,
		High:       high,
		Low:        low,
		Close:      closePx,
		Volume:     volume,
		Dividend:   dividends,
		SplitRatio: splits,
	}
}
