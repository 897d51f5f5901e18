package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

var (
	ErrInsufficientCash = errors.New("insufficient cash for debit")
	ErrNegativeAmount   = errors.New("amount must be non-negative")
	ErrUnknownSide      = errors.New("unknown fill side")
	ErrNoPriorClose     = errors.New("held symbol has no prior close")
	// ErrAccountingInvariant indicates the cash/positions identity diverged.
	// Always fatal: it means an engine bug, not bad input.
	ErrAccountingInvariant = errors.New("accounting invariant violation")
)

// cashEpsilon absorbs decimal rounding in feasibility and identity checks.
var cashEpsilon = decimal.New(1, -6)

// positionEpsilon is the share quantity below which a position is considered
// closed and removed.
var positionEpsilon = decimal.New(1, -9)

type Position struct {
	Symbol    string
	Quantity  decimal.Decimal
	AvgCost   decimal.Decimal
	LastClose decimal.Decimal
}

// portfolio is the per-strategy mutable accounting aggregate. Side effects
// are confined to the owning strategy run.
type portfolio struct {
	cash             decimal.Decimal
	positions        map[string]*Position
	cumContributions decimal.Decimal
	cumCosts         decimal.Decimal
	cumDividends     decimal.Decimal
	markedValue      decimal.Decimal
}

func newPortfolio(initialCash decimal.Decimal) *portfolio {
	return &portfolio{
		cash:      initialCash,
		positions: make(map[string]*Position),
	}
}

func (p *portfolio) creditCash(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	p.cash = p.cash.Add(amount)
	return nil
}

func (p *portfolio) debitCash(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if amount.GreaterThan(p.cash.Add(cashEpsilon)) {
		return fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, amount, p.cash)
	}
	p.cash = p.cash.Sub(amount)
	return nil
}

func (p *portfolio) contribute(amount decimal.Decimal) error {
	if err := p.creditCash(amount); err != nil {
		return err
	}
	p.cumContributions = p.cumContributions.Add(amount)
	return nil
}

// creditDividends pays cash for held shares of every symbol with a dividend
// in the snapshot. Returns the total credited.
func (p *portfolio) creditDividends(snap *types.MarketSnapshot) decimal.Decimal {
	total := decimal.Zero
	for sym, pos := range p.positions {
		bar, ok := snap.Bars[sym]
		if !ok || !bar.Dividend.IsPositive() || !pos.Quantity.IsPositive() {
			continue
		}
		total = total.Add(pos.Quantity.Mul(bar.Dividend))
	}
	if total.IsPositive() {
		p.cash = p.cash.Add(total)
		p.cumDividends = p.cumDividends.Add(total)
	}
	return total
}

// applyFill mutates cash and the symbol's position for one executed trade.
// Negative cash after a fill is an engine bug: the execution model must have
// produced feasible fills.
func (p *portfolio) applyFill(fill types.TradeFill) error {
	switch fill.Side {
	case types.SideTypeBuy, types.SideTypeSell:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSide, fill.Side)
	}

	newCash := p.cash.Add(fill.NetCashImpact)
	if newCash.LessThan(cashEpsilon.Neg()) {
		return fmt.Errorf("%w: cash %s after %s %s %s",
			ErrAccountingInvariant, newCash, fill.Side, fill.Shares, fill.Symbol)
	}
	p.cash = newCash
	p.cumCosts = p.cumCosts.Add(fill.SlippageCost).Add(fill.FeeCost)

	pos := p.positions[fill.Symbol]
	if pos == nil {
		pos = &Position{Symbol: fill.Symbol}
		p.positions[fill.Symbol] = pos
	}

	if fill.Side == types.SideTypeBuy {
		oldQty := pos.Quantity
		newQty := oldQty.Add(fill.Shares)
		if !newQty.IsZero() {
			pos.AvgCost = pos.AvgCost.Mul(oldQty).
				Add(fill.Price.Mul(fill.Shares)).
				Div(newQty)
		}
		pos.Quantity = newQty
	} else {
		pos.Quantity = pos.Quantity.Sub(fill.Shares)
		if pos.Quantity.LessThan(positionEpsilon.Neg()) {
			return fmt.Errorf("%w: %s quantity %s after sell",
				ErrAccountingInvariant, fill.Symbol, pos.Quantity)
		}
	}
	pos.LastClose = fill.Price

	if pos.Quantity.Abs().LessThan(positionEpsilon) {
		delete(p.positions, fill.Symbol)
	}
	return nil
}

// markToMarket revalues positions at the snapshot's closes. Symbols absent
// from the snapshot keep their last known close; a held symbol with no prior
// close at all is a fatal data error.
func (p *portfolio) markToMarket(snap *types.MarketSnapshot) (decimal.Decimal, error) {
	total := decimal.Zero
	for sym, pos := range p.positions {
		if bar, ok := snap.Bars[sym]; ok {
			pos.LastClose = bar.Close
		} else if pos.LastClose.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: %s on %s",
				ErrNoPriorClose, sym, snap.Date.Format("2006-01-02"))
		}
		total = total.Add(pos.Quantity.Mul(pos.LastClose))
	}
	p.markedValue = total
	return total, nil
}

// totalEquity is cash plus the last mark-to-market value.
func (p *portfolio) totalEquity() decimal.Decimal {
	return p.cash.Add(p.markedValue)
}

// checkIdentity recomputes position value independently of the marked value
// and verifies total_equity = cash + sum(shares * close) within epsilon.
func (p *portfolio) checkIdentity(date time.Time) error {
	recomputed := decimal.Zero
	for _, pos := range p.positions {
		recomputed = recomputed.Add(pos.Quantity.Mul(pos.LastClose))
	}
	diff := recomputed.Sub(p.markedValue).Abs()
	if diff.GreaterThan(cashEpsilon) {
		return fmt.Errorf("%w: %s: marked %s, recomputed %s",
			ErrAccountingInvariant, date.Format("2006-01-02"), p.markedValue, recomputed)
	}
	if p.cash.LessThan(cashEpsilon.Neg()) {
		return fmt.Errorf("%w: %s: negative cash %s",
			ErrAccountingInvariant, date.Format("2006-01-02"), p.cash)
	}
	return nil
}

// view builds the read-only snapshot handed to plugins and execution.
func (p *portfolio) view(curTime time.Time) types.PortfolioView {
	view := types.PortfolioView{
		Cash:      p.cash,
		Positions: make(map[string]types.PositionSnapshot, len(p.positions)),
		Time:      curTime,
	}
	for sym, pos := range p.positions {
		view.Positions[sym] = types.PositionSnapshot{
			Symbol:    pos.Symbol,
			Quantity:  pos.Quantity,
			AvgCost:   pos.AvgCost,
			LastClose: pos.LastClose,
		}
	}
	return view
}
