package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

var (
	bpsDivisor = decimal.NewFromInt(10_000)
	// tradeEpsilonFactor suppresses churn: trades below 1e-6 of equity are
	// dropped before execution.
	tradeEpsilonFactor = decimal.New(1, -6)
)

// ExecutionParams are the per-run (or per-strategy override) cost knobs.
type ExecutionParams struct {
	FeeBps                decimal.Decimal
	FeeFixed              decimal.Decimal
	SlippageBps           decimal.Decimal
	MaxTradeParticipation decimal.Decimal
}

// planFills turns a target allocation into executable fills against today's
// snapshot. Sells are planned first so proceeds fund buys; within a side the
// order is lexicographic by symbol. The participation cap clips (never
// rejects) a trade; buys are additionally clamped to remaining cash.
func planFills(
	p *portfolio,
	snap *types.MarketSnapshot,
	target types.TargetAllocation,
	params ExecutionParams,
	strategyID string,
) []types.TradeFill {
	equity := equityBasis(p, snap)
	if !equity.IsPositive() {
		return nil
	}
	tradeEpsilon := equity.Mul(tradeEpsilonFactor)

	symbols := make(map[string]struct{}, len(target)+len(p.positions))
	for sym := range target {
		symbols[sym] = struct{}{}
	}
	for sym := range p.positions {
		symbols[sym] = struct{}{}
	}

	ordered := make([]string, 0, len(symbols))
	for sym := range symbols {
		ordered = append(ordered, sym)
	}
	sort.Strings(ordered)

	var sells, buys []types.TradeFill
	for _, sym := range ordered {
		bar, ok := snap.Bars[sym]
		if !ok || !bar.Close.IsPositive() {
			// Not tradable today; the drift from target is accepted.
			continue
		}

		held := decimal.Zero
		if pos := p.positions[sym]; pos != nil {
			held = pos.Quantity
		}
		currentValue := held.Mul(bar.Close)
		targetValue := decimal.NewFromFloat(target[sym]).Mul(equity)
		deltaValue := targetValue.Sub(currentValue)
		if deltaValue.Abs().LessThan(tradeEpsilon) {
			continue
		}

		shares := deltaValue.Abs().Div(bar.Close)
		side := types.SideTypeBuy
		if deltaValue.IsNegative() {
			side = types.SideTypeSell
			if shares.GreaterThan(held) {
				shares = held
			}
		}

		shares, clipped := clipToParticipation(shares, bar.Volume, params.MaxTradeParticipation)
		if !shares.IsPositive() {
			continue
		}
		gross := shares.Mul(bar.Close)
		if gross.LessThan(tradeEpsilon) {
			continue
		}

		fill := buildFill(snap, strategyID, sym, side, shares, bar.Close, params)
		fill.Clipped = clipped
		if side == types.SideTypeSell {
			sells = append(sells, fill)
		} else {
			buys = append(buys, fill)
		}
	}

	fills := make([]types.TradeFill, 0, len(sells)+len(buys))
	cash := p.cash
	for _, fill := range sells {
		cash = cash.Add(fill.NetCashImpact)
		fills = append(fills, fill)
	}
	for _, fill := range buys {
		cost := fill.NetCashImpact.Neg()
		if cost.GreaterThan(cash) {
			scaled, ok := scaleBuyToCash(snap, fill, cash, params, strategyID)
			if !ok || scaled.GrossValue.LessThan(tradeEpsilon) {
				continue
			}
			fill = scaled
		}
		cash = cash.Add(fill.NetCashImpact)
		fills = append(fills, fill)
	}
	return fills
}

// equityBasis values the portfolio at today's closes, carrying the last known
// close for symbols absent from the snapshot. This is the weight-to-dollar
// translation base: after contributions, before trades.
func equityBasis(p *portfolio, snap *types.MarketSnapshot) decimal.Decimal {
	total := p.cash
	for sym, pos := range p.positions {
		price := pos.LastClose
		if bar, ok := snap.Bars[sym]; ok {
			price = bar.Close
		}
		total = total.Add(pos.Quantity.Mul(price))
	}
	return total
}

func clipToParticipation(shares, volume, maxParticipation decimal.Decimal) (decimal.Decimal, bool) {
	if !maxParticipation.IsPositive() {
		return shares, false
	}
	if !volume.IsPositive() {
		// Zero-volume symbols are not traded.
		return decimal.Zero, true
	}
	capShares := volume.Mul(maxParticipation)
	if shares.GreaterThan(capShares) {
		return capShares, true
	}
	return shares, false
}

func buildFill(
	snap *types.MarketSnapshot,
	strategyID string,
	symbol string,
	side types.Side,
	shares decimal.Decimal,
	close decimal.Decimal,
	params ExecutionParams,
) types.TradeFill {
	slipRate := params.SlippageBps.Div(bpsDivisor)
	execPrice := close.Mul(decimal.NewFromInt(1).Add(slipRate))
	if side == types.SideTypeSell {
		execPrice = close.Mul(decimal.NewFromInt(1).Sub(slipRate))
	}

	gross := shares.Mul(close)
	slippageCost := execPrice.Sub(close).Abs().Mul(shares)
	feeCost := gross.Mul(params.FeeBps).Div(bpsDivisor).Add(params.FeeFixed)

	netCash := gross.Sub(slippageCost).Sub(feeCost)
	if side == types.SideTypeBuy {
		netCash = gross.Add(slippageCost).Add(feeCost).Neg()
	}
	return types.NewTradeFill(
		snap.Date, strategyID, symbol, side,
		shares, execPrice, gross, slippageCost, feeCost, netCash,
	)
}

// scaleBuyToCash shrinks a buy so its all-in cost fits the remaining cash.
// Solves shares*(exec_price + close*fee_bps/10000) + fee_fixed = cash.
func scaleBuyToCash(
	snap *types.MarketSnapshot,
	fill types.TradeFill,
	cash decimal.Decimal,
	params ExecutionParams,
	strategyID string,
) (types.TradeFill, bool) {
	available := cash.Sub(params.FeeFixed)
	if !available.IsPositive() {
		return types.TradeFill{}, false
	}
	close := fill.GrossValue.Div(fill.Shares)
	perShare := fill.Price.Add(close.Mul(params.FeeBps).Div(bpsDivisor))
	if !perShare.IsPositive() {
		return types.TradeFill{}, false
	}
	shares := available.Div(perShare)
	if !shares.IsPositive() {
		return types.TradeFill{}, false
	}
	scaled := buildFill(snap, strategyID, fill.Symbol, types.SideTypeBuy, shares, close, params)
	scaled.Clipped = fill.Clipped
	return scaled, true
}
