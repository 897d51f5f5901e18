package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"stocksim/types"
)

func noCostParams() ExecutionParams {
	return ExecutionParams{
		MaxTradeParticipation: decimal.NewFromInt(1),
	}
}

func TestPlanFillsBuysToTarget(t *testing.T) {
	p := newPortfolio(dec("10000"))
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100", "BBB": "50"})

	fills := planFills(p, snap, types.TargetAllocation{"AAA": 0.5, "BBB": 0.5}, noCostParams(), "s1")
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	// Lexicographic within side.
	if fills[0].Symbol != "AAA" || fills[1].Symbol != "BBB" {
		t.Fatalf("order = %s, %s", fills[0].Symbol, fills[1].Symbol)
	}
	if !fills[0].Shares.Equal(dec("50")) {
		t.Errorf("AAA shares = %s, want 50", fills[0].Shares)
	}
	if !fills[1].Shares.Equal(dec("100")) {
		t.Errorf("BBB shares = %s, want 100", fills[1].Shares)
	}
}

func TestPlanFillsSellsBeforeBuys(t *testing.T) {
	p := newPortfolio(dec("0"))
	p.positions["ZZZ"] = &Position{Symbol: "ZZZ", Quantity: dec("100"), LastClose: dec("100")}
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100", "ZZZ": "100"})

	fills := planFills(p, snap, types.TargetAllocation{"AAA": 1}, noCostParams(), "s1")
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2", len(fills))
	}
	if fills[0].Side != types.SideTypeSell || fills[0].Symbol != "ZZZ" {
		t.Fatalf("first fill = %s %s, want sell ZZZ", fills[0].Side, fills[0].Symbol)
	}
	if fills[1].Side != types.SideTypeBuy || fills[1].Symbol != "AAA" {
		t.Fatalf("second fill = %s %s, want buy AAA", fills[1].Side, fills[1].Symbol)
	}
	// Sell proceeds fund the buy in full.
	if !fills[1].GrossValue.Equal(dec("10000")) {
		t.Fatalf("buy gross = %s, want 10000", fills[1].GrossValue)
	}
}

func TestPlanFillsSlippageAndFees(t *testing.T) {
	p := newPortfolio(dec("10000"))
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100"})
	params := ExecutionParams{
		FeeBps:                dec("10"), // 0.1%
		FeeFixed:              dec("1"),
		SlippageBps:           dec("20"), // 0.2%
		MaxTradeParticipation: decimal.NewFromInt(1),
	}

	fills := planFills(p, snap, types.TargetAllocation{"AAA": 0.5}, params, "s1")
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	fill := fills[0]
	if !fill.Price.Equal(dec("100.2")) {
		t.Errorf("buy price = %s, want 100.2", fill.Price)
	}
	if !fill.Shares.Equal(dec("50")) {
		t.Errorf("shares = %s, want 50", fill.Shares)
	}
	if !fill.GrossValue.Equal(dec("5000")) {
		t.Errorf("gross = %s, want 5000", fill.GrossValue)
	}
	if !fill.SlippageCost.Equal(dec("10")) {
		t.Errorf("slippage = %s, want 10", fill.SlippageCost)
	}
	if !fill.FeeCost.Equal(dec("6")) {
		t.Errorf("fee = %s, want 6", fill.FeeCost)
	}
	// net = -(gross + slippage + fee)
	if !fill.NetCashImpact.Equal(dec("-5016")) {
		t.Errorf("net = %s, want -5016", fill.NetCashImpact)
	}
}

func TestPlanFillsSellSlippage(t *testing.T) {
	p := newPortfolio(dec("0"))
	p.positions["AAA"] = &Position{Symbol: "AAA", Quantity: dec("10"), LastClose: dec("100")}
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100"})
	params := ExecutionParams{
		SlippageBps:           dec("100"), // 1%
		MaxTradeParticipation: decimal.NewFromInt(1),
	}

	fills := planFills(p, snap, types.TargetAllocation{}, params, "s1")
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	fill := fills[0]
	if !fill.Price.Equal(dec("99")) {
		t.Errorf("sell price = %s, want 99", fill.Price)
	}
	// net = gross - slippage = 1000 - 10
	if !fill.NetCashImpact.Equal(dec("990")) {
		t.Errorf("net = %s, want 990", fill.NetCashImpact)
	}
}

func TestPlanFillsParticipationCap(t *testing.T) {
	// Wants 100% of a symbol with volume 1000 at 1% participation: at most
	// 10 shares execute, the rest stays in cash, no error.
	p := newPortfolio(dec("10000"))
	snap := &types.MarketSnapshot{
		Date: day("2024-01-02"),
		Bars: map[string]types.MarketBar{
			"XXX": {Symbol: "XXX", Close: dec("10"), Volume: dec("1000")},
		},
	}
	params := ExecutionParams{MaxTradeParticipation: dec("0.01")}

	fills := planFills(p, snap, types.TargetAllocation{"XXX": 1}, params, "s1")
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	if !fills[0].Shares.Equal(dec("10")) {
		t.Fatalf("shares = %s, want 10 (cap)", fills[0].Shares)
	}
	if !fills[0].Clipped {
		t.Fatal("fill should be flagged clipped")
	}
}

func TestPlanFillsZeroVolumeNotTraded(t *testing.T) {
	p := newPortfolio(dec("10000"))
	snap := &types.MarketSnapshot{
		Date: day("2024-01-02"),
		Bars: map[string]types.MarketBar{
			"XXX": {Symbol: "XXX", Close: dec("10"), Volume: decimal.Zero},
		},
	}
	params := ExecutionParams{MaxTradeParticipation: dec("0.01")}

	fills := planFills(p, snap, types.TargetAllocation{"XXX": 1}, params, "s1")
	if len(fills) != 0 {
		t.Fatalf("fills = %d, want 0 for zero volume", len(fills))
	}
}

func TestPlanFillsSuppressesDustTrades(t *testing.T) {
	p := newPortfolio(dec("500000"))
	p.positions["AAA"] = &Position{Symbol: "AAA", Quantity: dec("4999.999999"), LastClose: dec("100")}
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100"})

	// Target is within a hair of current: delta far below 1e-6 of equity.
	fills := planFills(p, snap, types.TargetAllocation{"AAA": 0.5}, noCostParams(), "s1")
	_ = fills
	for _, f := range fills {
		if f.GrossValue.LessThan(dec("1")) {
			t.Fatalf("dust fill survived: %+v", f)
		}
	}
}

func TestPlanFillsClampsBuyToCash(t *testing.T) {
	// Fees make the nominal buy infeasible: the buy is scaled down so cash
	// stays non-negative.
	p := newPortfolio(dec("10000"))
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100"})
	params := ExecutionParams{
		FeeBps:                dec("100"), // 1%
		MaxTradeParticipation: decimal.NewFromInt(1),
	}

	fills := planFills(p, snap, types.TargetAllocation{"AAA": 1}, params, "s1")
	if len(fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(fills))
	}
	cashAfter := p.cash.Add(fills[0].NetCashImpact)
	if cashAfter.LessThan(cashEpsilon.Neg()) {
		t.Fatalf("cash after clamped buy = %s", cashAfter)
	}
	if fills[0].Shares.GreaterThanOrEqual(dec("100")) {
		t.Fatalf("shares = %s, want < 100 after clamp", fills[0].Shares)
	}
}

func TestPlanFillsEmptyAllocationSellsEverything(t *testing.T) {
	p := newPortfolio(dec("0"))
	p.positions["AAA"] = &Position{Symbol: "AAA", Quantity: dec("10"), LastClose: dec("100")}
	p.positions["BBB"] = &Position{Symbol: "BBB", Quantity: dec("5"), LastClose: dec("50")}
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100", "BBB": "50"})

	fills := planFills(p, snap, types.TargetAllocation{}, noCostParams(), "s1")
	if len(fills) != 2 {
		t.Fatalf("fills = %d, want 2 full sells", len(fills))
	}
	for _, f := range fills {
		if f.Side != types.SideTypeSell {
			t.Fatalf("fill %s side = %s, want sell", f.Symbol, f.Side)
		}
	}
}

func TestPlanFillsSkipsUntradableSymbols(t *testing.T) {
	// Held symbol absent from the snapshot: its drift is accepted, no fill.
	p := newPortfolio(dec("0"))
	p.positions["GONE"] = &Position{Symbol: "GONE", Quantity: dec("10"), LastClose: dec("100")}
	snap := snapOf("2024-01-02", map[string]string{"AAA": "100"})

	fills := planFills(p, snap, types.TargetAllocation{}, noCostParams(), "s1")
	if len(fills) != 0 {
		t.Fatalf("fills = %d, want 0", len(fills))
	}
}
