package sizing

import (
	"testing"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/models"
)

func testStrategyConfig() config.StrategyConfig {
	return config.StrategyConfig{
		BankrollUSD: decimal.NewFromInt(1000),
		MinEdge:     decimal.NewFromFloat(0.02),
	}
}

func TestTotalBankrollCap(t *testing.T) {
	t.Parallel()
	cap := TotalBankrollCap(decimal.NewFromInt(1000))
	if !cap.Equal(decimal.NewFromInt(800)) {
		t.Fatalf("expected 800, got %s", cap.String())
	}
}

func TestCalculateBalancedSharesFarFromResolution(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	// 1000 * 0.20 / 0.40 = 500 shares, far from resolution -> factor 1.0
	shares, ok := CalculateBalancedShares(decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.35), cfg, 900, decimal.Zero)
	if !ok {
		t.Fatal("expected a valid order")
	}
	if !shares.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected 500 shares, got %s", shares.String())
	}
}

func TestCalculateBalancedSharesNearResolutionTapers(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	shares, ok := CalculateBalancedShares(decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.35), cfg, 30, decimal.Zero)
	if !ok {
		t.Fatal("expected a valid order")
	}
	// base 500 * 0.55 factor = 275
	if !shares.Equal(decimal.NewFromFloat(275)) {
		t.Fatalf("expected 275 shares, got %s", shares.String())
	}
}

func TestCalculateBalancedSharesCappedByExposureHeadroom(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	// total cap = 800, already deployed 780 -> only 20 of headroom, at 0.40/share -> 50 shares
	shares, ok := CalculateBalancedShares(decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.35), cfg, 900, decimal.NewFromInt(780))
	if !ok {
		t.Fatal("expected a valid order")
	}
	if !shares.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected order capped to 50 shares, got %s", shares.String())
	}
}

func TestCalculateBalancedSharesBelowMinOrderRejected(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	shares, ok := CalculateBalancedShares(decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.35), cfg, 900, decimal.NewFromInt(799))
	if ok {
		t.Fatalf("expected rejection, got %s shares", shares.String())
	}
}

func TestCalculateBalancedSharesNoHeadroomRejected(t *testing.T) {
	t.Parallel()
	cfg := testStrategyConfig()
	_, ok := CalculateBalancedShares(decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.35), cfg, 900, decimal.NewFromInt(800))
	if ok {
		t.Fatal("expected rejection when exposure already at cap")
	}
}

func TestCalculateDynamicEdge(t *testing.T) {
	t.Parallel()
	base := decimal.NewFromFloat(0.02)

	tight := CalculateDynamicEdge(decimal.NewFromFloat(0.03), base)
	if !tight.Equal(base) {
		t.Errorf("tight spread should keep base edge, got %s", tight.String())
	}

	wide := CalculateDynamicEdge(decimal.NewFromFloat(0.07), base)
	if !wide.Equal(decimal.NewFromFloat(0.03)) {
		t.Errorf("wide spread should be 1.5x base, got %s", wide.String())
	}

	veryWideEdge := CalculateDynamicEdge(decimal.NewFromFloat(0.15), base)
	if !veryWideEdge.Equal(decimal.NewFromFloat(0.04)) {
		t.Errorf("very wide spread should be 2x base, got %s", veryWideEdge.String())
	}
}

func TestHasMinimumEdge(t *testing.T) {
	t.Parallel()
	if !HasMinimumEdge(decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.55), decimal.NewFromFloat(0.04)) {
		t.Error("0.40+0.55=0.95 should clear a 0.04 min edge")
	}
	if HasMinimumEdge(decimal.NewFromFloat(0.50), decimal.NewFromFloat(0.49), decimal.NewFromFloat(0.04)) {
		t.Error("0.50+0.49=0.99 should not clear a 0.04 min edge")
	}
}

func TestCalculateExposureBreakdownEmpty(t *testing.T) {
	t.Parallel()
	b := CalculateExposureBreakdown(map[string]*models.OrderState{}, map[string]*models.MarketInventory{})
	if !b.TotalExposure.IsZero() {
		t.Fatalf("expected zero total exposure, got %s", b.TotalExposure.String())
	}
}

func TestCalculateExposureBreakdownOrdersAndReserve(t *testing.T) {
	t.Parallel()
	orders := map[string]*models.OrderState{
		"tok1": {
			Price:                 decimal.NewFromFloat(0.40),
			Size:                  decimal.NewFromInt(100),
			MatchedSize:           decimal.NewFromInt(40),
			ReservedHedgeNotional: decimal.NewFromInt(30),
		},
	}
	b := CalculateExposureBreakdown(orders, map[string]*models.MarketInventory{})
	// unfilled 60 shares * 0.40 = 24
	if !b.OrdersNotional.Equal(decimal.NewFromFloat(24)) {
		t.Errorf("expected orders notional 24, got %s", b.OrdersNotional.String())
	}
	if !b.ReservedHedge.Equal(decimal.NewFromInt(30)) {
		t.Errorf("expected reserved hedge 30, got %s", b.ReservedHedge.String())
	}
	if !b.TotalExposure.Equal(decimal.NewFromFloat(54)) {
		t.Errorf("expected total 54, got %s", b.TotalExposure.String())
	}
}

func TestCalculateExposureBreakdownUnhedgedSharesLockFullFaceValue(t *testing.T) {
	t.Parallel()
	// 178 filled UP shares at vwap 0.40, no DOWN fills -> fully unhedged.
	// Cost basis (178*0.40=71.2) plus hedge reserve (178*0.60=106.8) must
	// sum to the full 178 share count, not just the cost basis.
	inv := &models.MarketInventory{
		UpShares: decimal.NewFromInt(178),
		UpCost:   decimal.NewFromInt(178).Mul(decimal.NewFromFloat(0.40)),
	}
	b := CalculateExposureBreakdown(map[string]*models.OrderState{}, map[string]*models.MarketInventory{"m1": inv})
	if !b.UnhedgedExposure.Equal(decimal.NewFromInt(178)) {
		t.Fatalf("expected unhedged exposure 178, got %s", b.UnhedgedExposure.String())
	}
	if !b.TotalExposure.Equal(decimal.NewFromInt(178)) {
		t.Fatalf("expected total exposure 178, got %s", b.TotalExposure.String())
	}
}
