package inventory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/models"
)

func TestRecordFillAddsSharesAndDeployedCapital(t *testing.T) {
	t.Parallel()
	tr := NewTracker(false)
	now := time.Now()

	tr.RecordFill("m1", true, decimal.NewFromInt(100), decimal.NewFromFloat(0.40), now)

	inv := tr.Get("m1")
	if !inv.UpShares.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected 100 up shares, got %s", inv.UpShares.String())
	}
	if !tr.SessionTotalDeployed.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected 40 deployed, got %s", tr.SessionTotalDeployed.String())
	}
}

func TestRecordSellFillBooksRealizedPnL(t *testing.T) {
	t.Parallel()
	tr := NewTracker(false)
	now := time.Now()

	tr.RecordFill("m1", true, decimal.NewFromInt(100), decimal.NewFromFloat(0.40), now)
	tr.RecordSellFill("m1", true, decimal.NewFromInt(50), decimal.NewFromFloat(0.50))

	if !tr.SessionRealizedPnL.Equal(decimal.NewFromFloat(5)) {
		t.Fatalf("expected realized pnl 5 (50 shares * 0.10), got %s", tr.SessionRealizedPnL.String())
	}
	inv := tr.Get("m1")
	if !inv.UpShares.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 remaining shares, got %s", inv.UpShares.String())
	}
}

func TestReduceMergedBooksHedgedPnLAndZeroesBothSides(t *testing.T) {
	t.Parallel()
	tr := NewTracker(false)
	now := time.Now()

	tr.RecordFill("m1", true, decimal.NewFromInt(100), decimal.NewFromFloat(0.40), now)
	tr.RecordFill("m1", false, decimal.NewFromInt(100), decimal.NewFromFloat(0.50), now)

	tr.ReduceMerged("m1", decimal.NewFromInt(100), now)

	// merged cost = 100*(0.40+0.50) = 90, payout = 100, pnl = 10
	if !tr.SessionRealizedPnL.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected merge pnl 10, got %s", tr.SessionRealizedPnL.String())
	}
	inv := tr.Get("m1")
	if !inv.UpShares.IsZero() || !inv.DownShares.IsZero() {
		t.Fatalf("expected both sides zeroed after full merge, got up=%s down=%s",
			inv.UpShares.String(), inv.DownShares.String())
	}
}

func TestClearMarketBooksUnhedgedLossAndRemoves(t *testing.T) {
	t.Parallel()
	tr := NewTracker(false)
	now := time.Now()

	tr.RecordFill("m1", true, decimal.NewFromInt(100), decimal.NewFromFloat(0.40), now)

	removed, had := tr.ClearMarket("m1", nil, nil)
	if !had {
		t.Fatal("expected a tracked position to be removed")
	}
	if !removed.UpShares.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected removed snapshot to carry 100 up shares, got %s", removed.UpShares.String())
	}
	// fully unhedged -> booked loss = 100 * 0.40 = 40
	if !tr.SessionRealizedPnL.Equal(decimal.NewFromInt(-40)) {
		t.Fatalf("expected -40 realized pnl, got %s", tr.SessionRealizedPnL.String())
	}

	if _, had := tr.ClearMarket("m1", nil, nil); had {
		t.Fatal("market should no longer be tracked after clearing")
	}
}

func TestSyncInventoryBootstrapsFromMidPrice(t *testing.T) {
	t.Parallel()
	tr := NewTracker(false)
	markets := []models.Market{{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1"}}
	chainUp := map[string]decimal.Decimal{"up1": decimal.NewFromInt(50)}
	chainDown := map[string]decimal.Decimal{}

	tr.SyncInventory(markets, chainUp, chainDown, func(tokenID string) (decimal.Decimal, bool) {
		if tokenID == "up1" {
			return decimal.NewFromFloat(0.35), true
		}
		return decimal.Zero, false
	})

	inv := tr.Get("m1")
	if !inv.UpShares.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected 50 up shares synced from chain, got %s", inv.UpShares.String())
	}
	if !inv.UpCost.Equal(decimal.NewFromFloat(17.5)) {
		t.Fatalf("expected bootstrapped cost 17.5 (50*0.35), got %s", inv.UpCost.String())
	}
}

func TestSyncInventoryDryRunDoesNotOverwriteShares(t *testing.T) {
	t.Parallel()
	tr := NewTracker(true)
	markets := []models.Market{{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1"}}

	tr.RecordFill("m1", true, decimal.NewFromInt(30), decimal.NewFromFloat(0.40), time.Now())
	tr.SyncInventory(markets, nil, nil, nil)

	inv := tr.Get("m1")
	if !inv.UpShares.Equal(decimal.NewFromInt(30)) {
		t.Fatalf("dry-run sync should leave local shares untouched, got %s", inv.UpShares.String())
	}
}

func TestGetAllReturnsIndependentCopies(t *testing.T) {
	t.Parallel()
	tr := NewTracker(false)
	tr.RecordFill("m1", true, decimal.NewFromInt(10), decimal.NewFromFloat(0.4), time.Now())

	all := tr.GetAll()
	all["m1"].UpShares = decimal.NewFromInt(999)

	if got := tr.Get("m1").UpShares; !got.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("mutating GetAll's copy should not affect the tracker, got %s", got.String())
	}
}
