package orders

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/models"
	"polymarket-mm/pkg/types"
)

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(nil, true, logger) // dry-run: never touches the nil exchange client
}

func testMarket() *models.Market {
	return &models.Market{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1"}
}

func TestPlaceDryRunFillsImmediately(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	var gotDelta decimal.Decimal
	ok := m.Place(context.Background(), PlaceParams{
		Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(100),
		OrderType: types.OrderTypeGTC, Side: types.BUY,
	}, func(state *models.OrderState, delta decimal.Decimal) {
		gotDelta = delta
	})
	if !ok {
		t.Fatal("expected dry-run place to succeed")
	}
	if !gotDelta.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected immediate fill of 100, got %s", gotDelta.String())
	}
	if !m.HasOrder("up1") {
		t.Fatal("dry-run order should stay tracked after its fake fill")
	}
}

func TestPlaceDefaultsSideAndOrderType(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.Place(context.Background(), PlaceParams{
		Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(10),
	}, nil)

	state, ok := m.GetOrder("up1")
	if !ok {
		t.Fatal("expected a tracked order")
	}
	if state.Side != string(types.BUY) {
		t.Errorf("expected default side BUY, got %s", state.Side)
	}
}

func TestMaybeReplaceNoExistingOrderPlaces(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	d := m.MaybeReplace("up1", decimal.NewFromFloat(0.40), decimal.NewFromInt(10), time.Second, decimal.NewFromFloat(0.01))
	if d != models.ReplacePlace {
		t.Fatalf("expected ReplacePlace, got %v", d)
	}
}

func TestMaybeReplaceCooldownSkips(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.Place(context.Background(), PlaceParams{
		Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(10),
	}, nil)

	d := m.MaybeReplace("up1", decimal.NewFromFloat(0.45), decimal.NewFromInt(10), time.Hour, decimal.NewFromFloat(0.01))
	if d != models.ReplaceSkip {
		t.Fatalf("expected cooldown skip, got %v", d)
	}
}

func TestMaybeReplaceUnchangedPriceAndSizeSkips(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.Place(context.Background(), PlaceParams{
		Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(10),
	}, nil)

	d := m.MaybeReplace("up1", decimal.NewFromFloat(0.401), decimal.NewFromInt(10), 0, decimal.NewFromFloat(0.01))
	if d != models.ReplaceSkip {
		t.Fatalf("expected skip for sub-tick price change, got %v", d)
	}
}

func TestMaybeReplacePriceMoveReplaces(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.Place(context.Background(), PlaceParams{
		Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(10),
	}, nil)

	d := m.MaybeReplace("up1", decimal.NewFromFloat(0.45), decimal.NewFromInt(10), 0, decimal.NewFromFloat(0.01))
	if d != models.ReplaceReplace {
		t.Fatalf("expected replace for a real price move, got %v", d)
	}
}

func TestCancelRemovesTrackedOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.Place(context.Background(), PlaceParams{
		Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(10),
	}, nil)

	m.Cancel(context.Background(), "up1", "TEST")
	if m.HasOrder("up1") {
		t.Fatal("expected order to be untracked after cancel")
	}
}

func TestCancelMarketOrdersCancelsBothLegs(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	mk := testMarket()
	m.Place(context.Background(), PlaceParams{Market: mk, TokenID: "up1", Direction: models.DirectionUp, Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(10)}, nil)
	m.Place(context.Background(), PlaceParams{Market: mk, TokenID: "down1", Direction: models.DirectionDown, Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(10)}, nil)

	m.CancelMarketOrders(context.Background(), mk, "TEST")
	if m.HasOrder("up1") || m.HasOrder("down1") {
		t.Fatal("expected both legs cancelled")
	}
}

func TestCancelAllClearsEveryOrder(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.Place(context.Background(), PlaceParams{Market: testMarket(), TokenID: "up1", Direction: models.DirectionUp, Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(10)}, nil)
	m.Place(context.Background(), PlaceParams{Market: testMarket(), TokenID: "down1", Direction: models.DirectionDown, Price: decimal.NewFromFloat(0.4), Size: decimal.NewFromInt(10)}, nil)

	m.CancelAll(context.Background(), "SHUTDOWN")
	if len(m.GetOpenOrders()) != 0 {
		t.Fatalf("expected no open orders after CancelAll, got %d", len(m.GetOpenOrders()))
	}
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	if !isTerminal("", decimal.NewFromInt(10), decimal.NewFromInt(10)) {
		t.Error("fully matched order should be terminal regardless of status")
	}
	if isTerminal("LIVE", decimal.NewFromInt(5), decimal.NewFromInt(10)) {
		t.Error("partially matched live order should not be terminal")
	}
	if !isTerminal("CANCELED", decimal.NewFromInt(5), decimal.NewFromInt(10)) {
		t.Error("canceled status should be terminal even if partially matched")
	}
}
