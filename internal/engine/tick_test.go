package engine

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/config"
	"polymarket-mm/internal/events"
	"polymarket-mm/internal/inventory"
	"polymarket-mm/internal/models"
	"polymarket-mm/internal/orders"
	"polymarket-mm/internal/refprice"
	"polymarket-mm/internal/risk"
	"polymarket-mm/internal/signal"
	"polymarket-mm/internal/sizing"
)

func TestMakerPriceInsideBothSides(t *testing.T) {
	t.Parallel()
	tob := models.TopOfBook{
		BestBid: decimal.NewFromFloat(0.38), HasBid: true,
		BestAsk: decimal.NewFromFloat(0.41), HasAsk: true,
	}
	price := makerPrice(tob)
	// min(bid+0.01, ask-0.01) = min(0.39, 0.40) = 0.39
	if !price.Equal(decimal.NewFromFloat(0.39)) {
		t.Fatalf("expected 0.39, got %s", price.String())
	}
}

func TestMakerPriceNoBidFallsBackToAskMinusTick(t *testing.T) {
	t.Parallel()
	tob := models.TopOfBook{BestAsk: decimal.NewFromFloat(0.50), HasAsk: true}
	price := makerPrice(tob)
	if !price.Equal(decimal.NewFromFloat(0.49)) {
		t.Fatalf("expected 0.49, got %s", price.String())
	}
}

func TestWorstSpreadNoBidIsVeryWideFallback(t *testing.T) {
	t.Parallel()
	tob := models.TopOfBook{BestAsk: decimal.NewFromFloat(0.50), HasAsk: true}
	if s := worstSpread(tob); !s.Equal(veryWideFallback) {
		t.Fatalf("expected fallback %s, got %s", veryWideFallback.String(), s.String())
	}
}

func TestWorstSpreadComputesBidAskGap(t *testing.T) {
	t.Parallel()
	tob := models.TopOfBook{
		BestBid: decimal.NewFromFloat(0.40), HasBid: true,
		BestAsk: decimal.NewFromFloat(0.45), HasAsk: true,
	}
	if s := worstSpread(tob); !s.Equal(decimal.NewFromFloat(0.05)) {
		t.Fatalf("expected 0.05, got %s", s.String())
	}
}

func TestMaxLifetimeSec(t *testing.T) {
	t.Parallel()
	if got := maxLifetimeSec(models.Market{MarketType: "updown-15m"}); got != 900 {
		t.Errorf("expected 900 for updown-15m, got %d", got)
	}
	if got := maxLifetimeSec(models.Market{MarketType: "up-or-down"}); got != 3600 {
		t.Errorf("expected 3600 for other market types, got %d", got)
	}
}

func TestRedeemBackoffGrowsLinearly(t *testing.T) {
	t.Parallel()
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{3, 90 * time.Second},
	}
	for _, c := range cases {
		if got := redeemBackoff(c.attempts); got != c.want {
			t.Errorf("redeemBackoff(%d) = %s, want %s", c.attempts, got, c.want)
		}
	}
}

// --- spec.md §8 seed end-to-end scenarios ---

func testEngineLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testSink records every event handed to it, for assertions against what the
// engine published to its bus.
type testSink struct {
	events []events.Event
}

func (s *testSink) Consume(evt events.Event) {
	s.events = append(s.events, evt)
}

// newTestEngine builds an Engine directly (bypassing New, which needs a real
// exchange client) wired with dry-run collaborators only, enough to drive
// evaluateFirstLeg/evaluateHedge/recordSettlement/handleFill in isolation.
func newTestEngine(cfg config.Config, sink events.Sink) *Engine {
	logger := testEngineLogger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:                cfg,
		logger:             logger,
		orderMgr:           orders.NewManager(nil, true, logger),
		inv:                inventory.NewTracker(true),
		riskMgr:            risk.NewManager(cfg.Risk, logger),
		feed:               refprice.NewFeed(time.Minute, time.Minute),
		oscillation:        signal.NewOscillationTracker(),
		bus:                events.NewBus(64, logger, nil, sink),
		sessionID:          "test-session",
		marketsBySlug:      make(map[string]models.Market),
		marketWindowOpened: make(map[string]bool),
		completedMarkets:   make(map[string]bool),
		entryPriceCaps:     make(map[string]decimal.Decimal),
		chainUp:            make(map[string]decimal.Decimal),
		chainDown:          make(map[string]decimal.Decimal),
		pendingRedemptions: make(map[string]*models.PendingRedemption),
		fillCumulative:     make(map[string]decimal.Decimal),
		ctx:                ctx,
		cancel:             cancel,
	}
}

func freshLegConfig() config.Config {
	return config.Config{
		Strategy: config.StrategyConfig{
			BankrollUSD:          decimal.NewFromInt(500),
			MinEdge:              decimal.NewFromFloat(0.01),
			MinEntryPrice:        decimal.NewFromFloat(0.10),
			MaxEntryPrice:        decimal.NewFromFloat(0.45),
			MinReplaceTicks:      1,
			MinMergeShares:       decimal.NewFromInt(5),
			AbandonEdgeThreshold: decimal.NewFromFloat(-0.10),
		},
		Risk: config.RiskConfig{
			MaxPositionPerMarket: 1000,
			MaxGlobalExposure:    1000,
		},
	}
}

// Seed scenario 1: fresh window, cheap UP — a GTC maker order is placed on
// UP at min(bid+tick, ask-tick), and once filled the unhedged position locks
// exactly its own share count in exposure (cost plus hedge reserve = $1 per
// share).
func TestSeedScenarioFreshWindowCheapUp(t *testing.T) {
	cfg := freshLegConfig()
	e := newTestEngine(cfg, nil)

	m := models.Market{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1", EndTime: time.Now().Add(10 * time.Minute)}
	upTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.39), BestAsk: decimal.NewFromFloat(0.42), HasBid: true, HasAsk: true}
	downTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.57), BestAsk: decimal.NewFromFloat(0.60), HasBid: true, HasAsk: true}

	wantShares, ok := sizing.CalculateBalancedShares(upTOB.BestAsk, downTOB.BestAsk, cfg.Strategy, 600, decimal.Zero)
	if !ok {
		t.Fatal("expected sizing to produce a valid order")
	}

	e.evaluateFirstLeg(context.Background(), m, upTOB, downTOB, 600, time.Now())

	order, ok := e.orderMgr.GetOrder(m.UpTokenID)
	if !ok {
		t.Fatal("expected an order resting on the UP token")
	}
	if !order.Price.Equal(decimal.NewFromFloat(0.40)) {
		t.Fatalf("expected maker price 0.40, got %s", order.Price.String())
	}
	if order.Direction != models.DirectionUp {
		t.Fatalf("expected UP direction, got %s", order.Direction)
	}

	inv := e.inv.Get(m.Slug)
	if !inv.UpShares.Equal(wantShares) {
		t.Fatalf("expected %s filled shares, got %s", wantShares.String(), inv.UpShares.String())
	}

	breakdown := sizing.CalculateExposureBreakdown(map[string]*models.OrderState{}, map[string]*models.MarketInventory{m.Slug: &inv})
	if !breakdown.TotalExposure.Equal(wantShares) {
		t.Fatalf("expected unhedged exposure to equal share count %s, got %s", wantShares.String(), breakdown.TotalExposure.String())
	}
}

// Seed scenario 2: hedge leg — once the first leg is filled, a sufficient
// edge places the opposite leg at its own maker price, and a fully balanced
// fill satisfies the hedge-complete condition (hedged >= min_merge_shares,
// imbalance <= min_merge_shares) that evaluateMarket's default branch checks.
func TestSeedScenarioHedgeLeg(t *testing.T) {
	cfg := freshLegConfig()
	cfg.Strategy.MaxEntryPrice = decimal.NewFromFloat(0.90)
	e := newTestEngine(cfg, nil)

	m := models.Market{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1", EndTime: time.Now().Add(10 * time.Minute)}
	e.inv.RecordFill(m.Slug, true, decimal.NewFromInt(178), decimal.NewFromFloat(0.40), time.Now())

	upTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.42), BestAsk: decimal.NewFromFloat(0.45), HasBid: true, HasAsk: true}
	downTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.54), BestAsk: decimal.NewFromFloat(0.56), HasBid: true, HasAsk: true}

	inv := e.inv.Get(m.Slug)
	e.evaluateHedge(context.Background(), m, &inv, upTOB, downTOB, true, 550, time.Now())

	order, ok := e.orderMgr.GetOrder(m.DownTokenID)
	if !ok {
		t.Fatal("expected a hedge order resting on the DOWN token")
	}
	if !order.Price.Equal(decimal.NewFromFloat(0.55)) {
		t.Fatalf("expected hedge maker price 0.55, got %s", order.Price.String())
	}

	final := e.inv.Get(m.Slug)
	if !final.HedgedShares().GreaterThanOrEqual(cfg.Strategy.MinMergeShares) {
		t.Fatalf("expected hedged shares >= %s, got %s", cfg.Strategy.MinMergeShares.String(), final.HedgedShares().String())
	}
	if !final.Imbalance().Abs().LessThanOrEqual(cfg.Strategy.MinMergeShares) {
		t.Fatalf("expected zero imbalance after a fully balanced hedge, got %s", final.Imbalance().String())
	}
}

// Seed scenario 3: merge — a completed market's equal up/down position
// settles on-chain; realized PnL books shares*(1-(up_vwap+down_vwap)), and
// the reduced position is exactly zero (no floating-point residual), and a
// successful MERGE additionally publishes a MergeComplete bus event.
func TestSeedScenarioMerge(t *testing.T) {
	sink := &testSink{}
	e := newTestEngine(freshLegConfig(), sink)
	go e.bus.Run(e.ctx)
	defer e.cancel()

	slug := "m1"
	e.inv.RecordFill(slug, true, decimal.NewFromInt(178), decimal.NewFromFloat(0.40), time.Now())
	e.inv.RecordFill(slug, false, decimal.NewFromInt(178), decimal.NewFromFloat(0.55), time.Now())

	e.recordSettlement("MERGE", slug, decimal.NewFromInt(178), "0xabc", nil)
	e.inv.ReduceMerged(slug, decimal.NewFromInt(178), time.Now())

	if !e.inv.SessionRealizedPnL.Equal(decimal.NewFromFloat(8.90)) {
		t.Fatalf("expected realized pnl 8.90, got %s", e.inv.SessionRealizedPnL.String())
	}
	final := e.inv.Get(slug)
	if final.UpShares.String() != "0" || final.DownShares.String() != "0" {
		t.Fatalf("expected exact zero shares, got up=%s down=%s", final.UpShares.String(), final.DownShares.String())
	}
	if final.UpCost.String() != "0" || final.DownCost.String() != "0" {
		t.Fatalf("expected exact zero cost, got up=%s down=%s", final.UpCost.String(), final.DownCost.String())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(sink.events) == 0 {
		time.Sleep(time.Millisecond)
	}
	if len(sink.events) != 1 || sink.events[0].Type != events.MergeComplete {
		t.Fatalf("expected exactly one MergeComplete event, got %+v", sink.events)
	}
}

// Seed scenario 4: abandon — a first leg filled far from fair value with the
// opposite side now too expensive to hedge profitably is abandoned (never
// hedged) once edge drops at or below abandon_edge_threshold.
func TestSeedScenarioAbandon(t *testing.T) {
	cfg := freshLegConfig()
	cfg.Strategy.MaxEntryPrice = decimal.NewFromFloat(0.90)
	e := newTestEngine(cfg, nil)

	m := models.Market{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1", EndTime: time.Now().Add(10 * time.Minute)}
	e.inv.RecordFill(m.Slug, true, decimal.NewFromInt(20), decimal.NewFromFloat(0.60), time.Now())

	downTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.52), BestAsk: decimal.NewFromFloat(0.54), HasBid: true, HasAsk: true}
	inv := e.inv.Get(m.Slug)
	e.evaluateHedge(context.Background(), m, &inv, models.TopOfBook{}, downTOB, true, 550, time.Now())

	if !e.completedMarkets[m.Slug] {
		t.Fatal("expected the market to be marked completed (abandoned)")
	}
	if e.orderMgr.HasOrder(m.DownTokenID) {
		t.Fatal("expected no hedge order to have been placed")
	}
}

// Seed scenario 5: chase cancel — a resting first-leg order is cancelled
// when the book moves the maker price above it, an entry-price cap records
// the abandoned price, and subsequent ticks at the same or worse maker price
// place nothing until the cap clears.
func TestSeedScenarioChaseCancel(t *testing.T) {
	cfg := freshLegConfig()
	cfg.Strategy.MaxEntryPrice = decimal.NewFromFloat(0.90)
	e := newTestEngine(cfg, nil)

	m := models.Market{Slug: "m1", UpTokenID: "up1", DownTokenID: "down1", EndTime: time.Now().Add(10 * time.Minute)}
	ctx := context.Background()

	e.orderMgr.Place(ctx, orders.PlaceParams{
		Market: &m, TokenID: m.UpTokenID, Direction: models.DirectionUp,
		Price: decimal.NewFromFloat(0.40), Size: decimal.NewFromInt(100), SecondsToEnd: 600,
	}, nil)

	upTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.44), BestAsk: decimal.NewFromFloat(0.46), HasBid: true, HasAsk: true}
	downTOB := models.TopOfBook{BestBid: decimal.NewFromFloat(0.38), BestAsk: decimal.NewFromFloat(0.62), HasBid: true, HasAsk: true}

	e.evaluateFirstLeg(ctx, m, upTOB, downTOB, 600, time.Now())

	if e.orderMgr.HasOrder(m.UpTokenID) {
		t.Fatal("expected the original order to be chase-cancelled")
	}
	cap, ok := e.entryPriceCaps[m.Slug]
	if !ok || !cap.Equal(decimal.NewFromFloat(0.40)) {
		t.Fatalf("expected entry price cap 0.40, got %v (ok=%v)", cap, ok)
	}

	// Subsequent tick at the same maker price: no placement, cap untouched.
	e.evaluateFirstLeg(ctx, m, upTOB, downTOB, 600, time.Now())
	if e.orderMgr.HasOrder(m.UpTokenID) {
		t.Fatal("expected no placement while the book remains above the cap")
	}
	if cap2 := e.entryPriceCaps[m.Slug]; !cap2.Equal(decimal.NewFromFloat(0.40)) {
		t.Fatalf("expected cap to remain 0.40, got %s", cap2.String())
	}
}
