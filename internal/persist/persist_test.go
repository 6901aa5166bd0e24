package persist

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-mm/internal/events"
)

func openTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	// Each test gets its own named in-memory database (rather than sharing
	// one "file::memory:?cache=shared" DSN across the whole package) so
	// t.Parallel() tests don't see each other's rows.
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	r, err := Open(dsn)
	if err != nil {
		t.Fatalf("open recorder: %v", err)
	}
	t.Cleanup(func() {
		if err := r.Close(); err != nil {
			t.Errorf("close recorder: %v", err)
		}
	})
	return r
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartSessionPersists(t *testing.T) {
	t.Parallel()
	r := openTestRecorder(t)

	if err := r.StartSession("sess-1", time.Now(), true); err != nil {
		t.Fatalf("start session: %v", err)
	}

	var count int64
	if err := r.db.Model(&SessionRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count sessions: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 session row, got %d", count)
	}

	if err := r.EndSession("sess-1", time.Now()); err != nil {
		t.Fatalf("end session: %v", err)
	}
	var rec SessionRecord
	if err := r.db.First(&rec, "id = ?", "sess-1").Error; err != nil {
		t.Fatalf("fetch session: %v", err)
	}
	if rec.EndedAt == nil {
		t.Fatalf("expected ended_at to be set")
	}
}

func TestRecordSettlementAndPurge(t *testing.T) {
	t.Parallel()
	r := openTestRecorder(t)

	if err := r.RecordSettlement(SettlementRecord{
		Timestamp: time.Now(), Slug: "m1", Kind: "MERGE", Shares: "50", TxHash: "0xabc", Success: true,
	}); err != nil {
		t.Fatalf("record settlement: %v", err)
	}

	old := time.Now().Add(-48 * time.Hour)
	if err := r.RecordSettlement(SettlementRecord{
		Timestamp: old, Slug: "m1", Kind: "REDEEM", Shares: "10", Success: true,
	}); err != nil {
		t.Fatalf("record old settlement: %v", err)
	}

	if err := r.PurgeOlderThan(time.Now().Add(-24 * time.Hour)); err != nil {
		t.Fatalf("purge: %v", err)
	}

	var count int64
	if err := r.db.Model(&SettlementRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count settlements: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 surviving settlement, got %d", count)
	}
}

func TestWriterFlushesOrderFilled(t *testing.T) {
	t.Parallel()
	r := openTestRecorder(t)
	w := NewWriter(r, "sess-1", time.Millisecond, testLogger())

	w.Consume(events.Event{
		Type:      events.OrderFilled,
		Timestamp: time.Now(),
		MarketID:  "btc-updown-2026-07-31-1200",
		Data: events.TradeData{
			Direction: "UP", Side: "BUY",
			Price: decimal.NewFromFloat(0.39), Shares: decimal.NewFromInt(100),
			Reason: "cheap ask", OrderID: "order-1", CumulativeShares: decimal.NewFromInt(100),
		},
	})
	w.flush()

	var count int64
	if err := r.db.Model(&TradeRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count trades: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 trade row, got %d", count)
	}
}

func TestWriterDedupsReplayedFillByIdempotencyKey(t *testing.T) {
	t.Parallel()
	r := openTestRecorder(t)
	w := NewWriter(r, "sess-1", time.Millisecond, testLogger())

	fillEvt := events.Event{
		Type:      events.OrderFilled,
		Timestamp: time.Now(),
		MarketID:  "m1",
		Data: events.TradeData{
			Direction: "UP", Side: "BUY",
			Price: decimal.NewFromFloat(0.4), Shares: decimal.NewFromInt(50),
			OrderID: "order-1", CumulativeShares: decimal.NewFromInt(50),
		},
	}
	w.Consume(fillEvt)
	w.flush()
	// Same order, same cumulative size: a replay of the identical fill.
	w.Consume(fillEvt)
	w.flush()

	var count int64
	if err := r.db.Model(&TradeRecord{}).Where("event_type = ?", "order_filled").Count(&count).Error; err != nil {
		t.Fatalf("count trades: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected replayed fill to be deduplicated, got %d rows", count)
	}
}

func TestWriterDedupsProbabilitySnapshotsPerSecond(t *testing.T) {
	t.Parallel()
	r := openTestRecorder(t)
	w := NewWriter(r, "sess-1", time.Millisecond, testLogger())

	snap := events.MarketProbSnapshot{Slug: "m1", UpBid: decimal.NewFromFloat(0.4), UpAsk: decimal.NewFromFloat(0.41)}
	ts := time.Now()

	w.Consume(events.Event{Type: events.TickSnapshot, Timestamp: ts, Data: events.TickSnapshotData{Markets: []events.MarketProbSnapshot{snap}}})
	w.Consume(events.Event{Type: events.TickSnapshot, Timestamp: ts, Data: events.TickSnapshotData{Markets: []events.MarketProbSnapshot{snap}}})
	w.flush()

	var count int64
	if err := r.db.Model(&ProbabilitySnapshotRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 deduplicated snapshot row, got %d", count)
	}
}

func TestWriterMarketWindowEnterThenExit(t *testing.T) {
	t.Parallel()
	r := openTestRecorder(t)
	w := NewWriter(r, "sess-1", time.Millisecond, testLogger())

	enteredAt := time.Now()
	w.Consume(events.Event{
		Type: events.MarketEntered, Timestamp: enteredAt, MarketID: "m1",
		Data: events.MarketWindowEnteredData{MarketType: "15min", EndTime: enteredAt.Add(15 * time.Minute)},
	})
	w.flush()

	w.Consume(events.Event{
		Type: events.MarketExited, Timestamp: time.Now(), MarketID: "m1",
		Data: events.MarketWindowExitedData{Outcome: "UP", TotalPnL: decimal.NewFromFloat(1.25)},
	})
	w.flush()

	var rec MarketWindowRecord
	if err := r.db.First(&rec, "slug = ?", "m1").Error; err != nil {
		t.Fatalf("fetch market window: %v", err)
	}
	if rec.ExitedAt == nil {
		t.Fatalf("expected exited_at to be set")
	}
	if rec.Outcome != "UP" {
		t.Fatalf("expected outcome UP, got %q", rec.Outcome)
	}
	if rec.TotalPnLUSD != "1.25" {
		t.Fatalf("expected total pnl 1.25, got %q", rec.TotalPnLUSD)
	}
}

func TestWriterRunFlushesOnShutdown(t *testing.T) {
	r := openTestRecorder(t)
	// A long interval means only the ctx.Done() shutdown flush can account
	// for the buffered row landing in the database.
	w := NewWriter(r, "sess-1", time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Consume(events.Event{
		Type: events.BTCPrice, Timestamp: time.Now(),
		Data: events.BTCPriceData{Price: decimal.NewFromFloat(65000)},
	})

	cancel()
	<-done

	var count int64
	if err := r.db.Model(&BTCPriceRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count btc prices: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected shutdown flush to persist the buffered row, got %d", count)
	}
}
