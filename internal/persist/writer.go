package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm/clause"

	"polymarket-mm/internal/events"
)

// flushThresholdRows forces an out-of-cycle flush once this many rows have
// accumulated across all buffers, so a burst (e.g. a market entering and
// exiting rapidly) doesn't sit unwritten for a full flush interval.
const flushThresholdRows = 500

// defaultFlushInterval is used when config.StoreConfig.BatchInterval is
// unset, matching original_source's writer.py FLUSH_INTERVAL_SEC.
const defaultFlushInterval = 2 * time.Second

// Writer buffers events.Bus events by destination table and flushes them to
// SQLite on a ticker, on a row-count threshold, or once more on shutdown.
// It is the "batch writer off the main worker" half of the event-bus
// component; the Bus's own goroutine calls Consume synchronously, so
// Consume must never block on I/O — it only appends to an in-memory slice.
//
// Grounded on original_source's persistence/writer.py: BatchWriter.enqueue
// appends under a lock, a background loop flushes every ~2s, and
// _event_to_rows is the per-event-type table mapping reproduced below in
// toRow.
type Writer struct {
	recorder  *Recorder
	logger    *slog.Logger
	interval  time.Duration
	sessionID string

	mu              sync.Mutex
	trades          []TradeRecord
	windowEnters    []MarketWindowRecord
	windowExits     []marketExit
	btcPrices       []BTCPriceRecord
	probSnapshots   []ProbabilitySnapshotRecord
	positionChanges []PositionChangeRecord
	pnl             []PnLSnapshotRecord
	pending         int

	flushNow chan struct{}

	lastProbTS map[string]int64 // slug -> unix second of last written probability snapshot
}

// marketExit pairs a slug with the fields MarketExited updates on its
// already-open market_windows row.
type marketExit struct {
	slug     string
	outcome  string
	totalPnL string
}

// NewWriter builds a Writer over recorder, flushing every interval (or
// defaultFlushInterval if interval <= 0). sessionID is stamped onto every
// row this writer produces.
func NewWriter(recorder *Recorder, sessionID string, interval time.Duration, logger *slog.Logger) *Writer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	return &Writer{
		recorder:   recorder,
		logger:     logger.With("component", "persist_writer"),
		interval:   interval,
		sessionID:  sessionID,
		flushNow:   make(chan struct{}, 1),
		lastProbTS: make(map[string]int64),
	}
}

// Consume implements events.Sink. Called from the Bus's single consumer
// goroutine — it must stay cheap and non-blocking.
func (w *Writer) Consume(evt events.Event) {
	w.mu.Lock()
	n := w.bufferLocked(evt)
	w.pending += n
	over := w.pending >= flushThresholdRows
	w.mu.Unlock()

	if over {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}
}

// bufferLocked appends evt's rows to the right buffer and returns how many
// rows were added. Must be called with w.mu held.
func (w *Writer) bufferLocked(evt events.Event) int {
	switch evt.Type {
	case events.OrderPlaced, events.OrderFilled, events.OrderCancelled, events.HedgeComplete, events.MergeComplete:
		data, ok := evt.Data.(events.TradeData)
		if !ok {
			return 0
		}
		w.trades = append(w.trades, TradeRecord{
			Timestamp:      evt.Timestamp,
			SessionID:      w.sessionID,
			Slug:           evt.MarketID,
			EventType:      string(evt.Type),
			Direction:      data.Direction,
			Side:           data.Side,
			Price:          data.Price.String(),
			Shares:         data.Shares.String(),
			Reason:         data.Reason,
			OrderID:        data.OrderID,
			TxHash:         data.TxHash,
			IdempotencyKey: tradeIdempotencyKey(evt.Type, evt.MarketID, data),
		})
		return 1

	case events.BTCPrice:
		data, ok := evt.Data.(events.BTCPriceData)
		if !ok {
			return 0
		}
		w.btcPrices = append(w.btcPrices, BTCPriceRecord{
			Timestamp: evt.Timestamp,
			SessionID: w.sessionID,
			Price:     data.Price.String(),
			OpenPrice: data.Open.String(),
			High:      data.High.String(),
			Low:       data.Low.String(),
			Deviation: data.Deviation.String(),
			RangePct:  data.RangePct.String(),
		})
		return 1

	case events.TickSnapshot:
		data, ok := evt.Data.(events.TickSnapshotData)
		if !ok {
			return 0
		}
		return w.bufferProbSnapshotsLocked(evt.Timestamp, data.Markets)

	case events.MarketEntered:
		data, ok := evt.Data.(events.MarketWindowEnteredData)
		if !ok {
			return 0
		}
		w.windowEnters = append(w.windowEnters, MarketWindowRecord{
			Slug:        evt.MarketID,
			SessionID:   w.sessionID,
			MarketType:  data.MarketType,
			EndTime:     data.EndTime,
			UpTokenID:   data.UpTokenID,
			DownTokenID: data.DownTokenID,
			EnteredAt:   evt.Timestamp,
		})
		return 1

	case events.MarketExited:
		data, ok := evt.Data.(events.MarketWindowExitedData)
		if !ok {
			return 0
		}
		w.windowExits = append(w.windowExits, marketExit{
			slug:     evt.MarketID,
			outcome:  data.Outcome,
			totalPnL: data.TotalPnL.String(),
		})
		return 1

	case events.PnLSnapshot:
		data, ok := evt.Data.(events.PnLSnapshotData)
		if !ok {
			return 0
		}
		w.pnlSnapshot(evt.Timestamp, data)
		return 1

	case events.VolumeState:
		// No dedicated table in this spec's persisted schema; volume state
		// is dashboard-only (broadcast, not recorded).
		return 0
	}
	return 0
}

// pnlSnapshot buffers one PnLSnapshotRecord; like every other row type
// here it is written by the next flush, not synchronously.
func (w *Writer) pnlSnapshot(ts time.Time, data events.PnLSnapshotData) {
	w.pnl = append(w.pnl, PnLSnapshotRecord{
		Timestamp:        ts,
		SessionID:        w.sessionID,
		ActiveMarkets:    data.ActiveMarkets,
		CompletedMarkets: data.CompletedMarkets,
		RealizedPnLUSD:   data.Realized.String(),
		UnrealizedPnLUSD: data.Unrealized.String(),
		TotalExposureUSD: data.ExposureUSD.String(),
		ExposurePct:      data.ExposurePct.String(),
	})
}

// bufferProbSnapshotsLocked appends one probability_snapshots row per
// market in a TickSnapshot, deduplicated to at most one row per second per
// market (mirrors original_source's _last_prob_ts dict).
func (w *Writer) bufferProbSnapshotsLocked(ts time.Time, markets []events.MarketProbSnapshot) int {
	sec := ts.Unix()
	added := 0
	for _, m := range markets {
		if last, ok := w.lastProbTS[m.Slug]; ok && last == sec {
			continue
		}
		w.lastProbTS[m.Slug] = sec
		w.probSnapshots = append(w.probSnapshots, ProbabilitySnapshotRecord{
			Timestamp:   ts,
			SessionID:   w.sessionID,
			Slug:        m.Slug,
			UpBid:       m.UpBid.String(),
			UpAsk:       m.UpAsk.String(),
			DownBid:     m.DownBid.String(),
			DownAsk:     m.DownAsk.String(),
			Edge:        m.Edge.String(),
			UpBidSize:   m.UpBidSize.String(),
			UpAskSize:   m.UpAskSize.String(),
			DownBidSize: m.DownBidSize.String(),
			DownAskSize: m.DownAskSize.String(),
		})
		added++
	}
	return added
}

// tradeIdempotencyKey builds the natural dedup key for event types that can
// be replayed: OrderFilled keys on order_id+cumulative matched size (a
// partial refill of the same order produces a new cumulative total and thus
// a new key), MergeComplete keys on the on-chain tx hash. Every other event
// type has no natural replay key and is always inserted.
func tradeIdempotencyKey(t events.Type, slug string, data events.TradeData) string {
	switch t {
	case events.OrderFilled:
		if data.OrderID == "" {
			return ""
		}
		return "fill:" + data.OrderID + ":" + data.CumulativeShares.String()
	case events.MergeComplete:
		if data.TxHash == "" {
			return ""
		}
		return "merge:" + data.TxHash
	}
	return ""
}

// Run flushes on w.interval, on an out-of-band threshold signal, and once
// more before returning when ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush()
			return
		case <-ticker.C:
			w.flush()
		case <-w.flushNow:
			w.flush()
		}
	}
}

// flush writes every buffered row to SQLite in one transaction per table and
// resets the buffers. Errors are logged, not returned — a persistence
// failure must never stall the tick loop, and the data is already gone from
// the buffer by the time an error surfaces (matching RecordFill's prior
// fire-and-forget contract).
func (w *Writer) flush() {
	w.mu.Lock()
	trades := w.trades
	enters := w.windowEnters
	exits := w.windowExits
	btc := w.btcPrices
	probs := w.probSnapshots
	posChanges := w.positionChanges
	pnl := w.pnl
	w.trades, w.windowEnters, w.windowExits = nil, nil, nil
	w.btcPrices, w.probSnapshots, w.positionChanges, w.pnl = nil, nil, nil, nil
	w.pending = 0
	w.mu.Unlock()

	if len(trades) == 0 && len(enters) == 0 && len(exits) == 0 && len(btc) == 0 &&
		len(probs) == 0 && len(posChanges) == 0 && len(pnl) == 0 {
		return
	}

	db := w.recorder.db
	if len(trades) > 0 {
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&trades).Error; err != nil {
			w.logger.Warn("flush trades failed", "rows", len(trades), "error", err)
		}
	}
	if len(enters) > 0 {
		if err := db.Create(&enters).Error; err != nil {
			w.logger.Warn("flush market window enters failed", "rows", len(enters), "error", err)
		}
	}
	for _, ex := range exits {
		if err := db.Model(&MarketWindowRecord{}).
			Where("slug = ? AND exited_at IS NULL", ex.slug).
			Updates(map[string]any{
				"exited_at":     time.Now(),
				"outcome":       ex.outcome,
				"total_pnl_usd": ex.totalPnL,
			}).Error; err != nil {
			w.logger.Warn("flush market window exit failed", "slug", ex.slug, "error", err)
		}
	}
	if len(btc) > 0 {
		if err := db.Create(&btc).Error; err != nil {
			w.logger.Warn("flush btc prices failed", "rows", len(btc), "error", err)
		}
	}
	if len(probs) > 0 {
		if err := db.Create(&probs).Error; err != nil {
			w.logger.Warn("flush probability snapshots failed", "rows", len(probs), "error", err)
		}
	}
	if len(posChanges) > 0 {
		if err := db.Create(&posChanges).Error; err != nil {
			w.logger.Warn("flush position changes failed", "rows", len(posChanges), "error", err)
		}
	}
	if len(pnl) > 0 {
		if err := db.Create(&pnl).Error; err != nil {
			w.logger.Warn("flush pnl snapshots failed", "rows", len(pnl), "error", err)
		}
	}
}

// RecordPositionChange enqueues one field-level inventory diff. Unlike the
// bus-routed event types, position changes are appended directly by the
// engine (there is no events.Type for them in this spec's dashboard event
// list) but still flow through the same buffered writer so they share its
// batching and shutdown-flush behavior.
func (w *Writer) RecordPositionChange(rec PositionChangeRecord) {
	w.mu.Lock()
	w.positionChanges = append(w.positionChanges, rec)
	w.pending++
	over := w.pending >= flushThresholdRows
	w.mu.Unlock()
	if over {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}
}
