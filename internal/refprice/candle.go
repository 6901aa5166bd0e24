// Package refprice tracks the BTC reference price used to gate mean-reversion
// and stop-hunt entries: a candle anchored to the Polymarket market window's
// open price (read from the Chainlink oracle Polymarket itself settles
// against) and updated tick-by-tick from Binance's faster kline stream, plus
// a rolling Binance aggTrade buy/sell imbalance used for direction
// prediction.
//
// Ported from original_source's binance_ws.py and volume_imbalance.py, both
// of which keep this state in module-level singletons written by a
// background asyncio task and read by the engine each tick. This port
// replaces the singleton with an explicit *Feed passed into the engine and
// the signal evaluators at construction time (see DESIGN.md open question 3).
package refprice

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

var zero = decimal.Zero

// CandleState is a snapshot of the current BTC candle relative to the
// Polymarket window it's gating. Open price comes from Chainlink (the same
// oracle Polymarket settles against); current/high/low track Binance's
// faster kline stream.
type CandleState struct {
	OpenPrice        decimal.Decimal
	CurrentPrice     decimal.Decimal
	High             decimal.Decimal
	Low              decimal.Decimal
	LastUpdate       time.Time
	MarketWindowStart time.Time
}

// Deviation is the signed deviation of CurrentPrice from OpenPrice: positive
// means BTC moved up since the window opened, negative means down.
func (c CandleState) Deviation() decimal.Decimal {
	if c.OpenPrice.IsZero() {
		return zero
	}
	return c.CurrentPrice.Sub(c.OpenPrice).Div(c.OpenPrice)
}

// RangePct is the intra-window high-low range as a fraction of OpenPrice.
func (c CandleState) RangePct() decimal.Decimal {
	if c.OpenPrice.IsZero() {
		return zero
	}
	return c.High.Sub(c.Low).Div(c.OpenPrice)
}

// IsStale reports whether no Binance tick has updated this candle in the
// last 10 seconds — the signal evaluators treat a stale candle as unusable.
func (c CandleState) IsStale() bool {
	if c.LastUpdate.IsZero() {
		return true
	}
	return time.Since(c.LastUpdate) > 10*time.Second
}

// VolumeState is a snapshot of rolling Binance aggTrade buy/sell imbalance,
// read by the signal evaluators each tick to predict direction from taker
// flow.
type VolumeState struct {
	ShortImbalance  decimal.Decimal // 30s window, range [-1, +1]
	MediumImbalance decimal.Decimal // 120s window, range [-1, +1]
	ShortVolumeBTC  decimal.Decimal // total taker volume in the short window
	MediumVolumeBTC decimal.Decimal // total taker volume in the medium window
	LastUpdate      time.Time
	IsStale         bool // true if no aggTrade in the last 5 seconds
}

// bucket is a one-second aggregation of Binance aggTrade taker volume.
type bucket struct {
	at       time.Time
	buyVol   float64
	sellVol  float64
}

// candleAndVolume holds the mutable state a Feed owns, protected by a single
// mutex — candle and volume updates arrive on separate WebSocket connections
// but are read together by callers, so one lock keeps snapshots consistent.
type candleAndVolume struct {
	mu sync.Mutex

	candle CandleState

	current bucket
	history []bucket // ring-like bounded slice, oldest first, capped at maxBuckets

	shortWindow  time.Duration
	mediumWindow time.Duration
}

const maxBuckets = 120 // 120 one-second buckets covers the 120s medium window

// Feed owns the live candle/volume state for one tracked asset (BTC/USDT).
// One Feed is shared across all markets for that asset; callers read
// immutable snapshots via Candle()/Volume().
type Feed struct {
	state *candleAndVolume
	ticks atomic.Int64
}

// NewFeed creates a Feed with the given short/medium imbalance window
// durations (original_source defaults: 30s / 120s).
func NewFeed(shortWindow, mediumWindow time.Duration) *Feed {
	return &Feed{
		state: &candleAndVolume{
			shortWindow:  shortWindow,
			mediumWindow: mediumWindow,
		},
	}
}

// Candle returns the current candle snapshot.
func (f *Feed) Candle() CandleState {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	return f.state.candle
}

// Volume returns the current volume-imbalance snapshot.
func (f *Feed) Volume() *VolumeState {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()
	return f.state.volumeLocked()
}

// SetMarketWindow is called when a new Polymarket window starts, to capture
// the BTC open price for that window. openPrice should come from the
// Chainlink oracle (OracleReader.LatestPrice); callers fall back to the
// current Binance price when the oracle read fails. A no-op if this window
// has already been set, matching original_source's idempotent re-entry
// guard for bots that reconnect mid-window.
func (f *Feed) SetMarketWindow(windowStart time.Time, openPrice decimal.Decimal) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	if f.state.candle.MarketWindowStart.Equal(windowStart) {
		return
	}

	current := f.state.candle.CurrentPrice
	if current.IsZero() {
		current = openPrice
	}

	f.state.candle = CandleState{
		OpenPrice:         openPrice,
		CurrentPrice:      current,
		High:              openPrice,
		Low:               openPrice,
		LastUpdate:        time.Now(),
		MarketWindowStart: windowStart,
	}
}

// UpdatePrice folds a new Binance kline close price into the candle: updates
// current/high/low and the last-update timestamp. Safe to call before
// SetMarketWindow has run — the candle simply tracks price with no open
// reference until a window is set.
func (f *Feed) UpdatePrice(price decimal.Decimal, at time.Time) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	c := f.state.candle
	if c.High.IsZero() || price.GreaterThan(c.High) {
		c.High = price
	}
	if c.Low.IsZero() || price.LessThan(c.Low) {
		c.Low = price
	}
	c.CurrentPrice = price
	c.LastUpdate = at
	f.state.candle = c
	f.ticks.Add(1)
}

// TickCount returns the number of Binance kline updates folded into the
// candle so far. The stop-hunt evaluator gates on this against
// StrategyConfig.MinBTCTicks before trusting the candle's accumulated
// deviation/range on a freshly-started process.
func (f *Feed) TickCount() int {
	return int(f.ticks.Load())
}

// RecordTrade folds a single Binance aggTrade into the current one-second
// bucket, rolling to a new bucket and recomputing the imbalance snapshot
// whenever a second has elapsed. isBuyerMaker mirrors Binance's aggTrade `m`
// field: true means the buyer was the maker, i.e. the taker sold (sell
// aggression).
func (f *Feed) RecordTrade(qty decimal.Decimal, isBuyerMaker bool, at time.Time) {
	f.state.mu.Lock()
	defer f.state.mu.Unlock()

	if f.state.current.at.IsZero() {
		f.state.current = bucket{at: at}
	}
	if at.Sub(f.state.current.at) >= time.Second {
		f.flushBucketLocked(at)
	}

	q, _ := qty.Float64()
	if isBuyerMaker {
		f.state.current.sellVol += q
	} else {
		f.state.current.buyVol += q
	}
}

func (f *candleAndVolume) flushBucketLocked(now time.Time) {
	if !f.current.at.IsZero() {
		f.history = append(f.history, f.current)
		if len(f.history) > maxBuckets {
			f.history = f.history[len(f.history)-maxBuckets:]
		}
	}
	f.current = bucket{at: now}
}

// volumeLocked recomputes the imbalance snapshot from the bucket history.
// Caller must hold f.mu.
func (f *candleAndVolume) volumeLocked() *VolumeState {
	now := time.Now()
	var shortBuy, shortSell, medBuy, medSell float64

	for _, b := range f.history {
		age := now.Sub(b.at)
		if age <= f.mediumWindow {
			medBuy += b.buyVol
			medSell += b.sellVol
			if age <= f.shortWindow {
				shortBuy += b.buyVol
				shortSell += b.sellVol
			}
		}
	}

	shortTotal := shortBuy + shortSell
	medTotal := medBuy + medSell

	shortImb := zero
	if shortTotal > 0 {
		shortImb = decimal.NewFromFloat((shortBuy - shortSell) / shortTotal)
	}
	medImb := zero
	if medTotal > 0 {
		medImb = decimal.NewFromFloat((medBuy - medSell) / medTotal)
	}

	lastUpdate := f.current.at
	if lastUpdate.IsZero() && len(f.history) > 0 {
		lastUpdate = f.history[len(f.history)-1].at
	}

	return &VolumeState{
		ShortImbalance:  shortImb,
		MediumImbalance: medImb,
		ShortVolumeBTC:  decimal.NewFromFloat(shortTotal),
		MediumVolumeBTC: decimal.NewFromFloat(medTotal),
		LastUpdate:      lastUpdate,
		IsStale:         lastUpdate.IsZero() || now.Sub(lastUpdate) > 5*time.Second,
	}
}
