package signal

import (
	"container/ring"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// probSnapshot is one UP/DOWN ask-price sample recorded for swing analysis.
type probSnapshot struct {
	at      time.Time
	upAsk   decimal.Decimal
	downAsk decimal.Decimal
}

// SwingSignal summarizes recent price oscillation for one market: whether
// it's been bouncing between levels (favorable for complete-set entries,
// since a leg that's expensive now will likely go cheap again) versus
// trending in one direction (a leg may simply never get cheap again).
//
// Supplemental feature ported from original_source's probability-swing
// tracker (not named in the core spec, but nothing in its Non-goals excludes
// it, and it materially improves stop-hunt entry quality — see DESIGN.md).
type SwingSignal struct {
	SampleCount      int
	WindowSeconds    float64
	UpSwing          decimal.Decimal
	DownSwing        decimal.Decimal
	NetMove          decimal.Decimal
	Efficiency       decimal.Decimal
	DirectionChanges int
	IsOscillating    bool
}

const maxSwingHistory = 1800

// OscillationTracker keeps a bounded per-market ring buffer of ask-price
// samples and derives swing/efficiency/reversal statistics from it. One
// instance is shared across all tracked markets (constructor-injected into
// the engine, not a package-level singleton — see DESIGN.md open question 3).
type OscillationTracker struct {
	mu      sync.Mutex
	history map[string]*ring.Ring // slug -> fixed-capacity ring of probSnapshot
	counts  map[string]int        // slug -> number of samples actually written
}

// NewOscillationTracker creates an empty tracker.
func NewOscillationTracker() *OscillationTracker {
	return &OscillationTracker{
		history: make(map[string]*ring.Ring),
		counts:  make(map[string]int),
	}
}

// RecordPrices appends a price sample for slug, evicting the oldest sample
// once the per-market ring reaches its capacity.
func (t *OscillationTracker) RecordPrices(slug string, upAsk, downAsk decimal.Decimal, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.history[slug]
	if !ok {
		r = ring.New(maxSwingHistory)
		t.history[slug] = r
	}
	r.Value = probSnapshot{at: at, upAsk: upAsk, downAsk: downAsk}
	t.history[slug] = r.Next()
	if t.counts[slug] < maxSwingHistory {
		t.counts[slug]++
	}
}

// ClearMarket drops all history for a market that rotated out.
func (t *OscillationTracker) ClearMarket(slug string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, slug)
	delete(t.counts, slug)
}

// snapshotsLocked returns all recorded samples for slug, oldest first.
// Caller must hold t.mu.
func (t *OscillationTracker) snapshotsLocked(slug string) []probSnapshot {
	r, ok := t.history[slug]
	n := t.counts[slug]
	if !ok || n == 0 {
		return nil
	}
	out := make([]probSnapshot, 0, n)
	// r currently points just past the newest write; stepping back n slots
	// lands on the oldest sample (r itself once the buffer has wrapped, the
	// zero slot if it hasn't), and walking forward from there visits the
	// buffer in oldest-to-newest order.
	cur := r.Move(-n)
	for i := 0; i < n; i++ {
		if cur.Value != nil {
			out = append(out, cur.Value.(probSnapshot))
		}
		cur = cur.Next()
	}
	return out
}

// AnalyzeSwings reports whether a market has been oscillating over the
// lookback window: sufficient swing amplitude, low net-drift efficiency, and
// enough direction reversals. Returns ok=false if there isn't enough history
// yet, in which case the caller should bypass the filter rather than block.
func (t *OscillationTracker) AnalyzeSwings(slug string, now time.Time, minSamples int, lookback time.Duration, minSwing, maxEfficiency decimal.Decimal, minReversals int) (SwingSignal, bool) {
	t.mu.Lock()
	samples := t.snapshotsLocked(slug)
	t.mu.Unlock()

	if len(samples) < minSamples {
		return SwingSignal{}, false
	}

	first, last := samples[0], samples[len(samples)-1]
	netMove := last.upAsk.Sub(first.upAsk).Abs()

	cutoff := now.Add(-lookback)
	var window []probSnapshot
	for _, s := range samples {
		if !s.at.Before(cutoff) {
			window = append(window, s)
		}
	}
	if len(window) < minSamples {
		return SwingSignal{}, false
	}

	upMin, upMax := window[0].upAsk, window[0].upAsk
	downMin, downMax := window[0].downAsk, window[0].downAsk
	upPrices := make([]decimal.Decimal, len(window))
	for i, s := range window {
		upPrices[i] = s.upAsk
		if s.upAsk.LessThan(upMin) {
			upMin = s.upAsk
		}
		if s.upAsk.GreaterThan(upMax) {
			upMax = s.upAsk
		}
		if s.downAsk.LessThan(downMin) {
			downMin = s.downAsk
		}
		if s.downAsk.GreaterThan(downMax) {
			downMax = s.downAsk
		}
	}
	upSwing := upMax.Sub(upMin)
	downSwing := downMax.Sub(downMin)
	swing := decimal.Max(upSwing, downSwing)

	efficiency := decimal.NewFromInt(1)
	if swing.IsPositive() {
		efficiency = netMove.Div(swing)
	}

	changes := countDirectionChanges(upPrices, decimal.NewFromFloat(0.005))

	isOscillating := swing.GreaterThanOrEqual(minSwing) &&
		efficiency.LessThanOrEqual(maxEfficiency) &&
		changes >= minReversals

	return SwingSignal{
		SampleCount:      len(window),
		WindowSeconds:    lookback.Seconds(),
		UpSwing:          upSwing,
		DownSwing:        downSwing,
		NetMove:          netMove,
		Efficiency:       efficiency,
		DirectionChanges: changes,
		IsOscillating:    isOscillating,
	}, true
}

// CheckEntryMomentum reports whether the target side has bounced off its
// recent low by at least bounceThreshold. Returns ok=false when there isn't
// enough history to judge (caller should bypass this check, not block on it).
func (t *OscillationTracker) CheckEntryMomentum(slug string, dir Direction, lookbackSamples int, bounceThreshold decimal.Decimal) (bounced bool, ok bool) {
	t.mu.Lock()
	samples := t.snapshotsLocked(slug)
	t.mu.Unlock()

	if len(samples) < lookbackSamples {
		return false, false
	}
	window := samples[len(samples)-lookbackSamples:]

	prices := make([]decimal.Decimal, len(window))
	for i, s := range window {
		if dir == BuyUp {
			prices[i] = s.upAsk
		} else {
			prices[i] = s.downAsk
		}
	}

	trough := prices[0]
	for _, p := range prices {
		if p.LessThan(trough) {
			trough = p
		}
	}
	latest := prices[len(prices)-1]
	bounce := latest.Sub(trough)
	return bounce.GreaterThanOrEqual(bounceThreshold), true
}

// countDirectionChanges counts smoothed reversals: a reversal only registers
// once cumulative movement in the new direction exceeds threshold, filtering
// out noise that would otherwise inflate the reversal count.
func countDirectionChanges(prices []decimal.Decimal, threshold decimal.Decimal) int {
	if len(prices) < 3 {
		return 0
	}

	changes := 0
	lastAnchor := prices[0]
	direction := 0 // 0 = undecided, 1 = up, -1 = down

	for _, price := range prices[1:] {
		move := price.Sub(lastAnchor)
		if move.Abs().LessThan(threshold) {
			continue
		}

		newDir := 1
		if move.IsNegative() {
			newDir = -1
		}
		if direction != 0 && newDir != direction {
			changes++
			lastAnchor = price
		}
		direction = newDir
	}

	return changes
}
