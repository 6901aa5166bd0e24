// Package events is the engine's internal pub/sub bus: every tick loop
// component publishes typed, fire-and-forget notifications here instead of
// calling the dashboard or persistence layer directly.
//
// Grounded on original_source's events.py (a bounded queue with put-nowait
// semantics, a drop counter logged every 100th drop, and a single consumer
// that fans out to a dashboard broadcaster and a batch writer) combined with
// the teacher's internal/api Hub broadcast idiom (one goroutine, one
// channel, non-blocking send). The dashboard half is a Broadcaster the bus
// calls through an interface — this repo ships none (UI is an explicit
// spec non-goal) but internal/persist's Writer always plugs in as the
// batch-write Sink.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies the shape of an event's Data payload.
type Type string

const (
	TickSnapshot   Type = "tick_snapshot"
	BTCPrice       Type = "btc_price"
	VolumeState    Type = "volume_state"
	OrderPlaced    Type = "order_placed"
	OrderFilled    Type = "order_filled"
	OrderCancelled Type = "order_cancelled"
	HedgeComplete  Type = "hedge_complete"
	MergeComplete  Type = "merge_complete"
	MarketEntered  Type = "market_entered"
	MarketExited   Type = "market_exited"
	PnLSnapshot    Type = "pnl_snapshot"
)

// Event is one bus message. MarketID is empty for session-wide events.
type Event struct {
	Type      Type
	Timestamp time.Time
	MarketID  string
	Data      any
}

// Broadcaster forwards an event to a live dashboard. Optional: a Bus with no
// Broadcaster configured simply skips the broadcast half and still drives
// Sink.
type Broadcaster interface {
	Broadcast(Event)
}

// Sink durably records an event. internal/persist.Writer implements this.
type Sink interface {
	Consume(Event)
}

// broadcastThrottle is the minimum interval between two broadcasts of the
// same event type, keeping a chatty event (every tick) from flooding a slow
// dashboard consumer. Types absent from this table are never throttled.
var broadcastThrottle = map[Type]time.Duration{
	TickSnapshot: 500 * time.Millisecond,
	BTCPrice:     time.Second,
	VolumeState:  2 * time.Second,
	PnLSnapshot:  10 * time.Second,
}

// dropLogInterval logs only every Nth drop once the queue is saturated, so a
// sustained overflow doesn't itself become a logging flood.
const dropLogInterval = 100

// Bus is a bounded single-consumer event queue. Publish never blocks: once
// the channel is full, the event is discarded and the drop counter
// increments. Construct with NewBus and start the consumer with Run.
type Bus struct {
	ch          chan Event
	dropped     atomic.Uint64
	logger      *slog.Logger
	broadcaster Broadcaster
	sink        Sink

	mu            sync.Mutex
	lastBroadcast map[Type]time.Time
}

// NewBus creates a bus with the given queue capacity. broadcaster and sink
// may each be nil; a nil sink means published events are only (optionally)
// broadcast and otherwise dropped on the floor, which is only useful in
// tests.
func NewBus(capacity int, logger *slog.Logger, broadcaster Broadcaster, sink Sink) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		ch:            make(chan Event, capacity),
		logger:        logger.With("component", "event_bus"),
		broadcaster:   broadcaster,
		sink:          sink,
		lastBroadcast: make(map[Type]time.Time),
	}
}

// Publish enqueues evt without blocking. On a full queue it drops the event
// and bumps the drop counter, logging every dropLogInterval-th drop —
// mirrors events.py's EventBus.put_nowait.
func (b *Bus) Publish(evt Event) {
	select {
	case b.ch <- evt:
	default:
		n := b.dropped.Add(1)
		if n%dropLogInterval == 0 {
			b.logger.Warn("event bus full, dropping events", "type", evt.Type, "dropped_total", n)
		}
	}
}

// DroppedCount returns the number of events discarded for a full queue since
// the bus was created.
func (b *Bus) DroppedCount() uint64 {
	return b.dropped.Load()
}

// Run drains the queue on the calling goroutine until ctx is cancelled. Only
// one goroutine may call Run for a given Bus.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.ch:
			b.dispatch(evt)
		}
	}
}

// dispatch fans evt out to the broadcaster (subject to per-type throttling)
// and the durable sink. A nil broadcaster or sink is skipped.
func (b *Bus) dispatch(evt Event) {
	if b.broadcaster != nil && b.shouldBroadcast(evt.Type) {
		b.broadcaster.Broadcast(evt)
	}
	if b.sink != nil {
		b.sink.Consume(evt)
	}
}

func (b *Bus) shouldBroadcast(t Type) bool {
	interval, throttled := broadcastThrottle[t]
	if !throttled {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if last, ok := b.lastBroadcast[t]; ok && time.Since(last) < interval {
		return false
	}
	b.lastBroadcast[t] = time.Now()
	return true
}
