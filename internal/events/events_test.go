package events

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingSink collects every event handed to Consume, in arrival order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Consume(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// TestBusOverflowDropsExcessAndConsumerSeesFirstN is spec.md §8's sixth seed
// scenario: queue size 10, enqueue 15 events, expect no panic, exactly 5
// dropped, and the consumer sees the first 10.
func TestBusOverflowDropsExcessAndConsumerSeesFirstN(t *testing.T) {
	sink := &recordingSink{}
	bus := NewBus(10, testLogger(), nil, sink)

	for i := 0; i < 15; i++ {
		bus.Publish(Event{Type: TickSnapshot, MarketID: fmt.Sprintf("m%d", i)})
	}

	if got := bus.DroppedCount(); got != 5 {
		t.Fatalf("expected 5 dropped events, got %d", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(ctx)
	t.Cleanup(cancel)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= 10 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	got := sink.snapshot()
	if len(got) != 10 {
		t.Fatalf("expected consumer to see 10 events, got %d", len(got))
	}
	for i, evt := range got {
		want := fmt.Sprintf("m%d", i)
		if evt.MarketID != want {
			t.Fatalf("event %d: expected market id %q, got %q", i, want, evt.MarketID)
		}
	}
}

// TestBusPublishNeverBlocksOnFullQueue guards the put-nowait contract itself:
// Publish must return immediately even when nothing is draining the queue.
func TestBusPublishNeverBlocksOnFullQueue(t *testing.T) {
	bus := NewBus(1, testLogger(), nil, nil)
	bus.Publish(Event{Type: BTCPrice})

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: BTCPrice})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	if bus.DroppedCount() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", bus.DroppedCount())
	}
}
