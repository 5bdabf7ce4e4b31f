package history

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/berthd/berth/internal/bus"
)

type fakeSink struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeSink) Send(_ context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeSink) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func TestFromBusMapsFields(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	e, ok := FromBus(bus.Event{
		Type:     bus.EventCrashed,
		Service:  "web",
		At:       at,
		ExitCode: 137,
		Attempt:  2,
		Health:   "unhealthy",
		Err:      "signal: killed",
	})
	if !ok {
		t.Fatalf("crashed event should be exportable")
	}
	if e.Type != "crashed" || e.Service != "web" || !e.OccurredAt.Equal(at) {
		t.Fatalf("unexpected identity fields: %+v", e)
	}
	if e.ExitCode != 137 || e.Attempt != 2 || e.Health != "unhealthy" || e.Detail != "signal: killed" {
		t.Fatalf("unexpected payload fields: %+v", e)
	}
}

func TestFromBusDropsOutput(t *testing.T) {
	if _, ok := FromBus(bus.Event{Type: bus.EventOutput, Service: "web", Line: "hello"}); ok {
		t.Fatalf("output events must not be exported")
	}
}

func TestForwardRelaysToSinks(t *testing.T) {
	b := bus.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &fakeSink{}
	second := &fakeSink{}
	Forward(ctx, b, first, second)

	b.Publish(bus.Event{Type: bus.EventStarted, Service: "api"})
	b.Publish(bus.Event{Type: bus.EventOutput, Service: "api", Line: "noise"})
	b.Publish(bus.Event{Type: bus.EventExited, Service: "api", ExitCode: 0})

	waitUntil(t, 2*time.Second, func() bool {
		return len(first.snapshot()) == 2 && len(second.snapshot()) == 2
	})

	got := first.snapshot()
	if got[0].Type != "started" || got[1].Type != "exited" {
		t.Fatalf("unexpected event types: %q %q", got[0].Type, got[1].Type)
	}
	for _, e := range got {
		if e.Service != "api" {
			t.Fatalf("service = %q", e.Service)
		}
		if e.OccurredAt.IsZero() {
			t.Fatalf("occurred_at not set")
		}
	}
}

func TestForwardStopsOnCancel(t *testing.T) {
	b := bus.New()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sink := &fakeSink{}
	Forward(ctx, b, sink)

	b.Publish(bus.Event{Type: bus.EventStarted, Service: "job"})
	waitUntil(t, 2*time.Second, func() bool { return len(sink.snapshot()) == 1 })

	cancel()
	// give the forwarder time to unsubscribe
	time.Sleep(50 * time.Millisecond)

	b.Publish(bus.Event{Type: bus.EventExited, Service: "job"})
	time.Sleep(50 * time.Millisecond)
	if n := len(sink.snapshot()); n != 1 {
		t.Fatalf("events after cancel = %d, want 1", n)
	}
}

func TestForwardNoSinksNoSubscription(t *testing.T) {
	b := bus.New()
	defer b.Close()
	Forward(context.Background(), b)
	// nothing to assert beyond not panicking
	b.Publish(bus.Event{Type: bus.EventStarted, Service: "x"})
}
