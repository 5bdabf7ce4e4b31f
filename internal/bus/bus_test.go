package bus

import (
	"testing"
	"time"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New()
	defer b.Close()

	ch1, c1 := b.Subscribe(4)
	defer c1()
	ch2, c2 := b.Subscribe(4)
	defer c2()

	b.Publish(Event{Type: EventStarted, Service: "svc"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != EventStarted || e.Service != "svc" {
				t.Fatalf("subscriber %d got %+v", i, e)
			}
			if e.At.IsZero() {
				t.Fatalf("timestamp not stamped")
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	defer b.Close()

	_, cancel := b.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: EventOutput, Service: "noisy"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(2)
	defer cancel()

	b.Publish(Event{Type: EventOutput, Line: "first"})
	b.Publish(Event{Type: EventOutput, Line: "second"})
	b.Publish(Event{Type: EventOutput, Line: "third"})

	e := <-ch
	if e.Line != "second" {
		t.Fatalf("oldest not dropped, got %q", e.Line)
	}
	e = <-ch
	if e.Line != "third" {
		t.Fatalf("got %q", e.Line)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New()
	defer b.Close()

	ch, cancel := b.Subscribe(1)
	cancel()
	// idempotent
	cancel()

	if _, open := <-ch; open {
		t.Fatalf("channel still open after cancel")
	}

	// publish after cancel must not panic
	b.Publish(Event{Type: EventStarted, Service: "svc"})
}

func TestCloseCancelsAll(t *testing.T) {
	b := New()
	ch, cancel := b.Subscribe(1)
	b.Close()

	if _, open := <-ch; open {
		t.Fatalf("channel still open after Close")
	}
	// cancel after Close is a no-op
	cancel()
}
