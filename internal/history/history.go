package history

import (
	"context"
	"time"

	"github.com/berthd/berth/internal/bus"
)

// Event is a lifecycle event exported to external analytics systems.
type Event struct {
	Type       string    `json:"type"`
	Service    string    `json:"service"`
	OccurredAt time.Time `json:"occurred_at"`
	ExitCode   int       `json:"exit_code"`
	Attempt    int       `json:"attempt"`
	Health     string    `json:"health"`
	Detail     string    `json:"detail"`
}

// FromBus converts a bus event to its exported form. Output events are not
// exported; they are too chatty for analytics sinks.
func FromBus(e bus.Event) (Event, bool) {
	if e.Type == bus.EventOutput {
		return Event{}, false
	}
	return Event{
		Type:       string(e.Type),
		Service:    e.Service,
		OccurredAt: e.At,
		ExitCode:   e.ExitCode,
		Attempt:    e.Attempt,
		Health:     e.Health,
		Detail:     e.Err,
	}, true
}

// Sink is a destination for history events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Forward subscribes to the bus and relays events to the sinks until the
// context is done. Sink errors are dropped: analytics must never interfere
// with orchestration.
func Forward(ctx context.Context, b *bus.Bus, sinks ...Sink) {
	if len(sinks) == 0 {
		return
	}
	ch, cancel := b.Subscribe(256)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case be, ok := <-ch:
				if !ok {
					return
				}
				e, exportable := FromBus(be)
				if !exportable {
					continue
				}
				for _, s := range sinks {
					_ = s.Send(ctx, e)
				}
			}
		}
	}()
}
