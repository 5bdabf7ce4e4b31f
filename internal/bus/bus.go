package bus

import (
	"sync"
	"time"
)

// EventType identifies a lifecycle event on the bus.
type EventType string

const (
	EventStarted             EventType = "started"
	EventOutput              EventType = "output"
	EventExited              EventType = "exited"
	EventCrashed             EventType = "crashed"
	EventHealthChanged       EventType = "health-changed"
	EventRestart             EventType = "restart"
	EventRestartFailed       EventType = "restart-failed"
	EventMaxRestartsExceeded EventType = "max-restarts-exceeded"
)

// Event is the unit published on the bus. Fields beyond Type/Service/At are
// populated per event type: ExitCode for exited/crashed, Line for output,
// Attempt for restart*, Health for health-changed, Err for failures.
type Event struct {
	Type     EventType `json:"type"`
	Service  string    `json:"service"`
	At       time.Time `json:"at"`
	ExitCode int       `json:"exit_code,omitempty"`
	Line     string    `json:"line,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	Health   string    `json:"health,omitempty"`
	Err      string    `json:"error,omitempty"`
}

// Bus is a cooperative publish/subscribe hub connecting the orchestration
// components. Publishing never blocks: each subscriber has a bounded buffer
// and the oldest pending event is dropped when a subscriber falls behind.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func New() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber with the given buffer size (minimum 1).
// The returned cancel function removes the subscription and closes the
// channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers e to all subscribers without blocking. A full subscriber
// buffer sheds its oldest event to make room.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}

// Close cancels all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
