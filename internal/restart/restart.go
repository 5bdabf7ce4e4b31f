package restart

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/berthd/berth/internal/bus"
	"github.com/berthd/berth/internal/metrics"
	"github.com/berthd/berth/internal/store"
)

// Strategy names a backoff rule mapping the consecutive-restart count to the
// delay before the next attempt.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyFixed       Strategy = "fixed"
	StrategyExponential Strategy = "exponential"
)

const (
	// FixedDelay is the constant delay of the fixed strategy.
	FixedDelay = 5 * time.Second
	// ExponentialBase is the first exponential delay.
	ExponentialBase = time.Second
	// ExponentialCap bounds exponential growth.
	ExponentialCap = 60 * time.Second
	// DefaultMaxRestarts is the ceiling when a policy leaves it unset.
	DefaultMaxRestarts = 5
)

// Policy configures automatic recovery for one service.
type Policy struct {
	Enabled     bool     `json:"enabled" mapstructure:"enabled"`
	MaxRestarts int      `json:"max_restarts" mapstructure:"max_restarts"`
	Strategy    Strategy `json:"strategy" mapstructure:"strategy"`
}

// Delay computes the backoff for the given consecutive-restart count.
func Delay(s Strategy, restartCount int) time.Duration {
	switch s {
	case StrategyImmediate:
		return 0
	case StrategyExponential:
		d := ExponentialBase << uint(restartCount)
		if d <= 0 || d > ExponentialCap {
			return ExponentialCap
		}
		return d
	default:
		return FixedDelay
	}
}

// Supervisor decides, per service, whether and after what delay to request a
// restart after a crash. Restart counts persist across crash cycles and are
// reset only by explicit operator action; they also survive orchestrator
// restarts through the optional store hook.
type Supervisor struct {
	mu       sync.Mutex
	policies map[string]Policy
	counts   map[string]int
	timers   map[string]*time.Timer
	bus      *bus.Bus
	log      *slog.Logger
	st       store.Store
}

func NewSupervisor(b *bus.Bus, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		policies: make(map[string]Policy),
		counts:   make(map[string]int),
		timers:   make(map[string]*time.Timer),
		bus:      b,
		log:      log,
	}
}

// SetStore attaches a persistence hook and loads previously saved counts.
func (s *Supervisor) SetStore(ctx context.Context, st store.Store) error {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	counts, err := st.RestartCounts(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for id, n := range counts {
		s.counts[id] = n
	}
	s.mu.Unlock()
	return nil
}

// SetPolicy installs or replaces the policy for id.
func (s *Supervisor) SetPolicy(id string, p Policy) {
	if p.MaxRestarts <= 0 {
		p.MaxRestarts = DefaultMaxRestarts
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
	s.mu.Lock()
	s.policies[id] = p
	s.mu.Unlock()
}

// Policy returns the policy for id, if set.
func (s *Supervisor) Policy(id string) (Policy, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[id]
	return p, ok
}

// Count returns the persisted restart count for id.
func (s *Supervisor) Count(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id]
}

// ScheduleRestart reacts to a crash of id. Disabled policies no-op. At or
// beyond the ceiling it emits max-restarts-exceeded and schedules nothing.
// Otherwise it cancels any pending timer for the id and arms a new one with
// the strategy's delay; when the timer fires the count is incremented, the
// callback re-enters the process supervisor, and a restart event carries the
// attempt number. A failing callback emits restart-failed and reschedules
// while below the ceiling.
func (s *Supervisor) ScheduleRestart(id string, restart func() error) {
	s.mu.Lock()
	p, ok := s.policies[id]
	if !ok || !p.Enabled {
		s.mu.Unlock()
		return
	}
	count := s.counts[id]
	if count >= p.MaxRestarts {
		s.mu.Unlock()
		s.log.Warn("restart ceiling reached", "service", id, "count", count, "max", p.MaxRestarts)
		s.bus.Publish(bus.Event{Type: bus.EventMaxRestartsExceeded, Service: id, Attempt: count})
		return
	}
	delay := Delay(p.Strategy, count)
	if old := s.timers[id]; old != nil {
		old.Stop()
	}
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, restart) })
	s.mu.Unlock()
	s.log.Info("restart scheduled", "service", id, "delay", delay, "attempt", count+1)
}

func (s *Supervisor) fire(id string, restart func() error) {
	s.mu.Lock()
	delete(s.timers, id)
	s.counts[id]++
	attempt := s.counts[id]
	st := s.st
	s.mu.Unlock()

	if st != nil {
		_ = st.SaveRestartCount(context.Background(), id, attempt)
	}
	metrics.IncRestart(id)

	if err := restart(); err != nil {
		s.log.Error("restart attempt failed", "service", id, "attempt", attempt, "error", err)
		s.bus.Publish(bus.Event{Type: bus.EventRestartFailed, Service: id, Attempt: attempt, Err: err.Error()})
		// Below the ceiling the failure feeds straight back into scheduling.
		s.ScheduleRestart(id, restart)
		return
	}
	s.bus.Publish(bus.Event{Type: bus.EventRestart, Service: id, Attempt: attempt})
}

// CancelRestart clears a pending timer for id, used when an operator
// manually stops a service that was about to be auto-restarted. It reports
// whether a timer was actually pending so callers can distinguish "stopped a
// scheduled restart" from a plain no-op.
func (s *Supervisor) CancelRestart(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.timers[id]; t != nil {
		t.Stop()
		delete(s.timers, id)
		return true
	}
	return false
}

// CancelAllRestarts clears every pending timer; used at shutdown.
func (s *Supervisor) CancelAllRestarts() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}

// ResetRestartCount clears the ceiling counter, returning the service to
// fresh eligibility. Manual operator action only; counts never decay on
// their own.
func (s *Supervisor) ResetRestartCount(id string) {
	s.mu.Lock()
	delete(s.counts, id)
	st := s.st
	s.mu.Unlock()
	if st != nil {
		_ = st.SaveRestartCount(context.Background(), id, 0)
	}
}
