package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/berthd/berth/internal/bus"
	"github.com/berthd/berth/internal/metrics"
)

// CheckType selects the probe mechanism.
type CheckType string

const (
	CheckHTTP    CheckType = "http"
	CheckTCP     CheckType = "tcp"
	CheckCommand CheckType = "command"
)

// State is the derived health of a monitored service.
type State string

const (
	StateUnknown   State = "unknown"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
	DefaultRetries  = 3
)

// CheckConfig describes one service's probe.
// Target is a URL for http, host:port for tcp, and a shell command for
// command checks. ExpectStatus defaults to 200, ExpectExit to 0.
type CheckConfig struct {
	Type         CheckType     `json:"type" mapstructure:"type"`
	Target       string        `json:"target" mapstructure:"target"`
	ExpectStatus int           `json:"expect_status" mapstructure:"expect_status"`
	ExpectExit   int           `json:"expect_exit" mapstructure:"expect_exit"`
	Interval     time.Duration `json:"interval" mapstructure:"interval"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	Retries      int           `json:"retries" mapstructure:"retries"`
}

func (c CheckConfig) withDefaults() CheckConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	if c.Type == CheckHTTP && c.ExpectStatus == 0 {
		c.ExpectStatus = http.StatusOK
	}
	return c
}

// Record is the live state of one monitored service.
type Record struct {
	Service     string      `json:"service"`
	Config      CheckConfig `json:"config"`
	State       State       `json:"state"`
	Failures    int         `json:"failures"` // consecutive failures
	LastChecked time.Time   `json:"last_checked,omitempty"`
}

type entry struct {
	rec    Record
	cancel context.CancelFunc
}

// Monitor runs interval-driven probes per service and tracks the
// unknown -> healthy <-> unhealthy state machine. Transition to unhealthy is
// debounced by the configured retry count; the first success flips back to
// healthy. At most one probe loop runs per service id.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]*entry
	bus     *bus.Bus
	log     *slog.Logger
}

func NewMonitor(b *bus.Bus, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{entries: make(map[string]*entry), bus: b, log: log}
}

// Start begins probing id with cfg. A prior loop for the same id is
// cancelled first, so rescheduling is idempotent.
func (m *Monitor) Start(id string, cfg CheckConfig) {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	e := &entry{
		rec:    Record{Service: id, Config: cfg, State: StateUnknown},
		cancel: cancel,
	}
	m.mu.Lock()
	if old := m.entries[id]; old != nil {
		old.cancel()
	}
	m.entries[id] = e
	m.mu.Unlock()

	go m.loop(ctx, id, e, cfg)
}

// Stop cancels the probe loop for id. Idempotent.
func (m *Monitor) Stop(id string) {
	m.mu.Lock()
	if e := m.entries[id]; e != nil {
		e.cancel()
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

// StopAll cancels every probe loop.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	for id, e := range m.entries {
		e.cancel()
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

// Status returns the record for id, if monitored.
func (m *Monitor) Status(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[id]; e != nil {
		return e.rec, true
	}
	return Record{}, false
}

// Records returns all live records.
func (m *Monitor) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.rec)
	}
	return out
}

func (m *Monitor) loop(ctx context.Context, id string, e *entry, cfg CheckConfig) {
	t := time.NewTicker(cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ok := m.runProbe(ctx, cfg)
			m.applyResult(id, e, ok)
		}
	}
}

// runProbe executes one probe. Panics and timeouts count as failures; the
// interval keeps firing regardless.
func (m *Monitor) runProbe(ctx context.Context, cfg CheckConfig) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Warn("health probe panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	pctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	switch cfg.Type {
	case CheckHTTP:
		return probeHTTP(pctx, cfg)
	case CheckTCP:
		return probeTCP(pctx, cfg)
	case CheckCommand:
		return probeCommand(pctx, cfg)
	default:
		return false
	}
}

func probeHTTP(ctx context.Context, cfg CheckConfig) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Target, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == cfg.ExpectStatus
}

func probeTCP(ctx context.Context, cfg CheckConfig) bool {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Target)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func probeCommand(ctx context.Context, cfg CheckConfig) bool {
	// #nosec G204
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cfg.Target)
	err := cmd.Run()
	if err == nil {
		return cfg.ExpectExit == 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode() == cfg.ExpectExit
	}
	return false
}

// applyResult folds one probe outcome into the record under lock, so
// interleaved events for the same service never race the counters. A result
// is only applied while e is still the live entry for the id: a probe that
// was in flight when Start replaced or Stop removed the entry is discarded
// instead of leaking into the successor's counters.
func (m *Monitor) applyResult(id string, e *entry, ok bool) {
	m.mu.Lock()
	if m.entries[id] != e {
		m.mu.Unlock()
		return
	}
	rec := &e.rec
	rec.LastChecked = time.Now()
	prev := rec.State
	if ok {
		rec.Failures = 0
		rec.State = StateHealthy
	} else {
		rec.Failures++
		if rec.Failures >= rec.Config.Retries {
			rec.State = StateUnhealthy
		}
	}
	next := rec.State
	m.mu.Unlock()

	if !ok {
		metrics.IncProbeFailure(id)
	}
	if prev != next {
		metrics.RecordHealthTransition(id, string(prev), string(next))
		m.log.Info("health state changed", "service", id, "from", prev, "to", next)
		m.bus.Publish(bus.Event{Type: bus.EventHealthChanged, Service: id, Health: string(next)})
	}
}
