package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/berthd/berth/internal/bus"
	"github.com/berthd/berth/internal/depgraph"
	"github.com/berthd/berth/internal/health"
	"github.com/berthd/berth/internal/netport"
	"github.com/berthd/berth/internal/restart"
	"github.com/berthd/berth/internal/store"
	"github.com/berthd/berth/internal/supervisor"
)

// DefaultHealthWait bounds how long a start sequence waits for a dependency
// with wait_for_health before giving up on its dependents.
const DefaultHealthWait = 60 * time.Second

// StartReport describes the outcome of a StartServices call. Cycles and
// per-service failures are data, not errors; the caller decides whether a
// partial start is acceptable.
type StartReport struct {
	Order      []string               `json:"order"`
	Cycles     []string               `json:"cycles,omitempty"`
	Reassigned []netport.Reassignment `json:"reassigned,omitempty"`
	Started    []string               `json:"started"`
	Skipped    []string               `json:"skipped,omitempty"`
	Failures   map[string]string      `json:"failures,omitempty"`
}

// StartOptions tunes a StartServices call.
type StartOptions struct {
	// ResolvePorts runs conflict auto-assignment before computing the order.
	ResolvePorts bool
	// HealthWait overrides DefaultHealthWait.
	HealthWait time.Duration
}

// Orchestrator wires the five core components together: it sequences starts
// along the dependency graph, begins health monitoring once a process is up,
// and feeds crashes into the restart supervisor. All cross-component effects
// flow through the bus or explicit calls on the owning component.
type Orchestrator struct {
	sup      *supervisor.Supervisor
	graph    *depgraph.Graph
	ports    *netport.Allocator
	health   *health.Monitor
	restarts *restart.Supervisor
	bus      *bus.Bus
	log      *slog.Logger

	mu         sync.Mutex
	healthCfgs map[string]health.CheckConfig
	st         store.Store
	cancelSub  func()
}

func New(
	sup *supervisor.Supervisor,
	graph *depgraph.Graph,
	ports *netport.Allocator,
	hm *health.Monitor,
	rs *restart.Supervisor,
	b *bus.Bus,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		sup:        sup,
		graph:      graph,
		ports:      ports,
		health:     hm,
		restarts:   rs,
		bus:        b,
		log:        log,
		healthCfgs: make(map[string]health.CheckConfig),
	}
	o.subscribe()
	return o
}

// SetStore attaches the persistence hook and restores health configs saved
// by a previous run.
func (o *Orchestrator) SetStore(ctx context.Context, st store.Store) error {
	o.mu.Lock()
	o.st = st
	o.mu.Unlock()
	if st == nil {
		return nil
	}
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}
	cfgs, err := st.HealthConfigs(ctx)
	if err != nil {
		return err
	}
	o.mu.Lock()
	for _, c := range cfgs {
		if _, exists := o.healthCfgs[c.Service]; exists {
			continue // in-memory configuration wins over restored rows
		}
		o.healthCfgs[c.Service] = fromStoredHealth(c)
	}
	o.mu.Unlock()
	claims, err := st.PortClaims(ctx)
	if err != nil {
		return err
	}
	o.ports.ApplyClaims(claims)
	return o.restarts.SetStore(ctx, st)
}

// SetHealthConfig installs the probe configuration used once the service is
// observed running, and persists it through the store hook.
func (o *Orchestrator) SetHealthConfig(id string, cfg health.CheckConfig) {
	o.mu.Lock()
	o.healthCfgs[id] = cfg
	st := o.st
	o.mu.Unlock()
	if st != nil {
		_ = st.SaveHealthConfig(context.Background(), toStoredHealth(id, cfg))
	}
}

// SetRestartPolicy forwards to the restart supervisor.
func (o *Orchestrator) SetRestartPolicy(id string, p restart.Policy) {
	o.restarts.SetPolicy(id, p)
}

// subscribe wires the lifecycle coupling: health monitoring begins on
// started, ends on exit, and crashes are handed to the restart supervisor.
func (o *Orchestrator) subscribe() {
	ch, cancel := o.bus.Subscribe(256)
	o.mu.Lock()
	o.cancelSub = cancel
	o.mu.Unlock()
	go func() {
		for e := range ch {
			switch e.Type {
			case bus.EventStarted:
				o.mu.Lock()
				cfg, ok := o.healthCfgs[e.Service]
				o.mu.Unlock()
				if ok {
					o.health.Start(e.Service, cfg)
				}
			case bus.EventExited:
				o.health.Stop(e.Service)
			case bus.EventCrashed:
				o.health.Stop(e.Service)
				id := e.Service
				o.restarts.ScheduleRestart(id, func() error { return o.sup.Start(id) })
			}
		}
	}()
}

// StartServices starts the given set in dependency order. Services on a
// cycle are reported, not started. A failed start does not abort the
// sequence; the failure is recorded and the remaining order continues.
func (o *Orchestrator) StartServices(ctx context.Context, ids []string, opts StartOptions) (StartReport, error) {
	report := StartReport{Failures: make(map[string]string)}

	if opts.ResolvePorts {
		moved, err := o.AutoAssignPorts(ctx, ids...)
		report.Reassigned = moved
		if err != nil {
			o.log.Warn("port auto-assign incomplete", "error", err)
		}
	}

	res := o.graph.StartupOrder(ids)
	report.Order = res.Order
	report.Cycles = res.Cycles

	healthWait := opts.HealthWait
	if healthWait <= 0 {
		healthWait = DefaultHealthWait
	}

	for _, id := range res.Order {
		if err := ctx.Err(); err != nil {
			report.Skipped = append(report.Skipped, id)
			continue
		}
		if err := o.awaitDependencies(ctx, id, healthWait); err != nil {
			report.Failures[id] = err.Error()
			report.Skipped = append(report.Skipped, id)
			continue
		}
		if err := o.sup.Start(id); err != nil {
			report.Failures[id] = err.Error()
			continue
		}
		report.Started = append(report.Started, id)
	}
	if len(report.Failures) == 0 {
		report.Failures = nil
	}
	return report, nil
}

// awaitDependencies applies per-edge startup delays and wait_for_health
// gates for id's dependencies.
func (o *Orchestrator) awaitDependencies(ctx context.Context, id string, healthWait time.Duration) error {
	for _, e := range o.graph.DependenciesOf(id) {
		if e.StartupDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.StartupDelay):
			}
		}
		if !e.WaitForHealth {
			continue
		}
		deadline := time.Now().Add(healthWait)
		for {
			if rec, ok := o.health.Status(e.DependsOn); ok && rec.State == health.StateHealthy {
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("dependency %s not healthy within %s", e.DependsOn, healthWait)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	return nil
}

// AutoAssignPorts moves conflicting services to free ports and persists the
// new claims through the store hook. Every caller goes through here so a
// reassignment never exists only in memory.
func (o *Orchestrator) AutoAssignPorts(ctx context.Context, ids ...string) ([]netport.Reassignment, error) {
	moved, err := o.ports.AutoAssign(ids...)
	o.persistClaims(ctx, moved)
	return moved, err
}

// StopService stops one service. The restart timer is cancelled first so a
// manually stopped service is never auto-restarted, then health probing ends.
// Stopping a crashed service whose only live state was that pending timer is
// a success: the operator's intent was "do not bring this back", and the
// cancel satisfied it.
func (o *Orchestrator) StopService(id string) error {
	cancelled := o.restarts.CancelRestart(id)
	o.health.Stop(id)
	err := o.sup.Stop(id)
	if err != nil && cancelled && errors.Is(err, supervisor.ErrNotRunning) {
		return nil
	}
	return err
}

// StopAll drives a full shutdown: no more restarts, no more probes, then all
// processes get the graceful-stop treatment. Per-service failures are
// aggregated by the supervisor and logged there.
func (o *Orchestrator) StopAll() map[string]error {
	o.restarts.CancelAllRestarts()
	o.health.StopAll()
	return o.sup.StopAll()
}

// Close releases the orchestrator's bus subscription.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	cancel := o.cancelSub
	o.cancelSub = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) persistClaims(ctx context.Context, moved []netport.Reassignment) {
	o.mu.Lock()
	st := o.st
	o.mu.Unlock()
	if st == nil {
		return
	}
	for _, r := range moved {
		if err := st.SavePortClaim(ctx, r.Service, r.NewPort); err != nil {
			o.log.Warn("failed to persist port claim", "service", r.Service, "error", err)
		}
	}
}

func toStoredHealth(id string, c health.CheckConfig) store.HealthConfig {
	return store.HealthConfig{
		Service:      id,
		Type:         string(c.Type),
		Target:       c.Target,
		ExpectStatus: c.ExpectStatus,
		ExpectExit:   c.ExpectExit,
		Interval:     c.Interval.String(),
		Timeout:      c.Timeout.String(),
		Retries:      c.Retries,
	}
}

func fromStoredHealth(c store.HealthConfig) health.CheckConfig {
	interval, _ := time.ParseDuration(c.Interval)
	timeout, _ := time.ParseDuration(c.Timeout)
	return health.CheckConfig{
		Type:         health.CheckType(c.Type),
		Target:       c.Target,
		ExpectStatus: c.ExpectStatus,
		ExpectExit:   c.ExpectExit,
		Interval:     interval,
		Timeout:      timeout,
		Retries:      c.Retries,
	}
}
