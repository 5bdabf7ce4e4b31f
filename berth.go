package berth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/berthd/berth/internal/bus"
	cfg "github.com/berthd/berth/internal/config"
	"github.com/berthd/berth/internal/depgraph"
	"github.com/berthd/berth/internal/env"
	"github.com/berthd/berth/internal/health"
	"github.com/berthd/berth/internal/history"
	"github.com/berthd/berth/internal/logger"
	"github.com/berthd/berth/internal/metrics"
	"github.com/berthd/berth/internal/netport"
	"github.com/berthd/berth/internal/orchestrator"
	"github.com/berthd/berth/internal/restart"
	iapi "github.com/berthd/berth/internal/server"
	"github.com/berthd/berth/internal/service"
	"github.com/berthd/berth/internal/store/factory"
	"github.com/berthd/berth/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Service = service.Service

type Status = supervisor.Status

type Edge = depgraph.Edge

type Order = depgraph.Order

type Event = bus.Event

type HealthCheck = health.CheckConfig

type HealthRecord = health.Record

type RestartPolicy = restart.Policy

type Conflict = netport.Conflict

type Reassignment = netport.Reassignment

type StartOptions = orchestrator.StartOptions

type StartReport = orchestrator.StartReport

type Config = cfg.Config

type LogConfig = logger.Config

// System wires the registry, supervisor, dependency graph, port allocator,
// health monitor and restart supervisor together behind a stable public API
// for embedding.
type System struct {
	registry *service.Registry
	bus      *bus.Bus
	graph    *depgraph.Graph
	ports    *netport.Allocator
	sup      *supervisor.Supervisor
	health   *health.Monitor
	restarts *restart.Supervisor
	orch     *orchestrator.Orchestrator
}

type Option func(*options)

type options struct {
	log       *slog.Logger
	grace     time.Duration
	logLines  int
	mirror    logger.Config
	globalEnv []string
	floor     int
	ceiling   int
}

// WithLogger sets the slog logger used by all components.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.log = l } }

// WithGracePeriod sets the SIGTERM-to-SIGKILL escalation window.
func WithGracePeriod(d time.Duration) Option { return func(o *options) { o.grace = d } }

// WithLogLines sets the per-service captured output ring size.
func WithLogLines(n int) Option { return func(o *options) { o.logLines = n } }

// WithFileMirror enables rotating per-service log files under cfg.Dir.
func WithFileMirror(cfg logger.Config) Option { return func(o *options) { o.mirror = cfg } }

// WithGlobalEnv sets KEY=VALUE pairs injected into every service environment.
func WithGlobalEnv(kvs []string) Option { return func(o *options) { o.globalEnv = kvs } }

// WithPortRange overrides the allocator's search range.
func WithPortRange(floor, ceiling int) Option {
	return func(o *options) { o.floor, o.ceiling = floor, ceiling }
}

// New constructs a System with all components wired to a shared event bus.
func New(opts ...Option) *System {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}

	reg := service.NewRegistry()
	b := bus.New()
	graph := depgraph.New()

	var portOpts []netport.Option
	if o.floor > 0 || o.ceiling > 0 {
		portOpts = append(portOpts, netport.WithRange(o.floor, o.ceiling))
	}
	ports := netport.New(reg, portOpts...)

	genv := env.New()
	genv.FromOS()
	for _, kv := range o.globalEnv {
		if k, v, ok := strings.Cut(kv, "="); ok {
			genv.Set(k, v)
		}
	}

	var supOpts []supervisor.Option
	supOpts = append(supOpts, supervisor.WithGlobalEnv(genv))
	if o.grace > 0 {
		supOpts = append(supOpts, supervisor.WithGracePeriod(o.grace))
	}
	if o.logLines > 0 {
		supOpts = append(supOpts, supervisor.WithLogLines(o.logLines))
	}
	if o.mirror.Dir != "" {
		supOpts = append(supOpts, supervisor.WithFileMirror(o.mirror))
	}
	sup := supervisor.New(reg, b, o.log, supOpts...)

	mon := health.NewMonitor(b, o.log)
	rs := restart.NewSupervisor(b, o.log)
	orch := orchestrator.New(sup, graph, ports, mon, rs, b, o.log)

	return &System{
		registry: reg,
		bus:      b,
		graph:    graph,
		ports:    ports,
		sup:      sup,
		health:   mon,
		restarts: rs,
		orch:     orch,
	}
}

// Register adds or replaces a service definition.
func (s *System) Register(svc Service) { s.registry.Put(svc) }

// Unregister removes a service definition. Running processes are not touched.
func (s *System) Unregister(id string) { s.registry.Delete(id) }

func (s *System) Services() []Service { return s.registry.All() }

func (s *System) ServiceIDs() []string { return s.registry.IDs() }

// SetEdge declares that a service depends on another. An existing edge
// between the same pair is replaced.
func (s *System) SetEdge(e Edge) { s.graph.AddEdge(e) }

func (s *System) RemoveEdge(svc, dependsOn string) { s.graph.RemoveEdge(svc, dependsOn) }

// StartupOrder computes a dependency-respecting start order for ids.
func (s *System) StartupOrder(ids ...string) Order {
	if len(ids) == 0 {
		ids = s.registry.IDs()
	}
	return s.graph.StartupOrder(ids)
}

func (s *System) Graph() depgraph.View { return s.graph.Snapshot(s.registry.IDs()) }

// Start launches the given services (all registered services when ids is
// empty) in dependency order.
func (s *System) Start(ctx context.Context, ids []string, opts StartOptions) (StartReport, error) {
	if len(ids) == 0 {
		ids = s.registry.IDs()
	}
	return s.orch.StartServices(ctx, ids, opts)
}

// Stop terminates one service and cancels any pending restart for it.
func (s *System) Stop(id string) error { return s.orch.StopService(id) }

// StopAll terminates every running service.
func (s *System) StopAll() map[string]error { return s.orch.StopAll() }

func (s *System) Status(id string) (Status, bool) { return s.sup.Status(id) }

func (s *System) Statuses() []Status { return s.sup.Statuses() }

func (s *System) IsRunning(id string) bool { return s.sup.IsRunning(id) }

// Logs returns up to maxLines of a service's recent combined output.
func (s *System) Logs(id string, maxLines int) []string { return s.sup.Logs(id, maxLines) }

// Wait blocks until the service's process exits or the timeout elapses.
func (s *System) Wait(id string, timeout time.Duration) bool { return s.sup.Wait(id, timeout) }

// SetHealthCheck configures probing for a service. Probing begins when the
// service starts.
func (s *System) SetHealthCheck(id string, c HealthCheck) { s.orch.SetHealthConfig(id, c) }

func (s *System) HealthStatus(id string) (HealthRecord, bool) { return s.health.Status(id) }

func (s *System) HealthRecords() []HealthRecord { return s.health.Records() }

// SetRestartPolicy configures crash recovery for a service.
func (s *System) SetRestartPolicy(id string, p RestartPolicy) { s.orch.SetRestartPolicy(id, p) }

func (s *System) RestartCount(id string) int { return s.restarts.Count(id) }

func (s *System) ResetRestartCount(id string) { s.restarts.ResetRestartCount(id) }

func (s *System) CancelRestart(id string) { s.restarts.CancelRestart(id) }

// PortConflicts reports declared ports that collide with the host or with
// another service.
func (s *System) PortConflicts() []Conflict { return s.ports.DetectConflicts() }

// AutoAssignPorts moves conflicting services to free ports.
func (s *System) AutoAssignPorts(ids ...string) ([]Reassignment, error) {
	if len(ids) == 0 {
		ids = s.registry.IDs()
	}
	return s.orch.AutoAssignPorts(context.Background(), ids...)
}

func (s *System) FindAvailablePort(startingFrom int) (int, error) {
	return s.ports.FindAvailable(startingFrom)
}

// Subscribe returns a channel of lifecycle events and a cancel function.
func (s *System) Subscribe(buffer int) (<-chan Event, func()) { return s.bus.Subscribe(buffer) }

// UseStore attaches persistence (restart counts, port claims, health
// configs) from a DSN. Supported: sqlite paths and postgres:// URLs.
func (s *System) UseStore(ctx context.Context, dsn string) error {
	st, err := factory.NewFromDSN(dsn)
	if err != nil {
		return err
	}
	return s.orch.SetStore(ctx, st)
}

// ForwardHistory streams lifecycle events to the given sinks until ctx ends.
func (s *System) ForwardHistory(ctx context.Context, sinks ...history.Sink) {
	history.Forward(ctx, s.bus, sinks...)
}

// Close stops health probing, cancels pending restarts and closes the bus.
// Running processes are left alone; call StopAll first to terminate them.
func (s *System) Close() {
	s.orch.Close()
	s.health.StopAll()
	s.restarts.CancelAllRestarts()
	s.bus.Close()
}

// Apply registers everything a loaded config declares: services, dependency
// edges, health checks and restart policies.
func (s *System) Apply(c *Config) {
	for _, svc := range c.ServiceDefs() {
		s.registry.Put(svc)
	}
	for _, e := range c.Edges() {
		s.graph.AddEdge(e)
	}
	for _, sc := range c.Services {
		if hc, ok := sc.HealthCheck(); ok {
			s.orch.SetHealthConfig(sc.ID, hc)
		}
		if rp, ok := sc.RestartPolicy(); ok {
			s.orch.SetRestartPolicy(sc.ID, rp)
		}
	}
}

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHTTPServer starts an HTTP server exposing the management API.
func NewHTTPServer(addr, basePath string, s *System) (*http.Server, *iapi.Router) {
	return iapi.NewServer(addr, basePath, iapi.Deps{
		Registry: s.registry,
		Orch:     s.orch,
		Sup:      s.sup,
		Graph:    s.graph,
		Ports:    s.ports,
		Health:   s.health,
		Restarts: s.restarts,
		Bus:      s.bus,
	})
}

// NewRouter returns an embeddable router over the system for mounting in an
// existing HTTP server.
func NewRouter(basePath string, s *System) *iapi.Router {
	return iapi.NewRouter(iapi.Deps{
		Registry: s.registry,
		Orch:     s.orch,
		Sup:      s.sup,
		Graph:    s.graph,
		Ports:    s.ports,
		Health:   s.health,
		Restarts: s.restarts,
		Bus:      s.bus,
	}, basePath)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

// NewLogger builds the colorized slog logger used by the daemon.
func NewLogger(level string) *slog.Logger { return logger.New(level) }
