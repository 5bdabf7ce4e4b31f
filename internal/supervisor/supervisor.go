package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/berthd/berth/internal/bus"
	"github.com/berthd/berth/internal/env"
	"github.com/berthd/berth/internal/logger"
	"github.com/berthd/berth/internal/metrics"
	"github.com/berthd/berth/internal/service"
)

// ProcStatus is the lifecycle status of a launched process.
type ProcStatus string

const (
	StatusRunning ProcStatus = "running"
	StatusStopped ProcStatus = "stopped"
	StatusCrashed ProcStatus = "crashed"
)

const (
	// DefaultGracePeriod is how long Stop waits for a graceful exit before
	// escalating to SIGKILL.
	DefaultGracePeriod = 5 * time.Second
	// DefaultLogLines is the capacity of the per-process output ring buffer.
	DefaultLogLines = 500
)

// Status is a point-in-time snapshot of one supervised process.
type Status struct {
	Service   string     `json:"service"`
	Status    ProcStatus `json:"status"`
	PID       int        `json:"pid,omitempty"`
	StartedAt time.Time  `json:"started_at,omitempty"`
	StoppedAt time.Time  `json:"stopped_at,omitempty"`
	ExitCode  int        `json:"exit_code"`
}

// proc is the live bookkeeping record: one per currently or recently launched
// service id. The entry survives exit so Logs keeps working; a new Start
// replaces it.
type proc struct {
	mu        sync.Mutex
	id        string
	pid       int
	status    ProcStatus
	startedAt time.Time
	stoppedAt time.Time
	exitCode  int
	buf       *ringBuffer
	killTimer *time.Timer
	waitDone  chan struct{}
	stopReq   bool
}

func (p *proc) snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		Service:   p.id,
		Status:    p.status,
		PID:       p.pid,
		StartedAt: p.startedAt,
		StoppedAt: p.stoppedAt,
		ExitCode:  p.exitCode,
	}
}

// Supervisor owns the set of spawned child processes. It starts and stops
// them, captures their output into bounded ring buffers, and publishes
// started/output/exited/crashed events on the bus.
type Supervisor struct {
	mu     sync.Mutex
	procs  map[string]*proc
	lookup service.Lookup
	envM   *env.Env
	bus    *bus.Bus
	log    *slog.Logger
	logCfg logger.Config
	grace  time.Duration
	lines  int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithGracePeriod overrides the SIGTERM-to-SIGKILL window.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLogLines overrides the ring buffer capacity.
func WithLogLines(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.lines = n
		}
	}
}

// WithFileMirror also writes captured output to rotated files per service.
func WithFileMirror(cfg logger.Config) Option {
	return func(s *Supervisor) { s.logCfg = cfg }
}

// WithGlobalEnv sets global environment overrides applied to every spawn.
func WithGlobalEnv(e *env.Env) Option {
	return func(s *Supervisor) {
		if e != nil {
			s.envM = e
		}
	}
}

func New(lookup service.Lookup, b *bus.Bus, log *slog.Logger, opts ...Option) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	s := &Supervisor{
		procs:  make(map[string]*proc),
		lookup: lookup,
		envM:   env.New(),
		bus:    b,
		log:    log,
		grace:  DefaultGracePeriod,
		lines:  DefaultLogLines,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start resolves the service definition and spawns its command. It returns
// once the process handle exists; readiness is the health monitor's job.
func (s *Supervisor) Start(id string) error {
	def, ok := s.lookup.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", service.ErrNotFound, id)
	}

	s.mu.Lock()
	if existing := s.procs[id]; existing != nil {
		existing.mu.Lock()
		running := existing.status == StatusRunning
		existing.mu.Unlock()
		if running {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
		}
	}
	p := &proc{
		id:       id,
		status:   StatusRunning,
		buf:      newRingBuffer(s.lines),
		waitDone: make(chan struct{}),
	}
	s.procs[id] = p
	s.mu.Unlock()

	cmd := buildCommand(def.Command)
	if def.WorkDir != "" {
		cmd.Dir = def.WorkDir
	}
	cmd.Env = s.envM.Merge(def.Env)
	configureSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.dropProc(id)
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.dropProc(id)
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, id, err)
	}

	if err := cmd.Start(); err != nil {
		s.dropProc(id)
		return fmt.Errorf("%w: %s: %v", ErrSpawnFailed, id, err)
	}

	p.mu.Lock()
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.mu.Unlock()

	outMirror, errMirror := s.logCfg.Writers(id)

	var scanners sync.WaitGroup
	scanners.Add(2)
	go s.captureOutput(p, stdout, outMirror, &scanners)
	go s.captureOutput(p, stderr, errMirror, &scanners)

	s.bus.Publish(bus.Event{Type: bus.EventStarted, Service: id})
	metrics.IncStart(id)
	metrics.SetRunning(s.runningCount())
	s.log.Info("service started", "service", id, "pid", cmd.Process.Pid)

	go s.waitExit(p, cmd.Wait, &scanners, []io.WriteCloser{outMirror, errMirror})
	return nil
}

func (s *Supervisor) dropProc(id string) {
	s.mu.Lock()
	delete(s.procs, id)
	s.mu.Unlock()
}

func (s *Supervisor) captureOutput(p *proc, r io.Reader, mirror io.Writer, wg *sync.WaitGroup) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		p.buf.Append(line)
		if mirror != nil {
			_, _ = mirror.Write(append([]byte(line), '\n'))
		}
		s.bus.Publish(bus.Event{Type: bus.EventOutput, Service: p.id, Line: line})
	}
}

// waitExit reaps the child, classifies the exit, cancels any pending
// force-kill timer, and publishes the terminal event.
func (s *Supervisor) waitExit(p *proc, wait func() error, scanners *sync.WaitGroup, closers []io.WriteCloser) {
	scanners.Wait()
	err := wait()
	code := exitCodeOf(err)

	for _, c := range closers {
		if c != nil {
			_ = c.Close()
		}
	}

	p.mu.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
		p.killTimer = nil
	}
	p.stoppedAt = time.Now()
	p.exitCode = code
	crashed := code != 0 && !p.stopReq
	if crashed {
		p.status = StatusCrashed
	} else {
		p.status = StatusStopped
	}
	close(p.waitDone)
	p.mu.Unlock()

	metrics.SetRunning(s.runningCount())
	if crashed {
		metrics.IncCrash(p.id)
		s.log.Warn("service crashed", "service", p.id, "exit_code", code)
		s.bus.Publish(bus.Event{Type: bus.EventCrashed, Service: p.id, ExitCode: code})
	} else {
		metrics.IncStop(p.id)
		s.log.Info("service exited", "service", p.id, "exit_code", code)
		s.bus.Publish(bus.Event{Type: bus.EventExited, Service: p.id, ExitCode: code})
	}
}

// Stop sends a graceful termination signal and schedules a force kill after
// the grace window. It does not block; the force-kill timer is cancelled
// automatically once the exit is observed.
func (s *Supervisor) Stop(id string) error {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}

	p.mu.Lock()
	if p.status != StatusRunning {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, id)
	}
	p.stopReq = true
	pid := p.pid
	p.killTimer = time.AfterFunc(s.grace, func() {
		_ = killGroup(pid)
	})
	p.mu.Unlock()

	if err := terminateGroup(pid); err != nil {
		return fmt.Errorf("stop %s: %w", id, err)
	}
	s.log.Info("service stop requested", "service", id, "pid", pid)
	return nil
}

// StopAll stops every registered process. Per-service failures are logged
// and returned in the map rather than aborting the remaining stops.
func (s *Supervisor) StopAll() map[string]error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	failures := make(map[string]error)
	for _, id := range ids {
		if err := s.Stop(id); err != nil {
			if errors.Is(err, ErrNotRunning) {
				continue
			}
			failures[id] = err
			s.log.Error("stop failed during shutdown", "service", id, "error", err)
		}
	}
	return failures
}

// Logs returns up to maxLines of the most recent buffered output. It never
// fails: an unknown or stopped service yields what is buffered, possibly
// nothing.
func (s *Supervisor) Logs(id string, maxLines int) []string {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.buf.Last(maxLines)
}

// Status reports the snapshot for one service id.
func (s *Supervisor) Status(id string) (Status, bool) {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return Status{}, false
	}
	return p.snapshot(), true
}

// Statuses reports snapshots for all registered processes.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	procs := make([]*proc, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()
	out := make([]Status, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.snapshot())
	}
	return out
}

// IsRunning reports whether a live process exists for the id.
func (s *Supervisor) IsRunning(id string) bool {
	st, ok := s.Status(id)
	return ok && st.Status == StatusRunning
}

// Wait blocks until the process for id exits or the timeout elapses.
// Used by shutdown sequences and tests; returns false on timeout or when the
// id is unknown.
func (s *Supervisor) Wait(id string, timeout time.Duration) bool {
	s.mu.Lock()
	p := s.procs[id]
	s.mu.Unlock()
	if p == nil {
		return false
	}
	select {
	case <-p.waitDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Supervisor) runningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.procs {
		p.mu.Lock()
		if p.status == StatusRunning {
			n++
		}
		p.mu.Unlock()
	}
	return n
}
