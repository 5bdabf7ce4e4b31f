package netport

import (
	"errors"
	"fmt"
	"sync"

	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/berthd/berth/internal/metrics"
	"github.com/berthd/berth/internal/service"
)

// Default scan range for free ports.
const (
	DefaultFloor   = 3000
	DefaultCeiling = 9999
)

// ErrNoPortsAvailable is returned when the scan range is exhausted.
var ErrNoPortsAvailable = errors.New("no ports available in range")

// ConflictType classifies a port conflict.
type ConflictType string

const (
	ConflictSystem  ConflictType = "system"  // something on the host already listens there
	ConflictService ConflictType = "service" // another defined service claims the same port
	ConflictBoth    ConflictType = "both"
)

// Conflict flags one service whose declared port collides.
type Conflict struct {
	Service      string       `json:"service"`
	Port         int          `json:"port"`
	Type         ConflictType `json:"type"`
	CollidesWith string       `json:"collides_with,omitempty"` // other service id for service/both
}

// Reassignment records one port move performed by AutoAssign.
type Reassignment struct {
	Service string `json:"service"`
	OldPort int    `json:"old_port"`
	NewPort int    `json:"new_port"`
}

// ScanFunc reports the set of TCP ports currently listening on the host.
type ScanFunc func() map[int]struct{}

// Allocator resolves port contention between defined services and the host.
// Port claims are read from the service directory; reassignments are written
// back through it.
type Allocator struct {
	mu      sync.Mutex
	dir     service.Directory
	floor   int
	ceiling int
	scan    ScanFunc
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithRange overrides the default scan range.
func WithRange(floor, ceiling int) Option {
	return func(a *Allocator) {
		if floor > 0 {
			a.floor = floor
		}
		if ceiling > 0 {
			a.ceiling = ceiling
		}
	}
}

// WithScanFunc substitutes the system port scan (used in tests and on
// platforms where the query is unavailable).
func WithScanFunc(fn ScanFunc) Option {
	return func(a *Allocator) { a.scan = fn }
}

func New(dir service.Directory, opts ...Option) *Allocator {
	a := &Allocator{
		dir:     dir,
		floor:   DefaultFloor,
		ceiling: DefaultCeiling,
		scan:    systemListeningPorts,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// UsedSystemPorts returns TCP ports >= 1024 the host is currently listening
// on. Best-effort: an empty set means "unknown", not "nothing in use".
func (a *Allocator) UsedSystemPorts() map[int]struct{} {
	return a.scan()
}

// systemListeningPorts queries the OS via gopsutil. Failures yield an empty
// set rather than an error; sandboxed environments routinely deny the query.
func systemListeningPorts() map[int]struct{} {
	used := make(map[int]struct{})
	conns, err := gnet.Connections("tcp")
	if err != nil {
		return used
	}
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		if p := int(c.Laddr.Port); p >= 1024 {
			used[p] = struct{}{}
		}
	}
	return used
}

// claimedPorts maps port -> first service id claiming it, excluding the given
// service id.
func (a *Allocator) claimedPorts(excludeID string) map[int]string {
	claimed := make(map[int]string)
	for _, s := range a.dir.All() {
		if s.Port <= 0 || s.ID == excludeID {
			continue
		}
		if _, ok := claimed[s.Port]; !ok {
			claimed[s.Port] = s.ID
		}
	}
	return claimed
}

// IsAvailable reports whether port is absent from both the system-used set
// and the set of ports claimed by defined services.
func (a *Allocator) IsAvailable(port int) bool {
	if _, sys := a.UsedSystemPorts()[port]; sys {
		return false
	}
	_, svc := a.claimedPorts("")[port]
	return !svc
}

// FindAvailable scans upward from startingFrom (or the range floor when <= 0)
// to the ceiling and returns the first free port.
func (a *Allocator) FindAvailable(startingFrom int) (int, error) {
	ports, err := a.findAvailable(1, startingFrom)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// FindAvailableMultiple collects count free ports in one upward scan.
func (a *Allocator) FindAvailableMultiple(count, startingFrom int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	return a.findAvailable(count, startingFrom)
}

func (a *Allocator) findAvailable(count, startingFrom int) ([]int, error) {
	start := startingFrom
	if start <= 0 {
		start = a.floor
	}
	sys := a.UsedSystemPorts()
	claimed := a.claimedPorts("")
	var found []int
	for p := start; p <= a.ceiling; p++ {
		if _, ok := sys[p]; ok {
			continue
		}
		if _, ok := claimed[p]; ok {
			continue
		}
		found = append(found, p)
		if len(found) == count {
			return found, nil
		}
	}
	return nil, fmt.Errorf("%w: %d-%d", ErrNoPortsAvailable, start, a.ceiling)
}

// ApplyClaims writes persisted port claims back onto the directory, so a
// reassignment made before an orchestrator restart wins over the port the
// definition source still declares. Claims for unknown ids are skipped.
func (a *Allocator) ApplyClaims(claims map[string]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, port := range claims {
		if port <= 0 {
			continue
		}
		_ = a.dir.SetPort(id, port)
	}
}

// DetectConflicts flags every defined service whose declared port appears in
// the system-used set, is shared with another defined service, or both.
func (a *Allocator) DetectConflicts() []Conflict {
	sys := a.UsedSystemPorts()
	var out []Conflict
	for _, s := range a.dir.All() {
		if s.Port <= 0 {
			continue
		}
		_, sysHit := sys[s.Port]
		other, svcHit := a.claimedPorts(s.ID)[s.Port]
		switch {
		case sysHit && svcHit:
			out = append(out, Conflict{Service: s.ID, Port: s.Port, Type: ConflictBoth, CollidesWith: other})
		case svcHit:
			out = append(out, Conflict{Service: s.ID, Port: s.Port, Type: ConflictService, CollidesWith: other})
		case sysHit:
			out = append(out, Conflict{Service: s.ID, Port: s.Port, Type: ConflictSystem})
		}
	}
	return out
}

// AutoAssign moves each conflicting service (optionally filtered to ids) to
// the next free port strictly greater than its current one and persists the
// change through the directory. One service exhausting the range does not
// abort reassignment of the others; its error is folded into the returned
// error after all moves were attempted.
func (a *Allocator) AutoAssign(ids ...string) ([]Reassignment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	filter := make(map[string]bool, len(ids))
	for _, id := range ids {
		filter[id] = true
	}

	var moved []Reassignment
	var errs []error
	for _, c := range a.DetectConflicts() {
		if len(filter) > 0 && !filter[c.Service] {
			continue
		}
		newPort, err := a.findAvailable(1, c.Port+1)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Service, err))
			continue
		}
		if err := a.dir.SetPort(c.Service, newPort[0]); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Service, err))
			continue
		}
		metrics.IncPortReassignment(c.Service)
		moved = append(moved, Reassignment{Service: c.Service, OldPort: c.Port, NewPort: newPort[0]})
	}
	return moved, errors.Join(errs...)
}
