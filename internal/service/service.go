package service

import (
	"sort"
	"sync"
)

// Service describes an externally defined local process. The orchestration
// core never creates or deletes definitions; it reads them to launch and to
// resolve port claims.
type Service struct {
	ID      string            `json:"id"`
	Command string            `json:"command"`  // launch command (shell syntax allowed)
	WorkDir string            `json:"work_dir"` // optional working dir
	Port    int               `json:"port"`     // declared port claim; 0 means none
	Env     map[string]string `json:"env"`      // per-service environment overrides
}

// Lookup resolves service definitions by id. Implemented by Registry and by
// whatever definition store the embedding layer provides.
type Lookup interface {
	Get(id string) (Service, bool)
	All() []Service
}

// Directory extends Lookup with the single mutation the core needs:
// persisting a port reassignment back onto a definition.
type Directory interface {
	Lookup
	SetPort(id string, port int) error
}

// Registry is an in-memory Directory. The embedding layer seeds it from its
// own definition source and keeps it current.
type Registry struct {
	mu   sync.RWMutex
	svcs map[string]Service
	// insertion order, kept so All() is deterministic
	order []string
}

func NewRegistry() *Registry {
	return &Registry{svcs: make(map[string]Service)}
}

// Put inserts or replaces a definition.
func (r *Registry) Put(s Service) {
	r.mu.Lock()
	if _, ok := r.svcs[s.ID]; !ok {
		r.order = append(r.order, s.ID)
	}
	r.svcs[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (Service, bool) {
	r.mu.RLock()
	s, ok := r.svcs[id]
	r.mu.RUnlock()
	return s, ok
}

// All returns definitions in registration order.
func (r *Registry) All() []Service {
	r.mu.RLock()
	out := make([]Service, 0, len(r.svcs))
	for _, id := range r.order {
		if s, ok := r.svcs[id]; ok {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	return out
}

// Delete removes a definition. No-op when absent.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	if _, ok := r.svcs[id]; ok {
		delete(r.svcs, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()
}

// SetPort updates the declared port of an existing definition.
func (r *Registry) SetPort(id string, port int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.svcs[id]
	if !ok {
		return ErrNotFound
	}
	s.Port = port
	r.svcs[id] = s
	return nil
}

// IDs returns all known ids sorted, for stable reporting.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.svcs))
	for id := range r.svcs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
