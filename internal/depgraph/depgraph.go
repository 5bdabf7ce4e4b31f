package depgraph

import (
	"sync"
	"time"
)

// Edge declares "Service requires DependsOn". WaitForHealth gates the
// dependent's start on the dependency reaching a healthy state; StartupDelay
// is an extra pause inserted after the dependency starts.
type Edge struct {
	Service       string        `json:"service"`
	DependsOn     string        `json:"depends_on"`
	WaitForHealth bool          `json:"wait_for_health"`
	StartupDelay  time.Duration `json:"startup_delay"`
}

// Order is the result of a startup-order computation. Order holds a valid
// dependency-respecting prefix; Cycles lists the ids that could not be
// ordered because they participate in (or depend on) a cycle. Callers decide
// whether a partial start is acceptable.
type Order struct {
	Order  []string `json:"order"`
	Cycles []string `json:"cycles"`
}

// Graph stores directed dependency edges between service ids.
// AddEdge never rejects cycles; cycle checking is an explicit call so the
// embedding layer can warn before committing an edge.
type Graph struct {
	mu    sync.RWMutex
	edges []Edge
}

func New() *Graph {
	return &Graph{}
}

// AddEdge inserts an edge. A duplicate (service, depends_on) pair replaces
// the existing edge's attributes in place.
func (g *Graph) AddEdge(e Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, ex := range g.edges {
		if ex.Service == e.Service && ex.DependsOn == e.DependsOn {
			g.edges[i] = e
			return
		}
	}
	g.edges = append(g.edges, e)
}

// RemoveEdge deletes the (service, dependsOn) edge if present.
func (g *Graph) RemoveEdge(service, dependsOn string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, e := range g.edges {
		if e.Service == service && e.DependsOn == dependsOn {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			return
		}
	}
}

// Edges returns a copy of all edges in insertion order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Edge(nil), g.edges...)
}

// DependenciesOf returns the edges whose Service field equals id, in
// insertion order.
func (g *Graph) DependenciesOf(id string) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for _, e := range g.edges {
		if e.Service == id {
			out = append(out, e)
		}
	}
	return out
}

// EdgeBetween returns the edge (service -> dependsOn) when declared.
func (g *Graph) EdgeBetween(service, dependsOn string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.edges {
		if e.Service == service && e.DependsOn == dependsOn {
			return e, true
		}
	}
	return Edge{}, false
}

// HasCycle reports whether following depends-on edges from id revisits a
// node already on the current traversal path. A done set keeps shared
// sub-dependencies from being re-walked, so the check terminates in linear
// time on diamond-shaped graphs.
func (g *Graph) HasCycle(id string) bool {
	adj := g.dependsAdjacency()
	inPath := make(map[string]bool)
	done := make(map[string]bool)
	return visit(id, adj, inPath, done)
}

func visit(id string, adj map[string][]string, inPath, done map[string]bool) bool {
	if inPath[id] {
		return true
	}
	if done[id] {
		return false
	}
	inPath[id] = true
	for _, dep := range adj[id] {
		if visit(dep, adj, inPath, done) {
			return true
		}
	}
	delete(inPath, id)
	done[id] = true
	return false
}

// StartupOrder computes a dependency-respecting order over the induced
// subgraph of ids; edges touching ids outside the set are ignored. Kahn's
// algorithm is used; ties among zero-in-degree nodes break by the position of
// the id in the input slice, so identical input yields identical output.
// Nodes never dequeued are reported in Cycles instead of failing the call.
func (g *Graph) StartupOrder(ids []string) Order {
	inSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		inSet[id] = true
	}

	// adjacency restricted to the set: dependency -> dependents
	indeg := make(map[string]int, len(ids))
	dependents := make(map[string][]string)
	for _, id := range ids {
		indeg[id] = 0
	}
	g.mu.RLock()
	for _, e := range g.edges {
		if !inSet[e.Service] || !inSet[e.DependsOn] {
			continue
		}
		if e.Service == e.DependsOn {
			// self-loop: immediately cyclic
			indeg[e.Service]++
			continue
		}
		indeg[e.Service]++
		dependents[e.DependsOn] = append(dependents[e.DependsOn], e.Service)
	}
	g.mu.RUnlock()

	queue := make([]string, 0, len(ids))
	for _, id := range ids {
		if indeg[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			indeg[dep]--
			if indeg[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	res := Order{Order: order}
	if len(order) < len(ids) {
		placed := make(map[string]bool, len(order))
		for _, id := range order {
			placed[id] = true
		}
		for _, id := range ids {
			if !placed[id] {
				res.Cycles = append(res.Cycles, id)
			}
		}
	}
	return res
}

// View is a node/edge rendering of the graph for visualization. Purely
// derived; no side effects.
type View struct {
	Nodes []string `json:"nodes"`
	Edges []Edge   `json:"edges"`
}

// Snapshot returns a view over the union of the given ids and every id
// referenced by an edge.
func (g *Graph) Snapshot(ids []string) View {
	seen := make(map[string]bool)
	var nodes []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			nodes = append(nodes, id)
		}
	}
	for _, id := range ids {
		add(id)
	}
	g.mu.RLock()
	edges := append([]Edge(nil), g.edges...)
	g.mu.RUnlock()
	for _, e := range edges {
		add(e.Service)
		add(e.DependsOn)
	}
	return View{Nodes: nodes, Edges: edges}
}

// dependsAdjacency builds id -> list of ids it depends on, insertion order.
func (g *Graph) dependsAdjacency() map[string][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	adj := make(map[string][]string)
	for _, e := range g.edges {
		adj[e.Service] = append(adj[e.Service], e.DependsOn)
	}
	return adj
}
