package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/berthd/berth/internal/bus"
	"github.com/berthd/berth/internal/depgraph"
	"github.com/berthd/berth/internal/health"
	"github.com/berthd/berth/internal/netport"
	"github.com/berthd/berth/internal/orchestrator"
	"github.com/berthd/berth/internal/restart"
	"github.com/berthd/berth/internal/service"
	"github.com/berthd/berth/internal/supervisor"
)

// Deps bundles the components a Router serves.
type Deps struct {
	Registry *service.Registry
	Orch     *orchestrator.Orchestrator
	Sup      *supervisor.Supervisor
	Graph    *depgraph.Graph
	Ports    *netport.Allocator
	Health   *health.Monitor
	Restarts *restart.Supervisor
	Bus      *bus.Bus
}

// Router provides embeddable HTTP handlers over a running orchestrator.
// Endpoints (all under basePath):
//
//	GET    /services             list registered services
//	POST   /services             register one service (JSON body)
//	DELETE /services?id=...      unregister
//	POST   /start                body: {"ids": [...], "resolve_ports": bool}
//	POST   /stop?id=...          stop one service (or all=1 for everything)
//	GET    /status?id=...        one status, or all when id is empty
//	GET    /logs?id=...&lines=N  captured output tail
//	GET    /graph                dependency graph snapshot
//	GET    /order?ids=a,b,c      computed startup order (all services if empty)
//	POST   /edges                add or replace a dependency edge (JSON body)
//	DELETE /edges?service=...&depends_on=...
//	GET    /ports/conflicts      current port conflicts
//	POST   /ports/auto-assign    body: {"ids": [...]}
//	GET    /health?id=...        probe record(s)
//	POST   /health/stop?id=...   stop probing a service
//	POST   /restarts/reset?id=.. zero a service's restart count
//	POST   /restarts/cancel?id=. cancel a pending restart
//	GET    /events?limit=N       recent lifecycle events, oldest first
type Router struct {
	deps     Deps
	basePath string

	mu     sync.Mutex
	recent []bus.Event
	cancel func()
}

const recentEventCap = 256

// NewRouter constructs a Router with a configurable basePath and begins
// recording lifecycle events for the /events endpoint. Call Close when done.
func NewRouter(deps Deps, basePath string) *Router {
	r := &Router{deps: deps, basePath: sanitizeBase(basePath)}
	if deps.Bus != nil {
		ch, cancel := deps.Bus.Subscribe(64)
		r.cancel = cancel
		go r.record(ch)
	}
	return r
}

func (r *Router) record(ch <-chan bus.Event) {
	for e := range ch {
		if e.Type == bus.EventOutput {
			continue
		}
		r.mu.Lock()
		r.recent = append(r.recent, e)
		if len(r.recent) > recentEventCap {
			r.recent = r.recent[len(r.recent)-recentEventCap:]
		}
		r.mu.Unlock()
	}
}

// Close releases the router's bus subscription.
func (r *Router) Close() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/services", r.handleListServices)
	group.POST("/services", r.handleAddService)
	group.DELETE("/services", r.handleDeleteService)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.GET("/status", r.handleStatus)
	group.GET("/logs", r.handleLogs)
	group.GET("/graph", r.handleGraph)
	group.GET("/order", r.handleOrder)
	group.POST("/edges", r.handleAddEdge)
	group.DELETE("/edges", r.handleRemoveEdge)
	group.GET("/ports/conflicts", r.handleConflicts)
	group.POST("/ports/auto-assign", r.handleAutoAssign)
	group.GET("/health", r.handleHealth)
	group.POST("/health/stop", r.handleHealthStop)
	group.POST("/restarts/reset", r.handleRestartReset)
	group.POST("/restarts/cancel", r.handleRestartCancel)
	group.GET("/events", r.handleEvents)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, deps Deps) (*http.Server, *Router) {
	r := NewRouter(deps, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, r
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleListServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Registry.All())
}

func (r *Router) handleAddService(c *gin.Context) {
	var svc service.Service
	if err := c.ShouldBindJSON(&svc); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if !isSafeID(svc.ID) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid id: allowed [A-Za-z0-9._-] and no '..' or path separators"})
		return
	}
	if svc.Command == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "command required"})
		return
	}
	if !isSafeAbsPath(svc.WorkDir) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid workdir: must be absolute path without traversal"})
		return
	}
	r.deps.Registry.Put(svc)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleDeleteService(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	if r.deps.Sup.IsRunning(id) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "service is running; stop it first"})
		return
	}
	r.deps.Registry.Delete(id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

type startReq struct {
	IDs          []string `json:"ids"`
	ResolvePorts bool     `json:"resolve_ports"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = r.deps.Registry.IDs()
	}
	report, err := r.deps.Orch.StartServices(c.Request.Context(), ids, orchestrator.StartOptions{
		ResolvePorts: req.ResolvePorts,
	})
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, report)
}

func (r *Router) handleStop(c *gin.Context) {
	id := c.Query("id")
	all := c.Query("all")
	if id == "" && all == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id or all query param required"})
		return
	}
	if all != "" {
		errs := r.deps.Orch.StopAll()
		if len(errs) > 0 {
			out := make(map[string]string, len(errs))
			for k, v := range errs {
				out[k] = v.Error()
			}
			writeJSON(c, http.StatusInternalServerError, out)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	if err := r.deps.Orch.StopService(id); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusOK, r.deps.Sup.Statuses())
		return
	}
	st, ok := r.deps.Sup.Status(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no status for " + id})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleLogs(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	lines := 100
	if s := c.Query("lines"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			lines = n
		}
	}
	writeJSON(c, http.StatusOK, r.deps.Sup.Logs(id, lines))
}

func (r *Router) handleGraph(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Graph.Snapshot(r.deps.Registry.IDs()))
}

func (r *Router) handleOrder(c *gin.Context) {
	ids := splitCSV(c.Query("ids"))
	if len(ids) == 0 {
		ids = r.deps.Registry.IDs()
	}
	writeJSON(c, http.StatusOK, r.deps.Graph.StartupOrder(ids))
}

func (r *Router) handleAddEdge(c *gin.Context) {
	var e depgraph.Edge
	if err := c.ShouldBindJSON(&e); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if e.Service == "" || e.DependsOn == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "service and depends_on required"})
		return
	}
	r.deps.Graph.AddEdge(e)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRemoveEdge(c *gin.Context) {
	svc := c.Query("service")
	dep := c.Query("depends_on")
	if svc == "" || dep == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "service and depends_on query params required"})
		return
	}
	r.deps.Graph.RemoveEdge(svc, dep)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleConflicts(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Ports.DetectConflicts())
}

type autoAssignReq struct {
	IDs []string `json:"ids"`
}

func (r *Router) handleAutoAssign(c *gin.Context) {
	var req autoAssignReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = r.deps.Registry.IDs()
	}
	moved, err := r.deps.Orch.AutoAssignPorts(c.Request.Context(), ids...)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, moved)
}

func (r *Router) handleHealth(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusOK, r.deps.Health.Records())
		return
	}
	rec, ok := r.deps.Health.Status(id)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no health record for " + id})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleHealthStop(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	r.deps.Health.Stop(id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestartReset(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	r.deps.Restarts.ResetRestartCount(id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestartCancel(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "id query param required"})
		return
	}
	r.deps.Restarts.CancelRestart(id)
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleEvents(c *gin.Context) {
	limit := recentEventCap
	if s := c.Query("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	r.mu.Lock()
	evs := r.recent
	if len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	out := make([]bus.Event, len(evs))
	copy(out, evs)
	r.mu.Unlock()
	writeJSON(c, http.StatusOK, out)
}
