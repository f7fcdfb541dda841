// Package statusapi exposes a read-only HTTP mirror of the registry and
// processing-state snapshots (§6) for operators, chi-routed the same way
// the teacher's main.go wires its HTTP router. This is explicitly not the
// excluded dashboard/admin UI (§1 Non-goals) — it only reflects the same
// JSON files the broker already writes to disk.
package statusapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ashureev/relayd/internal/middleware"
	"github.com/ashureev/relayd/internal/registry"
	"github.com/ashureev/relayd/internal/router"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Handler serves the status endpoints over HTTP.
type Handler struct {
	registry *registry.Registry
	router   *router.Router
}

// NewHandler constructs a status Handler backed by the daemon's shared
// Registry and Router.
func NewHandler(reg *registry.Registry, r *router.Router) *Handler {
	return &Handler{registry: reg, router: r}
}

// Routes builds a chi.Router exposing GET /agents, GET /processing, and
// GET /healthz.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/agents", h.getAgents)
	r.Get("/processing", h.getProcessing)
	return r
}

type agentsResponse struct {
	Agents []registry.AgentInfo `json:"agents"`
}

func (h *Handler) getAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, agentsResponse{Agents: h.registry.Snapshot()})
}

type processingResponse struct {
	ProcessingAgents []string  `json:"processingAgents"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (h *Handler) getProcessing(w http.ResponseWriter, _ *http.Request) {
	names := h.router.ProcessingNames()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, processingResponse{ProcessingAgents: names, UpdatedAt: time.Now()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
