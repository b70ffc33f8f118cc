// Package httpapi exposes the engine over HTTP: JSON endpoints for
// workflow submission, status and commands, plus SSE streams fed by the
// event hub. It is a transport layer only; all semantics live in the
// engine and the store.
package httpapi

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/scheduler"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/internal/streaming"
	"github.com/laminarhq/laminar/internal/validation"
)

// Deps holds the collaborators the API server needs.
type Deps struct {
	Store     store.Store
	Executor  engine.Executor
	Hub       streaming.EventHub
	Validator *validation.WorkflowValidator // optional; skips definition validation when nil
	Scheduler *scheduler.Scheduler          // optional; schedule endpoints reject cron input without it
	Logger    *slog.Logger
}

// Server serves the JSON + SSE transport. It also implements
// scheduler.Submitter, so cron schedules and HTTP clients share one
// submission path.
type Server struct {
	deps Deps
}

var _ scheduler.Submitter = (*Server)(nil)

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/healthz", s.handleHealth)

	// Workflows.
	mux.HandleFunc("POST /api/workflows", s.handleSubmitWorkflow)
	mux.HandleFunc("GET /api/workflows", s.handleListWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleWorkflowStatus)
	mux.HandleFunc("POST /api/workflows/{id}/commands", s.handleCommand)
	mux.HandleFunc("POST /api/workflows/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleWorkflowEvents)
	mux.HandleFunc("GET /api/workflows/{id}/graph", s.handleWorkflowGraph)

	// Decisions and actors.
	mux.HandleFunc("GET /api/decisions", s.handleListDecisions)
	mux.HandleFunc("GET /api/actors", s.handleListActors)

	// Schedules.
	mux.HandleFunc("POST /api/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)

	// SSE streams.
	mux.HandleFunc("GET /api/events/stream", s.handleSSEGlobal)
	mux.HandleFunc("GET /api/workflows/{id}/events/stream", s.handleSSEWorkflow)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": len(s.deps.Executor.ActiveRuns()),
	})
}
