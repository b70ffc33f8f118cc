package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/laminarhq/laminar/internal/diagram"
	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/scheduler"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// --- Workflows ---

// handleSubmitWorkflow accepts a workflow document, validates it and starts
// a run. The run detaches from the request; clients follow progress via
// status polling or the SSE stream.
func (s *Server) handleSubmitWorkflow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string                     `json:"name"`
		Definition *schema.WorkflowDefinition `json:"definition"`
		Inputs     map[string]any             `json:"inputs"`
		ActorID    string                     `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	workflowID, err := s.submit(r.Context(), body.Name, body.Definition, body.Inputs, body.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"status":      string(schema.WorkflowStatusRunning),
	})
}

// Submit implements scheduler.Submitter: cron schedules enter through the
// same validation and persistence path as HTTP clients.
func (s *Server) Submit(ctx context.Context, req scheduler.SubmitRequest) (string, error) {
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(req.Definition, &def); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "parse workflow definition: %s", err.Error()).WithCause(err)
	}
	return s.submit(ctx, req.Name, &def, req.Inputs, req.ActorID)
}

// submit persists a workflow record and hands it to the executor. The
// executor blocks until the run settles, so it is driven from a detached
// goroutine; the workflow record and event log carry the outcome.
func (s *Server) submit(ctx context.Context, name string, def *schema.WorkflowDefinition, inputs map[string]any, actorID string) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow definition is required")
	}
	if s.deps.Validator != nil {
		if result := s.deps.Validator.Validate(def); !result.Valid() {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow definition: %s", result.Errors[0].Message).
				WithDetails(map[string]any{"errors": result.Errors})
		}
	}
	if name == "" {
		name = def.Name
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:         uuid.New().String(),
		Name:       name,
		Definition: *def,
		Status:     schema.WorkflowStatusCreated,
		Intent:     def.Intent,
		ActorID:    actorID,
		Inputs:     inputs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.deps.Store.CreateWorkflow(ctx, wf); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create workflow: %s", err.Error()).WithCause(err)
	}

	go func() {
		result, err := s.deps.Executor.Run(context.Background(), wf)
		if err != nil {
			s.deps.Logger.Error("workflow run failed to start", "workflow_id", wf.ID, "error", err)
			return
		}
		s.deps.Logger.Info("workflow run settled",
			"workflow_id", wf.ID, "status", result.Status, "layers", result.LayerCount)
	}()

	return wf.ID, nil
}

// handleListWorkflows lists workflow records with optional filters.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := store.WorkflowFilter{
		ActorID: r.URL.Query().Get("actor_id"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if statusFilter := r.URL.Query().Get("status"); statusFilter != "" {
		ws := schema.WorkflowStatus(statusFilter)
		filter.Status = &ws
	}

	workflows, err := s.deps.Store.ListWorkflows(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list workflows: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

// handleWorkflowStatus returns the engine's snapshot of one workflow:
// record status, per-task states and pending decisions.
func (s *Server) handleWorkflowStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Executor.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCommand validates and enqueues a command for a running workflow.
// Commands targeting unknown or terminal workflows are absorbed by the
// engine and surface as a command_rejected event, so enqueueing always
// answers 202.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type     schema.CommandType       `json:"type"`
		Reason   string                   `json:"reason"`
		Intent   string                   `json:"intent"`
		Approval *schema.ApprovalResponse `json:"approval"`
		IssuedBy string                   `json:"issued_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	cmd := &schema.Command{
		ID:         uuid.New().String(),
		WorkflowID: r.PathValue("id"),
		Type:       body.Type,
		Reason:     body.Reason,
		Intent:     body.Intent,
		Approval:   body.Approval,
		IssuedBy:   body.IssuedBy,
		IssuedAt:   time.Now().UTC(),
	}
	if err := s.deps.Executor.Command(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"command_id":  cmd.ID,
		"workflow_id": cmd.WorkflowID,
	})
}

// handleResume re-enters a checkpointed workflow. Resume blocks until the
// run settles, so it is detached from the request like a fresh submission;
// precondition failures (no checkpoint, already running) are reported by
// a synchronous dry check against the store.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")

	wf, err := s.deps.Store.GetWorkflow(r.Context(), workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load workflow: %v", err))
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	if wf.Status.Terminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("cannot resume workflow in status %s", wf.Status))
		return
	}

	go func() {
		result, err := s.deps.Executor.Resume(context.Background(), workflowID)
		if err != nil {
			s.deps.Logger.Error("workflow resume failed", "workflow_id", workflowID, "error", err)
			return
		}
		s.deps.Logger.Info("resumed workflow settled", "workflow_id", workflowID, "status", result.Status)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": workflowID})
}

// handleWorkflowEvents returns the workflow's event log, optionally after
// a sequence number.
func (s *Server) handleWorkflowEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.GetEvents(r.Context(), r.PathValue("id"), queryInt64(r, "since", 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list events: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// handleWorkflowGraph renders the workflow's compiled plan with current
// task states overlaid. Formats: mermaid (default), ascii, png.
func (s *Server) handleWorkflowGraph(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := r.PathValue("id")

	wf, err := s.deps.Store.GetWorkflow(ctx, workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("load workflow: %v", err))
		return
	}
	if wf == nil {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}

	graph, err := schema.NewTaskGraph(uuid.New().String(), wf.ID, wf.Definition.Tasks)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	plan, err := engine.CompilePlan(graph)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	states, _ := s.deps.Store.ListTaskStates(ctx, workflowID)
	model := diagram.Build(wf.Name, plan, states)

	switch r.URL.Query().Get("format") {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderMermaid(model))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, diagram.RenderASCII(model))
	case "png":
		png, rErr := diagram.RenderImage(model)
		if rErr != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("render image: %v", rErr))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(png)
	default:
		writeError(w, http.StatusBadRequest, "unknown format; use mermaid, ascii or png")
	}
}

// --- Decisions and actors ---

// handleListDecisions lists decisions, pending ones by default.
func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = store.DecisionStatusPending
	}

	decisions, err := s.deps.Store.ListDecisions(r.Context(), store.DecisionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
		Status:     status,
		Limit:      queryInt(r, "limit", 50),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list decisions: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	actors, err := s.deps.Store.ListActors(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list actors: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"actors": actors})
}

// --- Schedules ---

// handleCreateSchedule registers a cron schedule carrying its own workflow
// definition.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name           string          `json:"name"`
		CronExpression string          `json:"cron_expression"`
		Definition     json.RawMessage `json:"definition"`
		Inputs         json.RawMessage `json:"inputs"`
		ActorID        string          `json:"actor_id"`
		Enabled        bool            `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.CronExpression == "" || len(body.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "cron_expression and definition are required")
		return
	}

	// Reject definitions the submission path would refuse later.
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(body.Definition, &def); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid definition: %v", err))
		return
	}
	if s.deps.Validator != nil {
		if result := s.deps.Validator.Validate(&def); !result.Valid() {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid definition: %s", result.Errors[0].Message))
			return
		}
	}

	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		Name:           body.Name,
		CronExpression: body.CronExpression,
		Definition:     body.Definition,
		Inputs:         body.Inputs,
		ActorID:        body.ActorID,
		Enabled:        body.Enabled,
		CreatedAt:      time.Now().UTC(),
	}

	if s.deps.Scheduler != nil {
		next, err := s.deps.Scheduler.NextRun(body.CronExpression, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron expression: %v", err))
			return
		}
		job.NextRunAt = &next
	}

	if err := s.deps.Store.CreateScheduledJob(r.Context(), job); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("create schedule: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": job.ID, "next_run_at": job.NextRunAt})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	filter := store.ScheduledJobFilter{
		ActorID: r.URL.Query().Get("actor_id"),
		Limit:   queryInt(r, "limit", 50),
	}
	if enabled := r.URL.Query().Get("enabled"); enabled != "" {
		v := enabled == "true"
		filter.Enabled = &v
	}

	jobs, err := s.deps.Store.ListScheduledJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list schedules: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	if err := s.deps.Store.UpdateScheduledJob(r.Context(), jobID, store.ScheduledJobUpdate{
		Enabled: body.Enabled,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("update schedule: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID})
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	if err := s.deps.Store.DeleteScheduledJob(r.Context(), jobID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("delete schedule: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": jobID})
}
