package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/laminarhq/laminar/internal/diagram"
	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/pkg/schema"
)

// handleSubmit validates a workflow definition, persists the record and
// starts a run. The run detaches from the call (it blocks until terminal and
// may park on escalations); agents follow progress via laminar.status and
// run-event notifications.
func (s *Server) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actorID, err := req.RequireString("actor_id")
	if err != nil {
		return mcp.NewToolResultError("actor_id is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}
	if s.validator != nil {
		if result := s.validator.Validate(&def); !result.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %s", result.Errors[0].Message)), nil
		}
	}

	if regErr := s.ensureActor(ctx, actorID); regErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to register actor: %v", regErr)), nil
	}
	s.captureSession(ctx, actorID)

	name := req.GetString("name", "")
	if name == "" {
		name = def.Name
	}

	now := time.Now().UTC()
	wf := &store.Workflow{
		ID:         uuid.New().String(),
		Name:       name,
		Definition: def,
		Status:     schema.WorkflowStatusCreated,
		Intent:     def.Intent,
		ActorID:    actorID,
		Inputs:     mcp.ParseStringMap(req, "inputs", nil),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if createErr := s.store.CreateWorkflow(ctx, wf); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create workflow: %v", createErr)), nil
	}
	s.sessions.Track(wf.ID, actorID)

	go func() {
		result, runErr := s.executor.Run(context.Background(), wf)
		if runErr != nil {
			s.logger.Error("workflow run failed to start", "workflow_id", wf.ID, "error", runErr)
			return
		}
		s.logger.Info("workflow run settled", "workflow_id", wf.ID, "status", result.Status)
	}()

	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"status":      schema.WorkflowStatusRunning,
	})
}

// handleStatus returns the engine's snapshot of a workflow.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	status, statusErr := s.executor.Status(ctx, workflowID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(status)
}

// handleCommand enqueues a command. An approval_response or continue sent to
// a suspended workflow with no live control loop also resumes it, so the
// agent does not need a separate call after a process restart.
func (s *Server) handleCommand(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cmdType, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	actorID := req.GetString("actor_id", "")
	if actorID != "" {
		s.captureSession(ctx, actorID)
	}

	cmd := &schema.Command{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Type:       schema.CommandType(cmdType),
		Reason:     req.GetString("reason", ""),
		Intent:     req.GetString("intent", ""),
		IssuedBy:   actorID,
		IssuedAt:   time.Now().UTC(),
	}
	if approval := mcp.ParseStringMap(req, "approval", nil); approval != nil {
		cmd.Approval = parseApproval(approval)
	}

	if cmdErr := s.executor.Command(ctx, cmd); cmdErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("command failed: %v", cmdErr)), nil
	}

	if shouldAutoResume(cmd.Type) && s.tryResume(ctx, workflowID) {
		return marshalResult(map[string]any{
			"ok":          true,
			"workflow_id": workflowID,
			"command_id":  cmd.ID,
			"resumed":     true,
		})
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": workflowID,
		"command_id":  cmd.ID,
	})
}

// handleEvents returns the workflow's event log.
func (s *Server) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	var since int64
	if raw := req.GetString("since", ""); raw != "" {
		n, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since value: %v", parseErr)), nil
		}
		since = n
	}

	events, evErr := s.store.GetEvents(ctx, workflowID, since)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", evErr)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleGraph renders the workflow's compiled plan with task-state overlays.
func (s *Server) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format := req.GetString("format", "mermaid")
	if format != "mermaid" && format != "ascii" && format != "image" {
		return mcp.NewToolResultError("format must be mermaid, ascii or image"), nil
	}

	wf, wfErr := s.store.GetWorkflow(ctx, workflowID)
	if wfErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load workflow failed: %v", wfErr)), nil
	}
	if wf == nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %s", workflowID)), nil
	}

	graph, graphErr := schema.NewTaskGraph(uuid.New().String(), wf.ID, wf.Definition.Tasks)
	if graphErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid task graph: %v", graphErr)), nil
	}
	plan, planErr := engine.CompilePlan(graph)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan compile failed: %v", planErr)), nil
	}

	states, _ := s.store.ListTaskStates(ctx, workflowID)
	model := diagram.Build(wf.Name, plan, states)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// --- Internal helpers ---

// shouldAutoResume reports whether a command type warrants resuming a
// suspended run.
func shouldAutoResume(t schema.CommandType) bool {
	return t == schema.CommandApproval || t == schema.CommandContinue
}

// tryResume resumes the workflow when it is suspended with no live control
// loop (the process restarted while it was parked). A live run drains the
// mailbox itself. The resumed run detaches, like a fresh submission.
func (s *Server) tryResume(ctx context.Context, workflowID string) bool {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil || wf == nil || !wf.Status.Suspended() {
		return false
	}
	for _, id := range s.executor.ActiveRuns() {
		if id == workflowID {
			return false
		}
	}

	go func() {
		result, rErr := s.executor.Resume(context.Background(), workflowID)
		if rErr != nil {
			s.logger.Warn("auto-resume after command failed", "workflow_id", workflowID, "error", rErr)
			return
		}
		s.logger.Info("resumed workflow settled", "workflow_id", workflowID, "status", result.Status)
	}()
	return true
}

// parseApproval converts the tool's approval object into the command payload.
func parseApproval(raw map[string]any) *schema.ApprovalResponse {
	approval := &schema.ApprovalResponse{}
	if approved, ok := raw["approved"].(bool); ok {
		approval.Approved = approved
	}
	if feedback, ok := raw["feedback"].(string); ok {
		approval.Feedback = feedback
	}
	if ids, ok := raw["task_ids"].([]any); ok {
		for _, id := range ids {
			if sid, ok := id.(string); ok {
				approval.TaskIDs = append(approval.TaskIDs, sid)
			}
		}
	}
	return approval
}

// ensureActor creates an actor record if it doesn't already exist.
func (s *Server) ensureActor(ctx context.Context, actorID string) error {
	actor, err := s.store.GetActor(ctx, actorID)
	if err == nil && actor != nil {
		return s.store.UpdateActorSeen(ctx, actorID)
	}

	return s.store.RegisterActor(ctx, &store.Actor{
		ID:        actorID,
		Name:      actorID,
		Type:      "agent",
		CreatedAt: time.Now().UTC(),
	})
}

// captureSession maps the actor ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, actorID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(actorID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
