package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/laminarhq/laminar/internal/engine"
	"github.com/laminarhq/laminar/internal/store"
	"github.com/laminarhq/laminar/internal/streaming"
	"github.com/laminarhq/laminar/internal/validation"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor  engine.Executor
	Store     store.Store
	Hub       streaming.EventHub
	Validator *validation.WorkflowValidator // optional; nil skips definition validation
	Logger    *slog.Logger
}

// Server wraps an MCP server with the workflow tool surface. Bad input is
// reported as tool-result errors, never as protocol errors.
type Server struct {
	executor  engine.Executor
	store     store.Store
	hub       streaming.EventHub
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		executor:  deps.Executor,
		store:     deps.Store,
		hub:       deps.Hub,
		validator: deps.Validator,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"laminar",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Laminar is a workflow execution engine running task graphs layer by layer. Use laminar.submit to run a workflow, laminar.status to check progress and pending decisions, laminar.command to steer a run (continue, abort, replan, approval_response), laminar.events to read the event log, and laminar.graph to render the task graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions exposes the actor/session registry for the notification bridge.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: commandTool(), Handler: s.handleCommand},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: graphTool(), Handler: s.handleGraph},
	}
}

// --- Tool definitions ---

func submitTool() mcp.Tool {
	return mcp.NewTool("laminar.submit",
		mcp.WithDescription("Submit a workflow definition and start a run. Returns immediately; follow progress with laminar.status and run-event notifications"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (tasks, dependencies, guards)")),
		mcp.WithString("name", mcp.Description("Workflow name (default: definition name)")),
		mcp.WithObject("inputs", mcp.Description("Input values for the workflow")),
		mcp.WithString("actor_id", mcp.Required(), mcp.Description("ID of the actor submitting the workflow")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("laminar.status",
		mcp.WithDescription("Get workflow status: record status, per-task states and pending decisions"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func commandTool() mcp.Tool {
	return mcp.NewTool("laminar.command",
		mcp.WithDescription("Send a command to a workflow. An approval_response to a suspended workflow resumes it automatically"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the target workflow")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("continue", "abort", "replan", "approval_response"),
			mcp.Description("Command type"),
		),
		mcp.WithString("reason", mcp.Description("Why the command was issued")),
		mcp.WithString("intent", mcp.Description("Replan intent (required for replan)")),
		mcp.WithObject("approval", mcp.Description("Approval payload: approved (bool), task_ids ([]string), feedback (string)")),
		mcp.WithString("actor_id", mcp.Description("ID of the issuing actor")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("laminar.events",
		mcp.WithDescription("Read a workflow's event log"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("since", mcp.Description("Only events after this sequence number")),
	)
}

func graphTool() mcp.Tool {
	return mcp.NewTool("laminar.graph",
		mcp.WithDescription("Render the workflow's task graph with current task states. Returns Mermaid flowchart syntax, ASCII art, or a base64-encoded PNG"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to render")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}
