package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/laminarhq/laminar/internal/streaming"
)

// ActorNotifier pushes notifications to connected actors.
type ActorNotifier interface {
	Notify(ctx context.Context, actorID string, payload map[string]any) error
}

// MCPNotifier implements ActorNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the actor's session.
// Best-effort: returns nil if the actor is not connected.
func (n *MCPNotifier) Notify(_ context.Context, actorID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(actorID)
	if !ok {
		return nil // actor not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// RunEventBridge forwards engine stream events to the actor that submitted
// the workflow, as MCP notifications. Events for workflows the registry does
// not track are dropped.
func RunEventBridge(ctx context.Context, hub streaming.EventHub, sessions *SessionRegistry, notifier ActorNotifier, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			actorID, tracked := sessions.ActorFor(event.WorkflowID)
			if !tracked {
				continue
			}
			payload := map[string]any{
				"workflow_id": event.WorkflowID,
				"event_type":  event.EventType,
			}
			if event.TaskID != "" {
				payload["task_id"] = event.TaskID
			}
			if event.Payload != nil {
				payload["payload"] = event.Payload
			}
			if nErr := notifier.Notify(ctx, actorID, payload); nErr != nil {
				logger.Warn("actor notification failed",
					"workflow_id", event.WorkflowID, "actor_id", actorID, "error", nErr)
			}
		}
	}
}
