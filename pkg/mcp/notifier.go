package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

// NotificationMethod is the MCP method used for execution results.
const NotificationMethod = "notifications/message"

// ClientSender delivers a notification to one session. server.MCPServer
// satisfies it.
type ClientSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// Notifier pushes terminal execution events to the session that started the
// execution.
type Notifier struct {
	sender   ClientSender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewNotifier creates a notifier for the sessions of s.
func NewNotifier(s *Server) *Notifier {
	return &Notifier{sender: s.mcpServer, sessions: s.sessions, logger: s.logger}
}

// Run consumes terminal events from bus until ctx is done.
func (n *Notifier) Run(ctx context.Context, bus streaming.EventBus) error {
	handle := func(e schema.Event) {
		if err := n.Notify(e); err != nil {
			n.logger.WarnContext(ctx, "mcp notification failed",
				slog.String("execution_id", e.ExecutionID),
				slog.String("error", err.Error()))
		}
	}
	return streaming.Consume(ctx, bus, streaming.Filter{Buffer: 256}, streaming.Handlers{
		WorkflowCompleted: handle,
		WorkflowError:     handle,
	})
}

// Notify sends e to the session that started its execution. It is
// best-effort: executions started elsewhere, or whose session is gone, are
// ignored.
func (n *Notifier) Notify(e schema.Event) error {
	sessionID, ok := n.sessions.SessionFor(e.ExecutionID)
	if !ok {
		return nil
	}
	n.sessions.Forget(e.ExecutionID)

	payload := map[string]any{
		"level":  "info",
		"logger": "conductor",
		"data": map[string]any{
			"event":        e.Kind.String(),
			"execution_id": e.ExecutionID,
			"workflow_id":  e.WorkflowID,
		},
	}
	data := payload["data"].(map[string]any)
	if e.Error != nil {
		payload["level"] = "error"
		data["error"] = e.Error
	} else if e.Result != nil {
		data["results"] = e.Result
	}

	err := n.sender.SendNotificationToSpecificClient(sessionID, NotificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.RemoveSession(sessionID)
		return nil
	}
	return err
}
