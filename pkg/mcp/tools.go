package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/pkg/schema"
)

// handleExecute starts an execution and remembers the calling session so the
// terminal result can be pushed back to it.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	callerType, err := req.RequireString("caller_type")
	if err != nil {
		return mcp.NewToolResultError("caller_type is required"), nil
	}

	execReq := schema.ExecutionRequest{
		WorkflowID: workflowID,
		CallerType: callerType,
		CallerID:   req.GetString("caller_id", ""),
		Parameters: mcp.ParseStringMap(req, "parameters", nil),
	}
	if opts := mcp.ParseStringMap(req, "options", nil); opts != nil {
		execReq.Options = &schema.ExecutionOptions{
			Priority:   extractString(opts, "priority"),
			TimeoutMs:  int64(extractInt(opts, "timeout_ms", 0)),
			WebhookURL: extractString(opts, "webhook_url"),
		}
	}

	resp := s.executor.Execute(ctx, execReq)
	if resp.Status == schema.StatusAccepted {
		s.captureSession(ctx, resp.ExecutionID)
	}
	return marshalResult(resp)
}

func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	switch view := req.GetString("view", "summary"); view {
	case "full":
		snap, snapErr := s.executor.Snapshot(ctx, executionID)
		if snapErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", snapErr)), nil
		}
		return marshalResult(snap)
	case "summary":
		status, statusErr := s.executor.Status(ctx, executionID)
		if statusErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
		}
		return marshalResult(status)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown view %q", view)), nil
	}
}

func (s *Server) handleListWorkflows(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return marshalResult(map[string]any{
		"workflows": s.executor.ListWorkflows(req.GetString("caller_type", "")),
	})
}

func (s *Server) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	var ctlErr error
	switch action {
	case "pause":
		ctlErr = s.executor.Pause(ctx, executionID)
	case "resume":
		ctlErr = s.executor.Resume(ctx, executionID)
	case "cancel":
		ctlErr = s.executor.Cancel(ctx, executionID)
	default:
		return mcp.NewToolResultError("action must be pause, resume or cancel"), nil
	}
	if ctlErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, ctlErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"action":       action,
	})
}

// captureSession maps the execution to the current MCP session.
func (s *Server) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}

func extractString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// extractInt safely extracts an integer from a JSON-decoded map.
func extractInt(m map[string]any, key string, defaultVal int) int {
	switch val := m[key].(type) {
	case float64:
		return int(val)
	case int:
		return val
	case int64:
		return int(val)
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}
