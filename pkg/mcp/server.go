package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/conductor/internal/engine"
)

// Tool names.
const (
	ToolExecute       = "conductor.execute"
	ToolStatus        = "conductor.status"
	ToolListWorkflows = "conductor.list_workflows"
	ToolControl       = "conductor.control"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Executor engine.Executor
	Version  string
	Logger   *slog.Logger
}

// Server exposes the executor as MCP tools.
type Server struct {
	executor  engine.Executor
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		executor: deps.Executor,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"conductor",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Conductor runs multi-step workflows across the analytics and automation services. "+
			"Use conductor.list_workflows to find workflows for your caller type, conductor.execute to start one, "+
			"conductor.status to poll it and conductor.control to pause, resume or cancel it. "+
			"Executions started from this session report their final result as a notification."),
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

// Sessions returns the execution to session mapping used for notifications.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listWorkflowsTool(), Handler: s.handleListWorkflows},
		{Tool: controlTool(), Handler: s.handleControl},
	}
}

func executeTool() mcp.Tool {
	return mcp.NewTool(ToolExecute,
		mcp.WithDescription("Start a workflow execution; returns immediately with an execution id"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Registered workflow id")),
		mcp.WithString("caller_type", mcp.Required(), mcp.Description("Caller type the workflow must support")),
		mcp.WithString("caller_id", mcp.Description("Identifier of the caller")),
		mcp.WithObject("parameters", mcp.Description("Workflow inputs")),
		mcp.WithObject("options", mcp.Description("Optional settings: priority, timeout_ms, webhook_url")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool(ToolStatus,
		mcp.WithDescription("Get the status of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution id returned by conductor.execute")),
		mcp.WithString("view",
			mcp.Enum("summary", "full"),
			mcp.Description("summary (default) or full, which includes step history"),
		),
	)
}

func listWorkflowsTool() mcp.Tool {
	return mcp.NewTool(ToolListWorkflows,
		mcp.WithDescription("List the workflows available to a caller type"),
		mcp.WithString("caller_type", mcp.Description("Caller type; omit to list every workflow")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool(ToolControl,
		mcp.WithDescription("Pause, resume or cancel a running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Target execution id")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("pause", "resume", "cancel"),
			mcp.Description("Control action"),
		),
	)
}
