// Package mcp exposes the engine to MCP clients: start runs, poll
// execution status, list workflows. The transport is streamable HTTP,
// mounted by the API server at /mcp.
package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/cascadehq/cascade/internal/engine"
	"github.com/cascadehq/cascade/internal/store"
)

// Runner starts executions. Implemented by engine.Coordinator.
type Runner interface {
	RunWorkflow(ctx context.Context, workflowID string, payload map[string]any) (*store.Execution, error)
	FireWebhook(ctx context.Context, webhookID string, trigger engine.WebhookTrigger) (*engine.WebhookResult, error)
}

// CascadeServerDeps holds the dependencies for creating a CascadeServer.
type CascadeServerDeps struct {
	Runner Runner
	Store  store.Store
	Logger *slog.Logger
}

// CascadeServer wraps an MCP server with cascade-specific tool handlers.
type CascadeServer struct {
	runner    Runner
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCascadeServer creates a CascadeServer with all 3 tools registered.
func NewCascadeServer(deps CascadeServerDeps) *CascadeServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CascadeServer{
		runner: deps.Runner,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"cascade",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Cascade is a workflow execution engine. Use cascade.run to start a workflow execution, cascade.status to poll an execution's progress and results, and cascade.workflows to list registered workflows."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Handler returns the streamable HTTP transport for mounting under /mcp.
func (s *CascadeServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CascadeServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *CascadeServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("cascade.run",
		mcp.WithDescription("Start an execution of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("payload", mcp.Description("Trigger payload made available to nodes as the run context")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("cascade.status",
		mcp.WithDescription("Get the status, progress counters, and accumulated node results of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("cascade.workflows",
		mcp.WithDescription("List registered workflows"),
		mcp.WithString("trigger_type", mcp.Description("Filter by trigger type (manual, webhook)")),
		mcp.WithBoolean("enabled", mcp.Description("Filter by enabled flag")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of workflows to return (default: 50)")),
	)
}
