package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tandemhq/tandem/internal/engine"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

// Engine is the slice of the runtime the MCP surface needs.
// Satisfied by *engine.Runtime.
type Engine interface {
	Start(ctx context.Context, workflowID string, opts schema.StartOptions) (*store.Execution, error)
	Retry(ctx context.Context, executionID string, overrides schema.RetryOverrides) (*store.Execution, error)
	Signal(ctx context.Context, executionID string, sig schema.Signal) (*store.Execution, error)
	Query(ctx context.Context, executionID string) (*engine.QueryResult, error)
}

// TandemServerDeps holds the dependencies for creating a TandemServer.
type TandemServerDeps struct {
	Engine    Engine
	Store     store.Store
	Preflight engine.Preflighter
	Logger    *slog.Logger
}

// TandemServer wraps an MCP server with tandem-specific tool handlers.
type TandemServer struct {
	engine    Engine
	store     store.Store
	preflight engine.Preflighter
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  ActorNotifier
	mcpServer *server.MCPServer
}

// NewTandemServer creates a new TandemServer with all 7 tools registered.
func NewTandemServer(deps TandemServerDeps) *TandemServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &TandemServer{
		engine:    deps.Engine,
		store:     deps.Store,
		preflight: deps.Preflight,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"tandem",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Tandem is a workflow automation engine. Use tandem.define to register workflow definitions, tandem.start to launch runs, tandem.signal to cancel/pause/resume runs, tandem.query to check progress, tandem.retry to re-run failed executions, tandem.preflight to validate a workflow before running it, and tandem.logs to read execution logs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TandemServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TandemServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *TandemServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: preflightTool(), Handler: s.handlePreflight},
		{Tool: logsTool(), Handler: s.handleLogs},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("tandem.define",
		mcp.WithDescription("Register a workflow definition. Each call creates a new immutable version"),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (a new one is generated when omitted)")),
		mcp.WithString("name", mcp.Description("Human-readable workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (nodes, trigger, branches, loops)")),
		mcp.WithString("actor", mcp.Description("Caller recorded as the definition owner")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("tandem.start",
		mcp.WithDescription("Start a workflow run. The run executes asynchronously; poll tandem.query for progress"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run (latest version is used)")),
		mcp.WithObject("trigger_data", mcp.Description("Payload handed to the trigger")),
		mcp.WithBoolean("dry_run", mcp.Description("Simulate side-effecting steps instead of executing them")),
		mcp.WithArray("skip_nodes", mcp.Description("Node IDs to bypass (recorded as skipped)")),
		mcp.WithString("stop_before", mcp.Description("Halt cleanly before entering this node")),
		mcp.WithString("actor", mcp.Description("Caller recorded on the audit trail")),
		mcp.WithString("correlation_id", mcp.Description("Caller-supplied correlation ID")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("tandem.signal",
		mcp.WithDescription("Send a control signal to a run. Signals take effect at the next step boundary"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("cancel", "pause", "resume_after_review"),
			mcp.Description("Signal type"),
		),
		mcp.WithString("reason", mcp.Description("Cancel reason, recorded on the run")),
		mcp.WithObject("payload", mcp.Description("Resume data, merged into the run context")),
		mcp.WithString("actor", mcp.Description("Caller recorded on the audit trail")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("tandem.retry",
		mcp.WithDescription("Retry a terminal execution. Creates a new run; the original is never mutated"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the failed or canceled execution")),
		mcp.WithObject("trigger_data", mcp.Description("Replacement trigger payload (original payload is reused when omitted)")),
		mcp.WithBoolean("dry_run", mcp.Description("Run the retry in dry-run mode")),
		mcp.WithString("actor", mcp.Description("Caller recorded on the audit trail")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("tandem.query",
		mcp.WithDescription("Query a run's status, progress and errors, or list runs of a workflow"),
		mcp.WithString("execution_id", mcp.Description("Execution to query")),
		mcp.WithString("workflow_id", mcp.Description("List executions of this workflow instead")),
		mcp.WithString("status", mcp.Description("Status filter for listing")),
		mcp.WithNumber("limit", mcp.Description("Max listed executions (default 50)")),
	)
}

func preflightTool() mcp.Tool {
	return mcp.NewTool("tandem.preflight",
		mcp.WithDescription("Validate a workflow without running it. Returns blocking issues, warnings and recommended actions"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow to validate")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithObject("trigger_data", mcp.Description("Trigger payload to validate references against")),
	)
}

func logsTool() mcp.Tool {
	return mcp.NewTool("tandem.logs",
		mcp.WithDescription("Read a run's execution logs, cursor-paginated"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("Execution whose logs to read")),
		mcp.WithNumber("after_id", mcp.Description("Cursor: return entries after this log ID")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50, max 100)")),
		mcp.WithBoolean("include_audit", mcp.Description("Also return the run's audit trail")),
	)
}
