package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/internal/streaming"
	"github.com/runbooklabs/runbook/internal/validation"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// DocumentRunner executes parsed workflow documents. Satisfied by
// *engine.Runner; the interface keeps tool handlers testable without a
// full engine.
type DocumentRunner interface {
	Run(ctx context.Context, doc *schema.WorkflowDocument) (*schema.RunResult, error)
}

// RunbookServerDeps holds the dependencies for creating a RunbookServer.
type RunbookServerDeps struct {
	Runner  DocumentRunner
	Store   store.Store
	Hub     streaming.EventHub
	Logger  *slog.Logger
	Version string
}

// RunbookServer wraps an MCP server with runbook-specific tool handlers.
type RunbookServer struct {
	runner    DocumentRunner
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	validator func() (*validation.DocumentValidator, error)
	mcpServer *server.MCPServer
	notifier  *EventNotifier
}

// NewRunbookServer creates a new RunbookServer with all 7 tools registered.
func NewRunbookServer(deps RunbookServerDeps) *RunbookServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &RunbookServer{
		runner:    deps.Runner,
		store:     deps.Store,
		hub:       deps.Hub,
		logger:    logger,
		validator: sync.OnceValues(validation.NewDocumentValidator),
	}

	mcpSrv := server.NewMCPServer(
		"runbook",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Runbook executes dependency-ordered workflow documents against remote systems. Use runbook.run to start a registered document, runbook.validate to check a document before registering it, runbook.plan to preview the execution order, runbook.register to store a new document version, runbook.status to inspect a run, runbook.query to list runs/documents/events/schedules, and runbook.graph to picture the dependency graph."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Hub != nil {
		s.notifier = NewEventNotifier(mcpSrv, deps.Hub)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. When an event hub is configured, live run events are forwarded to
// connected clients for the lifetime of the transport.
func (s *RunbookServer) Serve(ctx context.Context) error {
	if s.notifier != nil {
		if err := s.notifier.Start(ctx); err != nil {
			s.logger.Warn("event notifier unavailable", slog.String("error", err.Error()))
		} else {
			defer s.notifier.Stop()
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *RunbookServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 7 registered MCP tools as ServerTool entries.
func (s *RunbookServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: graphTool(), Handler: s.handleGraph},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("runbook.run",
		mcp.WithDescription("Execute a registered workflow document"),
		mcp.WithString("document_name", mcp.Required(), mcp.Description("Name of the registered document to execute")),
		mcp.WithNumber("version", mcp.Description("Document version (default: latest)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("runbook.validate",
		mcp.WithDescription("Validate a workflow document and report every issue"),
		mcp.WithObject("document", mcp.Required(), mcp.Description("Workflow document object to validate")),
	)
}

func planTool() mcp.Tool {
	return mcp.NewTool("runbook.plan",
		mcp.WithDescription("Compute the execution order of a workflow document without running it"),
		mcp.WithObject("document", mcp.Required(), mcp.Description("Workflow document object to plan")),
	)
}

func registerTool() mcp.Tool {
	return mcp.NewTool("runbook.register",
		mcp.WithDescription("Register a new version of a workflow document"),
		mcp.WithObject("document", mcp.Required(), mcp.Description("Workflow document object; its name comes from workflow_metadata and the version is assigned automatically")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("runbook.status",
		mcp.WithDescription("Get the state of a run and its steps"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("runbook.query",
		mcp.WithDescription("Query runs, documents, events, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "documents", "events", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, document_name, since, limit, event_type, run_id, step_id, enabled, name)")),
	)
}
