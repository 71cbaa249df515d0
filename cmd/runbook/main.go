package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/runbooklabs/runbook/internal/engine"
	"github.com/runbooklabs/runbook/internal/invoke"
	"github.com/runbooklabs/runbook/internal/logging"
	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/internal/streaming"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(os.Args[2:])
	case "validate":
		runValidate(os.Args[2:])
	case "plan":
		runPlan(os.Args[2:])
	case "graph":
		runGraph(os.Args[2:])
	case "register":
		runRegister(os.Args[2:])
	case "docs":
		runDocs(os.Args[2:])
	case "runs":
		runRuns(os.Args[2:])
	case "events":
		runEvents(os.Args[2:])
	case "schedule":
		runSchedule(os.Args[2:])
	case "scheduler":
		runScheduler(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`runbook - dependency-aware workflow executor

Usage:
  runbook <command> [flags] [args]

Commands:
  run        Execute a workflow document (file or registered name)
  validate   Validate a document file and report every issue
  plan       Show the execution order without running anything
  graph      Render a document or run as a Mermaid flowchart
  register   Validate and store a document version in the local database
  docs       List registered documents
  runs       List recorded runs
  events     Show the event log of a run
  schedule   Manage cron schedules (add, list, remove, enable, disable)
  scheduler  Run the schedule poll loop in the foreground
  serve      Serve the MCP tools over stdio
  version    Print the version

Run 'runbook <command> -h' for command flags.
`)
}

// fatalf prints an error to stderr and exits non-zero.
func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// --- Shared wiring ---

// newLogger builds the process logger from config. Handlers are wrapped so
// records carry run/step correlation attrs from the context.
func newLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(handler))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openStore opens the configured database and applies pending migrations.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildRegistry assembles the configured invokers. The breaker wraps retry so
// an open circuit rejects a call before any attempt is made.
func buildRegistry(cfg Config) *invoke.Registry {
	headers := map[string]string{}
	if cfg.AuthHeader != "" {
		headers["Authorization"] = cfg.AuthHeader
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	var httpInv invoke.Invoker = invoke.NewHTTPInvoker(invoke.HTTPConfig{
		BaseURL: cfg.BaseURL,
		Headers: headers,
		Timeout: timeout,
	})
	var gqlInv invoke.Invoker = invoke.NewGraphQLInvoker(invoke.GraphQLConfig{
		Endpoint: cfg.GraphQLEndpoint,
		Headers:  headers,
		Timeout:  timeout,
	})

	if cfg.RetryAttempts > 1 {
		policy := invoke.RetryPolicy{
			MaxAttempts: cfg.RetryAttempts,
			Backoff:     "exponential",
			Delay:       500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
		}
		httpInv = invoke.WithRetry(httpInv, policy)
		gqlInv = invoke.WithRetry(gqlInv, policy)
	}
	if cfg.BreakerThreshold > 0 {
		bc := invoke.DefaultBreakerConfig()
		bc.FailureThreshold = cfg.BreakerThreshold
		httpInv = invoke.WithBreaker(httpInv, bc)
		gqlInv = invoke.WithBreaker(gqlInv, bc)
	}

	reg := invoke.NewRegistry()
	_ = reg.Register(httpInv)
	_ = reg.Register(gqlInv)
	return reg
}

// buildRunner assembles the engine from config plus the given store and hub,
// either of which may be nil.
func buildRunner(cfg Config, st store.Store, hub streaming.EventHub, logger *slog.Logger) (*engine.Runner, error) {
	opts := []engine.Option{
		engine.WithRegistry(buildRegistry(cfg)),
		engine.WithLogger(logger),
	}
	if st != nil {
		opts = append(opts, engine.WithStore(st))
	}
	if hub != nil {
		opts = append(opts, engine.WithHub(hub))
	}
	if cfg.Parallelism > 1 {
		opts = append(opts, engine.WithParallelism(cfg.Parallelism))
	}
	return engine.NewRunner(opts...)
}

// tsOrDash formats an optional timestamp for table output.
func tsOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
