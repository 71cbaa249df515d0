package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/internal/streaming"
	"github.com/runbooklabs/runbook/pkg/schema"
)

func runRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	file := fs.String("f", "", "path to a workflow document JSON file")
	docVersion := fs.Int("version", 0, "registered document version (default: latest)")
	watch := fs.Bool("watch", false, "print step progress while the run executes")
	asJSON := fs.Bool("json", false, "print the full run result as JSON")
	timeout := fs.Duration("timeout", 0, "abort the run after this duration (0 = no limit)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	name := fs.Arg(0)
	if (*file == "") == (name == "") {
		fmt.Fprintln(os.Stderr, "Usage: runbook run -f <document.json> | runbook run <name> [-version N]")
		os.Exit(1)
	}

	cfg := loadConfig()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	var doc *schema.WorkflowDocument
	if *file != "" {
		doc, err = schema.LoadDocumentFromFile(*file)
	} else {
		doc, err = loadRegistered(ctx, st, name, *docVersion)
	}
	if err != nil {
		fatalf("%v", err)
	}

	hub := streaming.NewMemoryHub()
	runner, err := buildRunner(cfg, st, hub, logger)
	if err != nil {
		fatalf("%v", err)
	}

	var drain func()
	if *watch {
		drain = watchProgress(ctx, hub)
	}

	result, runErr := runner.Run(ctx, doc)
	if drain != nil {
		drain()
	}

	// A nil result means the document was rejected before anything started.
	if result == nil {
		fatalf("%v", runErr)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		printRunResult(result)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// loadRegistered fetches a registered document from the store and parses it.
func loadRegistered(ctx context.Context, st store.Store, name string, version int) (*schema.WorkflowDocument, error) {
	rec, err := st.GetDocument(ctx, name, version)
	if err != nil {
		return nil, err
	}
	return schema.ParseDocument(rec.Raw)
}

// watchProgress prints live run events to stdout. The returned function
// unsubscribes and waits until every delivered event has been printed.
func watchProgress(ctx context.Context, hub streaming.EventHub) func() {
	events, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: progress stream unavailable: %v\n", err)
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range events {
			if e.StepID != "" {
				fmt.Printf("  %-26s %s\n", e.EventType, e.StepID)
			} else {
				fmt.Printf("  %s\n", e.EventType)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// printRunResult renders a run outcome for the terminal.
func printRunResult(result *schema.RunResult) {
	fmt.Printf("Run %s (%s): %s\n", result.RunID, result.Document, result.Status)
	for _, id := range result.Order {
		step, ok := result.Steps[id]
		if !ok {
			continue
		}
		fmt.Printf("  %-12s %s%s\n", step.Status, id, stepDuration(step))
		if step.Error != nil {
			fmt.Printf("               error: %s\n", step.Error.Message)
		}
	}
	if result.Error != nil {
		fmt.Printf("Failed at %s: %s\n", result.FailedStep, result.Error.Message)
	}
	if len(result.Rollback) > 0 {
		fmt.Println("Rollback:")
		for _, action := range result.Rollback {
			fmt.Printf("  %-12s %s (%s)\n", action.Status, action.StepID, action.Target)
			if action.Error != nil {
				fmt.Printf("               error: %s\n", action.Error.Message)
			}
		}
	}
	if !result.CompletedAt.IsZero() {
		fmt.Printf("Duration: %s\n", result.CompletedAt.Sub(result.StartedAt).Round(time.Millisecond))
	}
}

func stepDuration(step *schema.StepResult) string {
	if step.DurationMs <= 0 {
		return ""
	}
	return fmt.Sprintf(" (%dms)", step.DurationMs)
}
