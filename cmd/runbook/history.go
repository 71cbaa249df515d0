package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

func runRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	status := fs.String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	docName := fs.String("document", "", "filter by document name")
	since := fs.String("since", "", "only runs created after this RFC 3339 timestamp")
	limit := fs.Int("limit", 20, "maximum rows")
	asJSON := fs.Bool("json", false, "print runs as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	filter := &store.RunFilter{DocumentName: *docName, Limit: *limit}
	if *status != "" {
		s := schema.RunStatus(*status)
		filter.Status = &s
	}
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			fatalf("invalid -since value %q: %v", *since, err)
		}
		filter.Since = &t
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, filter)
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(out))
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded")
		return
	}
	fmt.Printf("%-36s %-24s %-10s %-21s %s\n", "ID", "DOCUMENT", "STATUS", "STARTED", "DURATION")
	for _, r := range runs {
		fmt.Printf("%-36s %-24s %-10s %-21s %s\n",
			r.ID, docOrDash(r.DocumentName), r.Status, startStamp(r), runDuration(r))
	}
}

func docOrDash(name string) string {
	if name == "" {
		return "-" // ad-hoc run from a local file
	}
	return name
}

func startStamp(r *store.Run) string {
	if r.StartedAt == nil {
		return "-"
	}
	return r.StartedAt.Format("2006-01-02 15:04:05")
}

func runDuration(r *store.Run) string {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
}

func runEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	eventType := fs.String("type", "", "filter by event type (e.g. step_failed)")
	stepID := fs.String("step", "", "filter by step id")
	limit := fs.Int("limit", 0, "maximum rows (0 = all)")
	asJSON := fs.Bool("json", false, "print events as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: runbook events [flags] <run-id>")
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	events, err := st.GetEvents(ctx, &store.EventFilter{
		RunID:     fs.Arg(0),
		StepID:    *stepID,
		EventType: *eventType,
		Limit:     *limit,
	})
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(events, "", "  ")
		fmt.Println(string(out))
		return
	}
	if len(events) == 0 {
		fmt.Println("No events recorded")
		return
	}
	for _, e := range events {
		step := ""
		if e.StepID != "" {
			step = " " + e.StepID
		}
		fmt.Printf("%4d  %s  %-26s%s\n", e.Sequence, e.Timestamp.Format("15:04:05.000"), e.Type, step)
	}
}
