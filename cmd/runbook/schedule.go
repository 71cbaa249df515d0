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

	"github.com/google/uuid"

	"github.com/runbooklabs/runbook/internal/scheduler"
	"github.com/runbooklabs/runbook/internal/store"
)

func runSchedule(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: runbook schedule <add|list|remove|enable|disable> [args]")
		os.Exit(1)
	}

	switch args[0] {
	case "add":
		scheduleAdd(args[1:])
	case "list":
		scheduleList(args[1:])
	case "remove":
		scheduleRemove(args[1:])
	case "enable":
		scheduleSetEnabled(args[1:], true)
	case "disable":
		scheduleSetEnabled(args[1:], false)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown schedule command %q\n", args[0])
		os.Exit(1)
	}
}

func scheduleAdd(args []string) {
	fs := flag.NewFlagSet("schedule add", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(os.Stderr, `Usage: runbook schedule add <document-name> "<cron-expression>"`)
		os.Exit(1)
	}
	name, cronExpr := fs.Arg(0), fs.Arg(1)

	next, err := scheduler.NextRun(cronExpr, time.Now().UTC())
	if err != nil {
		fatalf("%v", err)
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	// The document must exist before it can be scheduled.
	if _, err := st.GetDocument(ctx, name, 0); err != nil {
		fatalf("%v", err)
	}

	sched := &store.Schedule{
		ID:           uuid.NewString(),
		DocumentName: name,
		CronExpr:     cronExpr,
		Enabled:      true,
		NextRunAt:    &next,
	}
	if err := st.CreateSchedule(ctx, sched); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Schedule %s: %s on %q, next run %s\n",
		sched.ID, name, cronExpr, next.Format(time.RFC3339))
}

func scheduleList(args []string) {
	fs := flag.NewFlagSet("schedule list", flag.ExitOnError)
	docName := fs.String("document", "", "filter by document name")
	asJSON := fs.Bool("json", false, "print schedules as JSON")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	schedules, err := st.ListSchedules(ctx, &store.ScheduleFilter{DocumentName: *docName})
	if err != nil {
		fatalf("%v", err)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(schedules, "", "  ")
		fmt.Println(string(out))
		return
	}
	if len(schedules) == 0 {
		fmt.Println("No schedules")
		return
	}
	fmt.Printf("%-36s %-24s %-16s %-8s %-21s %s\n", "ID", "DOCUMENT", "CRON", "ENABLED", "NEXT RUN", "LAST RUN")
	for _, s := range schedules {
		fmt.Printf("%-36s %-24s %-16s %-8t %-21s %s\n",
			s.ID, s.DocumentName, s.CronExpr, s.Enabled, tsOrDash(s.NextRunAt), tsOrDash(s.LastRunAt))
	}
}

func scheduleRemove(args []string) {
	fs := flag.NewFlagSet("schedule remove", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: runbook schedule remove <schedule-id>")
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	if err := st.DeleteSchedule(ctx, fs.Arg(0)); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Removed schedule %s\n", fs.Arg(0))
}

func scheduleSetEnabled(args []string, enabled bool) {
	fs := flag.NewFlagSet("schedule enable", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: runbook schedule enable|disable <schedule-id>")
		os.Exit(1)
	}

	cfg := loadConfig()
	ctx := context.Background()
	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	update := &store.ScheduleUpdate{Enabled: &enabled}
	if enabled {
		// Re-enabling recomputes the next firing so the scheduler does not
		// immediately treat the downtime as a missed run.
		sched, getErr := st.GetSchedule(ctx, fs.Arg(0))
		if getErr != nil {
			fatalf("%v", getErr)
		}
		next, nextErr := scheduler.NextRun(sched.CronExpr, time.Now().UTC())
		if nextErr != nil {
			fatalf("%v", nextErr)
		}
		update.NextRunAt = &next
	}
	if err := st.UpdateSchedule(ctx, fs.Arg(0), update); err != nil {
		fatalf("%v", err)
	}
	if enabled {
		fmt.Printf("Enabled schedule %s\n", fs.Arg(0))
	} else {
		fmt.Printf("Disabled schedule %s\n", fs.Arg(0))
	}
}

func runScheduler(args []string) {
	fs := flag.NewFlagSet("scheduler", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig()
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		fatalf("%v", err)
	}
	defer st.Close()

	runner, err := buildRunner(cfg, st, nil, logger)
	if err != nil {
		fatalf("%v", err)
	}

	sched := scheduler.NewScheduler(st, runner, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", "error", err.Error())
	}
	if err := sched.Start(ctx); err != nil {
		fatalf("%v", err)
	}

	<-ctx.Done()
	if err := sched.Stop(); err != nil {
		fatalf("%v", err)
	}
}
