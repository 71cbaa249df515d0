package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/runbooklabs/runbook/internal/scheduler"
	"github.com/runbooklabs/runbook/internal/streaming"
	"github.com/runbooklabs/runbook/pkg/mcp"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	withScheduler := fs.Bool("scheduler", false, "also poll registered schedules while serving")
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

	hub := streaming.NewMemoryHub()
	runner, err := buildRunner(cfg, st, hub, logger)
	if err != nil {
		fatalf("%v", err)
	}

	if *withScheduler {
		sched := scheduler.NewScheduler(st, runner, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed-run recovery failed", "error", err.Error())
		}
		if err := sched.Start(ctx); err != nil {
			fatalf("%v", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewRunbookServer(mcp.RunbookServerDeps{
		Runner:  runner,
		Store:   st,
		Hub:     hub,
		Logger:  logger,
		Version: version,
	})
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		fatalf("%v", err)
	}
}
