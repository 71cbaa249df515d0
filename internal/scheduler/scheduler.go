// Package scheduler triggers runs of registered workflow documents on cron
// schedules persisted in the store.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// pollInterval is how often the scheduler re-reads the schedule table.
const pollInterval = time.Minute

// standardParser accepts five-field cron expressions (minute through day of
// week).
var standardParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the next fire time of a cron expression after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := standardParser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %v", expr, err).WithCause(err)
	}
	return schedule.Next(from), nil
}

// DocumentRunner runs a workflow document. Satisfied by *engine.Runner; the
// interface keeps the scheduler decoupled from the engine.
type DocumentRunner interface {
	Run(ctx context.Context, doc *schema.WorkflowDocument) (*schema.RunResult, error)
}

// Scheduler polls the store for due schedules and runs the documents they
// point at.
type Scheduler struct {
	store  store.Store
	runner DocumentRunner
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner DocumentRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop. The loop ticks immediately,
// then once per minute.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled schedules and triggers those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, &store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt == nil || !sched.NextRunAt.After(now) {
			if !s.tryAcquire(sched.ID) {
				continue // already running (dedup)
			}
			if err := s.trigger(ctx, sched, now); err != nil {
				s.logger.Error("failed to trigger schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(sched.ID)
		}
	}
}

// trigger runs the schedule's document at its latest registered version and
// advances the schedule's timestamps. The schedule advances even when the
// run fails, so a broken document does not re-fire on every tick.
func (s *Scheduler) trigger(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("schedule due",
		slog.String("schedule_id", sched.ID),
		slog.String("document", sched.DocumentName),
	)

	record, err := s.store.GetDocument(ctx, sched.DocumentName, 0)
	if err != nil {
		s.logger.Error("schedule points at unknown document",
			slog.String("schedule_id", sched.ID),
			slog.String("document", sched.DocumentName),
		)
		return s.advance(ctx, sched, now, "")
	}
	doc, err := schema.ParseDocument(record.Raw)
	if err != nil {
		s.logger.Error("scheduled document does not parse",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
		return s.advance(ctx, sched, now, "")
	}

	result, err := s.runner.Run(ctx, doc)
	if err != nil {
		s.logger.Error("scheduled run did not complete",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}

	runID := ""
	if result != nil {
		runID = result.RunID
		s.recordTriggered(ctx, sched, runID)
	}
	return s.advance(ctx, sched, now, runID)
}

// recordTriggered appends a schedule_triggered event to the run's log, tying
// the run back to the schedule that started it.
func (s *Scheduler) recordTriggered(ctx context.Context, sched *store.Schedule, runID string) {
	payload, _ := json.Marshal(map[string]string{
		"schedule_id": sched.ID,
		"run_id":      runID,
	})
	_, err := s.store.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventScheduleTriggered,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("schedule event append failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	}
}

// advance stamps the schedule with this firing and computes the next one.
func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, now time.Time, runID string) error {
	next, err := NextRun(sched.CronExpr, now)
	if err != nil {
		return fmt.Errorf("compute next run for schedule %q: %w", sched.ID, err)
	}

	update := &store.ScheduleUpdate{LastRunAt: &now, NextRunAt: &next}
	if runID != "" {
		update.LastRunID = &runID
	}
	return s.store.UpdateSchedule(ctx, sched.ID, update)
}

// tryAcquire returns true and marks the schedule as in-flight if it is not
// already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the schedule from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed triggers schedules whose next_run_at passed while no
// scheduler was running. Call once on startup before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, &store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed schedules: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.Before(now) {
			if !s.tryAcquire(sched.ID) {
				continue
			}
			if err := s.trigger(ctx, sched, now); err != nil {
				s.logger.Error("failed to recover missed schedule",
					slog.String("schedule_id", sched.ID),
					slog.String("error", err.Error()),
				)
				s.release(sched.ID)
				continue
			}
			s.release(sched.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
