// Package store provides durable persistence for workflow documents, run
// state, step states, the append-only event log, and schedules, backed by
// libSQL/SQLite.
package store

import (
	"context"
)

// Store is the persistence interface for the workflow engine. Implementations
// must be safe for concurrent use.
type Store interface {
	// Document registry.
	PutDocument(ctx context.Context, doc *DocumentRecord) (*DocumentRecord, error)
	GetDocument(ctx context.Context, name string, version int) (*DocumentRecord, error)
	ListDocuments(ctx context.Context) ([]*DocumentRecord, error)
	DeleteDocument(ctx context.Context, name string) error

	// Run lifecycle.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update *RunUpdate) error
	ListRuns(ctx context.Context, filter *RunFilter) ([]*Run, error)

	// Step states.
	UpsertStepState(ctx context.Context, state *StepState) error
	GetStepState(ctx context.Context, runID, stepID string) (*StepState, error)
	ListStepStates(ctx context.Context, runID string) ([]*StepState, error)

	// Event log.
	AppendEvent(ctx context.Context, event *Event) (*Event, error)
	GetEvents(ctx context.Context, filter *EventFilter) ([]*Event, error)

	// Schedules.
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update *ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter *ScheduleFilter) ([]*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance.
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
