package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// TransitionHook runs on a lifecycle transition. A before hook returning an
// error aborts the transition; after hooks run once the state has changed.
type TransitionHook func(from, to string) error

// EventAppender persists lifecycle events as they are emitted.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) (*store.Event, error)
}

// runTransitions is the legal run state machine. Terminal states have no
// outgoing edges.
var runTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending: {schema.RunStatusRunning, schema.RunStatusCancelled},
	schema.RunStatusRunning: {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
}

// stepTransitions is the legal step state machine. completed -> rolled_back
// is the only edge out of a terminal forward state, taken during rollback.
var stepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {schema.StepStatusRolledBack},
}

type hookKey struct {
	from string
	to   string
}

// RunFSM tracks one run's status and enforces its transition table.
type RunFSM struct {
	mu       sync.Mutex
	runID    string
	status   schema.RunStatus
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewRunFSM creates a run FSM in the pending state. appender may be nil.
func NewRunFSM(runID string, appender EventAppender) *RunFSM {
	return &RunFSM{
		runID:    runID,
		status:   schema.RunStatusPending,
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// Status returns the current run status.
func (f *RunFSM) Status() schema.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// BeforeTransition registers a hook to run before the given transition.
func (f *RunFSM) BeforeTransition(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from: string(from), to: string(to)}
	f.before[key] = append(f.before[key], hook)
}

// AfterTransition registers a hook to run after the given transition.
func (f *RunFSM) AfterTransition(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from: string(from), to: string(to)}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves the run to the given status, emitting the matching run
// event with the payload attached.
func (f *RunFSM) Transition(ctx context.Context, to schema.RunStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.status
	if !transitionAllowed(runTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %s cannot transition from %s to %s", f.runID, from, to)
	}

	key := hookKey{from: string(from), to: string(to)}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	f.status = to

	if f.appender != nil {
		if eventType := runEventFor(to); eventType != "" {
			event := &store.Event{RunID: f.runID, Type: eventType, Payload: payload}
			if _, err := f.appender.AppendEvent(ctx, event); err != nil {
				return err
			}
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func runEventFor(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	}
	return ""
}

// StepFSM tracks one step's status within a run.
type StepFSM struct {
	mu       sync.Mutex
	runID    string
	stepID   string
	status   schema.StepStatus
	appender EventAppender
}

// NewStepFSM creates a step FSM in the pending state. appender may be nil.
func NewStepFSM(runID, stepID string, appender EventAppender) *StepFSM {
	return &StepFSM{
		runID:    runID,
		stepID:   stepID,
		status:   schema.StepStatusPending,
		appender: appender,
	}
}

// StepID returns the step this FSM tracks.
func (f *StepFSM) StepID() string {
	return f.stepID
}

// Status returns the current step status.
func (f *StepFSM) Status() schema.StepStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// Transition moves the step to the given status, emitting the matching step
// event. rolled_back emits no event of its own: the rollback walker records
// the individual compensating actions instead.
func (f *StepFSM) Transition(ctx context.Context, to schema.StepStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.status
	if !transitionAllowed(stepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"step %s cannot transition from %s to %s", f.stepID, from, to)
	}

	f.status = to

	if f.appender != nil {
		if eventType := stepEventFor(to); eventType != "" {
			event := &store.Event{RunID: f.runID, StepID: f.stepID, Type: eventType, Payload: payload}
			if _, err := f.appender.AppendEvent(ctx, event); err != nil {
				return err
			}
		}
	}
	return nil
}

func stepEventFor(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	}
	return ""
}

func transitionAllowed[S ~string](allowed []S, to S) bool {
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Lifecycle bundles the run FSM with one FSM per step.
type Lifecycle struct {
	Run   *RunFSM
	steps map[string]*StepFSM
	order []string
}

// NewLifecycle creates FSMs for the run and every step, all pending.
func NewLifecycle(runID string, stepIDs []string, appender EventAppender) *Lifecycle {
	l := &Lifecycle{
		Run:   NewRunFSM(runID, appender),
		steps: make(map[string]*StepFSM, len(stepIDs)),
		order: append([]string(nil), stepIDs...),
	}
	for _, id := range stepIDs {
		l.steps[id] = NewStepFSM(runID, id, appender)
	}
	return l
}

// Step returns the FSM for the given step id, or nil if unknown.
func (l *Lifecycle) Step(id string) *StepFSM {
	return l.steps[id]
}

// Cancel skips every still-pending step and moves the run to cancelled.
// Running steps are left to observe context cancellation themselves. Step
// skips are best-effort; the run transition error is the one that matters.
func (l *Lifecycle) Cancel(ctx context.Context, reason string) error {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	for _, id := range l.order {
		step := l.steps[id]
		if step.Status() == schema.StepStatusPending {
			_ = step.Transition(ctx, schema.StepStatusSkipped, payload)
		}
	}
	if status := l.Run.Status(); status.Terminal() {
		return nil
	}
	return l.Run.Transition(ctx, schema.RunStatusCancelled, payload)
}
