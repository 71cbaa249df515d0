// Package engine executes workflow documents: it orders steps by their data
// dependencies, resolves inputs from prior outputs, invokes operations through
// the invoker registry, and compensates completed steps in reverse completion
// order when a run fails.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/runbooklabs/runbook/internal/expressions"
	"github.com/runbooklabs/runbook/internal/invoke"
	"github.com/runbooklabs/runbook/internal/logging"
	"github.com/runbooklabs/runbook/internal/store"
	"github.com/runbooklabs/runbook/internal/streaming"
	"github.com/runbooklabs/runbook/internal/validation"
	"github.com/runbooklabs/runbook/pkg/schema"
)

// Runner executes workflow documents. Construct with NewRunner; a zero Runner
// is not usable. Safe for concurrent runs.
type Runner struct {
	registry    *invoke.Registry
	engines     *expressions.Set
	resolver    *expressions.Resolver
	validator   *validation.DocumentValidator
	store       store.Store
	hub         streaming.EventHub
	logger      *slog.Logger
	parallelism int
}

// Option configures a Runner.
type Option func(*Runner)

// WithStore persists runs, step states, and the event log. Without it the
// runner executes purely in memory.
func WithStore(s store.Store) Option {
	return func(r *Runner) { r.store = s }
}

// WithRegistry replaces the default invoker registry.
func WithRegistry(reg *invoke.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithHub mirrors every run event to the hub, so subscribers can follow
// progress live instead of polling the store.
func WithHub(hub streaming.EventHub) Option {
	return func(r *Runner) { r.hub = hub }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithParallelism sets how many steps of one dependency level may run at
// once. Values <= 1 select strictly sequential execution in plan order.
func WithParallelism(n int) Option {
	return func(r *Runner) { r.parallelism = n }
}

// WithEngines shares an expression engine set, so programs compiled during
// validation stay cached for execution.
func WithEngines(set *expressions.Set) Option {
	return func(r *Runner) { r.engines = set }
}

// NewRunner builds a Runner with the given options.
func NewRunner(opts ...Option) (*Runner, error) {
	r := &Runner{
		parallelism: 1,
		logger:      slog.Default(),
		resolver:    expressions.NewResolver(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.engines == nil {
		engines, err := expressions.NewSet()
		if err != nil {
			return nil, err
		}
		r.engines = engines
	}
	validator, err := validation.NewDocumentValidatorWith(r.engines)
	if err != nil {
		return nil, err
	}
	r.validator = validator

	if r.registry == nil {
		r.registry = invoke.NewDefaultRegistry(invoke.HTTPConfig{}, invoke.GraphQLConfig{})
	}
	return r, nil
}

// Registry exposes the invoker registry, so callers can register protocol
// invokers or wrap existing ones with decorators.
func (r *Runner) Registry() *invoke.Registry {
	return r.registry
}

// Plan validates the document and returns its execution plan without running
// anything. Validation reports every violation at once.
func (r *Runner) Plan(doc *schema.WorkflowDocument) (*Plan, error) {
	if err := r.validator.ValidateDocument(doc); err != nil {
		return nil, err
	}
	return BuildPlan(doc)
}

// Run validates and executes the document. The returned result is populated
// whenever a run was actually started, including failed and cancelled runs;
// the error then reports why the run did not complete.
func (r *Runner) Run(ctx context.Context, doc *schema.WorkflowDocument) (*schema.RunResult, error) {
	plan, err := r.Plan(doc)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx, doc, plan)
}

// runState bundles everything one run carries through execution.
type runState struct {
	runID   string
	doc     *schema.WorkflowDocument
	plan    *Plan
	execCtx *ExecutionContext
	lc      *Lifecycle
	result  *schema.RunResult
}

// stepFailure identifies the step whose error ended the forward phase.
type stepFailure struct {
	stepID    string
	err       error
	cancelled bool
}

func (r *Runner) execute(ctx context.Context, doc *schema.WorkflowDocument, plan *Plan) (*schema.RunResult, error) {
	runID := uuid.New().String()
	ctx = logging.WithRun(ctx, runID, doc.Metadata.Name)
	log := logging.LogWith(ctx, r.logger)

	st := &runState{
		runID:   runID,
		doc:     doc,
		plan:    plan,
		execCtx: NewExecutionContext(),
		lc:      NewLifecycle(runID, plan.Order, r.appender()),
		result: &schema.RunResult{
			RunID:     runID,
			Document:  doc.Metadata.Name,
			Status:    schema.RunStatusPending,
			Order:     plan.Order,
			Steps:     make(map[string]*schema.StepResult, len(plan.Order)),
			StartedAt: time.Now().UTC(),
		},
	}
	for _, id := range plan.Order {
		st.result.Steps[id] = &schema.StepResult{StepID: id, Status: schema.StepStatusPending}
	}

	r.persistNewRun(ctx, st)

	startedAt := st.result.StartedAt
	if err := st.lc.Run.Transition(ctx, schema.RunStatusRunning, marshalPayload(map[string]any{"order": plan.Order})); err != nil {
		return nil, err
	}
	st.result.Status = schema.RunStatusRunning
	r.persistRun(ctx, runID, &store.RunUpdate{
		Status:    statusPtr(schema.RunStatusRunning),
		StartedAt: &startedAt,
	})
	log.Info("run started",
		slog.Int("steps", len(plan.Order)),
		slog.Int("levels", len(plan.Levels)),
		slog.Int("parallelism", r.parallelism))

	var failed *stepFailure
	if r.parallelism > 1 {
		failed = r.executeLevels(ctx, st)
	} else {
		failed = r.executeSequential(ctx, st)
	}

	switch {
	case failed == nil:
		return r.finishCompleted(ctx, st)
	case failed.cancelled:
		return r.finishCancelled(ctx, st)
	default:
		return r.finishFailed(ctx, st, failed)
	}
}

// executeSequential runs every step in plan order, one at a time.
func (r *Runner) executeSequential(ctx context.Context, st *runState) *stepFailure {
	for _, stepID := range st.plan.Order {
		if ctx.Err() != nil {
			return &stepFailure{err: ctx.Err(), cancelled: true}
		}
		if err := r.executeStep(ctx, st, stepID); err != nil {
			return &stepFailure{stepID: stepID, err: err, cancelled: ctx.Err() != nil}
		}
	}
	return nil
}

// executeLevels runs the plan level by level: steps within a level execute
// concurrently up to the configured parallelism, and a level must finish
// before the next starts.
func (r *Runner) executeLevels(ctx context.Context, st *runState) *stepFailure {
	pool := NewStepPool(r.parallelism)
	defer pool.Shutdown()

	for _, level := range st.plan.Levels {
		if ctx.Err() != nil {
			return &stepFailure{err: ctx.Err(), cancelled: true}
		}
		errs := pool.RunLevel(ctx, level, func(ctx context.Context, stepID string) error {
			return r.executeStep(ctx, st, stepID)
		})
		if len(errs) == 0 {
			continue
		}
		// Several steps of one level can fail together; the first in
		// declaration order is the one that drives rollback.
		for _, stepID := range level {
			if err, ok := errs[stepID]; ok {
				return &stepFailure{stepID: stepID, err: err, cancelled: ctx.Err() != nil}
			}
		}
	}
	return nil
}

// executeStep runs one step end to end: resolve inputs, invoke or transform,
// extract outputs, publish to the execution context.
func (r *Runner) executeStep(ctx context.Context, st *runState, stepID string) error {
	step, ok := st.plan.Step(stepID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q is not in the plan", stepID)
	}
	fsm := st.lc.Step(stepID)
	ctx = logging.WithStepID(ctx, stepID)
	log := logging.LogWith(ctx, r.logger)

	started := time.Now().UTC()
	sr := st.result.Steps[stepID]
	sr.Status = schema.StepStatusRunning
	sr.StartedAt = &started
	_ = fsm.Transition(ctx, schema.StepStatusRunning, nil)
	r.persistStep(ctx, st.runID, sr)
	log.Info("step started", slog.String("type", string(step.Kind())))

	fail := func(cause error) error {
		e := schema.AsError(cause, schema.ErrCodeOperation)
		if e.StepID == "" {
			e.WithStep(stepID)
		}
		now := time.Now().UTC()
		sr.Status = schema.StepStatusFailed
		sr.Error = e
		sr.CompletedAt = &now
		sr.DurationMs = now.Sub(started).Milliseconds()
		_ = fsm.Transition(ctx, schema.StepStatusFailed,
			marshalPayload(map[string]any{"error": e, "duration_ms": sr.DurationMs}))
		r.persistStep(ctx, st.runID, sr)
		log.Error("step failed", slog.String("code", e.Code), slog.String("error", e.Message))
		return e
	}

	inputs, err := r.resolver.ResolveInputs(step, st.execCtx)
	if err != nil {
		return fail(err)
	}

	var response json.RawMessage
	switch step.Kind() {
	case schema.StepTypeTransform:
		response, err = r.runTransform(ctx, st.doc, step, inputs)
	default:
		response, err = r.invokeOperation(ctx, step, inputs)
	}
	if err != nil {
		return fail(err)
	}

	outputs, outputErrs := expressions.ExtractOutputs(step, response)
	for _, oe := range outputErrs {
		sr.OutputErrors = append(sr.OutputErrors, oe)
		r.appendEvent(ctx, st.runID, stepID, schema.EventOutputMissing,
			marshalPayload(map[string]any{"output": oe.Details["output"], "error": oe}))
		log.Warn("output missing", slog.String("error", oe.Message))
	}

	// Publish before marking complete, so a consumer scheduled right after
	// never observes a completed step without its outputs.
	st.execCtx.SetOutputs(stepID, outputs)
	st.execCtx.MarkCompleted(stepID)

	now := time.Now().UTC()
	sr.Status = schema.StepStatusCompleted
	sr.Outputs = outputs
	sr.Response = response
	sr.CompletedAt = &now
	sr.DurationMs = now.Sub(started).Milliseconds()
	_ = fsm.Transition(ctx, schema.StepStatusCompleted,
		marshalPayload(map[string]any{"outputs": outputs, "duration_ms": sr.DurationMs}))
	r.persistStep(ctx, st.runID, sr)
	log.Info("step completed", slog.Int64("duration_ms", sr.DurationMs), slog.Int("outputs", len(outputs)))
	return nil
}

// invokeOperation dispatches the step's operation descriptor to the invoker
// registered for its protocol.
func (r *Runner) invokeOperation(ctx context.Context, step *schema.Step, inputs map[string]any) (json.RawMessage, error) {
	if step.Operation == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q has no operation descriptor", step.ID)
	}
	invoker, err := r.registry.Get(step.Operation.ProtocolName())
	if err != nil {
		return nil, err
	}
	return invoker.Invoke(ctx, step.Operation, inputs)
}

// runTransform evaluates the step's jq program over its resolved inputs. The
// program may name an entry of the document's transformation catalog.
func (r *Runner) runTransform(ctx context.Context, doc *schema.WorkflowDocument, step *schema.Step, inputs map[string]any) (json.RawMessage, error) {
	program := step.Transform
	if named, ok := doc.DataTransformations[program]; ok {
		program = named
	}
	if program == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %q has no transform program", step.ID)
	}

	out, err := r.engines.JQ.EvaluateNormalized(ctx, program, inputs)
	if err != nil {
		return nil, schema.AsError(err, schema.ErrCodeTransform)
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransform,
			"transform output is not JSON-encodable: %v", err).WithStep(step.ID)
	}
	return data, nil
}

// finishCompleted closes out a fully successful run.
func (r *Runner) finishCompleted(ctx context.Context, st *runState) (*schema.RunResult, error) {
	now := time.Now().UTC()
	st.result.Status = schema.RunStatusCompleted
	st.result.Context = st.execCtx.Snapshot()
	st.result.CompletedAt = now

	_ = st.lc.Run.Transition(ctx, schema.RunStatusCompleted,
		marshalPayload(map[string]any{"completed": st.execCtx.Completed()}))
	r.persistRun(ctx, st.runID, &store.RunUpdate{
		Status:      statusPtr(schema.RunStatusCompleted),
		Context:     marshalPayload(st.result.Context),
		CompletedAt: &now,
	})
	logging.LogWith(ctx, r.logger).Info("run completed",
		slog.Int("steps", len(st.plan.Order)),
		slog.Int64("duration_ms", now.Sub(st.result.StartedAt).Milliseconds()))
	return st.result, nil
}

// finishCancelled closes out a cancelled run. Completed steps keep their
// outputs and are not compensated; steps that never started are skipped.
func (r *Runner) finishCancelled(ctx context.Context, st *runState) (*schema.RunResult, error) {
	detached := context.WithoutCancel(ctx)
	reason := context.Cause(ctx)
	if reason == nil {
		reason = context.Canceled
	}
	cancelErr := schema.NewErrorf(schema.ErrCodeCancelled, "run cancelled: %v", reason).WithCause(reason)

	_ = st.lc.Cancel(detached, reason.Error())
	for _, id := range st.plan.Order {
		sr := st.result.Steps[id]
		if st.lc.Step(id).Status() == schema.StepStatusSkipped && sr.Status == schema.StepStatusPending {
			sr.Status = schema.StepStatusSkipped
			r.persistStep(detached, st.runID, sr)
		}
	}

	now := time.Now().UTC()
	st.result.Status = schema.RunStatusCancelled
	st.result.Error = cancelErr
	st.result.Context = st.execCtx.Snapshot()
	st.result.CompletedAt = now

	r.persistRun(detached, st.runID, &store.RunUpdate{
		Status:      statusPtr(schema.RunStatusCancelled),
		Error:       marshalPayload(cancelErr),
		Context:     marshalPayload(st.result.Context),
		CompletedAt: &now,
	})
	logging.LogWith(ctx, r.logger).Warn("run cancelled", slog.String("reason", reason.Error()))
	return st.result, cancelErr
}

// finishFailed skips the steps that never ran, compensates completed steps in
// reverse completion order, and closes out the run as failed.
func (r *Runner) finishFailed(ctx context.Context, st *runState, failed *stepFailure) (*schema.RunResult, error) {
	detached := context.WithoutCancel(ctx)
	cause := schema.AsError(failed.err, schema.ErrCodeOperation)

	for _, id := range st.plan.Order {
		sr := st.result.Steps[id]
		if st.lc.Step(id).Status() == schema.StepStatusPending {
			_ = st.lc.Step(id).Transition(detached, schema.StepStatusSkipped,
				marshalPayload(map[string]string{"reason": "upstream failure"}))
			sr.Status = schema.StepStatusSkipped
			r.persistStep(detached, st.runID, sr)
		}
	}

	outcomes := r.runRollback(ctx, st, failed.stepID, cause)

	now := time.Now().UTC()
	st.result.Status = schema.RunStatusFailed
	st.result.FailedStep = failed.stepID
	st.result.Error = cause
	st.result.Rollback = outcomes
	st.result.Context = st.execCtx.Snapshot()
	st.result.CompletedAt = now

	_ = st.lc.Run.Transition(detached, schema.RunStatusFailed,
		marshalPayload(map[string]any{"failed_step": failed.stepID, "error": cause}))
	r.persistRun(detached, st.runID, &store.RunUpdate{
		Status:      statusPtr(schema.RunStatusFailed),
		Error:       marshalPayload(cause),
		FailedStep:  &failed.stepID,
		Rollback:    marshalPayload(outcomes),
		Context:     marshalPayload(st.result.Context),
		CompletedAt: &now,
	})

	execErr := &schema.ExecutionError{
		RunID:      st.runID,
		FailedStep: failed.stepID,
		Cause:      cause,
		Rollback:   outcomes,
	}
	logging.LogWith(ctx, r.logger).Error("run failed",
		slog.String("failed_step", failed.stepID),
		slog.String("code", cause.Code),
		slog.Int("rollback_actions", len(outcomes)))
	return st.result, execErr
}

// --- Event emission and persistence (best-effort) ---

// emit appends the event to the store and mirrors it to the hub. Both paths
// are best-effort: the event log and live subscribers never block execution.
// When the append succeeds, the stored copy with its assigned sequence is the
// one mirrored.
func (r *Runner) emit(ctx context.Context, event *store.Event) *store.Event {
	if r.store != nil {
		appended, err := r.store.AppendEvent(ctx, event)
		if err != nil {
			logging.LogWith(ctx, r.logger).Warn("event append failed",
				slog.String("event", event.Type), slog.String("error", err.Error()))
		} else {
			event = appended
		}
	}
	if r.hub != nil {
		err := r.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     event.RunID,
			StepID:    event.StepID,
			EventType: event.Type,
			Payload:   event.Payload,
		})
		if err != nil {
			logging.LogWith(ctx, r.logger).Warn("event publish failed",
				slog.String("event", event.Type), slog.String("error", err.Error()))
		}
	}
	return event
}

// runnerAppender routes lifecycle FSM events through the runner's emit path.
type runnerAppender struct {
	r *Runner
}

func (a runnerAppender) AppendEvent(ctx context.Context, event *store.Event) (*store.Event, error) {
	return a.r.emit(ctx, event), nil
}

func (r *Runner) appender() EventAppender {
	if r.store == nil && r.hub == nil {
		return nil
	}
	return runnerAppender{r: r}
}

func (r *Runner) appendEvent(ctx context.Context, runID, stepID, eventType string, payload json.RawMessage) {
	if r.store == nil && r.hub == nil {
		return
	}
	r.emit(ctx, &store.Event{
		RunID:   runID,
		StepID:  stepID,
		Type:    eventType,
		Payload: payload,
	})
}

func (r *Runner) persistNewRun(ctx context.Context, st *runState) {
	if r.store == nil {
		return
	}
	err := r.store.CreateRun(ctx, &store.Run{
		ID:           st.runID,
		DocumentName: st.doc.Metadata.Name,
		Status:       schema.RunStatusPending,
		Order:        st.plan.Order,
	})
	if err != nil {
		logging.LogWith(ctx, r.logger).Warn("run create failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) persistRun(ctx context.Context, runID string, update *store.RunUpdate) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateRun(ctx, runID, update); err != nil {
		logging.LogWith(ctx, r.logger).Warn("run update failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) persistStep(ctx context.Context, runID string, sr *schema.StepResult) {
	if r.store == nil {
		return
	}
	state := &store.StepState{
		RunID:       runID,
		StepID:      sr.StepID,
		Status:      sr.Status,
		StartedAt:   sr.StartedAt,
		CompletedAt: sr.CompletedAt,
		DurationMs:  sr.DurationMs,
	}
	if sr.Outputs != nil {
		state.Outputs = marshalPayload(sr.Outputs)
	}
	if len(sr.OutputErrors) > 0 {
		state.OutputErrors = marshalPayload(sr.OutputErrors)
	}
	if sr.Error != nil {
		state.Error = marshalPayload(sr.Error)
	}
	if err := r.store.UpsertStepState(ctx, state); err != nil {
		logging.LogWith(ctx, r.logger).Warn("step state update failed",
			slog.String("step_id", sr.StepID), slog.String("error", err.Error()))
	}
}

func marshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func statusPtr(s schema.RunStatus) *schema.RunStatus {
	return &s
}
