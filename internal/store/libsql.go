package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// LibSQLStore implements Store on a local libSQL/SQLite database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens (or creates) the database at path. Callers must run
// Migrate before using the store.
func NewLibSQLStore(path string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "opening database %s: %v", path, err)
	}
	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY churn under concurrent runs.
	db.SetMaxOpenConns(1)

	s := &LibSQLStore{db: db}
	if err := s.applyPragmas(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LibSQLStore) applyPragmas(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		// PRAGMAs may return a result row; scan and discard it.
		var discard string
		if err := s.db.QueryRowContext(ctx, pragma).Scan(&discard); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return schema.NewErrorf(schema.ErrCodeStore, "applying %s: %v", pragma, err)
		}
	}
	return nil
}

// Migrate applies any pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := runMigrations(ctx, s.db); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "migrating database: %v", err)
	}
	return nil
}

// Vacuum reclaims unused pages. Safe to run while the store is in use.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "vacuuming database: %v", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// --- Documents ---

// PutDocument registers a document version. When doc.Version <= 0 the next
// version for the name is assigned. Registering an existing (name, version)
// pair is a conflict: registered documents are immutable.
func (s *LibSQLStore) PutDocument(ctx context.Context, doc *DocumentRecord) (*DocumentRecord, error) {
	if doc == nil || doc.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "document name is required")
	}
	if len(doc.Raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "document body is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "beginning transaction: %v", err)
	}
	defer tx.Rollback()

	version := doc.Version
	if version <= 0 {
		var max sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(version) FROM documents WHERE name = ?`, doc.Name).Scan(&max); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "reading latest version of %s: %v", doc.Name, err)
		}
		version = int(max.Int64) + 1
	}

	created := timeOrNow(doc.CreatedAt)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (name, version, raw, created_at) VALUES (?, ?, ?, ?)`,
		doc.Name, version, string(doc.Raw), fmtTime(created)); err != nil {
		if isUniqueViolation(err) {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"document %s version %d already registered", doc.Name, version)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "storing document %s: %v", doc.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "committing document %s: %v", doc.Name, err)
	}

	return &DocumentRecord{Name: doc.Name, Version: version, Raw: doc.Raw, CreatedAt: created}, nil
}

// GetDocument returns the named document. A version <= 0 resolves to the
// latest registered version.
func (s *LibSQLStore) GetDocument(ctx context.Context, name string, version int) (*DocumentRecord, error) {
	query := `SELECT name, version, raw, created_at FROM documents WHERE name = ?`
	args := []any{name}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	var rec DocumentRecord
	var raw, created string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&rec.Name, &rec.Version, &raw, &created)
	if errors.Is(err, sql.ErrNoRows) {
		if version > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "document %s version %d not found", name, version)
		}
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "document %s not found", name)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "getting document %s: %v", name, err)
	}
	rec.Raw = json.RawMessage(raw)
	rec.CreatedAt = parseTime(created)
	return &rec, nil
}

// ListDocuments returns the latest version of every registered document,
// ordered by name.
func (s *LibSQLStore) ListDocuments(ctx context.Context) ([]*DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.name, d.version, d.raw, d.created_at
		FROM documents d
		JOIN (SELECT name, MAX(version) AS version FROM documents GROUP BY name) latest
			ON d.name = latest.name AND d.version = latest.version
		ORDER BY d.name`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing documents: %v", err)
	}
	defer rows.Close()

	var out []*DocumentRecord
	for rows.Next() {
		var rec DocumentRecord
		var raw, created string
		if err := rows.Scan(&rec.Name, &rec.Version, &raw, &created); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scanning document: %v", err)
		}
		rec.Raw = json.RawMessage(raw)
		rec.CreatedAt = parseTime(created)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing documents: %v", err)
	}
	return out, nil
}

// DeleteDocument removes all versions of the named document.
func (s *LibSQLStore) DeleteDocument(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "deleting document %s: %v", name, err)
	}
	return checkRowsAffected(res, "document", name)
}

// --- Runs ---

// CreateRun inserts a new run record.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is required")
	}
	if run.Status == "" {
		run.Status = schema.RunStatusPending
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, document_name, status, step_order, context, error, failed_step, rollback,
			created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.DocumentName), string(run.Status),
		marshalStrings(run.Order), nullRaw(run.Context), nullRaw(run.Error),
		nullStr(run.FailedStep), nullRaw(run.Rollback),
		fmtTime(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), fmtTime(run.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "creating run %s: %v", run.ID, err)
	}
	return nil
}

// GetRun returns the run with the given id.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_name, status, step_order, context, error, failed_step, rollback,
			created_at, started_at, completed_at, updated_at
		FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "getting run %s: %v", id, err)
	}
	return run, nil
}

// UpdateRun applies the non-nil fields of update to the run.
func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update *RunUpdate) error {
	if update == nil {
		return schema.NewError(schema.ErrCodeValidation, "run update is nil")
	}

	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Order != nil {
		sets = append(sets, "step_order = ?")
		args = append(args, marshalStrings(update.Order))
	}
	if update.Context != nil {
		sets = append(sets, "context = ?")
		args = append(args, string(update.Context))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.FailedStep != nil {
		sets = append(sets, "failed_step = ?")
		args = append(args, nullStr(*update.FailedStep))
	}
	if update.Rollback != nil {
		sets = append(sets, "rollback = ?")
		args = append(args, string(update.Rollback))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, fmtTime(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, fmtTime(*update.CompletedAt))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, fmtTime(time.Now().UTC()))
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "updating run %s: %v", id, err)
	}
	return checkRowsAffected(res, "run", id)
}

// ListRuns returns runs matching the filter, newest first.
func (s *LibSQLStore) ListRuns(ctx context.Context, filter *RunFilter) ([]*Run, error) {
	if filter == nil {
		filter = &RunFilter{}
	}

	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DocumentName != "" {
		conds = append(conds, "document_name = ?")
		args = append(args, filter.DocumentName)
	}
	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, fmtTime(*filter.Since))
	}

	query := `SELECT id, document_name, status, step_order, context, error, failed_step, rollback,
		created_at, started_at, completed_at, updated_at FROM runs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing runs: %v", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scanning run: %v", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing runs: %v", err)
	}
	return out, nil
}

// --- Step states ---

// UpsertStepState inserts or replaces the state of a step within a run.
func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	if state == nil || state.RunID == "" || state.StepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step state requires run id and step id")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_states (run_id, step_id, status, outputs, output_errors, error,
			started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status,
			outputs = excluded.outputs,
			output_errors = excluded.output_errors,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			duration_ms = excluded.duration_ms`,
		state.RunID, state.StepID, string(state.Status),
		nullRaw(state.Outputs), nullRaw(state.OutputErrors), nullRaw(state.Error),
		nullTime(state.StartedAt), nullTime(state.CompletedAt), state.DurationMs)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "upserting step %s of run %s: %v", state.StepID, state.RunID, err)
	}
	return nil
}

// GetStepState returns the state of one step within a run.
func (s *LibSQLStore) GetStepState(ctx context.Context, runID, stepID string) (*StepState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, step_id, status, outputs, output_errors, error, started_at, completed_at, duration_ms
		FROM step_states WHERE run_id = ? AND step_id = ?`, runID, stepID)

	state, err := scanStepState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step %s of run %s not found", stepID, runID)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "getting step %s of run %s: %v", stepID, runID, err)
	}
	return state, nil
}

// ListStepStates returns every step state of a run, ordered by step id.
func (s *LibSQLStore) ListStepStates(ctx context.Context, runID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, step_id, status, outputs, output_errors, error, started_at, completed_at, duration_ms
		FROM step_states WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing steps of run %s: %v", runID, err)
	}
	defer rows.Close()

	var out []*StepState
	for rows.Next() {
		state, err := scanStepState(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scanning step state: %v", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing steps of run %s: %v", runID, err)
	}
	return out, nil
}

// --- Events ---

// AppendEvent appends an event to the run's log, assigning the next sequence
// number. The read-and-insert runs in a transaction holding the write lock so
// concurrent appenders cannot allocate the same sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) (*Event, error) {
	if event == nil || event.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event requires a run id")
	}
	if event.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event requires a type")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "beginning transaction: %v", err)
	}
	defer tx.Rollback()

	// Take the write lock before reading MAX(sequence): a no-op write
	// upgrades the transaction immediately, so two appenders can't both
	// read the same max.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "acquiring write lock: %v", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "acquiring write lock: %v", err)
	}

	var max sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM events WHERE run_id = ?`, event.RunID).Scan(&max); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reading event sequence for run %s: %v", event.RunID, err)
	}
	sequence := max.Int64 + 1

	ts := timeOrNow(event.Timestamp)
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (run_id, step_id, event_type, payload, timestamp, sequence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), fmtTime(ts), sequence)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "appending event to run %s: %v", event.RunID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "reading event id: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "committing event for run %s: %v", event.RunID, err)
	}

	appended := *event
	appended.ID = id
	appended.Sequence = sequence
	appended.Timestamp = ts
	return &appended, nil
}

// GetEvents returns events matching the filter in sequence order.
func (s *LibSQLStore) GetEvents(ctx context.Context, filter *EventFilter) ([]*Event, error) {
	if filter == nil {
		filter = &EventFilter{}
	}

	var conds []string
	var args []any
	if filter.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		conds = append(conds, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, fmtTime(*filter.Since))
	}

	query := `SELECT id, run_id, step_id, event_type, payload, timestamp, sequence FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY run_id, sequence"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing events: %v", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var stepID, payload sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.RunID, &stepID, &ev.Type, &payload, &ts, &ev.Sequence); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scanning event: %v", err)
		}
		ev.StepID = stepID.String
		ev.Payload = rawOrNil(payload)
		ev.Timestamp = parseTime(ts)
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing events: %v", err)
	}
	return out, nil
}

// --- Schedules ---

// CreateSchedule inserts a new schedule.
func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is required")
	}
	if sched.DocumentName == "" || sched.CronExpr == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule requires a document name and cron expression")
	}
	sched.CreatedAt = timeOrNow(sched.CreatedAt)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, document_name, cron_expression, enabled, last_run_at, next_run_at, last_run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.DocumentName, sched.CronExpr, boolToInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunID), fmtTime(sched.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict, "schedule %s already exists", sched.ID)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "creating schedule %s: %v", sched.ID, err)
	}
	return nil
}

// GetSchedule returns the schedule with the given id.
func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_name, cron_expression, enabled, last_run_at, next_run_at, last_run_id, created_at
		FROM schedules WHERE id = ?`, id)

	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "getting schedule %s: %v", id, err)
	}
	return sched, nil
}

// UpdateSchedule applies the non-nil fields of update to the schedule.
func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update *ScheduleUpdate) error {
	if update == nil {
		return schema.NewError(schema.ErrCodeValidation, "schedule update is nil")
	}

	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, fmtTime(*update.LastRunAt))
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, fmtTime(*update.NextRunAt))
	}
	if update.LastRunID != nil {
		sets = append(sets, "last_run_id = ?")
		args = append(args, nullStr(*update.LastRunID))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "updating schedule %s: %v", id, err)
	}
	return checkRowsAffected(res, "schedule", id)
}

// ListSchedules returns schedules matching the filter, ordered by id.
func (s *LibSQLStore) ListSchedules(ctx context.Context, filter *ScheduleFilter) ([]*Schedule, error) {
	if filter == nil {
		filter = &ScheduleFilter{}
	}

	var conds []string
	var args []any
	if filter.Enabled != nil {
		conds = append(conds, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.DocumentName != "" {
		conds = append(conds, "document_name = ?")
		args = append(args, filter.DocumentName)
	}

	query := `SELECT id, document_name, cron_expression, enabled, last_run_at, next_run_at, last_run_id, created_at FROM schedules`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing schedules: %v", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "scanning schedule: %v", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "listing schedules: %v", err)
	}
	return out, nil
}

// DeleteSchedule removes the schedule with the given id.
func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "deleting schedule %s: %v", id, err)
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Scan helpers ---

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var docName, order, contextJSON, errJSON, failedStep, rollbackJSON sql.NullString
	var created, updated string
	var started, completed sql.NullString

	if err := row.Scan(&run.ID, &docName, &run.Status, &order, &contextJSON, &errJSON,
		&failedStep, &rollbackJSON, &created, &started, &completed, &updated); err != nil {
		return nil, err
	}

	run.DocumentName = docName.String
	run.FailedStep = failedStep.String
	run.Context = rawOrNil(contextJSON)
	run.Error = rawOrNil(errJSON)
	run.Rollback = rawOrNil(rollbackJSON)
	run.CreatedAt = parseTime(created)
	run.UpdatedAt = parseTime(updated)
	run.StartedAt = parseNullTime(started)
	run.CompletedAt = parseNullTime(completed)
	if order.Valid && order.String != "" {
		if err := json.Unmarshal([]byte(order.String), &run.Order); err != nil {
			return nil, fmt.Errorf("decoding step order: %w", err)
		}
	}
	return &run, nil
}

func scanStepState(row rowScanner) (*StepState, error) {
	var state StepState
	var outputs, outputErrs, errJSON sql.NullString
	var started, completed sql.NullString

	if err := row.Scan(&state.RunID, &state.StepID, &state.Status, &outputs, &outputErrs,
		&errJSON, &started, &completed, &state.DurationMs); err != nil {
		return nil, err
	}

	state.Outputs = rawOrNil(outputs)
	state.OutputErrors = rawOrNil(outputErrs)
	state.Error = rawOrNil(errJSON)
	state.StartedAt = parseNullTime(started)
	state.CompletedAt = parseNullTime(completed)
	return &state, nil
}

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sched Schedule
	var enabled int
	var lastRun, nextRun, lastRunID sql.NullString
	var created string

	if err := row.Scan(&sched.ID, &sched.DocumentName, &sched.CronExpr, &enabled,
		&lastRun, &nextRun, &lastRunID, &created); err != nil {
		return nil, err
	}

	sched.Enabled = enabled != 0
	sched.LastRunAt = parseNullTime(lastRun)
	sched.NextRunAt = parseNullTime(nextRun)
	sched.LastRunID = lastRunID.String
	sched.CreatedAt = parseTime(created)
	return &sched, nil
}

// --- Null and formatting helpers ---

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStrings(values []string) any {
	if values == nil {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint violation")
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "checking affected rows for %s %s: %v", kind, id, err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id)
	}
	return nil
}
