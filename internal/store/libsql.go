package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tandemhq/tandem/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/tandem.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, wf *WorkflowRecord) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	// A locked version is immutable; only drafts may be overwritten.
	var locked sql.NullBool
	err = s.db.QueryRowContext(ctx,
		`SELECT locked FROM workflows WHERE id = ? AND version = ?`, wf.ID, wf.Version,
	).Scan(&locked)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if locked.Valid && locked.Bool {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s version %d is locked", wf.ID, wf.Version)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, name, locked, owner_id, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id, version) DO UPDATE SET
		   name=excluded.name, locked=excluded.locked, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, wf.Version, nullStr(wf.Name), boolInt(wf.Locked), nullStr(wf.OwnerID),
		string(def), timeOrNow(wf.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, locked, owner_id, definition, created_at, updated_at
		 FROM workflows WHERE id = ? AND version = ?`, id, version)
	return scanWorkflow(row, id)
}

func (s *LibSQLStore) LatestWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, locked, owner_id, definition, created_at, updated_at
		 FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`, id)
	return scanWorkflow(row, id)
}

func (s *LibSQLStore) LockWorkflow(ctx context.Context, id string, version int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET locked = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND version = ?`,
		id, version)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, limit int) ([]*WorkflowRecord, error) {
	query := `SELECT id, version, name, locked, owner_id, definition, created_at, updated_at
	          FROM workflows ORDER BY id, version DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowRecord
	for rows.Next() {
		wf, err := scanWorkflow(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner, id string) (*WorkflowRecord, error) {
	wf := &WorkflowRecord{}
	var name, ownerID sql.NullString
	var locked int
	var defJSON string
	err := row.Scan(&wf.ID, &wf.Version, &name, &locked, &ownerID, &defJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Name = name.String
	wf.OwnerID = ownerID.String
	wf.Locked = locked != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, workflow_version, status, version, dry_run, actor,
	correlation_id, retry_of, trigger_data, trigger_output, skip_nodes, stop_before, current_node_id, locals,
	progress_done, progress_total, error_code, error_human, error_tech, recommended_actions,
	phase_timings, created_at, started_at, completed_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	triggerData, err := jsonText(ex.TriggerData)
	if err != nil {
		return fmt.Errorf("marshal trigger_data: %w", err)
	}
	triggerOutput, err := jsonText(ex.TriggerOutput)
	if err != nil {
		return fmt.Errorf("marshal trigger_output: %w", err)
	}
	skipNodes, err := jsonText(ex.SkipNodes)
	if err != nil {
		return fmt.Errorf("marshal skip_nodes: %w", err)
	}
	locals, err := jsonText(ex.Locals)
	if err != nil {
		return fmt.Errorf("marshal locals: %w", err)
	}
	actions, err := jsonText(ex.RecommendedActions)
	if err != nil {
		return fmt.Errorf("marshal recommended_actions: %w", err)
	}
	timings, err := jsonText(ex.PhaseTimings)
	if err != nil {
		return fmt.Errorf("marshal phase_timings: %w", err)
	}
	if ex.Version == 0 {
		ex.Version = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.WorkflowVersion, string(ex.Status), ex.Version, boolInt(ex.DryRun),
		nullStr(ex.Actor), nullStr(ex.CorrelationID), nullStr(ex.RetryOf),
		triggerData, triggerOutput, skipNodes, nullStr(ex.StopBefore), nullStr(ex.CurrentNodeID), locals,
		ex.ProgressDone, ex.ProgressTotal,
		nullStr(ex.ErrorCode), nullStr(ex.ErrorHuman), nullStr(ex.ErrorTech), actions, timings,
		timeOrNow(ex.CreatedAt), nullTime(ex.StartedAt), nullTime(ex.CompletedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row, id)
}

// UpdateExecution applies the update only when the stored optimistic-lock
// version matches expectedVersion, and bumps the version by one. A stale
// writer gets VERSION_CONFLICT and must re-read before retrying.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) (*Execution, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.TriggerOutput != nil {
		triggerOutput, err := jsonText(update.TriggerOutput)
		if err != nil {
			return nil, fmt.Errorf("marshal trigger_output: %w", err)
		}
		sets = append(sets, "trigger_output = ?")
		args = append(args, triggerOutput)
	}
	if update.Locals != nil {
		locals, err := jsonText(update.Locals)
		if err != nil {
			return nil, fmt.Errorf("marshal locals: %w", err)
		}
		sets = append(sets, "locals = ?")
		args = append(args, locals)
	}
	if update.ProgressDone != nil {
		sets = append(sets, "progress_done = ?")
		args = append(args, *update.ProgressDone)
	}
	if update.ProgressTotal != nil {
		sets = append(sets, "progress_total = ?")
		args = append(args, *update.ProgressTotal)
	}
	if update.ErrorCode != nil {
		sets = append(sets, "error_code = ?")
		args = append(args, nullStr(*update.ErrorCode))
	}
	if update.ErrorHuman != nil {
		sets = append(sets, "error_human = ?")
		args = append(args, nullStr(*update.ErrorHuman))
	}
	if update.ErrorTech != nil {
		sets = append(sets, "error_tech = ?")
		args = append(args, nullStr(*update.ErrorTech))
	}
	if update.RecommendedActions != nil {
		actions, err := jsonText(update.RecommendedActions)
		if err != nil {
			return nil, fmt.Errorf("marshal recommended_actions: %w", err)
		}
		sets = append(sets, "recommended_actions = ?")
		args = append(args, actions)
	}
	if update.PhaseTimings != nil {
		timings, err := jsonText(update.PhaseTimings)
		if err != nil {
			return nil, fmt.Errorf("marshal phase_timings: %w", err)
		}
		sets = append(sets, "phase_timings = ?")
		args = append(args, timings)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return s.GetExecution(ctx, id)
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing row from a stale version.
		if _, err := s.GetExecution(ctx, id); err != nil {
			return nil, err
		}
		return nil, schema.NewErrorf(schema.ErrCodeVersionConflict,
			"execution %s was modified concurrently (expected version %d)", id, expectedVersion)
	}
	return s.GetExecution(ctx, id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

// GetActiveExecution returns the execution holding the workflow's single
// concurrency slot, or nil when the slot is free. Running and the live
// post-running delivery statuses all occupy the slot.
func (s *LibSQLStore) GetActiveExecution(ctx context.Context, workflowID string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions
		 WHERE workflow_id = ? AND status IN (?, ?, ?, ?, ?, ?) LIMIT 1`,
		workflowID,
		string(schema.ExecutionStatusRunning), string(schema.ExecutionStatusReady),
		string(schema.ExecutionStatusSending), string(schema.ExecutionStatusSent),
		string(schema.ExecutionStatusSigning), string(schema.ExecutionStatusSigned))
	ex, err := scanExecution(row, "")
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ex, nil
}

func scanExecution(row rowScanner, id string) (*Execution, error) {
	ex := &Execution{}
	var (
		status                                      string
		dryRun                                      int
		actor, correlationID, retryOf               sql.NullString
		triggerData, triggerOutput                  sql.NullString
		skipNodes, stopBefore                       sql.NullString
		currentNodeID, locals                       sql.NullString
		errorCode, errorHuman, errorTech            sql.NullString
		recommendedActions, phaseTimings            sql.NullString
		startedAt, completedAt                      sql.NullTime
	)
	err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.WorkflowVersion, &status, &ex.Version, &dryRun,
		&actor, &correlationID, &retryOf, &triggerData, &triggerOutput, &skipNodes, &stopBefore,
		&currentNodeID, &locals, &ex.ProgressDone, &ex.ProgressTotal,
		&errorCode, &errorHuman, &errorTech, &recommendedActions, &phaseTimings,
		&ex.CreatedAt, &startedAt, &completedAt, &ex.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	ex.DryRun = dryRun != 0
	ex.Actor = actor.String
	ex.CorrelationID = correlationID.String
	ex.RetryOf = retryOf.String
	ex.StopBefore = stopBefore.String
	ex.CurrentNodeID = currentNodeID.String
	ex.ErrorCode = errorCode.String
	ex.ErrorHuman = errorHuman.String
	ex.ErrorTech = errorTech.String
	unmarshalText(triggerData, &ex.TriggerData)
	unmarshalText(triggerOutput, &ex.TriggerOutput)
	unmarshalText(skipNodes, &ex.SkipNodes)
	unmarshalText(locals, &ex.Locals)
	unmarshalText(recommendedActions, &ex.RecommendedActions)
	unmarshalText(phaseTimings, &ex.PhaseTimings)
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Steps ---

func (s *LibSQLStore) CreateStep(ctx context.Context, step *ExecutionStep) error {
	dataIn, err := jsonText(step.DataIn)
	if err != nil {
		return fmt.Errorf("marshal data_in: %w", err)
	}
	dataOut, err := jsonText(step.DataOut)
	if err != nil {
		return fmt.Errorf("marshal data_out: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_steps (id, execution_id, node_id, capability, status, position,
		   data_in, data_out, error_human, error_tech, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.ExecutionID, step.NodeID, nullStr(step.Capability), string(step.Status),
		step.Position, dataIn, dataOut, nullStr(step.ErrorHuman), nullStr(step.ErrorTech),
		timeOrNow(step.StartedAt), nullTime(step.CompletedAt), step.DurationMs,
	)
	return err
}

// UpdateStep mutates a non-terminal step. Terminal rows are immutable.
func (s *LibSQLStore) UpdateStep(ctx context.Context, id string, update StepUpdate) error {
	var current string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM execution_steps WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("step", id)
	}
	if err != nil {
		return err
	}
	if schema.StepStatus(current).Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "step %s is terminal and immutable", id)
	}

	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.DataOut != nil {
		dataOut, err := jsonText(update.DataOut)
		if err != nil {
			return fmt.Errorf("marshal data_out: %w", err)
		}
		sets = append(sets, "data_out = ?")
		args = append(args, dataOut)
	}
	if update.ErrorHuman != nil {
		sets = append(sets, "error_human = ?")
		args = append(args, nullStr(*update.ErrorHuman))
	}
	if update.ErrorTech != nil {
		sets = append(sets, "error_tech = ?")
		args = append(args, nullStr(*update.ErrorTech))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE execution_steps SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step", id)
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, capability, status, position, data_in, data_out,
		   error_human, error_tech, started_at, completed_at, duration_ms
		 FROM execution_steps WHERE execution_id = ? ORDER BY position ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ExecutionStep
	for rows.Next() {
		st := &ExecutionStep{}
		var capability, dataIn, dataOut, errorHuman, errorTech sql.NullString
		var status string
		var completedAt sql.NullTime
		var durationMs sql.NullInt64
		if err := rows.Scan(&st.ID, &st.ExecutionID, &st.NodeID, &capability, &status, &st.Position,
			&dataIn, &dataOut, &errorHuman, &errorTech, &st.StartedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		st.Capability = capability.String
		st.Status = schema.StepStatus(status)
		st.ErrorHuman = errorHuman.String
		st.ErrorTech = errorTech.String
		st.DurationMs = durationMs.Int64
		unmarshalText(dataIn, &st.DataIn)
		unmarshalText(dataOut, &st.DataOut)
		if completedAt.Valid {
			st.CompletedAt = &completedAt.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- Logs ---

func (s *LibSQLStore) AppendLog(ctx context.Context, entry *ExecutionLog) error {
	fields, err := jsonText(entry.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, node_id, level, domain, message, fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, nullStr(entry.NodeID), entry.Level, nullStr(entry.Domain),
		entry.Message, fields, timeOrNow(entry.CreatedAt),
	)
	return err
}

// QueryLogs returns one page of logs in id order plus the cursor for the
// next page (0 when the page was not full).
func (s *LibSQLStore) QueryLogs(ctx context.Context, q LogQuery) ([]*ExecutionLog, int64, error) {
	limit := clampLogLimit(q.Limit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, level, domain, message, fields, created_at
		 FROM execution_logs WHERE execution_id = ? AND id > ?
		 ORDER BY id ASC LIMIT ?`, q.ExecutionID, q.AfterID, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		var nodeID, domain, fields sql.NullString
		if err := rows.Scan(&l.ID, &l.ExecutionID, &nodeID, &l.Level, &domain, &l.Message, &fields, &l.CreatedAt); err != nil {
			return nil, 0, err
		}
		l.NodeID = nodeID.String
		l.Domain = domain.String
		unmarshalText(fields, &l.Fields)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	var next int64
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

// --- Audit ---

func (s *LibSQLStore) AppendAudit(ctx context.Context, event *AuditEvent) error {
	details, err := jsonText(event.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (execution_id, workflow_id, action, actor, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nullStr(event.ExecutionID), nullStr(event.WorkflowID), event.Action,
		nullStr(event.Actor), details, timeOrNow(event.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListAudit(ctx context.Context, executionID string) ([]*AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, workflow_id, action, actor, details, created_at
		 FROM audit_events WHERE execution_id = ? ORDER BY id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		ev := &AuditEvent{}
		var execID, workflowID, actor, details sql.NullString
		if err := rows.Scan(&ev.ID, &execID, &workflowID, &ev.Action, &actor, &details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ExecutionID = execID.String
		ev.WorkflowID = workflowID.String
		ev.Actor = actor.String
		unmarshalText(details, &ev.Details)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, st *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_id, workflow_version, cron, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.WorkflowID, st.WorkflowVersion, st.Cron, boolInt(st.Enabled),
		nullTime(st.LastRunAt), nullTime(st.NextRunAt), timeOrNow(st.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, enabledOnly bool) ([]*ScheduledTrigger, error) {
	query := `SELECT id, workflow_id, workflow_version, cron, enabled, last_run_at, next_run_at, created_at
	          FROM scheduled_triggers`
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ScheduledTrigger
	for rows.Next() {
		st := &ScheduledTrigger{}
		var enabled int
		var lastRun, nextRun sql.NullTime
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.WorkflowVersion, &st.Cron, &enabled, &lastRun, &nextRun, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Enabled = enabled != 0
		if lastRun.Valid {
			st.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			st.NextRunAt = &nextRun.Time
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.Cron != nil {
		sets = append(sets, "cron = ?")
		args = append(args, *update.Cron)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled trigger", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TandemError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// jsonText marshals a value into a TEXT column, writing NULL for empty
// containers.
func jsonText(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	if s == "null" || s == "{}" || s == "[]" {
		return nil, nil
	}
	return s, nil
}

func unmarshalText[T any](ns sql.NullString, dest *T) {
	if !ns.Valid || ns.String == "" {
		return
	}
	_ = json.Unmarshal([]byte(ns.String), dest)
}

var _ Store = (*LibSQLStore)(nil)
