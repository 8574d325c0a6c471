package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// StatusResolver decides the initial status of a task being inserted given
// the current statuses of its dependencies.
type StatusResolver func(task *model.Task, deps map[string]model.TaskStatus) (model.TaskStatus, error)

// CreateResult reports the outcome of inserting one task
type CreateResult struct {
	ID      string
	Created bool
	Status  model.TaskStatus
}

// Ledger is the durable task ledger. Every state change is a single
// transaction guarded by the expected prior status.
type Ledger struct {
	logger *zap.Logger
	db     *sql.DB
	now    func() time.Time
}

// NewLedger opens (or creates) the SQLite ledger at dbPath
func NewLedger(logger *zap.Logger, dbPath string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ledger := &Ledger{
		logger: logger.Named("ledger"),
		db:     db,
		now:    time.Now,
	}

	if err := ledger.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return ledger, nil
}

// initialize creates the necessary tables if they don't exist
func (l *Ledger) initialize() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			payload TEXT,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			dependencies TEXT NOT NULL DEFAULT '[]',
			workflow_id TEXT NOT NULL DEFAULT '',
			deadline DATETIME,
			complexity REAL NOT NULL DEFAULT 1,
			cost_budget REAL NOT NULL DEFAULT 0,
			idempotency_key TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			checkpoint BLOB,
			assigned_agent TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			verification INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			enqueued_at DATETIME,
			started_at DATETIME,
			completed_at DATETIME,
			next_attempt_at DATETIME,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_workflow ON tasks(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_type_status ON tasks(type, status);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_live_idempotency ON tasks(idempotency_key)
			WHERE idempotency_key <> '' AND status NOT IN ('completed', 'failed', 'cancelled');

		CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on)
		);
		CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on);

		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			deadline DATETIME,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);

		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL UNIQUE,
			snapshot TEXT NOT NULL,
			reason TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			trace_id TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			reprocessed_as TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS verification_votes (
			task_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			approved INTEGER NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			PRIMARY KEY (task_id, agent_id)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (l *Ledger) Close() error {
	return l.db.Close()
}

const taskColumns = `id, type, description, payload, priority, status, dependencies, workflow_id,
	deadline, complexity, cost_budget, idempotency_key, retry_count, max_retries, attempt,
	checkpoint, assigned_agent, trace_id, verification, created_at, enqueued_at, started_at,
	completed_at, next_attempt_at, result, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		task                                                   model.Task
		payload, result                                        sql.NullString
		deps                                                   string
		deadline, enqueuedAt, startedAt, completedAt, nextTime sql.NullTime
		verification                                           int
	)

	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.Description,
		&payload,
		&task.Priority,
		&task.Status,
		&deps,
		&task.WorkflowID,
		&deadline,
		&task.Complexity,
		&task.CostBudget,
		&task.IdempotencyKey,
		&task.RetryCount,
		&task.MaxRetries,
		&task.Attempt,
		&task.Checkpoint,
		&task.AssignedAgent,
		&task.TraceID,
		&verification,
		&task.CreatedAt,
		&enqueuedAt,
		&startedAt,
		&completedAt,
		&nextTime,
		&result,
		&task.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" {
		task.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		task.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(deps), &task.Dependencies); err != nil {
		return nil, fmt.Errorf("failed to decode dependencies: %w", err)
	}
	task.Verification = verification != 0
	task.Deadline = timePtr(deadline)
	task.EnqueuedAt = timePtr(enqueuedAt)
	task.StartedAt = timePtr(startedAt)
	task.CompletedAt = timePtr(completedAt)
	task.NextAttemptAt = timePtr(nextTime)

	return &task, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// taskArgs returns the column values in taskColumns order
func taskArgs(t *model.Task) ([]interface{}, error) {
	deps := t.Dependencies
	if deps == nil {
		deps = []string{}
	}
	depsJSON, err := json.Marshal(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dependencies: %w", err)
	}
	return []interface{}{
		t.ID,
		t.Type,
		t.Description,
		nullString(t.Payload),
		t.Priority,
		t.Status,
		string(depsJSON),
		t.WorkflowID,
		nullTime(t.Deadline),
		t.Complexity,
		t.CostBudget,
		t.IdempotencyKey,
		t.RetryCount,
		t.MaxRetries,
		t.Attempt,
		t.Checkpoint,
		t.AssignedAgent,
		t.TraceID,
		boolInt(t.Verification),
		t.CreatedAt.UTC(),
		nullTime(t.EnqueuedAt),
		nullTime(t.StartedAt),
		nullTime(t.CompletedAt),
		nullTime(t.NextAttemptAt),
		nullString(t.Result),
		t.ErrorMessage,
	}, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*model.Task, error) {
	task, err := scanTask(tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return task, nil
}

func writeTaskTx(ctx context.Context, tx *sql.Tx, t *model.Task, now time.Time) error {
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET
			type = ?, description = ?, payload = ?, priority = ?, status = ?, dependencies = ?,
			workflow_id = ?, deadline = ?, complexity = ?, cost_budget = ?, idempotency_key = ?,
			retry_count = ?, max_retries = ?, attempt = ?, checkpoint = ?, assigned_agent = ?,
			trace_id = ?, verification = ?, created_at = ?, enqueued_at = ?, started_at = ?,
			completed_at = ?, next_attempt_at = ?, result = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		append(args[1:], now, t.ID)...,
	)
	if err != nil {
		return fmt.Errorf("failed to write task %s: %w", t.ID, err)
	}
	return nil
}

func statusIn(status model.TaskStatus, expect []model.TaskStatus) bool {
	if len(expect) == 0 {
		return true
	}
	for _, s := range expect {
		if s == status {
			return true
		}
	}
	return false
}

// CreateTasks inserts tasks (and optionally their workflow) in one
// transaction. Tasks must be ordered so that dependencies come first. A task
// whose idempotency key is held by a live task is not inserted; the existing
// id is reported instead.
func (l *Ledger) CreateTasks(ctx context.Context, workflow *model.Workflow, tasks []*model.Task, resolve StatusResolver) ([]CreateResult, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := l.now().UTC()

	if workflow != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (id, name, status, deadline, error, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			workflow.ID, workflow.Name, workflow.Status, nullTime(workflow.Deadline), workflow.Error, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert workflow: %w", err)
		}
	}

	results := make([]CreateResult, 0, len(tasks))
	for _, task := range tasks {
		if task.IdempotencyKey != "" {
			var existingID string
			var existingStatus model.TaskStatus
			err := tx.QueryRowContext(ctx, `
				SELECT id, status FROM tasks
				WHERE idempotency_key = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
				task.IdempotencyKey,
			).Scan(&existingID, &existingStatus)
			if err == nil {
				results = append(results, CreateResult{ID: existingID, Created: false, Status: existingStatus})
				continue
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("failed to check idempotency key: %w", err)
			}
		}

		deps := make(map[string]model.TaskStatus, len(task.Dependencies))
		for _, depID := range task.Dependencies {
			var status model.TaskStatus
			err := tx.QueryRowContext(ctx, "SELECT status FROM tasks WHERE id = ?", depID).Scan(&status)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
				}
				return nil, fmt.Errorf("failed to read dependency %s: %w", depID, err)
			}
			deps[depID] = status
		}

		status, err := resolve(task, deps)
		if err != nil {
			return nil, err
		}
		task.Status = status
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		if status == model.TaskStatusQueued {
			enqueued := now
			task.EnqueuedAt = &enqueued
		}
		if workflow != nil {
			task.WorkflowID = workflow.ID
		}

		args, err := taskArgs(task)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append(args, now)...,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}

		for _, depID := range task.Dependencies {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)",
				task.ID, depID,
			); err != nil {
				return nil, fmt.Errorf("failed to insert dependency edge: %w", err)
			}
		}

		results = append(results, CreateResult{ID: task.ID, Created: true, Status: status})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tasks: %w", err)
	}
	return results, nil
}

// GetTask retrieves a task by ID
func (l *Ledger) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := scanTask(l.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks retrieves tasks matching the filters, oldest first
func (l *Ledger) ListTasks(ctx context.Context, filters model.TaskFilters) ([]*model.Task, error) {
	var (
		where []string
		args  []interface{}
	)

	if len(filters.Status) > 0 {
		marks := make([]string, len(filters.Status))
		for i, s := range filters.Status {
			marks[i] = "?"
			args = append(args, s)
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if len(filters.Priority) > 0 {
		marks := make([]string, len(filters.Priority))
		for i, p := range filters.Priority {
			marks[i] = "?"
			args = append(args, p)
		}
		where = append(where, "priority IN ("+strings.Join(marks, ",")+")")
	}
	if filters.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filters.Type)
	}
	if filters.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filters.WorkflowID)
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	limit := filters.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filters.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

// UpdateTask applies fn to the task inside a transaction, provided its
// current status is one of expect. fn may return an error to abort.
func (l *Ledger) UpdateTask(ctx context.Context, id string, expect []model.TaskStatus, fn func(*model.Task) error) (*model.Task, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if !statusIn(task.Status, expect) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrStatusConflict, id, task.Status)
	}

	if err := fn(task); err != nil {
		return nil, err
	}

	if err := writeTaskTx(ctx, tx, task, l.now().UTC()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task update: %w", err)
	}
	return task, nil
}

// SaveCheckpoint stores a checkpoint for a running attempt
func (l *Ledger) SaveCheckpoint(ctx context.Context, id string, attempt int, checkpoint []byte) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE tasks SET checkpoint = ?, updated_at = ?
		WHERE id = ? AND attempt = ? AND status = ?`,
		checkpoint, l.now().UTC(), id, attempt, model.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// Dependents returns the ids of tasks that depend directly on id
func (l *Ledger) Dependents(ctx context.Context, id string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT task_id FROM task_dependencies WHERE depends_on = ? ORDER BY task_id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependents: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("failed to scan dependent: %w", err)
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

// CountByStatus returns the number of tasks per status
func (l *Ledger) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// CountPendingByType returns the number of queued or retrying tasks per task type
func (l *Ledger) CountPendingByType(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT type, COUNT(*) FROM tasks WHERE status IN (?, ?) GROUP BY type",
		model.TaskStatusQueued, model.TaskStatusRetrying)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var taskType string
		var n int
		if err := rows.Scan(&taskType, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[taskType] = n
	}
	return counts, rows.Err()
}

// DueRetries returns retrying tasks whose backoff has elapsed
func (l *Ledger) DueRetries(ctx context.Context, now time.Time, limit int) ([]*model.Task, error) {
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE status = ? AND next_attempt_at <= ? ORDER BY next_attempt_at LIMIT ?",
		model.TaskStatusRetrying, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DeleteTerminalBefore deletes finished tasks completed before the cutoff.
// Dead-lettered tasks are kept, as are tasks that an unfinished or
// replayable dead-lettered task still depends on.
func (l *Ledger) DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	selectDoomed := `SELECT id FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND completed_at < ?
		AND id NOT IN (SELECT task_id FROM dead_letters)
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies e JOIN tasks dependent ON dependent.id = e.task_id
			WHERE e.depends_on = tasks.id
			AND (dependent.status NOT IN ('completed', 'failed', 'cancelled')
				OR dependent.id IN (SELECT task_id FROM dead_letters WHERE reprocessed_as = '')))`

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM task_dependencies WHERE task_id IN ("+selectDoomed+")", before.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete dependency edges: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id IN ("+selectDoomed+")", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete tasks: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	l.logger.Info("Deleted old task records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}
