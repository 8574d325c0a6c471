package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// DeadLetterTask marks the task FAILED and snapshots it into the dead-letter
// table in one transaction. The boolean is false when the task had already
// been dead-lettered, so each task is dead-lettered at most once.
func (l *Ledger) DeadLetterTask(ctx context.Context, taskID string, expect []model.TaskStatus, reason, errMsg string) (*model.DeadLetter, bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	task, err := getTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, false, err
	}
	if !statusIn(task.Status, expect) {
		return nil, false, fmt.Errorf("%w: task %s is %s", ErrStatusConflict, taskID, task.Status)
	}

	now := l.now().UTC()
	task.Status = model.TaskStatusFailed
	task.ErrorMessage = errMsg
	task.CompletedAt = &now
	task.NextAttemptAt = nil
	if err := writeTaskTx(ctx, tx, task, now); err != nil {
		return nil, false, err
	}

	snapshot, err := json.Marshal(task)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal task snapshot: %w", err)
	}

	dl := &model.DeadLetter{
		ID:        uuid.New().String(),
		TaskID:    task.ID,
		Task:      task,
		Reason:    reason,
		Error:     errMsg,
		TraceID:   task.TraceID,
		CreatedAt: now,
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO dead_letters (id, task_id, snapshot, reason, error, trace_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.TaskID, string(snapshot), dl.Reason, dl.Error, dl.TraceID, dl.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit dead letter: %w", err)
	}
	return dl, n > 0, nil
}

const deadLetterColumns = "id, task_id, snapshot, reason, error, trace_id, created_at, reprocessed_as"

func scanDeadLetter(row rowScanner) (*model.DeadLetter, error) {
	var dl model.DeadLetter
	var snapshot string
	if err := row.Scan(&dl.ID, &dl.TaskID, &snapshot, &dl.Reason, &dl.Error, &dl.TraceID, &dl.CreatedAt, &dl.ReprocessedAs); err != nil {
		return nil, err
	}
	var task model.Task
	if err := json.Unmarshal([]byte(snapshot), &task); err != nil {
		return nil, fmt.Errorf("failed to decode task snapshot: %w", err)
	}
	dl.Task = &task
	return &dl, nil
}

// GetDeadLetter retrieves a dead letter by ID
func (l *Ledger) GetDeadLetter(ctx context.Context, id string) (*model.DeadLetter, error) {
	dl, err := scanDeadLetter(l.db.QueryRowContext(ctx, "SELECT "+deadLetterColumns+" FROM dead_letters WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("failed to get dead letter: %w", err)
	}
	return dl, nil
}

// ListDeadLetters lists dead letters, newest first
func (l *Ledger) ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := l.db.QueryContext(ctx,
		"SELECT "+deadLetterColumns+" FROM dead_letters ORDER BY created_at DESC, id LIMIT ? OFFSET ?", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []*model.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// CountDeadLetters returns the number of dead letters not yet reprocessed
func (l *Ledger) CountDeadLetters(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters WHERE reprocessed_as = ''").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return n, nil
}

// ReprocessDeadLetter replays a dead letter as a brand new task. The new task
// gets newID, a reset retry count and a fresh attempt counter; the link from
// the dead letter to the new id is written in the same transaction.
func (l *Ledger) ReprocessDeadLetter(ctx context.Context, id, newID string, resolve StatusResolver) (*model.Task, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	dl, err := scanDeadLetter(tx.QueryRowContext(ctx, "SELECT "+deadLetterColumns+" FROM dead_letters WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeadLetterNotFound
		}
		return nil, fmt.Errorf("failed to load dead letter: %w", err)
	}
	if dl.ReprocessedAs != "" {
		return nil, fmt.Errorf("%w: replayed as %s", ErrAlreadyReprocessed, dl.ReprocessedAs)
	}

	now := l.now().UTC()
	old := dl.Task
	task := &model.Task{
		ID:             newID,
		Type:           old.Type,
		Description:    old.Description,
		Payload:        old.Payload,
		Priority:       old.Priority,
		Dependencies:   old.Dependencies,
		WorkflowID:     old.WorkflowID,
		Deadline:       old.Deadline,
		Complexity:     old.Complexity,
		CostBudget:     old.CostBudget,
		IdempotencyKey: old.IdempotencyKey,
		MaxRetries:     old.MaxRetries,
		TraceID:        old.TraceID,
		Verification:   old.Verification,
		CreatedAt:      now,
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
	if status == model.TaskStatusQueued {
		task.EnqueuedAt = &now
	}

	args, err := taskArgs(task)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append(args, now)...,
	); err != nil {
		return nil, fmt.Errorf("failed to insert reprocessed task: %w", err)
	}
	for _, depID := range task.Dependencies {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO task_dependencies (task_id, depends_on) VALUES (?, ?)", task.ID, depID,
		); err != nil {
			return nil, fmt.Errorf("failed to insert dependency edge: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE dead_letters SET reprocessed_as = ? WHERE id = ?", newID, id,
	); err != nil {
		return nil, fmt.Errorf("failed to mark dead letter reprocessed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reprocess: %w", err)
	}
	return task, nil
}
