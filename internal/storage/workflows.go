package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const workflowColumns = "id, name, status, deadline, error, created_at, updated_at"

func scanWorkflow(row rowScanner) (*model.Workflow, error) {
	var wf model.Workflow
	var deadline sql.NullTime
	if err := row.Scan(&wf.ID, &wf.Name, &wf.Status, &deadline, &wf.Error, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Deadline = timePtr(deadline)
	return &wf, nil
}

// GetWorkflow retrieves a workflow and the ids of its tasks
func (l *Ledger) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := scanWorkflow(l.db.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkflowNotFound
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, "SELECT id FROM tasks WHERE workflow_id = ? ORDER BY created_at, id", id)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow tasks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var taskID string
		if err := rows.Scan(&taskID); err != nil {
			return nil, fmt.Errorf("failed to scan workflow task: %w", err)
		}
		wf.TaskIDs = append(wf.TaskIDs, taskID)
	}
	return wf, rows.Err()
}

// ListWorkflows lists workflows in the given statuses (all when empty)
func (l *Ledger) ListWorkflows(ctx context.Context, statuses ...model.WorkflowStatus) ([]*model.Workflow, error) {
	query := "SELECT " + workflowColumns + " FROM workflows"
	var args []interface{}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, s := range statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		query += " WHERE status IN (" + strings.Join(marks, ",") + ")"
	}
	query += " ORDER BY created_at, id"

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// SetWorkflowStatus moves a non-terminal workflow to status. It reports
// whether anything changed; a terminal workflow is never reopened.
func (l *Ledger) SetWorkflowStatus(ctx context.Context, id string, status model.WorkflowStatus, errMsg string) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		UPDATE workflows SET status = ?, error = ?, updated_at = ?
		WHERE id = ? AND status <> ? AND status NOT IN (?, ?, ?)`,
		status, errMsg, l.now().UTC(), id, status,
		model.WorkflowStatusCompleted, model.WorkflowStatusFailed, model.WorkflowStatusCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// RecordVote stores a verifier's verdict, replacing an earlier one from the same agent
func (l *Ledger) RecordVote(ctx context.Context, vote model.Vote) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO verification_votes (task_id, agent_id, approved, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		vote.TaskID, vote.AgentID, boolInt(vote.Approved), vote.Reason, vote.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record vote: %w", err)
	}
	return nil
}

// Votes lists the verdicts recorded for a task
func (l *Ledger) Votes(ctx context.Context, taskID string) ([]model.Vote, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, agent_id, approved, reason, created_at
		FROM verification_votes WHERE task_id = ? ORDER BY agent_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		var approved int
		if err := rows.Scan(&v.TaskID, &v.AgentID, &approved, &v.Reason, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan vote: %w", err)
		}
		v.Approved = approved != 0
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
