package model

import (
	"encoding/json"
	"time"
)

// WorkflowStatus represents the aggregate status of a workflow
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "PENDING"
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusBlocked   WorkflowStatus = "BLOCKED"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether the workflow has finished
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// Workflow is a named set of tasks related by a dependency DAG
type Workflow struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Status    WorkflowStatus `json:"status"`
	TaskIDs   []string       `json:"task_ids"`
	Deadline  *time.Time     `json:"deadline,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TaskDef describes one task of a workflow submission. DependsOn refers to
// other definitions of the same workflow by Ref.
type TaskDef struct {
	Ref          string          `json:"ref"`
	Type         string          `json:"type"`
	Description  string          `json:"description,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     TaskPriority    `json:"priority"`
	DependsOn    []string        `json:"depends_on,omitempty"`
	Complexity   float64         `json:"complexity,omitempty"`
	MaxRetries   int             `json:"max_retries,omitempty"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	CostBudget   float64         `json:"cost_budget,omitempty"`
	Verification bool            `json:"verification_required,omitempty"`
}
