package model

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the current status of a task
type TaskStatus string

const (
	TaskStatusBlocked   TaskStatus = "blocked"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// PublicStatus is the status exposed to clients
type PublicStatus string

const (
	PublicStatusPending   PublicStatus = "PENDING"
	PublicStatusRunning   PublicStatus = "RUNNING"
	PublicStatusCompleted PublicStatus = "COMPLETED"
	PublicStatusFailed    PublicStatus = "FAILED"
	PublicStatusCancelled PublicStatus = "CANCELLED"
)

// Public collapses the internal lifecycle into the client-visible one
func (s TaskStatus) Public() PublicStatus {
	switch s {
	case TaskStatusRunning:
		return PublicStatusRunning
	case TaskStatusCompleted:
		return PublicStatusCompleted
	case TaskStatusFailed:
		return PublicStatusFailed
	case TaskStatusCancelled:
		return PublicStatusCancelled
	default:
		return PublicStatusPending
	}
}

// TaskPriority represents the priority level of a task. Lower values are more urgent.
type TaskPriority int

const (
	TaskPriorityCritical   TaskPriority = 0
	TaskPriorityHigh       TaskPriority = 1
	TaskPriorityNormal     TaskPriority = 2
	TaskPriorityLow        TaskPriority = 3
	TaskPriorityBackground TaskPriority = 4
)

// Priorities lists every priority from most to least urgent
var Priorities = []TaskPriority{
	TaskPriorityCritical,
	TaskPriorityHigh,
	TaskPriorityNormal,
	TaskPriorityLow,
	TaskPriorityBackground,
}

var priorityNames = map[TaskPriority]string{
	TaskPriorityCritical:   "critical",
	TaskPriorityHigh:       "high",
	TaskPriorityNormal:     "normal",
	TaskPriorityLow:        "low",
	TaskPriorityBackground: "background",
}

func (p TaskPriority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether p is a known priority
func (p TaskPriority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a priority name into a TaskPriority
func ParsePriority(name string) (TaskPriority, bool) {
	for p, n := range priorityNames {
		if n == name {
			return p, true
		}
	}
	return 0, false
}

// Task represents a unit of work to be executed by an agent
type Task struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Description    string          `json:"description,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       TaskPriority    `json:"priority"`
	Status         TaskStatus      `json:"status"`
	Dependencies   []string        `json:"dependencies,omitempty"`
	WorkflowID     string          `json:"workflow_id,omitempty"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	Complexity     float64         `json:"complexity"`
	CostBudget     float64         `json:"cost_budget,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Attempt        int             `json:"attempt"`
	Checkpoint     []byte          `json:"checkpoint,omitempty"`
	AssignedAgent  string          `json:"assigned_agent,omitempty"`
	TraceID        string          `json:"trace_id"`
	Verification   bool            `json:"verification_required,omitempty"`

	// Timing fields
	CreatedAt     time.Time  `json:"created_at"`
	EnqueuedAt    *time.Time `json:"enqueued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// Execution details
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// EstimatedDuration scales the base duration by the task's complexity
func (t *Task) EstimatedDuration(base time.Duration) time.Duration {
	c := t.Complexity
	if c <= 0 {
		c = 1
	}
	return time.Duration(c * float64(base))
}

// Clone returns a deep copy of the task
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.Result = append(json.RawMessage(nil), t.Result...)
	c.Checkpoint = append([]byte(nil), t.Checkpoint...)
	return &c
}

// TaskFilters defines the filters for listing tasks
type TaskFilters struct {
	Status     []TaskStatus
	Priority   []TaskPriority
	Type       string
	WorkflowID string
	Limit      int
	Offset     int
}

// TaskResult represents the result an agent returns for a task
type TaskResult struct {
	TaskID      string          `json:"task_id"`
	AgentID     string          `json:"agent_id"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// DeadLetter is a snapshot of a terminally failed task
type DeadLetter struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	Task          *Task     `json:"task"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	TraceID       string    `json:"trace_id"`
	CreatedAt     time.Time `json:"created_at"`
	ReprocessedAs string    `json:"reprocessed_as,omitempty"`
}

// ExecuteRequest is what the orchestrator sends an agent to run a task
type ExecuteRequest struct {
	TaskID     string            `json:"task_id"`
	Type       string            `json:"type"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	Attempt    int               `json:"attempt"`
	TraceID    string            `json:"trace_id"`
	Deadline   time.Time         `json:"deadline"`
	Checkpoint []byte            `json:"checkpoint,omitempty"`
	Context    map[string]string `json:"context,omitempty"`
}
