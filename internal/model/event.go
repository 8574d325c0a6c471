package model

import "time"

// EventKind identifies what changed
type EventKind string

const (
	EventTaskStatus     EventKind = "task.status"
	EventAgentStatus    EventKind = "agent.status"
	EventWorkflowStatus EventKind = "workflow.status"
	EventDeadLetter     EventKind = "task.deadletter"
	EventWorkflowAtRisk EventKind = "workflow.at_risk"
)

// Event is a status-change notification published on the bus
type Event struct {
	Kind       EventKind `json:"kind"`
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Previous   string    `json:"previous,omitempty"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
