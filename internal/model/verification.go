package model

import (
	"encoding/json"
	"time"
)

// VerificationRequest asks a set of agents to cross-check a task's output
type VerificationRequest struct {
	TaskID         string            `json:"task_id"`
	Verifiers      []string          `json:"verifiers"`
	ConsensusRatio float64           `json:"consensus_ratio"`
	Criteria       map[string]string `json:"criteria,omitempty"`
}

// Vote is one verifier's verdict on a task output
type Vote struct {
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// VerificationResult summarizes the collected votes
type VerificationResult struct {
	TaskID    string  `json:"task_id"`
	Approvals int     `json:"approvals"`
	Total     int     `json:"total"`
	Ratio     float64 `json:"ratio"`
	Required  float64 `json:"required"`
	Passed    bool    `json:"passed"`
	Votes     []Vote  `json:"votes"`
}

// VerificationTask is the payload a verifier agent receives for a "verify"
// task
type VerificationTask struct {
	TaskID   string            `json:"task_id"`
	TaskType string            `json:"task_type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Output   json.RawMessage   `json:"output,omitempty"`
	Criteria map[string]string `json:"criteria,omitempty"`
}

// Verdict is what a verifier agent answers
type Verdict struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}
