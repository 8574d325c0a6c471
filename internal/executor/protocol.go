package executor

import (
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Suffixes appended to an agent's endpoint to form its RPC subjects
const (
	suffixExecute    = ".execute"
	suffixHealth     = ".health"
	suffixCheckpoint = ".checkpoint"
	suffixLogs       = ".logs"
)

// Error codes carried in responses
const (
	codeUnauthorized = "unauthorized"
	codeInvalid      = "invalid"
	codeBusy         = "busy"
	codeDraining     = "draining"
	codeNotRunning   = "not_running"
	codeNotFound     = "not_found"
	codeInternal     = "internal"
)

type request struct {
	Execute *model.ExecuteRequest `json:"execute,omitempty"`
	TaskID  string                `json:"task_id,omitempty"`
	Since   time.Time             `json:"since,omitempty"`
	Until   time.Time             `json:"until,omitempty"`
}

type response struct {
	Result     *model.TaskResult   `json:"result,omitempty"`
	Health     *model.HealthStatus `json:"health,omitempty"`
	Checkpoint []byte              `json:"checkpoint,omitempty"`
	Logs       []LogEntry          `json:"logs,omitempty"`
	Code       string              `json:"code,omitempty"`
	Error      string              `json:"error,omitempty"`
}
