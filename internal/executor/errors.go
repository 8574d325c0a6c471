package executor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTaskType is returned when no handler is registered for a task type
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrAgentBusy is returned when every execution slot is taken
	ErrAgentBusy = errors.New("agent at capacity")

	// ErrAgentDraining is returned when the agent no longer takes new work
	ErrAgentDraining = errors.New("agent draining")

	// ErrTaskNotRunning is returned when asking about a task the agent is not running
	ErrTaskNotRunning = errors.New("task not running on this agent")

	// ErrLogNotFound is returned when no log exists for a task
	ErrLogNotFound = errors.New("task log not found")
)

// RemoteError is an agent RPC failure carrying the agent's error code
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent error (%s): %s", e.Code, e.Message)
}

// Is maps remote codes back onto the local sentinels
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case codeBusy:
		return target == ErrAgentBusy
	case codeDraining:
		return target == ErrAgentDraining
	case codeNotRunning:
		return target == ErrTaskNotRunning
	case codeNotFound:
		return target == ErrLogNotFound
	}
	return false
}
