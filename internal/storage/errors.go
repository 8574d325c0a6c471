package storage

import "errors"

var (
	// ErrTaskNotFound is returned when a task is not in the ledger
	ErrTaskNotFound = errors.New("task not found")

	// ErrStatusConflict is returned when a conditional update finds an unexpected status
	ErrStatusConflict = errors.New("task status changed concurrently")

	// ErrUnknownDependency is returned when a dependency id does not exist
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrWorkflowNotFound is returned when a workflow is not in the ledger
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrDeadLetterNotFound is returned when a dead letter does not exist
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrAlreadyReprocessed is returned when a dead letter was already replayed
	ErrAlreadyReprocessed = errors.New("dead letter already reprocessed")
)
