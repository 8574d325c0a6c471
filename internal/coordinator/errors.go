package coordinator

import "errors"

var (
	// ErrNoVerifiers is returned when no agent can verify a task
	ErrNoVerifiers = errors.New("no verifier agents available")

	// ErrInvalidVerification is returned for a malformed verification request
	ErrInvalidVerification = errors.New("invalid verification request")

	// ErrTaskNotCompleted is returned when verifying a task that has no output yet
	ErrTaskNotCompleted = errors.New("task has not completed")

	// ErrLogsUnavailable is returned when a task's agent cannot be asked for logs
	ErrLogsUnavailable = errors.New("task logs unavailable")
)
