package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

var (
	// ErrTaskNotFound is returned when a task is not found
	ErrTaskNotFound = storage.ErrTaskNotFound

	// ErrWorkflowNotFound is returned when a workflow is not found
	ErrWorkflowNotFound = storage.ErrWorkflowNotFound

	// ErrWorkflowFinished is returned when cancelling a workflow that already ended
	ErrWorkflowFinished = errors.New("workflow already finished")

	// ErrInvalidPriority is returned when an invalid priority is specified
	ErrInvalidPriority = errors.New("invalid task priority")

	// ErrInvalidTask is returned when a submission is missing required fields
	ErrInvalidTask = errors.New("invalid task")

	// ErrCircularDependency is returned when a circular dependency is detected
	ErrCircularDependency = errors.New("circular dependency detected")

	// ErrUnknownDependency is returned when a task depends on an id that does not exist
	ErrUnknownDependency = storage.ErrUnknownDependency

	// ErrDependencyFailed is returned when a task depends on a failed or cancelled task
	ErrDependencyFailed = errors.New("dependency failed or cancelled")

	// ErrQueueExhausted is returned when no queue had room before the admission timeout
	ErrQueueExhausted = errors.New("admission failed: queues exhausted")

	// ErrNoEligibleAgent is returned when no agent could take a task in time
	ErrNoEligibleAgent = errors.New("no eligible agent")

	// ErrLockNotAcquired is returned when another dispatcher holds the task lock
	ErrLockNotAcquired = errors.New("task lock not acquired")

	// ErrMaxRetriesExceeded is returned when max retries are exceeded
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrTaskCancelled is returned when a task is cancelled
	ErrTaskCancelled = errors.New("task cancelled")

	// ErrTaskTerminal is returned when acting on a task that already finished
	ErrTaskTerminal = errors.New("task already finished")

	// ErrVerificationFailed is returned when verifiers did not reach consensus
	ErrVerificationFailed = errors.New("verification consensus not reached")

	// ErrUnknownStrategy is returned for an unknown dispatch strategy name
	ErrUnknownStrategy = errors.New("unknown dispatch strategy")
)

// CycleError names the tasks forming a dependency cycle
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	if len(e.Path) == 0 {
		return ErrCircularDependency.Error()
	}
	return fmt.Sprintf("%s: %s", ErrCircularDependency, strings.Join(e.Path, " -> "))
}

// Is makes errors.Is(err, ErrCircularDependency) hold
func (e *CycleError) Is(target error) bool {
	return target == ErrCircularDependency
}
