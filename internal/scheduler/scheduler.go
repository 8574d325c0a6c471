package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// AgentInvoker runs tasks on agents
type AgentInvoker interface {
	// Execute runs the task and blocks until the agent answers or ctx ends
	Execute(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error)

	// GetCheckpoint fetches the latest checkpoint an agent holds for a task
	GetCheckpoint(ctx context.Context, agent *model.Agent, taskID string) ([]byte, error)
}

// Verifier cross-checks a completed task's output before it is accepted
type Verifier interface {
	Verify(ctx context.Context, task *model.Task) (*model.VerificationResult, error)
}

// Notifier publishes status-change events
type Notifier interface {
	PublishEvent(ctx context.Context, event model.Event) error
}

// Observer receives scheduling measurements
type Observer interface {
	TaskDispatched(taskType string, latency time.Duration)
	TaskCompleted(taskType string, duration time.Duration)
	TaskFailed(taskType, reason string)
	TaskDeadLettered(taskType, reason string)
	QueueDepth(priority model.TaskPriority, depth int)
	CriticalPath(workflowID string, remaining time.Duration, atRisk bool)
	WorkflowFinished(workflowID string)
}

type nopNotifier struct{}

func (nopNotifier) PublishEvent(context.Context, model.Event) error { return nil }

type nopObserver struct{}

func (nopObserver) TaskDispatched(string, time.Duration)     {}
func (nopObserver) TaskCompleted(string, time.Duration)      {}
func (nopObserver) TaskFailed(string, string)                {}
func (nopObserver) TaskDeadLettered(string, string)          {}
func (nopObserver) QueueDepth(model.TaskPriority, int)       {}
func (nopObserver) CriticalPath(string, time.Duration, bool) {}
func (nopObserver) WorkflowFinished(string)                  {}
