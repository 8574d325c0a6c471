package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

// AgentRegistry is the registry view the coordinator reads
type AgentRegistry interface {
	AgentDirectory
	List(ctx context.Context) ([]*model.Agent, error)
}

// LogFetcher reads an attempt's execution log from the agent that ran it
type LogFetcher interface {
	GetLogs(ctx context.Context, agent *model.Agent, taskID string, since, until time.Time) ([]executor.LogEntry, error)
}

// Reclaimer puts an agent's running tasks back in the queues
type Reclaimer func(ctx context.Context, agentID string, taskIDs []string)

// TaskStatus is the client view of a task
type TaskStatus struct {
	TaskID        string             `json:"task_id"`
	Status        model.PublicStatus `json:"status"`
	Phase         model.TaskStatus   `json:"phase"`
	Attempt       int                `json:"attempt"`
	RetryCount    int                `json:"retry_count"`
	AssignedAgent string             `json:"assigned_agent,omitempty"`
	WorkflowID    string             `json:"workflow_id,omitempty"`
	Result        json.RawMessage    `json:"result,omitempty"`
	Error         string             `json:"error,omitempty"`
	TraceID       string             `json:"trace_id"`
	CreatedAt     time.Time          `json:"created_at"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

func statusOf(t *model.Task) *TaskStatus {
	return &TaskStatus{
		TaskID:        t.ID,
		Status:        t.Status.Public(),
		Phase:         t.Status,
		Attempt:       t.Attempt,
		RetryCount:    t.RetryCount,
		AssignedAgent: t.AssignedAgent,
		WorkflowID:    t.WorkflowID,
		Result:        t.Result,
		Error:         t.ErrorMessage,
		TraceID:       t.TraceID,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// WorkflowView is a workflow with the status of each of its tasks
type WorkflowView struct {
	*model.Workflow
	Tasks []*TaskStatus `json:"tasks"`
}

// CoordinationMetrics is a point-in-time summary of the whole system
type CoordinationMetrics struct {
	Timestamp        time.Time                  `json:"timestamp"`
	Tasks            map[model.PublicStatus]int `json:"tasks"`
	TasksByPhase     map[model.TaskStatus]int   `json:"tasks_by_phase"`
	PendingByType    map[string]int             `json:"pending_by_type"`
	QueueDepth       map[string]int             `json:"queue_depth"`
	Agents           map[model.AgentStatus]int  `json:"agents"`
	Utilization      float64                    `json:"utilization"`
	DeadLetters      int                        `json:"dead_letters"`
	RunningWorkflows int                        `json:"running_workflows"`
}

// Coordinator is the entry point clients use. It fronts the scheduler, the
// registry and consensus verification.
type Coordinator struct {
	logger    *zap.Logger
	service   *scheduler.Service
	ledger    *storage.Ledger
	agents    AgentRegistry
	queue     queue.Queue
	consensus *Consensus
	logs      LogFetcher
	reclaim   Reclaimer
	notifier  scheduler.Notifier
	now       func() time.Time
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithLogFetcher lets the coordinator read task logs from agents
func WithLogFetcher(l LogFetcher) Option {
	return func(c *Coordinator) { c.logs = l }
}

// WithReclaimer requeues tasks of agents that went offline
func WithReclaimer(r Reclaimer) Option {
	return func(c *Coordinator) { c.reclaim = r }
}

// WithNotifier publishes agent status changes
func WithNotifier(n scheduler.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// New creates a coordinator
func New(service *scheduler.Service, ledger *storage.Ledger, agents AgentRegistry, q queue.Queue, consensus *Consensus, logger *zap.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:    logger.Named("coordinator"),
		service:   service,
		ledger:    ledger,
		agents:    agents,
		queue:     q,
		consensus: consensus,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitTask submits one task. created is false when a live task with the
// same idempotency key was returned instead.
func (c *Coordinator) SubmitTask(ctx context.Context, task *model.Task) (*model.Task, bool, error) {
	return c.service.Submit(ctx, task)
}

// CheckTaskStatus returns the client view of a task
func (c *Coordinator) CheckTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := c.service.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return statusOf(task), nil
}

// CancelTask cancels a task and everything that depends on it
func (c *Coordinator) CancelTask(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := c.service.Cancel(ctx, taskID)
	if task == nil {
		return nil, err
	}
	return statusOf(task), err
}

// CreateWorkflow submits a DAG of tasks as one workflow
func (c *Coordinator) CreateWorkflow(ctx context.Context, name string, defs []model.TaskDef, deadline *time.Time) (*model.Workflow, error) {
	return c.service.SubmitWorkflow(ctx, name, defs, deadline)
}

// GetWorkflow returns a workflow and the status of its tasks
func (c *Coordinator) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowView, error) {
	wf, err := c.service.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := c.service.List(ctx, model.TaskFilters{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	view := &WorkflowView{Workflow: wf, Tasks: make([]*TaskStatus, 0, len(tasks))}
	for _, t := range tasks {
		view.Tasks = append(view.Tasks, statusOf(t))
	}
	return view, nil
}

// CancelWorkflow cancels every live task of a workflow
func (c *Coordinator) CancelWorkflow(ctx context.Context, workflowID string) (*model.Workflow, error) {
	return c.service.CancelWorkflow(ctx, workflowID)
}

// ListDeadLetters lists dead letters, newest first
func (c *Coordinator) ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	return c.service.ListDeadLetters(ctx, offset, limit)
}

// ReprocessDeadLetter replays a dead letter as a fresh task
func (c *Coordinator) ReprocessDeadLetter(ctx context.Context, deadLetterID string) (*model.Task, error) {
	return c.service.ReprocessDeadLetter(ctx, deadLetterID)
}

// Verify implements the dispatcher's verification hook
func (c *Coordinator) Verify(ctx context.Context, task *model.Task) (*model.VerificationResult, error) {
	return c.consensus.Verify(ctx, task)
}

// ValidateOutput asks the verifier pool to judge output for a task without
// changing the task. A nil output judges the task's stored result.
func (c *Coordinator) ValidateOutput(ctx context.Context, taskID string, output json.RawMessage, criteria map[string]string) (*model.VerificationResult, error) {
	task, err := c.service.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if output == nil {
		if task.Status != model.TaskStatusCompleted {
			return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotCompleted, taskID, task.Status)
		}
		output = task.Result
	}
	return c.consensus.Run(ctx, task, output, nil, 0, criteria)
}

// RequestVerification runs a verification of a completed task with the
// named verifiers and ratio
func (c *Coordinator) RequestVerification(ctx context.Context, req model.VerificationRequest) (*model.VerificationResult, error) {
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: task id is required", ErrInvalidVerification)
	}
	task, err := c.service.Get(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != model.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: %s is %s", ErrTaskNotCompleted, req.TaskID, task.Status)
	}
	return c.consensus.Run(ctx, task, task.Result, req.Verifiers, req.ConsensusRatio, req.Criteria)
}

// Votes returns every verdict recorded for a task
func (c *Coordinator) Votes(ctx context.Context, taskID string) ([]model.Vote, error) {
	return c.ledger.Votes(ctx, taskID)
}

// GetTaskLogs reads the execution log of a task from the agent it ran on
func (c *Coordinator) GetTaskLogs(ctx context.Context, taskID string, since, until time.Time) ([]executor.LogEntry, error) {
	if c.logs == nil {
		return nil, fmt.Errorf("%w: no log fetcher", ErrLogsUnavailable)
	}
	task, err := c.service.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedAgent == "" {
		return nil, fmt.Errorf("%w: %s never ran", ErrLogsUnavailable, taskID)
	}
	agent, err := c.agents.Get(ctx, task.AssignedAgent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogsUnavailable, err)
	}
	return c.logs.GetLogs(ctx, agent, taskID, since, until)
}

// GetCoordinationMetrics summarizes tasks, queues and agents
func (c *Coordinator) GetCoordinationMetrics(ctx context.Context) (*CoordinationMetrics, error) {
	m := &CoordinationMetrics{
		Timestamp:  c.now().UTC(),
		Tasks:      make(map[model.PublicStatus]int),
		QueueDepth: make(map[string]int),
		Agents:     make(map[model.AgentStatus]int),
	}

	byPhase, err := c.ledger.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	m.TasksByPhase = byPhase
	for status, n := range byPhase {
		m.Tasks[status.Public()] += n
	}

	if m.PendingByType, err = c.ledger.CountPendingByType(ctx); err != nil {
		return nil, err
	}
	if m.DeadLetters, err = c.ledger.CountDeadLetters(ctx); err != nil {
		return nil, err
	}
	running, err := c.ledger.ListWorkflows(ctx, model.WorkflowStatusPending, model.WorkflowStatusRunning, model.WorkflowStatusBlocked)
	if err != nil {
		return nil, err
	}
	m.RunningWorkflows = len(running)

	if c.queue != nil {
		depths, err := queue.Depths(ctx, c.queue)
		if err != nil {
			return nil, fmt.Errorf("failed to read queue depth: %w", err)
		}
		for p, n := range depths {
			m.QueueDepth[p.String()] = n
		}
	}

	agents, err := c.agents.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	capacity, active := 0, 0
	for _, a := range agents {
		m.Agents[a.Status]++
		if a.Status.Schedulable() {
			capacity += a.MaxConcurrency
			active += a.ActiveCount()
		}
	}
	if capacity > 0 {
		m.Utilization = float64(active) / float64(capacity)
	}
	return m, nil
}

// AgentOffline requeues the tasks of an agent that stopped answering and
// announces it. It matches the registry sweeper's offline hook.
func (c *Coordinator) AgentOffline(ctx context.Context, agentID string, taskIDs []string) {
	c.logger.Warn("Agent offline",
		zap.String("agent_id", agentID),
		zap.Int("tasks", len(taskIDs)))

	if c.reclaim != nil && len(taskIDs) > 0 {
		c.reclaim(ctx, agentID, taskIDs)
	}
	if c.notifier == nil {
		return
	}
	err := c.notifier.PublishEvent(ctx, model.Event{
		Kind:      model.EventAgentStatus,
		ID:        agentID,
		Status:    string(model.AgentStatusOffline),
		AgentID:   agentID,
		Timestamp: c.now().UTC(),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failed to publish agent status", zap.String("agent_id", agentID), zap.Error(err))
	}
}
