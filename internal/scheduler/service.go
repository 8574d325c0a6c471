package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

var liveStatuses = []model.TaskStatus{
	model.TaskStatusBlocked,
	model.TaskStatusQueued,
	model.TaskStatusRetrying,
	model.TaskStatusRunning,
}

// ServiceConfig holds submission defaults
type ServiceConfig struct {
	DefaultMaxRetries int `mapstructure:"default_max_retries"`
}

// Service owns task submission and every lifecycle transition that is not
// part of running a task.
type Service struct {
	logger   *zap.Logger
	ledger   *storage.Ledger
	enqueuer *Enqueuer
	cfg      ServiceConfig
	notifier Notifier
	observer Observer
	newID    func() string
	now      func() time.Time
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithNotifier publishes status changes through n
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithObserver reports measurements to o
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) { s.observer = o }
}

// NewService creates a task service
func NewService(ledger *storage.Ledger, enqueuer *Enqueuer, cfg ServiceConfig, logger *zap.Logger, opts ...ServiceOption) *Service {
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = defaultMaxRetries
	}
	s := &Service{
		logger:   logger.Named("scheduler"),
		ledger:   ledger,
		enqueuer: enqueuer,
		cfg:      cfg,
		notifier: nopNotifier{},
		observer: nopObserver{},
		newID:    func() string { return uuid.New().String() },
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	enqueuer.deadLettered = s.afterDeadLetter
	return s
}

// traceIDFrom reuses the caller's trace when there is one
func traceIDFrom(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// normalize validates a submission and fills in defaults
func (s *Service) normalize(task *model.Task) error {
	if task.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidTask)
	}
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, task.Priority)
	}
	if task.MaxRetries < 0 || task.Complexity < 0 || task.CostBudget < 0 {
		return fmt.Errorf("%w: negative limits", ErrInvalidTask)
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = s.cfg.DefaultMaxRetries
	}
	if task.Complexity == 0 {
		task.Complexity = 1
	}

	seen := make(map[string]bool, len(task.Dependencies))
	deps := task.Dependencies[:0]
	for _, dep := range task.Dependencies {
		if dep == task.ID {
			return &CycleError{Path: []string{task.ID, task.ID}}
		}
		if !seen[dep] {
			seen[dep] = true
			deps = append(deps, dep)
		}
	}
	task.Dependencies = deps

	task.Status = ""
	task.RetryCount = 0
	task.Attempt = 0
	task.AssignedAgent = ""
	task.Result = nil
	task.ErrorMessage = ""
	return nil
}

// resolveStatus queues a task whose dependencies are all completed and holds
// it otherwise. A failed or cancelled dependency rejects the submission.
func resolveStatus(task *model.Task, deps map[string]model.TaskStatus) (model.TaskStatus, error) {
	ready := true
	for _, id := range task.Dependencies {
		switch status := deps[id]; status {
		case model.TaskStatusFailed, model.TaskStatusCancelled:
			return "", fmt.Errorf("%w: %s is %s", ErrDependencyFailed, id, status)
		case model.TaskStatusCompleted:
		default:
			ready = false
		}
	}
	if ready {
		return model.TaskStatusQueued, nil
	}
	return model.TaskStatusBlocked, nil
}

// Submit records a task and enqueues it when its dependencies are met. When
// a live task already holds the idempotency key that task is returned and
// created is false.
func (s *Service) Submit(ctx context.Context, task *model.Task) (*model.Task, bool, error) {
	task = task.Clone()
	task.ID = s.newID()
	if err := s.normalize(task); err != nil {
		return nil, false, err
	}
	if task.TraceID == "" {
		task.TraceID = traceIDFrom(ctx)
	}
	task.CreatedAt = s.now().UTC()

	results, err := s.ledger.CreateTasks(ctx, nil, []*model.Task{task}, resolveStatus)
	if err != nil {
		return nil, false, err
	}

	res := results[0]
	if !res.Created {
		existing, err := s.ledger.GetTask(ctx, res.ID)
		if err != nil {
			return nil, false, err
		}
		s.logger.Info("Duplicate submission resolved to live task",
			zap.String("idempotency_key", task.IdempotencyKey),
			zap.String("task_id", existing.ID))
		return existing, false, nil
	}

	s.logger.Info("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Stringer("priority", task.Priority),
		zap.String("status", string(task.Status)),
		zap.String("trace_id", task.TraceID))
	s.publishTask(ctx, task, "")

	if task.Status == model.TaskStatusQueued {
		if err := s.enqueue(ctx, task); err != nil {
			if current, gerr := s.ledger.GetTask(ctx, task.ID); gerr == nil {
				task = current
			}
			return task, true, err
		}
	}
	return task, true, nil
}

// SubmitWorkflow records a batch of tasks related by DependsOn references.
// The graph is validated before anything is written.
func (s *Service) SubmitWorkflow(ctx context.Context, name string, defs []model.TaskDef, deadline *time.Time) (*model.Workflow, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("%w: workflow has no tasks", ErrInvalidTask)
	}

	ids := make(map[string]string, len(defs))
	refs := make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Ref == "" {
			return nil, fmt.Errorf("%w: task ref is required", ErrInvalidTask)
		}
		if _, dup := ids[def.Ref]; dup {
			return nil, fmt.Errorf("%w: duplicate ref %s", ErrInvalidTask, def.Ref)
		}
		id := s.newID()
		ids[def.Ref] = id
		refs[id] = def.Ref
	}

	traceID := traceIDFrom(ctx)
	now := s.now().UTC()
	tasks := make([]*model.Task, 0, len(defs))
	byID := make(map[string]*model.Task, len(defs))
	for _, def := range defs {
		deps := make([]string, 0, len(def.DependsOn))
		for _, ref := range def.DependsOn {
			id, ok := ids[ref]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, ref)
			}
			deps = append(deps, id)
		}
		task := &model.Task{
			ID:           ids[def.Ref],
			Type:         def.Type,
			Description:  def.Description,
			Payload:      def.Payload,
			Priority:     def.Priority,
			Dependencies: deps,
			Deadline:     def.Deadline,
			Complexity:   def.Complexity,
			CostBudget:   def.CostBudget,
			MaxRetries:   def.MaxRetries,
			Verification: def.Verification,
			TraceID:      traceID,
			CreatedAt:    now,
		}
		if err := s.normalize(task); err != nil {
			var cycle *CycleError
			if errors.As(err, &cycle) {
				return nil, &CycleError{Path: []string{def.Ref, def.Ref}}
			}
			return nil, fmt.Errorf("task %s: %w", def.Ref, err)
		}
		tasks = append(tasks, task)
		byID[task.ID] = task
	}

	order, err := NewDAG(tasks).Validate()
	if err != nil {
		var cycle *CycleError
		if errors.As(err, &cycle) {
			path := make([]string, len(cycle.Path))
			for i, id := range cycle.Path {
				path[i] = refs[id]
			}
			return nil, &CycleError{Path: path}
		}
		return nil, err
	}

	sorted := make([]*model.Task, len(order))
	for i, id := range order {
		sorted[i] = byID[id]
	}

	wf := &model.Workflow{
		ID:       s.newID(),
		Name:     name,
		Status:   model.WorkflowStatusPending,
		Deadline: deadline,
	}
	if _, err := s.ledger.CreateTasks(ctx, wf, sorted, resolveStatus); err != nil {
		return nil, err
	}

	s.logger.Info("Workflow submitted",
		zap.String("workflow_id", wf.ID),
		zap.String("name", name),
		zap.Int("tasks", len(sorted)),
		zap.String("trace_id", traceID))
	s.publishWorkflow(ctx, wf.ID, model.WorkflowStatusPending, "", "")

	var firstErr error
	for _, task := range sorted {
		s.publishTask(ctx, task, "")
		if task.Status != model.TaskStatusQueued {
			continue
		}
		if err := s.enqueue(ctx, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	stored, err := s.ledger.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return stored, firstErr
}

// Get returns a task from the ledger
func (s *Service) Get(ctx context.Context, id string) (*model.Task, error) {
	return s.ledger.GetTask(ctx, id)
}

// List returns tasks matching filters
func (s *Service) List(ctx context.Context, filters model.TaskFilters) ([]*model.Task, error) {
	return s.ledger.ListTasks(ctx, filters)
}

// GetWorkflow returns a workflow with its task ids
func (s *Service) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return s.ledger.GetWorkflow(ctx, id)
}

// Cancel cancels a live task and every task that transitively depends on it.
// A running attempt is not interrupted here; its result is discarded.
func (s *Service) Cancel(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.cancelOne(ctx, id, ErrTaskCancelled.Error())
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) {
			current, gerr := s.ledger.GetTask(ctx, id)
			if gerr != nil {
				return nil, gerr
			}
			return current, ErrTaskTerminal
		}
		return nil, err
	}

	s.cascadeCancel(ctx, id, fmt.Sprintf("dependency %s cancelled", id))
	if task.WorkflowID != "" {
		if _, err := s.RefreshWorkflow(ctx, task.WorkflowID); err != nil {
			s.logger.Warn("Failed to refresh workflow", zap.String("workflow_id", task.WorkflowID), zap.Error(err))
		}
	}
	return task, nil
}

// CancelWorkflow cancels every live task of a workflow
func (s *Service) CancelWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := s.ledger.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return wf, ErrWorkflowFinished
	}

	for _, taskID := range wf.TaskIDs {
		if _, err := s.cancelOne(ctx, taskID, "workflow cancelled"); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
			return nil, err
		}
	}
	if err := s.setWorkflowStatus(ctx, wf, model.WorkflowStatusCancelled, "workflow cancelled"); err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *Service) cancelOne(ctx context.Context, id, reason string) (*model.Task, error) {
	var previous model.TaskStatus
	task, err := s.ledger.UpdateTask(ctx, id, liveStatuses, func(t *model.Task) error {
		previous = t.Status
		now := s.now().UTC()
		t.Status = model.TaskStatusCancelled
		t.CompletedAt = &now
		t.NextAttemptAt = nil
		t.ErrorMessage = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Task cancelled", zap.String("task_id", id), zap.String("reason", reason))
	s.publishTask(ctx, task, previous)
	return task, nil
}

// cascadeCancel cancels every live descendant of id
func (s *Service) cascadeCancel(ctx context.Context, id, reason string) {
	visited := map[string]bool{id: true}
	pending := []string{id}
	for len(pending) > 0 {
		current := pending[0]
		pending = pending[1:]

		dependents, err := s.ledger.Dependents(ctx, current)
		if err != nil {
			s.logger.Error("Failed to load dependents", zap.String("task_id", current), zap.Error(err))
			continue
		}
		for _, dep := range dependents {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			pending = append(pending, dep)
			if _, err := s.cancelOne(ctx, dep, reason); err != nil && !errors.Is(err, storage.ErrStatusConflict) {
				s.logger.Error("Failed to cancel dependent", zap.String("task_id", dep), zap.Error(err))
			}
		}
	}
}

// release queues every blocked dependent of id whose dependencies are now
// all completed. The Blocked to Queued transition is conditional, so a task
// is enqueued once even when its last dependencies finish together.
func (s *Service) release(ctx context.Context, id string) {
	dependents, err := s.ledger.Dependents(ctx, id)
	if err != nil {
		s.logger.Error("Failed to load dependents", zap.String("task_id", id), zap.Error(err))
		return
	}

	for _, depID := range dependents {
		task, err := s.ledger.GetTask(ctx, depID)
		if err != nil || task.Status != model.TaskStatusBlocked {
			continue
		}
		ready, err := s.dependenciesMet(ctx, task)
		if err != nil {
			s.logger.Error("Failed to check dependencies", zap.String("task_id", depID), zap.Error(err))
			continue
		}
		if !ready {
			continue
		}

		released, err := s.ledger.UpdateTask(ctx, depID, []model.TaskStatus{model.TaskStatusBlocked}, func(t *model.Task) error {
			now := s.now().UTC()
			t.Status = model.TaskStatusQueued
			t.EnqueuedAt = &now
			return nil
		})
		if err != nil {
			if !errors.Is(err, storage.ErrStatusConflict) {
				s.logger.Error("Failed to release task", zap.String("task_id", depID), zap.Error(err))
			}
			continue
		}

		s.logger.Debug("Dependencies met, task released", zap.String("task_id", depID))
		s.publishTask(ctx, released, model.TaskStatusBlocked)
		if err := s.enqueue(ctx, released); err != nil {
			s.logger.Warn("Released task could not be enqueued", zap.String("task_id", depID), zap.Error(err))
		}
	}
}

func (s *Service) dependenciesMet(ctx context.Context, task *model.Task) (bool, error) {
	for _, dep := range task.Dependencies {
		t, err := s.ledger.GetTask(ctx, dep)
		if err != nil {
			return false, err
		}
		if t.Status != model.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// enqueue pushes a queued task
func (s *Service) enqueue(ctx context.Context, task *model.Task) error {
	return s.enqueuer.Enqueue(ctx, task)
}

// deadLetter fails a task terminally and handles the consequences once
func (s *Service) deadLetter(ctx context.Context, task *model.Task, expect []model.TaskStatus, reason, msg string) error {
	dl, created, err := s.ledger.DeadLetterTask(ctx, task.ID, expect, reason, msg)
	if err != nil {
		return err
	}
	if created {
		s.afterDeadLetter(ctx, dl.Task, reason, msg)
	}
	return nil
}

// afterDeadLetter fails the workflow and cancels everything downstream
func (s *Service) afterDeadLetter(ctx context.Context, task *model.Task, reason, msg string) {
	s.logger.Warn("Task dead-lettered",
		zap.String("task_id", task.ID),
		zap.String("reason", reason),
		zap.String("error", msg),
		zap.String("trace_id", task.TraceID))

	s.observer.TaskDeadLettered(task.Type, reason)
	s.publishTask(ctx, task, "")
	s.notify(ctx, model.Event{
		Kind:       model.EventDeadLetter,
		ID:         task.ID,
		Status:     reason,
		WorkflowID: task.WorkflowID,
		TraceID:    task.TraceID,
		Error:      msg,
	})

	s.cascadeCancel(ctx, task.ID, fmt.Sprintf("dependency %s failed", task.ID))

	if task.WorkflowID != "" {
		wf, err := s.ledger.GetWorkflow(ctx, task.WorkflowID)
		if err != nil {
			s.logger.Error("Failed to load workflow", zap.String("workflow_id", task.WorkflowID), zap.Error(err))
			return
		}
		errMsg := fmt.Sprintf("task %s failed: %s", task.ID, msg)
		if err := s.setWorkflowStatus(ctx, wf, model.WorkflowStatusFailed, errMsg); err != nil {
			s.logger.Error("Failed to fail workflow", zap.String("workflow_id", wf.ID), zap.Error(err))
		}
	}
}

// RefreshWorkflow recomputes a workflow's status from its tasks. A terminal
// workflow is returned unchanged.
func (s *Service) RefreshWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	wf, err := s.ledger.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.Status.IsTerminal() {
		return wf, nil
	}

	tasks, err := s.ledger.ListTasks(ctx, model.TaskFilters{WorkflowID: id})
	if err != nil {
		return nil, err
	}

	status, errMsg := workflowStatus(tasks)
	if status == wf.Status {
		return wf, nil
	}
	if err := s.setWorkflowStatus(ctx, wf, status, errMsg); err != nil {
		return nil, err
	}
	return wf, nil
}

// workflowStatus derives the aggregate status of a set of tasks
func workflowStatus(tasks []*model.Task) (model.WorkflowStatus, string) {
	counts := make(map[model.TaskStatus]int)
	failure := ""
	for _, t := range tasks {
		counts[t.Status]++
		if t.Status == model.TaskStatusFailed && failure == "" {
			failure = fmt.Sprintf("task %s failed: %s", t.ID, t.ErrorMessage)
		}
	}

	live := counts[model.TaskStatusBlocked] + counts[model.TaskStatusQueued] +
		counts[model.TaskStatusRetrying] + counts[model.TaskStatusRunning]
	switch {
	case counts[model.TaskStatusFailed] > 0:
		return model.WorkflowStatusFailed, failure
	case live == 0 && counts[model.TaskStatusCancelled] > 0:
		return model.WorkflowStatusCancelled, ""
	case live == 0:
		return model.WorkflowStatusCompleted, ""
	case counts[model.TaskStatusRunning]+counts[model.TaskStatusRetrying]+counts[model.TaskStatusCompleted] > 0:
		return model.WorkflowStatusRunning, ""
	case counts[model.TaskStatusQueued] == 0:
		return model.WorkflowStatusBlocked, ""
	default:
		return model.WorkflowStatusPending, ""
	}
}

func (s *Service) setWorkflowStatus(ctx context.Context, wf *model.Workflow, status model.WorkflowStatus, errMsg string) error {
	changed, err := s.ledger.SetWorkflowStatus(ctx, wf.ID, status, errMsg)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	previous := wf.Status
	wf.Status = status
	wf.Error = errMsg
	s.logger.Info("Workflow status changed",
		zap.String("workflow_id", wf.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(status)))
	s.publishWorkflow(ctx, wf.ID, status, previous, errMsg)
	if status.IsTerminal() {
		s.observer.WorkflowFinished(wf.ID)
	}
	return nil
}

// ListDeadLetters lists dead letters, newest first
func (s *Service) ListDeadLetters(ctx context.Context, offset, limit int) ([]*model.DeadLetter, error) {
	return s.ledger.ListDeadLetters(ctx, offset, limit)
}

// ReprocessDeadLetter replays a dead letter as a new task with a new id and
// a reset retry count.
func (s *Service) ReprocessDeadLetter(ctx context.Context, id string) (*model.Task, error) {
	task, err := s.ledger.ReprocessDeadLetter(ctx, id, s.newID(), resolveStatus)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Dead letter reprocessed",
		zap.String("dead_letter_id", id),
		zap.String("task_id", task.ID),
		zap.String("trace_id", task.TraceID))
	s.publishTask(ctx, task, "")

	if task.Status == model.TaskStatusQueued {
		if err := s.enqueue(ctx, task); err != nil {
			return task, err
		}
	}
	return task, nil
}

func (s *Service) publishTask(ctx context.Context, task *model.Task, previous model.TaskStatus) {
	s.notify(ctx, model.Event{
		Kind:       model.EventTaskStatus,
		ID:         task.ID,
		Status:     string(task.Status),
		Previous:   string(previous),
		WorkflowID: task.WorkflowID,
		AgentID:    task.AssignedAgent,
		TraceID:    task.TraceID,
		Error:      task.ErrorMessage,
	})
}

func (s *Service) publishWorkflow(ctx context.Context, id string, status, previous model.WorkflowStatus, errMsg string) {
	s.notify(ctx, model.Event{
		Kind:       model.EventWorkflowStatus,
		ID:         id,
		Status:     string(status),
		Previous:   string(previous),
		WorkflowID: id,
		Error:      errMsg,
	})
}

func (s *Service) notify(ctx context.Context, event model.Event) {
	event.Timestamp = s.now().UTC()
	if err := s.notifier.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("Failed to publish event",
			zap.String("kind", string(event.Kind)),
			zap.String("id", event.ID),
			zap.Error(err))
	}
}
