package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/kvstore"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

var (
	errStaleAttempt = errors.New("attempt superseded")
	errNotAssigned  = errors.New("task not assigned to agent")
)

// DispatcherConfig holds dispatcher tunables
type DispatcherConfig struct {
	ID              string        `mapstructure:"id"`
	Workers         int           `mapstructure:"workers"`
	Strategy        string        `mapstructure:"strategy"`
	BaseDuration    time.Duration `mapstructure:"base_duration"`
	MaxInvocation   time.Duration `mapstructure:"max_invocation"`
	NoAgentTimeout  time.Duration `mapstructure:"no_agent_timeout"`
	CheckpointPoll  time.Duration `mapstructure:"checkpoint_poll"`
	IdleWait        time.Duration `mapstructure:"idle_wait"`
	DepthInterval   time.Duration `mapstructure:"depth_interval"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	// LockLease is how long a task lock survives its holder going quiet
	LockLease         time.Duration `mapstructure:"lock_lease"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	Retry             RetryPolicy   `mapstructure:"retry"`
}

// Dispatcher drains the priority queues and runs each task on one agent
type Dispatcher struct {
	logger   *zap.Logger
	cfg      DispatcherConfig
	service  *Service
	ledger   *storage.Ledger
	queue    queue.Queue
	registry *registry.Registry
	locker   *kvstore.Locker
	gate     *flow.Gate
	strategy Strategy
	invoker  AgentInvoker
	verifier Verifier
	tracer   trace.Tracer
	now      func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithVerifier checks outputs of tasks that require verification
func WithVerifier(v Verifier) DispatcherOption {
	return func(d *Dispatcher) { d.verifier = v }
}

// WithTracer overrides the global tracer
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// NewDispatcher creates a dispatcher. Task locks live in locks, which
// should be a bucket of their own.
func NewDispatcher(
	cfg DispatcherConfig,
	service *Service,
	reg *registry.Registry,
	locks kvstore.Store,
	gate *flow.Gate,
	strategy Strategy,
	invoker AgentInvoker,
	logger *zap.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if cfg.ID == "" {
		cfg.ID = "dispatcher"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BaseDuration <= 0 {
		cfg.BaseDuration = defaultBaseDuration
	}
	if cfg.MaxInvocation <= 0 {
		cfg.MaxInvocation = defaultMaxInvocation
	}
	if cfg.NoAgentTimeout <= 0 {
		cfg.NoAgentTimeout = defaultNoAgentTimeout
	}
	if cfg.CheckpointPoll <= 0 {
		cfg.CheckpointPoll = defaultCheckpointPoll
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = defaultIdleWait
	}
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = 5 * time.Second
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.LockLease <= 0 {
		cfg.LockLease = defaultLockLease
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = cfg.LockLease / 2
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}

	d := &Dispatcher{
		logger:   logger.Named("dispatcher"),
		cfg:      cfg,
		service:  service,
		ledger:   service.ledger,
		queue:    service.enqueuer.Queue(),
		registry: reg,
		gate:     gate,
		strategy: strategy,
		invoker:  invoker,
		tracer:   otel.Tracer("github.com/t77yq/fleet-orchestrator/scheduler"),
		now:      time.Now,
	}
	d.locker = kvstore.NewLocker(locks, lockPrefix, logger,
		kvstore.WithLease(cfg.LockLease),
		kvstore.WithLockClock(func() time.Time { return d.now() }))
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the worker pool in the background
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})

	d.logger.Info("Starting dispatcher",
		zap.String("id", d.cfg.ID),
		zap.Int("workers", d.cfg.Workers),
		zap.String("strategy", d.strategy.Name()))

	go func() {
		defer close(d.done)
		if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("Dispatcher stopped", zap.Error(err))
		}
	}()
}

// Stop stops the workers and waits for in-flight dispatches to finish
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.logger.Info("Stopping dispatcher")
	d.cancel()
	<-d.done
}

// Run blocks until ctx is done
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			d.work(ctx, worker)
			return nil
		})
	}
	g.Go(func() error {
		d.reportDepths(ctx)
		return nil
	})
	g.Go(func() error {
		d.reconcileLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, worker int) {
	logger := d.logger.With(zap.Int("worker", worker))
	for {
		if ctx.Err() != nil {
			return
		}
		busy, err := d.DispatchOnce(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("Dispatch failed", zap.Error(err))
		}
		if busy {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.IdleWait):
		}
	}
}

func (d *Dispatcher) reportDepths(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depths, err := queue.Depths(ctx, d.queue)
			if err != nil {
				d.logger.Warn("Failed to read queue depths", zap.Error(err))
				continue
			}
			for p, n := range depths {
				d.service.observer.QueueDepth(p, n)
			}
		}
	}
}

// DispatchOnce pops one task and runs it to completion. It reports false
// when there was nothing useful to do, so the caller can back off.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (bool, error) {
	id, _, ok, err := d.queue.Pop(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to pop task: %w", err)
	}
	if !ok {
		return false, nil
	}
	return d.dispatch(ctx, id)
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) (bool, error) {
	task, err := d.ledger.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			d.logger.Debug("Dropping unknown task", zap.String("task_id", id))
			return true, nil
		}
		return true, err
	}
	if task.Status != model.TaskStatusQueued {
		d.logger.Debug("Skipping task that is no longer queued",
			zap.String("task_id", id),
			zap.String("status", string(task.Status)))
		return true, nil
	}

	agent, err := d.pickAgent(ctx, task)
	if err != nil {
		return false, errors.Join(err, d.requeue(ctx, task))
	}
	if agent == nil {
		return false, d.noAgent(ctx, task)
	}

	attempt := task.Attempt + 1
	owner := fmt.Sprintf("%s/%d", d.cfg.ID, attempt)
	locked, err := d.locker.TryLock(ctx, task.ID, owner)
	if err != nil {
		return false, errors.Join(err, d.requeue(ctx, task))
	}
	if !locked {
		// Abandon silently. The copy put back is dropped once the holder
		// moves the task out of queued, and survives a holder that died.
		d.logger.Debug("Task locked by another dispatcher", zap.String("task_id", task.ID))
		return false, d.requeue(ctx, task)
	}

	started, err := d.ledger.UpdateTask(ctx, task.ID, []model.TaskStatus{model.TaskStatusQueued}, func(t *model.Task) error {
		if t.Attempt != task.Attempt {
			return errStaleAttempt
		}
		now := d.now().UTC()
		t.Status = model.TaskStatusRunning
		t.Attempt = attempt
		t.AssignedAgent = agent.ID
		t.StartedAt = &now
		return nil
	})
	if err != nil {
		d.unlock(ctx, task.ID, owner)
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, errStaleAttempt) {
			return true, nil
		}
		return true, err
	}

	d.logger.Info("Task assigned",
		zap.String("task_id", started.ID),
		zap.String("agent_id", agent.ID),
		zap.Int("attempt", started.Attempt),
		zap.String("trace_id", started.TraceID))
	d.service.publishTask(ctx, started, model.TaskStatusQueued)
	d.refreshWorkflow(ctx, started)

	if _, err := d.registry.ReserveSlot(ctx, agent.ID, started.ID); err != nil {
		d.logger.Debug("Agent slot unavailable",
			zap.String("task_id", started.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		return false, d.revert(ctx, started, owner)
	}

	ticket, err := d.gate.Admit(flow.Admission{Caller: d.cfg.ID, Target: agent.ID})
	if err != nil {
		d.logger.Debug("Dispatch not admitted",
			zap.String("task_id", started.ID),
			zap.String("agent_id", agent.ID),
			zap.String("reason", flow.RejectionReason(err)))
		d.releaseSlot(ctx, agent.ID, started.ID)
		return false, d.revert(ctx, started, owner)
	}

	enqueued := started.CreatedAt
	if started.EnqueuedAt != nil {
		enqueued = *started.EnqueuedAt
	}
	d.service.observer.TaskDispatched(started.Type, d.now().Sub(enqueued))

	return true, d.execute(ctx, started, agent, ticket, owner)
}

// pickAgent filters eligible agents and lets the strategy choose
func (d *Dispatcher) pickAgent(ctx context.Context, task *model.Task) (*model.Agent, error) {
	candidates, err := d.registry.Candidates(ctx, []string{task.Type})
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	eligible := candidates[:0]
	for _, a := range candidates {
		if a.SpareCapacity() == 0 || d.breakerOpen(ctx, a.ID) {
			continue
		}
		eligible = append(eligible, a)
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	if d.hasGangPeers(ctx, task) {
		eligible = narrowToSpareCapacity(eligible)
	}
	return d.strategy.Select(task, eligible), nil
}

func (d *Dispatcher) breakerOpen(ctx context.Context, agentID string) bool {
	if breakers := d.gate.Breakers(); breakers != nil && breakers.IsOpen(agentID) {
		return true
	}
	open, err := d.registry.BreakerOpen(ctx, agentID, d.cfg.BreakerCooldown)
	if err != nil {
		d.logger.Warn("Failed to read breaker mirror", zap.String("agent_id", agentID), zap.Error(err))
		return false
	}
	return open
}

// hasGangPeers reports whether other same-type tasks of the task's
// workflow generation are queued or running
func (d *Dispatcher) hasGangPeers(ctx context.Context, task *model.Task) bool {
	if task.WorkflowID == "" {
		return false
	}
	tasks, err := d.ledger.ListTasks(ctx, model.TaskFilters{WorkflowID: task.WorkflowID})
	if err != nil {
		d.logger.Debug("Gang hint unavailable", zap.String("workflow_id", task.WorkflowID), zap.Error(err))
		return false
	}

	gens, err := NewDAG(tasks).Generations()
	if err != nil {
		return false
	}
	byID := make(map[string]*model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, gen := range gens {
		if !containsString(gen, task.ID) {
			continue
		}
		for _, id := range gen {
			t := byID[id]
			if t.ID == task.ID || t.Type != task.Type {
				continue
			}
			if t.Status == model.TaskStatusQueued || t.Status == model.TaskStatusRunning {
				return true
			}
		}
		return false
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// noAgent requeues a task nobody can take, or fails it once it has waited
// longer than the no-agent timeout
func (d *Dispatcher) noAgent(ctx context.Context, task *model.Task) error {
	since := task.CreatedAt
	if task.EnqueuedAt != nil {
		since = *task.EnqueuedAt
	}
	if d.now().Sub(since) < d.cfg.NoAgentTimeout {
		return d.requeue(ctx, task)
	}

	d.logger.Warn("No eligible agent within timeout",
		zap.String("task_id", task.ID),
		zap.String("type", task.Type),
		zap.Duration("timeout", d.cfg.NoAgentTimeout))
	d.service.observer.TaskFailed(task.Type, ReasonNoEligibleAgent)
	err := d.service.deadLetter(ctx, task, []model.TaskStatus{model.TaskStatusQueued},
		ReasonNoEligibleAgent, ErrNoEligibleAgent.Error())
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil
	}
	return err
}

// requeue puts a still-queued task back without consuming a retry
func (d *Dispatcher) requeue(ctx context.Context, task *model.Task) error {
	err := d.queue.TryPush(ctx, task.Priority, task.ID)
	if errors.Is(err, queue.ErrFull) {
		return d.service.enqueue(ctx, task)
	}
	return err
}

// revert undoes an assignment that never reached the agent
func (d *Dispatcher) revert(ctx context.Context, task *model.Task, owner string) error {
	reverted, err := d.ledger.UpdateTask(ctx, task.ID, []model.TaskStatus{model.TaskStatusRunning}, func(t *model.Task) error {
		if t.Attempt != task.Attempt {
			return errStaleAttempt
		}
		t.Status = model.TaskStatusQueued
		t.AssignedAgent = ""
		t.StartedAt = nil
		return nil
	})
	d.unlock(ctx, task.ID, owner)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, errStaleAttempt) {
			return nil
		}
		return err
	}
	d.service.publishTask(ctx, reverted, model.TaskStatusRunning)
	return d.requeue(ctx, reverted)
}

func (d *Dispatcher) unlock(ctx context.Context, taskID, owner string) {
	if err := d.locker.Unlock(ctx, taskID, owner); err != nil && !errors.Is(err, kvstore.ErrNotOwner) {
		d.logger.Warn("Failed to release task lock", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (d *Dispatcher) releaseSlot(ctx context.Context, agentID, taskID string) {
	if err := d.registry.ReleaseSlot(ctx, agentID, taskID); err != nil {
		d.logger.Warn("Failed to release agent slot",
			zap.String("agent_id", agentID),
			zap.String("task_id", taskID),
			zap.Error(err))
	}
}

func (d *Dispatcher) refreshWorkflow(ctx context.Context, task *model.Task) {
	if task.WorkflowID == "" {
		return
	}
	if _, err := d.service.RefreshWorkflow(ctx, task.WorkflowID); err != nil {
		d.logger.Warn("Failed to refresh workflow", zap.String("workflow_id", task.WorkflowID), zap.Error(err))
	}
}

// invocationTimeout is min(base x complexity, cap)
func (d *Dispatcher) invocationTimeout(task *model.Task) time.Duration {
	timeout := task.EstimatedDuration(d.cfg.BaseDuration)
	if timeout > d.cfg.MaxInvocation {
		return d.cfg.MaxInvocation
	}
	return timeout
}

func (d *Dispatcher) execute(ctx context.Context, task *model.Task, agent *model.Agent, ticket *flow.Ticket, owner string) error {
	ctx, span := d.tracer.Start(ctx, "dispatch "+task.Type, trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.trace_id", task.TraceID),
		attribute.String("agent.id", agent.ID),
		attribute.Int("task.attempt", task.Attempt),
	))
	defer span.End()

	timeout := d.invocationTimeout(task)
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var superseded atomic.Bool
	pollDone := make(chan struct{})
	go d.pollCheckpoints(invokeCtx, cancel, &superseded, task, agent, pollDone)
	leaseDone := make(chan struct{})
	go d.renewLease(invokeCtx, task.ID, owner, leaseDone)

	start := d.now()
	req := &model.ExecuteRequest{
		TaskID:     task.ID,
		Type:       task.Type,
		Payload:    task.Payload,
		Attempt:    task.Attempt,
		TraceID:    task.TraceID,
		Deadline:   start.Add(timeout),
		Checkpoint: task.Checkpoint,
	}
	if task.WorkflowID != "" {
		req.Context = map[string]string{"workflow_id": task.WorkflowID}
	}
	result, err := d.invoker.Execute(invokeCtx, agent, req)
	rtt := d.now().Sub(start)
	timedOut := errors.Is(invokeCtx.Err(), context.DeadlineExceeded)
	cancel()
	<-pollDone
	<-leaseDone

	switch {
	case superseded.Load():
		ticket.Done(true, rtt)
		d.releaseSlot(ctx, agent.ID, task.ID)
		d.unlock(ctx, task.ID, owner)
		span.SetStatus(codes.Error, "superseded")
		d.logger.Info("Discarding superseded attempt",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt))
		return nil

	case ctx.Err() != nil:
		// Shutting down: hand the task back without spending a retry
		bg := context.WithoutCancel(ctx)
		ticket.Done(true, rtt)
		d.releaseSlot(bg, agent.ID, task.ID)
		return d.revert(bg, task, owner)

	case err != nil && errors.Is(err, flow.ErrRejected):
		// The agent refused our credentials: treated like an open circuit
		ticket.Done(false, rtt)
		d.releaseSlot(ctx, agent.ID, task.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rejected by agent")
		d.logger.Warn("Agent rejected dispatch",
			zap.String("task_id", task.ID),
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		return d.revert(ctx, task, owner)

	case err != nil:
		ticket.Done(false, rtt)
		d.releaseSlot(ctx, agent.ID, task.ID)
		d.recordOutcome(ctx, agent.ID, false, rtt)
		msg := err.Error()
		if timedOut {
			msg = fmt.Sprintf("invocation timed out after %s", timeout)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return d.fail(ctx, task, owner, msg)

	case result.Error != "":
		// The agent answered, so its breaker sees a success
		ticket.Done(true, rtt)
		d.releaseSlot(ctx, agent.ID, task.ID)
		d.recordOutcome(ctx, agent.ID, false, rtt)
		span.SetStatus(codes.Error, result.Error)
		return d.fail(ctx, task, owner, result.Error)

	default:
		ticket.Done(true, rtt)
		d.releaseSlot(ctx, agent.ID, task.ID)
		d.recordOutcome(ctx, agent.ID, true, rtt)
		err := d.complete(ctx, task, owner, result, rtt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// pollCheckpoints saves agent checkpoints while the attempt runs and
// abandons the attempt once the ledger no longer shows it running
func (d *Dispatcher) pollCheckpoints(ctx context.Context, cancel context.CancelFunc, superseded *atomic.Bool, task *model.Task, agent *model.Agent, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.CheckpointPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := d.ledger.GetTask(ctx, task.ID)
			if err == nil && (current.Status != model.TaskStatusRunning || current.Attempt != task.Attempt) {
				superseded.Store(true)
				cancel()
				return
			}

			checkpoint, err := d.invoker.GetCheckpoint(ctx, agent, task.ID)
			if err != nil {
				d.logger.Debug("Checkpoint unavailable", zap.String("task_id", task.ID), zap.Error(err))
				continue
			}
			if len(checkpoint) == 0 {
				continue
			}
			if err := d.ledger.SaveCheckpoint(ctx, task.ID, task.Attempt, checkpoint); err != nil {
				d.logger.Debug("Checkpoint not saved", zap.String("task_id", task.ID), zap.Error(err))
			}
		}
	}
}

// renewLease keeps the task lock alive while the attempt runs. A lost lock
// is only logged: whoever reclaimed the task also moved it out of this
// attempt, which pollCheckpoints notices.
func (d *Dispatcher) renewLease(ctx context.Context, taskID, owner string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.LockLease / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.locker.Renew(ctx, taskID, owner)
			switch {
			case err == nil:
			case errors.Is(err, kvstore.ErrNotOwner):
				d.logger.Warn("Task lock lost", zap.String("task_id", taskID), zap.String("owner", owner))
				return
			case ctx.Err() == nil:
				d.logger.Warn("Failed to renew task lock", zap.String("task_id", taskID), zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) recordOutcome(ctx context.Context, agentID string, success bool, rtt time.Duration) {
	if err := d.registry.RecordOutcome(ctx, agentID, success, rtt); err != nil {
		d.logger.Warn("Failed to record agent outcome", zap.String("agent_id", agentID), zap.Error(err))
	}
}

// complete accepts a result, verifying it first when the task asks for it
func (d *Dispatcher) complete(ctx context.Context, task *model.Task, owner string, result *model.TaskResult, rtt time.Duration) error {
	if task.Verification && d.verifier != nil {
		candidate := task.Clone()
		candidate.Result = result.Result
		verdict, err := d.verifier.Verify(ctx, candidate)
		if err != nil || !verdict.Passed {
			msg := ErrVerificationFailed.Error()
			if err != nil {
				msg = fmt.Sprintf("%s: %v", msg, err)
			} else {
				msg = fmt.Sprintf("%s: %d/%d approvals, %.2f required", msg, verdict.Approvals, verdict.Total, verdict.Required)
			}
			d.service.observer.TaskFailed(task.Type, ReasonVerificationFails)
			return d.terminate(ctx, task, owner, ReasonVerificationFails, msg)
		}
	}

	completed, err := d.ledger.UpdateTask(ctx, task.ID, []model.TaskStatus{model.TaskStatusRunning}, func(t *model.Task) error {
		if t.Attempt != task.Attempt {
			return errStaleAttempt
		}
		now := d.now().UTC()
		t.Status = model.TaskStatusCompleted
		t.Result = result.Result
		t.CompletedAt = &now
		t.ErrorMessage = ""
		return nil
	})
	d.unlock(ctx, task.ID, owner)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, errStaleAttempt) {
			d.logger.Info("Discarding late result", zap.String("task_id", task.ID), zap.Int("attempt", task.Attempt))
			return nil
		}
		return fmt.Errorf("failed to complete task %s: %w", task.ID, err)
	}

	d.logger.Info("Task completed",
		zap.String("task_id", completed.ID),
		zap.String("agent_id", completed.AssignedAgent),
		zap.Duration("duration", rtt),
		zap.String("trace_id", completed.TraceID))
	d.service.observer.TaskCompleted(completed.Type, rtt)
	d.service.publishTask(ctx, completed, model.TaskStatusRunning)
	d.service.release(ctx, completed.ID)
	d.refreshWorkflow(ctx, completed)
	return nil
}

// fail schedules a retry, or dead-letters the task once retries are spent
func (d *Dispatcher) fail(ctx context.Context, task *model.Task, owner, msg string) error {
	if task.RetryCount >= task.MaxRetries {
		d.service.observer.TaskFailed(task.Type, ReasonRetriesExhausted)
		return d.terminate(ctx, task, owner, ReasonRetriesExhausted, msg)
	}

	retrying, err := d.ledger.UpdateTask(ctx, task.ID, []model.TaskStatus{model.TaskStatusRunning}, func(t *model.Task) error {
		if t.Attempt != task.Attempt {
			return errStaleAttempt
		}
		next := d.now().UTC().Add(d.cfg.Retry.Delay(t.RetryCount))
		t.Status = model.TaskStatusRetrying
		t.RetryCount++
		t.NextAttemptAt = &next
		t.AssignedAgent = ""
		t.ErrorMessage = msg
		return nil
	})
	d.unlock(ctx, task.ID, owner)
	if err != nil {
		if errors.Is(err, storage.ErrStatusConflict) || errors.Is(err, errStaleAttempt) {
			d.logger.Info("Discarding late failure", zap.String("task_id", task.ID), zap.Int("attempt", task.Attempt))
			return nil
		}
		return fmt.Errorf("failed to schedule retry for %s: %w", task.ID, err)
	}

	d.logger.Warn("Task failed, retry scheduled",
		zap.String("task_id", retrying.ID),
		zap.Int("retry", retrying.RetryCount),
		zap.Int("max_retries", retrying.MaxRetries),
		zap.Timep("next_attempt_at", retrying.NextAttemptAt),
		zap.String("error", msg),
		zap.String("trace_id", retrying.TraceID))
	d.service.observer.TaskFailed(retrying.Type, "retry")
	d.service.publishTask(ctx, retrying, model.TaskStatusRunning)
	return nil
}

// terminate dead-letters the current attempt of a running task
func (d *Dispatcher) terminate(ctx context.Context, task *model.Task, owner, reason, msg string) error {
	defer d.unlock(ctx, task.ID, owner)

	current, err := d.ledger.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	if current.Status != model.TaskStatusRunning || current.Attempt != task.Attempt {
		d.logger.Info("Discarding late failure", zap.String("task_id", task.ID), zap.Int("attempt", task.Attempt))
		return nil
	}

	err = d.service.deadLetter(ctx, current, []model.TaskStatus{model.TaskStatusRunning}, reason, msg)
	if errors.Is(err, storage.ErrStatusConflict) {
		return nil
	}
	return err
}

func (d *Dispatcher) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ReconcileLeases(ctx)
		}
	}
}

// ReconcileLeases re-enqueues running tasks whose lock lease has lapsed,
// which happens when the dispatcher running them died. It returns how
// many tasks were handed back.
func (d *Dispatcher) ReconcileLeases(ctx context.Context) int {
	running, err := d.ledger.ListTasks(ctx, model.TaskFilters{Status: []model.TaskStatus{model.TaskStatusRunning}})
	if err != nil {
		d.logger.Error("Failed to list running tasks", zap.Error(err))
		return 0
	}

	reclaimed := 0
	for _, t := range running {
		owner, err := d.locker.Owner(ctx, t.ID)
		if err != nil {
			d.logger.Warn("Failed to read task lock", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if owner != "" {
			continue
		}
		attempt := t.Attempt
		if d.reclaim(ctx, t.ID, func(current *model.Task) error {
			if current.Attempt != attempt {
				return errStaleAttempt
			}
			return nil
		}) {
			if t.AssignedAgent != "" {
				d.releaseSlot(ctx, t.AssignedAgent, t.ID)
			}
			d.logger.Warn("Task lease lapsed, requeued",
				zap.String("task_id", t.ID),
				zap.String("agent_id", t.AssignedAgent),
				zap.Int("attempt", attempt))
			reclaimed++
		}
	}
	return reclaimed
}

// ReclaimTasks re-enqueues the running tasks of an agent that went away.
// No retry is consumed; the held lock is force released so the next
// attempt can take it.
func (d *Dispatcher) ReclaimTasks(ctx context.Context, agentID string, taskIDs []string) {
	for _, id := range taskIDs {
		if d.reclaim(ctx, id, func(t *model.Task) error {
			if t.AssignedAgent != agentID {
				return errNotAssigned
			}
			return nil
		}) {
			d.logger.Info("Task reclaimed from agent",
				zap.String("task_id", id),
				zap.String("agent_id", agentID))
		}
	}
}

// reclaim moves a running task back to queued when check allows it, drops
// its lock and enqueues it again
func (d *Dispatcher) reclaim(ctx context.Context, id string, check func(*model.Task) error) bool {
	task, err := d.ledger.UpdateTask(ctx, id, []model.TaskStatus{model.TaskStatusRunning}, func(t *model.Task) error {
		if err := check(t); err != nil {
			return err
		}
		now := d.now().UTC()
		t.Status = model.TaskStatusQueued
		t.AssignedAgent = ""
		t.StartedAt = nil
		t.EnqueuedAt = &now
		return nil
	})
	if err != nil {
		if !errors.Is(err, storage.ErrStatusConflict) && !errors.Is(err, errNotAssigned) && !errors.Is(err, errStaleAttempt) {
			d.logger.Error("Failed to reclaim task", zap.String("task_id", id), zap.Error(err))
		}
		return false
	}

	if err := d.locker.ForceUnlock(ctx, id); err != nil {
		d.logger.Warn("Failed to release lock of reclaimed task", zap.String("task_id", id), zap.Error(err))
	}
	d.service.publishTask(ctx, task, model.TaskStatusRunning)
	d.refreshWorkflow(ctx, task)
	if err := d.service.enqueue(ctx, task); err != nil {
		d.logger.Warn("Reclaimed task could not be enqueued", zap.String("task_id", id), zap.Error(err))
	}
	return true
}
