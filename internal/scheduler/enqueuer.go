package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/queue"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

// EnqueuerConfig bounds how long admission may wait for queue space
type EnqueuerConfig struct {
	AdmitTimeout time.Duration `mapstructure:"admit_timeout"`
	AdmitPoll    time.Duration `mapstructure:"admit_poll"`
}

// Enqueuer places queued tasks into the priority queues
type Enqueuer struct {
	logger *zap.Logger
	queue  queue.Queue
	ledger *storage.Ledger
	cfg    EnqueuerConfig

	// deadLettered runs after a task is rejected for lack of queue space
	deadLettered func(ctx context.Context, task *model.Task, reason, msg string)
}

// NewEnqueuer creates an enqueuer
func NewEnqueuer(q queue.Queue, ledger *storage.Ledger, cfg EnqueuerConfig, logger *zap.Logger) *Enqueuer {
	if cfg.AdmitTimeout <= 0 {
		cfg.AdmitTimeout = defaultAdmitTimeout
	}
	if cfg.AdmitPoll <= 0 {
		cfg.AdmitPoll = defaultAdmitPoll
	}
	return &Enqueuer{
		logger: logger.Named("enqueuer"),
		queue:  q,
		ledger: ledger,
		cfg:    cfg,
	}
}

// Queue returns the underlying queue
func (e *Enqueuer) Queue() queue.Queue {
	return e.queue
}

// tryPush tries the task's own level first, then every more urgent level
func (e *Enqueuer) tryPush(ctx context.Context, task *model.Task) (model.TaskPriority, error) {
	for p := task.Priority; p >= model.TaskPriorityCritical; p-- {
		err := e.queue.TryPush(ctx, p, task.ID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, queue.ErrFull) {
			return p, fmt.Errorf("failed to push task: %w", err)
		}
	}
	return task.Priority, queue.ErrFull
}

// Enqueue pushes the task, escalating to a more urgent queue when its own is
// full and waiting up to the admission timeout otherwise. When no queue frees
// up in time the task is dead-lettered and ErrQueueExhausted is returned.
func (e *Enqueuer) Enqueue(ctx context.Context, task *model.Task) error {
	if !task.Priority.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, task.Priority)
	}

	p, err := e.tryPush(ctx, task)
	if err == nil {
		if p != task.Priority {
			e.logger.Info("Task escalated to a higher priority queue",
				zap.String("task_id", task.ID),
				zap.Stringer("priority", task.Priority),
				zap.Stringer("queue", p))
		}
		return nil
	}
	if !errors.Is(err, queue.ErrFull) {
		return err
	}

	timer := time.NewTimer(e.cfg.AdmitTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(e.cfg.AdmitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return e.reject(ctx, task)
		case <-ticker.C:
			if _, err := e.tryPush(ctx, task); err == nil {
				return nil
			} else if !errors.Is(err, queue.ErrFull) {
				return err
			}
		}
	}
}

func (e *Enqueuer) reject(ctx context.Context, task *model.Task) error {
	e.logger.Warn("Admission timed out, dead-lettering task",
		zap.String("task_id", task.ID),
		zap.Stringer("priority", task.Priority),
		zap.Duration("waited", e.cfg.AdmitTimeout))

	dl, created, err := e.ledger.DeadLetterTask(ctx, task.ID,
		[]model.TaskStatus{model.TaskStatusQueued}, ReasonAdmissionFailed, ErrQueueExhausted.Error())
	if err != nil && !errors.Is(err, storage.ErrStatusConflict) {
		return fmt.Errorf("failed to dead-letter task %s: %w", task.ID, err)
	}
	if created && e.deadLettered != nil {
		e.deadLettered(ctx, dl.Task, ReasonAdmissionFailed, ErrQueueExhausted.Error())
	}
	return ErrQueueExhausted
}
