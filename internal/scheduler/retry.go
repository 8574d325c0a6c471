package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/storage"
)

// RetryPolicy computes the delay before a failed task runs again
type RetryPolicy struct {
	Initial    time.Duration `mapstructure:"initial"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
}

// DefaultRetryPolicy waits min(2^k s, 60s) before retry k
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// Delay returns the wait before retry k, counting from zero
func (p RetryPolicy) Delay(k int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < k; i++ {
		d = b.NextBackOff()
	}
	return d
}

// RetryManager moves retrying tasks whose backoff has elapsed back into the queues
type RetryManager struct {
	logger   *zap.Logger
	ledger   *storage.Ledger
	service  *Service
	interval time.Duration
	batch    int
	stop     chan struct{}
	now      func() time.Time
}

// NewRetryManager creates a new retry manager
func NewRetryManager(ledger *storage.Ledger, service *Service, interval time.Duration, logger *zap.Logger) *RetryManager {
	if interval <= 0 {
		interval = defaultRetryInterval
	}
	return &RetryManager{
		logger:   logger.Named("retry-manager"),
		ledger:   ledger,
		service:  service,
		interval: interval,
		batch:    defaultRetryBatch,
		stop:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start starts the retry loop
func (rm *RetryManager) Start(ctx context.Context) {
	rm.logger.Info("Starting retry manager", zap.Duration("interval", rm.interval))
	go rm.retryLoop(ctx)
}

// Stop stops the retry manager
func (rm *RetryManager) Stop() {
	rm.logger.Info("Stopping retry manager")
	close(rm.stop)
}

func (rm *RetryManager) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stop:
			return
		case <-ticker.C:
			rm.ProcessRetries(ctx)
		}
	}
}

// ProcessRetries promotes every due retry and returns how many were requeued
func (rm *RetryManager) ProcessRetries(ctx context.Context) int {
	now := rm.now()
	due, err := rm.ledger.DueRetries(ctx, now, rm.batch)
	if err != nil {
		rm.logger.Error("Failed to load due retries", zap.Error(err))
		return 0
	}

	promoted := 0
	for _, t := range due {
		task, err := rm.ledger.UpdateTask(ctx, t.ID, []model.TaskStatus{model.TaskStatusRetrying}, func(task *model.Task) error {
			enqueued := now.UTC()
			task.Status = model.TaskStatusQueued
			task.EnqueuedAt = &enqueued
			task.NextAttemptAt = nil
			return nil
		})
		if err != nil {
			if !errors.Is(err, storage.ErrStatusConflict) {
				rm.logger.Error("Failed to promote retry", zap.String("task_id", t.ID), zap.Error(err))
			}
			continue
		}

		rm.service.publishTask(ctx, task, model.TaskStatusRetrying)
		if err := rm.service.enqueue(ctx, task); err != nil {
			rm.logger.Warn("Retry could not be enqueued", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		promoted++
		rm.logger.Info("Task retry submitted",
			zap.String("task_id", task.ID),
			zap.Int("retry", task.RetryCount))
	}
	return promoted
}
