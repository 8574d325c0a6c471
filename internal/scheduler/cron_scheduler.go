package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const (
	scheduleStream        = "SCHEDULES"
	scheduleAddSubject    = "schedule.add"
	scheduleRemoveSubject = "schedule.remove"
)

// ErrScheduleNotFound is returned for an unknown schedule id
var ErrScheduleNotFound = errors.New("schedule not found")

var specParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CronScheduler submits tasks on cron schedules and runs housekeeping jobs
type CronScheduler struct {
	logger    *zap.Logger
	js        nats.JetStreamContext
	service   *Service
	cron      *cron.Cron
	schedules sync.Map
	entryIDs  sync.Map
	subs      []*nats.Subscription
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a new cron scheduler. js may be nil, in which
// case schedules can only be managed in process.
func NewCronScheduler(js nats.JetStreamContext, service *Service, logger *zap.Logger) *CronScheduler {
	logger = logger.Named("cron")
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(&cronLogger{logger: logger})),
	}

	return &CronScheduler{
		logger:  logger,
		js:      js,
		service: service,
		cron:    cron.New(cronOptions...),
	}
}

// Start starts the scheduler
func (s *CronScheduler) Start(ctx context.Context) error {
	if s.js != nil {
		_, err := s.js.AddStream(&nats.StreamConfig{
			Name:     scheduleStream,
			Subjects: []string{"schedule.*"},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
			MaxMsgs:  -1,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return fmt.Errorf("failed to create schedule stream: %w", err)
		}
		if err := s.subscribeToCommands(ctx); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started")
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *CronScheduler) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// AddSchedule validates and registers a schedule
func (s *CronScheduler) AddSchedule(ctx context.Context, schedule *model.CronSchedule) (*model.CronSchedule, error) {
	if schedule.TaskType == "" {
		return nil, fmt.Errorf("%w: schedule needs a task type", ErrInvalidTask)
	}
	if !schedule.Priority.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, schedule.Priority)
	}
	spec, err := specParser.Parse(schedule.Expression)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	sched := *schedule
	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	now := time.Now()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	next := spec.Next(now)
	sched.NextRunTime = &next

	if _, exists := s.entryIDs.Load(sched.ID); exists {
		if err := s.RemoveSchedule(sched.ID); err != nil {
			return nil, err
		}
	}

	s.schedules.Store(sched.ID, &sched)
	entryID, err := s.cron.AddJob(sched.Expression, &cronJob{
		scheduler: s,
		id:        sched.ID,
		spec:      spec,
	})
	if err != nil {
		s.schedules.Delete(sched.ID)
		return nil, fmt.Errorf("failed to add cron job: %w", err)
	}
	s.entryIDs.Store(sched.ID, entryID)

	s.logger.Info("Added schedule",
		zap.String("id", sched.ID),
		zap.String("name", sched.Name),
		zap.String("expression", sched.Expression),
		zap.Time("next_run", next))

	out := sched
	return &out, nil
}

// RemoveSchedule removes a schedule
func (s *CronScheduler) RemoveSchedule(id string) error {
	entryIDVal, ok := s.entryIDs.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryIDVal.(cron.EntryID))
	s.entryIDs.Delete(id)
	s.schedules.Delete(id)

	s.logger.Info("Removed schedule", zap.String("id", id))
	return nil
}

// GetSchedule gets a schedule by ID
func (s *CronScheduler) GetSchedule(id string) (*model.CronSchedule, error) {
	val, ok := s.schedules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}
	sched := *val.(*model.CronSchedule)
	return &sched, nil
}

// ListSchedules lists all schedules ordered by id
func (s *CronScheduler) ListSchedules() []*model.CronSchedule {
	var schedules []*model.CronSchedule
	s.schedules.Range(func(key, value interface{}) bool {
		sched := *value.(*model.CronSchedule)
		schedules = append(schedules, &sched)
		return true
	})
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules
}

// ScheduleCleanup deletes finished tasks older than retention on every tick
// of expression. Dead-lettered tasks are kept.
func (s *CronScheduler) ScheduleCleanup(expression string, retention time.Duration) error {
	_, err := s.cron.AddFunc(expression, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.RunCleanup(ctx, retention)
	})
	if err != nil {
		return fmt.Errorf("failed to add cleanup job: %w", err)
	}
	s.logger.Info("Scheduled ledger cleanup",
		zap.String("expression", expression),
		zap.Duration("retention", retention))
	return nil
}

// RunCleanup deletes finished tasks older than retention once
func (s *CronScheduler) RunCleanup(ctx context.Context, retention time.Duration) int64 {
	deleted, err := s.service.ledger.DeleteTerminalBefore(ctx, time.Now().Add(-retention))
	if err != nil {
		s.logger.Error("Ledger cleanup failed", zap.Error(err))
		return 0
	}
	if deleted > 0 {
		s.logger.Info("Ledger cleanup removed finished tasks", zap.Int64("deleted", deleted))
	}
	return deleted
}

// subscribeToCommands subscribes to schedule management commands
func (s *CronScheduler) subscribeToCommands(ctx context.Context) error {
	sub, err := s.js.Subscribe(scheduleAddSubject, func(msg *nats.Msg) {
		var schedule model.CronSchedule
		if err := json.Unmarshal(msg.Data, &schedule); err != nil {
			s.logger.Error("Failed to unmarshal schedule", zap.Error(err))
			return
		}

		if _, err := s.AddSchedule(ctx, &schedule); err != nil {
			s.logger.Error("Failed to add schedule", zap.Error(err))
			return
		}
	}, nats.Durable("schedule-add-consumer"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", scheduleAddSubject, err)
	}
	s.subs = append(s.subs, sub)

	sub, err = s.js.Subscribe(scheduleRemoveSubject, func(msg *nats.Msg) {
		var id string
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			s.logger.Error("Failed to unmarshal schedule ID", zap.Error(err))
			return
		}

		if err := s.RemoveSchedule(id); err != nil {
			s.logger.Error("Failed to remove schedule", zap.Error(err))
			return
		}
	}, nats.Durable("schedule-remove-consumer"))
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", scheduleRemoveSubject, err)
	}
	s.subs = append(s.subs, sub)

	return nil
}

// cronJob implements cron.Job interface
type cronJob struct {
	scheduler *CronScheduler
	id        string
	spec      cron.Schedule
}

// Run implements cron.Job
func (j *cronJob) Run() {
	j.scheduler.fire(context.Background(), j.id, j.spec, time.Now())
}

// fire submits one task for a schedule tick. The idempotency key is derived
// from the tick, so several orchestrators firing the same schedule produce
// one live task.
func (s *CronScheduler) fire(ctx context.Context, id string, spec cron.Schedule, now time.Time) {
	val, ok := s.schedules.Load(id)
	if !ok {
		return
	}
	sched := *val.(*model.CronSchedule)
	tick := now.Truncate(time.Second)

	task, _, err := s.service.Submit(ctx, &model.Task{
		Type:           sched.TaskType,
		Description:    sched.Name,
		Payload:        sched.Payload,
		Priority:       sched.Priority,
		IdempotencyKey: fmt.Sprintf("cron:%s:%d", sched.ID, tick.Unix()),
	})
	if err != nil {
		s.logger.Error("Failed to submit scheduled task",
			zap.String("id", sched.ID),
			zap.Error(err))
		return
	}

	next := spec.Next(now)
	sched.LastRunTime = &tick
	sched.NextRunTime = &next
	sched.LastTaskID = task.ID
	sched.UpdatedAt = now
	if _, ok := s.schedules.Load(id); ok {
		s.schedules.Store(id, &sched)
	}

	s.logger.Info("Executed schedule",
		zap.String("id", sched.ID),
		zap.String("name", sched.Name),
		zap.String("task_id", task.ID),
		zap.Time("executed_at", now),
		zap.Time("next_run", next))
}
