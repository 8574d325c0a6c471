package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const (
	// EventStream keeps recent status changes for late subscribers
	EventStream = "EVENTS"

	subjectPrefix = "events"
)

// Subject returns the subject an event is published on:
// events.task.<id>, events.agent.<id>, events.workflow.<id>,
// events.deadletter.<task id> or events.risk.<workflow id>
func Subject(event model.Event) string {
	switch event.Kind {
	case model.EventTaskStatus:
		return TaskSubject(event.ID)
	case model.EventAgentStatus:
		return AgentSubject(event.ID)
	case model.EventWorkflowStatus:
		return WorkflowSubject(event.ID)
	case model.EventDeadLetter:
		return subjectPrefix + ".deadletter." + event.ID
	case model.EventWorkflowAtRisk:
		return subjectPrefix + ".risk." + event.ID
	default:
		return subjectPrefix + ".other." + event.ID
	}
}

// TaskSubject is where status changes of a task are published
func TaskSubject(id string) string { return subjectPrefix + ".task." + id }

// AgentSubject is where status changes of an agent are published
func AgentSubject(id string) string { return subjectPrefix + ".agent." + id }

// WorkflowSubject is where status changes of a workflow are published
func WorkflowSubject(id string) string { return subjectPrefix + ".workflow." + id }

// EventConfig configures the event stream
type EventConfig struct {
	MaxAge time.Duration `mapstructure:"max_age"`
}

// EventService publishes status-change events to a JetStream stream and
// lets callers follow them
type EventService struct {
	js     nats.JetStreamContext
	cfg    EventConfig
	logger *zap.Logger
}

// NewEventService creates the event stream if needed
func NewEventService(js nats.JetStreamContext, cfg EventConfig, logger *zap.Logger) (*EventService, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:     EventStream,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  nats.FileStorage,
		MaxAge:   cfg.MaxAge,
		MaxMsgs:  -1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return nil, fmt.Errorf("failed to create event stream: %w", err)
	}

	return &EventService{
		js:     js,
		cfg:    cfg,
		logger: logger.Named("events"),
	}, nil
}

// PublishEvent publishes a status change
func (s *EventService) PublishEvent(ctx context.Context, event model.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := Subject(event)
	if _, err := s.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		s.logger.Error("Failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}

	s.logger.Debug("Event published",
		zap.String("subject", subject),
		zap.String("status", event.Status))
	return nil
}

// Subscribe delivers events matching subject, which may contain wildcards,
// until ctx ends. With replay the retained history is delivered first.
func (s *EventService) Subscribe(ctx context.Context, subject string, replay bool, handler func(model.Event)) error {
	deliver := nats.DeliverNew()
	if replay {
		deliver = nats.DeliverAll()
	}

	sub, err := s.js.Subscribe(subject, func(msg *nats.Msg) {
		var event model.Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			s.logger.Error("Failed to unmarshal event", zap.String("subject", msg.Subject), zap.Error(err))
			_ = msg.Term()
			return
		}

		handler(event)
		_ = msg.Ack()
	}, deliver, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Failed to unsubscribe", zap.String("subject", subject), zap.Error(err))
		}
	}()
	return nil
}

// WatchTask replays and follows a task's status changes
func (s *EventService) WatchTask(ctx context.Context, taskID string, handler func(model.Event)) error {
	return s.Subscribe(ctx, TaskSubject(taskID), true, handler)
}

// WatchWorkflow replays and follows a workflow's status changes
func (s *EventService) WatchWorkflow(ctx context.Context, workflowID string, handler func(model.Event)) error {
	return s.Subscribe(ctx, WorkflowSubject(workflowID), true, handler)
}

// WatchAgents follows status changes of every agent
func (s *EventService) WatchAgents(ctx context.Context, handler func(model.Event)) error {
	return s.Subscribe(ctx, AgentSubject("*"), false, handler)
}

// WatchAll follows every new event
func (s *EventService) WatchAll(ctx context.Context, handler func(model.Event)) error {
	return s.Subscribe(ctx, subjectPrefix+".>", false, handler)
}
