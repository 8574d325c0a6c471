package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// JetStreamConfig configures the JetStream-backed queue
type JetStreamConfig struct {
	Stream   string           `mapstructure:"stream"`
	Capacity int              `mapstructure:"capacity"`
	PollWait time.Duration    `mapstructure:"poll_wait"`
	Storage  nats.StorageType `mapstructure:"-"`
}

// JetStream keeps one subject per priority in a work-queue stream. Lane
// capacity is enforced by the server through a per-subject limit that
// discards new messages.
type JetStream struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	cfg    JetStreamConfig

	mu   sync.Mutex
	subs map[model.TaskPriority]*nats.Subscription
}

// NewJetStream creates (or binds to) the queue stream and its consumers
func NewJetStream(js nats.JetStreamContext, cfg JetStreamConfig, logger *zap.Logger) (*JetStream, error) {
	if cfg.Stream == "" {
		cfg.Stream = "TASKQ"
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 50 * time.Millisecond
	}

	q := &JetStream{
		logger: logger.Named("queue"),
		js:     js,
		cfg:    cfg,
		subs:   make(map[model.TaskPriority]*nats.Subscription),
	}

	if err := q.setupStream(); err != nil {
		return nil, err
	}
	for _, p := range model.Priorities {
		sub, err := js.PullSubscribe(q.subject(p), q.durable(p), nats.BindStream(cfg.Stream))
		if err != nil {
			return nil, fmt.Errorf("failed to create consumer for %s: %w", p, err)
		}
		q.subs[p] = sub
	}
	return q, nil
}

func (q *JetStream) subjectPrefix() string {
	return strings.ToLower(q.cfg.Stream)
}

func (q *JetStream) subject(p model.TaskPriority) string {
	return q.subjectPrefix() + "." + p.String()
}

func (q *JetStream) durable(p model.TaskPriority) string {
	return q.cfg.Stream + "_" + p.String()
}

func (q *JetStream) setupStream() error {
	_, err := q.js.AddStream(&nats.StreamConfig{
		Name:                 q.cfg.Stream,
		Subjects:             []string{q.subjectPrefix() + ".>"},
		Retention:            nats.WorkQueuePolicy,
		Storage:              q.cfg.Storage,
		MaxMsgsPerSubject:    int64(q.cfg.Capacity),
		Discard:              nats.DiscardNew,
		DiscardNewPerSubject: true,
	})
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			q.logger.Info("Stream already exists", zap.String("stream", q.cfg.Stream))
			return nil
		}
		return fmt.Errorf("failed to create queue stream: %w", err)
	}
	q.logger.Info("Stream created successfully", zap.String("stream", q.cfg.Stream))
	return nil
}

// TryPush implements Queue.TryPush
func (q *JetStream) TryPush(ctx context.Context, priority model.TaskPriority, taskID string) error {
	if !priority.Valid() {
		return ErrInvalidPriority
	}
	_, err := q.js.Publish(q.subject(priority), []byte(taskID), nats.Context(ctx))
	if err != nil {
		if isLimitReached(err) {
			return ErrFull
		}
		return fmt.Errorf("failed to publish to queue: %w", err)
	}
	return nil
}

func isLimitReached(err error) bool {
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Description), "maximum messages") {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "maximum messages")
}

// Pop implements Queue.Pop
func (q *JetStream) Pop(ctx context.Context) (string, model.TaskPriority, bool, error) {
	for _, p := range model.Priorities {
		if err := ctx.Err(); err != nil {
			return "", 0, false, err
		}

		msgs, err := q.subs[p].Fetch(1, nats.MaxWait(q.cfg.PollWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return "", 0, false, fmt.Errorf("failed to fetch from %s: %w", p, err)
		}
		if len(msgs) == 0 {
			continue
		}

		msg := msgs[0]
		if err := msg.AckSync(); err != nil {
			return "", 0, false, fmt.Errorf("failed to ack queue message: %w", err)
		}
		return string(msg.Data), p, true, nil
	}
	return "", 0, false, nil
}

// Len implements Queue.Len
func (q *JetStream) Len(ctx context.Context, priority model.TaskPriority) (int, error) {
	sub, ok := q.subs[priority]
	if !ok {
		return 0, ErrInvalidPriority
	}
	info, err := sub.ConsumerInfo()
	if err != nil {
		return 0, fmt.Errorf("failed to get consumer info: %w", err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// Capacity implements Queue.Capacity
func (q *JetStream) Capacity() int {
	return q.cfg.Capacity
}

// Close drops the consumers' local subscriptions
func (q *JetStream) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p, sub := range q.subs {
		if err := sub.Unsubscribe(); err != nil {
			q.logger.Debug("Failed to unsubscribe", zap.String("priority", p.String()), zap.Error(err))
		}
	}
}
