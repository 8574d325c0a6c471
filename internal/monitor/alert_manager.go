package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const (
	alertStream   = "ALERTS"
	alertSubjects = "alert.*"
)

// ErrRuleNotFound is returned when an alert rule does not exist
var ErrRuleNotFound = errors.New("alert rule not found")

// ErrAlertNotFound is returned when an alert does not exist
var ErrAlertNotFound = errors.New("alert not found")

// NotificationChannel represents a channel for sending alert notifications
type NotificationChannel interface {
	Send(alert *model.Alert) error
}

// EventSource delivers status-change events
type EventSource interface {
	WatchAll(ctx context.Context, handler func(model.Event)) error
}

// AlertConfig configures the alert manager
type AlertConfig struct {
	// ResolveAfter resolves alerts nobody resolved by hand
	ResolveAfter time.Duration `mapstructure:"resolve_after"`
	// EvaluateInterval is how often stale alerts are resolved
	EvaluateInterval time.Duration `mapstructure:"evaluate_interval"`
}

// DefaultRules covers task failure, dead letter, deadline risk and agent
// loss
func DefaultRules() []*model.AlertRule {
	return []*model.AlertRule{
		{Name: "Task failed", Type: model.AlertTypeTaskFailure, Severity: model.AlertSeverityWarning},
		{Name: "Task dead-lettered", Type: model.AlertTypeDeadLetter, Severity: model.AlertSeverityError},
		{Name: "Workflow deadline at risk", Type: model.AlertTypeDeadlineRisk, Severity: model.AlertSeverityWarning},
		{Name: "Agent offline", Type: model.AlertTypeAgentOffline, Severity: model.AlertSeverityCritical},
	}
}

// AlertManager turns status-change events into alerts. An alert is raised
// once per rule and subject until it is resolved.
type AlertManager struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	events   EventSource
	cfg      AlertConfig
	rules    sync.Map
	alerts   sync.Map
	open     sync.Map // dedupe key -> alert id
	mu       sync.RWMutex
	channels map[string]NotificationChannel
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewAlertManager creates a new alert manager
func NewAlertManager(js nats.JetStreamContext, events EventSource, cfg AlertConfig, logger *zap.Logger) *AlertManager {
	if cfg.ResolveAfter <= 0 {
		cfg.ResolveAfter = time.Hour
	}
	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = 30 * time.Second
	}
	return &AlertManager{
		logger:   logger.Named("alerts"),
		js:       js,
		events:   events,
		cfg:      cfg,
		channels: make(map[string]NotificationChannel),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start creates the alert stream, follows events and starts the
// evaluation loop
func (m *AlertManager) Start(ctx context.Context) error {
	_, err := m.js.AddStream(&nats.StreamConfig{
		Name:     alertStream,
		Subjects: []string{alertSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create alert stream: %w", err)
	}

	if m.events != nil {
		if err := m.events.WatchAll(ctx, func(event model.Event) { m.HandleEvent(ctx, event) }); err != nil {
			return fmt.Errorf("failed to watch events: %w", err)
		}
	}

	go m.evaluationLoop(ctx)

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the evaluation loop
func (m *AlertManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// AddChannel registers a notification channel
func (m *AlertManager) AddChannel(name string, ch NotificationChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule := *value.(*model.AlertRule)
	return &rule, nil
}

// ListRules returns every rule ordered by name
func (m *AlertManager) ListRules() []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(_, value interface{}) bool {
		rule := *value.(*model.AlertRule)
		rules = append(rules, &rule)
		return true
	})
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	if rule.Type == "" {
		return errors.New("alert rule needs a type")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	rule.CreatedAt = m.now()
	rule.UpdatedAt = rule.CreatedAt
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	existing, ok := m.rules.Load(rule.ID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.(*model.AlertRule).CreatedAt
	rule.UpdatedAt = m.now()
	stored := *rule
	m.rules.Store(rule.ID, &stored)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return nil
}

// ListAlerts returns alerts newest first, optionally only unresolved ones
func (m *AlertManager) ListAlerts(activeOnly bool) []*model.Alert {
	var alerts []*model.Alert
	m.alerts.Range(func(_, value interface{}) bool {
		alert := value.(*model.Alert)
		if !activeOnly || alert.ResolvedAt == nil {
			copied := *alert
			alerts = append(alerts, &copied)
		}
		return true
	})
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.After(alerts[j].CreatedAt) })
	return alerts
}

// ResolveAlert marks an alert resolved so the condition can alert again
func (m *AlertManager) ResolveAlert(id string) error {
	value, ok := m.alerts.Load(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	alert := *value.(*model.Alert)
	if alert.ResolvedAt != nil {
		return nil
	}
	now := m.now()
	alert.ResolvedAt = &now
	m.alerts.Store(id, &alert)
	if key, ok := alert.Data["dedupe_key"].(string); ok {
		m.open.CompareAndDelete(key, id)
	}
	return nil
}

// HandleEvent raises alerts for the events the rules care about
func (m *AlertManager) HandleEvent(ctx context.Context, event model.Event) {
	var alertType model.AlertType
	data := map[string]interface{}{}

	switch {
	case event.Kind == model.EventTaskStatus && event.Status == string(model.TaskStatusFailed):
		alertType = model.AlertTypeTaskFailure
		data["task_id"] = event.ID
	case event.Kind == model.EventDeadLetter:
		alertType = model.AlertTypeDeadLetter
		data["task_id"] = event.ID
	case event.Kind == model.EventWorkflowAtRisk:
		alertType = model.AlertTypeDeadlineRisk
		data["workflow_id"] = event.ID
	case event.Kind == model.EventAgentStatus && event.Status == string(model.AgentStatusOffline):
		alertType = model.AlertTypeAgentOffline
		data["agent_id"] = event.ID
	default:
		return
	}
	if event.Error != "" {
		data["error"] = event.Error
	}
	if event.WorkflowID != "" {
		data["workflow_id"] = event.WorkflowID
	}
	if event.TraceID != "" {
		data["trace_id"] = event.TraceID
	}

	m.rules.Range(func(_, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type != alertType || rule.Silenced {
			return true
		}
		if err := m.createAlert(ctx, rule, event.ID, data); err != nil {
			m.logger.Error("Failed to create alert",
				zap.String("rule_id", rule.ID),
				zap.Error(err))
		}
		return true
	})
}

// createAlert creates and publishes a new alert unless one is already open
// for the same rule and subject
func (m *AlertManager) createAlert(ctx context.Context, rule *model.AlertRule, subject string, data map[string]interface{}) error {
	key := rule.ID + "/" + subject
	id := uuid.New().String()
	if _, exists := m.open.LoadOrStore(key, id); exists {
		return nil
	}

	payload := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["dedupe_key"] = key

	alert := &model.Alert{
		ID:        id,
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   alertMessage(rule, subject, data),
		Data:      payload,
		CreatedAt: m.now(),
	}
	m.alerts.Store(alert.ID, alert)

	alertData, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := m.js.Publish("alert."+string(alert.Type), alertData, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}

	m.mu.RLock()
	for name, ch := range m.channels {
		if err := ch.Send(alert); err != nil {
			m.logger.Warn("Failed to send alert", zap.String("channel", name), zap.Error(err))
		}
	}
	m.mu.RUnlock()

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))
	return nil
}

func alertMessage(rule *model.AlertRule, subject string, data map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", rule.Name, subject)
	if msg, ok := data["error"].(string); ok && msg != "" {
		fmt.Fprintf(&b, " (%s)", msg)
	}
	return b.String()
}

// evaluationLoop periodically resolves stale alerts
func (m *AlertManager) evaluationLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.resolveStale()
		}
	}
}

func (m *AlertManager) resolveStale() int {
	now := m.now()
	resolved := 0
	m.alerts.Range(func(key, value interface{}) bool {
		alert := value.(*model.Alert)
		if alert.ResolvedAt == nil && now.Sub(alert.CreatedAt) > m.cfg.ResolveAfter {
			if err := m.ResolveAlert(alert.ID); err == nil {
				resolved++
			}
		}
		return true
	})
	if resolved > 0 {
		m.logger.Info("Resolved stale alerts", zap.Int("count", resolved))
	}
	return resolved
}

// LogChannel writes alerts to the log
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log notification channel
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alert-log")}
}

// Send logs the alert at a level matching its severity
func (c *LogChannel) Send(alert *model.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("message", alert.Message),
	}
	switch alert.Severity {
	case model.AlertSeverityCritical, model.AlertSeverityError:
		c.logger.Error("Alert", fields...)
	case model.AlertSeverityWarning:
		c.logger.Warn("Alert", fields...)
	default:
		c.logger.Info("Alert", fields...)
	}
	return nil
}
