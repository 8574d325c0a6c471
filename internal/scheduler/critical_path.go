package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// WorkflowRisk is the critical-path estimate of one open workflow
type WorkflowRisk struct {
	WorkflowID string
	Remaining  time.Duration
	Path       []string
	Deadline   *time.Time
	AtRisk     bool
}

// CriticalPathMonitor periodically measures how much estimated work is left
// on each open workflow's longest path and flags workflows that cannot meet
// their deadline.
type CriticalPathMonitor struct {
	logger   *zap.Logger
	service  *Service
	base     time.Duration
	interval time.Duration
	stop     chan struct{}
	now      func() time.Time

	mu      sync.Mutex
	flagged map[string]bool
}

// NewCriticalPathMonitor creates a monitor. base is the estimated duration
// of a task of complexity 1.
func NewCriticalPathMonitor(service *Service, base, interval time.Duration, logger *zap.Logger) *CriticalPathMonitor {
	if base <= 0 {
		base = defaultBaseDuration
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &CriticalPathMonitor{
		logger:   logger.Named("critical-path"),
		service:  service,
		base:     base,
		interval: interval,
		stop:     make(chan struct{}),
		now:      time.Now,
		flagged:  make(map[string]bool),
	}
}

// Start starts the monitoring loop
func (m *CriticalPathMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if _, err := m.Check(ctx); err != nil {
					m.logger.Error("Critical path check failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop stops the monitoring loop
func (m *CriticalPathMonitor) Stop() {
	close(m.stop)
}

// Check measures every open workflow once
func (m *CriticalPathMonitor) Check(ctx context.Context) ([]WorkflowRisk, error) {
	workflows, err := m.service.ledger.ListWorkflows(ctx,
		model.WorkflowStatusPending, model.WorkflowStatusRunning, model.WorkflowStatusBlocked)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	open := make(map[string]bool, len(workflows))
	risks := make([]WorkflowRisk, 0, len(workflows))
	for _, wf := range workflows {
		open[wf.ID] = true

		tasks, err := m.service.ledger.ListTasks(ctx, model.TaskFilters{WorkflowID: wf.ID})
		if err != nil {
			return nil, err
		}
		remaining, path, err := NewDAG(tasks).CriticalPath(RemainingWeight(m.base, now))
		if err != nil {
			m.logger.Warn("Workflow graph is not a DAG", zap.String("workflow_id", wf.ID), zap.Error(err))
			continue
		}

		risk := WorkflowRisk{
			WorkflowID: wf.ID,
			Remaining:  remaining,
			Path:       path,
			Deadline:   workflowDeadline(wf, tasks),
		}
		risk.AtRisk = risk.Deadline != nil && now.Add(remaining).After(*risk.Deadline)
		risks = append(risks, risk)

		m.service.observer.CriticalPath(wf.ID, remaining, risk.AtRisk)
		if risk.AtRisk && !m.flagged[wf.ID] {
			m.flagged[wf.ID] = true
			m.logger.Warn("Workflow at risk of missing its deadline",
				zap.String("workflow_id", wf.ID),
				zap.Duration("remaining", remaining),
				zap.Timep("deadline", risk.Deadline),
				zap.Strings("critical_path", path))
			m.service.notify(ctx, model.Event{
				Kind:       model.EventWorkflowAtRisk,
				ID:         wf.ID,
				Status:     string(wf.Status),
				WorkflowID: wf.ID,
				Error:      fmt.Sprintf("critical path needs %s, deadline %s", remaining, risk.Deadline.Format(time.RFC3339)),
			})
		} else if !risk.AtRisk {
			delete(m.flagged, wf.ID)
		}
	}

	for id := range m.flagged {
		if !open[id] {
			delete(m.flagged, id)
		}
	}
	return risks, nil
}

// workflowDeadline is the workflow's own deadline, else the earliest
// deadline of its unfinished tasks
func workflowDeadline(wf *model.Workflow, tasks []*model.Task) *time.Time {
	if wf.Deadline != nil {
		return wf.Deadline
	}
	var earliest *time.Time
	for _, t := range tasks {
		if t.Deadline == nil || t.Status.IsTerminal() {
			continue
		}
		if earliest == nil || t.Deadline.Before(*earliest) {
			earliest = t.Deadline
		}
	}
	return earliest
}
