package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const (
	metricsStream  = "METRICS"
	metricsSubject = "metrics.system"
)

// AgentLister lists registered agents
type AgentLister interface {
	List(ctx context.Context) ([]*model.Agent, error)
}

// AgentSummary is the per-agent part of a system snapshot
type AgentSummary struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Status      model.AgentStatus `json:"status"`
	ActiveTasks int               `json:"active_tasks"`
	Load        float64           `json:"load"`
	CPUUsage    float64           `json:"cpu_usage"`
	MemoryUsage float64           `json:"memory_usage"`
	HealthScore float64           `json:"health_score"`
}

// SystemMetrics is one snapshot of the orchestrator host and its fleet
type SystemMetrics struct {
	Timestamp      time.Time                 `json:"timestamp"`
	CPUUsage       float64                   `json:"cpu_usage"`
	MemoryUsage    float64                   `json:"memory_usage"`
	AgentsByStatus map[model.AgentStatus]int `json:"agents_by_status"`
	Agents         []AgentSummary            `json:"agents"`
}

// MetricsCollector samples the host and the agent fleet on an interval and
// publishes each snapshot on the bus
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	agents   AgentLister
	metrics  *Metrics
	interval time.Duration
	sample   func(ctx context.Context) (cpu, mem float64, err error)

	mu       sync.RWMutex
	last     *SystemMetrics
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a collector. metrics may be nil.
func NewMetricsCollector(js nats.JetStreamContext, agents AgentLister, metrics *Metrics, interval time.Duration, logger *zap.Logger) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		agents:   agents,
		metrics:  metrics,
		interval: interval,
		sample:   sampleHost,
		stop:     make(chan struct{}),
	}
}

func sampleHost(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get cpu usage: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}
	return cpuPercent, vm.UsedPercent, nil
}

// Start creates the metrics stream and starts the collection loop
func (c *MetricsCollector) Start(ctx context.Context) error {
	_, err := c.js.AddStream(&nats.StreamConfig{
		Name:     metricsStream,
		Subjects: []string{"metrics.*"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create metrics stream: %w", err)
	}

	go c.collectLoop(ctx)

	c.logger.Info("Metrics collector started", zap.Duration("interval", c.interval))
	return nil
}

// Stop stops the collection loop
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes and publishes one snapshot
func (c *MetricsCollector) Collect(ctx context.Context) (*SystemMetrics, error) {
	snapshot := &SystemMetrics{
		Timestamp:      time.Now(),
		AgentsByStatus: make(map[model.AgentStatus]int),
	}

	cpuPercent, memPercent, err := c.sample(ctx)
	if err != nil {
		// the fleet half of the snapshot is still worth publishing
		c.logger.Warn("Failed to sample host", zap.Error(err))
	} else {
		snapshot.CPUUsage = cpuPercent
		snapshot.MemoryUsage = memPercent
	}

	if c.agents != nil {
		agents, err := c.agents.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list agents: %w", err)
		}
		for _, a := range agents {
			snapshot.AgentsByStatus[a.Status]++
			snapshot.Agents = append(snapshot.Agents, AgentSummary{
				ID:          a.ID,
				Type:        a.Type,
				Status:      a.Status,
				ActiveTasks: a.ActiveCount(),
				Load:        a.Load,
				CPUUsage:    a.CPUUsage,
				MemoryUsage: a.MemoryUsage,
				HealthScore: a.HealthScore,
			})
		}
	}

	if c.metrics != nil {
		c.metrics.HostUsage(snapshot.CPUUsage, snapshot.MemoryUsage)
		c.metrics.FleetStatus(snapshot.AgentsByStatus)
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metrics: %w", err)
	}
	if _, err := c.js.Publish(metricsSubject, data, nats.Context(ctx)); err != nil {
		return nil, fmt.Errorf("failed to publish metrics: %w", err)
	}

	c.mu.Lock()
	c.last = snapshot
	c.mu.Unlock()

	c.logger.Debug("Metrics collected",
		zap.Float64("cpu_usage", snapshot.CPUUsage),
		zap.Float64("memory_usage", snapshot.MemoryUsage),
		zap.Int("agent_count", len(snapshot.Agents)))
	return snapshot, nil
}

// GetMetrics returns the latest snapshot, or nil before the first one
func (c *MetricsCollector) GetMetrics() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
