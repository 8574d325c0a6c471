package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceLimits marks the host as overloaded. Zero disables a limit.
type ResourceLimits struct {
	MaxCPU    float64 `mapstructure:"max_cpu"`    // percent
	MaxMemory float64 `mapstructure:"max_memory"` // percent
}

// ResourceSample is one host measurement
type ResourceSample struct {
	CPUUsage    float64
	MemoryUsage float64
	CollectedAt time.Time
}

// ResourceMonitor samples host cpu and memory for status reports and
// health answers
type ResourceMonitor struct {
	logger   *zap.Logger
	limits   ResourceLimits
	interval time.Duration
	sample   func(ctx context.Context) (cpuUsage, memUsage float64, err error)

	mu       sync.RWMutex
	last     ResourceSample
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewResourceMonitor creates a resource monitor
func NewResourceMonitor(limits ResourceLimits, interval time.Duration, logger *zap.Logger) *ResourceMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ResourceMonitor{
		logger:   logger.Named("resource-monitor"),
		limits:   limits,
		interval: interval,
		sample:   sampleHost,
		stopChan: make(chan struct{}),
	}
}

// Start starts the sampling loop
func (rm *ResourceMonitor) Start(ctx context.Context) {
	rm.logger.Info("Starting resource monitor", zap.Duration("interval", rm.interval))
	go rm.monitorResources(ctx)
}

// Stop stops the sampling loop
func (rm *ResourceMonitor) Stop() {
	rm.stopOnce.Do(func() { close(rm.stopChan) })
}

func (rm *ResourceMonitor) monitorResources(ctx context.Context) {
	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stopChan:
			return
		case <-ticker.C:
			if err := rm.Collect(ctx); err != nil {
				rm.logger.Error("Failed to collect resource stats", zap.Error(err))
			}
		}
	}
}

// Collect takes a sample now
func (rm *ResourceMonitor) Collect(ctx context.Context) error {
	cpuUsage, memUsage, err := rm.sample(ctx)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	rm.last = ResourceSample{CPUUsage: cpuUsage, MemoryUsage: memUsage, CollectedAt: time.Now()}
	rm.mu.Unlock()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", cpuUsage),
		zap.Float64("memory_usage", memUsage))
	return nil
}

// Last returns the most recent sample
func (rm *ResourceMonitor) Last() ResourceSample {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.last
}

// Overloaded reports whether the last sample breaches a limit
func (rm *ResourceMonitor) Overloaded() (bool, string) {
	s := rm.Last()
	if rm.limits.MaxCPU > 0 && s.CPUUsage > rm.limits.MaxCPU {
		return true, fmt.Sprintf("cpu usage %.1f%% above %.1f%%", s.CPUUsage, rm.limits.MaxCPU)
	}
	if rm.limits.MaxMemory > 0 && s.MemoryUsage > rm.limits.MaxMemory {
		return true, fmt.Sprintf("memory usage %.1f%% above %.1f%%", s.MemoryUsage, rm.limits.MaxMemory)
	}
	return false, ""
}

func sampleHost(ctx context.Context) (float64, float64, error) {
	percents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	var cpuUsage float64
	if len(percents) > 0 {
		cpuUsage = percents[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get memory usage: %w", err)
	}
	return cpuUsage, memInfo.UsedPercent, nil
}
