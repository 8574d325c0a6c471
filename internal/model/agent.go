package model

import (
	"sort"
	"time"
)

// AgentStatus represents the status of an agent
type AgentStatus string

const (
	AgentStatusAvailable AgentStatus = "AVAILABLE"
	AgentStatusBusy      AgentStatus = "BUSY"
	AgentStatusOffline   AgentStatus = "OFFLINE"
	AgentStatusError     AgentStatus = "ERROR"
	AgentStatusDraining  AgentStatus = "DRAINING"
)

var agentTransitions = map[AgentStatus][]AgentStatus{
	AgentStatusAvailable: {AgentStatusBusy, AgentStatusOffline, AgentStatusError, AgentStatusDraining},
	AgentStatusBusy:      {AgentStatusAvailable, AgentStatusOffline, AgentStatusError, AgentStatusDraining},
	AgentStatusOffline:   {AgentStatusAvailable, AgentStatusError, AgentStatusDraining},
	AgentStatusError:     {AgentStatusAvailable, AgentStatusOffline, AgentStatusDraining},
	AgentStatusDraining:  {AgentStatusOffline},
}

// CanTransition reports whether an agent may move from one status to another
func (s AgentStatus) CanTransition(to AgentStatus) bool {
	if s == to {
		return true
	}
	for _, next := range agentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Schedulable reports whether new work may be assigned in this status
func (s AgentStatus) Schedulable() bool {
	return s == AgentStatusAvailable || s == AgentStatusBusy
}

// Agent represents a worker process registered with the orchestrator
type Agent struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Status         AgentStatus       `json:"status"`
	Capabilities   []string          `json:"capabilities"`
	Endpoint       string            `json:"endpoint"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Region         string            `json:"region,omitempty"`
	MaxConcurrency int               `json:"max_concurrency"`
	ActiveTasks    []string          `json:"active_tasks,omitempty"`
	CostPerHour    float64           `json:"cost_per_hour"`

	// Rolling statistics
	PerformanceScore float64       `json:"performance_score"`
	ErrorRate        float64       `json:"error_rate"`
	AvgDuration      time.Duration `json:"avg_duration"`
	CompletedCount   int64         `json:"completed_count"`

	// Reported load
	Load        float64 `json:"load"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	QueuedTasks int     `json:"queued_tasks"`
	HealthScore float64 `json:"health_score"`

	RegistrationSeq uint64     `json:"registration_seq"`
	RegisteredAt    time.Time  `json:"registered_at"`
	LastHeartbeat   time.Time  `json:"last_heartbeat"`
	DrainingSince   *time.Time `json:"draining_since,omitempty"`
}

// HasCapability reports whether the agent advertises the capability
func (a *Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// ActiveCount returns the number of tasks currently assigned
func (a *Agent) ActiveCount() int {
	return len(a.ActiveTasks)
}

// SpareCapacity returns the number of free task slots
func (a *Agent) SpareCapacity() int {
	spare := a.MaxConcurrency - len(a.ActiveTasks)
	if spare < 0 {
		return 0
	}
	return spare
}

// Utilization returns active/capacity in [0,1]
func (a *Agent) Utilization() float64 {
	if a.MaxConcurrency <= 0 {
		return 1
	}
	return float64(len(a.ActiveTasks)) / float64(a.MaxConcurrency)
}

// HasTask reports whether the task is in the agent's active set
func (a *Agent) HasTask(taskID string) bool {
	for _, id := range a.ActiveTasks {
		if id == taskID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the agent
func (a *Agent) Clone() *Agent {
	c := *a
	c.Capabilities = append([]string(nil), a.Capabilities...)
	c.ActiveTasks = append([]string(nil), a.ActiveTasks...)
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SortAgentsByID sorts agents in place for deterministic tie-breaks
func SortAgentsByID(agents []*Agent) {
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
}

// AgentStats represents a status report sent by an agent
type AgentStats struct {
	Load        float64   `json:"load"`
	CPUUsage    float64   `json:"cpu_usage"`
	MemoryUsage float64   `json:"memory_usage"`
	Active      int       `json:"active"`
	Queued      int       `json:"queued"`
	CollectedAt time.Time `json:"collected_at"`
}

// HealthStatus is returned by an agent health probe
type HealthStatus struct {
	AgentID string      `json:"agent_id"`
	Healthy bool        `json:"healthy"`
	Status  AgentStatus `json:"status"`
	Active  int         `json:"active"`
	Message string      `json:"message,omitempty"`
}
