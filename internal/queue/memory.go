package queue

import (
	"context"
	"sync"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Memory is an in-process Queue, used by tests and single-node runs
type Memory struct {
	mu       sync.Mutex
	capacity int
	lanes    map[model.TaskPriority][]string
}

// NewMemory creates a queue with capacity slots per lane
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		lanes:    make(map[model.TaskPriority][]string, len(model.Priorities)),
	}
}

// TryPush implements Queue.TryPush
func (m *Memory) TryPush(ctx context.Context, priority model.TaskPriority, taskID string) error {
	if !priority.Valid() {
		return ErrInvalidPriority
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.lanes[priority]) >= m.capacity {
		return ErrFull
	}
	m.lanes[priority] = append(m.lanes[priority], taskID)
	return nil
}

// Pop implements Queue.Pop
func (m *Memory) Pop(ctx context.Context) (string, model.TaskPriority, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range model.Priorities {
		lane := m.lanes[p]
		if len(lane) == 0 {
			continue
		}
		id := lane[0]
		m.lanes[p] = lane[1:]
		return id, p, true, nil
	}
	return "", 0, false, nil
}

// Len implements Queue.Len
func (m *Memory) Len(ctx context.Context, priority model.TaskPriority) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lanes[priority]), nil
}

// Capacity implements Queue.Capacity
func (m *Memory) Capacity() int {
	return m.capacity
}
