package queue

import (
	"context"
	"errors"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

var (
	// ErrFull is returned by TryPush when the priority level is at capacity
	ErrFull = errors.New("queue full")

	// ErrInvalidPriority is returned for an unknown priority level
	ErrInvalidPriority = errors.New("invalid queue priority")
)

// Queue holds task ids in one bounded FIFO-ish lane per priority. Pop drains
// lanes in strict priority order; order within a lane is not guaranteed.
type Queue interface {
	// TryPush adds the task id to the lane or fails with ErrFull
	TryPush(ctx context.Context, priority model.TaskPriority, taskID string) error

	// Pop removes one id from the most urgent non-empty lane. ok is false
	// when every lane is empty.
	Pop(ctx context.Context) (taskID string, priority model.TaskPriority, ok bool, err error)

	// Len returns the number of ids waiting in a lane
	Len(ctx context.Context, priority model.TaskPriority) (int, error)

	// Capacity returns the per-lane capacity
	Capacity() int
}

// Depths returns the length of every lane
func Depths(ctx context.Context, q Queue) (map[model.TaskPriority]int, error) {
	depths := make(map[model.TaskPriority]int, len(model.Priorities))
	for _, p := range model.Priorities {
		n, err := q.Len(ctx, p)
		if err != nil {
			return nil, err
		}
		depths[p] = n
	}
	return depths, nil
}
