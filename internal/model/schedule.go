package model

import (
	"encoding/json"
	"time"
)

// CronSchedule submits a task of the given type on every tick of Expression
type CronSchedule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Expression  string          `json:"expression"`
	TaskType    string          `json:"task_type"`
	Priority    TaskPriority    `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	LastTaskID  string          `json:"last_task_id,omitempty"`
	LastRunTime *time.Time      `json:"last_run_time,omitempty"`
	NextRunTime *time.Time      `json:"next_run_time,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
