package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LogEntry is one line of a task's execution log
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	TaskID    string    `json:"task_id"`
	Attempt   int       `json:"attempt"`
	Message   string    `json:"message"`
}

// Log levels
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// LogConfig configures the task log
type LogConfig struct {
	Dir           string        `mapstructure:"dir"`
	MaxFileSize   int64         `mapstructure:"max_file_size"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TaskLog keeps one JSON-lines file per task. Entries are buffered and
// flushed periodically. Files past MaxFileSize are rotated to .1 and files
// older than MaxAge are removed.
type TaskLog struct {
	logger *zap.Logger
	cfg    LogConfig

	mu       sync.Mutex
	buffers  map[string][]LogEntry
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTaskLog creates the log directory and returns a task log
func NewTaskLog(cfg LogConfig, logger *zap.Logger) (*TaskLog, error) {
	if cfg.Dir == "" {
		return nil, errors.New("log directory is required")
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &TaskLog{
		logger:   logger.Named("task-log"),
		cfg:      cfg,
		buffers:  make(map[string][]LogEntry),
		stopChan: make(chan struct{}),
	}, nil
}

// Start starts the flush and rotation loops
func (tl *TaskLog) Start(ctx context.Context) {
	go tl.loop(ctx, tl.cfg.FlushInterval, tl.Flush)
	go tl.loop(ctx, time.Hour, tl.rotate)
}

// Stop stops the loops and flushes what is buffered
func (tl *TaskLog) Stop() {
	tl.stopOnce.Do(func() { close(tl.stopChan) })
	tl.Flush()
}

func (tl *TaskLog) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tl.stopChan:
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Append buffers an entry
func (tl *TaskLog) Append(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	tl.mu.Lock()
	tl.buffers[entry.TaskID] = append(tl.buffers[entry.TaskID], entry)
	tl.mu.Unlock()
}

// Flush writes every buffered entry to disk
func (tl *TaskLog) Flush() {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	for taskID, entries := range tl.buffers {
		if err := tl.write(taskID, entries); err != nil {
			tl.logger.Error("Failed to write task log",
				zap.String("task_id", taskID),
				zap.Error(err))
			continue
		}
		delete(tl.buffers, taskID)
	}
}

func (tl *TaskLog) write(taskID string, entries []LogEntry) error {
	file, err := os.OpenFile(tl.path(taskID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, entry := range entries {
		if err := encoder.Encode(entry); err != nil {
			return fmt.Errorf("failed to write log entry: %w", err)
		}
	}
	return nil
}

// GetLogs returns a task's entries between since and until, oldest first.
// Zero times leave that end open.
func (tl *TaskLog) GetLogs(taskID string, since, until time.Time) ([]LogEntry, error) {
	tl.Flush()

	var logs []LogEntry
	found := false
	for _, path := range []string{tl.path(taskID) + ".1", tl.path(taskID)} {
		entries, err := readEntries(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		for _, entry := range entries {
			if !since.IsZero() && entry.Timestamp.Before(since) {
				continue
			}
			if !until.IsZero() && entry.Timestamp.After(until) {
				continue
			}
			logs = append(logs, entry)
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrLogNotFound, taskID)
	}
	return logs, nil
}

func readEntries(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var entries []LogEntry
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var entry LogEntry
		if err := decoder.Decode(&entry); err != nil {
			return nil, fmt.Errorf("failed to decode log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (tl *TaskLog) path(taskID string) string {
	// Task ids are uuids, but never let one escape the directory
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(taskID)
	return filepath.Join(tl.cfg.Dir, name+".log")
}

// rotate removes files older than MaxAge and moves oversized files to .1
func (tl *TaskLog) rotate() {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	now := time.Now()
	err := filepath.Walk(tl.cfg.Dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if now.Sub(info.ModTime()) > tl.cfg.MaxAge {
			if err := os.Remove(path); err != nil {
				tl.logger.Error("Failed to remove old log file", zap.String("path", path), zap.Error(err))
			}
			return nil
		}

		if strings.HasSuffix(path, ".log") && info.Size() > tl.cfg.MaxFileSize {
			if err := os.Rename(path, path+".1"); err != nil {
				tl.logger.Error("Failed to rotate log file", zap.String("path", path), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		tl.logger.Error("Failed to rotate logs", zap.Error(err))
	}
}
