package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
)

// TypeFileOperation is the task type served by FileOperationHandler
const TypeFileOperation = "file_operation"

// FileOperationType defines the type of file operation
type FileOperationType string

const (
	FileOperationRead   FileOperationType = "read"
	FileOperationWrite  FileOperationType = "write"
	FileOperationDelete FileOperationType = "delete"
	FileOperationMove   FileOperationType = "move"
	FileOperationCopy   FileOperationType = "copy"
)

// FileOperationPayload represents the payload for file operation tasks
type FileOperationPayload struct {
	Operation   FileOperationType `json:"operation"`
	SourcePath  string            `json:"source_path"`
	TargetPath  string            `json:"target_path,omitempty"`
	Content     []byte            `json:"content,omitempty"`
	Permissions os.FileMode       `json:"permissions,omitempty"`
}

// FileOperationResult is the task result of a file operation
type FileOperationResult struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Size    int64  `json:"size"`
}

// FileOperationHandler handles file operations confined to a base directory
type FileOperationHandler struct {
	logger  *zap.Logger
	baseDir string
}

// NewFileOperationHandler creates a new file operation handler
func NewFileOperationHandler(baseDir string, logger *zap.Logger) *FileOperationHandler {
	return &FileOperationHandler{
		logger:  logger.Named("file"),
		baseDir: filepath.Clean(baseDir),
	}
}

// resolve joins a payload path onto the base directory and refuses escapes
func (h *FileOperationHandler) resolve(path string) (string, error) {
	full := filepath.Join(h.baseDir, path)
	rel, err := filepath.Rel(h.baseDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path must be within base directory: %s", path)
	}
	return full, nil
}

// Execute performs the file operation
func (h *FileOperationHandler) Execute(ctx context.Context, run *executor.Execution) (json.RawMessage, error) {
	var payload FileOperationPayload
	if err := json.Unmarshal(run.Request.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	source, err := h.resolve(payload.SourcePath)
	if err != nil {
		return nil, err
	}
	var target string
	if payload.Operation == FileOperationMove || payload.Operation == FileOperationCopy {
		if payload.TargetPath == "" {
			return nil, fmt.Errorf("target path is required for %s", payload.Operation)
		}
		if target, err = h.resolve(payload.TargetPath); err != nil {
			return nil, err
		}
	}

	h.logger.Info("Executing file operation",
		zap.String("task_id", run.Request.TaskID),
		zap.String("operation", string(payload.Operation)),
		zap.String("source", source))

	result := FileOperationResult{Path: payload.SourcePath}
	switch payload.Operation {
	case FileOperationRead:
		result.Content, err = os.ReadFile(source)
		result.Size = int64(len(result.Content))
	case FileOperationWrite:
		err = writeFile(source, payload.Content, payload.Permissions)
		result.Size = int64(len(payload.Content))
	case FileOperationDelete:
		err = os.Remove(source)
	case FileOperationMove:
		err = moveFile(source, target)
		result.Path = payload.TargetPath
	case FileOperationCopy:
		result.Size, err = copyFile(ctx, source, target)
		result.Path = payload.TargetPath
	default:
		return nil, fmt.Errorf("unsupported operation: %s", payload.Operation)
	}
	if err != nil {
		return nil, err
	}

	run.Logf("%s %s done", payload.Operation, result.Path)
	return json.Marshal(result)
}

func writeFile(path string, content []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, content, perm)
}

func moveFile(source, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create target directory: %w", err)
	}
	return os.Rename(source, target)
}

// ctxReader stops a copy once the attempt is cancelled
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func copyFile(ctx context.Context, source, target string) (int64, error) {
	sourceFile, err := os.Open(source)
	if err != nil {
		return 0, fmt.Errorf("failed to open source file: %w", err)
	}
	defer sourceFile.Close()

	info, err := sourceFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to get source file info: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}
	targetFile, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}
	defer targetFile.Close()

	n, err := io.Copy(targetFile, ctxReader{ctx: ctx, r: sourceFile})
	if err != nil {
		return n, fmt.Errorf("failed to copy file: %w", err)
	}
	return n, nil
}
