package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
)

// TypeShellCommand is the task type served by ShellCommandHandler
const TypeShellCommand = "shell_command"

// ShellCommandPayload represents the payload for shell command tasks
type ShellCommandPayload struct {
	Command    string            `json:"command"`
	Args       []string          `json:"args"`
	Env        map[string]string `json:"env"`
	WorkingDir string            `json:"working_dir"`
	Timeout    time.Duration     `json:"timeout"`
}

// ShellCommandResult is the task result of a shell command
type ShellCommandResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// ShellCommandHandler runs a command and streams its output into the task log
type ShellCommandHandler struct {
	logger  *zap.Logger
	allowed map[string]bool
}

// NewShellCommandHandler creates a shell command handler. An empty allow
// list permits any command.
func NewShellCommandHandler(allowed []string, logger *zap.Logger) *ShellCommandHandler {
	h := &ShellCommandHandler{logger: logger.Named("shell")}
	if len(allowed) > 0 {
		h.allowed = make(map[string]bool, len(allowed))
		for _, c := range allowed {
			h.allowed[c] = true
		}
	}
	return h
}

// Execute runs the shell command
func (h *ShellCommandHandler) Execute(ctx context.Context, run *executor.Execution) (json.RawMessage, error) {
	var payload ShellCommandPayload
	if err := json.Unmarshal(run.Request.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.Command == "" {
		return nil, errors.New("command is required")
	}
	if h.allowed != nil && !h.allowed[payload.Command] {
		return nil, fmt.Errorf("command not allowed: %s", payload.Command)
	}

	cmdCtx := ctx
	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(cmdCtx, payload.Command, payload.Args...)
	if payload.WorkingDir != "" {
		cmd.Dir = payload.WorkingDir
	}
	if len(payload.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range payload.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var output bytes.Buffer
	lines := &lineLogger{run: run}
	cmd.Stdout = io.MultiWriter(&output, lines)
	cmd.Stderr = cmd.Stdout

	h.logger.Info("Executing shell command",
		zap.String("task_id", run.Request.TaskID),
		zap.String("command", payload.Command),
		zap.Strings("args", payload.Args))

	err := cmd.Run()
	lines.flush()

	result := ShellCommandResult{Output: output.String()}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, errors.New("command execution timed out")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("command exited with status %d: %s", result.ExitCode, lastLine(result.Output))
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}

	return json.Marshal(result)
}

func lastLine(output string) string {
	output = strings.TrimSpace(output)
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		return output[i+1:]
	}
	return output
}

// lineLogger copies complete output lines into the task log
type lineLogger struct {
	run     *executor.Execution
	partial []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.partial = append(l.partial, p...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}
		l.run.Logf("%s", l.partial[:i])
		l.partial = l.partial[i+1:]
	}
	return len(p), nil
}

func (l *lineLogger) flush() {
	if len(l.partial) > 0 {
		l.run.Logf("%s", l.partial)
		l.partial = nil
	}
}
