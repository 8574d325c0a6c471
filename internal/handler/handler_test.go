package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

func newRun(t *testing.T, payload interface{}, log *executor.TaskLog) *executor.Execution {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return executor.NewExecution(&model.ExecuteRequest{
		TaskID:  "t1",
		Attempt: 1,
		TraceID: "trace-1",
		Payload: data,
	}, log)
}

func TestShellCommandHandler(t *testing.T) {
	ctx := context.Background()

	t.Run("output is captured and logged", func(t *testing.T) {
		log, err := executor.NewTaskLog(executor.LogConfig{Dir: t.TempDir()}, zap.NewNop())
		require.NoError(t, err)

		h := NewShellCommandHandler(nil, zap.NewNop())
		out, err := h.Execute(ctx, newRun(t, ShellCommandPayload{
			Command: "sh",
			Args:    []string{"-c", "echo one; echo two"},
		}, log))
		require.NoError(t, err)

		var result ShellCommandResult
		require.NoError(t, json.Unmarshal(out, &result))
		assert.Equal(t, 0, result.ExitCode)
		assert.Equal(t, "one\ntwo\n", result.Output)

		entries, err := log.GetLogs("t1", time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, "one", entries[0].Message)
		assert.Equal(t, "two", entries[1].Message)
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		h := NewShellCommandHandler(nil, zap.NewNop())
		_, err := h.Execute(ctx, newRun(t, ShellCommandPayload{
			Command: "sh",
			Args:    []string{"-c", "echo nope; exit 3"},
		}, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 3: nope")
	})

	t.Run("env is passed", func(t *testing.T) {
		h := NewShellCommandHandler(nil, zap.NewNop())
		out, err := h.Execute(ctx, newRun(t, ShellCommandPayload{
			Command: "sh",
			Args:    []string{"-c", "printf %s \"$GREETING\""},
			Env:     map[string]string{"GREETING": "hello"},
		}, nil))
		require.NoError(t, err)
		var result ShellCommandResult
		require.NoError(t, json.Unmarshal(out, &result))
		assert.Equal(t, "hello", result.Output)
	})

	t.Run("timeout", func(t *testing.T) {
		h := NewShellCommandHandler(nil, zap.NewNop())
		_, err := h.Execute(ctx, newRun(t, ShellCommandPayload{
			Command: "sleep",
			Args:    []string{"5"},
			Timeout: 50 * time.Millisecond,
		}, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("allow list", func(t *testing.T) {
		h := NewShellCommandHandler([]string{"echo"}, zap.NewNop())
		_, err := h.Execute(ctx, newRun(t, ShellCommandPayload{Command: "rm", Args: []string{"-rf", "/"}}, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not allowed")
	})

	t.Run("bad payload", func(t *testing.T) {
		h := NewShellCommandHandler(nil, zap.NewNop())
		_, err := h.Execute(ctx, newRun(t, "just a string", nil))
		assert.Error(t, err)
	})
}

func TestHTTPRequestHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("X-Seen-Trace", r.Header.Get("X-Trace-Id"))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	h := NewHTTPRequestHandler(srv.Client(), zap.NewNop())
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		out, err := h.Execute(ctx, newRun(t, HTTPRequestPayload{
			URL:    srv.URL + "/echo",
			Method: http.MethodPost,
			Body:   `{"x":1}`,
		}, nil))
		require.NoError(t, err)

		var result HTTPRequestResult
		require.NoError(t, json.Unmarshal(out, &result))
		assert.Equal(t, http.StatusCreated, result.StatusCode)
		assert.Equal(t, `{"x":1}`, result.Body)
		assert.Equal(t, "trace-1", result.Headers["X-Seen-Trace"])
	})

	t.Run("error status fails", func(t *testing.T) {
		_, err := h.Execute(ctx, newRun(t, HTTPRequestPayload{URL: srv.URL + "/down"}, nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("url required", func(t *testing.T) {
		_, err := h.Execute(ctx, newRun(t, HTTPRequestPayload{}, nil))
		assert.Error(t, err)
	})
}

func TestFileOperationHandler(t *testing.T) {
	dir := t.TempDir()
	h := NewFileOperationHandler(dir, zap.NewNop())
	ctx := context.Background()

	run := func(p FileOperationPayload) (FileOperationResult, error) {
		out, err := h.Execute(ctx, newRun(t, p, nil))
		if err != nil {
			return FileOperationResult{}, err
		}
		var result FileOperationResult
		require.NoError(t, json.Unmarshal(out, &result))
		return result, nil
	}

	_, err := run(FileOperationPayload{Operation: FileOperationWrite, SourcePath: "a/b.txt", Content: []byte("hello")})
	require.NoError(t, err)

	result, err := run(FileOperationPayload{Operation: FileOperationCopy, SourcePath: "a/b.txt", TargetPath: "c.txt"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.Size)

	_, err = run(FileOperationPayload{Operation: FileOperationMove, SourcePath: "c.txt", TargetPath: "d/e.txt"})
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "c.txt"))
	assert.True(t, os.IsNotExist(err))

	result, err = run(FileOperationPayload{Operation: FileOperationRead, SourcePath: "d/e.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(result.Content))

	_, err = run(FileOperationPayload{Operation: FileOperationDelete, SourcePath: "d/e.txt"})
	require.NoError(t, err)

	_, err = run(FileOperationPayload{Operation: FileOperationRead, SourcePath: "../outside"})
	assert.ErrorContains(t, err, "within base directory")

	_, err = run(FileOperationPayload{Operation: FileOperationMove, SourcePath: "a/b.txt"})
	assert.ErrorContains(t, err, "target path is required")

	_, err = run(FileOperationPayload{Operation: "archive", SourcePath: "a/b.txt"})
	assert.ErrorContains(t, err, "unsupported operation")
}

func TestOutputCheckHandler(t *testing.T) {
	h := NewOutputCheckHandler(zap.NewNop())
	ctx := context.Background()

	verdict := func(output string, criteria map[string]string) model.Verdict {
		t.Helper()
		out, err := h.Execute(ctx, newRun(t, model.VerificationTask{
			TaskID:   "t0",
			TaskType: TypeShellCommand,
			Output:   json.RawMessage(output),
			Criteria: criteria,
		}, nil))
		require.NoError(t, err)
		var v model.Verdict
		require.NoError(t, json.Unmarshal(out, &v))
		return v
	}

	tests := []struct {
		name     string
		output   string
		criteria map[string]string
		approved bool
		reason   string
	}{
		{"no criteria approves", `{"exit_code":0}`, nil, true, ""},
		{"empty output rejected", `null`, map[string]string{CriterionNonEmpty: "true"}, false, "empty"},
		{"required fields present", `{"exit_code":0,"output":"ok"}`, map[string]string{CriterionRequiredFields: "exit_code, output"}, true, ""},
		{"required field missing", `{"exit_code":0}`, map[string]string{CriterionRequiredFields: "output"}, false, `missing field "output"`},
		{"exit code matches", `{"exit_code":0}`, map[string]string{CriterionExitCode: "0"}, true, ""},
		{"exit code differs", `{"exit_code":2}`, map[string]string{CriterionExitCode: "0"}, false, "exit code 2"},
		{"too large", `"abcdefghij"`, map[string]string{CriterionMaxBytes: "4"}, false, "limit 4"},
		{"contains", `{"output":"PASS"}`, map[string]string{CriterionContains: "PASS"}, true, ""},
		{"not an object", `[1,2]`, map[string]string{CriterionRequiredFields: "a"}, false, "not a JSON object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := verdict(tt.output, tt.criteria)
			assert.Equal(t, tt.approved, v.Approved)
			if tt.reason != "" {
				assert.Contains(t, v.Reason, tt.reason)
			}
		})
	}

	t.Run("bad payload is an error", func(t *testing.T) {
		run := executor.NewExecution(&model.ExecuteRequest{TaskID: "t1", Payload: json.RawMessage(`"nope"`)}, nil)
		_, err := h.Execute(ctx, run)
		assert.Error(t, err)
	})
}
