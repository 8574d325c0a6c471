package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
)

// TypeHTTPRequest is the task type served by HTTPRequestHandler
const TypeHTTPRequest = "http_request"

// maxResponseBody caps how much of a response body ends up in the result
const maxResponseBody = 1 << 20

// HTTPRequestPayload represents the payload for HTTP request tasks
type HTTPRequestPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	Timeout time.Duration     `json:"timeout"`
}

// HTTPRequestResult is the task result of an HTTP request
type HTTPRequestResult struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body"`
}

// HTTPRequestHandler handles HTTP request tasks
type HTTPRequestHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewHTTPRequestHandler creates a new HTTP request handler. A nil client
// uses one with a 30s timeout.
func NewHTTPRequestHandler(client *http.Client, logger *zap.Logger) *HTTPRequestHandler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRequestHandler{
		logger:     logger.Named("http"),
		httpClient: client,
	}
}

// Execute performs the HTTP request. Statuses of 400 and above fail the attempt.
func (h *HTTPRequestHandler) Execute(ctx context.Context, run *executor.Execution) (json.RawMessage, error) {
	var payload HTTPRequestPayload
	if err := json.Unmarshal(run.Request.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if payload.URL == "" {
		return nil, errors.New("url is required")
	}
	if payload.Method == "" {
		payload.Method = http.MethodGet
	}

	if payload.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, payload.Timeout)
		defer cancel()
	}

	var body io.Reader
	if payload.Body != "" {
		body = strings.NewReader(payload.Body)
	}
	req, err := http.NewRequestWithContext(ctx, payload.Method, payload.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range payload.Headers {
		req.Header.Add(key, value)
	}
	if run.Request.TraceID != "" {
		req.Header.Set("X-Trace-Id", run.Request.TraceID)
	}

	h.logger.Info("Executing HTTP request",
		zap.String("task_id", run.Request.TaskID),
		zap.String("method", payload.Method),
		zap.String("url", payload.URL))
	run.Logf("%s %s", payload.Method, payload.URL)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	run.Logf("HTTP %d, %d bytes", resp.StatusCode, len(data))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP request failed with status: %d", resp.StatusCode)
	}

	result := HTTPRequestResult{
		StatusCode: resp.StatusCode,
		Body:       string(data),
		Headers:    make(map[string]string, len(resp.Header)),
	}
	for key := range resp.Header {
		result.Headers[key] = resp.Header.Get(key)
	}
	return json.Marshal(result)
}
