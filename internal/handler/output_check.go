package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// TypeVerify is the task type served by OutputCheckHandler. Agents serving
// it take part in consensus verification.
const TypeVerify = "verify"

// Criteria understood by OutputCheckHandler
const (
	CriterionNonEmpty       = "non_empty"
	CriterionRequiredFields = "required_fields"
	CriterionMaxBytes       = "max_bytes"
	CriterionContains       = "contains"
	CriterionExitCode       = "exit_code"
)

// OutputCheckHandler votes on another task's output by checking it against
// simple structural criteria
type OutputCheckHandler struct {
	logger *zap.Logger
}

// NewOutputCheckHandler creates a verification handler
func NewOutputCheckHandler(logger *zap.Logger) *OutputCheckHandler {
	return &OutputCheckHandler{logger: logger.Named("output-check")}
}

// Execute returns a model.Verdict. A rejected output is a successful run
// with Approved false.
func (h *OutputCheckHandler) Execute(_ context.Context, run *executor.Execution) (json.RawMessage, error) {
	var task model.VerificationTask
	if err := json.Unmarshal(run.Request.Payload, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	verdict := model.Verdict{Approved: true}
	if reason := checkOutput(task.Output, task.Criteria); reason != "" {
		verdict = model.Verdict{Approved: false, Reason: reason}
	}
	run.Logf("verdict for %s: approved=%t %s", task.TaskID, verdict.Approved, verdict.Reason)

	return json.Marshal(verdict)
}

// checkOutput returns why output fails criteria, or "" when it passes
func checkOutput(output json.RawMessage, criteria map[string]string) string {
	trimmed := bytes.TrimSpace(output)
	empty := len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))

	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return "output is not valid JSON"
	}

	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, name := range keys {
		want := criteria[name]
		switch name {
		case CriterionNonEmpty:
			if want == "true" && empty {
				return "output is empty"
			}
		case CriterionMaxBytes:
			limit, err := strconv.Atoi(want)
			if err != nil {
				return fmt.Sprintf("bad max_bytes criterion %q", want)
			}
			if len(trimmed) > limit {
				return fmt.Sprintf("output is %d bytes, limit %d", len(trimmed), limit)
			}
		case CriterionContains:
			if !bytes.Contains(trimmed, []byte(want)) {
				return fmt.Sprintf("output does not contain %q", want)
			}
		case CriterionRequiredFields:
			fields, ok := objectFields(trimmed)
			if !ok {
				return "output is not a JSON object"
			}
			for _, f := range strings.Split(want, ",") {
				f = strings.TrimSpace(f)
				if _, present := fields[f]; f != "" && !present {
					return fmt.Sprintf("output is missing field %q", f)
				}
			}
		case CriterionExitCode:
			fields, ok := objectFields(trimmed)
			if !ok {
				return "output is not a JSON object"
			}
			if got := strings.TrimSpace(string(fields["exit_code"])); got != want {
				return fmt.Sprintf("exit code %s, want %s", got, want)
			}
		}
	}
	return ""
}

func objectFields(data []byte) (map[string]json.RawMessage, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}
