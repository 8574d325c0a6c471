package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/executor"
)

// Config selects and configures the built-in handlers
type Config struct {
	ShellAllowed []string      `mapstructure:"shell_allowed"`
	FileBaseDir  string        `mapstructure:"file_base_dir"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`
	Verify       bool          `mapstructure:"verify"`
}

// Register installs the built-in handlers on an agent and returns the task
// types it now serves. The file handler is only installed with a base dir
// and the output check only when Verify is set.
func Register(agent *executor.Agent, cfg Config, logger *zap.Logger) []string {
	agent.RegisterHandler(TypeShellCommand, NewShellCommandHandler(cfg.ShellAllowed, logger))

	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	agent.RegisterHandler(TypeHTTPRequest, NewHTTPRequestHandler(&http.Client{Timeout: timeout}, logger))

	types := []string{TypeShellCommand, TypeHTTPRequest}
	if cfg.FileBaseDir != "" {
		agent.RegisterHandler(TypeFileOperation, NewFileOperationHandler(cfg.FileBaseDir, logger))
		types = append(types, TypeFileOperation)
	}
	if cfg.Verify {
		agent.RegisterHandler(TypeVerify, NewOutputCheckHandler(logger))
		types = append(types, TypeVerify)
	}
	return types
}
