package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/config"
	"github.com/t77yq/fleet-orchestrator/internal/coordinator"
	"github.com/t77yq/fleet-orchestrator/internal/executor"
	"github.com/t77yq/fleet-orchestrator/internal/handler"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
)

func newAgentCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run an agent that executes tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context(), opts.cfg, opts.logger)
		},
	}
}

func hasCapability(capabilities []string, capability string) bool {
	for _, c := range capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// agentSettings fills in the identity of an agent started without one
func agentSettings(cfg config.AgentConfig) executor.AgentConfig {
	agentCfg := cfg.AgentConfig
	if agentCfg.ID == "" {
		agentCfg.ID = uuid.New().String()
	}
	if agentCfg.Endpoint == "" {
		agentCfg.Endpoint = "agent." + agentCfg.ID
	}
	agentCfg.Capabilities = append([]string(nil), agentCfg.Capabilities...)
	if cfg.Handlers.Verify && !hasCapability(agentCfg.Capabilities, coordinator.VerifyCapability) {
		agentCfg.Capabilities = append(agentCfg.Capabilities, coordinator.VerifyCapability)
	}
	return agentCfg
}

// bootstrapToken returns the configured registration token, or issues one
// when the agent shares the orchestrator's secret
func bootstrapToken(cfg *config.Config, agentCfg executor.AgentConfig) (string, error) {
	if cfg.Auth.BootstrapToken != "" {
		return cfg.Auth.BootstrapToken, nil
	}
	if cfg.Auth.Secret == "" {
		return "", nil
	}
	issuer, err := auth.NewIssuer(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return "", err
	}
	return issuer.Issue(agentCfg.ID, agentCfg.Capabilities, auth.AudienceOrchestrator, cfg.Registry.TokenTTL)
}

func runAgent(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	agentCfg := agentSettings(cfg.Agent)

	token, err := bootstrapToken(cfg, agentCfg)
	if err != nil {
		return fmt.Errorf("failed to issue bootstrap token: %w", err)
	}

	nc, err := connectNATS(ctx, cfg.NATS, cfg.NATS.URL, logger)
	if err != nil {
		return err
	}
	defer nc.Drain()

	taskLog, err := executor.NewTaskLog(cfg.Agent.Logs, logger)
	if err != nil {
		return err
	}
	resources := executor.NewResourceMonitor(cfg.Agent.Resources, cfg.Agent.ResourceInterval, logger)

	agentOpts := []executor.AgentOption{
		executor.WithRegistry(registry.NewClient(nc, token, cfg.Executor.Timeout)),
		executor.WithResourceMonitor(resources),
		executor.WithTaskLog(taskLog),
	}
	if cfg.Auth.Secret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		agentOpts = append(agentOpts, executor.WithVerifier(verifier))
	} else {
		logger.Warn("No auth secret configured, accepting unauthenticated requests")
	}

	agent, err := executor.NewAgent(nc, agentCfg, logger, agentOpts...)
	if err != nil {
		return err
	}
	types := handler.Register(agent, cfg.Agent.Handlers, logger)

	taskLog.Start(ctx)
	defer taskLog.Stop()
	resources.Start(ctx)
	defer resources.Stop()

	if err := agent.Start(ctx); err != nil {
		return err
	}
	logger.Info("Agent running",
		zap.String("agent_id", agentCfg.ID),
		zap.String("endpoint", agentCfg.Endpoint),
		zap.Strings("capabilities", agentCfg.Capabilities),
		zap.Strings("handlers", types))

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := agent.Stop(shutdownCtx); err != nil {
		logger.Warn("Agent stopped with running tasks", zap.Error(err))
	}
	logger.Info("Agent stopped")
	return nil
}
