package autoscaler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
)

const (
	labelAgentID   = "orchestrator.agent.id"
	labelAgentType = "orchestrator.agent.type"
)

// DockerConfig describes the containers the provisioner launches
type DockerConfig struct {
	Image          string            `mapstructure:"image"`
	Command        []string          `mapstructure:"command"`
	Network        string            `mapstructure:"network"`
	NATSURL        string            `mapstructure:"nats_url"`
	Env            []string          `mapstructure:"env"`
	Labels         map[string]string `mapstructure:"labels"`
	MaxConcurrency int               `mapstructure:"max_concurrency"`
	CostPerHour    float64           `mapstructure:"cost_per_hour"`
	TokenTTL       time.Duration     `mapstructure:"token_ttl"`
	StopTimeout    time.Duration     `mapstructure:"stop_timeout"`
}

// DockerProvisioner runs each agent as a container of the orchestrator
// image started with the agent subcommand
type DockerProvisioner struct {
	logger *zap.Logger
	docker *client.Client
	issuer *auth.Issuer
	cfg    DockerConfig
}

// NewDockerProvisioner connects to the docker daemon from the environment.
// issuer mints the bootstrap token each agent registers with; it may be nil
// when the registry runs without auth.
func NewDockerProvisioner(cfg DockerConfig, issuer *auth.Issuer, logger *zap.Logger) (*DockerProvisioner, error) {
	if cfg.Image == "" {
		return nil, fmt.Errorf("%w: docker image is required", ErrInvalidPool)
	}
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"agent"}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerProvisioner{
		logger: logger.Named("docker-provisioner"),
		docker: docker,
		issuer: issuer,
		cfg:    cfg,
	}, nil
}

// Close releases the docker client
func (p *DockerProvisioner) Close() error {
	return p.docker.Close()
}

func (p *DockerProvisioner) env(agentID, agentType string) ([]string, error) {
	env := append([]string(nil), p.cfg.Env...)
	env = append(env,
		"ORCH_AGENT_ID="+agentID,
		"ORCH_AGENT_TYPE="+agentType,
		"ORCH_AGENT_CAPABILITIES="+agentType,
		"ORCH_AGENT_ENDPOINT="+agentID,
	)
	if p.cfg.NATSURL != "" {
		env = append(env, "ORCH_NATS_URL="+p.cfg.NATSURL)
	}
	if p.cfg.MaxConcurrency > 0 {
		env = append(env, "ORCH_AGENT_MAX_CONCURRENCY="+strconv.Itoa(p.cfg.MaxConcurrency))
	}
	if p.cfg.CostPerHour > 0 {
		env = append(env, "ORCH_AGENT_COST_PER_HOUR="+strconv.FormatFloat(p.cfg.CostPerHour, 'f', -1, 64))
	}
	if p.issuer != nil {
		token, err := p.issuer.Issue(agentID, []string{agentType}, auth.AudienceOrchestrator, p.cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to issue bootstrap token: %w", err)
		}
		env = append(env, "ORCH_AUTH_BOOTSTRAP_TOKEN="+token)
	}
	return env, nil
}

// Provision starts count agent containers of agentType and returns the ids
// of the agents it launched
func (p *DockerProvisioner) Provision(ctx context.Context, agentType string, count int) ([]string, error) {
	var ids []string
	for i := 0; i < count; i++ {
		id, err := p.launch(ctx, agentType)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *DockerProvisioner) launch(ctx context.Context, agentType string) (string, error) {
	agentID := fmt.Sprintf("%s-%s", strings.ReplaceAll(agentType, "_", "-"), uuid.New().String()[:8])
	env, err := p.env(agentID, agentType)
	if err != nil {
		return "", err
	}

	labels := map[string]string{
		labelAgentID:   agentID,
		labelAgentType: agentType,
	}
	for k, v := range p.cfg.Labels {
		labels[k] = v
	}

	hostConfig := &container.HostConfig{AutoRemove: true}
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.cfg.Network)
	}

	resp, err := p.docker.ContainerCreate(ctx, &container.Config{
		Image:  p.cfg.Image,
		Cmd:    p.cfg.Command,
		Env:    env,
		Labels: labels,
	}, hostConfig, nil, nil, "orch-agent-"+agentID)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := p.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	p.logger.Info("Launched agent container",
		zap.String("agent_id", agentID),
		zap.String("type", agentType),
		zap.String("container_id", resp.ID))
	return agentID, nil
}

// Terminate stops the containers running agentID. A container that is
// already gone is not an error.
func (p *DockerProvisioner) Terminate(ctx context.Context, agentID string) error {
	containers, err := p.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelAgentID+"="+agentID)),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	timeout := int(p.cfg.StopTimeout.Seconds())
	for _, c := range containers {
		err := p.docker.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		if err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to stop container %s: %w", c.ID, err)
		}
		p.logger.Info("Stopped agent container",
			zap.String("agent_id", agentID),
			zap.String("container_id", c.ID))
	}
	return nil
}
