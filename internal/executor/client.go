package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// ClientConfig configures the agent RPC client
type ClientConfig struct {
	// Identity is the subject of the tokens presented to agents
	Identity string        `mapstructure:"identity"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// Timeout bounds calls whose context carries no deadline
	Timeout time.Duration `mapstructure:"timeout"`
	// Coalesce merges identical calls to the same agent
	Coalesce flow.CoalesceConfig `mapstructure:"coalesce"`
}

// Client invokes agents over NATS request/reply. Every call carries a
// short-lived token for the agent audience. Identical concurrent calls to
// one agent share a single request when coalescing is enabled; the first
// caller's context governs the shared request.
type Client struct {
	nc        *nats.Conn
	issuer    *auth.Issuer
	cfg       ClientConfig
	coalescer *flow.Coalescer[*response]
}

// NewClient creates an agent client. A nil issuer sends no token.
func NewClient(nc *nats.Conn, issuer *auth.Issuer, cfg ClientConfig) *Client {
	if cfg.Identity == "" {
		cfg.Identity = "orchestrator"
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		nc:        nc,
		issuer:    issuer,
		cfg:       cfg,
		coalescer: flow.CoalescerFor[*response](cfg.Coalesce),
	}
}

// coalescedCall runs call through the coalescer. Reads may be answered from
// the window; calls with side effects only join one already in flight. key
// is what makes two calls identical.
func (c *Client) coalescedCall(ctx context.Context, agent *model.Agent, suffix string, req *request, key interface{}, sideEffects bool) (*response, error) {
	if c.coalescer == nil {
		return c.call(ctx, agent, suffix, req)
	}
	payload, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal coalesce key: %w", err)
	}
	k := flow.CoalesceKey(c.cfg.Identity, agent.ID+suffix, payload)
	fn := func() (*response, error) { return c.call(ctx, agent, suffix, req) }

	var resp *response
	if sideEffects {
		resp, _, err = c.coalescer.DoInFlight(k, fn)
	} else {
		resp, _, err = c.coalescer.Do(k, fn)
	}
	return resp, err
}

func (c *Client) call(ctx context.Context, agent *model.Agent, suffix string, req *request) (*response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	subject := agent.Endpoint + suffix
	msg := nats.NewMsg(subject)
	msg.Data = data
	if c.issuer != nil {
		token, err := c.issuer.Issue(c.cfg.Identity, nil, auth.AudienceAgent, c.cfg.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to issue agent token: %w", err)
		}
		msg.Header.Set(auth.HeaderAuthorization, auth.Bearer(token))
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	reply, err := c.nc.RequestMsgWithContext(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", subject, err)
	}

	var resp response
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	switch resp.Code {
	case "":
		return &resp, nil
	case codeUnauthorized:
		return nil, &flow.RejectedError{
			Reason: flow.ReasonUnauthorized,
			Key:    agent.ID,
			Err:    fmt.Errorf("%w: %s", auth.ErrUnauthorized, resp.Error),
		}
	default:
		return nil, &RemoteError{Code: resp.Code, Message: resp.Error}
	}
}

// Execute runs a task on the agent and waits for its result
func (c *Client) Execute(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error) {
	attempt := struct {
		TaskID  string `json:"task_id"`
		Attempt int    `json:"attempt"`
	}{req.TaskID, req.Attempt}
	resp, err := c.coalescedCall(ctx, agent, suffixExecute, &request{Execute: req}, attempt, true)
	if err != nil {
		return nil, err
	}
	if resp.Result == nil {
		return nil, errors.New("agent returned no result")
	}
	result := *resp.Result
	if result.AgentID == "" {
		result.AgentID = agent.ID
	}
	return &result, nil
}

// GetCheckpoint fetches the latest checkpoint the agent holds for a task
func (c *Client) GetCheckpoint(ctx context.Context, agent *model.Agent, taskID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := &request{TaskID: taskID}
	resp, err := c.coalescedCall(ctx, agent, suffixCheckpoint, req, req, false)
	if err != nil {
		return nil, err
	}
	return resp.Checkpoint, nil
}

// CheckHealth probes the agent
func (c *Client) CheckHealth(ctx context.Context, agent *model.Agent) (*model.HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.coalescedCall(ctx, agent, suffixHealth, &request{}, nil, false)
	if err != nil {
		return nil, err
	}
	if resp.Health == nil {
		return nil, errors.New("agent returned no health status")
	}
	return resp.Health, nil
}

// GetLogs fetches the execution log an agent kept for a task. Zero times
// leave that end of the range open.
func (c *Client) GetLogs(ctx context.Context, agent *model.Agent, taskID string, since, until time.Time) ([]LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req := &request{TaskID: taskID, Since: since, Until: until}
	resp, err := c.coalescedCall(ctx, agent, suffixLogs, req, req, false)
	if err != nil {
		return nil, err
	}
	return resp.Logs, nil
}
