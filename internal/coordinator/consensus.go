package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

const (
	// VerifyCapability marks agents that take part in verification
	VerifyCapability = "verify"

	// DefaultConsensusRatio requires a strict majority of approvals
	DefaultConsensusRatio = 0.5 + 1e-9
)

// AgentDirectory finds verifier agents
type AgentDirectory interface {
	Get(ctx context.Context, id string) (*model.Agent, error)
	Candidates(ctx context.Context, capabilities []string) ([]*model.Agent, error)
}

// AgentCaller runs a request on an agent
type AgentCaller interface {
	Execute(ctx context.Context, agent *model.Agent, req *model.ExecuteRequest) (*model.TaskResult, error)
}

// VoteStore persists verdicts
type VoteStore interface {
	RecordVote(ctx context.Context, vote model.Vote) error
	Votes(ctx context.Context, taskID string) ([]model.Vote, error)
}

// ConsensusConfig tunes verification
type ConsensusConfig struct {
	// Verifiers is how many agents vote when none are named
	Verifiers int `mapstructure:"verifiers"`
	// Ratio is the approval share a task needs
	Ratio   float64       `mapstructure:"ratio"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Consensus asks several verifier agents to judge a task's output. A
// verifier that errors or times out counts as a rejection.
type Consensus struct {
	logger *zap.Logger
	agents AgentDirectory
	caller AgentCaller
	votes  VoteStore
	cfg    ConsensusConfig
	now    func() time.Time
}

// NewConsensus creates a consensus verifier
func NewConsensus(agents AgentDirectory, caller AgentCaller, votes VoteStore, cfg ConsensusConfig, logger *zap.Logger) *Consensus {
	if cfg.Verifiers <= 0 {
		cfg.Verifiers = 3
	}
	if cfg.Ratio <= 0 {
		cfg.Ratio = DefaultConsensusRatio
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Consensus{
		logger: logger.Named("consensus"),
		agents: agents,
		caller: caller,
		votes:  votes,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Verify judges task.Result with the configured number of verifiers. The
// agent that produced the output never votes on it.
func (c *Consensus) Verify(ctx context.Context, task *model.Task) (*model.VerificationResult, error) {
	verifiers, err := c.pick(ctx, task.AssignedAgent)
	if err != nil {
		return nil, err
	}
	return c.run(ctx, task, task.Result, verifiers, c.cfg.Ratio, nil)
}

// Run judges output with named verifiers. A zero ratio uses the default.
func (c *Consensus) Run(ctx context.Context, task *model.Task, output json.RawMessage, verifierIDs []string, ratio float64, criteria map[string]string) (*model.VerificationResult, error) {
	if ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("%w: ratio %.2f outside [0,1]", ErrInvalidVerification, ratio)
	}
	if ratio == 0 {
		ratio = c.cfg.Ratio
	}

	var verifiers []*model.Agent
	if len(verifierIDs) == 0 {
		picked, err := c.pick(ctx, task.AssignedAgent)
		if err != nil {
			return nil, err
		}
		verifiers = picked
	}
	for _, id := range verifierIDs {
		agent, err := c.agents.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load verifier %s: %w", id, err)
		}
		verifiers = append(verifiers, agent)
	}
	return c.run(ctx, task, output, verifiers, ratio, criteria)
}

// pick chooses the healthiest verifiers other than exclude
func (c *Consensus) pick(ctx context.Context, exclude string) ([]*model.Agent, error) {
	candidates, err := c.agents.Candidates(ctx, []string{VerifyCapability})
	if err != nil {
		return nil, fmt.Errorf("failed to find verifiers: %w", err)
	}
	var eligible []*model.Agent
	for _, a := range candidates {
		if a.ID != exclude {
			eligible = append(eligible, a)
		}
	}
	if len(eligible) == 0 {
		return nil, ErrNoVerifiers
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].HealthScore != eligible[j].HealthScore {
			return eligible[i].HealthScore > eligible[j].HealthScore
		}
		return eligible[i].ID < eligible[j].ID
	})
	if len(eligible) > c.cfg.Verifiers {
		eligible = eligible[:c.cfg.Verifiers]
	}
	return eligible, nil
}

func (c *Consensus) run(ctx context.Context, task *model.Task, output json.RawMessage, verifiers []*model.Agent, ratio float64, criteria map[string]string) (*model.VerificationResult, error) {
	if len(verifiers) == 0 {
		return nil, ErrNoVerifiers
	}
	payload, err := json.Marshal(model.VerificationTask{
		TaskID:   task.ID,
		TaskType: task.Type,
		Payload:  task.Payload,
		Output:   output,
		Criteria: criteria,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal verification payload: %w", err)
	}

	votes := make([]model.Vote, len(verifiers))
	g, gctx := errgroup.WithContext(ctx)
	for i, agent := range verifiers {
		i, agent := i, agent
		g.Go(func() error {
			votes[i] = c.ask(gctx, task, agent, payload)
			return nil
		})
	}
	g.Wait()

	result := &model.VerificationResult{
		TaskID:   task.ID,
		Total:    len(votes),
		Required: ratio,
		Votes:    votes,
	}
	for _, v := range votes {
		if v.Approved {
			result.Approvals++
		}
		if err := c.votes.RecordVote(ctx, v); err != nil {
			c.logger.Warn("Failed to record vote",
				zap.String("task_id", task.ID),
				zap.String("agent_id", v.AgentID),
				zap.Error(err))
		}
	}
	result.Ratio = float64(result.Approvals) / float64(result.Total)
	result.Passed = result.Ratio >= ratio

	c.logger.Info("Verification finished",
		zap.String("task_id", task.ID),
		zap.Int("approvals", result.Approvals),
		zap.Int("total", result.Total),
		zap.Bool("passed", result.Passed),
		zap.String("trace_id", task.TraceID))
	return result, nil
}

// ask collects one verdict. Every failure becomes a rejection.
func (c *Consensus) ask(ctx context.Context, task *model.Task, agent *model.Agent, payload []byte) model.Vote {
	vote := model.Vote{TaskID: task.ID, AgentID: agent.ID, CreatedAt: c.now()}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	result, err := c.caller.Execute(callCtx, agent, &model.ExecuteRequest{
		TaskID:   task.ID + ".verify." + agent.ID,
		Type:     VerifyCapability,
		Payload:  payload,
		Attempt:  1,
		TraceID:  task.TraceID,
		Deadline: c.now().Add(c.cfg.Timeout),
	})
	switch {
	case err != nil:
		vote.Reason = fmt.Sprintf("verifier error: %v", err)
		return vote
	case result.Error != "":
		vote.Reason = fmt.Sprintf("verifier error: %s", result.Error)
		return vote
	}

	var verdict model.Verdict
	if err := json.Unmarshal(result.Result, &verdict); err != nil {
		vote.Reason = fmt.Sprintf("unreadable verdict: %v", err)
		return vote
	}
	vote.Approved = verdict.Approved
	vote.Reason = verdict.Reason
	return vote
}
