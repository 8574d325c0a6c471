package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/flow"
	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// Registry API subjects
const (
	SubjectRegister   = "registry.register"
	SubjectDeregister = "registry.deregister"
	SubjectStatus     = "registry.status"
	SubjectHeartbeat  = "registry.heartbeat"
	SubjectDiscover   = "registry.discover"

	queueGroup = "registry"
)

// Error codes carried in responses
const (
	codeUnauthorized = "unauthorized"
	codeRejected     = "rejected"
	codeNotFound     = "not_found"
	codeInvalid      = "invalid"
	codeInternal     = "internal"
)

type request struct {
	AgentID      string            `json:"agent_id,omitempty"`
	Agent        *model.Agent      `json:"agent,omitempty"`
	Stats        *model.AgentStats `json:"stats,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Strategy     string            `json:"strategy,omitempty"`
	Max          int               `json:"max,omitempty"`
}

type response struct {
	Token  string         `json:"token,omitempty"`
	Agent  *model.Agent   `json:"agent,omitempty"`
	Agents []*model.Agent `json:"agents,omitempty"`
	Code   string         `json:"code,omitempty"`
	Reason string         `json:"reason,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Server exposes the registry over NATS request/reply. Every request must
// carry a bearer token and passes through the admission gate. Admitted
// requests identical in caller, subject and body are coalesced.
type Server struct {
	logger    *zap.Logger
	nc        *nats.Conn
	registry  *Registry
	gate      *flow.Gate
	coalescer *flow.Coalescer[*response]
	selectors sync.Map
	subs      []*nats.Subscription
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithCoalescing merges identical requests. Discovery results are also
// served from the window; writes only join a request already in flight.
func WithCoalescing(cfg flow.CoalesceConfig) ServerOption {
	return func(s *Server) { s.coalescer = flow.CoalescerFor[*response](cfg) }
}

// NewServer creates a registry server
func NewServer(nc *nats.Conn, registry *Registry, gate *flow.Gate, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		logger:   logger.Named("registry-server"),
		nc:       nc,
		registry: registry,
		gate:     gate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the registry subjects
func (s *Server) Start(ctx context.Context) error {
	handlers := map[string]func(context.Context, *auth.Claims, *request) (*response, error){
		SubjectRegister:   s.handleRegister,
		SubjectDeregister: s.handleDeregister,
		SubjectStatus:     s.handleStatus,
		SubjectHeartbeat:  s.handleHeartbeat,
		SubjectDiscover:   s.handleDiscover,
	}

	for subject, handler := range handlers {
		handler := handler
		sub, err := s.nc.QueueSubscribe(subject, queueGroup, func(msg *nats.Msg) {
			go s.serve(ctx, msg, handler)
		})
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	if err := s.nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	s.logger.Info("Registry server started")
	return nil
}

// Stop drops all subscriptions
func (s *Server) Stop() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	s.subs = nil
}

func (s *Server) serve(ctx context.Context, msg *nats.Msg, handler func(context.Context, *auth.Claims, *request) (*response, error)) {
	var req request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, &response{Code: codeInvalid, Error: fmt.Sprintf("failed to decode request: %v", err)})
		return
	}

	caller := req.AgentID
	if caller == "" && req.Agent != nil {
		caller = req.Agent.ID
	}

	var token string
	if msg.Header != nil {
		token = auth.BearerToken(msg.Header.Get(auth.HeaderAuthorization))
	}

	ticket, err := s.gate.Admit(flow.Admission{Caller: caller, Token: token})
	if err != nil {
		s.reply(msg, errorResponse(err))
		return
	}

	started := time.Now()
	resp, err := s.handle(ctx, msg, caller, ticket.Claims, &req, handler)
	ticket.Done(err == nil, time.Since(started))
	if err != nil {
		s.reply(msg, errorResponse(err))
		return
	}
	s.reply(msg, resp)
}

// handle runs handler, sharing the work with identical admitted requests
func (s *Server) handle(ctx context.Context, msg *nats.Msg, caller string, claims *auth.Claims, req *request,
	handler func(context.Context, *auth.Claims, *request) (*response, error)) (*response, error) {
	if s.coalescer == nil {
		return handler(ctx, claims, req)
	}
	if claims != nil {
		caller = claims.Identity()
	}
	key := flow.CoalesceKey(caller, msg.Subject, msg.Data)
	fn := func() (*response, error) { return handler(ctx, claims, req) }
	var (
		resp *response
		err  error
	)
	if msg.Subject == SubjectDiscover {
		resp, _, err = s.coalescer.Do(key, fn)
	} else {
		resp, _, err = s.coalescer.DoInFlight(key, fn)
	}
	return resp, err
}

func (s *Server) reply(msg *nats.Msg, resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Error("Failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func errorResponse(err error) *response {
	resp := &response{Error: err.Error()}
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		resp.Code = codeUnauthorized
	case errors.Is(err, flow.ErrRejected):
		resp.Code = codeRejected
		resp.Reason = flow.RejectionReason(err)
		if resp.Reason == flow.ReasonUnauthorized {
			resp.Code = codeUnauthorized
		}
	case errors.Is(err, ErrAgentNotFound):
		resp.Code = codeNotFound
	case errors.Is(err, ErrInvalidAgent), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrUnknownStrategy):
		resp.Code = codeInvalid
	default:
		resp.Code = codeInternal
	}
	return resp
}

// checkIdentity ensures an agent only acts on its own record
func checkIdentity(claims *auth.Claims, agentID string) error {
	if claims != nil && claims.Identity() != agentID {
		return fmt.Errorf("%w: token issued to %s, not %s", auth.ErrUnauthorized, claims.Identity(), agentID)
	}
	return nil
}

func (s *Server) handleRegister(ctx context.Context, claims *auth.Claims, req *request) (*response, error) {
	if req.Agent == nil {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidAgent)
	}
	if err := checkIdentity(claims, req.Agent.ID); err != nil {
		return nil, err
	}
	token, err := s.registry.Register(ctx, req.Agent)
	if err != nil {
		return nil, err
	}
	return &response{Token: token, Agent: req.Agent}, nil
}

func (s *Server) handleDeregister(ctx context.Context, claims *auth.Claims, req *request) (*response, error) {
	if err := checkIdentity(claims, req.AgentID); err != nil {
		return nil, err
	}
	if err := s.registry.Deregister(ctx, req.AgentID); err != nil {
		return nil, err
	}
	return &response{}, nil
}

func (s *Server) handleStatus(ctx context.Context, claims *auth.Claims, req *request) (*response, error) {
	if err := checkIdentity(claims, req.AgentID); err != nil {
		return nil, err
	}
	if req.Stats == nil {
		return nil, fmt.Errorf("%w: stats are required", ErrInvalidAgent)
	}
	agent, err := s.registry.UpdateStatus(ctx, req.AgentID, *req.Stats)
	if err != nil {
		return nil, err
	}
	return &response{Agent: agent}, nil
}

func (s *Server) handleHeartbeat(ctx context.Context, claims *auth.Claims, req *request) (*response, error) {
	if err := checkIdentity(claims, req.AgentID); err != nil {
		return nil, err
	}
	agent, err := s.registry.Heartbeat(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return &response{Agent: agent}, nil
}

func (s *Server) handleDiscover(ctx context.Context, _ *auth.Claims, req *request) (*response, error) {
	selector, err := s.selector(req.Strategy)
	if err != nil {
		return nil, err
	}
	agents, err := s.registry.Discover(ctx, req.Capabilities, selector, req.Max)
	if err != nil {
		return nil, err
	}
	return &response{Agents: agents}, nil
}

func (s *Server) selector(name string) (Selector, error) {
	if sel, ok := s.selectors.Load(name); ok {
		return sel.(Selector), nil
	}
	sel, err := NewSelector(name)
	if err != nil {
		return nil, err
	}
	actual, _ := s.selectors.LoadOrStore(name, sel)
	return actual.(Selector), nil
}

// Client calls a registry Server. It starts with a bootstrap token and
// switches to the session token returned by Register.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration

	mu    sync.RWMutex
	token string
}

// NewClient creates a registry client
func NewClient(nc *nats.Conn, bootstrapToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{nc: nc, token: bootstrapToken, timeout: timeout}
}

// Token returns the token the client currently presents
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) call(ctx context.Context, subject string, req *request) (*response, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(auth.HeaderAuthorization, auth.Bearer(c.Token()))

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

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
		return nil, fmt.Errorf("%w: %s", auth.ErrUnauthorized, resp.Error)
	case codeRejected:
		return nil, &flow.RejectedError{Reason: resp.Reason, Key: subject}
	case codeNotFound:
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, resp.Error)
	case codeInvalid:
		return nil, fmt.Errorf("%w: %s", ErrInvalidAgent, resp.Error)
	default:
		return nil, errors.New(resp.Error)
	}
}

// Register registers the agent and adopts the returned session token
func (c *Client) Register(ctx context.Context, agent *model.Agent) (string, error) {
	resp, err := c.call(ctx, SubjectRegister, &request{Agent: agent})
	if err != nil {
		return "", err
	}
	if resp.Token != "" {
		c.mu.Lock()
		c.token = resp.Token
		c.mu.Unlock()
	}
	return resp.Token, nil
}

// Deregister removes the agent
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	_, err := c.call(ctx, SubjectDeregister, &request{AgentID: agentID})
	return err
}

// UpdateStatus reports load figures
func (c *Client) UpdateStatus(ctx context.Context, agentID string, stats model.AgentStats) (*model.Agent, error) {
	resp, err := c.call(ctx, SubjectStatus, &request{AgentID: agentID, Stats: &stats})
	if err != nil {
		return nil, err
	}
	return resp.Agent, nil
}

// Heartbeat refreshes liveness
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	_, err := c.call(ctx, SubjectHeartbeat, &request{AgentID: agentID})
	return err
}

// Discover asks for up to max agents holding the capabilities
func (c *Client) Discover(ctx context.Context, capabilities []string, strategy string, max int) ([]*model.Agent, error) {
	resp, err := c.call(ctx, SubjectDiscover, &request{Capabilities: capabilities, Strategy: strategy, Max: max})
	if err != nil {
		return nil, err
	}
	return resp.Agents, nil
}
