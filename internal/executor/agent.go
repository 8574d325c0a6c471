package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/auth"
	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/registry"
)

// TaskHandler runs one task type on an agent. A returned error fails the
// attempt; the orchestrator decides whether to retry.
type TaskHandler interface {
	Execute(ctx context.Context, exec *Execution) (json.RawMessage, error)
}

// HandlerFunc adapts a function to TaskHandler
type HandlerFunc func(ctx context.Context, exec *Execution) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, exec *Execution) (json.RawMessage, error) {
	return f(ctx, exec)
}

// Execution is a running attempt as seen by its handler
type Execution struct {
	Request *model.ExecuteRequest

	log    *TaskLog
	cancel context.CancelFunc

	mu         sync.Mutex
	checkpoint []byte
}

// NewExecution builds an execution for running a handler directly. log may
// be nil.
func NewExecution(req *model.ExecuteRequest, log *TaskLog) *Execution {
	return &Execution{Request: req, log: log, cancel: func() {}}
}

// SaveCheckpoint records progress. The orchestrator polls the latest one
// and hands it back if the task has to run again.
func (e *Execution) SaveCheckpoint(data []byte) {
	e.mu.Lock()
	e.checkpoint = append([]byte(nil), data...)
	e.mu.Unlock()
}

// Checkpoint returns the latest checkpoint, falling back to the one the
// attempt was resumed from
func (e *Execution) Checkpoint() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.checkpoint != nil {
		return append([]byte(nil), e.checkpoint...)
	}
	return e.Request.Checkpoint
}

func (e *Execution) saved() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]byte(nil), e.checkpoint...)
}

// Logf appends a line to the task's execution log
func (e *Execution) Logf(format string, args ...interface{}) {
	e.logAt(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *Execution) logAt(level, message string) {
	if e.log == nil {
		return
	}
	e.log.Append(LogEntry{
		Level:   level,
		TaskID:  e.Request.TaskID,
		Attempt: e.Request.Attempt,
		Message: message,
	})
}

// AgentConfig describes the agent and how it reports in
type AgentConfig struct {
	ID                string            `mapstructure:"id"`
	Type              string            `mapstructure:"type"`
	Capabilities      []string          `mapstructure:"capabilities"`
	Endpoint          string            `mapstructure:"endpoint"`
	Region            string            `mapstructure:"region"`
	Metadata          map[string]string `mapstructure:"metadata"`
	MaxConcurrency    int               `mapstructure:"max_concurrency"`
	CostPerHour       float64           `mapstructure:"cost_per_hour"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
	StatusInterval    time.Duration     `mapstructure:"status_interval"`
	RegisterTimeout   time.Duration     `mapstructure:"register_timeout"`
	DefaultTimeout    time.Duration     `mapstructure:"default_timeout"`
}

// Agent is the worker-side runtime. It serves execute, health, checkpoint
// and log requests on its endpoint and keeps its registry entry alive.
type Agent struct {
	logger   *zap.Logger
	nc       *nats.Conn
	cfg      AgentConfig
	verifier *auth.Verifier
	registry *registry.Client
	monitor  *ResourceMonitor
	logs     *TaskLog

	mu       sync.RWMutex
	handlers map[string]TaskHandler
	running  map[string]*Execution
	draining bool

	slots    chan struct{}
	subs     []*nats.Subscription
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	loops    sync.WaitGroup
	endLoops context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
}

// AgentOption configures optional agent dependencies
type AgentOption func(*Agent)

// WithVerifier makes the agent reject calls without a valid agent token
func WithVerifier(v *auth.Verifier) AgentOption {
	return func(a *Agent) { a.verifier = v }
}

// WithRegistry registers the agent and sends heartbeats and status reports
func WithRegistry(c *registry.Client) AgentOption {
	return func(a *Agent) { a.registry = c }
}

// WithResourceMonitor adds host cpu and memory to status reports
func WithResourceMonitor(m *ResourceMonitor) AgentOption {
	return func(a *Agent) { a.monitor = m }
}

// WithTaskLog keeps per-task execution logs
func WithTaskLog(l *TaskLog) AgentOption {
	return func(a *Agent) { a.logs = l }
}

// NewAgent creates an agent runtime
func NewAgent(nc *nats.Conn, cfg AgentConfig, logger *zap.Logger, opts ...AgentOption) (*Agent, error) {
	if cfg.ID == "" || cfg.Endpoint == "" {
		return nil, errors.New("agent id and endpoint are required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = cfg.HeartbeatInterval
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = time.Minute
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 10 * time.Minute
	}

	a := &Agent{
		logger:   logger.Named("agent").With(zap.String("agent_id", cfg.ID)),
		nc:       nc,
		cfg:      cfg,
		handlers: make(map[string]TaskHandler),
		running:  make(map[string]*Execution),
		slots:    make(chan struct{}, cfg.MaxConcurrency),
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// RegisterHandler registers a handler for a task type
func (a *Agent) RegisterHandler(taskType string, handler TaskHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[taskType] = handler
}

// Start subscribes to the agent subjects, registers with the orchestrator
// and starts the heartbeat loop
func (a *Agent) Start(ctx context.Context) error {
	a.baseCtx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))

	handlers := map[string]nats.MsgHandler{
		a.cfg.Endpoint + suffixExecute:    a.handleExecute,
		a.cfg.Endpoint + suffixHealth:     a.handleHealth,
		a.cfg.Endpoint + suffixCheckpoint: a.handleCheckpoint,
		a.cfg.Endpoint + suffixLogs:       a.handleLogs,
	}
	for subject, handler := range handlers {
		sub, err := a.nc.Subscribe(subject, handler)
		if err != nil {
			a.unsubscribe()
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		a.subs = append(a.subs, sub)
	}
	if err := a.nc.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	if a.registry != nil {
		if err := a.register(ctx); err != nil {
			a.unsubscribe()
			return err
		}
		var loopCtx context.Context
		loopCtx, a.endLoops = context.WithCancel(ctx)
		a.loops.Add(1)
		go a.reportLoop(loopCtx)
	}

	a.logger.Info("Agent started",
		zap.String("endpoint", a.cfg.Endpoint),
		zap.Strings("capabilities", a.cfg.Capabilities),
		zap.Int("max_concurrency", a.cfg.MaxConcurrency))
	return nil
}

// Stop refuses new work, waits for running tasks until ctx ends, then
// deregisters and drops its subscriptions
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.draining = true
	a.mu.Unlock()
	a.stopOnce.Do(func() { close(a.stopChan) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Abandoning running tasks", zap.Int("running", a.activeCount()))
		if a.cancel != nil {
			a.cancel()
		}
		<-done
	}

	if a.endLoops != nil {
		a.endLoops()
	}
	a.loops.Wait()

	var err error
	if a.registry != nil {
		if derr := a.registry.Deregister(context.WithoutCancel(ctx), a.cfg.ID); derr != nil {
			err = fmt.Errorf("failed to deregister: %w", derr)
		}
	}
	a.unsubscribe()
	if a.cancel != nil {
		a.cancel()
	}
	a.logger.Info("Agent stopped")
	return err
}

func (a *Agent) unsubscribe() {
	for _, sub := range a.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Debug("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	a.subs = nil
}

func (a *Agent) descriptor() *model.Agent {
	return &model.Agent{
		ID:             a.cfg.ID,
		Type:           a.cfg.Type,
		Capabilities:   a.cfg.Capabilities,
		Endpoint:       a.cfg.Endpoint,
		Region:         a.cfg.Region,
		Metadata:       a.cfg.Metadata,
		MaxConcurrency: a.cfg.MaxConcurrency,
		CostPerHour:    a.cfg.CostPerHour,
	}
}

// register retries with exponential backoff until the registry answers.
// A rejected token is permanent.
func (a *Agent) register(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = a.cfg.RegisterTimeout

	op := func() error {
		_, err := a.registry.Register(ctx, a.descriptor())
		if errors.Is(err, auth.ErrUnauthorized) || errors.Is(err, registry.ErrInvalidAgent) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("Registration failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		return fmt.Errorf("failed to register agent: %w", err)
	}
	a.logger.Info("Agent registered")
	return nil
}

func (a *Agent) reportLoop(ctx context.Context) {
	defer a.loops.Done()

	heartbeat := time.NewTicker(a.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	status := time.NewTicker(a.cfg.StatusInterval)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case <-heartbeat.C:
			a.heartbeat(ctx)
		case <-status.C:
			if _, err := a.registry.UpdateStatus(ctx, a.cfg.ID, a.Stats()); err != nil {
				a.logger.Warn("Failed to report status", zap.Error(err))
			}
		}
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	err := a.registry.Heartbeat(ctx, a.cfg.ID)
	if err == nil {
		return
	}
	if errors.Is(err, registry.ErrAgentNotFound) {
		// Purged while unreachable: come back as a fresh registration
		a.logger.Warn("Registry forgot this agent, registering again")
		if err := a.register(ctx); err != nil {
			a.logger.Error("Failed to re-register", zap.Error(err))
		}
		return
	}
	a.logger.Warn("Heartbeat failed", zap.Error(err))
}

// Stats builds the status report sent to the registry
func (a *Agent) Stats() model.AgentStats {
	active := a.activeCount()
	stats := model.AgentStats{
		Load:        float64(active) / float64(a.cfg.MaxConcurrency),
		Active:      active,
		CollectedAt: time.Now(),
	}
	if a.monitor != nil {
		sample := a.monitor.Last()
		stats.CPUUsage = sample.CPUUsage
		stats.MemoryUsage = sample.MemoryUsage
	}
	return stats
}

func (a *Agent) activeCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.running)
}

// authorize checks the bearer token when a verifier is configured
func (a *Agent) authorize(msg *nats.Msg) error {
	if a.verifier == nil {
		return nil
	}
	var token string
	if msg.Header != nil {
		token = auth.BearerToken(msg.Header.Get(auth.HeaderAuthorization))
	}
	_, err := a.verifier.Verify(token, auth.AudienceAgent)
	return err
}

func (a *Agent) decode(msg *nats.Msg) (*request, bool) {
	if err := a.authorize(msg); err != nil {
		a.reply(msg, &response{Code: codeUnauthorized, Error: err.Error()})
		return nil, false
	}
	var req request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.reply(msg, &response{Code: codeInvalid, Error: fmt.Sprintf("failed to decode request: %v", err)})
		return nil, false
	}
	return &req, true
}

func (a *Agent) reply(msg *nats.Msg, resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		a.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		a.logger.Error("Failed to respond", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (a *Agent) handleExecute(msg *nats.Msg) {
	req, ok := a.decode(msg)
	if !ok {
		return
	}
	if req.Execute == nil || req.Execute.TaskID == "" {
		a.reply(msg, &response{Code: codeInvalid, Error: "execute request with a task id is required"})
		return
	}

	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		a.reply(msg, &response{Code: codeDraining, Error: ErrAgentDraining.Error()})
		return
	}
	handler, ok := a.handlers[req.Execute.Type]
	if !ok {
		a.mu.Unlock()
		a.reply(msg, &response{Result: &model.TaskResult{
			TaskID:      req.Execute.TaskID,
			AgentID:     a.cfg.ID,
			Error:       fmt.Sprintf("%s: %s", ErrUnknownTaskType, req.Execute.Type),
			CompletedAt: time.Now(),
		}})
		return
	}
	select {
	case a.slots <- struct{}{}:
	default:
		a.mu.Unlock()
		a.reply(msg, &response{Code: codeBusy, Error: ErrAgentBusy.Error()})
		return
	}

	deadline := req.Execute.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(a.cfg.DefaultTimeout)
	}
	ctx, cancel := context.WithDeadline(a.baseCtx, deadline)
	exec := NewExecution(req.Execute, a.logs)
	exec.cancel = cancel

	// A newer attempt supersedes whatever is still running for the task
	if previous, ok := a.running[req.Execute.TaskID]; ok {
		previous.cancel()
	}
	a.running[req.Execute.TaskID] = exec
	a.wg.Add(1)
	a.mu.Unlock()

	go a.run(ctx, msg, handler, exec)
}

func (a *Agent) run(ctx context.Context, msg *nats.Msg, handler TaskHandler, exec *Execution) {
	defer a.wg.Done()
	defer func() { <-a.slots }()
	defer exec.cancel()
	defer a.finish(exec)

	req := exec.Request
	logger := a.logger.With(
		zap.String("task_id", req.TaskID),
		zap.Int("attempt", req.Attempt),
		zap.String("trace_id", req.TraceID))
	logger.Info("Executing task", zap.String("type", req.Type))
	exec.logAt(LevelInfo, fmt.Sprintf("attempt %d started", req.Attempt))

	started := time.Now()
	output, err := a.invoke(ctx, handler, exec)
	result := &model.TaskResult{
		TaskID:      req.TaskID,
		AgentID:     a.cfg.ID,
		CompletedAt: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
		exec.logAt(LevelError, "attempt failed: "+err.Error())
		logger.Warn("Task failed", zap.Duration("duration", time.Since(started)), zap.Error(err))
	} else {
		result.Result = output
		exec.logAt(LevelInfo, "attempt completed")
		logger.Info("Task completed", zap.Duration("duration", time.Since(started)))
	}

	a.reply(msg, &response{Result: result})
}

// invoke runs the handler and turns a panic into a task error
func (a *Agent) invoke(ctx context.Context, handler TaskHandler, exec *Execution) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Execute(ctx, exec)
}

func (a *Agent) finish(exec *Execution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running[exec.Request.TaskID] == exec {
		delete(a.running, exec.Request.TaskID)
	}
}

func (a *Agent) handleHealth(msg *nats.Msg) {
	if _, ok := a.decode(msg); !ok {
		return
	}

	a.mu.RLock()
	draining := a.draining
	active := len(a.running)
	a.mu.RUnlock()

	health := &model.HealthStatus{
		AgentID: a.cfg.ID,
		Healthy: true,
		Status:  model.AgentStatusAvailable,
		Active:  active,
	}
	switch {
	case draining:
		health.Status = model.AgentStatusDraining
	case active >= a.cfg.MaxConcurrency:
		health.Status = model.AgentStatusBusy
	}
	if a.monitor != nil {
		if overloaded, reason := a.monitor.Overloaded(); overloaded {
			health.Healthy = false
			health.Status = model.AgentStatusError
			health.Message = reason
		}
	}
	a.reply(msg, &response{Health: health})
}

func (a *Agent) handleCheckpoint(msg *nats.Msg) {
	req, ok := a.decode(msg)
	if !ok {
		return
	}

	a.mu.RLock()
	exec, running := a.running[req.TaskID]
	a.mu.RUnlock()
	if !running {
		a.reply(msg, &response{Code: codeNotRunning, Error: fmt.Sprintf("%s: %s", ErrTaskNotRunning, req.TaskID)})
		return
	}
	a.reply(msg, &response{Checkpoint: exec.saved()})
}

func (a *Agent) handleLogs(msg *nats.Msg) {
	req, ok := a.decode(msg)
	if !ok {
		return
	}
	if a.logs == nil {
		a.reply(msg, &response{Code: codeNotFound, Error: "agent keeps no task logs"})
		return
	}

	logs, err := a.logs.GetLogs(req.TaskID, req.Since, req.Until)
	switch {
	case errors.Is(err, ErrLogNotFound):
		a.reply(msg, &response{Code: codeNotFound, Error: err.Error()})
	case err != nil:
		a.reply(msg, &response{Code: codeInternal, Error: err.Error()})
	default:
		a.reply(msg, &response{Logs: logs})
	}
}
