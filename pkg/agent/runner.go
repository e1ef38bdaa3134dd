package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/prompt"
	"github.com/halim/nia/pkg/runqueue"
	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/tools"
)

// Engine defaults. All of them are config tunables; these apply when the
// config leaves them unset.
const (
	DefaultModel           = "claude-3-5-sonnet-20241022"
	DefaultMaxIterations   = 20
	DefaultMaxTokens       = 4096
	DefaultProviderRetries = 3
	DefaultBudgetTokens    = 100000
)

// MemorySearcher supplies a prompt-ready extract of long-term memory
// relevant to the current input.
type MemorySearcher interface {
	Extract(ctx context.Context, query string) (string, error)
}

// SkillsDigester supplies the skills digest injected into the system prompt.
type SkillsDigester interface {
	Digest() string
}

// Options are the engine tunables for one runner.
type Options struct {
	Model              string
	Identity           string
	Temperature        float64
	MaxTokens          int
	MaxIterations      int
	ToolTimeout        time.Duration
	ToolResultMaxChars int
	ProviderRetries    int
	BudgetTokens       int
}

func (o Options) withDefaults() Options {
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = tools.DefaultTimeout
	}
	if o.ToolResultMaxChars <= 0 {
		o.ToolResultMaxChars = tools.DefaultMaxResultChars
	}
	if o.ProviderRetries <= 0 {
		o.ProviderRetries = DefaultProviderRetries
	}
	if o.BudgetTokens <= 0 {
		o.BudgetTokens = DefaultBudgetTokens
	}
	return o
}

// Config wires a Runner.
type Config struct {
	Sessions *session.Manager
	Registry *tools.Registry
	Queue    *runqueue.Queue
	Profiles []Profile
	Factory  ProviderFactory
	Memory   MemorySearcher
	Skills   SkillsDigester
	Logger   zerolog.Logger
	Options  Options
}

type profileHealth struct {
	failures      int
	cooldownUntil time.Time
}

// Runner drives the agent state machine for session turns. Turns for one
// session are serialized through the run queue; distinct sessions run
// concurrently.
type Runner struct {
	sessions *session.Manager
	registry *tools.Registry
	queue    *runqueue.Queue
	factory  ProviderFactory
	memory   MemorySearcher
	skills   SkillsDigester
	logger   zerolog.Logger
	opts     Options

	profiles []Profile
	health   map[string]*profileHealth
	authMu   sync.Mutex

	activeRuns map[string]context.CancelFunc
	runsMu     sync.RWMutex
}

// NewRunner creates an agent runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Sessions == nil {
		return nil, fault.New(fault.KindValidation, "agent.new", "session manager is required")
	}
	if cfg.Registry == nil {
		return nil, fault.New(fault.KindValidation, "agent.new", "tool registry is required")
	}
	if cfg.Queue == nil {
		return nil, fault.New(fault.KindValidation, "agent.new", "run queue is required")
	}
	if len(cfg.Profiles) == 0 {
		return nil, fault.New(fault.KindValidation, "agent.new", "at least one provider profile is required")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = &SDKFactory{}
	}

	return &Runner{
		sessions:   cfg.Sessions,
		registry:   cfg.Registry,
		queue:      cfg.Queue,
		factory:    factory,
		memory:     cfg.Memory,
		skills:     cfg.Skills,
		logger:     cfg.Logger,
		opts:       cfg.Options.withDefaults(),
		profiles:   cfg.Profiles,
		health:     make(map[string]*profileHealth),
		activeRuns: make(map[string]context.CancelFunc),
	}, nil
}

// Run executes one turn for a session. Turns for a busy session queue
// behind the in-flight one; they are never rejected.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(req.SessionKey) == "" {
		return nil, fault.New(fault.KindValidation, "agent.run", "session key is required")
	}
	if strings.TrimSpace(req.Input) == "" {
		return nil, fault.New(fault.KindValidation, "agent.run", "input is required")
	}

	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithSessionKey(ctx, req.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.agent",
		"agent.run",
		attribute.String("session_key", req.SessionKey),
	)
	defer span.End()

	value, err := r.queue.EnqueueTurn(ctx, req.SessionKey, func(taskCtx context.Context) (interface{}, error) {
		return r.executeTurn(taskCtx, req)
	}, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return value.(*RunResult), nil
}

// Cancel aborts the in-flight run for a session, if any. It reports whether
// a run was actually cancelled.
func (r *Runner) Cancel(sessionKey string) bool {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()

	cancel, ok := r.activeRuns[sessionKey]
	if !ok {
		return false
	}
	r.logger.Info().Str("session_key", sessionKey).Msg("Cancelling agent run")
	cancel()
	delete(r.activeRuns, sessionKey)
	return true
}

// IsRunning reports whether a turn is in flight for the session.
func (r *Runner) IsRunning(sessionKey string) bool {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()
	_, ok := r.activeRuns[sessionKey]
	return ok
}

// ActiveRuns lists the sessions with a turn in flight, sorted.
func (r *Runner) ActiveRuns() []string {
	r.runsMu.RLock()
	defer r.runsMu.RUnlock()

	keys := make([]string, 0, len(r.activeRuns))
	for key := range r.activeRuns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// turn is the mutable state threaded through one run of the state machine.
type turn struct {
	req           RunRequest
	model         string
	maxIterations int
	messages      []session.Message
	schemas       []tools.Schema
	pendingCalls  []session.ToolCall
	iterations    int
	toolCalls     int
	usage         TokenUsage
	warnings      []string
	provider      string
	content       string
}

func (r *Runner) executeTurn(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := time.Now()
	ctx = tracing.WithSessionKey(ctx, req.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.agent",
		"agent.execute_turn",
		attribute.String("session_key", req.SessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger).With().Str("session_key", req.SessionKey).Logger()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.registerRun(req.SessionKey, cancel)
	defer r.unregisterRun(req.SessionKey)

	history, err := r.sessions.Load(runCtx, req.SessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	// The user message is persisted up front so even a cancelled turn
	// keeps it.
	r.persist(runCtx, logger, req.SessionKey, session.Message{
		Role:    session.RoleUser,
		Content: req.Input,
	})

	built, err := prompt.Build(prompt.BuildInput{
		Identity:      r.opts.Identity,
		Now:           time.Now(),
		SkillsDigest:  r.skillsDigest(),
		MemoryExtract: r.memoryExtract(runCtx, req.Input),
		History:       history,
		UserInput:     req.Input,
		Tools:         r.registry.Schemas(),
		BudgetTokens:  r.opts.BudgetTokens,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fault.Wrap(fault.KindExecution, "agent.execute_turn", err)
	}

	t := &turn{
		req:           req,
		model:         r.opts.Model,
		maxIterations: r.opts.MaxIterations,
		messages:      built.Messages,
		schemas:       built.Tools,
	}
	if req.Model != "" {
		t.model = req.Model
	}
	if req.MaxIterations > 0 {
		t.maxIterations = req.MaxIterations
	}

	state := r.drive(runCtx, logger, t)

	duration := time.Since(start)
	observability.RecordAgentRun(t.provider, string(state), duration, t.iterations)
	span.SetAttributes(
		attribute.String("state", string(state)),
		attribute.Int("iterations", t.iterations),
		attribute.Int("tool_calls", t.toolCalls),
	)
	logger.Info().
		Str("state", string(state)).
		Int("iterations", t.iterations).
		Int("tool_calls", t.toolCalls).
		Dur("duration", duration).
		Msg("Turn finished")

	return &RunResult{
		Content:    t.content,
		State:      state,
		Iterations: t.iterations,
		ToolCalls:  t.toolCalls,
		Duration:   duration,
		Provider:   t.provider,
		Model:      t.model,
		Usage:      t.usage,
		Warnings:   t.warnings,
	}, nil
}

// drive is the single driver of the state machine. The suspension points
// are exactly the model call and the concurrent tool batch.
func (r *Runner) drive(ctx context.Context, logger zerolog.Logger, t *turn) State {
	state := StateAwaitingModel
	for !state.Terminal() {
		switch state {
		case StateAwaitingModel:
			state = r.stepModel(ctx, logger, t)
		case StateExecutingTools:
			state = r.stepTools(ctx, logger, t)
		default:
			logger.Error().Str("state", string(state)).Msg("Unknown state, failing run")
			return StateFailed
		}
	}
	return state
}

// stepModel enters AwaitingModel: counts the iteration, calls the model and
// decides between Done, ExecutingTools and the failure states.
func (r *Runner) stepModel(ctx context.Context, logger zerolog.Logger, t *turn) State {
	if ctx.Err() != nil {
		return StateCancelled
	}
	if t.iterations >= t.maxIterations {
		notice := fmt.Sprintf("Reached the limit of %d iterations without a final answer. Stopping here.", t.maxIterations)
		t.content = notice
		r.persist(ctx, logger, t.req.SessionKey, session.Message{
			Role:    session.RoleAssistant,
			Content: notice,
		})
		logger.Warn().Int("iterations", t.iterations).Msg("Iteration limit reached")
		return StateFailed
	}
	t.iterations++

	response, providerName, err := r.callModel(ctx, t.model, t.messages, t.schemas)
	if providerName != "" {
		t.provider = providerName
	}
	if err != nil {
		if ctx.Err() != nil {
			return StateCancelled
		}
		logger.Error().Err(err).Int("iteration", t.iterations).Msg("Model call failed")
		t.content = fault.UserMessage(err)
		return StateFailed
	}
	t.usage.Add(response.Usage)

	if len(response.ToolCalls) == 0 {
		t.content = finalizeContent(response.Content)
		r.persist(ctx, logger, t.req.SessionKey, session.Message{
			Role:    session.RoleAssistant,
			Content: t.content,
		})
		return StateDone
	}

	assistant := session.Message{
		Role:      session.RoleAssistant,
		Content:   response.Content,
		ToolCalls: response.ToolCalls,
	}
	t.messages = append(t.messages, assistant)
	r.persist(ctx, logger, t.req.SessionKey, assistant)
	t.pendingCalls = response.ToolCalls
	return StateExecutingTools
}

// stepTools enters ExecutingTools: dispatches the batch concurrently and
// appends every result in request order before returning to AwaitingModel.
func (r *Runner) stepTools(ctx context.Context, logger zerolog.Logger, t *turn) State {
	calls := t.pendingCalls
	t.pendingCalls = nil
	t.toolCalls += len(calls)

	results := r.registry.DispatchAll(ctx, calls, tools.Options{
		Timeout:        r.opts.ToolTimeout,
		MaxResultChars: r.opts.ToolResultMaxChars,
		SessionKey:     t.req.SessionKey,
	})
	for _, result := range results {
		if result.Fault == fault.KindSecurity {
			t.warnings = append(t.warnings, result.Content)
		}
		message := result.Message()
		t.messages = append(t.messages, message)
		r.persist(ctx, logger, t.req.SessionKey, message)
	}

	if ctx.Err() != nil {
		return StateCancelled
	}
	return StateAwaitingModel
}

// callModel walks the eligible profiles in priority order, retrying
// transient failures per profile, and fails over to the next profile when a
// profile is exhausted.
func (r *Runner) callModel(ctx context.Context, model string, messages []session.Message, schemas []tools.Schema) (*Response, string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.agent",
		"agent.call_model",
		attribute.String("model", model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	profiles := r.eligibleProfiles()
	if len(profiles) == 0 {
		err := fault.New(fault.KindProvider, "agent.call_model",
			"no provider profile is available right now; please try again shortly")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}

	request := Request{
		Model:       model,
		Messages:    messages,
		Tools:       schemas,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	}

	var lastErr error
	lastProvider := ""
	for _, profile := range profiles {
		provider, err := r.factory.Provider(profile)
		if err != nil {
			logger.Warn().Str("profile", profile.ID).Err(err).Msg("Provider construction failed")
			r.markProfileFailure(profile)
			lastErr = err
			continue
		}
		lastProvider = provider.Name()

		response, err := r.callWithRetry(ctx, provider, request)
		if err == nil {
			r.markProfileSuccess(profile)
			return response, provider.Name(), nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, provider.Name(), err
		}
		r.markProfileFailure(profile)
		logger.Warn().Str("profile", profile.ID).Err(err).Msg("Provider profile exhausted, trying next")
	}

	err := fault.Wrap(fault.KindProvider, "agent.call_model", lastErr)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, lastProvider, err
}

// callWithRetry retries transient failures with exponential backoff
// (1s, 2s, 4s). Permanent failures return immediately so failover can move
// to the next profile.
func (r *Runner) callWithRetry(ctx context.Context, provider Provider, request Request) (*Response, error) {
	attempts := r.opts.ProviderRetries

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !retryableProviderError(err) || attempt == attempts-1 {
			break
		}

		delay := time.Second << attempt
		observability.RecordProviderRetry(provider.Name())
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Info().
			Str("provider", provider.Name()).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying model call")

		select {
		case <-ctx.Done():
			return nil, fault.Wrap(fault.KindProvider, "agent.call_model", ctx.Err())
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

// eligibleProfiles returns the profiles not in cooldown, sorted by priority
// (lower first).
func (r *Runner) eligibleProfiles() []Profile {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	now := time.Now()
	eligible := make([]Profile, 0, len(r.profiles))
	for _, profile := range r.profiles {
		if health := r.health[profile.ID]; health != nil && now.Before(health.cooldownUntil) {
			observability.SetProfileCooldown(profile.ID, true)
			continue
		}
		observability.SetProfileCooldown(profile.ID, false)
		eligible = append(eligible, profile)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})
	return eligible
}

// markProfileFailure grows the profile's cooldown window with each
// consecutive failure.
func (r *Runner) markProfileFailure(profile Profile) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	health := r.health[profile.ID]
	if health == nil {
		health = &profileHealth{}
		r.health[profile.ID] = health
	}
	health.failures++
	health.cooldownUntil = time.Now().Add(time.Duration(health.failures) * time.Minute)
	observability.SetProfileCooldown(profile.ID, true)
}

func (r *Runner) markProfileSuccess(profile Profile) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	delete(r.health, profile.ID)
	observability.SetProfileCooldown(profile.ID, false)
}

func (r *Runner) registerRun(sessionKey string, cancel context.CancelFunc) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	r.activeRuns[sessionKey] = cancel
}

func (r *Runner) unregisterRun(sessionKey string) {
	r.runsMu.Lock()
	defer r.runsMu.Unlock()
	delete(r.activeRuns, sessionKey)
}

// persist appends to the session store. Storage faults are absorbed by the
// store's write-through buffer, so only key validation can fail here; that
// is worth a log line, not a turn abort.
func (r *Runner) persist(ctx context.Context, logger zerolog.Logger, sessionKey string, message session.Message) {
	if err := r.sessions.Append(ctx, sessionKey, message); err != nil {
		logger.Error().Err(err).Str("role", message.Role).Msg("Failed to persist message")
	}
}

func (r *Runner) skillsDigest() string {
	if r.skills == nil {
		return ""
	}
	return r.skills.Digest()
}

func (r *Runner) memoryExtract(ctx context.Context, query string) string {
	if r.memory == nil {
		return ""
	}
	extract, err := r.memory.Extract(ctx, query)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, r.logger)
		logger.Warn().Err(err).Msg("Memory lookup failed")
		return ""
	}
	return extract
}
