// Package runtime assembles a running engine instance: configuration,
// stores, the tool registry, the agent runner, background services, and the
// channel adapters that feed it. One Runtime owns the whole lifecycle from
// New through Stop; channels stay quiet until Start.
package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/halim/nia/internal/config"
	"github.com/halim/nia/internal/logger"
	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/telegram"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/agent"
	"github.com/halim/nia/pkg/channels"
	"github.com/halim/nia/pkg/command"
	"github.com/halim/nia/pkg/coretools"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/gateway"
	"github.com/halim/nia/pkg/memory"
	"github.com/halim/nia/pkg/reminder"
	"github.com/halim/nia/pkg/runqueue"
	"github.com/halim/nia/pkg/sandbox"
	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/skills"
	"github.com/halim/nia/pkg/subagent"
	"github.com/halim/nia/pkg/tools"
)

// Version is reported by /status and the CLI.
const Version = "0.1.0"

// Options carries surface wiring that does not belong in the config file.
type Options struct {
	// CLISink receives outbound messages pushed to the cli channel, such as
	// reminder and task announcements. Nil logs them instead.
	CLISink func(msg channels.OutboundMessage)

	// Providers overrides the SDK-backed provider factory. Tests use it to
	// script model responses.
	Providers agent.ProviderFactory
}

// Runtime owns every component of a running engine.
type Runtime struct {
	cfg    *config.Config
	logger *logger.Logger
	opts   Options

	queue      *runqueue.Queue
	sessions   *session.Manager
	memory     *memory.Store
	skills     *skills.Loader
	registry   *tools.Registry
	runner     *agent.Runner
	reminders  *reminder.Service
	supervisor *subagent.Supervisor
	commands   *command.Router
	channels   *channels.Registry
	gateway    *gateway.Server
	archiver   *session.Archiver
	cleanup    *session.Cleanup

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// started gates announcements. Overdue reminders and stale-task
	// recovery fire during load, before the channels are up; their
	// announce callbacks hold until Start finishes.
	started   chan struct{}
	startOnce sync.Once

	mu        sync.RWMutex
	running   bool
	startTime time.Time

	tracingUp bool
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Channels  []string
}

// New wires the engine in dependency order. Nothing polls, listens, or
// spawns goroutines for ingress until Start.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Runtime, error) {
	if cfg == nil {
		return nil, fault.New(fault.KindValidation, "runtime", "config is required")
	}
	if log == nil {
		return nil, fault.New(fault.KindValidation, "runtime", "logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		cfg:     cfg,
		logger:  log,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		started: make(chan struct{}),
	}

	if err := tracing.Init("nia"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
	} else {
		r.tracingUp = true
	}

	if err := r.initComponents(); err != nil {
		cancel()
		if r.tracingUp {
			_ = tracing.Shutdown(context.Background())
		}
		return nil, fmt.Errorf("failed to initialize runtime: %w", err)
	}
	return r, nil
}

// initComponents builds the core modules bottom-up, then the services that
// depend on them. Callbacks that point back at the runtime (reminder
// announcements, subagent announcements, command hooks) are methods on r,
// so the cycle between services and dispatch never shows up in the
// constructor order.
func (r *Runtime) initComponents() error {
	cfg := r.cfg
	zl := r.logger.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fault.Wrapf(fault.KindStorage, "runtime", err, "failed to create data directory")
	}
	if err := observability.InitAuditLogger(cfg.AuditPath()); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to initialize audit log, tool calls go unaudited")
	}

	r.queue = runqueue.New()

	sessions, err := session.New(cfg.SessionsDir())
	if err != nil {
		return fmt.Errorf("failed to initialize session manager: %w", err)
	}
	r.sessions = sessions

	if cfg.Memory.Enabled {
		store, err := memory.New(memory.Config{
			Dir:      filepath.Join(cfg.DataDir, "memory"),
			DBPath:   cfg.MemoryDBPath(),
			Logger:   zl,
			Embedder: r.buildEmbedder(),
		})
		if err != nil {
			return fmt.Errorf("failed to initialize memory store: %w", err)
		}
		r.memory = store
	}

	loader, err := skills.New(skills.Config{
		Dir:    cfg.SkillsPath(),
		Logger: zl,
		Watch:  cfg.Skills.Watch,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize skills loader: %w", err)
	}
	if err := loader.Init(); err != nil {
		return fmt.Errorf("failed to load skills: %w", err)
	}
	r.skills = loader

	box, err := r.buildSandbox()
	if err != nil {
		r.logger.Warn().Err(err).Msg("Sandbox unavailable, exec tool disabled")
		box = nil
	}

	if cfg.Reminders.Enabled {
		svc, err := reminder.NewService(reminder.Options{
			StorePath: cfg.RemindersPath(),
			Logger:    zl,
			Announce:  r.announceReminder,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize reminders: %w", err)
		}
		r.reminders = svc
	}

	r.registry = tools.NewRegistry()
	defs := coretools.Definitions(coretools.Options{
		Workspace: cfg.Persona.Workspace,
		Sessions:  sessions,
		Sandbox:   box,
	})
	if r.memory != nil {
		defs = append(defs, memory.Definitions(r.memory)...)
	}
	if r.reminders != nil {
		defs = append(defs, reminder.Definitions(r.reminders)...)
	}
	for _, def := range defs {
		if err := r.registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}

	runnerCfg := agent.Config{
		Sessions: sessions,
		Registry: r.registry,
		Queue:    r.queue,
		Profiles: providerProfiles(cfg.AI.Profiles),
		Factory:  r.opts.Providers,
		Logger:   zl,
		Options: agent.Options{
			Model:              resolveModel(cfg.Models),
			Identity:           personaIdentity(cfg.Persona),
			MaxIterations:      cfg.Engine.MaxIterations,
			ToolTimeout:        time.Duration(cfg.Engine.ToolTimeoutSeconds) * time.Second,
			ToolResultMaxChars: cfg.Engine.ToolResultMaxChars,
			ProviderRetries:    cfg.Engine.ProviderRetries,
			BudgetTokens:       cfg.Engine.ContextBudgetTokens,
		},
	}
	if r.memory != nil {
		runnerCfg.Memory = r.memory
	}
	if r.skills != nil {
		runnerCfg.Skills = r.skills
	}
	runner, err := agent.NewRunner(runnerCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize agent runner: %w", err)
	}
	r.runner = runner

	supervisor, err := subagent.New(subagent.Config{
		Loop:            runner,
		Sessions:        sessions,
		Queue:           r.queue,
		RegistryPath:    filepath.Join(cfg.DataDir, "subagents.json"),
		Limit:           cfg.Engine.SubagentLimit,
		ChildIterations: cfg.Engine.SubagentMaxIterations,
		Announcer:       r.announceTask,
		Logger:          zl,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize subagent supervisor: %w", err)
	}
	if err := supervisor.Initialize(); err != nil {
		return fmt.Errorf("failed to load subagent ledger: %w", err)
	}
	r.supervisor = supervisor
	for _, def := range subagent.Definitions(supervisor) {
		if err := r.registry.Register(def); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", def.Name, err)
		}
	}

	commands, err := command.New(command.Config{
		Sessions: sessions,
		Logger:   zl,
		Persona:  cfg.Persona.Name,
		Hooks: command.Hooks{
			ListSkills: r.skillEntries,
			ListTasks:  r.taskEntries,
			Status:     r.statusReport,
			ResetLane: func(sessionKey string) {
				r.queue.ResetLane(runqueue.SessionLane(sessionKey))
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize command router: %w", err)
	}
	r.commands = commands

	if cfg.Sessions.ArchiveAfterMinutes > 0 {
		idle := time.Duration(cfg.Sessions.ArchiveAfterMinutes) * time.Minute
		r.archiver = session.NewArchiver(sessions, idle)
	}
	if cfg.Sessions.RetainArchivedDays > 0 {
		age := time.Duration(cfg.Sessions.RetainArchivedDays) * 24 * time.Hour
		r.cleanup = session.NewCleanup(sessions, age)
	}

	return r.initChannels()
}

// initChannels builds the channel registry and registers every enabled
// adapter. The registry's dispatch is the runtime's, so all ingress funnels
// through the same command-then-agent pipeline.
func (r *Runtime) initChannels() error {
	cfg := r.cfg
	zl := r.logger.GetZerolog()

	r.channels = channels.NewRegistry(r.dispatch)

	if cfg.Channels.CLI.Enabled {
		sink := r.opts.CLISink
		if sink == nil {
			sink = func(msg channels.OutboundMessage) {
				r.logger.Info().
					Str("chat_id", msg.ChatID).
					Str("content", msg.Content).
					Msg("CLI outbound message")
			}
		}
		if err := r.channels.Register(channels.NewDirectChannel("cli", sink)); err != nil {
			return err
		}
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(telegram.Config{
			Token:     cfg.Telegram.BotToken,
			DMPolicy:  cfg.Telegram.DMPolicy,
			Allowlist: cfg.Telegram.Allowlist,
			MediaDir:  filepath.Join(cfg.DataDir, "media"),
			Menu:      telegramMenu(),
		}, zl)
		if err != nil {
			return fmt.Errorf("failed to initialize telegram channel: %w", err)
		}
		if err := r.channels.Register(ch); err != nil {
			return err
		}
	}

	if cfg.Channels.Gateway.Enabled {
		srv, err := gateway.NewServer(gateway.Config{
			Host:         cfg.Gateway.Host,
			Port:         cfg.Gateway.Port,
			SharedSecret: cfg.Gateway.SharedSecret,
			Sessions:     r.sessions,
			Memory:       r.memory,
			Logger:       zl,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize gateway: %w", err)
		}
		r.gateway = srv
		if err := r.channels.Register(srv); err != nil {
			return err
		}
	}

	return nil
}

// Start brings up the channels and background maintenance. Announcements
// held since New are released once everything is listening.
func (r *Runtime) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runtime is already running")
	}
	r.running = true
	r.startTime = time.Now()
	r.mu.Unlock()

	r.logger.Info().
		Str("version", Version).
		Str("data_dir", r.cfg.DataDir).
		Msg("Starting engine")

	if err := r.channels.StartAll(r.ctx); err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return fmt.Errorf("failed to start channels: %w", err)
	}

	if r.archiver != nil {
		if err := r.archiver.Start(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to start session archiver")
		}
	}
	if r.cleanup != nil {
		if err := r.cleanup.Start(); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to start archive retention sweep")
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.maintain(r.ctx)
	}()

	r.startOnce.Do(func() { close(r.started) })

	r.logger.Info().
		Strs("channels", r.channels.Names()).
		Int("tools", r.registry.Count()).
		Msg("Engine started")
	return nil
}

// Stop shuts the engine down in reverse dependency order: ingress first so
// no new turns arrive, then the schedulers, then the queue so in-flight
// turns finish or cancel, then the stores.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return fmt.Errorf("runtime is not running")
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info().Msg("Stopping engine")

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.channels.StopAll(stopCtx); err != nil {
		r.logger.Error().Err(err).Msg("Error stopping channels")
	}
	if r.reminders != nil {
		if err := r.reminders.Stop(); err != nil {
			r.logger.Error().Err(err).Msg("Error stopping reminder service")
		}
	}
	if r.archiver != nil && r.archiver.IsRunning() {
		if err := r.archiver.Stop(); err != nil {
			r.logger.Error().Err(err).Msg("Error stopping session archiver")
		}
	}
	if r.cleanup != nil && r.cleanup.IsRunning() {
		if err := r.cleanup.Stop(); err != nil {
			r.logger.Error().Err(err).Msg("Error stopping retention sweep")
		}
	}
	if r.skills != nil {
		if err := r.skills.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing skills loader")
		}
	}
	if r.supervisor != nil {
		if err := r.supervisor.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing subagent supervisor")
		}
	}
	if err := r.queue.Close(); err != nil {
		r.logger.Error().Err(err).Msg("Error closing run queue")
	}

	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		r.logger.Warn().Msg("Timed out waiting for background goroutines")
	}

	if r.memory != nil {
		if err := r.memory.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Error closing memory store")
		}
	}
	if err := r.sessions.Close(); err != nil {
		r.logger.Error().Err(err).Msg("Error closing session manager")
	}
	if r.tracingUp {
		if err := tracing.Shutdown(stopCtx); err != nil {
			r.logger.Error().Err(err).Msg("Error shutting down tracing")
		}
	}
	if audit := observability.GetAuditLogger(); audit != nil {
		_ = audit.Close()
	}

	r.logger.Info().Msg("Engine stopped")
	return nil
}

// Wait blocks until SIGINT or SIGTERM, then stops the engine.
func (r *Runtime) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	sig := <-sigChan
	r.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")

	if err := r.Stop(); err != nil {
		r.logger.Error().Err(err).Msg("Error during shutdown")
	}
}

// Status reports whether the engine is running and for how long.
func (r *Runtime) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Status{Running: r.running, StartTime: r.startTime}
	if r.running {
		s.Uptime = time.Since(r.startTime)
	}
	if r.channels != nil {
		s.Channels = r.channels.Names()
	}
	return s
}

// Config returns the active configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Sessions returns the session manager.
func (r *Runtime) Sessions() *session.Manager { return r.sessions }

// Channels returns the channel registry.
func (r *Runtime) Channels() *channels.Registry { return r.channels }

// Runner returns the agent runner.
func (r *Runtime) Runner() *agent.Runner { return r.runner }

// Memory returns the memory store, or nil when memory is disabled.
func (r *Runtime) Memory() *memory.Store { return r.memory }

// Supervisor returns the subagent supervisor.
func (r *Runtime) Supervisor() *subagent.Supervisor { return r.supervisor }

// Reminders returns the reminder service, or nil when reminders are
// disabled.
func (r *Runtime) Reminders() *reminder.Service { return r.reminders }

// Gateway returns the WebSocket gateway, or nil when it is disabled.
func (r *Runtime) Gateway() *gateway.Server { return r.gateway }

// Dispatch routes an inbound message through the engine and returns the
// reply. It is the same path every channel adapter uses.
func (r *Runtime) Dispatch(ctx context.Context, msg channels.InboundMessage) (string, error) {
	return r.channels.Dispatch(ctx, msg)
}

// buildEmbedder returns an OpenAI embedder when an openai profile with a
// key is configured. Without one the memory store searches by keyword only.
func (r *Runtime) buildEmbedder() memory.Embedder {
	for _, p := range r.cfg.AI.Profiles {
		if p.Provider == "openai" && p.APIKey != "" {
			return memory.NewOpenAIEmbedder(p.APIKey, r.cfg.Memory.EmbeddingModel)
		}
	}
	return nil
}

// buildSandbox assembles the exec sandbox from config. The workspace is
// always an allowed path so file tools and exec agree on territory.
func (r *Runtime) buildSandbox() (sandbox.Sandbox, error) {
	sc := sandbox.DefaultConfig()
	if rt := strings.TrimSpace(r.cfg.Sandbox.Runtime); rt != "" {
		sc.Runtime = sandbox.Runtime(rt)
	}
	if img := strings.TrimSpace(r.cfg.Sandbox.DockerImage); img != "" {
		sc.Docker.Image = img
	}
	sc.NetworkAccess.Enabled = r.cfg.Sandbox.Network
	if t := r.cfg.Engine.ToolTimeoutSeconds; t > 0 {
		sc.ResourceLimits.Timeout = time.Duration(t) * time.Second
	}
	if ws := strings.TrimSpace(r.cfg.Persona.Workspace); ws != "" {
		sc.FilesystemAccess.AllowedPaths = append(sc.FilesystemAccess.AllowedPaths, ws)
	}

	if sc.Runtime == sandbox.RuntimeDocker {
		if err := sandbox.CheckDocker(); err != nil {
			r.logger.Warn().Err(err).Msg("Docker not available, exec will fail until it is")
		}
	}
	return sandbox.New(sc, r.logger.GetZerolog())
}

// resolveModel maps the configured default through the alias table.
func resolveModel(models config.ModelsConfig) string {
	model := models.Default
	if alias, ok := models.Aliases[model]; ok {
		model = alias
	}
	return model
}

// personaIdentity renders the identity block for the system prompt. An
// explicit system prompt wins; otherwise a short default is derived from
// the persona name.
func personaIdentity(p config.PersonaConfig) string {
	if prompt := strings.TrimSpace(p.SystemPrompt); prompt != "" {
		return prompt
	}
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "Nia"
	}
	return fmt.Sprintf("You are %s, a personal assistant. Be concise, direct, and helpful.", name)
}

func providerProfiles(profiles []config.AIProfile) []agent.Profile {
	out := make([]agent.Profile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.Profile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		})
	}
	return out
}

func telegramMenu() []telegram.MenuCommand {
	return []telegram.MenuCommand{
		{Command: "help", Description: "Show available commands"},
		{Command: "new", Description: "Start a fresh conversation"},
		{Command: "status", Description: "Engine status"},
		{Command: "skills", Description: "List installed skills"},
		{Command: "tasks", Description: "List background tasks"},
	}
}
