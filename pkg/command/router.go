package command

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
)

// Prefix marks slash commands.
const Prefix = "/"

// Multi-line arguments are allowed, so the args group matches across newlines.
var commandPattern = regexp.MustCompile(`(?s)^/([a-zA-Z]+)(?:\s+(.*))?$`)

// Request identifies where a command came from.
type Request struct {
	SessionKey string
	Channel    string
	ChatID     string
}

// Outcome is the router's verdict on one input.
//
// Handled means the command produced Reply and the agent must not run.
// Delegate means the agent should run with Input in place of the raw text.
// Neither means the input was not a routable command at all.
type Outcome struct {
	Reply    string
	Handled  bool
	Delegate bool
	Input    string
}

// SkillEntry is one row in the /skills listing.
type SkillEntry struct {
	Name        string
	Description string
}

// TaskEntry is one row in the /tasks listing.
type TaskEntry struct {
	ID      string
	Goal    string
	Status  string
	Age     string
	Runtime string
}

// StatusReport is a point-in-time snapshot rendered by /status.
type StatusReport struct {
	Version          string
	Uptime           string
	Provider         string
	Model            string
	ActiveRuns       int
	QueueDepth       int
	SessionCount     int
	SubagentsRunning int
	SubagentsPending int
	SkillCount       int
	MemoryEnabled    bool
	RemindersEnabled bool
}

// Hooks are optional surface integrations. A nil hook degrades the matching
// command to a plain "not available" reply instead of failing.
type Hooks struct {
	ListSkills func() []SkillEntry
	ListTasks  func(sessionKey string) []TaskEntry
	Status     func() StatusReport
	// ResetLane drops queued turns for a session whose history was just
	// cleared, so stale requests do not run against the fresh session.
	ResetLane func(sessionKey string)
}

// Config assembles a Router.
type Config struct {
	Sessions *session.Manager
	Logger   zerolog.Logger
	Persona  string
	Hooks    Hooks
}

type handlerFunc func(ctx context.Context, req Request, args string) Outcome

// Router dispatches slash commands ahead of the agent. Recognized commands
// answer immediately; delegate commands rewrite the input and hand it back
// to the caller for a normal agent turn.
type Router struct {
	sessions *session.Manager
	logger   zerolog.Logger
	persona  string
	hooks    Hooks
	handlers map[string]handlerFunc
}

// New creates a Router over the given session manager.
func New(cfg Config) (*Router, error) {
	if cfg.Sessions == nil {
		return nil, fault.New(fault.KindValidation, "command", "session manager is required")
	}
	if cfg.Persona == "" {
		cfg.Persona = "Nia"
	}

	r := &Router{
		sessions: cfg.Sessions,
		logger:   cfg.Logger.With().Str("module", "command").Logger(),
		persona:  cfg.Persona,
		hooks:    cfg.Hooks,
	}
	r.handlers = map[string]handlerFunc{
		"help":      r.handleHelp,
		"sessions":  r.handleSessions,
		"session":   r.handleSession,
		"new":       r.handleNew,
		"templates": r.handleTemplates,
		"template":  r.handleTemplate,
		"remind":    r.handleRemind,
		"search":    r.handleSearch,
		"memory":    r.handleMemory,
		"skills":    r.handleSkills,
		"status":    r.handleStatus,
		"tasks":     r.handleTasks,
	}
	return r, nil
}

// IsCommand reports whether text looks like a slash command.
func IsCommand(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasPrefix(text, Prefix) && len(text) > 1
}

// Commands returns the registered command verbs.
func (r *Router) Commands() []string {
	verbs := make([]string, 0, len(r.handlers))
	for verb := range r.handlers {
		verbs = append(verbs, verb)
	}
	return verbs
}

// Handle routes one input. Non-commands and command-shaped text that does not
// parse come back untouched so the caller runs a normal agent turn.
func (r *Router) Handle(ctx context.Context, req Request, text string) Outcome {
	if !IsCommand(text) {
		return Outcome{}
	}

	match := commandPattern.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return Outcome{}
	}

	verb := strings.ToLower(match[1])
	args := strings.TrimSpace(match[2])

	ctx, span := tracing.StartSpan(
		ctx,
		"nia.command",
		"command.handle",
		attribute.String("command", verb),
		attribute.String("session_key", req.SessionKey),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Debug().
		Str("command", verb).
		Str("session_key", req.SessionKey).
		Msg("Command received")

	handler, exists := r.handlers[verb]
	if !exists {
		return Outcome{
			Reply:   fmt.Sprintf("Unknown command: /%s\n\nType /help to see available commands.", verb),
			Handled: true,
		}
	}

	out := handler(ctx, req, args)
	span.SetAttributes(
		attribute.Bool("handled", out.Handled),
		attribute.Bool("delegated", out.Delegate),
	)
	return out
}

// reply wraps a terminal response.
func reply(text string) Outcome {
	return Outcome{Reply: text, Handled: true}
}

// delegate hands a rewritten input back for a normal agent turn.
func delegate(input string) Outcome {
	return Outcome{Delegate: true, Input: input}
}

// failure renders an internal error as a plain sentence.
func (r *Router) failure(err error) Outcome {
	return reply(fault.UserMessage(err))
}
