package agent

import (
	"strings"
	"time"
)

// State is one node of the run state machine. AwaitingModel and
// ExecutingTools are the only suspension points; the rest are terminal.
type State string

const (
	StateAwaitingModel  State = "awaiting_model"
	StateExecutingTools State = "executing_tools"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCancelled:
		return true
	}
	return false
}

// RunRequest is one turn of input for a session.
type RunRequest struct {
	SessionKey string `json:"session_key"`
	Input      string `json:"input"`

	// Model overrides the configured default when set.
	Model string `json:"model,omitempty"`

	// MaxIterations overrides the configured cap when positive. Subagent
	// runs use this to apply their reduced cap.
	MaxIterations int `json:"max_iterations,omitempty"`
}

// RunResult is the outcome of a completed turn.
type RunResult struct {
	Content    string        `json:"content"`
	State      State         `json:"state"`
	Iterations int           `json:"iterations"`
	ToolCalls  int           `json:"tool_calls"`
	Duration   time.Duration `json:"duration"`
	Provider   string        `json:"provider,omitempty"`
	Model      string        `json:"model,omitempty"`
	Usage      TokenUsage    `json:"usage"`

	// Warnings carries user-facing notices collected during the run,
	// security violations included verbatim.
	Warnings []string `json:"warnings,omitempty"`
}

// TokenUsage tracks token consumption across the model calls of a run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from a single model call.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Profile holds the credentials for one model provider. Profiles are tried
// in Priority order (lower first); repeated failures put a profile into a
// growing cooldown window.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
	Priority int    `json:"priority"`
}

// Fallback phrases for model responses that carry no usable text. A missing
// final message and a whitespace-only one read differently to the user, so
// they get distinct phrasings.
const (
	fallbackNoContent    = "I've completed processing but have no response to give."
	fallbackBlankContent = "Done."
)

// finalizeContent substitutes the fallback phrases for unusable final text.
func finalizeContent(content string) string {
	if content == "" {
		return fallbackNoContent
	}
	if strings.TrimSpace(content) == "" {
		return fallbackBlankContent
	}
	return content
}

var retryableFragments = []string{
	"429",
	"rate limit",
	"500",
	"502",
	"503",
	"504",
	"overloaded",
	"connection reset",
	"connection refused",
	"ECONNRESET",
	"ETIMEDOUT",
	"EOF",
	"timeout",
	"temporarily unavailable",
}

// retryableProviderError reports whether a provider failure is worth another
// attempt against the same profile. Auth and request-shape errors are not;
// throttling and transient transport failures are.
func retryableProviderError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, fragment := range retryableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
