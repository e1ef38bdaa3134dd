package agent

import (
	"context"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/tools"
)

// Provider is a single model backend. Call returns either final text or a
// tool-call batch; the two outcomes are mutually exclusive for one turn.
type Provider interface {
	Call(ctx context.Context, request Request) (*Response, error)
	Name() string
}

// Request is one model invocation. The system message, when present, is the
// first entry of Messages; adapters that need it out of band extract it.
type Request struct {
	Model       string
	Messages    []session.Message
	Tools       []tools.Schema
	MaxTokens   int
	Temperature float64
}

// Response is the model's answer to a Request.
type Response struct {
	Content   string
	ToolCalls []session.ToolCall
	Usage     TokenUsage
}

// ProviderFactory builds providers from credential profiles.
type ProviderFactory interface {
	Provider(profile Profile) (Provider, error)
}

// SDKFactory builds providers backed by the official vendor SDKs.
type SDKFactory struct{}

// Provider returns the adapter for the profile's provider name.
func (f *SDKFactory) Provider(profile Profile) (Provider, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey), nil
	case "gemini":
		return NewGeminiProvider(profile.APIKey), nil
	default:
		return nil, fault.New(fault.KindProvider, "agent.provider", "unsupported provider: "+profile.Provider)
	}
}

// splitSystem separates the leading system text from the conversational
// messages. Providers that take the system prompt as a dedicated request
// field use this.
func splitSystem(messages []session.Message) (string, []session.Message) {
	system := ""
	rest := make([]session.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == session.RoleSystem && system == "" {
			system = msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
