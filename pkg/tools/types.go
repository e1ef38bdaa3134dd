package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/session"
)

// Handler is the function signature for capability execution. Args arrive
// already validated against the declared schema.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Parameter declares one argument of a capability.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Definition binds a capability name to its schema and executor.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`
	Handler     Handler     `json:"-"`
}

// Schema is the provider-facing description of one capability. Parameters
// holds the generated JSON Schema document.
type Schema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Result is the outcome of one dispatched call. Failures are carried as
// data, never as an error return: Content stays model-visible either way.
type Result struct {
	CallID    string        `json:"call_id"`
	Name      string        `json:"name"`
	Content   string        `json:"content"`
	IsError   bool          `json:"is_error,omitempty"`
	Fault     fault.Kind    `json:"fault,omitempty"`
	Truncated bool          `json:"truncated,omitempty"`
	Retried   bool          `json:"retried,omitempty"`
	Duration  time.Duration `json:"-"`
}

// Message renders the result as the tool-role message that answers the
// issuing call.
func (r Result) Message() session.Message {
	return session.Message{
		Role:       session.RoleTool,
		Content:    r.Content,
		ToolCallID: r.CallID,
		Name:       r.Name,
	}
}

// Options tune one dispatch. Zero values fall back to the package defaults.
type Options struct {
	Timeout        time.Duration
	MaxResultChars int
	SessionKey     string
}

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxResultChars = 30000
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxResultChars <= 0 {
		o.MaxResultChars = DefaultMaxResultChars
	}
	return o
}
