package session

import (
	"encoding/json"
	"time"
)

// Message roles. Tool-role messages carry the result of a single tool call
// and reference it through ToolCallID.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one capability invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message represents a single conversation turn
type Message struct {
	Role       string                 `json:"role"`
	Content    string                 `json:"content"`
	ToolCalls  []ToolCall             `json:"tool_calls,omitempty"`
	ToolCallID string                 `json:"tool_call_id,omitempty"`
	Name       string                 `json:"name,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Metadata is the first JSONL line of every session file. Its _type tag
// keeps it distinguishable from message lines.
type Metadata struct {
	Type      string                 `json:"_type"`
	Name      string                 `json:"name,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	Extra     map[string]interface{} `json:"metadata,omitempty"`
}

const metadataType = "metadata"

func newMetadata() Metadata {
	now := time.Now()
	return Metadata{Type: metadataType, CreatedAt: now, UpdatedAt: now}
}

// Info summarizes a session without exposing its full history.
type Info struct {
	Key          string    `json:"key"`
	Name         string    `json:"name,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	SizeBytes    int64     `json:"size_bytes"`
	Path         string    `json:"path"`
}

// DisplayName returns the human-readable name, falling back to the key.
func (i Info) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.Key
}

// EstimateTokens approximates the token cost of a string. The estimate is
// intentionally deterministic so trimming decisions are reproducible.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Tokens returns the estimated token cost of the whole message, tool call
// payloads included.
func (m Message) Tokens() int {
	total := EstimateTokens(m.Content)
	for _, tc := range m.ToolCalls {
		total += EstimateTokens(tc.Name) + EstimateTokens(string(tc.Arguments))
	}
	return total
}

// TotalTokens sums the estimated token cost of a history.
func TotalTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.Tokens()
	}
	return total
}
