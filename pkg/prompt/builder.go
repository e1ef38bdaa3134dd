// Package prompt builds the bounded model prompt for one turn. Build is a
// pure function: the clock reading, skills digest, and memory extract are
// injected by the caller, so identical inputs always produce an identical
// prompt.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/tools"
)

const defaultIdentity = "You are a helpful assistant."

const timeLayout = "Monday, 2 January 2006, 15:04 MST"

// BuildInput carries everything one prompt needs. History comes from the
// session store; the rest is assembled by the runtime.
type BuildInput struct {
	Identity      string
	Now           time.Time
	SkillsDigest  string
	MemoryExtract string
	History       []session.Message
	UserInput     string
	Tools         []tools.Schema
	BudgetTokens  int
}

// Prompt is the ordered, budget-bounded model input: the composed system
// message first, trimmed history, and the pending user input last.
type Prompt struct {
	Messages []session.Message `json:"messages"`
	Tools    []tools.Schema    `json:"tools,omitempty"`
	Dropped  int               `json:"dropped,omitempty"`
	Tokens   int               `json:"tokens"`
}

// Build assembles and trims the prompt. Trimming happens before anything is
// returned, so the result never exceeds the budget unless the pinned system
// and user messages alone do. A non-positive budget disables trimming.
func Build(in BuildInput) (Prompt, error) {
	for i, msg := range in.History {
		if msg.Role == "" {
			return Prompt{}, fmt.Errorf("history message %d has empty role", i)
		}
	}

	messages := make([]session.Message, 0, len(in.History)+2)
	messages = append(messages, session.Message{
		Role:    session.RoleSystem,
		Content: composeSystem(in),
	})
	messages = append(messages, in.History...)
	if in.UserInput != "" {
		messages = append(messages, session.Message{
			Role:    session.RoleUser,
			Content: in.UserInput,
		})
	}

	kept := messages
	dropped := 0
	if in.BudgetTokens > 0 {
		kept, dropped = session.TrimMessages(messages, in.BudgetTokens)
	}

	return Prompt{
		Messages: kept,
		Tools:    in.Tools,
		Dropped:  dropped,
		Tokens:   session.TotalTokens(kept),
	}, nil
}

// composeSystem concatenates the system sections in fixed order: identity,
// current time, skills digest, memory extract.
func composeSystem(in BuildInput) string {
	identity := strings.TrimSpace(in.Identity)
	if identity == "" {
		identity = defaultIdentity
	}

	sections := []string{identity}
	if !in.Now.IsZero() {
		sections = append(sections, "# Current Time\n\n"+in.Now.Format(timeLayout))
	}
	if digest := strings.TrimSpace(in.SkillsDigest); digest != "" {
		sections = append(sections, "# Skills\n\n"+digest)
	}
	if extract := strings.TrimSpace(in.MemoryExtract); extract != "" {
		sections = append(sections, "# Relevant Context from Memory\n\n"+extract)
	}

	return strings.Join(sections, "\n\n")
}

// Serialize renders the prompt as indented JSON with a stable field and
// tool order, for golden comparisons in tests.
func (p Prompt) Serialize() ([]byte, error) {
	return json.MarshalIndent(p, "", "  ")
}
