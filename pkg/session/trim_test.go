package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// paddedMsg builds a message with a unique tag whose estimated cost is
// exactly tokens.
func paddedMsg(role, tag string, tokens int) Message {
	return Message{Role: role, Content: tag + strings.Repeat("x", tokens*4-len(tag))}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 100, EstimateTokens(strings.Repeat("x", 400)))
}

func TestMessageTokensIncludeToolPayload(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: strings.Repeat("x", 40),
		ToolCalls: []ToolCall{
			{ID: "c1", Name: "get_time", Arguments: []byte(`{"timezone":"UTC"}`)},
		},
	}
	assert.Greater(t, msg.Tokens(), EstimateTokens(msg.Content))
}

func TestTrimMessages(t *testing.T) {
	t.Run("should return input unchanged when under budget", func(t *testing.T) {
		msgs := []Message{
			paddedMsg(RoleSystem, "sys", 10),
			paddedMsg(RoleUser, "u1", 10),
			paddedMsg(RoleAssistant, "a1", 10),
		}
		kept, dropped := TrimMessages(msgs, 100)
		assert.Equal(t, 0, dropped)
		assert.Len(t, kept, 3)
	})

	t.Run("should not mutate the input slice", func(t *testing.T) {
		msgs := []Message{
			paddedMsg(RoleSystem, "sys", 50),
			paddedMsg(RoleUser, "u1", 50),
			paddedMsg(RoleAssistant, "a1", 50),
			paddedMsg(RoleUser, "u2", 50),
		}
		_, dropped := TrimMessages(msgs, 120)
		assert.Greater(t, dropped, 0)
		assert.Len(t, msgs, 4)
	})

	t.Run("should drop oldest first and respect the budget", func(t *testing.T) {
		var msgs []Message
		for i := 0; i < 10; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			msgs = append(msgs, paddedMsg(role, fmt.Sprintf("m%d-", i), 100))
		}

		kept, dropped := TrimMessages(msgs, 450)
		assert.Greater(t, dropped, 0)
		assert.LessOrEqual(t, TotalTokens(kept), 450)

		// Survivors are the newest messages, in original order.
		require.NotEmpty(t, kept)
		assert.Equal(t, msgs[len(msgs)-1].Content, kept[len(kept)-1].Content)
		for i := 1; i < len(kept); i++ {
			assert.Less(t, kept[i-1].Content, kept[i].Content)
		}
	})

	t.Run("should always keep first system and latest user message", func(t *testing.T) {
		msgs := []Message{paddedMsg(RoleSystem, "sys-", 100)}
		for i := 0; i < 20; i++ {
			msgs = append(msgs,
				paddedMsg(RoleUser, fmt.Sprintf("u%02d-", i), 100),
				paddedMsg(RoleAssistant, fmt.Sprintf("a%02d-", i), 100),
			)
		}

		kept, dropped := TrimMessages(msgs, 300)
		assert.Greater(t, dropped, 0)
		assert.LessOrEqual(t, TotalTokens(kept), 300)

		require.NotEmpty(t, kept)
		assert.Equal(t, RoleSystem, kept[0].Role)

		lastUser := -1
		for i, m := range kept {
			if m.Role == RoleUser {
				lastUser = i
			}
		}
		require.NotEqual(t, -1, lastUser)
		assert.Equal(t, msgs[len(msgs)-2].Content, kept[lastUser].Content)
	})

	t.Run("should keep pinned messages even when they exceed the budget", func(t *testing.T) {
		msgs := []Message{
			paddedMsg(RoleSystem, "sys-", 300),
			paddedMsg(RoleAssistant, "a1-", 100),
			paddedMsg(RoleUser, "u1-", 300),
		}
		kept, dropped := TrimMessages(msgs, 200)
		assert.Equal(t, 1, dropped)
		require.Len(t, kept, 2)
		assert.Equal(t, RoleSystem, kept[0].Role)
		assert.Equal(t, RoleUser, kept[1].Role)
	})

	t.Run("should fit a 200 token message into a 4000 token budget", func(t *testing.T) {
		// 3,900 tokens of history: one system prompt plus twelve turns.
		msgs := []Message{paddedMsg(RoleSystem, "sys-", 300)}
		for i := 0; i < 12; i++ {
			role := RoleUser
			if i%2 == 1 {
				role = RoleAssistant
			}
			msgs = append(msgs, paddedMsg(role, fmt.Sprintf("t%02d-", i), 300))
		}
		require.Equal(t, 3900, TotalTokens(msgs))

		// The incoming 200 token user message pushes the total to 4,100.
		msgs = append(msgs, paddedMsg(RoleUser, "new-", 200))

		kept, dropped := TrimMessages(msgs, 4000)
		assert.Equal(t, 1, dropped)
		assert.LessOrEqual(t, TotalTokens(kept), 4000)

		// The system prompt and the new user message both survive; the
		// single dropped message is the oldest conversational turn.
		assert.Equal(t, RoleSystem, kept[0].Role)
		assert.Equal(t, msgs[len(msgs)-1].Content, kept[len(kept)-1].Content)
		assert.NotEqual(t, msgs[1].Content, kept[1].Content)
		assert.Equal(t, msgs[2].Content, kept[1].Content)
	})

	t.Run("should drop tool results whose call was trimmed away", func(t *testing.T) {
		oldCall := Message{
			Role:      RoleAssistant,
			Content:   strings.Repeat("a", 400),
			ToolCalls: []ToolCall{{ID: "old_call", Name: "web_search"}},
		}
		oldResult := Message{
			Role:       RoleTool,
			Content:    strings.Repeat("r", 40),
			ToolCallID: "old_call",
		}
		msgs := []Message{
			paddedMsg(RoleSystem, "sys-", 50),
			oldCall,
			oldResult,
			paddedMsg(RoleUser, "u1-", 100),
			paddedMsg(RoleAssistant, "a1-", 100),
			paddedMsg(RoleUser, "u2-", 100),
		}

		// Budget forces oldCall out; its result must follow even though
		// the result alone would still fit.
		kept, dropped := TrimMessages(msgs, 370)
		assert.Greater(t, dropped, 0)

		for _, m := range kept {
			assert.NotEqual(t, "old_call", m.ToolCallID)
			if m.Role == RoleAssistant {
				for _, tc := range m.ToolCalls {
					assert.NotEqual(t, "old_call", tc.ID)
				}
			}
		}
	})

	t.Run("should handle empty history", func(t *testing.T) {
		kept, dropped := TrimMessages(nil, 100)
		assert.Nil(t, kept)
		assert.Equal(t, 0, dropped)
	})
}
