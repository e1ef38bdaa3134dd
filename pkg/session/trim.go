package session

// TrimMessages drops the oldest messages until the estimated token total
// fits the budget. Two messages are pinned and survive every trim: the
// first system message and the most recent user message. Tool-role
// messages whose issuing assistant message was dropped are removed as
// well, so every surviving tool result still has its call in history.
// Pinned messages are kept even if they alone exceed the budget.
//
// The input slice is never mutated; the returned slice preserves
// chronological order. Deterministic for identical input.
func TrimMessages(msgs []Message, budgetTokens int) (kept []Message, dropped int) {
	if len(msgs) == 0 {
		return nil, 0
	}
	if budgetTokens <= 0 || TotalTokens(msgs) <= budgetTokens {
		out := make([]Message, len(msgs))
		copy(out, msgs)
		return out, 0
	}

	pinned := make(map[int]bool, 2)
	for i, m := range msgs {
		if m.Role == RoleSystem {
			pinned[i] = true
			break
		}
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			pinned[i] = true
			break
		}
	}

	used := 0
	for i := range pinned {
		used += msgs[i].Tokens()
	}

	// Walk newest to oldest; once a message does not fit, everything older
	// (except pinned) is dropped too, keeping the surviving span contiguous.
	keep := make(map[int]bool, len(msgs))
	for i := range pinned {
		keep[i] = true
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if pinned[i] {
			continue
		}
		cost := msgs[i].Tokens()
		if used+cost > budgetTokens {
			break
		}
		keep[i] = true
		used += cost
	}

	// Sweep orphaned tool results.
	liveCalls := make(map[string]bool)
	for i, m := range msgs {
		if !keep[i] || m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			liveCalls[tc.ID] = true
		}
	}
	for i, m := range msgs {
		if keep[i] && m.Role == RoleTool && m.ToolCallID != "" && !liveCalls[m.ToolCallID] {
			delete(keep, i)
		}
	}

	kept = make([]Message, 0, len(keep))
	for i, m := range msgs {
		if keep[i] {
			kept = append(kept, m)
		}
	}
	return kept, len(msgs) - len(kept)
}
