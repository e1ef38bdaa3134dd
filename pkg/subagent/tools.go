package subagent

import (
	"context"
	"fmt"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/tools"
)

// Definitions exposes the delegation capability backed by s. The spawned
// helper runs in its own session; when it reaches a terminal state the
// supervisor posts its summary back into the session that called spawn.
func Definitions(s *Supervisor) []tools.Definition {
	return []tools.Definition{
		spawnTool(s),
	}
}

func spawnTool(s *Supervisor) tools.Definition {
	return tools.Definition{
		Name: "spawn",
		Description: "Delegate a task to a background helper that works on it independently " +
			"while this conversation continues. Use for long-running or self-contained work. " +
			"The helper's result is posted back into this conversation when it finishes.",
		Parameters: []tools.Parameter{
			{Name: "task", Type: "string", Description: "What the helper should do, stated completely; it cannot ask follow-up questions", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			goal, _ := args["task"].(string)

			parentKey := tracing.GetSessionKey(ctx)
			if parentKey == "" {
				return nil, fault.New(fault.KindExecution, "subagent.spawn",
					"no session is associated with this call")
			}

			task, err := s.Spawn(ctx, SpawnRequest{
				ParentSessionKey: parentKey,
				Goal:             goal,
				CallID:           tracing.GetToolCallID(ctx),
			})
			if err != nil {
				return nil, err
			}

			return fmt.Sprintf("Started background task %s. Its result will appear in this conversation when it finishes.", task.ID), nil
		},
	}
}
