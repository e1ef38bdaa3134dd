// Package coretools provides the built-in tool set every agent session
// gets: clock and calculator utilities, a session summary, workspace file
// access, and sandboxed command execution.
package coretools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
	"github.com/halim/nia/pkg/sandbox"
	"github.com/halim/nia/pkg/session"
	"github.com/halim/nia/pkg/tools"
)

// SessionReader is the slice of the session manager the summary tool needs.
type SessionReader interface {
	Load(ctx context.Context, sessionKey string) ([]session.Message, error)
	Info(sessionKey string) (*session.Info, error)
}

// Options wires the core tools to their backends.
type Options struct {
	// Workspace roots the file tools and command execution. File access
	// outside it is refused.
	Workspace string

	// Sessions backs the session_summary tool.
	Sessions SessionReader

	// Sandbox executes commands for the exec tool. Nil disables exec.
	Sandbox sandbox.Sandbox
}

// Definitions returns the built-in tool set.
func Definitions(opts Options) []tools.Definition {
	return []tools.Definition{
		timeNowTool(),
		calcTool(),
		sessionSummaryTool(opts.Sessions),
		readFileTool(opts),
		writeFileTool(opts),
		editFileTool(opts),
		execTool(opts),
	}
}

func timeNowTool() tools.Definition {
	return tools.Definition{
		Name:        "time_now",
		Description: "Get the current date and time, optionally in a specific timezone.",
		Parameters: []tools.Parameter{
			{Name: "timezone", Type: "string", Description: "IANA timezone name like 'Asia/Jakarta'. Defaults to the local timezone.", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			loc := time.Local
			if raw, ok := args["timezone"].(string); ok && strings.TrimSpace(raw) != "" {
				name := strings.TrimSpace(raw)
				parsed, err := time.LoadLocation(name)
				if err != nil {
					return nil, fault.Wrapf(fault.KindValidation, "tools.time_now", err, "unknown timezone %q", name)
				}
				loc = parsed
			}
			return time.Now().In(loc).Format("Monday, 2 January 2006, 15:04 MST"), nil
		},
	}
}

func sessionSummaryTool(sessions SessionReader) tools.Definition {
	return tools.Definition{
		Name:        "session_summary",
		Description: "Summarize the current conversation session: message counts, estimated token usage, and activity timeline.",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			const op = "tools.session_summary"

			if sessions == nil {
				return nil, fault.New(fault.KindExecution, op, "session storage is not available")
			}
			key := tracing.GetSessionKey(ctx)
			if key == "" {
				return nil, fault.New(fault.KindExecution, op, "no session is associated with this call")
			}

			msgs, err := sessions.Load(ctx, key)
			if err != nil {
				return nil, err
			}
			if len(msgs) == 0 {
				return "This session has no messages yet.", nil
			}

			var users, assistants, toolResults int
			for _, m := range msgs {
				switch m.Role {
				case session.RoleUser:
					users++
				case session.RoleAssistant:
					assistants++
				case session.RoleTool:
					toolResults++
				}
			}

			name := key
			info, err := sessions.Info(key)
			if err == nil && info != nil {
				name = info.DisplayName()
			}

			var b strings.Builder
			fmt.Fprintf(&b, "Session %s: %d messages (%d user, %d assistant, %d tool results), ~%d tokens.",
				name, len(msgs), users, assistants, toolResults, session.TotalTokens(msgs))
			if info != nil {
				fmt.Fprintf(&b, "\nStarted %s, last active %s.",
					info.CreatedAt.Format("2006-01-02 15:04"),
					info.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return b.String(), nil
		},
	}
}
