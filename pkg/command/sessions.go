package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
)

const sessionListLimit = 20

func (r *Router) handleSessions(ctx context.Context, req Request, args string) Outcome {
	infos, err := r.sessions.List()
	if err != nil {
		return r.failure(err)
	}
	if len(infos) == 0 {
		return reply("No sessions found.")
	}

	var b strings.Builder
	b.WriteString("Your sessions:\n")
	for i, info := range infos {
		if i == sessionListLimit {
			fmt.Fprintf(&b, "\n...and %d more sessions\n", len(infos)-sessionListLimit)
			break
		}
		marker := ""
		if info.Key == req.SessionKey {
			marker = "  <- current"
		}
		fmt.Fprintf(&b, "%d. %s%s\n", i+1, info.DisplayName(), marker)
		fmt.Fprintf(&b, "   %d messages, last updated %s\n",
			info.MessageCount, info.UpdatedAt.Format("2006-01-02 15:04"))
	}
	b.WriteString("\nUse /session switch <id> to talk in another session.")
	return reply(b.String())
}

func (r *Router) handleSession(ctx context.Context, req Request, args string) Outcome {
	if args == "" {
		return reply("Session commands:\n" +
			"- /session clear - clear history\n" +
			"- /session new - start fresh (alias /new)\n" +
			"- /session rename <name> - rename\n" +
			"- /session switch <id> - switch session\n" +
			"- /session info - current session details")
	}

	sub, rest := splitFirst(args)
	switch strings.ToLower(sub) {
	case "clear":
		return r.sessionClear(ctx, req)
	case "new":
		return r.sessionNew(ctx, req)
	case "rename":
		return r.sessionRename(ctx, req, rest)
	case "switch":
		return r.sessionSwitch(ctx, req, rest)
	case "info":
		return r.sessionInfo(ctx, req)
	default:
		return reply(fmt.Sprintf("Unknown session subcommand: %s\n\nAvailable: clear, new, rename, switch, info", sub))
	}
}

// handleNew is the /new alias for /session new.
func (r *Router) handleNew(ctx context.Context, req Request, args string) Outcome {
	return r.sessionNew(ctx, req)
}

func (r *Router) sessionClear(ctx context.Context, req Request) Outcome {
	dropped, err := r.sessions.Clear(ctx, req.SessionKey)
	if err != nil {
		return r.failure(err)
	}
	if dropped == 0 {
		return reply("This session has no history yet.")
	}
	r.resetLane(req.SessionKey)

	logger := tracing.LoggerFromContext(ctx, r.logger)
	logger.Info().
		Str("session_key", req.SessionKey).
		Int("dropped", dropped).
		Msg("Session cleared by command")
	return reply(fmt.Sprintf("Cleared %d messages from this session.", dropped))
}

// sessionNew archives the current history instead of discarding it, then
// recreates the session empty.
func (r *Router) sessionNew(ctx context.Context, req Request) Outcome {
	archived := 0
	if info, err := r.sessions.Info(req.SessionKey); err == nil && info.MessageCount > 0 {
		archived = info.MessageCount
		if _, err := r.sessions.Archive(ctx, req.SessionKey); err != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Warn().Err(err).
				Str("session_key", req.SessionKey).
				Msg("Archive failed, clearing in place")
			if _, err := r.sessions.Clear(ctx, req.SessionKey); err != nil {
				return r.failure(err)
			}
		}
	}

	if err := r.sessions.GetOrCreate(ctx, req.SessionKey); err != nil {
		return r.failure(err)
	}
	r.resetLane(req.SessionKey)

	if archived == 0 {
		return reply("Started a fresh session.")
	}
	return reply(fmt.Sprintf("Started a fresh session. Archived %d previous messages.", archived))
}

func (r *Router) sessionRename(ctx context.Context, req Request, name string) Outcome {
	if strings.TrimSpace(name) == "" {
		return reply("Please provide a name: /session rename My Project")
	}
	if err := r.sessions.GetOrCreate(ctx, req.SessionKey); err != nil {
		return r.failure(err)
	}
	if err := r.sessions.Rename(ctx, req.SessionKey, name); err != nil {
		return r.failure(err)
	}
	return reply(fmt.Sprintf("Session renamed to %q.", strings.TrimSpace(name)))
}

// sessionSwitch validates the target only. The session a chat talks to is
// fixed by its channel conversation, so switching means addressing the
// other session from a place that can choose keys, like the CLI.
func (r *Router) sessionSwitch(ctx context.Context, req Request, target string) Outcome {
	target = strings.TrimSpace(target)
	if target == "" {
		return reply("Please provide a session id: /session switch cli:default")
	}

	infos, err := r.sessions.List()
	if err != nil {
		return r.failure(err)
	}

	matched := ""
	for _, info := range infos {
		if info.Key == target {
			matched = info.Key
			break
		}
	}
	if matched == "" {
		if idx, err := strconv.Atoi(target); err == nil && idx >= 1 && idx <= len(infos) {
			matched = infos[idx-1].Key
		}
	}
	if matched == "" {
		return reply(fmt.Sprintf("Session not found: %s\n\nUse /sessions to see available sessions.", target))
	}
	if matched == req.SessionKey {
		return reply("You are already in that session.")
	}
	return reply(fmt.Sprintf(
		"Session %s exists, but each chat is bound to its own session. "+
			"To talk in it, run: nia run --session %s", matched, matched))
}

func (r *Router) sessionInfo(ctx context.Context, req Request) Outcome {
	info, err := r.sessions.Info(req.SessionKey)
	if err != nil {
		if fault.IsKind(err, fault.KindValidation) {
			return reply(fmt.Sprintf("No history yet for session %s.", req.SessionKey))
		}
		return r.failure(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session %s\n", info.Key)
	if info.Name != "" {
		fmt.Fprintf(&b, "Name: %s\n", info.Name)
	}
	fmt.Fprintf(&b, "Messages: %d\n", info.MessageCount)
	fmt.Fprintf(&b, "Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Updated: %s\n", info.UpdatedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "Size: %s", formatBytes(info.SizeBytes))
	if pending := r.sessions.PendingCount(req.SessionKey); pending > 0 {
		fmt.Fprintf(&b, "\nUnflushed messages: %d", pending)
	}
	return reply(b.String())
}

func (r *Router) resetLane(sessionKey string) {
	if r.hooks.ResetLane != nil {
		r.hooks.ResetLane(sessionKey)
	}
}

// splitFirst separates the leading word from the remainder.
func splitFirst(s string) (first, rest string) {
	parts := strings.SplitN(strings.TrimSpace(s), " ", 2)
	first = parts[0]
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return first, rest
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
