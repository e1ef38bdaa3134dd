package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

var helpTopics = map[string]string{
	"sessions": `Session management

Sessions store your conversation history. Each channel conversation has
its own session.

Commands:
- /sessions - list all sessions
- /session clear - clear current session history
- /session new - start a fresh session (alias: /new)
- /session rename <name> - rename the current session
- /session switch <id> - switch to another session
- /session info - current session details

Starting a fresh session archives the old history instead of deleting it.
Sessions are saved automatically and persist across restarts.`,

	"memory": `Memory

Long-term memory holds notes and context that outlive any one session.

Commands:
- /memory - summarize what is currently remembered
- /memory <note> - save a note to long-term memory

Memory is stored separately from sessions and persists permanently.`,

	"reminders": `Reminders

Set reminders using shorthand or natural time expressions.

Usage:
- /remind 5m Check the build
- /remind 2h Review the PR
- /remind tomorrow 9am Team standup

Reminders fire back into the conversation they were set from.`,

	"search": `Quick search

Run a web search directly from chat.

Usage:
- /search go context cancellation
- /search latest news on AI

The results come back summarized.`,

	"skills": `Skills

Skills are instruction files that extend what the assistant can do.
Each skill is a SKILL.md file with a name, description, and steps.

Commands:
- /skills - list available skills
- /skills run <name> - execute a skill by name

Skills live in the skills directory and reload automatically when
their files change.`,

	"templates": `Templates

Templates are canned workflows for common tasks.

Commands:
- /templates - list available templates
- /template <name> [context] - run a template

Available: morning, daily, research, recap.`,

	"commands": `All commands

Session management:
- /sessions - list all sessions
- /session clear - clear history
- /session new or /new - new session
- /session rename <name> - rename session
- /session switch <id> - switch session
- /session info - session details

Quick actions:
- /remind <time> <message> - set reminder
- /search <query> - web search
- /memory [note] - recall or save memory
- /skills - list skills
- /skills run <name> - run a skill
- /templates - list templates
- /template <name> [context] - run a template
- /status - engine status
- /tasks - background tasks

Help:
- /help - show all commands
- /help <topic> - detailed help (sessions, memory, reminders, search, skills, templates)`,
}

func (r *Router) handleHelp(ctx context.Context, req Request, args string) Outcome {
	if args != "" {
		topic := strings.ToLower(strings.TrimSpace(args))
		if text, ok := helpTopics[topic]; ok {
			return reply(text)
		}
		names := make([]string, 0, len(helpTopics))
		for name := range helpTopics {
			names = append(names, name)
		}
		sort.Strings(names)
		return reply(fmt.Sprintf("Unknown help topic: %s\n\nAvailable topics: %s",
			topic, strings.Join(names, ", ")))
	}
	return reply(r.generalHelp())
}

func (r *Router) generalHelp() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s commands\n\n", r.persona)
	b.WriteString(`Session management:
- /sessions - list all sessions
- /session clear - clear current session history
- /session new - start a fresh session (or /new)
- /session rename <name> - rename the current session
- /session switch <id> - switch to another session

Quick actions:
- /remind <time> <message> - set a reminder
- /search <query> - quick web search
- /memory [note] - recall or save long-term memory
- /skills - list available skills
- /templates - list message templates
- /template <name> - run a template
- /status - engine status
- /tasks - background task list

Help:
- /help <topic> - detailed help for sessions, memory, reminders, search, skills, templates

Tip: you can also just chat naturally.`)
	return b.String()
}
