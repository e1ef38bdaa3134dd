package command

import (
	"context"
	"fmt"
	"strings"
)

func (r *Router) handleRemind(ctx context.Context, req Request, args string) Outcome {
	if args == "" {
		return reply("Reminder usage:\n" +
			"- /remind 5m Check the build\n" +
			"- /remind 2h Review the PR\n" +
			"- /remind tomorrow 9am Team standup\n\n" +
			"Time formats: Nm (minutes), Nh (hours), or natural language.")
	}
	return delegate("Set a reminder: " + args)
}

func (r *Router) handleSearch(ctx context.Context, req Request, args string) Outcome {
	if args == "" {
		return reply("Search usage:\n" +
			"- /search go generics tutorial\n" +
			"- /search latest AI news\n" +
			"- /search how to deploy with systemd")
	}
	return delegate("Search the web and summarize what you find about: " + args)
}

func (r *Router) handleMemory(ctx context.Context, req Request, args string) Outcome {
	if args == "" {
		return delegate("What do you currently remember about me? Summarize your long-term memory.")
	}
	return delegate("Save this note to long-term memory: " + args)
}

func (r *Router) handleSkills(ctx context.Context, req Request, args string) Outcome {
	if args != "" {
		sub, rest := splitFirst(args)
		if strings.ToLower(sub) == "run" {
			if rest == "" {
				return reply("Please specify a skill name: /skills run weather")
			}
			name, extra := splitFirst(rest)
			input := fmt.Sprintf("Run the %q skill.", name)
			if extra != "" {
				input += " " + extra
			}
			return delegate(input)
		}
	}

	if r.hooks.ListSkills == nil {
		return reply("Skill listing is not available in this runtime.")
	}
	skills := r.hooks.ListSkills()
	if len(skills) == 0 {
		return reply("No skills found in the skills directory.")
	}

	var b strings.Builder
	b.WriteString("Available skills:\n")
	for _, s := range skills {
		desc := s.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, desc)
	}
	b.WriteString("\nUse /skills run <name> to execute a skill.")
	return reply(b.String())
}

func (r *Router) handleStatus(ctx context.Context, req Request, args string) Outcome {
	if r.hooks.Status == nil {
		return reply("Status reporting is not available in this runtime.")
	}
	st := r.hooks.Status()

	var b strings.Builder
	fmt.Fprintf(&b, "%s status\n", r.persona)
	if st.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", st.Version)
	}
	if st.Uptime != "" {
		fmt.Fprintf(&b, "Uptime: %s\n", st.Uptime)
	}
	if st.Provider != "" {
		fmt.Fprintf(&b, "Provider: %s (%s)\n", st.Provider, st.Model)
	}
	fmt.Fprintf(&b, "Active runs: %d\n", st.ActiveRuns)
	fmt.Fprintf(&b, "Queued turns: %d\n", st.QueueDepth)
	fmt.Fprintf(&b, "Sessions: %d\n", st.SessionCount)
	fmt.Fprintf(&b, "Background tasks: %d running, %d pending\n", st.SubagentsRunning, st.SubagentsPending)
	fmt.Fprintf(&b, "Skills: %d\n", st.SkillCount)
	fmt.Fprintf(&b, "Memory: %s\n", onOff(st.MemoryEnabled))
	fmt.Fprintf(&b, "Reminders: %s", onOff(st.RemindersEnabled))
	return reply(b.String())
}

func (r *Router) handleTasks(ctx context.Context, req Request, args string) Outcome {
	if r.hooks.ListTasks == nil {
		return reply("Background task listing is not available in this runtime.")
	}
	tasks := r.hooks.ListTasks(req.SessionKey)
	if len(tasks) == 0 {
		return reply("No background tasks for this session.")
	}

	var b strings.Builder
	b.WriteString("Background tasks:\n")
	for i, t := range tasks {
		goal := t.Goal
		if len(goal) > 60 {
			goal = goal[:57] + "..."
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, t.Status, goal)
		detail := fmt.Sprintf("   id %s, created %s ago", t.ID, t.Age)
		if t.Runtime != "" {
			detail += ", ran " + t.Runtime
		}
		b.WriteString(detail + "\n")
	}
	return reply(strings.TrimRight(b.String(), "\n"))
}

func onOff(enabled bool) string {
	if enabled {
		return "on"
	}
	return "off"
}
