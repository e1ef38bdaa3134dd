package command

import (
	"context"
	"fmt"
	"strings"
)

// Template is a canned workflow expanded into an agent instruction.
type Template struct {
	Name        string
	Description string
	Instruction string
}

// templateOrder keeps listings stable.
var templateOrder = []string{"morning", "daily", "research", "recap"}

var templates = map[string]Template{
	"morning": {
		Name:        "Morning Briefing",
		Description: "Weather, calendar, reminders, and news summary",
		Instruction: `Provide a comprehensive morning briefing:
1. Get the current weather for the user's location
2. Check for any calendar events or meetings today
3. List any pending reminders or tasks
4. Summarize the top 3-5 news headlines relevant to the user
Format the response in a clear, scannable way with sections.`,
	},
	"daily": {
		Name:        "Daily Summary",
		Description: "What was accomplished and pending tasks",
		Instruction: `Provide a daily summary:
1. Summarize what was discussed and accomplished in today's conversations
2. List any tasks that were mentioned but not completed
3. Highlight any follow-ups or action items
4. Suggest priorities for tomorrow
Be concise but comprehensive.`,
	},
	"research": {
		Name:        "Research Task",
		Description: "Research a topic and summarize findings",
		Instruction: `Conduct thorough research on the specified topic:
1. Search the web for authoritative sources
2. Gather key facts, statistics, and expert opinions
3. Identify multiple perspectives if applicable
4. Synthesize findings into a clear summary
5. Include sources and links for reference
Provide a well-structured research report.`,
	},
	"recap": {
		Name:        "Conversation Recap",
		Description: "Summarize the current session",
		Instruction: `Summarize the current conversation session:
1. List the main topics discussed
2. Highlight key decisions or conclusions made
3. Note any unanswered questions or pending items
4. Summarize any code, files, or artifacts created
Keep it concise but capture all important points.`,
	},
}

func (r *Router) handleTemplates(ctx context.Context, req Request, args string) Outcome {
	var b strings.Builder
	b.WriteString("Message templates:\n")
	for _, key := range templateOrder {
		t := templates[key]
		fmt.Fprintf(&b, "- %s: %s (%s)\n", key, t.Name, t.Description)
	}
	b.WriteString("\nUse /template <name> to run one.\n")
	b.WriteString("Example: /template morning or /template research AI trends")
	return reply(b.String())
}

// handleTemplate expands the named template into a full instruction and
// delegates it to the agent.
func (r *Router) handleTemplate(ctx context.Context, req Request, args string) Outcome {
	if args == "" {
		return reply("Template usage:\n" +
			"- /template morning - run morning briefing\n" +
			"- /template daily - run daily summary\n" +
			"- /template research <topic> - research a topic\n" +
			"- /template recap - recap current conversation\n\n" +
			"Use /templates to see all available templates.")
	}

	name, rest := splitFirst(args)
	t, ok := templates[strings.ToLower(name)]
	if !ok {
		return reply(fmt.Sprintf("Unknown template: %s\n\nAvailable templates: %s\nUse /templates for details.",
			name, strings.Join(templateOrder, ", ")))
	}

	input := t.Instruction
	if rest != "" {
		input += "\n\nAdditional context: " + rest
	}
	return delegate(input)
}
