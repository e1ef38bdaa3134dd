package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/halim/nia/pkg/tools"
)

// Definitions exposes the memory capabilities backed by s. Notes are global
// rather than per-session; what the user asks to remember in one channel
// holds everywhere.
func Definitions(s *Store) []tools.Definition {
	return []tools.Definition{
		memorySaveTool(s),
		memorySearchTool(s),
		memoryListTool(s),
	}
}

func memorySaveTool(s *Store) tools.Definition {
	return tools.Definition{
		Name: "memory_save",
		Description: "Save a fact to long-term memory so it survives across sessions. " +
			"Saving to an existing category overwrites that note.",
		Parameters: []tools.Parameter{
			{Name: "category", Type: "string", Description: "Short label for the fact, e.g. 'timezone' or 'preferred language'", Required: true},
			{Name: "content", Type: "string", Description: "The fact to remember", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			category, _ := args["category"].(string)
			content, _ := args["content"].(string)

			replaced, err := s.SaveNote(ctx, category, content)
			if err != nil {
				return nil, err
			}
			if replaced {
				return fmt.Sprintf("Updated memory %q: %s", strings.TrimSpace(category), strings.TrimSpace(content)), nil
			}
			return fmt.Sprintf("Remembered %q: %s", strings.TrimSpace(category), strings.TrimSpace(content)), nil
		},
	}
}

func memorySearchTool(s *Store) tools.Definition {
	return tools.Definition{
		Name: "memory_search",
		Description: "Search long-term memory. Use when the user refers to something " +
			"from a past conversation that is not in the current context.",
		Parameters: []tools.Parameter{
			{Name: "query", Type: "string", Description: "What to look for", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum results to return (default 5)", Required: false},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			query, _ := args["query"].(string)
			limit := 5
			if raw, ok := args["limit"].(float64); ok && raw > 0 {
				limit = int(raw)
			}

			results, err := s.Search(ctx, query, &SearchOptions{
				Limit:         limit,
				VectorWeight:  0.7,
				KeywordWeight: 0.3,
			})
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return "No matching memories found.", nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "%d match(es):\n", len(results))
			for _, r := range results {
				fmt.Fprintf(&sb, "- [%s] %s (score %.2f)\n", r.Source, strings.TrimSpace(r.Content), r.Score)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}

func memoryListTool(s *Store) tools.Definition {
	return tools.Definition{
		Name:        "memory_list",
		Description: "List everything saved in long-term memory.",
		Parameters:  []tools.Parameter{},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			notes, err := s.ListNotes()
			if err != nil {
				return nil, err
			}
			if len(notes) == 0 {
				return "No memories stored yet.", nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "%d note(s) in memory:\n", len(notes))
			for _, n := range notes {
				fmt.Fprintf(&sb, "- **%s**: %s\n", n.Category, n.Content)
			}
			return strings.TrimRight(sb.String(), "\n"), nil
		},
	}
}
