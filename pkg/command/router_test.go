package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/nia/pkg/session"
)

func setupRouter(t *testing.T, hooks Hooks) (*Router, *session.Manager, string) {
	t.Helper()
	tempDir := t.TempDir()
	sessions, err := session.New(tempDir)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	r, err := New(Config{
		Sessions: sessions,
		Logger:   zerolog.Nop(),
		Hooks:    hooks,
	})
	require.NoError(t, err)
	return r, sessions, tempDir
}

func seedHistory(t *testing.T, sessions *session.Manager, key string, n int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sessions.GetOrCreate(ctx, key))
	for i := 0; i < n; i++ {
		role := session.RoleUser
		if i%2 == 1 {
			role = session.RoleAssistant
		}
		require.NoError(t, sessions.Append(ctx, key, session.Message{
			Role:    role,
			Content: "message",
		}))
	}
}

func TestIsCommand(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"should accept a bare command", "/help", true},
		{"should accept a command with args", "/remind 5m tea", true},
		{"should accept surrounding whitespace", "  /status  ", true},
		{"should accept a single letter command", "/a", true},
		{"should reject plain text", "hello there", false},
		{"should reject a lone slash", "/", false},
		{"should reject empty input", "", false},
		{"should reject a mid-sentence slash", "look at /help", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCommand(tt.text))
		})
	}
}

func TestRouter_New(t *testing.T) {
	t.Run("should require a session manager", func(t *testing.T) {
		_, err := New(Config{Logger: zerolog.Nop()})
		require.Error(t, err)
	})
}

func TestRouter_Handle_NonCommands(t *testing.T) {
	r, _, _ := setupRouter(t, Hooks{})
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice", Channel: "cli"}

	t.Run("should pass plain text through untouched", func(t *testing.T) {
		out := r.Handle(ctx, req, "what is the weather like")
		assert.False(t, out.Handled)
		assert.False(t, out.Delegate)
		assert.Empty(t, out.Reply)
	})

	t.Run("should pass unparseable command shapes through", func(t *testing.T) {
		out := r.Handle(ctx, req, "/123")
		assert.False(t, out.Handled)
		assert.False(t, out.Delegate)
	})

	t.Run("should reply to unknown commands with a help hint", func(t *testing.T) {
		out := r.Handle(ctx, req, "/frobnicate")
		assert.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Unknown command: /frobnicate")
		assert.Contains(t, out.Reply, "/help")
	})
}

func TestRouter_Handle_Help(t *testing.T) {
	r, _, _ := setupRouter(t, Hooks{})
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice"}

	t.Run("should list all commands without a topic", func(t *testing.T) {
		out := r.Handle(ctx, req, "/help")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "/sessions")
		assert.Contains(t, out.Reply, "/remind")
		assert.Contains(t, out.Reply, "/template")
		assert.Contains(t, out.Reply, "Nia commands")
	})

	t.Run("should show topic help", func(t *testing.T) {
		out := r.Handle(ctx, req, "/help sessions")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "/session clear")
		assert.Contains(t, out.Reply, "archives the old history")
	})

	t.Run("should be case insensitive about the verb and topic", func(t *testing.T) {
		out := r.Handle(ctx, req, "/HELP Memory")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "long-term memory")
	})

	t.Run("should list topics for an unknown topic", func(t *testing.T) {
		out := r.Handle(ctx, req, "/help quantum")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Unknown help topic: quantum")
		assert.Contains(t, out.Reply, "sessions")
	})
}

func TestRouter_Handle_Sessions(t *testing.T) {
	ctx := context.Background()

	t.Run("should report when no sessions exist", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, Request{SessionKey: "cli:alice"}, "/sessions")
		require.True(t, out.Handled)
		assert.Equal(t, "No sessions found.", out.Reply)
	})

	t.Run("should mark the current session in the listing", func(t *testing.T) {
		r, sessions, _ := setupRouter(t, Hooks{})
		seedHistory(t, sessions, "cli:alice", 2)
		seedHistory(t, sessions, "telegram:42", 2)

		out := r.Handle(ctx, Request{SessionKey: "cli:alice"}, "/sessions")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "cli:alice  <- current")
		assert.Contains(t, out.Reply, "telegram:42")
	})
}

func TestRouter_Handle_SessionSubcommands(t *testing.T) {
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice", Channel: "cli"}

	t.Run("should print usage without a subcommand", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/session")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "/session clear")
		assert.Contains(t, out.Reply, "/session rename")
	})

	t.Run("should clear history and report the count", func(t *testing.T) {
		var resetKey string
		r, sessions, _ := setupRouter(t, Hooks{ResetLane: func(key string) { resetKey = key }})
		seedHistory(t, sessions, req.SessionKey, 4)

		out := r.Handle(ctx, req, "/session clear")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Cleared 4 messages")
		assert.Equal(t, req.SessionKey, resetKey)

		msgs, err := sessions.Load(ctx, req.SessionKey)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("should notice an empty session on clear", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/session clear")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "no history")
	})

	t.Run("should rename the current session", func(t *testing.T) {
		r, sessions, _ := setupRouter(t, Hooks{})
		seedHistory(t, sessions, req.SessionKey, 1)

		out := r.Handle(ctx, req, "/session rename My Project")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, `"My Project"`)

		info, err := sessions.Info(req.SessionKey)
		require.NoError(t, err)
		assert.Equal(t, "My Project", info.Name)
	})

	t.Run("should require a name for rename", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/session rename")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "provide a name")
	})

	t.Run("should reject switching to an unknown session", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/session switch nope:1")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Session not found: nope:1")
	})

	t.Run("should resolve switch targets by list index", func(t *testing.T) {
		r, sessions, _ := setupRouter(t, Hooks{})
		seedHistory(t, sessions, "telegram:42", 2)

		out := r.Handle(ctx, req, "/session switch 1")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "telegram:42")
	})

	t.Run("should show session details for info", func(t *testing.T) {
		r, sessions, _ := setupRouter(t, Hooks{})
		seedHistory(t, sessions, req.SessionKey, 3)

		out := r.Handle(ctx, req, "/session info")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Session cli:alice")
		assert.Contains(t, out.Reply, "Messages: 3")
	})

	t.Run("should reject unknown subcommands", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/session destroy")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Unknown session subcommand: destroy")
	})
}

// A fresh session must be answered by the router alone: the reply comes back
// immediately, the history ends up empty, and the old messages land in the
// archive directory instead of being lost.
func TestRouter_Handle_SessionNew(t *testing.T) {
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice", Channel: "cli"}

	t.Run("should answer directly and empty the history", func(t *testing.T) {
		var laneResets []string
		r, sessions, tempDir := setupRouter(t, Hooks{
			ResetLane: func(key string) { laneResets = append(laneResets, key) },
		})
		seedHistory(t, sessions, req.SessionKey, 5)

		out := r.Handle(ctx, req, "/session new")
		require.True(t, out.Handled, "the agent loop must never see /session new")
		assert.False(t, out.Delegate)
		assert.Contains(t, out.Reply, "fresh session")
		assert.Contains(t, out.Reply, "5 previous messages")

		msgs, err := sessions.Load(ctx, req.SessionKey)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		archived, err := os.ReadDir(filepath.Join(tempDir, "archive"))
		require.NoError(t, err)
		assert.Len(t, archived, 1)

		assert.Equal(t, []string{req.SessionKey}, laneResets)
	})

	t.Run("should work with nothing to archive", func(t *testing.T) {
		r, sessions, tempDir := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/session new")
		require.True(t, out.Handled)
		assert.Equal(t, "Started a fresh session.", out.Reply)

		msgs, err := sessions.Load(ctx, req.SessionKey)
		require.NoError(t, err)
		assert.Empty(t, msgs)

		archived, err := os.ReadDir(filepath.Join(tempDir, "archive"))
		require.NoError(t, err)
		assert.Empty(t, archived)
	})

	t.Run("should treat /new as an alias", func(t *testing.T) {
		r, sessions, _ := setupRouter(t, Hooks{})
		seedHistory(t, sessions, req.SessionKey, 2)

		out := r.Handle(ctx, req, "/new")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "fresh session")

		msgs, err := sessions.Load(ctx, req.SessionKey)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestRouter_Handle_Delegation(t *testing.T) {
	r, _, _ := setupRouter(t, Hooks{})
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice"}

	t.Run("should delegate remind with a rewritten instruction", func(t *testing.T) {
		out := r.Handle(ctx, req, "/remind 5m Check the build")
		assert.False(t, out.Handled)
		assert.True(t, out.Delegate)
		assert.Equal(t, "Set a reminder: 5m Check the build", out.Input)
	})

	t.Run("should print usage for a bare remind", func(t *testing.T) {
		out := r.Handle(ctx, req, "/remind")
		assert.True(t, out.Handled)
		assert.Contains(t, out.Reply, "/remind 5m Check the build")
	})

	t.Run("should delegate search queries", func(t *testing.T) {
		out := r.Handle(ctx, req, "/search go generics")
		require.True(t, out.Delegate)
		assert.Contains(t, out.Input, "go generics")
	})

	t.Run("should print usage for a bare search", func(t *testing.T) {
		out := r.Handle(ctx, req, "/search")
		assert.True(t, out.Handled)
	})

	t.Run("should delegate saving a memory note", func(t *testing.T) {
		out := r.Handle(ctx, req, "/memory I prefer short answers")
		require.True(t, out.Delegate)
		assert.Contains(t, out.Input, "Save this note to long-term memory: I prefer short answers")
	})

	t.Run("should delegate a bare memory recall", func(t *testing.T) {
		out := r.Handle(ctx, req, "/memory")
		require.True(t, out.Delegate)
		assert.Contains(t, out.Input, "remember about me")
	})
}

func TestRouter_Handle_Templates(t *testing.T) {
	r, _, _ := setupRouter(t, Hooks{})
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice"}

	t.Run("should list templates", func(t *testing.T) {
		out := r.Handle(ctx, req, "/templates")
		require.True(t, out.Handled)
		for _, name := range []string{"morning", "daily", "research", "recap"} {
			assert.Contains(t, out.Reply, name)
		}
	})

	t.Run("should print usage for a bare template", func(t *testing.T) {
		out := r.Handle(ctx, req, "/template")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "/template morning")
	})

	t.Run("should reject unknown templates", func(t *testing.T) {
		out := r.Handle(ctx, req, "/template evening")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Unknown template: evening")
	})

	t.Run("should expand a template into a delegated instruction", func(t *testing.T) {
		out := r.Handle(ctx, req, "/template morning")
		require.True(t, out.Delegate)
		assert.Contains(t, out.Input, "morning briefing")
		assert.NotContains(t, out.Input, "/template")
	})

	t.Run("should append extra context to the instruction", func(t *testing.T) {
		out := r.Handle(ctx, req, "/template research AI trends in 2026")
		require.True(t, out.Delegate)
		assert.Contains(t, out.Input, "thorough research")
		assert.Contains(t, out.Input, "Additional context: AI trends in 2026")
	})
}

func TestRouter_Handle_Skills(t *testing.T) {
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice"}

	t.Run("should degrade without a skills hook", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/skills")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "not available")
	})

	t.Run("should list skills from the hook", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{ListSkills: func() []SkillEntry {
			return []SkillEntry{
				{Name: "weather", Description: "Get weather info"},
				{Name: "github", Description: "Interact with GitHub"},
			}
		}})
		out := r.Handle(ctx, req, "/skills")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "weather: Get weather info")
		assert.Contains(t, out.Reply, "github: Interact with GitHub")
	})

	t.Run("should report an empty skills directory", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{ListSkills: func() []SkillEntry { return nil }})
		out := r.Handle(ctx, req, "/skills")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "No skills found")
	})

	t.Run("should delegate skill runs", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/skills run weather London")
		require.True(t, out.Delegate)
		assert.Contains(t, out.Input, `"weather" skill`)
		assert.Contains(t, out.Input, "London")
	})

	t.Run("should require a skill name to run", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/skills run")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "specify a skill name")
	})
}

func TestRouter_Handle_StatusAndTasks(t *testing.T) {
	ctx := context.Background()
	req := Request{SessionKey: "cli:alice"}

	t.Run("should render the status snapshot", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{Status: func() StatusReport {
			return StatusReport{
				Version:          "1.2.0",
				Uptime:           "3h12m",
				Provider:         "anthropic",
				Model:            "claude-sonnet-4-5",
				ActiveRuns:       1,
				QueueDepth:       2,
				SessionCount:     4,
				SubagentsRunning: 1,
				SkillCount:       5,
				MemoryEnabled:    true,
			}
		}})
		out := r.Handle(ctx, req, "/status")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "Version: 1.2.0")
		assert.Contains(t, out.Reply, "anthropic (claude-sonnet-4-5)")
		assert.Contains(t, out.Reply, "Active runs: 1")
		assert.Contains(t, out.Reply, "Memory: on")
		assert.Contains(t, out.Reply, "Reminders: off")
	})

	t.Run("should degrade without a status hook", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{})
		out := r.Handle(ctx, req, "/status")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "not available")
	})

	t.Run("should list background tasks for the session", func(t *testing.T) {
		var asked string
		r, _, _ := setupRouter(t, Hooks{ListTasks: func(key string) []TaskEntry {
			asked = key
			return []TaskEntry{
				{ID: "a1b2c3", Goal: "summarize the report", Status: "running", Age: "2m"},
			}
		}})
		out := r.Handle(ctx, req, "/tasks")
		require.True(t, out.Handled)
		assert.Equal(t, req.SessionKey, asked)
		assert.Contains(t, out.Reply, "[running] summarize the report")
		assert.Contains(t, out.Reply, "id a1b2c3")
	})

	t.Run("should report when no tasks exist", func(t *testing.T) {
		r, _, _ := setupRouter(t, Hooks{ListTasks: func(string) []TaskEntry { return nil }})
		out := r.Handle(ctx, req, "/tasks")
		require.True(t, out.Handled)
		assert.Contains(t, out.Reply, "No background tasks")
	})
}
