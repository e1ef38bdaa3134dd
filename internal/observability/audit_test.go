package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	t.Run("should no-op on nil logger", func(t *testing.T) {
		var a *AuditLogger
		a.Record(context.Background(), AuditEvent{Type: AuditTool})
		assert.NoError(t, a.Close())
	})

	t.Run("should append JSONL events after init", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
		require.NoError(t, InitAuditLogger(path))

		ctx := context.Background()
		RecordToolAudit(ctx, "cli:alice", "get_time", "success", map[string]interface{}{"elapsed_ms": 12})
		RecordSecurityAudit(ctx, "cli:alice", "execute_command", "path escapes workspace")
		RecordSessionAudit(ctx, "cli:alice", "clear", "success")
		RecordSubagentAudit(ctx, "task-1", "spawn", "queued", nil)

		require.NoError(t, GetAuditLogger().Close())

		f, err := os.Open(path)
		require.NoError(t, err)
		defer f.Close()

		var events []AuditEvent
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			var ev AuditEvent
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
			events = append(events, ev)
		}
		require.Len(t, events, 4)

		assert.Equal(t, AuditTool, events[0].Type)
		assert.Equal(t, "get_time", events[0].Action)
		assert.False(t, events[0].Timestamp.IsZero())

		assert.Equal(t, AuditSecurity, events[1].Type)
		assert.Equal(t, "denied", events[1].Status)
		assert.Equal(t, "path escapes workspace", events[1].Metadata["reason"])

		assert.Equal(t, AuditSession, events[2].Type)
		assert.Equal(t, AuditSubagent, events[3].Type)
		assert.Equal(t, "task-1", events[3].Actor)
	})
}
