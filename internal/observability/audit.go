package observability

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/halim/nia/internal/tracing"
)

// AuditEvent is one immutable line in the audit trail. Entries are written
// as JSONL so the trail can be replayed or shipped without parsing state.
type AuditEvent struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Status    string                 `json:"status"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

const (
	AuditTool     = "tool"
	AuditSecurity = "security"
	AuditSession  = "session"
	AuditSubagent = "subagent"
	AuditConfig   = "config"
)

// AuditLogger appends events to a JSONL file and mirrors them onto the
// active span so traces and the audit trail can be correlated.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

var (
	auditOnce sync.Once
	auditInst *AuditLogger
)

// InitAuditLogger opens (or creates) the audit file. Safe to call more
// than once; only the first path wins.
func InitAuditLogger(path string) error {
	var err error
	auditOnce.Do(func() {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			err = mkErr
			return
		}
		f, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if openErr != nil {
			err = openErr
			return
		}
		auditInst = &AuditLogger{file: f}
	})
	return err
}

// GetAuditLogger returns the initialized logger, or nil when auditing is
// disabled. Callers treat nil as a no-op sink.
func GetAuditLogger() *AuditLogger {
	return auditInst
}

// Record writes the event to the audit file and annotates the current span.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if a == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.TraceID == "" {
		event.TraceID = tracing.GetTraceID(ctx)
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		span.AddEvent("audit."+event.Type, trace.WithAttributes(
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.action", event.Action),
			attribute.String("audit.status", event.Status),
		))
	}

	line, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("audit_type", event.Type).Msg("audit event not serializable")
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		log.Warn().Err(err).Msg("audit write failed")
	}
}

// Close flushes and closes the underlying file.
func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// RecordToolAudit notes a tool dispatch outcome for the given session.
func RecordToolAudit(ctx context.Context, sessionKey, tool, status string, meta map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditTool,
		Actor:    sessionKey,
		Action:   tool,
		Status:   status,
		Metadata: meta,
	})
}

// RecordSecurityAudit notes a denied action. These entries are the ones an
// operator reviews after an incident, so the reason goes in metadata verbatim.
func RecordSecurityAudit(ctx context.Context, sessionKey, action, reason string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSecurity,
		Actor:    sessionKey,
		Action:   action,
		Status:   "denied",
		Metadata: map[string]interface{}{"reason": reason},
	})
}

// RecordSessionAudit notes session lifecycle transitions (created, cleared,
// renamed, switched, trimmed).
func RecordSessionAudit(ctx context.Context, sessionKey, action, status string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:   AuditSession,
		Actor:  sessionKey,
		Action: action,
		Status: status,
	})
}

// RecordSubagentAudit notes subagent lifecycle transitions keyed by task id.
func RecordSubagentAudit(ctx context.Context, taskID, action, status string, meta map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     AuditSubagent,
		Actor:    taskID,
		Action:   action,
		Status:   status,
		Metadata: meta,
	})
}
