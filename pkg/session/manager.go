package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
)

const archiveDirName = "archive"

// Manager persists conversations as JSONL files, one per session key.
// The first line of every file is a Metadata record; every following line
// is one Message. Appends that fail to reach disk are buffered in memory
// and flushed on the next successful write, so a full disk degrades the
// session instead of losing the turn.
type Manager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.RWMutex

	pendingMu sync.Mutex
	pending   map[string][]Message
}

// New creates a new session Manager rooted at sessionsDir.
func New(sessionsDir string) (*Manager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".nia", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(sessionsDir, archiveDirName), 0700); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	m := &Manager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
		pending:     make(map[string][]Message),
	}

	log.Info().Str("dir", sessionsDir).Msg("Session manager initialized")
	m.updateActiveSessionsMetric()

	return m, nil
}

// validateSessionKey rejects keys that could escape the sessions directory.
func (m *Manager) validateSessionKey(sessionKey string) error {
	switch {
	case sessionKey == "":
		return fault.New(fault.KindValidation, "session", "session key cannot be empty")
	case strings.Contains(sessionKey, ".."):
		return fault.New(fault.KindValidation, "session", "session key cannot contain '..'")
	case strings.ContainsAny(sessionKey, "/\\"):
		return fault.New(fault.KindValidation, "session", "session key cannot contain path separators")
	case strings.Contains(sessionKey, "\x00"):
		return fault.New(fault.KindValidation, "session", "session key cannot contain null bytes")
	}
	return nil
}

func (m *Manager) sessionPath(sessionKey string) string {
	return filepath.Join(m.sessionsDir, sessionKey+".jsonl")
}

func (m *Manager) archivePath(sessionKey string) string {
	stamp := time.Now().Format("20060102-150405")
	return filepath.Join(m.sessionsDir, archiveDirName, fmt.Sprintf("%s.%s.jsonl", sessionKey, stamp))
}

func (m *Manager) updateActiveSessionsMetric() {
	infos, err := m.List()
	if err != nil {
		return
	}
	observability.SetActiveSessions(len(infos))
}

func (m *Manager) getWriteLock(sessionKey string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	if lock, exists := m.writeLocks[sessionKey]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	m.writeLocks[sessionKey] = lock
	return lock
}

func (m *Manager) releaseWriteLock(sessionKey string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.writeLocks, sessionKey)
}

// GetOrCreate ensures the session file exists, writing the metadata line
// on first creation.
func (m *Manager) GetOrCreate(ctx context.Context, sessionKey string) error {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.session",
		"session.create",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	created, err := m.ensureFileLocked(sessionKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if created {
		m.updateActiveSessionsMetric()
		logger.Info().Str("session_key", sessionKey).Msg("Session created")
	}
	return nil
}

// ensureFileLocked creates the session file with its metadata line when
// missing. Caller holds the session write lock.
func (m *Manager) ensureFileLocked(sessionKey string) (created bool, err error) {
	path := m.sessionPath(sessionKey)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return false, fault.Wrapf(fault.KindStorage, "session", err, "failed to create session file")
	}
	defer file.Close()

	line, err := json.Marshal(newMetadata())
	if err != nil {
		return false, fault.Wrapf(fault.KindStorage, "session", err, "failed to marshal metadata")
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return false, fault.Wrapf(fault.KindStorage, "session", err, "failed to write metadata")
	}
	return true, nil
}

// Append persists a message at the end of the session. A storage failure
// is absorbed: the message is buffered in memory, the failure logged and
// counted, and the buffer flushed ahead of the next successful append.
func (m *Manager) Append(ctx context.Context, sessionKey string, message Message) error {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.session",
		"session.append",
		attribute.String("session_key", sessionKey),
		attribute.String("role", message.Role),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionSave(time.Since(start))
	}()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if err := validateMessage(message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := m.writeThroughLocked(sessionKey, message); err != nil {
		m.pendingMu.Lock()
		m.pending[sessionKey] = append(m.pending[sessionKey], message)
		backlog := len(m.pending[sessionKey])
		m.pendingMu.Unlock()

		observability.RecordStorageFailure()
		span.RecordError(err)
		logger.Warn().
			Str("session_key", sessionKey).
			Int("buffered", backlog).
			Err(err).
			Msg("Append did not reach disk, message buffered in memory")
		return nil
	}

	logger.Debug().
		Str("session_key", sessionKey).
		Str("role", message.Role).
		Msg("Message appended")

	return nil
}

// writeThroughLocked flushes any buffered messages, then the new one.
// Caller holds the session write lock.
func (m *Manager) writeThroughLocked(sessionKey string, message Message) error {
	if _, err := m.ensureFileLocked(sessionKey); err != nil {
		return err
	}

	file, err := os.OpenFile(m.sessionPath(sessionKey), os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fault.Wrapf(fault.KindStorage, "session", err, "failed to open session file")
	}
	defer file.Close()

	m.pendingMu.Lock()
	backlog := m.pending[sessionKey]
	m.pendingMu.Unlock()

	flushed := 0
	for _, buffered := range backlog {
		if err := writeMessageLine(file, buffered); err != nil {
			m.dropFlushed(sessionKey, flushed)
			return err
		}
		flushed++
	}
	m.dropFlushed(sessionKey, flushed)

	if err := writeMessageLine(file, message); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return fault.Wrapf(fault.KindStorage, "session", err, "failed to sync session file")
	}

	if flushed > 0 {
		log.Info().Str("session_key", sessionKey).Int("flushed", flushed).Msg("Buffered messages flushed to disk")
	}
	return nil
}

func (m *Manager) dropFlushed(sessionKey string, n int) {
	if n == 0 {
		return
	}
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	rest := m.pending[sessionKey][n:]
	if len(rest) == 0 {
		delete(m.pending, sessionKey)
	} else {
		m.pending[sessionKey] = rest
	}
}

func writeMessageLine(file *os.File, message Message) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fault.Wrapf(fault.KindStorage, "session", err, "failed to marshal message")
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fault.Wrapf(fault.KindStorage, "session", err, "failed to write message")
	}
	return nil
}

func validateMessage(message Message) error {
	if message.Role == "" {
		return fault.New(fault.KindValidation, "session", "message role cannot be empty")
	}
	if message.Content == "" && len(message.ToolCalls) == 0 && message.ToolCallID == "" {
		return fault.New(fault.KindValidation, "session", "message content cannot be empty")
	}
	return nil
}

// Load returns the full history, buffered messages included. Corrupt
// lines are skipped, not fatal.
func (m *Manager) Load(ctx context.Context, sessionKey string) ([]Message, error) {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.session",
		"session.load",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordSessionLoad(time.Since(start))
	}()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	messages, _, err := m.readFile(sessionKey, logger)
	if err != nil {
		// An unreadable file degrades to the in-memory view rather than
		// killing the conversation.
		observability.RecordStorageFailure()
		span.RecordError(err)
		logger.Warn().
			Str("session_key", sessionKey).
			Err(err).
			Msg("Session file unreadable, continuing from memory")
		messages = nil
	}

	m.pendingMu.Lock()
	messages = append(messages, m.pending[sessionKey]...)
	m.pendingMu.Unlock()

	logger.Debug().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Session loaded")

	return messages, nil
}

func (m *Manager) readFile(sessionKey string, logger zerolog.Logger) ([]Message, Metadata, error) {
	meta := newMetadata()
	path := m.sessionPath(sessionKey)

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, meta, nil
		}
		return nil, meta, fault.Wrapf(fault.KindStorage, "session", err, "failed to open session file")
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		if lineNum == 1 || bytes.Contains(line, []byte(`"_type"`)) {
			var candidate Metadata
			if err := json.Unmarshal(line, &candidate); err == nil && candidate.Type == metadataType {
				meta = candidate
				continue
			}
		}

		var message Message
		if err := json.Unmarshal(line, &message); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if message.Role == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}
		messages = append(messages, message)
	}

	if err := scanner.Err(); err != nil {
		return nil, meta, fault.Wrapf(fault.KindStorage, "session", err, "failed to read session file")
	}
	return messages, meta, nil
}

// Replace atomically rewrites the session with the given history. The
// metadata line is preserved with a refreshed updated_at; the in-memory
// buffer is discarded because the caller's view already contained it.
func (m *Manager) Replace(ctx context.Context, sessionKey string, messages []Message) error {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.session",
		"session.replace",
		attribute.String("session_key", sessionKey),
		attribute.Int("messages", len(messages)),
	)
	defer span.End()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	_, meta, err := m.readFile(sessionKey, log.Logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	meta.UpdatedAt = time.Now()

	if err := m.writeAllLocked(sessionKey, meta, messages); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.pendingMu.Lock()
	delete(m.pending, sessionKey)
	m.pendingMu.Unlock()

	return nil
}

// writeAllLocked writes metadata plus messages to a temp file and renames
// it over the session file. Caller holds the session write lock.
func (m *Manager) writeAllLocked(sessionKey string, meta Metadata, messages []Message) error {
	path := m.sessionPath(sessionKey)
	tempPath := path + ".tmp"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fault.Wrapf(fault.KindStorage, "session", err, "failed to create temp file")
	}

	fail := func(err error) error {
		file.Close()
		os.Remove(tempPath)
		return err
	}

	metaLine, err := json.Marshal(meta)
	if err != nil {
		return fail(fault.Wrapf(fault.KindStorage, "session", err, "failed to marshal metadata"))
	}
	if _, err := file.Write(append(metaLine, '\n')); err != nil {
		return fail(fault.Wrapf(fault.KindStorage, "session", err, "failed to write metadata"))
	}
	for _, message := range messages {
		if err := writeMessageLine(file, message); err != nil {
			return fail(err)
		}
	}
	if err := file.Sync(); err != nil {
		return fail(fault.Wrapf(fault.KindStorage, "session", err, "failed to sync temp file"))
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fault.Wrapf(fault.KindStorage, "session", err, "failed to replace session file")
	}
	return nil
}

// Trim rewrites the session so its estimated token total fits the budget.
// Returns the number of dropped messages; zero means the file was left
// untouched.
func (m *Manager) Trim(ctx context.Context, sessionKey string, budgetTokens int) (int, error) {
	messages, err := m.Load(ctx, sessionKey)
	if err != nil {
		return 0, err
	}

	kept, dropped := TrimMessages(messages, budgetTokens)
	if dropped == 0 {
		return 0, nil
	}

	if err := m.Replace(ctx, sessionKey, kept); err != nil {
		return 0, err
	}

	observability.RecordSessionTrim(dropped)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_key", sessionKey).
		Int("dropped", dropped).
		Int("kept", len(kept)).
		Msg("Session trimmed to token budget")

	return dropped, nil
}

// Clear empties the session history, keeping the session itself.
func (m *Manager) Clear(ctx context.Context, sessionKey string) (int, error) {
	messages, err := m.Load(ctx, sessionKey)
	if err != nil {
		return 0, err
	}
	if err := m.Replace(ctx, sessionKey, nil); err != nil {
		return 0, err
	}
	return len(messages), nil
}

// Rename sets the display name kept in the metadata line.
func (m *Manager) Rename(ctx context.Context, sessionKey, name string) error {
	if err := m.validateSessionKey(sessionKey); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fault.New(fault.KindValidation, "session", "display name cannot be empty")
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	messages, meta, err := m.readFile(sessionKey, log.Logger)
	if err != nil {
		return err
	}
	meta.Name = strings.TrimSpace(name)
	meta.UpdatedAt = time.Now()

	return m.writeAllLocked(sessionKey, meta, messages)
}

// Archive moves the session file under archive/ with a timestamp suffix
// and forgets its write lock. Returns the archived path.
func (m *Manager) Archive(ctx context.Context, sessionKey string) (string, error) {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.session",
		"session.archive",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	src := m.sessionPath(sessionKey)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return "", fault.New(fault.KindValidation, "session", "session does not exist")
	}

	dst := m.archivePath(sessionKey)
	if err := os.Rename(src, dst); err != nil {
		err = fault.Wrapf(fault.KindStorage, "session", err, "failed to archive session file")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	m.pendingMu.Lock()
	delete(m.pending, sessionKey)
	m.pendingMu.Unlock()
	m.releaseWriteLock(sessionKey)
	m.updateActiveSessionsMetric()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_key", sessionKey).
		Str("archived_to", dst).
		Msg("Session archived")

	return dst, nil
}

// Delete removes a session file permanently.
func (m *Manager) Delete(ctx context.Context, sessionKey string) error {
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.session",
		"session.delete",
		attribute.String("session_key", sessionKey),
	)
	defer span.End()

	if err := m.validateSessionKey(sessionKey); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	lock := m.getWriteLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(m.sessionPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		err = fault.Wrapf(fault.KindStorage, "session", err, "failed to delete session file")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	m.pendingMu.Lock()
	delete(m.pending, sessionKey)
	m.pendingMu.Unlock()
	m.releaseWriteLock(sessionKey)
	m.updateActiveSessionsMetric()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_key", sessionKey).
		Msg("Session deleted")

	return nil
}

// List returns live sessions sorted by most recent activity. Archived
// files are not included.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.sessionsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fault.Wrapf(fault.KindStorage, "session", err, "failed to read sessions directory")
	}

	var infos []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), ".jsonl")
		info, err := m.Info(key)
		if err != nil {
			continue
		}
		infos = append(infos, *info)
	}

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].Key < infos[j].Key
		}
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Info summarizes a session. UpdatedAt reflects the newer of the metadata
// stamp and the file modification time, since appends do not rewrite the
// metadata line.
func (m *Manager) Info(sessionKey string) (*Info, error) {
	if err := m.validateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	path := m.sessionPath(sessionKey)
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.New(fault.KindValidation, "session", "session does not exist")
		}
		return nil, fault.Wrapf(fault.KindStorage, "session", err, "failed to stat session file")
	}

	messages, meta, err := m.readFile(sessionKey, log.Logger)
	if err != nil {
		return nil, err
	}

	updated := meta.UpdatedAt
	if stat.ModTime().After(updated) {
		updated = stat.ModTime()
	}

	return &Info{
		Key:          sessionKey,
		Name:         meta.Name,
		MessageCount: len(messages),
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    updated,
		SizeBytes:    stat.Size(),
		Path:         path,
	}, nil
}

// Repair rewrites a session keeping only parseable lines.
func (m *Manager) Repair(ctx context.Context, sessionKey string) error {
	messages, err := m.Load(ctx, sessionKey)
	if err != nil {
		return err
	}
	if err := m.Replace(ctx, sessionKey, messages); err != nil {
		return err
	}

	log.Info().
		Str("session_key", sessionKey).
		Int("messages", len(messages)).
		Msg("Session repaired")
	return nil
}

// PendingCount reports messages still waiting for a successful flush.
func (m *Manager) PendingCount(sessionKey string) int {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()
	return len(m.pending[sessionKey])
}

// Dir returns the sessions directory.
func (m *Manager) Dir() string {
	return m.sessionsDir
}

// Close releases the manager's in-memory state.
func (m *Manager) Close() error {
	m.locksMu.Lock()
	m.writeLocks = make(map[string]*sync.Mutex)
	m.locksMu.Unlock()

	m.pendingMu.Lock()
	buffered := 0
	for _, msgs := range m.pending {
		buffered += len(msgs)
	}
	m.pending = make(map[string][]Message)
	m.pendingMu.Unlock()

	if buffered > 0 {
		log.Warn().Int("buffered", buffered).Msg("Session manager closed with unflushed messages")
	} else {
		log.Info().Msg("Session manager closed")
	}
	return nil
}
