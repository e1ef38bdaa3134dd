package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/halim/nia/internal/observability"
	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/fault"
)

func init() {
	sqlite_vec.Auto()
}

// NoteFile is the markdown file holding saved notes inside the memory
// directory. It stays hand-editable; the index rebuilds from it.
const NoteFile = "MEMORY.md"

const (
	noteHeading = "## Notes"
	noteSeed    = "# Memory\n\nNotes saved across sessions. One line per note; edits here are picked\nup by the next search.\n\n" + noteHeading + "\n\n"
)

// notePattern matches one saved note line, with or without the saved-at
// suffix a hand edit may have dropped.
var notePattern = regexp.MustCompile(`^- \*\*(.+?)\*\*: (.*?)(?:\s*\*\(saved: [^)]*\)\*)?\s*$`)

// Note is one remembered fact, keyed by a free-form category.
type Note struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

// Status is a point-in-time snapshot of the store for the status surfaces.
type Status struct {
	Files        int        `json:"files"`
	Chunks       int        `json:"chunks"`
	Notes        int        `json:"notes"`
	Dirty        bool       `json:"dirty"`
	Syncing      bool       `json:"syncing"`
	LastSync     *time.Time `json:"last_sync,omitempty"`
	CacheHitRate *float64   `json:"cache_hit_rate,omitempty"`
}

// Config holds memory store configuration.
type Config struct {
	// Dir is the memory directory. It holds MEMORY.md, any extra markdown
	// note files, and (by default) the index database.
	Dir    string
	DBPath string // defaults to <Dir>/index.db
	Logger zerolog.Logger
	// Embedder is optional. When nil the store skips the vector table and
	// searches by keyword only.
	Embedder Embedder
}

// Store keeps long-term notes as markdown and maintains a sqlite index over
// them for hybrid search. Notes are written through SaveNote; the watcher
// catches edits made behind the store's back and flags a reindex, which the
// next search performs lazily.
type Store struct {
	db       *sql.DB
	dir      string
	logger   zerolog.Logger
	embedder Embedder
	watcher  *noteWatcher

	// noteMu serializes read-modify-write cycles on the note file.
	noteMu sync.Mutex

	mu          sync.RWMutex
	dirty       bool
	syncing     bool
	lastSync    *time.Time
	cacheHits   int
	cacheMisses int
}

// New opens the index database, creating the memory directory and schema as
// needed, and starts the change watcher. The index starts dirty so the first
// search triggers a full sync.
func New(cfg Config) (*Store, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, fault.New(fault.KindValidation, "memory.new", "memory directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fault.Wrap(fault.KindStorage, "memory.new", err)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Dir, "index.db")
	}

	db, err := sql.Open("sqlite3", dbPath+"?_fts5=1")
	if err != nil {
		return nil, fault.Wrap(fault.KindStorage, "memory.new", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindStorage, "memory.new", err)
	}

	s := &Store{
		db:       db,
		dir:      cfg.Dir,
		logger:   cfg.Logger.With().Str("module", "memory").Logger(),
		embedder: cfg.Embedder,
		dirty:    true,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindStorage, "memory.new", err)
	}

	watcher, err := newNoteWatcher(s.logger, s.MarkDirty)
	if err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindExecution, "memory.new", err)
	}
	if err := watcher.watch(cfg.Dir); err != nil {
		watcher.stop()
		db.Close()
		return nil, fault.Wrap(fault.KindExecution, "memory.new", err)
	}
	s.watcher = watcher

	s.logger.Info().Str("dir", cfg.Dir).Bool("vectors", cfg.Embedder != nil).Msg("Memory store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS files (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL UNIQUE,
			content_hash TEXT NOT NULL,
			indexed_at INTEGER NOT NULL,
			size_bytes INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_files_hash ON files(content_hash);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			file_id INTEGER NOT NULL REFERENCES files(id),
			content TEXT NOT NULL,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(file_id);

		CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			chunk_id UNINDEXED,
			content,
			tokenize='porter unicode61'
		);

		CREATE TABLE IF NOT EXISTS embedding_cache (
			content_hash TEXT PRIMARY KEY,
			embedding BLOB NOT NULL,
			dimension INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS embeddings USING vec0(
				chunk_id TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("create vector table: %w", err)
		}
	}
	return nil
}

func (s *Store) notePath() string {
	return filepath.Join(s.dir, NoteFile)
}

// SaveNote stores one fact under a category in the note file. A note with
// the same category is replaced in place, so facts stay current instead of
// accumulating contradictions. Reports whether an existing note was replaced.
func (s *Store) SaveNote(ctx context.Context, category, content string) (bool, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"nia.memory",
		"memory.save",
		attribute.String("category", category),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		observability.RecordMemoryWrite(time.Since(start))
	}()

	category = strings.TrimSpace(category)
	content = strings.TrimSpace(content)
	if category == "" || content == "" {
		return false, fault.New(fault.KindValidation, "memory.save", "category and content are both required")
	}
	// Notes are one line each.
	content = strings.Join(strings.Fields(content), " ")

	s.noteMu.Lock()
	defer s.noteMu.Unlock()

	raw, err := os.ReadFile(s.notePath())
	if err != nil {
		if !os.IsNotExist(err) {
			span.RecordError(err)
			return false, fault.Wrap(fault.KindStorage, "memory.save", err)
		}
		raw = []byte(noteSeed)
	}
	text := string(raw)

	entry := fmt.Sprintf("- **%s**: %s *(saved: %s)*", category, content, time.Now().Format("2006-01-02 15:04"))
	linePattern := regexp.MustCompile(`(?m)^- \*\*` + regexp.QuoteMeta(category) + `\*\*:.*$`)

	replaced := linePattern.MatchString(text)
	if replaced {
		text = linePattern.ReplaceAllLiteralString(text, entry)
	} else {
		text = insertNote(text, entry)
	}

	if err := writeFileAtomic(s.notePath(), []byte(text)); err != nil {
		span.RecordError(err)
		return false, fault.Wrap(fault.KindStorage, "memory.save", err)
	}
	s.MarkDirty()

	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Debug().
		Str("category", category).
		Bool("replaced", replaced).
		Msg("Note saved")
	return replaced, nil
}

// insertNote places a new entry at the top of the notes list, appending the
// heading first if the file never had one.
func insertNote(text, entry string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) != noteHeading {
			continue
		}
		j := i + 1
		for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
			j++
		}
		lines = append(lines[:j], append([]string{entry}, lines[j:]...)...)
		return strings.Join(lines, "\n")
	}
	return strings.TrimRight(text, "\n") + "\n\n" + noteHeading + "\n\n" + entry + "\n"
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ListNotes parses the note file back into structured notes, newest first as
// they appear in the file. A missing file is an empty list.
func (s *Store) ListNotes() ([]Note, error) {
	s.noteMu.Lock()
	defer s.noteMu.Unlock()

	raw, err := os.ReadFile(s.notePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.KindStorage, "memory.list", err)
	}

	var notes []Note
	for _, line := range strings.Split(string(raw), "\n") {
		m := notePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}
		notes = append(notes, Note{Category: m[1], Content: content})
	}
	return notes, nil
}

// Sync reindexes every markdown file in the memory directory. Unchanged
// files are skipped by content hash; files deleted from disk are pruned
// from the index.
func (s *Store) Sync(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "nia.memory", "memory.sync")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		span.SetStatus(codes.Error, "sync already in progress")
		return errors.New("sync already in progress")
	}
	s.syncing = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncing = false
		s.dirty = false
		now := time.Now()
		s.lastSync = &now
		s.mu.Unlock()
	}()

	start := time.Now()
	defer func() {
		observability.RecordMemoryWrite(time.Since(start))
	}()

	var noteFiles []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != s.dir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".md") {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		noteFiles = append(noteFiles, rel)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fault.Wrap(fault.KindStorage, "memory.sync", err)
	}

	indexed := 0
	skipped := 0
	chunksCreated := 0
	for _, rel := range noteFiles {
		changed, chunks, err := s.indexFile(ctx, filepath.Join(s.dir, rel), rel)
		if err != nil {
			logger.Warn().Err(err).Str("file", rel).Msg("Failed to index note file")
			span.RecordError(err)
			continue
		}
		if changed {
			indexed++
			chunksCreated += chunks
		} else {
			skipped++
		}
	}

	pruned, err := s.pruneDeleted(ctx, noteFiles)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to prune deleted note files")
		span.RecordError(err)
	}

	logger.Info().
		Int("indexed", indexed).
		Int("skipped", skipped).
		Int("chunks", chunksCreated).
		Int("pruned", pruned).
		Dur("duration", time.Since(start)).
		Msg("Memory sync completed")
	return nil
}

// indexFile reindexes one file unless its content hash is unchanged.
// Reports whether work was done and how many chunks were written.
func (s *Store) indexFile(ctx context.Context, fullPath, relPath string) (bool, int, error) {
	content, err := os.ReadFile(fullPath)
	if err != nil {
		return false, 0, err
	}
	sum := sha256.Sum256(content)
	contentHash := hex.EncodeToString(sum[:])

	var existingHash string
	err = s.db.QueryRow("SELECT content_hash FROM files WHERE path = ?", relPath).Scan(&existingHash)
	if err == nil && existingHash == contentHash {
		return false, 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, 0, err
	}
	defer tx.Rollback()

	if err := s.removeFileTx(tx, relPath); err != nil {
		return false, 0, err
	}

	result, err := tx.Exec(
		"INSERT INTO files (path, content_hash, indexed_at, size_bytes) VALUES (?, ?, ?, ?)",
		relPath, contentHash, time.Now().Unix(), len(content),
	)
	if err != nil {
		return false, 0, err
	}
	fileID, err := result.LastInsertId()
	if err != nil {
		return false, 0, err
	}

	chunks := splitChunks(string(content))
	for i, c := range chunks {
		chunkID := fmt.Sprintf("%s#%d", relPath, i)
		if _, err := tx.Exec(
			"INSERT INTO chunks (id, file_id, content, start_offset, end_offset) VALUES (?, ?, ?, ?, ?)",
			chunkID, fileID, c.content, c.start, c.end,
		); err != nil {
			return false, 0, err
		}
		if _, err := tx.Exec(
			"INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)",
			chunkID, c.content,
		); err != nil {
			return false, 0, err
		}
		if s.embedder != nil {
			if err := s.storeEmbedding(ctx, tx, chunkID, c.content); err != nil {
				// One failed chunk does not sink the file.
				s.logger.Warn().Err(err).Str("chunk", chunkID).Msg("Failed to store embedding")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, 0, err
	}
	return true, len(chunks), nil
}

// removeFileTx deletes a file and its chunks from every table. The fts and
// vector tables have no foreign keys, so their rows go explicitly, before
// the chunk rows they reference.
func (s *Store) removeFileTx(tx *sql.Tx, relPath string) error {
	rows, err := tx.Query(
		"SELECT id FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)",
		relPath,
	)
	if err != nil {
		return err
	}
	var chunkIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		chunkIDs = append(chunkIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, id := range chunkIDs {
		if _, err := tx.Exec("DELETE FROM chunks_fts WHERE chunk_id = ?", id); err != nil {
			return err
		}
		if s.embedder != nil {
			if _, err := tx.Exec("DELETE FROM embeddings WHERE chunk_id = ?", id); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec("DELETE FROM chunks WHERE file_id IN (SELECT id FROM files WHERE path = ?)", relPath); err != nil {
		return err
	}
	_, err = tx.Exec("DELETE FROM files WHERE path = ?", relPath)
	return err
}

// storeEmbedding writes a chunk's vector, going through the content-hash
// cache so rechunked but unchanged text never hits the embedding API twice.
func (s *Store) storeEmbedding(ctx context.Context, tx *sql.Tx, chunkID, content string) error {
	sum := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(sum[:])

	var cached []byte
	err := tx.QueryRow("SELECT embedding FROM embedding_cache WHERE content_hash = ?", contentHash).Scan(&cached)

	var embedding []float32
	if err == nil {
		s.mu.Lock()
		s.cacheHits++
		s.mu.Unlock()
		if err := json.Unmarshal(cached, &embedding); err != nil {
			return fmt.Errorf("decode cached embedding: %w", err)
		}
	} else {
		s.mu.Lock()
		s.cacheMisses++
		s.mu.Unlock()
		embedding, err = s.embedder.Embed(ctx, content)
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(embedding)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO embedding_cache (content_hash, embedding, dimension, created_at) VALUES (?, ?, ?, ?)",
			contentHash, encoded, len(embedding), time.Now().Unix(),
		); err != nil {
			return err
		}
	}

	encoded, err := json.Marshal(embedding)
	if err != nil {
		return err
	}
	_, err = tx.Exec(
		"INSERT OR REPLACE INTO embeddings (chunk_id, embedding) VALUES (?, ?)",
		chunkID, string(encoded),
	)
	return err
}

type chunkSpan struct {
	content string
	start   int
	end     int
}

// splitChunks breaks markdown into line-aligned chunks of roughly maxSize
// bytes with a small overlap, so a fact straddling a boundary still lands
// whole in at least one chunk.
func splitChunks(content string) []chunkSpan {
	const (
		minSize = 500
		maxSize = 1000
		overlap = 50
	)

	var chunks []chunkSpan
	var current strings.Builder
	start := 0
	offset := 0

	for _, line := range strings.Split(content, "\n") {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, chunkSpan{
				content: strings.TrimSpace(current.String()),
				start:   start,
				end:     offset,
			})
			text := current.String()
			current.Reset()
			if len(text) > overlap {
				current.WriteString(text[len(text)-overlap:])
				start = offset - overlap
			} else {
				start = offset
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		offset += lineLen
	}

	if current.Len() >= minSize || len(chunks) == 0 {
		text := strings.TrimSpace(current.String())
		if text != "" {
			chunks = append(chunks, chunkSpan{content: text, start: start, end: offset})
		}
	}
	return chunks
}

// pruneDeleted drops index entries for files no longer on disk.
func (s *Store) pruneDeleted(ctx context.Context, existing []string) (int, error) {
	keep := make(map[string]bool, len(existing))
	for _, p := range existing {
		keep[p] = true
	}

	rows, err := s.db.QueryContext(ctx, "SELECT path FROM files")
	if err != nil {
		return 0, err
	}
	var stale []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return 0, err
		}
		if !keep[path] {
			stale = append(stale, path)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, path := range stale {
		if err := s.removeFileTx(tx, path); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(stale), nil
}

// MarkDirty flags the index for a resync before the next search.
func (s *Store) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
}

// Status reports index counters and sync state.
func (s *Store) Status() Status {
	s.mu.RLock()
	st := Status{
		Dirty:    s.dirty,
		Syncing:  s.syncing,
		LastSync: s.lastSync,
	}
	if total := s.cacheHits + s.cacheMisses; total > 0 {
		rate := float64(s.cacheHits) / float64(total)
		st.CacheHitRate = &rate
	}
	s.mu.RUnlock()

	s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&st.Files)
	s.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&st.Chunks)
	if notes, err := s.ListNotes(); err == nil {
		st.Notes = len(notes)
	}
	return st
}

// Close stops the watcher and closes the database.
func (s *Store) Close() error {
	s.logger.Info().Msg("Memory store closed")
	if s.watcher != nil {
		s.watcher.stop()
	}
	return s.db.Close()
}
