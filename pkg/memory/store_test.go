package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/nia/pkg/fault"
)

func newTestStore(t *testing.T, embedder Embedder) *Store {
	t.Helper()
	store, err := New(Config{
		Dir:      t.TempDir(),
		Logger:   zerolog.Nop(),
		Embedder: embedder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestNew(t *testing.T) {
	t.Run("requires directory", func(t *testing.T) {
		_, err := New(Config{Logger: zerolog.Nop()})
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("creates missing directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "memory")
		store, err := New(Config{Dir: dir, Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer store.Close()

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("starts dirty", func(t *testing.T) {
		store := newTestStore(t, nil)
		assert.True(t, store.Status().Dirty)
	})
}

func TestSaveNote(t *testing.T) {
	ctx := context.Background()

	t.Run("creates note file with heading", func(t *testing.T) {
		store := newTestStore(t, nil)

		replaced, err := store.SaveNote(ctx, "timezone", "user is in UTC+7")
		require.NoError(t, err)
		assert.False(t, replaced)

		raw, err := os.ReadFile(filepath.Join(store.dir, NoteFile))
		require.NoError(t, err)
		assert.Contains(t, string(raw), noteHeading)
		assert.Contains(t, string(raw), "- **timezone**: user is in UTC+7 *(saved: ")
	})

	t.Run("same category replaces in place", func(t *testing.T) {
		store := newTestStore(t, nil)

		_, err := store.SaveNote(ctx, "editor", "vim")
		require.NoError(t, err)
		replaced, err := store.SaveNote(ctx, "editor", "helix")
		require.NoError(t, err)
		assert.True(t, replaced)

		notes, err := store.ListNotes()
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "helix", notes[0].Content)

		raw, err := os.ReadFile(filepath.Join(store.dir, NoteFile))
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(string(raw), "- **editor**:"))
	})

	t.Run("new categories land on top", func(t *testing.T) {
		store := newTestStore(t, nil)

		_, err := store.SaveNote(ctx, "first", "one")
		require.NoError(t, err)
		_, err = store.SaveNote(ctx, "second", "two")
		require.NoError(t, err)

		notes, err := store.ListNotes()
		require.NoError(t, err)
		require.Len(t, notes, 2)
		assert.Equal(t, "second", notes[0].Category)
		assert.Equal(t, "first", notes[1].Category)
	})

	t.Run("flattens newlines", func(t *testing.T) {
		store := newTestStore(t, nil)

		_, err := store.SaveNote(ctx, "plan", "step one\nstep two")
		require.NoError(t, err)

		notes, err := store.ListNotes()
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "step one step two", notes[0].Content)
	})

	t.Run("marks index dirty", func(t *testing.T) {
		store := newTestStore(t, nil)
		require.NoError(t, store.Sync(ctx))
		assert.False(t, store.Status().Dirty)

		_, err := store.SaveNote(ctx, "k", "v")
		require.NoError(t, err)
		assert.True(t, store.Status().Dirty)
	})

	t.Run("rejects empty fields", func(t *testing.T) {
		store := newTestStore(t, nil)

		_, err := store.SaveNote(ctx, "", "content")
		assert.True(t, fault.IsKind(err, fault.KindValidation))
		_, err = store.SaveNote(ctx, "category", "  ")
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})
}

func TestListNotes(t *testing.T) {
	t.Run("missing file is empty", func(t *testing.T) {
		store := newTestStore(t, nil)
		notes, err := store.ListNotes()
		require.NoError(t, err)
		assert.Empty(t, notes)
	})

	t.Run("parses hand-edited lines without saved suffix", func(t *testing.T) {
		store := newTestStore(t, nil)
		content := "# Memory\n\n## Notes\n\n" +
			"- **coffee**: black, no sugar\n" +
			"- **team**: works with Ana and Piotr *(saved: 2026-08-01 09:15)*\n"
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, NoteFile), []byte(content), 0o644))

		notes, err := store.ListNotes()
		require.NoError(t, err)
		require.Len(t, notes, 2)
		assert.Equal(t, Note{Category: "coffee", Content: "black, no sugar"}, notes[0])
		assert.Equal(t, Note{Category: "team", Content: "works with Ana and Piotr"}, notes[1])
	})
}

func TestInsertNote(t *testing.T) {
	t.Run("after existing heading", func(t *testing.T) {
		text := "# Memory\n\n## Notes\n\n- **old**: note\n"
		out := insertNote(text, "- **new**: note")
		idx := strings.Index(out, "- **new**:")
		require.Greater(t, idx, 0)
		assert.Less(t, idx, strings.Index(out, "- **old**:"))
	})

	t.Run("appends heading when missing", func(t *testing.T) {
		out := insertNote("# Memory\n", "- **k**: v")
		assert.Contains(t, out, noteHeading+"\n\n- **k**: v\n")
	})
}

func TestSync(t *testing.T) {
	ctx := context.Background()

	t.Run("indexes markdown files", func(t *testing.T) {
		store := newTestStore(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "a.md"), []byte("# A\n\nNotes about deployment windows."), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "b.md"), []byte("# B\n\nNotes about the staging cluster."), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "ignore.txt"), []byte("not markdown"), 0o644))

		require.NoError(t, store.Sync(ctx))

		st := store.Status()
		assert.Equal(t, 2, st.Files)
		assert.GreaterOrEqual(t, st.Chunks, 2)
		assert.False(t, st.Dirty)
		require.NotNil(t, st.LastSync)
	})

	t.Run("skips dotfiles and dot directories", func(t *testing.T) {
		store := newTestStore(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "visible.md"), []byte("kept"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, ".draft.md"), []byte("hidden"), 0o644))
		require.NoError(t, os.MkdirAll(filepath.Join(store.dir, ".archive"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, ".archive", "old.md"), []byte("hidden"), 0o644))

		require.NoError(t, store.Sync(ctx))
		assert.Equal(t, 1, store.Status().Files)
	})

	t.Run("prunes deleted files", func(t *testing.T) {
		store := newTestStore(t, nil)
		keep := filepath.Join(store.dir, "keep.md")
		gone := filepath.Join(store.dir, "gone.md")
		require.NoError(t, os.WriteFile(keep, []byte("about kubernetes upgrades"), 0o644))
		require.NoError(t, os.WriteFile(gone, []byte("about zanzibar quotas"), 0o644))
		require.NoError(t, store.Sync(ctx))
		require.Equal(t, 2, store.Status().Files)

		require.NoError(t, os.Remove(gone))
		require.NoError(t, store.Sync(ctx))

		assert.Equal(t, 1, store.Status().Files)
		results, err := store.Search(ctx, "zanzibar quotas", nil)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("unchanged files skip reembedding", func(t *testing.T) {
		mock := NewMockEmbedder(32)
		store := newTestStore(t, mock)
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "a.md"), []byte("stable content"), 0o644))

		require.NoError(t, store.Sync(ctx))
		calls := mock.callCount()
		require.Greater(t, calls, 0)

		require.NoError(t, store.Sync(ctx))
		assert.Equal(t, calls, mock.callCount())
	})

	t.Run("identical chunks hit the embedding cache", func(t *testing.T) {
		mock := NewMockEmbedder(32)
		store := newTestStore(t, mock)
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "a.md"), []byte("twin content"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(store.dir, "b.md"), []byte("twin content"), 0o644))

		require.NoError(t, store.Sync(ctx))

		assert.Equal(t, 1, mock.callCount())
		st := store.Status()
		require.NotNil(t, st.CacheHitRate)
		assert.InDelta(t, 0.5, *st.CacheHitRate, 0.01)
	})
}

func TestSplitChunks(t *testing.T) {
	t.Run("short content is one chunk", func(t *testing.T) {
		chunks := splitChunks("just a few words")
		require.Len(t, chunks, 1)
		assert.Equal(t, "just a few words", chunks[0].content)
	})

	t.Run("empty content has no chunks", func(t *testing.T) {
		assert.Empty(t, splitChunks(""))
		assert.Empty(t, splitChunks("\n\n\n"))
	})

	t.Run("long content splits with bounded chunks", func(t *testing.T) {
		line := strings.Repeat("word ", 20) // ~100 chars
		content := strings.TrimSpace(strings.Repeat(line+"\n", 40))

		chunks := splitChunks(content)
		require.Greater(t, len(chunks), 1)
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c.content), 1200)
			assert.Greater(t, c.end, c.start)
		}
		for i := 1; i < len(chunks); i++ {
			assert.GreaterOrEqual(t, chunks[i].start, chunks[i-1].start)
		}
	})
}

func TestWatcherMarksDirty(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)
	require.NoError(t, store.Sync(ctx))
	require.False(t, store.Status().Dirty)

	require.NoError(t, os.WriteFile(filepath.Join(store.dir, "new.md"), []byte("fresh note"), 0o644))

	waitFor(t, 3*time.Second, func() bool {
		return store.Status().Dirty
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, nil)

	st := store.Status()
	assert.Equal(t, 0, st.Files)
	assert.Equal(t, 0, st.Notes)
	assert.True(t, st.Dirty)
	assert.Nil(t, st.LastSync)

	_, err := store.SaveNote(ctx, "timezone", "UTC+7")
	require.NoError(t, err)
	require.NoError(t, store.Sync(ctx))

	st = store.Status()
	assert.Equal(t, 1, st.Files)
	assert.GreaterOrEqual(t, st.Chunks, 1)
	assert.Equal(t, 1, st.Notes)
	assert.False(t, st.Dirty)
}
