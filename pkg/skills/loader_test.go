package skills

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halim/nia/pkg/fault"
)

const weatherSkill = `---
name: weather
description: Get weather info without an API key
---

# Weather

1. Call wttr.in for the requested location.
2. Summarize temperature and conditions.
`

const githubSkill = `---
name: github
description: Interact with GitHub using the gh CLI
---

Use the gh CLI for issues, PRs, and releases.
`

func writeSkill(t *testing.T, root, dir, content string) string {
	t.Helper()
	skillDir := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(skillDir, 0755))
	path := filepath.Join(skillDir, skillFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestLoader(t *testing.T, watch bool) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(Config{
		Dir:                dir,
		Logger:             zerolog.Nop(),
		Watch:              watch,
		StabilityThreshold: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, dir
}

func TestParse(t *testing.T) {
	t.Run("should extract frontmatter and instruction body", func(t *testing.T) {
		skill, err := Parse("/skills/weather/SKILL.md", []byte(weatherSkill))
		require.NoError(t, err)
		assert.Equal(t, "weather", skill.Name)
		assert.Equal(t, "Get weather info without an API key", skill.Description)
		assert.Equal(t, "/skills/weather", skill.Dir)
		assert.Contains(t, skill.Instruction, "Call wttr.in")
		assert.NotContains(t, skill.Instruction, "---")
		assert.NotEmpty(t, skill.Hash)
	})

	t.Run("should fall back to the directory name", func(t *testing.T) {
		content := "---\ndescription: No name given\n---\nBody."
		skill, err := Parse("/skills/summarize/SKILL.md", []byte(content))
		require.NoError(t, err)
		assert.Equal(t, "summarize", skill.Name)
	})

	t.Run("should reject files without frontmatter", func(t *testing.T) {
		_, err := Parse("/skills/bad/SKILL.md", []byte("# Just markdown\n"))
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})

	t.Run("should reject invalid YAML frontmatter", func(t *testing.T) {
		_, err := Parse("/skills/bad/SKILL.md", []byte("---\nname: [unclosed\n---\nBody."))
		require.Error(t, err)
		assert.True(t, fault.IsKind(err, fault.KindValidation))
	})
}

func TestLoader_Scan(t *testing.T) {
	t.Run("should load all skills under the root", func(t *testing.T) {
		l, dir := newTestLoader(t, false)
		writeSkill(t, dir, "weather", weatherSkill)
		writeSkill(t, dir, "github", githubSkill)

		require.NoError(t, l.Init())
		assert.Equal(t, 2, l.Count())

		list := l.List()
		require.Len(t, list, 2)
		assert.Equal(t, "github", list[0].Name)
		assert.Equal(t, "weather", list[1].Name)
	})

	t.Run("should create a missing skills directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "not-yet")
		l, err := New(Config{Dir: dir, Logger: zerolog.Nop()})
		require.NoError(t, err)
		defer l.Close()

		require.NoError(t, l.Init())
		assert.Equal(t, 0, l.Count())

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("should skip unparseable skills and keep the rest", func(t *testing.T) {
		l, dir := newTestLoader(t, false)
		writeSkill(t, dir, "weather", weatherSkill)
		writeSkill(t, dir, "broken", "no frontmatter here")

		require.NoError(t, l.Init())
		assert.Equal(t, 1, l.Count())
		_, ok := l.Get("weather")
		assert.True(t, ok)
	})

	t.Run("should ignore files that are not SKILL.md", func(t *testing.T) {
		l, dir := newTestLoader(t, false)
		writeSkill(t, dir, "weather", weatherSkill)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "weather", "README.md"), []byte("---\nname: x\n---\n"), 0644))

		require.NoError(t, l.Init())
		assert.Equal(t, 1, l.Count())
	})
}

func TestLoader_Get(t *testing.T) {
	l, dir := newTestLoader(t, false)
	writeSkill(t, dir, "weather", weatherSkill)
	require.NoError(t, l.Init())

	t.Run("should find skills case insensitively", func(t *testing.T) {
		skill, ok := l.Get("Weather")
		require.True(t, ok)
		assert.Equal(t, "weather", skill.Name)
	})

	t.Run("should miss unknown skills", func(t *testing.T) {
		_, ok := l.Get("nope")
		assert.False(t, ok)
	})
}

func TestLoader_Digest(t *testing.T) {
	t.Run("should be empty with no skills", func(t *testing.T) {
		l, _ := newTestLoader(t, false)
		require.NoError(t, l.Init())
		assert.Empty(t, l.Digest())
	})

	t.Run("should advertise name, description and path", func(t *testing.T) {
		l, dir := newTestLoader(t, false)
		path := writeSkill(t, dir, "weather", weatherSkill)
		require.NoError(t, l.Init())

		digest := l.Digest()
		assert.Contains(t, digest, "weather: Get weather info without an API key")
		assert.Contains(t, digest, path)
		assert.NotContains(t, digest, "wttr.in", "instruction bodies stay out of the digest")
	})
}

func TestLoader_Watch(t *testing.T) {
	waitFor := func(t *testing.T, cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal(msg)
	}

	t.Run("should pick up a skill created after init", func(t *testing.T) {
		l, dir := newTestLoader(t, true)
		require.NoError(t, l.Init())
		require.Equal(t, 0, l.Count())

		writeSkill(t, dir, "weather", weatherSkill)
		waitFor(t, func() bool { return l.Count() == 1 }, "new skill never appeared")

		skill, ok := l.Get("weather")
		require.True(t, ok)
		assert.Contains(t, skill.Instruction, "wttr.in")
	})

	t.Run("should apply edits to an existing skill", func(t *testing.T) {
		l, dir := newTestLoader(t, true)
		path := writeSkill(t, dir, "weather", weatherSkill)
		require.NoError(t, l.Init())

		updated := `---
name: weather
description: Forecasts too now
---
Body.`
		require.NoError(t, os.WriteFile(path, []byte(updated), 0644))

		waitFor(t, func() bool {
			s, ok := l.Get("weather")
			return ok && s.Description == "Forecasts too now"
		}, "edit never applied")
	})

	t.Run("should drop a deleted skill", func(t *testing.T) {
		l, dir := newTestLoader(t, true)
		writeSkill(t, dir, "weather", weatherSkill)
		require.NoError(t, l.Init())
		require.Equal(t, 1, l.Count())

		require.NoError(t, os.RemoveAll(filepath.Join(dir, "weather")))
		waitFor(t, func() bool { return l.Count() == 0 }, "deleted skill never dropped")
	})

	t.Run("should notify on catalog changes", func(t *testing.T) {
		dir := t.TempDir()
		changed := make(chan struct{}, 8)
		l, err := New(Config{
			Dir:                dir,
			Logger:             zerolog.Nop(),
			Watch:              true,
			StabilityThreshold: 20 * time.Millisecond,
			OnChange:           func() { changed <- struct{}{} },
		})
		require.NoError(t, err)
		defer l.Close()
		require.NoError(t, l.Init())

		writeSkill(t, dir, "weather", weatherSkill)

		select {
		case <-changed:
		case <-time.After(2 * time.Second):
			t.Fatal("change notification never fired")
		}
	})
}
