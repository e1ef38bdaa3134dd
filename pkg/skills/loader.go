package skills

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/halim/nia/pkg/fault"
)

const skillFileName = "SKILL.md"

// Config assembles a Loader.
type Config struct {
	// Dir is the skills root; each skill lives at <dir>/<name>/SKILL.md.
	Dir    string
	Logger zerolog.Logger
	// Watch enables hot reload through fsnotify.
	Watch bool
	// StabilityThreshold is how long a path must stay quiet before its
	// change is applied. Zero means 100ms.
	StabilityThreshold time.Duration
	// OnChange fires after a watch event altered the catalog.
	OnChange func()
}

// Loader keeps the skill catalog in memory and serves the prompt digest.
// With watching enabled, edits to SKILL.md files appear without a restart.
type Loader struct {
	dir      string
	logger   zerolog.Logger
	onChange func()
	watcher  *watcher

	mu     sync.RWMutex
	skills map[string]*Skill
	closed bool
}

// New creates a Loader rooted at cfg.Dir. Call Init to scan and start
// watching.
func New(cfg Config) (*Loader, error) {
	if cfg.Dir == "" {
		return nil, fault.New(fault.KindValidation, "skills", "skills directory is required")
	}

	l := &Loader{
		dir:      cfg.Dir,
		logger:   cfg.Logger.With().Str("module", "skills").Logger(),
		onChange: cfg.OnChange,
		skills:   make(map[string]*Skill),
	}

	if cfg.Watch {
		w, err := newWatcher(watcherConfig{
			dir:                cfg.Dir,
			stabilityThreshold: cfg.StabilityThreshold,
			logger:             l.logger,
			onAdded:            l.handleFileEvent,
			onChanged:          l.handleFileEvent,
			onDeleted:          l.handleFileDeleted,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create skills watcher: %w", err)
		}
		l.watcher = w
	}

	return l, nil
}

// Init scans the skills directory and starts the watcher when enabled.
// A missing directory is created empty rather than treated as an error.
func (l *Loader) Init() error {
	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fault.Wrapf(fault.KindStorage, "skills", err, "failed to create skills directory")
	}

	count, err := l.scan()
	if err != nil {
		return err
	}

	if l.watcher != nil {
		if err := l.watcher.Start(); err != nil {
			return fmt.Errorf("failed to start skills watcher: %w", err)
		}
	}

	l.logger.Info().
		Str("dir", l.dir).
		Int("skills", count).
		Bool("watching", l.watcher != nil).
		Msg("Skills loaded")
	return nil
}

// scan walks the skills root and loads every SKILL.md it finds. Unparseable
// files are logged and skipped so one bad skill cannot hide the rest.
func (l *Loader) scan() (int, error) {
	found := make(map[string]*Skill)

	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Error walking skills directory")
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); len(name) > 0 && name[0] == '.' && path != l.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != skillFileName {
			return nil
		}

		skill, err := ParseFile(path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to parse skill, skipping")
			return nil
		}
		found[strings.ToLower(skill.Name)] = skill
		return nil
	})
	if err != nil {
		return 0, fault.Wrapf(fault.KindStorage, "skills", err, "failed to walk skills directory")
	}

	l.mu.Lock()
	l.skills = found
	l.mu.Unlock()
	return len(found), nil
}

// handleFileEvent reloads one skill after its SKILL.md was created or edited.
func (l *Loader) handleFileEvent(path string) error {
	if filepath.Base(path) != skillFileName {
		return nil
	}

	skill, err := ParseFile(path)
	if err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Skill reload failed")
		return nil
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	// A rename inside the frontmatter leaves a stale entry behind unless
	// entries from the same path are dropped first.
	for key, existing := range l.skills {
		if existing.Path == path {
			delete(l.skills, key)
		}
	}
	l.skills[strings.ToLower(skill.Name)] = skill
	l.mu.Unlock()

	l.logger.Info().Str("skill", skill.Name).Str("path", path).Msg("Skill reloaded")
	l.notifyChange()
	return nil
}

// handleFileDeleted drops skills whose SKILL.md went away. Directory removals
// arrive as the directory path, so prefix matching covers both cases.
func (l *Loader) handleFileDeleted(path string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	removed := 0
	for key, existing := range l.skills {
		if existing.Path == path || strings.HasPrefix(existing.Path, path+string(filepath.Separator)) {
			delete(l.skills, key)
			removed++
		}
	}
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Info().Str("path", path).Int("removed", removed).Msg("Skill removed")
		l.notifyChange()
	}
	return nil
}

func (l *Loader) notifyChange() {
	if l.onChange != nil {
		l.onChange()
	}
}

// List returns the catalog sorted by name.
func (l *Loader) List() []Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks a skill up by name, case-insensitively.
func (l *Loader) Get(name string) (Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s, ok := l.skills[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Skill{}, false
	}
	return *s, true
}

// Count reports the catalog size.
func (l *Loader) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.skills)
}

// Digest renders the skills section body for the system prompt. Only names,
// descriptions and file paths are advertised; the model reads a skill file
// when it decides to use one. Empty catalog means empty digest, which drops
// the section entirely.
func (l *Loader) Digest() string {
	list := l.List()
	if len(list) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("The following skills extend your abilities. Read the skill file for the full instructions before using one.\n")
	for _, s := range list {
		desc := s.Description
		if desc == "" {
			desc = "No description"
		}
		fmt.Fprintf(&b, "- %s: %s (file: %s)\n", s.Name, desc, s.Path)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Close stops the watcher and freezes the catalog.
func (l *Loader) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.watcher != nil {
		return l.watcher.Stop()
	}
	return nil
}
