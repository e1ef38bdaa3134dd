package skills

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type fileEventCallback func(path string) error

type watcherConfig struct {
	dir                string
	stabilityThreshold time.Duration
	logger             zerolog.Logger
	onAdded            fileEventCallback
	onChanged          fileEventCallback
	onDeleted          fileEventCallback
}

// watcher debounces fsnotify events per path: editors fire several writes in
// a row, and a change is only applied once the path has been quiet for the
// stability threshold.
type watcher struct {
	fsw                *fsnotify.Watcher
	dir                string
	stabilityThreshold time.Duration
	logger             zerolog.Logger
	onAdded            fileEventCallback
	onChanged          fileEventCallback
	onDeleted          fileEventCallback

	done           chan struct{}
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	stopOnce       sync.Once
}

func newWatcher(cfg watcherConfig) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.stabilityThreshold == 0 {
		cfg.stabilityThreshold = 100 * time.Millisecond
	}

	return &watcher{
		fsw:                fsw,
		dir:                cfg.dir,
		stabilityThreshold: cfg.stabilityThreshold,
		logger:             cfg.logger,
		onAdded:            cfg.onAdded,
		onChanged:          cfg.onChanged,
		onDeleted:          cfg.onDeleted,
		done:               make(chan struct{}),
		debounceTimers:     make(map[string]*time.Timer),
	}, nil
}

func (w *watcher) Start() error {
	if err := w.addDirectoryRecursive(w.dir); err != nil {
		return fmt.Errorf("failed to watch skills directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Debug().Str("dir", w.dir).Msg("Skills watcher started")
	return nil
}

func (w *watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.debounceMu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	clear(w.debounceTimers)
	w.debounceMu.Unlock()

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.shouldIgnore(event.Name) {
				continue
			}
			w.debounceEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Skills watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *watcher) debounceEvent(event fsnotify.Event) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, exists := w.debounceTimers[event.Name]; exists {
		timer.Stop()
	}

	eventCopy := event
	w.debounceTimers[event.Name] = time.AfterFunc(w.stabilityThreshold, func() {
		w.debounceMu.Lock()
		delete(w.debounceTimers, eventCopy.Name)
		w.debounceMu.Unlock()

		select {
		case <-w.done:
			return
		default:
			w.processEvent(eventCopy)
		}
	})
}

func (w *watcher) processEvent(event fsnotify.Event) {
	switch {
	case event.Op&fsnotify.Create == fsnotify.Create:
		w.handleCreated(event.Name)

	case event.Op&fsnotify.Write == fsnotify.Write:
		w.invoke(w.onChanged, event.Name)

	case event.Op&fsnotify.Remove == fsnotify.Remove:
		w.invoke(w.onDeleted, event.Name)

	case event.Op&fsnotify.Rename == fsnotify.Rename:
		// The new name arrives as its own create event.
		w.invoke(w.onDeleted, event.Name)
	}
}

// handleCreated watches new directories and surfaces any skill files already
// inside them. Creating skills/<name>/ and writing SKILL.md moments later
// would otherwise race the recursive add.
func (w *watcher) handleCreated(path string) {
	info, err := os.Stat(path)
	if err != nil {
		// Created then removed before the debounce fired.
		return
	}

	if !info.IsDir() {
		w.invoke(w.onAdded, path)
		return
	}

	if err := w.addDirectoryRecursive(path); err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch new directory")
	}
	_ = filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() || w.shouldIgnore(walkPath) {
			return nil
		}
		w.invoke(w.onAdded, walkPath)
		return nil
	})
}

func (w *watcher) invoke(cb fileEventCallback, path string) {
	if cb == nil {
		return
	}
	if err := cb(path); err != nil {
		w.logger.Error().Err(err).Str("path", path).Msg("Skills watch callback failed")
	}
}

func (w *watcher) addDirectoryRecursive(path string) error {
	return filepath.Walk(path, func(walkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if w.shouldIgnore(walkPath) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			return nil
		}
		if err := w.fsw.Add(walkPath); err != nil {
			w.logger.Warn().Err(err).Str("path", walkPath).Msg("Failed to watch path")
		}
		return nil
	})
}

func (w *watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if len(part) > 0 && part[0] == '.' && part != "." {
			return true
		}
	}
	return false
}
