package memory

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// noteWatcher flags the index dirty when markdown in the memory directory
// changes on disk, so hand edits to MEMORY.md reach the next search without
// going through SaveNote. Bursts of events collapse into one flag.
type noteWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	onDirty  func()
	debounce time.Duration
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

func newNoteWatcher(logger zerolog.Logger, onDirty func()) (*noteWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &noteWatcher{
		watcher:  fsw,
		logger:   logger,
		onDirty:  onDirty,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *noteWatcher) watch(dir string) error {
	return w.watcher.Add(dir)
}

func (w *noteWatcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}

func (w *noteWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if strings.HasPrefix(name, ".") || !strings.HasSuffix(strings.ToLower(name), ".md") {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().Str("file", name).Str("op", event.Op.String()).Msg("Note file changed")
				w.scheduleDirty()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Note watcher error")
		case <-w.done:
			return
		}
	}
}

// scheduleDirty runs only on the event goroutine, so the timer field needs
// no lock.
func (w *noteWatcher) scheduleDirty() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.onDirty)
}
