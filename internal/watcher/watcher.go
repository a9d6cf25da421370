// Package watcher provides file system watching for settings, library and
// database files.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces bursts of events from editors and atomic saves.
const DefaultDebounce = 100 * time.Millisecond

// Kind is the settled state of the target after a burst of events.
type Kind int

const (
	// Changed means the target exists and was written, created or replaced.
	Changed Kind = iota
	// Deleted means the target (or its parent directory) is gone.
	Deleted
)

func (k Kind) String() string {
	if k == Deleted {
		return "deleted"
	}
	return "changed"
}

// Watcher monitors a file and calls onEvent once per debounced burst.
// It watches the parent directory since fsnotify cannot watch non-existent
// files and editors often replace files by rename.
type Watcher struct {
	targetPath string // The file to watch
	parentPath string // Parent directory (what we actually watch)
	onEvent    func(Kind)
	watcher    *fsnotify.Watcher
	ctx        context.Context
	cancel     context.CancelFunc
	mu         sync.Mutex
	running    bool
	debounce   time.Duration
}

// New creates a new Watcher for the given target path.
func New(targetPath string, onEvent func(Kind)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	targetPath = filepath.Clean(targetPath)

	return &Watcher{
		targetPath: targetPath,
		parentPath: filepath.Dir(targetPath),
		onEvent:    onEvent,
		watcher:    fsw,
		ctx:        ctx,
		cancel:     cancel,
		debounce:   DefaultDebounce,
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addWatch(); err != nil {
		log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to add initial watch")
		// Continue anyway - we'll try to re-establish later
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}

	w.running = false
	w.cancel()
	return w.watcher.Close()
}

// addWatch adds the parent directory to the watch list.
func (w *Watcher) addWatch() error {
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	return w.watcher.Add(w.parentPath)
}

// watchLoop is the main event loop.
func (w *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			eventPath := filepath.Clean(event.Name)

			// Parent directory recreated: re-establish the watch.
			if eventPath == w.parentPath && event.Op&fsnotify.Create != 0 {
				log.Info().Str("path", w.parentPath).Msg("Parent directory recreated, re-establishing watch")
				_ = w.addWatch()
				continue
			}

			if eventPath != w.targetPath && eventPath != w.parentPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// Settle after the burst and report what the target looks like then.
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.settle)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// settle inspects the target and reports Changed or Deleted.
func (w *Watcher) settle() {
	if w.ctx.Err() != nil {
		return
	}
	kind := Changed
	if _, err := os.Stat(w.targetPath); os.IsNotExist(err) {
		kind = Deleted
	}
	log.Info().Str("path", w.targetPath).Stringer("event", kind).Msg("Watched file event")

	if w.onEvent != nil {
		w.onEvent(kind)
	}

	if kind == Deleted {
		// The parent may have been removed too; try to watch it again later.
		go func() {
			time.Sleep(500 * time.Millisecond)
			if err := w.addWatch(); err != nil {
				log.Warn().Err(err).Str("path", w.parentPath).Msg("Failed to re-establish watch after deletion")
			}
		}()
	}
}
