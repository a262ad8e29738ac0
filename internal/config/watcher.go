package config

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher reloads a live Config when its file changes on disk.
// Reload can also be triggered explicitly (the bot's reload command).
type Watcher struct {
	path     string
	cfg      *Config
	debounce time.Duration

	mu        sync.Mutex
	timer     *time.Timer
	fsw       *fsnotify.Watcher
	listeners []func(*Config)
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewWatcher creates a watcher that refreshes cfg in place from path.
func NewWatcher(path string, cfg *Config) *Watcher {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Watcher{
		path:     filepath.Clean(path),
		cfg:      cfg,
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
}

// SetDebounce overrides the reload debounce window.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// OnReload registers a callback invoked after every successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Reload re-reads the file and replaces the live config.
// On a parse error the live config is left untouched.
func (w *Watcher) Reload() error {
	fresh, err := Load(w.path)
	if err != nil {
		return err
	}
	w.cfg.ReplaceFrom(fresh)

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(w.cfg)
	}
	slog.Info("config reloaded", "path", w.path)
	return nil
}

// Start begins watching the config directory. The watcher stops when ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.fsw != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.fsw = fsw
	w.mu.Unlock()

	// Editors replace files via rename, so watch the directory.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		w.mu.Lock()
		w.fsw = nil
		w.mu.Unlock()
		return err
	}

	go w.loop(fsw)
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.stopCh:
		}
	}()
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.fsw != nil {
			_ = w.fsw.Close()
			w.fsw = nil
		}
	})
}

func (w *Watcher) loop(fsw *fsnotify.Watcher) {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("config watcher error", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		default:
		}
		if err := w.Reload(); err != nil {
			slog.Warn("config reload failed", "path", w.path, "error", err)
		}
	})
}
