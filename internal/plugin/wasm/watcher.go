package wasm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 150 * time.Millisecond

// Watcher signals when a plugin manifest or module changes. It watches the
// plugin root and its immediate child directories.
type Watcher struct {
	dir    string
	logger *slog.Logger
	events chan struct{}
}

func NewWatcher(dir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:    dir,
		logger: logger.With("component", "plugin_watcher"),
		events: make(chan struct{}, 1),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		_ = fsw.Close()
		return fmt.Errorf("resolve plugin dir: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	if entries, err := os.ReadDir(abs); err == nil {
		for _, ent := range entries {
			if ent.IsDir() {
				_ = fsw.Add(filepath.Join(abs, ent.Name()))
			}
		}
	}

	go w.loop(ctx, fsw, abs)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, root string) {
	defer func() {
		_ = fsw.Close()
		close(w.events)
	}()

	var (
		pending bool
		timer   *time.Timer
		timerC  <-chan time.Time
	)
	flush := func() {
		if !pending {
			return
		}
		pending = false
		select {
		case w.events <- struct{}{}:
		default:
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			createdDir := false
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					createdDir = true
					_ = fsw.Add(ev.Name)
				}
			}
			// A removed plugin directory shows up as an event on the root.
			removedChild := ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 &&
				filepath.Dir(ev.Name) == root
			if !createdDir && !removedChild && !isPluginFile(ev.Name) {
				continue
			}

			pending = true
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(watchDebounce)
			}
			timerC = timer.C
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("plugin watcher error", "error", err)
		case <-timerC:
			flush()
			timerC = nil
		}
	}
}

func isPluginFile(path string) bool {
	base := filepath.Base(path)
	return base == ManifestFile || filepath.Ext(base) == ".wasm"
}
