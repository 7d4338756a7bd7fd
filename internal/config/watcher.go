package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to the config file. It watches the parent directory
// so editors that replace the file by rename are still seen.
type Watcher struct {
	path     string
	logger   *slog.Logger
	events   chan ReloadEvent
	debounce time.Duration
}

func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		events:   make(chan ReloadEvent, 16),
		debounce: 200 * time.Millisecond,
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(w.path)
	if err != nil {
		_ = fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return err
	}
	base := filepath.Base(abs)

	go func() {
		defer fsw.Close()
		defer close(w.events)

		var pending *ReloadEvent
		timer := time.NewTimer(time.Hour)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
				timer.Reset(w.debounce)
			case <-timer.C:
				if pending == nil {
					continue
				}
				select {
				case w.events <- *pending:
				default:
				}
				w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
				pending = nil
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
