package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/lagbot/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)

	w := config.NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher produces an event; fsnotify readiness
	// varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(100 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(path, []byte(sampleConfig+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	// Unrelated files in the same directory are ignored.
	_ = os.WriteFile(filepath.Join(home, "other.txt"), []byte("x"), 0o644)

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(path, []byte(sampleConfig+"\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config change event")
		}
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	_, path := writeConfig(t, sampleConfig)
	w := config.NewWatcher(path, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A pending event may still drain; the channel must close after it.
			<-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
