package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Holder publishes the active configuration snapshot. Snapshots are never
// mutated; Reload reads the file again and swaps in a new one.
type Holder struct {
	current atomic.Pointer[Config]
	mu      sync.Mutex
}

// NewHolder returns a holder serving cfg.
func NewHolder(cfg *Config) *Holder {
	h := &Holder{}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the file the current snapshot came from. On error the
// current snapshot stays active.
func (h *Holder) Reload() (next, prev *Config, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev = h.current.Load()
	next, err = LoadFile(prev.HomeDir, prev.Path)
	if err != nil {
		return nil, prev, fmt.Errorf("reload config: %w", err)
	}
	h.current.Store(next)
	return next, prev, nil
}
