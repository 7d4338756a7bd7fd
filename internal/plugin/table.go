package plugin

import (
	"context"
	"fmt"
	"sync"
)

// Factory constructs a fresh unit instance on every activation.
type Factory func() (Unit, error)

type tableEntry struct {
	desc    Descriptor
	factory Factory
}

// Table is a Loader over units compiled into the binary. Discovery order is
// registration order.
type Table struct {
	mu      sync.Mutex
	entries []tableEntry
	index   map[string]int
	active  map[string]Unit
}

func NewTable() *Table {
	return &Table{
		index:  make(map[string]int),
		active: make(map[string]Unit),
	}
}

// Register adds a unit constructor. Names must be unique within the table.
func (t *Table) Register(name string, caps Capability, factory Factory) error {
	if name == "" {
		return fmt.Errorf("register unit: empty name")
	}
	if factory == nil {
		return fmt.Errorf("register unit %s: nil factory", name)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.index[name]; dup {
		return fmt.Errorf("register unit %s: already registered", name)
	}
	t.index[name] = len(t.entries)
	t.entries = append(t.entries, tableEntry{
		desc:    Descriptor{Name: name, Capabilities: caps, Source: "builtin"},
		factory: factory,
	})
	return nil
}

// MustRegister is Register for package-level tables; it panics on error.
func (t *Table) MustRegister(name string, caps Capability, factory Factory) {
	if err := t.Register(name, caps, factory); err != nil {
		panic(err)
	}
}

func (t *Table) Discover(ctx context.Context) ([]Descriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Descriptor, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.desc
	}
	return out, nil
}

func (t *Table) Activate(ctx context.Context, name string) (Unit, error) {
	t.mu.Lock()
	i, ok := t.index[name]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("activate %s: %w", name, ErrUnknownUnit)
	}
	if _, running := t.active[name]; running {
		t.mu.Unlock()
		return nil, fmt.Errorf("activate %s: %w", name, ErrAlreadyActive)
	}
	factory := t.entries[i].factory
	t.mu.Unlock()

	u, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", name, err)
	}
	if a, ok := u.(Activator); ok {
		if err := a.Activate(ctx); err != nil {
			return nil, fmt.Errorf("activate %s: %w", name, err)
		}
	}

	t.mu.Lock()
	t.active[name] = u
	t.mu.Unlock()
	return u, nil
}

func (t *Table) Deactivate(ctx context.Context, name string) error {
	t.mu.Lock()
	u, ok := t.active[name]
	delete(t.active, name)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("deactivate %s: %w", name, ErrNotActive)
	}
	if d, ok := u.(Deactivator); ok {
		if err := d.Deactivate(ctx); err != nil {
			return fmt.Errorf("deactivate %s: %w", name, err)
		}
	}
	return nil
}
