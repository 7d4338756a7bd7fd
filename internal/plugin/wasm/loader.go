package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/basket/lagbot/internal/persistence"
	"github.com/basket/lagbot/internal/plugin"
)

// SourceWasm is the Descriptor.Source of units this loader discovers.
const SourceWasm = "wasm"

type discovered struct {
	manifest *Manifest
	dir      string
}

// Loader discovers plugins laid out as <dir>/<name>/plugin.yaml plus a module,
// and activates them inside a Host.
type Loader struct {
	dir    string
	host   *Host
	store  *persistence.Store
	logger *slog.Logger

	mu     sync.Mutex
	known  map[string]discovered
	active map[string]*Unit
}

func NewLoader(dir string, host *Host, store *persistence.Store, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		dir:    dir,
		host:   host,
		store:  store,
		logger: logger.With("component", "wasm_loader"),
		known:  make(map[string]discovered),
		active: make(map[string]*Unit),
	}
}

func (l *Loader) Dir() string { return l.dir }

// Discover lists plugins in directory order. A missing plugin directory means
// no plugins; any other read failure fails discovery. Individual plugins with a
// broken manifest are skipped.
func (l *Loader) Discover(ctx context.Context) ([]plugin.Descriptor, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.logger.Debug("plugin directory missing", "dir", l.dir)
			l.replaceKnown(nil)
			return nil, nil
		}
		return nil, fmt.Errorf("read plugin dir %s: %w", l.dir, err)
	}

	var out []plugin.Descriptor
	known := make(map[string]discovered)
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !ent.IsDir() {
			continue
		}
		pluginDir := filepath.Join(l.dir, ent.Name())
		m, hash, err := readPlugin(pluginDir)
		if err != nil {
			l.logger.Warn("skipping plugin", "dir", pluginDir, "error", err)
			continue
		}
		if m.Name != ent.Name() {
			l.logger.Warn("skipping plugin: manifest name does not match directory",
				"dir", pluginDir, "name", m.Name)
			continue
		}
		if l.store != nil {
			if err := l.store.UpsertPlugin(ctx, m.Name, pluginDir, hash); err != nil {
				return nil, fmt.Errorf("record plugin %s: %w", m.Name, err)
			}
			quarantined, err := l.store.IsPluginQuarantined(ctx, m.Name)
			if err != nil {
				return nil, fmt.Errorf("check plugin %s: %w", m.Name, err)
			}
			if quarantined {
				l.logger.Warn("skipping quarantined plugin", "plugin", m.Name)
				continue
			}
		}
		known[m.Name] = discovered{manifest: m, dir: pluginDir}
		out = append(out, plugin.Descriptor{
			Name:         m.Name,
			Capabilities: m.Capabilities(),
			Source:       SourceWasm,
		})
	}
	l.replaceKnown(known)
	return out, nil
}

func (l *Loader) replaceKnown(known map[string]discovered) {
	if known == nil {
		known = make(map[string]discovered)
	}
	l.mu.Lock()
	l.known = known
	l.mu.Unlock()
}

// readPlugin parses the manifest and hashes manifest plus module so an edited
// plugin is recognised as new.
func readPlugin(dir string) (*Manifest, string, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, "", err
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, "", err
	}
	mod, err := os.ReadFile(filepath.Join(dir, m.Module))
	if err != nil {
		return nil, "", fmt.Errorf("read module: %w", err)
	}
	h := sha256.New()
	h.Write(raw)
	h.Write(mod)
	return m, hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Loader) Activate(ctx context.Context, name string) (plugin.Unit, error) {
	l.mu.Lock()
	d, ok := l.known[name]
	_, already := l.active[name]
	l.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("activate %s: %w", name, plugin.ErrUnknownUnit)
	}
	if already {
		return nil, fmt.Errorf("activate %s: %w", name, plugin.ErrAlreadyActive)
	}

	path := filepath.Join(d.dir, d.manifest.Module)
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("activate %s: read module: %w", name, err)
	}
	if err := l.host.Load(ctx, name, wasmBytes, path); err != nil {
		return nil, fmt.Errorf("activate %s: %w", name, err)
	}

	u := &Unit{manifest: d.manifest, host: l.host}
	l.mu.Lock()
	l.active[name] = u
	l.mu.Unlock()
	return u, nil
}

func (l *Loader) Deactivate(ctx context.Context, name string) error {
	l.mu.Lock()
	_, ok := l.active[name]
	delete(l.active, name)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("deactivate %s: %w", name, plugin.ErrNotActive)
	}
	return l.host.Unload(ctx, name)
}

// Unit is an activated wasm plugin.
type Unit struct {
	manifest *Manifest
	host     *Host
}

func (u *Unit) Name() string { return u.manifest.Name }

func (u *Unit) Commands() []string { return u.manifest.Commands }

func (u *Unit) Triggers() []string { return u.manifest.Triggers }

func (u *Unit) Execute(ctx context.Context, c plugin.Client, ev plugin.Event) error {
	return u.host.Invoke(ctx, u.manifest.Name, c, ev)
}
