// Package registry builds and publishes the dispatch tables. Each build is an
// immutable Generation swapped in atomically; a reload tears down every active
// unit before activating the next set.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/lagbot/internal/bus"
	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/otel"
	"github.com/basket/lagbot/internal/plugin"
)

// ErrDiscovery wraps a loader's failure to enumerate units.
var ErrDiscovery = errors.New("unit discovery failed")

const defaultActivationTimeout = 10 * time.Second

// Registry owns unit activation and the current Generation.
type Registry struct {
	loader  plugin.Loader
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer

	mu      sync.Mutex // serializes Build, Reload and Shutdown
	active  []string   // activation order
	current atomic.Pointer[Generation]
}

// New returns a registry publishing an empty generation. bus, metrics and
// tracer may be nil.
func New(loader plugin.Loader, logger *slog.Logger, b *bus.Bus, m *otel.Metrics, tracer trace.Tracer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		loader:  loader,
		logger:  logger,
		bus:     b,
		metrics: m,
		tracer:  tracer,
	}
	r.current.Store(Empty())
	return r
}

// Current returns the published generation. It never returns nil.
func (r *Registry) Current() *Generation {
	return r.current.Load()
}

// Build loads the first generation. On a registry that already has active
// units it behaves exactly like Reload.
func (r *Registry) Build(ctx context.Context, cfg *config.Config) (*Generation, error) {
	return r.Reload(ctx, cfg)
}

// Reload deactivates every active unit, publishes an empty generation, then
// discovers and activates the next set. When discovery fails the registry is
// left empty and an error wrapping ErrDiscovery is returned.
func (r *Registry) Reload(ctx context.Context, cfg *config.Config) (*Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.Current()
	ctx, span := otel.StartSpan(ctx, r.tracer, "registry.reload",
		otel.AttrGeneration.String(prev.ID()),
	)
	defer span.End()

	start := time.Now()
	r.deactivateAll(ctx)
	r.current.Store(Empty())

	next, err := r.build(ctx, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.metrics.RecordReload(ctx, false, len(prev.units), 0)
		r.logger.Error("registry reload failed; no units are active",
			"previous_generation", prev.ID(),
			"error", err,
		)
		r.bus.Publish(bus.TopicRegistryReloadFailed, bus.RegistryReloadFailed{
			Previous: prev.ID(),
			Error:    err.Error(),
		})
		return r.Current(), err
	}

	r.current.Store(next)
	r.metrics.RecordReload(ctx, true, len(prev.units), len(next.units))
	span.SetAttributes(otel.AttrGeneration.String(next.ID()))
	r.logger.Info("registry generation published",
		"generation", next.ID(),
		"previous_generation", prev.ID(),
		"units", len(next.units),
		"commands", len(next.keys),
		"triggers", len(next.triggers),
		"handlers", len(next.handlers),
		"rejected", len(next.rejected),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	r.bus.Publish(bus.TopicRegistryReloaded, bus.RegistryReloaded{
		Generation: next.ID(),
		Previous:   prev.ID(),
		Commands:   len(next.keys),
		Triggers:   len(next.triggers),
		Handlers:   len(next.handlers),
		Rejected:   len(next.rejected),
	})
	return next, nil
}

// Shutdown deactivates every unit and publishes an empty generation.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.Current()
	r.deactivateAll(ctx)
	r.current.Store(Empty())
	r.metrics.RecordReload(ctx, true, len(prev.units), 0)
}

func (r *Registry) deactivateAll(ctx context.Context) {
	for _, name := range r.active {
		if err := r.loader.Deactivate(ctx, name); err != nil {
			r.logger.Warn("unit deactivation failed", "unit", name, "error", err)
		}
	}
	r.active = nil
}

func (r *Registry) build(ctx context.Context, cfg *config.Config) (*Generation, error) {
	timeout := defaultActivationTimeout
	if cfg != nil && cfg.Plugins.ActivationTimeout() > 0 {
		timeout = cfg.Plugins.ActivationTimeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	descs, err := r.loader.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	g := newGeneration()
	for _, d := range descs {
		if cfg != nil && cfg.Plugins.IsDisabled(d.Name) {
			r.logger.Info("unit disabled by configuration", "unit", d.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			r.reject(g, d.Name, fmt.Sprintf("activation window closed: %v", err))
			continue
		}
		u, err := r.loader.Activate(ctx, d.Name)
		if err != nil {
			r.reject(g, d.Name, fmt.Sprintf("activate: %v", err))
			continue
		}
		if err := r.admit(g, d, u); err != nil {
			if derr := r.loader.Deactivate(ctx, d.Name); derr != nil {
				r.logger.Warn("unit deactivation failed", "unit", d.Name, "error", derr)
			}
			r.reject(g, d.Name, err.Error())
			continue
		}
		r.active = append(r.active, d.Name)
	}
	return g, nil
}

// admit validates a freshly activated unit and inserts it into g. Nothing is
// inserted unless the whole unit is valid.
func (r *Registry) admit(g *Generation, d plugin.Descriptor, u plugin.Unit) error {
	var keys []string
	if d.Capabilities.Has(plugin.CapCommands) {
		c, ok := u.(plugin.Commander)
		if !ok {
			return errors.New("declares commands but does not list any")
		}
		keys = c.Commands()
		if len(keys) == 0 {
			return errors.New("declares commands but lists none")
		}
		for _, k := range keys {
			if k == "" || strings.IndexFunc(k, unicode.IsSpace) >= 0 {
				return fmt.Errorf("invalid command keyword %q", k)
			}
		}
	}

	var triggers []trigger
	if d.Capabilities.Has(plugin.CapTriggers) {
		t, ok := u.(plugin.Triggerer)
		if !ok || len(t.Triggers()) == 0 {
			return errors.New("declares triggers but lists none")
		}
		for _, p := range t.Triggers() {
			re, err := regexp.Compile(p)
			if err != nil {
				return fmt.Errorf("compile trigger %q: %w", p, err)
			}
			triggers = append(triggers, trigger{re: re, pattern: p, unit: u})
		}
	}

	for _, k := range keys {
		if owner, taken := g.commands[k]; taken {
			r.logger.Warn("command keyword already bound; keeping first registration",
				"keyword", k,
				"winner", owner.Name(),
				"loser", d.Name,
			)
			r.bus.Publish(bus.TopicRegistryCommandConflict, bus.CommandConflict{
				Generation: g.id,
				Keyword:    k,
				Winner:     owner.Name(),
				Loser:      d.Name,
			})
			continue
		}
		g.commands[k] = u
		g.keys = append(g.keys, k)
	}
	g.triggers = append(g.triggers, triggers...)
	if d.Capabilities.IsHandler() {
		g.handlers = append(g.handlers, u)
	}
	g.units = append(g.units, d.Name)
	return nil
}

func (r *Registry) reject(g *Generation, unit, reason string) {
	r.logger.Warn("unit excluded from generation", "unit", unit, "reason", reason)
	g.rejected = append(g.rejected, Rejection{Unit: unit, Reason: reason})
	r.bus.Publish(bus.TopicRegistryUnitRejected, bus.UnitRejected{
		Generation: g.id,
		Unit:       unit,
		Reason:     reason,
	})
}
