// Package bot glues sessions to the router: it serializes every inbound
// message, implements the Client units talk back through, and runs reloads
// between messages.
package bot

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/basket/lagbot/internal/bus"
	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/plugin"
	"github.com/basket/lagbot/internal/registry"
	"github.com/basket/lagbot/internal/router"
	"github.com/basket/lagbot/internal/session"
)

// Router is the part of *router.Router the dispatcher uses.
type Router interface {
	Route(ctx context.Context, ev plugin.Event, gen *registry.Generation, c plugin.Client) router.Result
}

// Dispatcher serializes routing across all sessions. Reload requests raised
// while a message is being routed run after routing finishes, before the next
// message is taken.
type Dispatcher struct {
	cfg    *config.Holder
	reg    *registry.Registry
	router Router
	logger *slog.Logger
	bus    *bus.Bus

	mu            sync.Mutex // held for each route and each reload
	reloadPending atomic.Bool

	sessMu   sync.Mutex
	sessions map[string]session.Session
}

func New(cfg *config.Holder, reg *registry.Registry, logger *slog.Logger, b *bus.Bus) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:      cfg,
		reg:      reg,
		logger:   logger,
		bus:      b,
		sessions: make(map[string]session.Session),
	}
}

// SetRouter installs the router. It is separate from New because the router
// takes the dispatcher as its Admin.
func (d *Dispatcher) SetRouter(r Router) {
	d.router = r
}

// Admin returns the router-facing admin hooks. They run inside a route, so
// they must not take the dispatch lock again.
func (d *Dispatcher) Admin() router.Admin {
	return lockedAdmin{d}
}

// OnConnected joins the channels configured for the session's network.
func (d *Dispatcher) OnConnected(_ context.Context, s session.Session) {
	d.sessMu.Lock()
	d.sessions[s.Network()] = s
	d.sessMu.Unlock()

	for _, ch := range d.cfg.Current().ChannelsFor(s.Network()) {
		if err := s.Join(ch); err != nil {
			d.logger.Warn("join failed", "network", s.Network(), "channel", ch, "error", err)
			continue
		}
		d.logger.Info("joined channel", "network", s.Network(), "channel", ch)
	}
}

// OnMessage routes one event against the current generation.
func (d *Dispatcher) OnMessage(ctx context.Context, s session.Session, ev plugin.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := &eventClient{d: d, s: s, ctx: ctx}
	res := d.router.Route(ctx, ev, d.reg.Current(), c)
	c.done.Store(true)

	if res.Command != "" || res.Builtin != "" || res.Trigger != "" || len(res.Failures) > 0 {
		d.logger.Debug("message routed",
			"network", ev.Network,
			"target", ev.Target,
			"command", res.Command,
			"builtin", res.Builtin,
			"trigger", res.Trigger,
			"handlers", res.Handlers,
			"failures", len(res.Failures),
		)
	}

	if d.reloadPending.Swap(false) {
		d.reloadLocked(ctx)
	}
}

// ReloadPlugins rebuilds the registry between messages.
func (d *Dispatcher) ReloadPlugins(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reloadPending.Store(false)
	return d.reloadLocked(ctx)
}

// ReloadConfig swaps in a freshly read configuration between messages. The
// registry is left as it is.
func (d *Dispatcher) ReloadConfig(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reloadConfigLocked(ctx)
}

func (d *Dispatcher) reloadLocked(ctx context.Context) error {
	_, err := d.reg.Reload(ctx, d.cfg.Current())
	return err
}

func (d *Dispatcher) reloadConfigLocked(_ context.Context) error {
	next, prev, err := d.cfg.Reload()
	if err != nil {
		d.logger.Error("config reload failed; keeping previous snapshot", "error", err)
		return err
	}
	d.logger.Info("config reloaded",
		"fingerprint", next.Fingerprint(),
		"previous", prev.Fingerprint(),
	)
	d.bus.Publish(bus.TopicConfigReloaded, bus.ConfigReloaded{
		Fingerprint: next.Fingerprint(),
		Previous:    prev.Fingerprint(),
	})
	d.joinNewChannels(prev, next)
	return nil
}

// joinNewChannels joins channels that next adds for any connected network.
func (d *Dispatcher) joinNewChannels(prev, next *config.Config) {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	for name, s := range d.sessions {
		old := prev.ChannelsFor(name)
		for _, ch := range next.ChannelsFor(name) {
			if slices.Contains(old, ch) {
				continue
			}
			if err := s.Join(ch); err != nil {
				d.logger.Warn("join failed", "network", name, "channel", ch, "error", err)
				continue
			}
			d.logger.Info("joined channel", "network", name, "channel", ch)
		}
	}
}

type lockedAdmin struct{ d *Dispatcher }

func (a lockedAdmin) ReloadConfig(ctx context.Context) error {
	return a.d.reloadConfigLocked(ctx)
}

// eventClient is the Client handed to units for one event.
type eventClient struct {
	d    *Dispatcher
	s    session.Session
	ctx  context.Context
	done atomic.Bool
}

func (c *eventClient) SendMessage(target, text string) error {
	return c.s.SendMessage(target, text)
}

// IsOwner and IsOperator read the configuration snapshot current at call time.
func (c *eventClient) IsOwner(sender string) bool {
	return c.d.cfg.Current().IsOwner(sender)
}

func (c *eventClient) IsOperator(sender, channel string) bool {
	return c.d.cfg.Current().IsOperator(sender, channel)
}

// RequestReload defers the rebuild to the end of the current route. A unit
// calling it after its event was handled gets an immediate locked reload.
func (c *eventClient) RequestReload() {
	if !c.done.Load() {
		c.d.reloadPending.Store(true)
		return
	}
	if err := c.d.ReloadPlugins(c.ctx); err != nil {
		c.d.logger.Warn("late reload request failed", "error", err)
	}
}
