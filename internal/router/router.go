// Package router selects and invokes the units that should see an inbound
// message: at most one command or one trigger, then every handler.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/lagbot/internal/audit"
	"github.com/basket/lagbot/internal/bus"
	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/otel"
	"github.com/basket/lagbot/internal/plugin"
	"github.com/basket/lagbot/internal/registry"
)

// Owner-only commands answered by the router itself when no unit claims the keyword.
const (
	BuiltinReloadPlugins = "reload_plugins"
	BuiltinReloadConfig  = "reload_config"
)

// Admin performs the owner built-ins that are not expressible through the unit Client.
type Admin interface {
	ReloadConfig(ctx context.Context) error
}

// Failure is one unit invocation that returned an error or panicked.
type Failure struct {
	Unit  string
	Class plugin.Class
	Err   error
}

// Result describes what a single Route call invoked.
type Result struct {
	Keyword  string // command keyword, when the text carried the prefix
	Command  string // unit that handled the command
	Builtin  string // owner built-in that ran
	Refused  bool   // a non-owner asked for a built-in
	Trigger  string // unit whose trigger fired
	Handlers int    // handlers invoked
	Failures []Failure
}

// ErrUnitPanic marks a failure recovered from a panicking unit.
var ErrUnitPanic = errors.New("unit panicked")

type Options struct {
	Config  *config.Holder
	Admin   Admin
	Logger  *slog.Logger
	Bus     *bus.Bus
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Router struct {
	cfg     *config.Holder
	admin   Admin
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
}

func New(opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:     opts.Config,
		admin:   opts.Admin,
		logger:  logger,
		bus:     opts.Bus,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
}

func (r *Router) prefix() string {
	if r.cfg != nil {
		if cfg := r.cfg.Current(); cfg != nil && cfg.CommandPrefix != "" {
			return cfg.CommandPrefix
		}
	}
	return "!"
}

// Route dispatches ev against gen. Unit failures are isolated and reported in
// the Result; Route itself never fails.
func (r *Router) Route(ctx context.Context, ev plugin.Event, gen *registry.Generation, c plugin.Client) Result {
	start := time.Now()
	ctx, span := otel.StartConsumerSpan(ctx, r.tracer, "router.route",
		otel.AttrNetwork.String(ev.Network),
		otel.AttrTarget.String(ev.Target),
		otel.AttrGeneration.String(gen.ID()),
	)
	defer span.End()

	var res Result
	prefix := r.prefix()
	if strings.HasPrefix(ev.Text, prefix) {
		// A bare prefix or prefix-then-space carries no keyword and runs only handlers.
		if keyword, _, ok := plugin.SplitCommand(ev.Text, prefix); ok {
			res.Keyword = keyword
			span.SetAttributes(otel.AttrKeyword.String(keyword))
			if u, found := gen.Command(keyword); found {
				res.Command = u.Name()
				r.invoke(ctx, &res, plugin.ClassCommand, u, c, ev)
			} else {
				r.builtin(ctx, &res, keyword, c, ev)
			}
		}
	} else if u, found := gen.MatchTrigger(ev.Text); found {
		res.Trigger = u.Name()
		r.invoke(ctx, &res, plugin.ClassTrigger, u, c, ev)
	}

	for _, h := range gen.Handlers() {
		res.Handlers++
		r.invoke(ctx, &res, plugin.ClassHandler, h, c, ev)
	}

	if len(res.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d unit failures", len(res.Failures)))
	}
	r.metrics.RecordDispatch(ctx, ev.Network, time.Since(start))
	return res
}

func (r *Router) builtin(ctx context.Context, res *Result, keyword string, c plugin.Client, ev plugin.Event) {
	if keyword != BuiltinReloadPlugins && keyword != BuiltinReloadConfig {
		return
	}
	if !c.IsOwner(ev.Sender) {
		res.Refused = true
		audit.Record(audit.Deny, keyword, ev.Sender, ev.Network, "sender is not the owner")
		r.logger.Info("owner command refused", "command", keyword, "sender", ev.Sender, "network", ev.Network)
		return
	}
	res.Builtin = keyword
	audit.Record(audit.Allow, keyword, ev.Sender, ev.Network, "")

	switch keyword {
	case BuiltinReloadPlugins:
		c.RequestReload()
	case BuiltinReloadConfig:
		if r.admin == nil {
			return
		}
		if err := r.admin.ReloadConfig(ctx); err != nil {
			r.logger.Error("config reload failed", "sender", ev.Sender, "error", err)
			if sendErr := c.SendMessage(ev.Target, "config reload failed: "+err.Error()); sendErr != nil {
				r.logger.Warn("send reply failed", "target", ev.Target, "error", sendErr)
			}
		}
	}
}

func (r *Router) invoke(ctx context.Context, res *Result, class plugin.Class, u plugin.Unit, c plugin.Client, ev plugin.Event) {
	name := u.Name()
	r.metrics.RecordInvocation(ctx, string(class), name)
	err := safeExecute(plugin.WithClass(ctx, class), u, c, ev)
	if err == nil {
		return
	}
	res.Failures = append(res.Failures, Failure{Unit: name, Class: class, Err: err})
	r.metrics.RecordUnitError(ctx, string(class), name)
	r.logger.Error("unit failed",
		"unit", name,
		"class", string(class),
		"network", ev.Network,
		"target", ev.Target,
		"error", err,
	)
	r.bus.Publish(bus.TopicDispatchUnitFailed, bus.UnitFailed{
		Unit:    name,
		Class:   string(class),
		Network: ev.Network,
		Target:  ev.Target,
		Error:   err.Error(),
	})
}

func safeExecute(ctx context.Context, u plugin.Unit, c plugin.Client, ev plugin.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrUnitPanic, p, debug.Stack())
		}
	}()
	return u.Execute(ctx, c, ev)
}
