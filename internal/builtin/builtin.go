// Package builtin holds the units compiled into the binary.
package builtin

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/lagbot/internal/persistence"
	"github.com/basket/lagbot/internal/plugin"
)

// SeenStore is the persistence the seen unit needs.
type SeenStore interface {
	RecordSeen(ctx context.Context, rec persistence.SeenRecord) error
	LastSeen(ctx context.Context, network, nick string) (*persistence.SeenRecord, error)
}

// Register adds ping, version and, when store is non-nil, seen to t.
func Register(t *plugin.Table, store SeenStore, version string) error {
	if err := t.Register("ping", plugin.CapCommands, func() (plugin.Unit, error) {
		return &plugin.Func{UnitName: "ping", CommandKeys: []string{"ping"}, Fn: ping}, nil
	}); err != nil {
		return err
	}
	if err := t.Register("version", plugin.CapCommands, func() (plugin.Unit, error) {
		return &plugin.Func{UnitName: "version", CommandKeys: []string{"version"},
			Fn: func(_ context.Context, c plugin.Client, ev plugin.Event) error {
				return c.SendMessage(ev.Target, "lagbot "+version)
			}}, nil
	}); err != nil {
		return err
	}
	if store == nil {
		return nil
	}
	return t.Register("seen", plugin.CapCommands|plugin.CapHandler, func() (plugin.Unit, error) {
		return &Seen{store: store, now: time.Now}, nil
	})
}

func ping(_ context.Context, c plugin.Client, ev plugin.Event) error {
	return c.SendMessage(ev.Target, "pong")
}

// Seen logs the last public message of every nick and answers "seen <nick>".
type Seen struct {
	store SeenStore
	now   func() time.Time
}

func (s *Seen) Name() string { return "seen" }

func (s *Seen) Commands() []string { return []string{"seen"} }

func (s *Seen) Execute(ctx context.Context, c plugin.Client, ev plugin.Event) error {
	if plugin.ClassOf(ctx) == plugin.ClassCommand {
		return s.answer(ctx, c, ev)
	}
	// Private messages are not logged.
	if ev.Private {
		return nil
	}
	return s.store.RecordSeen(ctx, persistence.SeenRecord{
		Network: ev.Network,
		Nick:    ev.Nick(),
		Target:  ev.Target,
		Text:    ev.Text,
		At:      s.now(),
	})
}

func (s *Seen) answer(ctx context.Context, c plugin.Client, ev plugin.Event) error {
	fields := strings.Fields(ev.Text)
	if len(fields) < 2 {
		return c.SendMessage(ev.Target, "usage: seen <nick>")
	}
	nick := fields[1]
	rec, err := s.store.LastSeen(ctx, ev.Network, nick)
	if err != nil {
		return fmt.Errorf("seen %s: %w", nick, err)
	}
	if rec == nil {
		return c.SendMessage(ev.Target, fmt.Sprintf("I haven't seen %s.", nick))
	}
	ago := s.now().Sub(rec.At).Round(time.Second)
	return c.SendMessage(ev.Target, fmt.Sprintf("%s was last seen in %s %s ago: %s", rec.Nick, rec.Target, ago, rec.Text))
}
