// Package plugin defines behavior units, the capabilities they declare, and the
// loaders that discover and activate them.
package plugin

import (
	"context"
	"strings"
)

// Event is one inbound chat message.
type Event struct {
	Network string
	Sender  string // full identity, e.g. "nick!user@host"
	Target  string // channel, or the sender's nick for private messages
	Text    string
	Private bool // addressed to the bot directly rather than to a channel or group
}

// Nick returns the nickname portion of Sender.
func (e Event) Nick() string {
	if i := strings.IndexByte(e.Sender, '!'); i >= 0 {
		return e.Sender[:i]
	}
	return e.Sender
}

// Client is what a unit may do in response to an event.
type Client interface {
	SendMessage(target, text string) error
	IsOwner(sender string) bool
	IsOperator(sender, channel string) bool
	// RequestReload asks for a registry rebuild once the current event has been handled.
	RequestReload()
}

// Unit is a behavior unit. Execute receives the full original message text;
// command units re-parse their arguments from it.
type Unit interface {
	Name() string
	Execute(ctx context.Context, c Client, ev Event) error
}

// Commander is implemented by units that declare CapCommands.
type Commander interface {
	Commands() []string
}

// Triggerer is implemented by units that declare CapTriggers.
type Triggerer interface {
	Triggers() []string
}

// Activator is an optional hook run when a unit is activated.
type Activator interface {
	Activate(ctx context.Context) error
}

// Deactivator is an optional hook run when a unit is deactivated.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// Capability is the set of dispatch classes a unit participates in.
type Capability uint8

const (
	CapCommands Capability = 1 << iota
	CapTriggers
	CapHandler
)

// Has reports whether all bits of o are set.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

// IsHandler reports whether the unit runs on every message. A unit declaring
// nothing is a handler.
func (c Capability) IsHandler() bool {
	return c == 0 || c.Has(CapHandler)
}

func (c Capability) String() string {
	var parts []string
	if c.Has(CapCommands) {
		parts = append(parts, "commands")
	}
	if c.Has(CapTriggers) {
		parts = append(parts, "triggers")
	}
	if c.IsHandler() {
		parts = append(parts, "handler")
	}
	return strings.Join(parts, "+")
}

// Descriptor is what discovery reports about an available unit.
type Descriptor struct {
	Name         string
	Capabilities Capability
	Source       string // "builtin", "wasm", ...
}

// Loader discovers units and manages their activation.
type Loader interface {
	Discover(ctx context.Context) ([]Descriptor, error)
	Activate(ctx context.Context, name string) (Unit, error)
	Deactivate(ctx context.Context, name string) error
}
