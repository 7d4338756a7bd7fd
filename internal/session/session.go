// Package session connects the bot to chat networks and feeds inbound
// messages to a Handler.
package session

import (
	"context"
	"errors"

	"github.com/basket/lagbot/internal/plugin"
)

// ErrConnectionLost is returned by Run when the network connection drops.
// Sessions do not reconnect.
var ErrConnectionLost = errors.New("connection lost")

// Session is one live connection to a chat network.
type Session interface {
	// Network returns the configured network name.
	Network() string
	// Run connects and blocks until ctx is canceled (nil) or the connection fails.
	Run(ctx context.Context, h Handler) error
	SendMessage(target, text string) error
	Join(channel string) error
}

// Handler receives session callbacks. Calls for one session arrive from a
// single goroutine.
type Handler interface {
	OnConnected(ctx context.Context, s Session)
	OnMessage(ctx context.Context, s Session, ev plugin.Event)
}
