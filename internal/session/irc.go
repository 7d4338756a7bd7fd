package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircevent"
	"github.com/ergochat/irc-go/ircmsg"

	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/plugin"
)

const quitTimeout = 5 * time.Second

// IRC is a Session over one IRC network.
type IRC struct {
	network config.NetworkConfig
	global  config.GlobalConfig
	logger  *slog.Logger

	mu   sync.Mutex
	conn *ircevent.Connection
}

func NewIRC(network config.NetworkConfig, global config.GlobalConfig, logger *slog.Logger) *IRC {
	if logger == nil {
		logger = slog.Default()
	}
	return &IRC{
		network: network,
		global:  global,
		logger:  logger.With("network", network.Name),
	}
}

func (s *IRC) Network() string {
	return s.network.Name
}

func (s *IRC) Run(ctx context.Context, h Handler) error {
	conn := &ircevent.Connection{
		Server:      s.network.Addr(),
		Nick:        s.global.Nickname,
		User:        s.global.Username,
		RealName:    s.global.Realname,
		Password:    s.network.Password,
		UseTLS:      s.network.TLS,
		QuitMessage: "lagbot shutting down",
		Log:         slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug),
	}
	if s.network.TLS {
		conn.TLSConfig = &tls.Config{ServerName: s.network.Host, MinVersion: tls.VersionTLS12}
	}

	lost := make(chan string, 1)
	conn.AddConnectCallback(func(ircmsg.Message) {
		s.logger.Info("connected", "server", s.network.Addr(), "nick", conn.CurrentNick())
		h.OnConnected(ctx, s)
	})
	conn.AddDisconnectCallback(func(ircmsg.Message) {
		select {
		case lost <- "server closed the connection":
		default:
		}
	})
	conn.AddCallback("PRIVMSG", func(m ircmsg.Message) {
		ev, ok := eventFromPRIVMSG(s.network.Name, conn.CurrentNick(), m)
		if !ok {
			return
		}
		h.OnMessage(ctx, s, ev)
	})

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	if err := conn.Connect(); err != nil {
		return fmt.Errorf("connect %s: %w", s.network.Addr(), err)
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		conn.Loop()
	}()

	select {
	case <-ctx.Done():
		conn.Quit()
		select {
		case <-loopDone:
		case <-time.After(quitTimeout):
			s.logger.Warn("irc loop did not stop after quit")
		}
		return nil
	case reason := <-lost:
		conn.Quit()
		return fmt.Errorf("%s: %w: %s", s.network.Name, ErrConnectionLost, reason)
	case <-loopDone:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s: %w", s.network.Name, ErrConnectionLost)
	}
}

var errNotConnected = errors.New("not connected")

// SendMessage sends text to target, one PRIVMSG per line.
func (s *IRC) SendMessage(target, text string) error {
	conn := s.current()
	if conn == nil {
		return fmt.Errorf("send to %s: %w", target, errNotConnected)
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if err := conn.Privmsg(target, line); err != nil {
			return fmt.Errorf("send to %s: %w", target, err)
		}
	}
	return nil
}

func (s *IRC) Join(channel string) error {
	conn := s.current()
	if conn == nil {
		return fmt.Errorf("join %s: %w", channel, errNotConnected)
	}
	if err := conn.Join(channel); err != nil {
		return fmt.Errorf("join %s: %w", channel, err)
	}
	return nil
}

func (s *IRC) current() *ircevent.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// eventFromPRIVMSG decodes a PRIVMSG. A message addressed to the bot itself is
// retargeted to the sender's nick so replies go back privately. CTCP requests
// are ignored.
func eventFromPRIVMSG(network, ownNick string, m ircmsg.Message) (plugin.Event, bool) {
	if len(m.Params) < 2 || m.Source == "" {
		return plugin.Event{}, false
	}
	text := m.Params[1]
	if strings.HasPrefix(text, "\x01") {
		return plugin.Event{}, false
	}
	ev := plugin.Event{
		Network: network,
		Sender:  m.Source,
		Target:  m.Params[0],
		Text:    text,
	}
	if strings.EqualFold(ev.Target, ownNick) {
		ev.Target = ev.Nick()
		ev.Private = true
	}
	return ev, true
}
