package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ergochat/irc-go/ircmsg"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/plugin"
)

var (
	_ Session = (*IRC)(nil)
	_ Session = (*Telegram)(nil)
)

func parse(t *testing.T, line string) ircmsg.Message {
	t.Helper()
	m, err := ircmsg.ParseLine(line)
	if err != nil {
		t.Fatalf("parse %q: %v", line, err)
	}
	return m
}

func TestEventFromPRIVMSG(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		ok     bool
		target  string
		text    string
		private bool
	}{
		{"channel", ":bob!b@h PRIVMSG #test :!ping", true, "#test", "!ping", false},
		{"direct message goes back to sender", ":bob!b@h PRIVMSG lagbot :hello", true, "bob", "hello", true},
		{"own nick compares case-insensitively", ":bob!b@h PRIVMSG LagBot :hi", true, "bob", "hi", true},
		{"ctcp ignored", ":bob!b@h PRIVMSG #test :\x01ACTION waves\x01", false, "", "", false},
		{"missing text", ":bob!b@h PRIVMSG #test", false, "", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ev, ok := eventFromPRIVMSG("libera", "lagbot", parse(t, tc.line))
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if !ok {
				return
			}
			if ev.Network != "libera" || ev.Sender != "bob!b@h" || ev.Target != tc.target || ev.Text != tc.text || ev.Private != tc.private {
				t.Fatalf("event = %+v", ev)
			}
		})
	}
}

func TestEventFromTelegram(t *testing.T) {
	msg := &tgbotapi.Message{
		Text: "  !seen carol ",
		From: &tgbotapi.User{ID: 42, UserName: "alice"},
		Chat: &tgbotapi.Chat{ID: -1001, Type: "supergroup"},
	}
	ev, ok := eventFromTelegram(msg)
	if !ok {
		t.Fatal("expected event")
	}
	if ev.Network != TelegramNetwork || ev.Sender != "alice!42@telegram" || ev.Target != "-1001" || ev.Text != "  !seen carol " || ev.Private {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Nick() != "alice" {
		t.Fatalf("nick = %q", ev.Nick())
	}

	msg.From.UserName = ""
	msg.From.FirstName = "Alice"
	if ev, _ := eventFromTelegram(msg); ev.Sender != "Alice!42@telegram" {
		t.Fatalf("fallback sender = %q", ev.Sender)
	}

	msg.Chat = &tgbotapi.Chat{ID: 42, Type: "private"}
	if ev, _ := eventFromTelegram(msg); !ev.Private || ev.Target != "42" {
		t.Fatalf("private chat event = %+v", ev)
	}

	msg.Text = "   "
	if _, ok := eventFromTelegram(msg); ok {
		t.Fatal("blank message produced an event")
	}
}

func TestIRC_SendBeforeConnect(t *testing.T) {
	s := NewIRC(config.NetworkConfig{Name: "libera", Host: "irc.example", Port: 6697}, config.GlobalConfig{Nickname: "lagbot"}, nil)
	if s.Network() != "libera" {
		t.Fatalf("network = %q", s.Network())
	}
	if err := s.SendMessage("#test", "hi"); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := s.Join("#test"); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
}

func TestTelegram_SendValidation(t *testing.T) {
	s := NewTelegram("123:abc", []int64{1}, nil)
	if err := s.SendMessage("#test", "hi"); err == nil || !strings.Contains(err.Error(), "not a chat id") {
		t.Fatalf("expected chat id error, got %v", err)
	}
	if err := s.SendMessage("42", "hi"); !errors.Is(err, errNotConnected) {
		t.Fatalf("expected not connected, got %v", err)
	}
	if err := s.Join("#test"); err != nil {
		t.Fatalf("join: %v", err)
	}
}

type nopHandler struct{ messages int }

func (h *nopHandler) OnConnected(context.Context, Session) {}

func (h *nopHandler) OnMessage(context.Context, Session, plugin.Event) { h.messages++ }

func TestTelegram_PollUpdates(t *testing.T) {
	s := NewTelegram("123:abc", []int64{7}, nil)
	h := &nopHandler{}
	updates := make(chan tgbotapi.Update, 3)
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi", From: &tgbotapi.User{ID: 7, UserName: "ok"}, Chat: &tgbotapi.Chat{ID: 7}}}
	updates <- tgbotapi.Update{Message: &tgbotapi.Message{Text: "hi", From: &tgbotapi.User{ID: 8, UserName: "stranger"}, Chat: &tgbotapi.Chat{ID: 8}}}
	updates <- tgbotapi.Update{}
	close(updates)

	err := s.pollUpdates(context.Background(), h, updates)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost when the update stream closes, got %v", err)
	}
	if h.messages != 1 {
		t.Fatalf("handled %d messages, want 1 (allowlisted only)", h.messages)
	}
}

func TestTelegram_PollStopsOnCancel(t *testing.T) {
	s := NewTelegram("123:abc", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.pollUpdates(ctx, &nopHandler{}, make(chan tgbotapi.Update)); err != nil {
		t.Fatalf("canceled poll returned %v", err)
	}
}
