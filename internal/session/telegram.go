package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/lagbot/internal/plugin"
)

// TelegramNetwork is the network name telegram events carry.
const TelegramNetwork = "telegram"

// Telegram is a Session over the Telegram bot API. Senders are rendered as
// "username!userid@telegram" and targets are chat IDs.
type Telegram struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	mu  sync.Mutex
	bot *tgbotapi.BotAPI
}

// NewTelegram returns a session accepting messages only from allowedIDs.
func NewTelegram(token string, allowedIDs []int64, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &Telegram{
		token:      token,
		allowedIDs: allowed,
		logger:     logger.With("network", TelegramNetwork),
	}
}

func (t *Telegram) Network() string {
	return TelegramNetwork
}

func (t *Telegram) Run(ctx context.Context, h Handler) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.bot = nil
		t.mu.Unlock()
	}()

	t.logger.Info("telegram bot started", "user", bot.Self.UserName)
	h.OnConnected(ctx, t)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)
	defer bot.StopReceivingUpdates()

	return t.pollUpdates(ctx, h, updates)
}

// pollUpdates reads updates until ctx is done or the stream stalls.
func (t *Telegram) pollUpdates(ctx context.Context, h Handler, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi long-polls for 60s; silence well past that means the connection is gone.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("%s: %w: update channel closed", TelegramNetwork, ErrConnectionLost)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			if ev, ok := eventFromTelegram(update.Message); ok {
				h.OnMessage(ctx, t, ev)
			}

		case <-timer.C:
			return fmt.Errorf("%s: %w: no updates for %v", TelegramNetwork, ErrConnectionLost, stallTimeout)
		}
	}
}

func (t *Telegram) SendMessage(target, text string) error {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram target %q is not a chat id", target)
	}
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return fmt.Errorf("send to %s: %w", target, errNotConnected)
	}
	if _, err := bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send to %s: %w", target, err)
	}
	return nil
}

// Join is a no-op: a bot is added to Telegram chats by their members.
func (t *Telegram) Join(channel string) error {
	t.logger.Debug("telegram has no join; ignoring", "channel", channel)
	return nil
}

func eventFromTelegram(msg *tgbotapi.Message) (plugin.Event, bool) {
	if strings.TrimSpace(msg.Text) == "" || msg.From == nil || msg.Chat == nil {
		return plugin.Event{}, false
	}
	name := msg.From.UserName
	if name == "" {
		name = msg.From.FirstName
	}
	return plugin.Event{
		Network: TelegramNetwork,
		Sender:  fmt.Sprintf("%s!%d@telegram", name, msg.From.ID),
		Target:  strconv.FormatInt(msg.Chat.ID, 10),
		Text:    msg.Text,
		Private: msg.Chat.IsPrivate(),
	}, true
}
