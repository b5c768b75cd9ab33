package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramBot handles incoming Telegram messages via long polling and
// delivers the agent's outbound messages. It is single-tenant: only the
// configured users are heard, and replies go to the active chat.
type TelegramBot struct {
	bot          *tgbotapi.BotAPI
	agent        Agent
	ownerChatID  int64
	allowedUsers map[int64]bool

	mu         sync.Mutex
	lastChatID int64
}

// TelegramOption configures a TelegramBot.
type TelegramOption func(*TelegramBot)

// WithOwnerChatID sets the fallback chat for outbound messages sent
// before any inbound message arrived.
func WithOwnerChatID(id int64) TelegramOption {
	return func(t *TelegramBot) {
		t.ownerChatID = id
	}
}

// WithAllowedUsers restricts intake to the given Telegram user ids. An
// empty list hears everyone.
func WithAllowedUsers(ids ...int64) TelegramOption {
	return func(t *TelegramBot) {
		t.allowedUsers = make(map[int64]bool, len(ids))
		for _, id := range ids {
			t.allowedUsers[id] = true
		}
	}
}

// NewTelegramBot creates a TelegramBot connected to the given token. An
// empty token yields a bot that logs outbound messages instead of
// sending them; intake is disabled.
func NewTelegramBot(token string, agent Agent, opts ...TelegramOption) (*TelegramBot, error) {
	t := &TelegramBot{agent: agent}
	for _, opt := range opts {
		opt(t)
	}
	if token == "" {
		return t, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	bot.Debug = false
	t.bot = bot
	return t, nil
}

// Start runs the long-polling loop until ctx is cancelled.
func (t *TelegramBot) Start(ctx context.Context) {
	if t.bot == nil {
		slog.Warn("telegram: no token configured, intake disabled")
		return
	}
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			t.handle(ctx, update)
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		}
	}
}

// handle processes a single Telegram update.
func (t *TelegramBot) handle(ctx context.Context, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Text == "" {
		return
	}
	userID := update.Message.From.ID
	if len(t.allowedUsers) > 0 && !t.allowedUsers[userID] {
		slog.Debug("telegram: ignoring message from unknown user", "user", userID)
		return
	}

	t.mu.Lock()
	t.lastChatID = update.Message.Chat.ID
	t.mu.Unlock()

	text := update.Message.Text
	if text == "/clear" {
		if err := t.agent.Clear(ctx); err != nil {
			slog.Error("telegram: clear failed", "error", err)
			t.Send(ctx, "Could not clear the conversation: "+err.Error())
			return
		}
		t.Send(ctx, "Conversation cleared.")
		return
	}

	t.agent.HandleUserMessage(ctx, text, "telegram")
}

// Send delivers text to the active chat, falling back to the owner chat.
// A send that fails with Markdown formatting is retried once as plain
// text; without a token the message is only logged.
func (t *TelegramBot) Send(_ context.Context, text string) error {
	if t.bot == nil {
		slog.Error("telegram: dropping outbound message, no token configured", "text", text)
		return nil
	}

	t.mu.Lock()
	chatID := t.lastChatID
	t.mu.Unlock()
	if chatID == 0 {
		chatID = t.ownerChatID
	}
	if chatID == 0 {
		return errors.New("telegram: no chat to send to")
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		slog.Warn("telegram: markdown send failed, retrying plain", "error", err)
		plain := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(plain); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}
