package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier backs notify() by sending a message to every configured
// chat id. It is fire-and-forget: send failures are logged, never returned,
// since Notifier.Notify has no error return (spec's notify() is a one-way call).
type TelegramNotifier struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
	timeout time.Duration
}

// NewTelegramNotifier dials the Telegram bot API once at construction, the
// same way the teacher's channel did, and fails fast if the token is bad.
func NewTelegramNotifier(token string, chatIDs []int64, logger *slog.Logger) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram notifier init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, logger: logger, timeout: 10 * time.Second}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, kind, title, message string, severity Severity, fields map[string]string) {
	text := formatMessage(kind, title, message, severity, fields)
	for _, chatID := range t.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := t.bot.Send(msg); err != nil {
			t.logger.Warn("telegram notify failed", "chat_id", chatID, "kind", kind, "error", err)
		}
	}
}

func formatMessage(kind, title, message string, severity Severity, fields map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s\n%s", strings.ToUpper(string(severity)), kind, title, message)
	for k, v := range fields {
		fmt.Fprintf(&b, "\n%s=%s", k, v)
	}
	return b.String()
}
