package notification

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends alerts through the Telegram Bot API.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier creates a Telegram notifier. The token is verified
// against the API (getMe) before returning.
func NewTelegramNotifier(botToken, chatID string) (*TelegramNotifier, error) {
	return NewTelegramNotifierWithEndpoint(botToken, chatID, tgbotapi.APIEndpoint)
}

// NewTelegramNotifierWithEndpoint is NewTelegramNotifier against a custom API
// endpoint of the form "https://host/bot%s/%s".
func NewTelegramNotifierWithEndpoint(botToken, chatID, endpoint string) (*TelegramNotifier, error) {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: invalid chat ID %q: %w", chatID, err)
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(botToken, endpoint)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: id}, nil
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}

	msg := tgbotapi.NewMessage(t.chatID,
		fmt.Sprintf("%s *%s*\n\n%s", emoji, escapeMarkdownV2(alert.Title), escapeMarkdownV2(alert.Message)))
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	log.Printf("[telegram] sent alert: %s", alert.Title)
	return nil
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2.
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)
	for _, r := range text {
		switch r {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
