package bot

import (
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"

	"SupportChat/entity"
	"SupportChat/internal/lib/sl"
)

// Sender is the part of the Telegram API the bot uses.
type Sender interface {
	SendMessage(chatId int64, text string, opts *tgbotapi.SendMessageOpts) (*tgbotapi.Message, error)
}

// TgBot mirrors agent notifications into the admin's Telegram chat, so a
// new customer message is noticed even when no agent console is open.
type TgBot struct {
	log         *slog.Logger
	api         Sender
	botUsername string
	adminId     int64
}

func NewTgBot(botName, apiKey string, adminId int64, log *slog.Logger) (*TgBot, error) {
	api, err := tgbotapi.NewBot(apiKey, nil)
	if err != nil {
		return nil, fmt.Errorf("creating api instance: %v", err)
	}
	return newTgBot(botName, api, adminId, log), nil
}

func newTgBot(botName string, api Sender, adminId int64, log *slog.Logger) *TgBot {
	return &TgBot{
		log:         log.With(sl.Module("tgbot"), slog.String("bot", botName)),
		api:         api,
		botUsername: botName,
		adminId:     adminId,
	}
}

// SendNotification implements the notification sink.
func (t *TgBot) SendNotification(n entity.Notification) error {
	markdown := fmt.Sprintf("*%s*\n%s\n\n`%s`",
		sanitize(n.Title, false),
		sanitize(n.Body, false),
		sanitize(n.SessionID, false),
	)
	plain := fmt.Sprintf("%s\n%s\n\n%s", n.Title, n.Body, n.SessionID)
	return t.plainResponse(t.adminId, markdown, plain)
}

func (t *TgBot) SendMessage(msg string) error {
	return t.plainResponse(t.adminId, sanitize(msg, false), msg)
}

// plainResponse sends MarkdownV2 and falls back to plain text if Telegram
// rejects the markup.
func (t *TgBot) plainResponse(chatId int64, text, plain string) error {
	if strings.TrimSpace(plain) == "" {
		t.log.With(
			slog.Int64("id", chatId),
		).Debug("empty message")
		return nil
	}

	_, err := t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{
		ParseMode: "MarkdownV2",
	})
	if err == nil {
		return nil
	}
	t.log.With(
		slog.Int64("id", chatId),
	).Warn("sending message", sl.Err(err))

	_, err = t.api.SendMessage(chatId, plain, &tgbotapi.SendMessageOpts{})
	if err != nil {
		return fmt.Errorf("sending safe message: %w", err)
	}
	return nil
}

// sanitize escapes MarkdownV2 reserved characters.
func sanitize(input string, preserveLinks bool) string {
	reservedChars := "\\`_*~>={}#+-.!|()[]"
	if preserveLinks {
		reservedChars = "\\`_*~>={}#+-.!|"
	}

	var sb strings.Builder
	sb.Grow(len(input))
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			sb.WriteRune('\\')
		}
		sb.WriteRune(char)
	}
	return sb.String()
}
