package telegram

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"alpha_supervisor/internal/metrics"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Alerter is the "send text to the operator" sink. Delivery is best-effort:
// implementations never return an error and never block for long.
type Alerter interface {
	Alert(text string)
}

// sender is the part of *tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier delivers alerts to a single Telegram chat.
type Notifier struct {
	bot    sender
	chatID int64
}

var _ Alerter = (*Notifier)(nil)

// NewNotifier connects to the Bot API. When credentials are missing it returns
// a Notifier that only logs, so callers never need a nil check.
func NewNotifier(token, chatID string) *Notifier {
	if token == "" || chatID == "" {
		log.Println("Warning: Telegram credentials missing, alerts will only be logged")
		return &Notifier{}
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		log.Printf("Warning: invalid TELEGRAM_CHAT_ID %q, alerts will only be logged", chatID)
		return &Notifier{}
	}

	client := &http.Client{Timeout: 10 * time.Second}
	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		log.Printf("Warning: Telegram init failed, alerts will only be logged: %v", err)
		return &Notifier{}
	}
	log.Printf("Telegram alerts enabled (bot @%s)", bot.Self.UserName)
	return &Notifier{bot: bot, chatID: id}
}

// Alert sends text with Markdown formatting. A 4xx reply (usually a Markdown
// parse failure) is retried once as plain text; any further failure is logged
// and dropped.
func (n *Notifier) Alert(text string) {
	if n == nil || n.bot == nil {
		log.Printf("[ALERT] %s", text)
		metrics.Alerts.WithLabelValues("skipped").Inc()
		return
	}

	err := n.send(text, tgbotapi.ModeMarkdown)
	if err == nil {
		metrics.Alerts.WithLabelValues("ok").Inc()
		return
	}

	if !isClientError(err) {
		log.Printf("Telegram Alert Failed: %v", err)
		metrics.Alerts.WithLabelValues("failed").Inc()
		return
	}

	log.Printf("Telegram rejected formatted alert (%v), resending as plain text", err)
	if err := n.send(text, ""); err != nil {
		log.Printf("Telegram Alert Failed: %v", err)
		metrics.Alerts.WithLabelValues("failed").Inc()
		return
	}
	metrics.Alerts.WithLabelValues("plain_retry").Inc()
}

func (n *Notifier) send(text, parseMode string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = parseMode
	msg.DisableWebPagePreview = true
	_, err := n.bot.Send(msg)
	return err
}

// isClientError reports whether the Bot API answered with a 400-class code.
func isClientError(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 400 && apiErr.Code < 500
	}
	return false
}

// Escape makes s safe to embed inside a legacy Markdown message.
func Escape(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '_', '*', '`', '[':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}

// Format is a small helper for building alert lines with an icon prefix.
func Format(icon, title, body string) string {
	if body == "" {
		return fmt.Sprintf("%s *%s*", icon, title)
	}
	return fmt.Sprintf("%s *%s*\n%s", icon, title, body)
}
