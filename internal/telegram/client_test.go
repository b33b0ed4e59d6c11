package telegram

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// SpySender records every message and replays scripted errors in order.
type SpySender struct {
	sent []tgbotapi.MessageConfig
	errs []error
}

func (s *SpySender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, ok := c.(tgbotapi.MessageConfig)
	if !ok {
		return tgbotapi.Message{}, errors.New("unexpected chattable")
	}
	s.sent = append(s.sent, msg)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return tgbotapi.Message{}, err
	}
	return tgbotapi.Message{MessageID: len(s.sent)}, nil
}

func TestAlert_SendsMarkdownOnce(t *testing.T) {
	spy := &SpySender{}
	n := &Notifier{bot: spy, chatID: 42}

	n.Alert("*hello*")

	if len(spy.sent) != 1 {
		t.Fatalf("Expected 1 send, got %d", len(spy.sent))
	}
	if spy.sent[0].ParseMode != tgbotapi.ModeMarkdown {
		t.Errorf("Expected Markdown parse mode, got %q", spy.sent[0].ParseMode)
	}
	if spy.sent[0].ChatID != 42 {
		t.Errorf("Expected chat 42, got %d", spy.sent[0].ChatID)
	}
}

func TestAlert_RetriesPlainOnClientError(t *testing.T) {
	spy := &SpySender{errs: []error{&tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"}}}
	n := &Notifier{bot: spy, chatID: 1}

	n.Alert("unbalanced *markdown")

	if len(spy.sent) != 2 {
		t.Fatalf("Expected 2 sends (formatted + plain), got %d", len(spy.sent))
	}
	if spy.sent[1].ParseMode != "" {
		t.Errorf("Expected plain retry, got parse mode %q", spy.sent[1].ParseMode)
	}
	if spy.sent[1].Text != spy.sent[0].Text {
		t.Errorf("Retry must carry the same text")
	}
}

func TestAlert_GivesUpAfterSecondFailure(t *testing.T) {
	spy := &SpySender{errs: []error{
		&tgbotapi.Error{Code: 400, Message: "bad"},
		&tgbotapi.Error{Code: 400, Message: "still bad"},
	}}
	n := &Notifier{bot: spy, chatID: 1}

	n.Alert("x")

	if len(spy.sent) != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", len(spy.sent))
	}
}

func TestAlert_NoRetryOnServerOrNetworkError(t *testing.T) {
	spy := &SpySender{errs: []error{errors.New("dial tcp: timeout")}}
	n := &Notifier{bot: spy, chatID: 1}
	n.Alert("x")
	if len(spy.sent) != 1 {
		t.Errorf("Expected 1 attempt on network error, got %d", len(spy.sent))
	}

	spy = &SpySender{errs: []error{&tgbotapi.Error{Code: 502, Message: "Bad Gateway"}}}
	n = &Notifier{bot: spy, chatID: 1}
	n.Alert("x")
	if len(spy.sent) != 1 {
		t.Errorf("Expected 1 attempt on 5xx, got %d", len(spy.sent))
	}
}

func TestAlert_UnconfiguredNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.Alert("nobody listens")

	(&Notifier{}).Alert("still nobody")
}

func TestEscape(t *testing.T) {
	if got := Escape("bracket_orders*[x]`"); got != `bracket\_orders\*\[x]`+"\\`" {
		t.Errorf("Unexpected escape result: %s", got)
	}
}
