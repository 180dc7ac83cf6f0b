package notifier

import (
	"context"
	"fmt"
	"strconv"
)

// TextSender posts plain text to a Telegram chat.
type TextSender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// Telegram delivers messages as chat text. Message.To is the chat id.
type Telegram struct {
	sender TextSender
}

func NewTelegram(sender TextSender) *Telegram { return &Telegram{sender: sender} }

func (t *Telegram) Name() string { return ChannelTelegram }

func (t *Telegram) Deliver(ctx context.Context, m Message) error {
	id, err := strconv.ParseInt(m.To, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", m.To, err)
	}
	text := m.Text
	if m.Subject != "" {
		text = m.Subject + "\n\n" + text
	}
	return t.sender.SendText(ctx, id, text)
}
