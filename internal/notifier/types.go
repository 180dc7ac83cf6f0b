package notifier

import (
	"context"
	"time"
)

const (
	ChannelEmail    = "email"
	ChannelTelegram = "telegram"
)

// Config controls the async pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Defaults names the default channel targets.
type Defaults struct {
	Email  string
	ChatID int64
}

// Message is one delivery on one channel.
type Message struct {
	Channel string
	To      string // email address, or chat id for telegram
	Subject string
	Text    string
	HTML    string
	Image   string // local file embedded in emails
}

// Channel delivers messages of one kind.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, m Message) error
}

// DedupStore persists dedup marks across restarts. storage.Store satisfies it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Channel string    `json:"channel"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Error   string    `json:"error,omitempty"`
}

// NotificationEvent is the payload of notify.* bus events.
type NotificationEvent struct {
	Channel string    `json:"channel"`
	To      string    `json:"to"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
