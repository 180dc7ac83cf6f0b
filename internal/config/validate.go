package config

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	logx "pricewatch/pkg/logx"
)

const (
	DefaultSMTPHost = "smtp.gmail.com"
	DefaultSMTPPort = 587
	DefaultHTTPAddr = "127.0.0.1:8080"
)

// ValidationError lists every problem found in one document.
type ValidationError struct {
	Path     string
	Problems []string
}

func (e *ValidationError) Error() string {
	where := e.Path
	if where == "" {
		where = "config"
	}
	return fmt.Sprintf("%s: %s", where, strings.Join(e.Problems, "; "))
}

// Normalize folds the legacy flat keys into their sections and fills the
// defaults that other packages read directly.
func Normalize(cfg *Config) {
	n := &cfg.Notify
	if n.SenderEmail == "" {
		n.SenderEmail = cfg.LegacySenderEmail
	}
	if n.SenderPassword == "" {
		n.SenderPassword = cfg.LegacySenderPassword
	}
	if n.ReceiverEmail == "" {
		n.ReceiverEmail = cfg.LegacyReceiverEmail
	}
	if n.Telegram.ChatID == 0 {
		n.Telegram.ChatID = cfg.LegacyChatID
	}
	if cfg.LegacyURLTelegram != "" && n.Telegram.Token == "" {
		n.Telegram.APIURL, n.Telegram.Token = splitTelegramURL(cfg.LegacyURLTelegram)
	}
	n.SenderEmail = strings.TrimSpace(n.SenderEmail)
	n.ReceiverEmail = strings.TrimSpace(n.ReceiverEmail)
	if n.SMTPHost == "" {
		n.SMTPHost = DefaultSMTPHost
	}
	if n.SMTPPort == 0 {
		n.SMTPPort = DefaultSMTPPort
	}

	if cfg.Bot.Token == "" {
		cfg.Bot.Token = n.Telegram.Token
	}
	if n.Telegram.Token == "" {
		n.Telegram.Token = cfg.Bot.Token
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
}

// splitTelegramURL turns a legacy ".../bot<token>/sendMessage" endpoint into
// the API base and the token.
func splitTelegramURL(raw string) (base, token string) {
	raw = strings.TrimSpace(raw)
	i := strings.Index(raw, "/bot")
	if i < 0 {
		return raw, ""
	}
	base = raw[:i]
	rest := raw[i+len("/bot"):]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return base, rest
}

// Validate checks a normalized config. The error, when not nil, is a
// *ValidationError.
func Validate(path string, cfg *Config) error {
	var p []string
	add := func(format string, args ...any) { p = append(p, fmt.Sprintf(format, args...)) }

	n := cfg.Notify
	if n.IsEnabled() {
		if n.SenderEmail == "" {
			add("notify.sender_email is required")
		} else if !validAddress(n.SenderEmail) {
			add("notify.sender_email %q is not an email address", n.SenderEmail)
		}
		if n.SenderPassword == "" {
			add("notify.sender_password is required")
		}
		if n.ReceiverEmail == "" {
			add("notify.receiver_email is required")
		} else if !validAddress(n.ReceiverEmail) {
			add("notify.receiver_email %q is not an email address", n.ReceiverEmail)
		}
		if n.Telegram.ChatID != 0 && n.Telegram.Token == "" {
			add("notify.telegram.token is required when chat_id is set")
		}
	}
	if n.SMTPPort < 0 || n.SMTPPort > 65535 {
		add("notify.smtp_port %d out of range", n.SMTPPort)
	}
	switch n.SMTPTLS {
	case "", "mandatory", "opportunistic", "none":
	default:
		add("notify.smtp_tls %q must be mandatory, opportunistic or none", n.SMTPTLS)
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 || n.DedupMaxEntries < 0 {
		add("notify pipeline values must be >= 0")
	}

	if l := cfg.Logging.Level; l != "" && !logx.ValidLevel(l) {
		add("logging.level %q is not a level", l)
	}
	if l := cfg.Logging.Telegram.MinLevel; l != "" && !logx.ValidLevel(l) {
		add("logging.telegram.min_level %q is not a level", l)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when the file sink is enabled")
	}
	if cfg.Logging.Telegram.Enabled && n.Telegram.ChatID == 0 {
		add("logging.telegram needs notify.telegram.chat_id")
	}

	switch cfg.Storage.Driver {
	case "", "file", "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			add("storage.path is required for the sqlite driver")
		}
	default:
		add("storage.driver %q is not supported", cfg.Storage.Driver)
	}

	if cfg.Extractor.MaxBytes < 0 || cfg.Extractor.RatePerSec < 0 {
		add("extractor values must be >= 0")
	}

	if cfg.Bot.Enabled {
		if cfg.Bot.Token == "" {
			add("bot.token is required when the bot is enabled")
		}
		if len(cfg.Bot.OwnerIDs) == 0 {
			add("bot.owner_ids must list at least one user")
		}
	}

	if tz := strings.TrimSpace(cfg.Maintenance.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("maintenance.timezone %q: %v", tz, err)
		}
	}

	if len(p) == 0 {
		return nil
	}
	return &ValidationError{Path: path, Problems: p}
}

func validAddress(s string) bool {
	a, err := mail.ParseAddress(s)
	return err == nil && a.Address == s
}
