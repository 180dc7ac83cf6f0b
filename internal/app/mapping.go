package app

import (
	"fmt"
	"time"

	"pricewatch/internal/catalog"
	"pricewatch/internal/config"
	"pricewatch/internal/extractor"
	"pricewatch/internal/maintenance"
	"pricewatch/internal/notifier"
	"pricewatch/internal/storage"
	"pricewatch/internal/tracker"
	"pricewatch/internal/transport/telegram"
	logx "pricewatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	console := true
	if cfg.Logging.Console != nil {
		console = *cfg.Logging.Console
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Dir:         cfg.Storage.Dir,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout.Or(time.Second),
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	n := cfg.Notify
	return notifier.Config{
		Enabled:         n.IsEnabled(),
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		RetryMax:        n.RetryMax,
		RetryBase:       n.RetryBase.Std(),
		RetryMaxDelay:   n.RetryMaxDelay.Std(),
		SendTimeout:     n.SendTimeout.Std(),
		DedupWindow:     n.DedupWindow.Std(),
		DedupMaxEntries: n.DedupMaxEntries,
		PersistDedup:    n.PersistDedup,
	}
}

func mapNotifyDefaults(cfg *config.Config) notifier.Defaults {
	return notifier.Defaults{
		Email:  cfg.Notify.ReceiverEmail,
		ChatID: int64(cfg.Notify.Telegram.ChatID),
	}
}

func mapEmail(cfg *config.Config) notifier.EmailConfig {
	n := cfg.Notify
	return notifier.EmailConfig{
		Host:     n.SMTPHost,
		Port:     n.SMTPPort,
		Username: n.SenderEmail,
		Password: n.SenderPassword,
		From:     n.SenderEmail,
		TLS:      n.SMTPTLS,
	}
}

func mapTracker(cfg *config.Config) tracker.Config {
	def := cfg.Tracker.DefaultInterval.Or(catalog.DefaultIntervalSeconds * time.Second)
	return tracker.Config{
		JoinTimeout: cfg.Tracker.JoinTimeout.Or(tracker.DefaultJoinTimeout),
		IntervalFor: func(it catalog.Item) time.Duration {
			if it.IntervalSeconds <= 0 {
				return def
			}
			return it.Interval()
		},
	}
}

func mapExtractor(cfg *config.Config) extractor.Config {
	e := cfg.Extractor
	return extractor.Config{
		UserAgent:      e.UserAgent,
		AcceptLanguage: e.AcceptLanguage,
		Timeout:        e.Timeout.Std(),
		MaxBytes:       e.MaxBytes,
		RatePerSec:     e.RatePerSec,
		TitleID:        e.TitleID,
		PriceClass:     e.PriceClass,
	}
}

func mapMaintenance(cfg *config.Config) maintenance.Config {
	m := cfg.Maintenance
	return maintenance.Config{
		Enabled:            m.Enabled,
		Timezone:           m.Timezone,
		HistorySchedule:    m.HistorySchedule,
		RecipientsSchedule: m.RecipientsSchedule,
		SnapshotSchedule:   m.SnapshotSchedule,
	}
}

func mapBot(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Bot.Token,
		APIURL:      cfg.Notify.Telegram.APIURL,
		PollTimeout: cfg.Bot.PollTimeout.Or(10 * time.Second),
	}
}

// validate runs the checks that need component packages, so a hot reload
// is rejected before commit.
func validate(cfg *config.Config) error {
	if err := maintenance.Validate(mapMaintenance(cfg)); err != nil {
		return err
	}
	if cfg.Notify.IsEnabled() {
		if _, err := notifier.NewEmail(mapEmail(cfg)); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	return nil
}
