package config

// Config is the whole document. Every section is optional except notify,
// whose credentials are required.
type Config struct {
	Notify      NotifyConfig      `json:"notify"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Tracker     TrackerConfig     `json:"tracker"`
	Extractor   ExtractorConfig   `json:"extractor"`
	HTTP        HTTPConfig        `json:"http"`
	Bot         BotConfig         `json:"bot"`
	Maintenance MaintenanceConfig `json:"maintenance"`

	// Flat keys of the legacy single-object document. Normalize folds them
	// into Notify.
	LegacySenderEmail    string `json:"sender_email,omitempty"`
	LegacySenderPassword string `json:"sender_password,omitempty"`
	LegacyReceiverEmail  string `json:"receiver_email,omitempty"`
	LegacyURLTelegram    string `json:"url_telegram,omitempty"`
	LegacyChatID         ChatID `json:"chat_id_telegram,omitempty"`
}

// NotifyConfig holds the default channel credentials and the delivery
// pipeline knobs.
//
// Defaults (when omitted/zero):
//   - smtp_host: smtp.gmail.com, smtp_port: 587, smtp_tls: mandatory
//   - workers: 2, queue_size: 256, rate_per_sec: 2
//   - retry_max: 0 (no retries), retry_base: 500ms, retry_max_delay: 10s
//   - send_timeout: 10s, dedup_window: 0 (off)
type NotifyConfig struct {
	Enabled *bool `json:"enabled,omitempty"`

	SenderEmail    string `json:"sender_email"`
	SenderPassword string `json:"sender_password"`
	ReceiverEmail  string `json:"receiver_email"`
	SMTPHost       string `json:"smtp_host,omitempty"`
	SMTPPort       int    `json:"smtp_port,omitempty"`
	SMTPTLS        string `json:"smtp_tls,omitempty"`

	Telegram NotifyTelegram `json:"telegram"`

	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       Duration `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration `json:"retry_max_delay,omitempty"`
	SendTimeout     Duration `json:"send_timeout,omitempty"`
	DedupWindow     Duration `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool     `json:"persist_dedup,omitempty"`
}

// NotifyTelegram is the default chat. The bot token is shared with the bot
// section when that one has none.
type NotifyTelegram struct {
	Token  string `json:"token,omitempty"`
	APIURL string `json:"api_url,omitempty"`
	ChatID ChatID `json:"chat_id,omitempty"`
}

func (n NotifyConfig) IsEnabled() bool { return n.Enabled == nil || *n.Enabled }

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  *bool           `json:"console,omitempty"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "file", "dir": "./data" }
type StorageConfig struct {
	Driver      string   `json:"driver"`
	Dir         string   `json:"dir,omitempty"`
	Path        string   `json:"path,omitempty"` // sqlite database file
	BusyTimeout Duration `json:"busy_timeout,omitempty"`
}

type TrackerConfig struct {
	DefaultInterval Duration `json:"default_interval,omitempty"`
	JoinTimeout     Duration `json:"join_timeout,omitempty"`
}

type ExtractorConfig struct {
	UserAgent      string   `json:"user_agent,omitempty"`
	AcceptLanguage string   `json:"accept_language,omitempty"`
	Timeout        Duration `json:"timeout,omitempty"`
	MaxBytes       int64    `json:"max_bytes,omitempty"`
	RatePerSec     float64  `json:"rate_per_sec,omitempty"`
	TitleID        string   `json:"title_id,omitempty"`
	PriceClass     string   `json:"price_class,omitempty"`
}

// HTTPConfig controls the read-only JSON API. Prefer a loopback address.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// Pprof mounts the runtime profiler under /debug.
	Pprof bool `json:"pprof,omitempty"`
}

type BotConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"token,omitempty"`
	OwnerIDs    []int64  `json:"owner_ids"`
	PollTimeout Duration `json:"poll_timeout,omitempty"`
}

// MaintenanceConfig holds cron specs (seconds field optional, descriptors
// such as "@daily" allowed). An empty spec disables that job.
type MaintenanceConfig struct {
	Enabled            bool   `json:"enabled"`
	Timezone           string `json:"timezone,omitempty"`
	HistorySchedule    string `json:"history_schedule,omitempty"`
	RecipientsSchedule string `json:"recipients_schedule,omitempty"`
	SnapshotSchedule   string `json:"snapshot_schedule,omitempty"`
}
