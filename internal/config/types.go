package config

// Config is the on-disk configuration. All durations are Go duration
// strings ("500ms", "30s", "2h").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Notify   NotifyConfig   `json:"notify"`
	Pool     PoolConfig     `json:"pool"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
	Preview  PreviewConfig  `json:"preview"`
	Ingest   IngestConfig   `json:"ingest"`
}

// TelegramConfig configures the messaging transport.
//
// Token may be left empty and supplied through STREAMBOT_TELEGRAM_TOKEN.
type TelegramConfig struct {
	Token   string `json:"token"`
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warnings and errors to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	Chat       string `json:"chat"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// NotifyConfig tunes the dispatcher.
//
// Defaults (when omitted/zero):
//   - photo_retry_max: 0, photo_retry_delay: "5s"
//   - download_retry_max: 0, download_retry_delay: "30s"
//   - history_cap: 20
//   - send_rate_per_sec: 25 (negative disables pacing)
//   - send_timeout: "30s"
//   - parse_mode: "HTML"
type NotifyConfig struct {
	PhotoRetryMax      int    `json:"photo_retry_max"`
	PhotoRetryDelay    string `json:"photo_retry_delay,omitempty"`
	DownloadRetryMax   int    `json:"download_retry_max"`
	DownloadRetryDelay string `json:"download_retry_delay,omitempty"`
	HistoryCap         int    `json:"history_cap,omitempty"`
	SendRatePerSec     int    `json:"send_rate_per_sec,omitempty"`
	SendTimeout        string `json:"send_timeout,omitempty"`
	ParseMode          string `json:"parse_mode,omitempty"`
}

// PoolConfig sizes the worker pool used for provider polling. 0 means 15.
type PoolConfig struct {
	Size int `json:"size,omitempty"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/streambot.db", "retention": "168h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention drops the history of streams untouched for this long. Empty disables.
	Retention string `json:"retention,omitempty"`
	// RetentionSchedule is a standard 5-field cron spec. Default "@hourly".
	RetentionSchedule string `json:"retention_schedule,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
//
// Binding to a non-loopback address needs a token or allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Path          string `json:"path,omitempty"` // default "/metrics"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// PreviewConfig tunes preview image downloads.
type PreviewConfig struct {
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	MaxBytes  int64  `json:"max_bytes,omitempty"`
}

// IngestConfig names the NDJSON stream-event source: a file path, or "-"
// for stdin. Empty disables ingestion.
type IngestConfig struct {
	Path string `json:"path,omitempty"`
}
