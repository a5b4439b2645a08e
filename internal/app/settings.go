package app

import (
	"fmt"
	"strings"
	"time"

	"streambot/internal/config"
	"streambot/internal/notify"
	"streambot/internal/observability"
	"streambot/internal/preview"
	"streambot/internal/storage"
	"streambot/internal/transport"
	"streambot/internal/transport/telegram"
	logx "streambot/pkg/logx"
)

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notify
	photoDelay, err := config.ParseDurationField("notify.photo_retry_delay", n.PhotoRetryDelay)
	if err != nil {
		return notify.Config{}, err
	}
	dlDelay, err := config.ParseDurationField("notify.download_retry_delay", n.DownloadRetryDelay)
	if err != nil {
		return notify.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notify.send_timeout", n.SendTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		PhotoRetryMax:      n.PhotoRetryMax,
		PhotoRetryDelay:    photoDelay,
		DownloadRetryMax:   n.DownloadRetryMax,
		DownloadRetryDelay: dlDelay,
		HistoryCap:         n.HistoryCap,
		SendRatePerSec:     n.SendRatePerSec,
		SendTimeout:        sendTimeout,
		ParseMode:          parseMode(n.ParseMode),
	}, nil
}

func parseMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "markdown":
		return "Markdown"
	case "markdownv2":
		return "MarkdownV2"
	case "none":
		return "none"
	default:
		return "HTML"
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(sc.Driver),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}, nil
}

func mapRetention(cfg *config.Config) (time.Duration, string, error) {
	keep, err := config.ParseDurationField("storage.retention", cfg.Storage.Retention)
	if err != nil {
		return 0, "", err
	}
	spec := strings.TrimSpace(cfg.Storage.RetentionSchedule)
	if spec == "" {
		spec = config.DefaultRetentionSchedule
	}
	return keep, spec, nil
}

func mapMetricsConfig(cfg *config.Config) observability.ServerConfig {
	m := cfg.Metrics
	return observability.ServerConfig{
		Enabled:       m.Enabled,
		Addr:          strings.TrimSpace(m.Addr),
		Path:          strings.TrimSpace(m.Path),
		Pprof:         m.Pprof,
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
		ReadTimeout:   10 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
}

func mapPreviewConfig(cfg *config.Config) (preview.Config, error) {
	timeout, err := config.ParseDurationField("preview.timeout", cfg.Preview.Timeout)
	if err != nil {
		return preview.Config{}, err
	}
	return preview.Config{
		Timeout:   timeout,
		UserAgent: strings.TrimSpace(cfg.Preview.UserAgent),
		MaxBytes:  cfg.Preview.MaxBytes,
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	token := strings.TrimSpace(cfg.Telegram.Token)
	if token == "" {
		return telegram.Config{}, fmt.Errorf("telegram.token is required (or set %s)", config.EnvToken)
	}
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 30*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: token, APIURL: strings.TrimSpace(cfg.Telegram.APIURL), Timeout: timeout}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			Chat:       transport.Recipient(strings.TrimSpace(l.Telegram.Chat)),
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// OpenStore opens the configured store for one-shot tools. It returns
// storage.ErrDisabled when no driver is configured.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, storage.ErrDisabled
	}
	return st, nil
}
