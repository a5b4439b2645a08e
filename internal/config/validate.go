package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// DefaultRetentionSchedule runs the history sweep once an hour.
const DefaultRetentionSchedule = "@hourly"

// Validate checks value ranges and every duration and cron field.
// It does not require a token; commands that talk to the API check that.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	duration("telegram.timeout", cfg.Telegram.Timeout)

	n := cfg.Notify
	if n.PhotoRetryMax < 0 {
		check(fmt.Errorf("notify.photo_retry_max must be >= 0"))
	}
	if n.DownloadRetryMax < 0 {
		check(fmt.Errorf("notify.download_retry_max must be >= 0"))
	}
	if n.HistoryCap < 0 {
		check(fmt.Errorf("notify.history_cap must be >= 0"))
	}
	duration("notify.photo_retry_delay", n.PhotoRetryDelay)
	duration("notify.download_retry_delay", n.DownloadRetryDelay)
	duration("notify.send_timeout", n.SendTimeout)
	switch strings.ToLower(strings.TrimSpace(n.ParseMode)) {
	case "", "html", "markdown", "markdownv2", "none":
	default:
		check(fmt.Errorf("notify.parse_mode: unknown mode %q", n.ParseMode))
	}

	if cfg.Pool.Size < 0 {
		check(fmt.Errorf("pool.size must be >= 0"))
	}

	s := cfg.Storage
	switch strings.ToLower(strings.TrimSpace(s.Driver)) {
	case "", "none":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(s.Path) == "" {
			check(fmt.Errorf("storage.path is required for driver %q", s.Driver))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
	}
	duration("storage.busy_timeout", s.BusyTimeout)
	duration("storage.retention", s.Retention)
	if spec := strings.TrimSpace(s.RetentionSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			check(fmt.Errorf("storage.retention_schedule: %w", err))
		}
	}

	duration("preview.timeout", cfg.Preview.Timeout)
	if cfg.Preview.MaxBytes < 0 {
		check(fmt.Errorf("preview.max_bytes must be >= 0"))
	}

	return errors.Join(errs...)
}
