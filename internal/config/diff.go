package config

import (
	"reflect"
	"strings"

	logx "streambot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets are reported only as
// "set" flags.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.APIURL != nt.APIURL || ot.Timeout != nt.Timeout || ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.timeout", strings.TrimSpace(nt.Timeout)),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Notify != newCfg.Notify {
		n := newCfg.Notify
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Int("notify.photo_retry_max", n.PhotoRetryMax),
			logx.Int("notify.download_retry_max", n.DownloadRetryMax),
			logx.Int("notify.history_cap", n.HistoryCap),
			logx.Int("notify.send_rate_per_sec", n.SendRatePerSec),
		)
	}
	if oldCfg.Pool != newCfg.Pool {
		changed = append(changed, "pool")
		attrs = append(attrs, logx.Int("pool.size", newCfg.Pool.Size))
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.retention", newCfg.Storage.Retention),
		)
	}
	om, nm := oldCfg.Metrics, newCfg.Metrics
	om.Token, nm.Token = "", ""
	if om != nm || oldCfg.Metrics.Token != newCfg.Metrics.Token {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", nm.Addr),
			logx.Bool("metrics.token_set", newCfg.Metrics.Token != ""),
		)
	}
	if oldCfg.Preview != newCfg.Preview {
		changed = append(changed, "preview")
		attrs = append(attrs, logx.String("preview.timeout", newCfg.Preview.Timeout))
	}
	if oldCfg.Ingest != newCfg.Ingest {
		changed = append(changed, "ingest")
		attrs = append(attrs, logx.String("ingest.path", newCfg.Ingest.Path))
	}
	return changed, attrs
}
