package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: "123:abc"
logging:
  level: debug
  console: true
notify:
  photo_retry_max: 2
  photo_retry_delay: 1s
  history_cap: 10
storage:
  driver: sqlite
  path: ./data/streambot.db
  retention: 168h
  retention_schedule: "0 * * * *"
metrics:
  enabled: true
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	y, err := Decode("streambot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode yaml: %v", err)
	}
	if y.Telegram.Token != "123:abc" || y.Notify.PhotoRetryMax != 2 || y.Storage.Driver != "sqlite" || !y.Metrics.Enabled {
		t.Fatalf("yaml decoded = %+v", y)
	}

	j, err := Decode("streambot.json", []byte(`{"telegram":{"token":"123:abc"},"notify":{"photo_retry_max":2,"photo_retry_delay":"1s","history_cap":10}}`))
	if err != nil {
		t.Fatalf("Decode json: %v", err)
	}
	if j.Notify != y.Notify {
		t.Fatalf("json notify = %+v, yaml notify = %+v", j.Notify, y.Notify)
	}
}

func TestDecodeRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"unknown key": `{"notify":{"photo_retries":1}}`,
		"trailing":    `{} {}`,
		"bad yaml":    "notify: [",
	}
	for name, in := range cases {
		file := "c.json"
		if name == "bad yaml" {
			file = "c.yml"
		}
		if _, err := Decode(file, []byte(in)); err == nil {
			t.Fatalf("%s: accepted", name)
		}
	}
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv(EnvToken, " 999:env ")
	cfg, err := Decode("c.json", []byte(`{}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	cfg, _ = Decode("c.json", []byte(`{"telegram":{"token":"file"}}`))
	if cfg.Telegram.Token != "file" {
		t.Fatalf("file token overridden: %q", cfg.Telegram.Token)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "zero config", mutate: func(*Config) {}},
		{name: "negative retries", mutate: func(c *Config) { c.Notify.PhotoRetryMax = -1 }, wantErr: "photo_retry_max"},
		{name: "bad delay", mutate: func(c *Config) { c.Notify.DownloadRetryDelay = "soon" }, wantErr: "download_retry_delay"},
		{name: "negative duration", mutate: func(c *Config) { c.Notify.SendTimeout = "-1s" }, wantErr: "send_timeout"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "missing path", mutate: func(c *Config) { c.Storage.Driver = "file" }, wantErr: "storage.path"},
		{name: "bad cron", mutate: func(c *Config) { c.Storage.RetentionSchedule = "every tuesday" }, wantErr: "retention_schedule"},
		{name: "cron descriptor", mutate: func(c *Config) { c.Storage.RetentionSchedule = "@daily" }},
		{name: "parse mode", mutate: func(c *Config) { c.Notify.ParseMode = "bbcode" }, wantErr: "parse_mode"},
		{name: "pool size", mutate: func(c *Config) { c.Pool.Size = -3 }, wantErr: "pool.size"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Validate = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeChangeHidesSecrets(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "old"}, Metrics: MetricsConfig{Token: "m1"}}
	b := &Config{Telegram: TelegramConfig{Token: "new"}, Metrics: MetricsConfig{Token: "m2"}, Pool: PoolConfig{Size: 4}}

	changed, attrs := SummarizeChange(a, b)
	want := []string{"telegram", "pool", "metrics"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("no attrs")
	}
	if changed, _ := SummarizeChange(b, b); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "streambot.json")
	write := func(s string) {
		if err := os.WriteFile(path, []byte(s), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write(`{"pool":{"size":1}}`)

	m := NewManager(path)
	m.debounce = 20 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)

	write(`{"pool":{"size":-1}}`) // rejected by Validate
	time.Sleep(100 * time.Millisecond)
	write(`{"pool":{"size":7}}`)

	select {
	case cfg := <-sub:
		if cfg.Pool.Size != 7 {
			t.Fatalf("published pool.size = %d, want 7", cfg.Pool.Size)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
	if got := m.Get().Pool.Size; got != 7 {
		t.Fatalf("Get().Pool.Size = %d", got)
	}
	cancel()
	<-done
}
