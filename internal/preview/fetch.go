// Package preview downloads stream preview images.
package preview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound means the candidate URL has no image (HTTP 404); callers move on
// to the next candidate.
var ErrNotFound = errors.New("preview not found")

// Fetcher retrieves one preview image.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type Config struct {
	Timeout   time.Duration
	UserAgent string
	// MaxBytes caps the body size. Telegram rejects photos above 10MB anyway.
	MaxBytes int64
}

type HTTPFetcher struct {
	cfg    Config
	client *http.Client
}

func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10 << 20
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "streambot/1.0"
	}
	return &HTTPFetcher{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("preview %s: http %d", url, resp.StatusCode)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("preview %s: body exceeds %d bytes", url, f.cfg.MaxBytes)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("preview %s: empty body", url)
	}
	return b, nil
}
