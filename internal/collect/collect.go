// Package collect polls a provider for the live state of many channels.
//
// Channels are requested in batches, each batch with a bounded retry, and
// every returned stream is post-processed on the worker pool. Channels whose
// batch or item failed are reported as timed out so callers keep their
// previous state instead of treating them as offline.
package collect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streambot/internal/notify"
	"streambot/internal/pool"
	logx "streambot/pkg/logx"
)

const (
	DefaultBatchSize  = 100
	DefaultRetries    = 1
	DefaultRetryDelay = 250 * time.Millisecond
)

// Source fetches the live streams of a batch of channel ids. Channels that
// are not live are simply absent from the result.
type Source interface {
	Service() string
	Fetch(ctx context.Context, channelIDs []string) ([]*notify.Stream, error)
}

// Process post-processes one fetched stream (metadata refresh, filtering).
// Returning an error marks that stream's channel as timed out.
type Process func(ctx context.Context, s *notify.Stream) error

// Config zero values take the defaults. Negative Retries disables retrying.
type Config struct {
	BatchSize  int
	Retries    int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	return c
}

// Result of one collection cycle.
type Result struct {
	Streams []*notify.Stream
	// Timeouts lists channels whose state is unknown this cycle.
	Timeouts []string
}

type Collector struct {
	cfg  Config
	pool *pool.Pool
	log  logx.Logger
}

func New(cfg Config, p *pool.Pool, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if p == nil {
		p = pool.New(pool.DefaultSize, log)
	}
	return &Collector{cfg: cfg.withDefaults(), pool: p, log: log.With(logx.String("comp", "collect"))}
}

// Collect fetches every channel of src and runs process (optional) on each
// stream. Batches run one after another; items of a batch run on the pool.
func (c *Collector) Collect(ctx context.Context, src Source, channelIDs []string, process Process) Result {
	var res Result
	log := c.log.With(logx.String("service", src.Service()))

	for _, batch := range chunk(channelIDs, c.cfg.BatchSize) {
		if ctx.Err() != nil {
			res.Timeouts = append(res.Timeouts, batch...)
			continue
		}
		streams, err := c.fetch(ctx, src, batch)
		if err != nil {
			log.Warn("batch fetch failed", logx.Int("channels", len(batch)), logx.Err(err))
			res.Timeouts = append(res.Timeouts, batch...)
			continue
		}

		ok := make([]bool, len(streams))
		c.pool.Run(ctx, pool.Slice(indexes(len(streams)), func(i int) pool.Unit {
			return func(ctx context.Context) error {
				if process != nil {
					if err := process(ctx, streams[i]); err != nil {
						return fmt.Errorf("process %s: %w", streams[i].ID, err)
					}
				}
				ok[i] = true
				return nil
			}
		}))
		for i, s := range streams {
			if ok[i] {
				res.Streams = append(res.Streams, s)
				continue
			}
			log.Debug("stream dropped", logx.String("stream", s.ID), logx.String("channel", s.ChannelID))
			res.Timeouts = append(res.Timeouts, s.ChannelID)
		}
	}
	return res
}

func (c *Collector) fetch(ctx context.Context, src Source, batch []string) ([]*notify.Stream, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.cfg.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, errors.Join(lastErr, ctx.Err())
			case <-t.C:
			}
		}
		streams, err := src.Fetch(ctx, batch)
		if err == nil {
			return streams, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > 0 {
		n := min(size, len(ids))
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	return out
}

func indexes(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
