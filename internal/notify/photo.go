package notify

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"streambot/internal/eventbus"
	"streambot/internal/preview"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

// PhotoCache uploads the preview photo of a stream once and shares the
// result with every concurrent caller for the same stream id.
type PhotoCache struct {
	msgr  transport.Messenger
	fetch preview.Fetcher
	cfg   func() Config
	bus   eventbus.Bus
	log   logx.Logger

	// onFailure classifies a final upload error and applies its directory
	// side effects.
	onFailure func(ctx context.Context, streamID string, to transport.Recipient, err error) Decision

	group    singleflight.Group
	inFlight atomic.Int32
	started  atomic.Int64
}

// InFlight reports running acquisition pipelines.
func (c *PhotoCache) InFlight() int { return int(c.inFlight.Load()) }

// Started reports how many pipelines have ever been started.
func (c *PhotoCache) Started() int64 { return c.started.Load() }

// Acquire uploads the stream photo to recipient to with caption, or waits for
// the pipeline already running for s.ID. joined is true when the result came
// from another caller's pipeline; in that case to received nothing. A joiner
// stops waiting when its own ctx ends; the pipeline keeps running for the
// caller that started it.
func (c *PhotoCache) Acquire(ctx context.Context, s *Stream, to transport.Recipient, caption string) (ref transport.MessageRef, joined bool, err error) {
	var led atomic.Bool
	ch := c.group.DoChan(s.ID, func() (any, error) {
		led.Store(true)
		c.inFlight.Add(1)
		defer c.inFlight.Add(-1)
		c.started.Add(1)
		return c.pipeline(ctx, s, to, caption)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return transport.MessageRef{}, !led.Load(), res.Err
		}
		return res.Val.(transport.MessageRef), !led.Load(), nil
	case <-ctx.Done():
		return transport.MessageRef{}, !led.Load(), ctx.Err()
	}
}

func (c *PhotoCache) pipeline(ctx context.Context, s *Stream, to transport.Recipient, caption string) (transport.MessageRef, error) {
	cfg := c.cfg()
	start := time.Now()

	data, err := c.download(ctx, s, cfg)
	if err != nil {
		c.log.Warn("preview download failed", logx.String("stream", s.ID), logx.String("channel", s.ChannelID), logx.Err(err))
		eventbus.Publish(c.bus, eventbus.PhotoFailed, eventbus.DispatchEvent{StreamID: s.ID, Recipient: to.String(), Error: err.Error()})
		return transport.MessageRef{}, err
	}

	ref, err := c.upload(ctx, s, to, caption, data, cfg)
	if err != nil {
		c.log.Warn("photo upload failed", logx.String("stream", s.ID), logx.String("chat", to.String()), logx.Err(err))
		eventbus.Publish(c.bus, eventbus.PhotoFailed, eventbus.DispatchEvent{StreamID: s.ID, Recipient: to.String(), Error: err.Error()})
		return transport.MessageRef{}, err
	}

	c.log.Debug("photo acquired", logx.String("stream", s.ID), logx.String("chat", to.String()), logx.Int("bytes", len(data)), logx.Duration("dur", time.Since(start)))
	eventbus.Publish(c.bus, eventbus.PhotoAcquired, eventbus.DispatchEvent{StreamID: s.ID, Recipient: to.String(), Kind: string(KindPhoto)})
	return ref, nil
}

// download walks the preview candidates in order. Once all of them failed it
// waits DownloadRetryDelay and starts over, DownloadRetryMax times.
func (c *PhotoCache) download(ctx context.Context, s *Stream, cfg Config) ([]byte, error) {
	if len(s.Preview) == 0 {
		return nil, fmt.Errorf("%w: stream %s has no preview", ErrDownload, s.ID)
	}
	urls := append([]string(nil), s.Preview...)
	budget := cfg.DownloadRetryMax

	for {
		var last error
		for _, u := range urls {
			b, err := c.fetch.Fetch(ctx, u)
			if err == nil {
				return b, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = err
			if !errors.Is(err, preview.ErrNotFound) {
				c.log.Debug("preview fetch error", logx.String("stream", s.ID), logx.String("url", u), logx.Err(err))
			}
		}
		if budget <= 0 {
			return nil, fmt.Errorf("%w: stream %s: %w", ErrDownload, s.ID, last)
		}
		budget--
		c.log.Debug("preview download retry scheduled", logx.String("stream", s.ID), logx.Int("left", budget), logx.Duration("delay", cfg.DownloadRetryDelay))
		if err := sleepCtx(ctx, cfg.DownloadRetryDelay); err != nil {
			return nil, err
		}
	}
}

// upload sends the downloaded bytes. Image-processing failures are retried
// with the same bytes, PhotoRetryMax times.
func (c *PhotoCache) upload(ctx context.Context, s *Stream, to transport.Recipient, caption string, data []byte, cfg Config) (transport.MessageRef, error) {
	budget := cfg.PhotoRetryMax
	photo := transport.Photo{Data: data, Name: s.ID + ".jpg"}

	for {
		ref, err := c.msgr.SendPhoto(ctx, to, photo, caption)
		if err == nil {
			if ref.PhotoID == "" {
				return transport.MessageRef{}, fmt.Errorf("%w: %s: response carries no photo id", ErrPhotoSend, to)
			}
			return ref, nil
		}
		if ctx.Err() != nil {
			return transport.MessageRef{}, ctx.Err()
		}

		if budget > 0 && Classify(err, to).Kind == FailureImageProcess {
			budget--
			c.log.Debug("photo upload retry scheduled", logx.String("stream", s.ID), logx.String("chat", to.String()), logx.Int("left", budget), logx.Err(err))
			if err := sleepCtx(ctx, cfg.PhotoRetryDelay); err != nil {
				return transport.MessageRef{}, err
			}
			continue
		}

		d := c.onFailure(ctx, s.ID, to, err)
		if d.MigrateTo != "" {
			err = &ChatMigratedError{From: to, To: d.MigrateTo, Err: err}
		}
		if d.Kick {
			return transport.MessageRef{}, fmt.Errorf("%w: %s: %w", ErrRecipientUnreachable, to, err)
		}
		return transport.MessageRef{}, fmt.Errorf("%w: %s: %w", ErrPhotoSend, to, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
