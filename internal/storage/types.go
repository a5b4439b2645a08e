package storage

import (
	"context"
	"errors"
	"time"

	"streambot/internal/notify"
	"streambot/internal/transport"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "file": snapshot + journal files next to Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Subscription binds a chat to one provider channel.
type Subscription struct {
	Chat      transport.Recipient
	Service   string
	ChannelID string
}

// Store is the persistence API used by the app.
type Store interface {
	notify.Persister
	notify.Directory

	LoadHistory(ctx context.Context, streamID string) ([]notify.Delivered, error)
	// PruneHistory drops the history of streams not written since olderThan
	// and reports how many streams were dropped.
	PruneHistory(ctx context.Context, olderThan time.Time) (int, error)

	Subscribe(ctx context.Context, sub Subscription) error
	Unsubscribe(ctx context.Context, sub Subscription) error
	// SetChannel routes a chat's notifications to a public channel handle.
	// An empty channel restores delivery to the chat itself.
	SetChannel(ctx context.Context, chat, channel transport.Recipient) error
	// Subscribers lists the delivery targets for a provider channel, ordered by
	// chat id. A channel bound by several chats is listed once.
	Subscribers(ctx context.Context, service, channelID string) ([]transport.Recipient, error)

	Close() error
}
