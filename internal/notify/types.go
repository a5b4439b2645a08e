package notify

import (
	"context"
	"strings"
	"sync"
	"time"

	"streambot/internal/transport"
)

// Stream is one observed live broadcast.
//
// The exported fields are filled by the caller and must not change while a
// dispatch for the stream is running. The cached photo handle and the message
// history are owned by this package.
type Stream struct {
	ID        string   `json:"id"`
	Service   string   `json:"service"`
	ChannelID string   `json:"channel_id"`
	Preview   []string `json:"preview,omitempty"`
	Caption   string   `json:"caption,omitempty"`
	Text      string   `json:"text,omitempty"`

	mu       sync.Mutex
	photoID  string
	messages []Delivered

	// persistMu orders history snapshots handed to the Persister.
	persistMu sync.Mutex
}

// PhotoID returns the cached uploaded-photo handle, or "".
func (s *Stream) PhotoID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.photoID
}

func (s *Stream) SetPhotoID(id string) {
	s.mu.Lock()
	s.photoID = id
	s.mu.Unlock()
}

// Kind tags a delivered message with the edit operation it needs.
type Kind string

const (
	KindText  Kind = "text"
	KindPhoto Kind = "photo"
)

// Delivered is a message previously sent for a stream.
type Delivered struct {
	Kind      Kind                `json:"kind"`
	Recipient transport.Recipient `json:"recipient"`
	MessageID int                 `json:"message_id"`
	At        time.Time           `json:"at"`
}

func (d Delivered) Ref() transport.MessageRef {
	return transport.MessageRef{Recipient: d.Recipient, MessageID: d.MessageID}
}

func (d Delivered) same(o Delivered) bool {
	return d.Kind == o.Kind && d.Recipient == o.Recipient && d.MessageID == o.MessageID
}

// Directory applies membership changes caused by permanent delivery failures.
type Directory interface {
	RemoveChat(ctx context.Context, chat transport.Recipient) error
	RemoveChannel(ctx context.Context, channel transport.Recipient) error
	MigrateChat(ctx context.Context, from, to transport.Recipient) error
}

// Persister stores a stream's message history. It receives the full
// snapshot after every change.
type Persister interface {
	PersistHistory(ctx context.Context, streamID string, msgs []Delivered) error
}

type nopDirectory struct{}

func (nopDirectory) RemoveChat(context.Context, transport.Recipient) error    { return nil }
func (nopDirectory) RemoveChannel(context.Context, transport.Recipient) error { return nil }
func (nopDirectory) MigrateChat(context.Context, transport.Recipient, transport.Recipient) error {
	return nil
}

// Config holds the runtime-tunable dispatch settings.
type Config struct {
	// PhotoRetryMax is how many extra uploads are tried after an
	// image-processing failure.
	PhotoRetryMax   int
	PhotoRetryDelay time.Duration
	// DownloadRetryMax is how many extra passes over the preview list are
	// made once every candidate failed.
	DownloadRetryMax   int
	DownloadRetryDelay time.Duration
	HistoryCap         int
	// SendRatePerSec paces outbound API calls. Negative disables pacing.
	SendRatePerSec int
	SendTimeout    time.Duration
	ParseMode      string
}

const (
	DefaultPhotoRetryDelay    = 5 * time.Second
	DefaultDownloadRetryDelay = 30 * time.Second
	DefaultHistoryCap         = 20
	DefaultSendRatePerSec     = 25
	DefaultSendTimeout        = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PhotoRetryMax < 0 {
		c.PhotoRetryMax = 0
	}
	if c.DownloadRetryMax < 0 {
		c.DownloadRetryMax = 0
	}
	if c.PhotoRetryDelay <= 0 {
		c.PhotoRetryDelay = DefaultPhotoRetryDelay
	}
	if c.DownloadRetryDelay <= 0 {
		c.DownloadRetryDelay = DefaultDownloadRetryDelay
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = DefaultHistoryCap
	}
	if c.SendRatePerSec == 0 {
		c.SendRatePerSec = DefaultSendRatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ParseMode == "" {
		c.ParseMode = "HTML"
	}
	return c
}

// sendOptions maps ParseMode "none" to plain text.
func (c Config) sendOptions() *transport.SendOptions {
	mode := c.ParseMode
	if strings.EqualFold(mode, "none") {
		mode = ""
	}
	return &transport.SendOptions{ParseMode: mode, DisablePreview: true}
}
