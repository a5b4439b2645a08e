package app

import (
	"context"
	"sort"
	"sync"

	"streambot/internal/notify"
	logx "streambot/pkg/logx"
)

// HistoryLoader restores persisted message history.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, streamID string) ([]notify.Delivered, error)
}

// Registry tracks the streams currently known to be live. Each stream is
// used by one event at a time so its exported fields can be refreshed
// between dispatches.
type Registry struct {
	hist   *notify.History
	loader HistoryLoader
	log    logx.Logger

	mu      sync.Mutex
	streams map[string]*entry
}

type entry struct {
	busy   sync.Mutex
	stream *notify.Stream

	// Fixed at creation; readable under Registry.mu.
	service   string
	channelID string
}

// LiveStream identifies a registered stream.
type LiveStream struct {
	ID        string
	ChannelID string
}

func NewRegistry(hist *notify.History, loader HistoryLoader, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{hist: hist, loader: loader, log: log, streams: map[string]*entry{}}
}

// Acquire returns the registered stream for in.ID, creating it on first
// sight and refreshing it from the non-empty fields of in. The stream is
// held exclusively until release is called.
func (r *Registry) Acquire(ctx context.Context, in *notify.Stream) (s *notify.Stream, release func()) {
	var (
		e       *entry
		created bool
	)
	for {
		r.mu.Lock()
		e = r.streams[in.ID]
		created = e == nil
		if created {
			e = &entry{stream: &notify.Stream{ID: in.ID}, service: in.Service, channelID: in.ChannelID}
			r.streams[in.ID] = e
		}
		r.mu.Unlock()

		e.busy.Lock()
		// The holder may have forgotten the entry while we waited.
		r.mu.Lock()
		current := r.streams[in.ID] == e
		r.mu.Unlock()
		if current {
			break
		}
		e.busy.Unlock()
	}

	s = e.stream
	refresh(s, in)

	if created && r.loader != nil && r.hist != nil {
		msgs, err := r.loader.LoadHistory(ctx, s.ID)
		if err != nil {
			r.log.Warn("history restore failed", logx.String("stream", s.ID), logx.Err(err))
		} else if len(msgs) > 0 {
			r.hist.Restore(s, msgs)
			r.log.Debug("history restored", logx.String("stream", s.ID), logx.Int("messages", len(msgs)))
		}
	}
	return s, e.busy.Unlock
}

func refresh(s, in *notify.Stream) {
	if in.Service != "" {
		s.Service = in.Service
	}
	if in.ChannelID != "" {
		s.ChannelID = in.ChannelID
	}
	if in.Preview != nil {
		s.Preview = append([]string(nil), in.Preview...)
	}
	if in.Caption != "" {
		s.Caption = in.Caption
	}
	if in.Text != "" {
		s.Text = in.Text
	}
}

// Forget drops a stream. Call it while holding the stream.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

// Live lists the registered streams of service (all when empty), sorted by id.
func (r *Registry) Live(service string) []LiveStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LiveStream, 0, len(r.streams))
	for id, e := range r.streams {
		if service == "" || e.service == service {
			out = append(out, LiveStream{ID: id, ChannelID: e.channelID})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
