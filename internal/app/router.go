package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"streambot/internal/notify"
	"streambot/internal/observability"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

type EventType string

const (
	EventOnline  EventType = "online"
	EventUpdate  EventType = "update"
	EventOffline EventType = "offline"
)

// Event is one stream state change. Caption and Text carry the already
// formatted notification.
type Event struct {
	Type   EventType      `json:"type"`
	Stream *notify.Stream `json:"stream"`
	// Recipients bypasses the subscriber lookup.
	Recipients []transport.Recipient `json:"recipients,omitempty"`
	// UseCachedPhoto reuses the stream's uploaded photo instead of uploading.
	UseCachedPhoto bool `json:"use_cached_photo,omitempty"`
}

var ErrBadEvent = errors.New("bad event")

// SubscriberLister resolves the delivery targets of a provider channel.
type SubscriberLister interface {
	Subscribers(ctx context.Context, service, channelID string) ([]transport.Recipient, error)
}

// Router turns stream events into dispatcher calls.
type Router struct {
	disp    *notify.Dispatcher
	reg     *Registry
	subs    SubscriberLister
	metrics *observability.Metrics
	log     logx.Logger
}

func NewRouter(disp *notify.Dispatcher, reg *Registry, subs SubscriberLister, metrics *observability.Metrics, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{disp: disp, reg: reg, subs: subs, metrics: metrics, log: log.With(logx.String("comp", "router"))}
}

// Handle applies ev. An online event for a stream that was already
// announced edits the existing messages instead of announcing again.
// The returned error joins per-recipient failures.
func (r *Router) Handle(ctx context.Context, ev *Event) (*notify.Report, error) {
	if ev == nil || ev.Stream == nil || ev.Stream.ID == "" {
		return nil, fmt.Errorf("%w: missing stream id", ErrBadEvent)
	}
	s, release := r.reg.Acquire(ctx, ev.Stream)
	defer release()

	log := r.log.With(logx.String("event", string(ev.Type)), logx.String("stream", s.ID))
	start := time.Now()
	var (
		rep *notify.Report
		op  string
	)
	switch ev.Type {
	case EventOnline:
		announced := len(r.disp.History().List(s)) > 0
		if announced && len(ev.Recipients) == 0 {
			op, rep = "update", r.disp.UpdateNotify(ctx, s)
			break
		}
		recipients, err := r.recipients(ctx, ev, s)
		if err != nil {
			return nil, err
		}
		op, rep = "send", r.disp.SendNotify(ctx, recipients, s.Caption, s.Text, s, ev.UseCachedPhoto)
	case EventUpdate:
		op, rep = "update", r.disp.UpdateNotify(ctx, s)
	case EventOffline:
		op, rep = "update", r.disp.UpdateNotify(ctx, s)
		r.reg.Forget(s.ID)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrBadEvent, ev.Type)
	}
	took := time.Since(start)
	r.metrics.ObserveDispatch(op, took)

	err := rep.Err()
	fields := []logx.Field{
		logx.Int("sent", len(rep.Sent)),
		logx.Int("edited", rep.Edited),
		logx.Int("failed", len(rep.Failed)),
		logx.Duration("took", took),
	}
	if err != nil {
		log.Warn("event handled with failures", append(fields, logx.Err(err))...)
	} else {
		log.Debug("event handled", fields...)
	}
	return rep, err
}

func (r *Router) recipients(ctx context.Context, ev *Event, s *notify.Stream) ([]transport.Recipient, error) {
	if len(ev.Recipients) > 0 {
		return ev.Recipients, nil
	}
	if r.subs == nil {
		return nil, nil
	}
	out, err := r.subs.Subscribers(ctx, s.Service, s.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("subscribers of %s/%s: %w", s.Service, s.ChannelID, err)
	}
	return out, nil
}
