package app

import (
	"context"
	"errors"
	"testing"

	"streambot/internal/notify"
	"streambot/internal/transport"
)

func TestRouterLifecycle(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	ta.subscribe(t, "1", "twitch", "chan")
	ta.subscribe(t, "2", "twitch", "chan")
	ta.subscribe(t, "3", "twitch", "other")
	ctx := context.Background()

	online := &Event{Type: EventOnline, Stream: &notify.Stream{
		ID: "s1", Service: "twitch", ChannelID: "chan",
		Preview: []string{"http://img/s1.jpg"}, Caption: "live", Text: "live",
	}}
	rep, err := ta.Router().Handle(ctx, online)
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if len(rep.Sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(rep.Sent))
	}
	sent, _ := ta.msgr.snapshot()
	for _, m := range sent {
		if !m.photo || m.body != "live" {
			t.Fatalf("unexpected message %#v", m)
		}
		if m.to == "3" {
			t.Fatal("delivered to a chat of another channel")
		}
	}

	again := &Event{Type: EventOnline, Stream: &notify.Stream{ID: "s1", Caption: "live, 10 viewers"}}
	rep, err = ta.Router().Handle(ctx, again)
	if err != nil {
		t.Fatalf("second online: %v", err)
	}
	if len(rep.Sent) != 0 || rep.Edited != 2 {
		t.Fatalf("second online: sent=%d edited=%d, want 0/2", len(rep.Sent), rep.Edited)
	}

	rep, err = ta.Router().Handle(ctx, &Event{Type: EventOffline, Stream: &notify.Stream{ID: "s1", Caption: "ended"}})
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if rep.Edited != 2 {
		t.Fatalf("offline edited = %d, want 2", rep.Edited)
	}
	if n := ta.Registry().Len(); n != 0 {
		t.Fatalf("registry still holds %d streams", n)
	}
	_, edits := ta.msgr.snapshot()
	for id, body := range edits {
		if body != "ended" {
			t.Fatalf("message %d = %q, want final caption", id, body)
		}
	}
}

func TestRouterExplicitRecipientsSendText(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)

	ev := &Event{
		Type:       EventOnline,
		Stream:     &notify.Stream{ID: "s2", Service: "kick", ChannelID: "c", Text: "hello"},
		Recipients: []transport.Recipient{"@news", "7"},
	}
	rep, err := ta.Router().Handle(context.Background(), ev)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(rep.Sent) != 2 {
		t.Fatalf("sent = %d, want 2", len(rep.Sent))
	}
	sent, _ := ta.msgr.snapshot()
	for _, m := range sent {
		if m.photo {
			t.Fatalf("photo sent without preview: %#v", m)
		}
	}
}

func TestRouterRejectsBadEvents(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   *Event
	}{
		{name: "nil", ev: nil},
		{name: "no stream", ev: &Event{Type: EventOnline}},
		{name: "no id", ev: &Event{Type: EventOnline, Stream: &notify.Stream{Service: "x"}}},
		{name: "unknown type", ev: &Event{Type: "paused", Stream: &notify.Stream{ID: "s"}}},
	}
	for _, tc := range tests {
		if _, err := ta.Router().Handle(ctx, tc.ev); !errors.Is(err, ErrBadEvent) {
			t.Fatalf("%s: err = %v, want ErrBadEvent", tc.name, err)
		}
	}
}

func TestRouterUpdateWithoutHistoryIsNoop(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	rep, err := ta.Router().Handle(context.Background(), &Event{Type: EventUpdate, Stream: &notify.Stream{ID: "ghost", Caption: "x"}})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if rep.Edited != 0 || len(rep.Sent) != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if sent, _ := ta.msgr.snapshot(); len(sent) != 0 {
		t.Fatalf("sent %d messages", len(sent))
	}
}
