package app

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"streambot/internal/notify"
	logx "streambot/pkg/logx"
)

func TestIngestSkipsBlankCommentAndMalformedLines(t *testing.T) {
	t.Parallel()
	in := strings.Join([]string{
		`{"type":"online","stream":{"id":"a","service":"twitch","channel_id":"c","caption":"hi"}}`,
		``,
		`# comment`,
		`{not json`,
		`{"type":"offline","stream":{"id":"a"}}`,
	}, "\n")

	var got []*Event
	err := Ingest(context.Background(), strings.NewReader(in), logx.Nop(), func(_ context.Context, ev *Event) {
		got = append(got, ev)
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Type != EventOnline || got[0].Stream.ID != "a" || got[0].Stream.Caption != "hi" {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].Type != EventOffline {
		t.Fatalf("second event type = %q", got[1].Type)
	}
}

func TestIngestStopsOnCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := Ingest(ctx, strings.NewReader(`{"type":"online","stream":{"id":"a"}}`), logx.Nop(), func(context.Context, *Event) {
		called = true
	})
	if err == nil || called {
		t.Fatalf("err=%v called=%v", err, called)
	}
}

func TestAppIngestRoutesEvents(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	ta.subscribe(t, "1", "twitch", "c1")
	ta.subscribe(t, "2", "twitch", "c2")

	in := `{"type":"online","stream":{"id":"a","service":"twitch","channel_id":"c1","text":"A live"}}
{"type":"online","stream":{"id":"b","service":"twitch","channel_id":"c2","text":"B live"}}
{"type":"online","stream":{"id":"c","service":"twitch","channel_id":"c3","text":"nobody"}}`
	if err := ta.Ingest(context.Background(), strings.NewReader(in)); err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	sent, _ := ta.msgr.snapshot()
	bodies := map[string]string{}
	for _, m := range sent {
		bodies[string(m.to)] = m.body
	}
	if len(sent) != 2 || bodies["1"] != "A live" || bodies["2"] != "B live" {
		t.Fatalf("sent = %#v", sent)
	}
	if ta.Registry().Len() != 3 {
		t.Fatalf("registry = %d, want 3", ta.Registry().Len())
	}
}

func TestIngestSkipsOversizeLine(t *testing.T) {
	t.Parallel()
	huge := `{"type":"online","stream":{"id":"big","caption":"` + strings.Repeat("x", maxEventLine+10) + `"}}`
	in := huge + "\n" + `{"type":"online","stream":{"id":"after"}}` + "\n"

	var got []string
	err := Ingest(context.Background(), strings.NewReader(in), logx.Nop(), func(_ context.Context, ev *Event) {
		got = append(got, ev.Stream.ID)
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if len(got) != 1 || got[0] != "after" {
		t.Fatalf("events = %v, want [after]", got)
	}
}

func TestIngestLastLineWithoutNewline(t *testing.T) {
	t.Parallel()
	var got []string
	err := Ingest(context.Background(), strings.NewReader(`{"type":"online","stream":{"id":"a"}}`), logx.Nop(), func(_ context.Context, ev *Event) {
		got = append(got, ev.Stream.ID)
	})
	if err != nil || len(got) != 1 {
		t.Fatalf("err=%v events=%v", err, got)
	}
}

func TestStreamQueueKeepsPerStreamOrder(t *testing.T) {
	t.Parallel()
	q := newStreamQueue()
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got = map[string][]EventType{}
	)
	order := []EventType{EventOnline, EventUpdate, EventUpdate, EventOffline}
	for _, typ := range order {
		for _, id := range []string{"a", "b", "c"} {
			id := id
			ev := &Event{Type: typ, Stream: &notify.Stream{ID: id}}
			if !q.push(id, ev) {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				q.drain(id, func(ev *Event) {
					time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
					mu.Lock()
					got[id] = append(got[id], ev.Type)
					mu.Unlock()
				})
			}()
		}
	}
	wg.Wait()
	for _, id := range []string{"a", "b", "c"} {
		if fmt.Sprint(got[id]) != fmt.Sprint(order) {
			t.Fatalf("stream %s ran %v, want %v", id, got[id], order)
		}
	}
}

func TestAppIngestOnlineThenOfflineInOrder(t *testing.T) {
	t.Parallel()
	ta := newTestApp(t)
	ta.subscribe(t, "1", "twitch", "c")

	var b strings.Builder
	const n = 40
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"type":"online","stream":{"id":"s%d","service":"twitch","channel_id":"c","text":"live"}}`+"\n", i)
		fmt.Fprintf(&b, `{"type":"offline","stream":{"id":"s%d","text":"ended"}}`+"\n", i)
	}
	if err := ta.Ingest(context.Background(), strings.NewReader(b.String())); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if n := ta.Registry().Len(); n != 0 {
		t.Fatalf("registry holds %d streams after offline", n)
	}
	sent, edits := ta.msgr.snapshot()
	if len(sent) != n || len(edits) != n {
		t.Fatalf("sent=%d edits=%d, want %d each", len(sent), len(edits), n)
	}
}
