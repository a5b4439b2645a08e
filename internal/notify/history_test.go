package notify

import (
	"context"
	"testing"

	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

func TestHistoryCapEvictsOldestPerRecipient(t *testing.T) {
	t.Parallel()
	per := &fakePersister{}
	h := NewHistory(20, per, logx.Nop())
	s := &Stream{ID: "s1"}
	ctx := context.Background()

	for i := 1; i <= 25; i++ {
		h.Record(ctx, s, Delivered{Kind: KindText, Recipient: "a", MessageID: i})
		if i%10 == 0 {
			h.Record(ctx, s, Delivered{Kind: KindPhoto, Recipient: "b", MessageID: 1000 + i})
		}
	}

	var a, b []int
	for _, m := range h.List(s) {
		switch m.Recipient {
		case "a":
			a = append(a, m.MessageID)
		case "b":
			b = append(b, m.MessageID)
		}
	}
	if len(a) != 20 {
		t.Fatalf("a entries = %d, want 20", len(a))
	}
	for i, id := range a {
		if id != i+6 {
			t.Fatalf("a[%d] = %d, want %d (most recent 20, oldest first)", i, id, i+6)
		}
	}
	if len(b) != 2 {
		t.Fatalf("b entries = %d, want 2", len(b))
	}
	if per.calls != 27 {
		t.Fatalf("persist calls = %d, want 27", per.calls)
	}
	if got := len(per.last["s1"]); got != 22 {
		t.Fatalf("last persisted snapshot = %d entries, want 22", got)
	}
}

func TestHistoryListIsACopy(t *testing.T) {
	t.Parallel()
	h := NewHistory(0, nil, logx.Nop())
	s := &Stream{ID: "s"}
	h.Record(context.Background(), s, Delivered{Kind: KindText, Recipient: "a", MessageID: 1})

	snap := h.List(s)
	snap[0].MessageID = 99
	if got := h.List(s)[0].MessageID; got != 1 {
		t.Fatalf("history mutated through snapshot: %d", got)
	}
	if h.Cap() != DefaultHistoryCap {
		t.Fatalf("Cap = %d, want %d", h.Cap(), DefaultHistoryCap)
	}
}

func TestHistoryRemoveByIdentity(t *testing.T) {
	t.Parallel()
	per := &fakePersister{}
	h := NewHistory(20, per, logx.Nop())
	s := &Stream{ID: "s"}
	ctx := context.Background()

	m1 := Delivered{Kind: KindText, Recipient: "a", MessageID: 1}
	m2 := Delivered{Kind: KindPhoto, Recipient: "a", MessageID: 1}
	h.Record(ctx, s, m1)
	h.Record(ctx, s, m2)

	if !h.Remove(ctx, s, m1) {
		t.Fatal("Remove(m1) = false")
	}
	if h.Remove(ctx, s, m1) {
		t.Fatal("second Remove(m1) = true")
	}
	left := h.List(s)
	if len(left) != 1 || left[0].Kind != KindPhoto {
		t.Fatalf("left = %#v", left)
	}
	if per.calls != 3 {
		t.Fatalf("persist calls = %d, want 3", per.calls)
	}
}

func TestHistoryRestoreAppliesCap(t *testing.T) {
	t.Parallel()
	per := &fakePersister{}
	h := NewHistory(2, per, logx.Nop())
	s := &Stream{ID: "s"}

	var msgs []Delivered
	for i := 1; i <= 4; i++ {
		msgs = append(msgs, Delivered{Kind: KindText, Recipient: transport.Recipient("a"), MessageID: i})
	}
	h.Restore(s, msgs)

	got := h.List(s)
	if len(got) != 2 || got[0].MessageID != 3 || got[1].MessageID != 4 {
		t.Fatalf("restored = %#v", got)
	}
	if per.calls != 0 {
		t.Fatalf("Restore persisted %d times", per.calls)
	}
}
