package notify

import (
	"context"
	"sync/atomic"

	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

// History keeps the per-stream list of delivered messages, capped per
// recipient. Entries live on the Stream; every change is handed to the
// Persister.
type History struct {
	limit     atomic.Int32
	persister Persister
	log       logx.Logger
}

func NewHistory(limit int, p Persister, log logx.Logger) *History {
	h := &History{persister: p, log: log}
	h.SetCap(limit)
	return h
}

// SetCap changes the per-recipient cap. It applies on the next Record.
func (h *History) SetCap(n int) {
	if n <= 0 {
		n = DefaultHistoryCap
	}
	h.limit.Store(int32(n))
}

func (h *History) Cap() int { return int(h.limit.Load()) }

// Record appends d and evicts the oldest entries of d.Recipient beyond the cap.
func (h *History) Record(ctx context.Context, s *Stream, d Delivered) {
	s.mu.Lock()
	s.messages = append(s.messages, d)
	s.messages = trimRecipient(s.messages, d.Recipient, h.Cap())
	s.mu.Unlock()

	h.persist(ctx, s)
}

// List returns a copy of the stream's history, oldest first.
func (h *History) List(s *Stream) []Delivered {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Delivered, len(s.messages))
	copy(out, s.messages)
	return out
}

// Remove deletes the entry matching d by kind, recipient and message id.
func (h *History) Remove(ctx context.Context, s *Stream, d Delivered) bool {
	s.mu.Lock()
	idx := -1
	for i, m := range s.messages {
		if m.same(d) {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	}
	s.mu.Unlock()

	if idx < 0 {
		return false
	}
	h.persist(ctx, s)
	return true
}

// Restore replaces the stream's history with msgs loaded from storage. It
// does not persist.
func (h *History) Restore(s *Stream, msgs []Delivered) {
	limit := h.Cap()
	out := make([]Delivered, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
		out = trimRecipient(out, m.Recipient, limit)
	}
	s.mu.Lock()
	s.messages = out
	s.mu.Unlock()
}

// persist snapshots under persistMu so the last write always carries the
// latest state, even when records race.
func (h *History) persist(ctx context.Context, s *Stream) {
	if h.persister == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snap := h.List(s)
	if err := h.persister.PersistHistory(context.WithoutCancel(ctx), s.ID, snap); err != nil {
		h.log.Warn("persist history failed", logx.String("stream", s.ID), logx.Int("messages", len(snap)), logx.Err(err))
	}
}

func trimRecipient(msgs []Delivered, to transport.Recipient, limit int) []Delivered {
	n := 0
	for _, m := range msgs {
		if m.Recipient == to {
			n++
		}
	}
	drop := n - limit
	if drop <= 0 {
		return msgs
	}
	out := msgs[:0]
	for _, m := range msgs {
		if drop > 0 && m.Recipient == to {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}
