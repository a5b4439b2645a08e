package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Dispatch lifecycle event types.
const (
	NotifySent     = "notify.sent"
	NotifyFailed   = "notify.failed"
	NotifyKicked   = "notify.kicked"
	NotifyMigrated = "notify.migrated"
	NotifyEdited   = "notify.edited"
	PhotoAcquired  = "photo.acquired"
	PhotoFailed    = "photo.failed"
)

// Event is a small in-memory signal. Publish never blocks; slow subscribers drop.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// DispatchEvent is the payload of every notify.* and photo.* event.
type DispatchEvent struct {
	StreamID  string `json:"stream_id"`
	Recipient string `json:"recipient,omitempty"`
	// Kind is "text" or "photo" for sends and edits, the removal kind for kicks.
	Kind   string `json:"kind,omitempty"`
	Target string `json:"target,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a buffered subscriber. Unsubscribe closes the channel;
// it takes the write lock so it never races a Publish send.
func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Publish is a nil-safe helper for components with an optional bus.
func Publish(b Bus, typ string, data DispatchEvent) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}
