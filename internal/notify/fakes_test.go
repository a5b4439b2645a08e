package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"streambot/internal/preview"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

type fakeMessenger struct {
	mu sync.Mutex

	nextID  int
	uploads int
	photos  []transport.Recipient
	texts   []transport.Recipient
	content map[int]string

	// sendErr fails every send to a recipient.
	sendErr map[transport.Recipient]error

	// uploadErrs are returned by successive uploads, then uploads succeed.
	uploadErrs []error
	editErr    map[int]error

	// gate, when set, blocks uploads until closed.
	gate chan struct{}

	cur, peak  atomic.Int32
	uploadSeen chan struct{}
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		content: map[int]string{},
		sendErr: map[transport.Recipient]error{},
		editErr: map[int]error{},
	}
}

func (m *fakeMessenger) SendText(_ context.Context, to transport.Recipient, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErr[to]; err != nil {
		return transport.MessageRef{}, err
	}
	m.nextID++
	m.texts = append(m.texts, to)
	m.content[m.nextID] = text
	return transport.MessageRef{Recipient: to, MessageID: m.nextID}, nil
}

func (m *fakeMessenger) SendPhoto(_ context.Context, to transport.Recipient, photo transport.Photo, caption string) (transport.MessageRef, error) {
	upload := photo.FileID == ""
	if upload {
		n := m.cur.Add(1)
		defer m.cur.Add(-1)
		for {
			old := m.peak.Load()
			if n <= old || m.peak.CompareAndSwap(old, n) {
				break
			}
		}
		if m.uploadSeen != nil {
			select {
			case m.uploadSeen <- struct{}{}:
			default:
			}
		}
		if m.gate != nil {
			<-m.gate
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if upload {
		m.uploads++
		if len(m.uploadErrs) > 0 {
			err := m.uploadErrs[0]
			m.uploadErrs = m.uploadErrs[1:]
			if err != nil {
				return transport.MessageRef{}, err
			}
		}
	}
	if err := m.sendErr[to]; err != nil {
		return transport.MessageRef{}, err
	}
	m.nextID++
	m.photos = append(m.photos, to)
	m.content[m.nextID] = caption
	fileID := photo.FileID
	if upload {
		fileID = fmt.Sprintf("file-%d", m.uploads)
	}
	return transport.MessageRef{Recipient: to, MessageID: m.nextID, PhotoID: fileID}, nil
}

func (m *fakeMessenger) edit(ref transport.MessageRef, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.editErr[ref.MessageID]; err != nil {
		return err
	}
	if m.content[ref.MessageID] == text {
		return &transport.APIError{Code: 400, Description: "Bad Request: message is not modified"}
	}
	m.content[ref.MessageID] = text
	return nil
}

func (m *fakeMessenger) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	return m.edit(ref, text)
}

func (m *fakeMessenger) EditCaption(_ context.Context, ref transport.MessageRef, caption string) error {
	return m.edit(ref, caption)
}

func (m *fakeMessenger) counts() (uploads, photos, texts int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads, len(m.photos), len(m.texts)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	// found maps url to body; anything else is not found.
	found map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if b, ok := f.found[url]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", preview.ErrNotFound, url)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type migration struct{ from, to transport.Recipient }

type fakeDirectory struct {
	mu         sync.Mutex
	chats      []transport.Recipient
	channels   []transport.Recipient
	migrations []migration
}

func (d *fakeDirectory) RemoveChat(_ context.Context, chat transport.Recipient) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats = append(d.chats, chat)
	return nil
}

func (d *fakeDirectory) RemoveChannel(_ context.Context, channel transport.Recipient) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, channel)
	return nil
}

func (d *fakeDirectory) MigrateChat(_ context.Context, from, to transport.Recipient) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.migrations = append(d.migrations, migration{from, to})
	return nil
}

type fakePersister struct {
	mu    sync.Mutex
	calls int
	last  map[string][]Delivered
	err   error
}

func (p *fakePersister) PersistHistory(_ context.Context, streamID string, msgs []Delivered) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.last == nil {
		p.last = map[string][]Delivered{}
	}
	p.last[streamID] = msgs
	return p.err
}

type harness struct {
	msgr *fakeMessenger
	fet  *fakeFetcher
	dir  *fakeDirectory
	per  *fakePersister
	d    *Dispatcher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		msgr: newFakeMessenger(),
		fet:  &fakeFetcher{found: map[string][]byte{}},
		dir:  &fakeDirectory{},
		per:  &fakePersister{},
	}
	if cfg.SendRatePerSec == 0 {
		cfg.SendRatePerSec = -1
	}
	h.d = New(cfg, Deps{
		Messenger: h.msgr,
		Fetcher:   h.fet,
		Directory: h.dir,
		Persister: h.per,
		Log:       logx.Nop(),
	})
	return h
}

func recipients(ids ...string) []transport.Recipient {
	out := make([]transport.Recipient, len(ids))
	for i, id := range ids {
		out[i] = transport.Recipient(id)
	}
	return out
}

var errBoom = errors.New("500 Internal Server Error")
