package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"streambot/internal/config"
	"streambot/internal/notify"
	"streambot/internal/preview"
	"streambot/internal/storage"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

type sentMsg struct {
	to    transport.Recipient
	photo bool
	body  string
}

type fakeMessenger struct {
	mu     sync.Mutex
	nextID int
	sent   []sentMsg
	edits  map[int]string
	fail   map[transport.Recipient]error
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{edits: map[int]string{}, fail: map[transport.Recipient]error{}}
}

func (m *fakeMessenger) record(to transport.Recipient, photo bool, body string) (transport.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[to]; err != nil {
		return transport.MessageRef{}, err
	}
	m.nextID++
	m.sent = append(m.sent, sentMsg{to: to, photo: photo, body: body})
	ref := transport.MessageRef{Recipient: to, MessageID: m.nextID}
	if photo {
		ref.PhotoID = "photo-1"
	}
	return ref, nil
}

func (m *fakeMessenger) SendText(_ context.Context, to transport.Recipient, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return m.record(to, false, text)
}

func (m *fakeMessenger) SendPhoto(_ context.Context, to transport.Recipient, _ transport.Photo, caption string) (transport.MessageRef, error) {
	return m.record(to, true, caption)
}

func (m *fakeMessenger) edit(ref transport.MessageRef, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edits[ref.MessageID] == body {
		return &transport.APIError{Code: 400, Description: "Bad Request: message is not modified"}
	}
	m.edits[ref.MessageID] = body
	return nil
}

func (m *fakeMessenger) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	return m.edit(ref, text)
}

func (m *fakeMessenger) EditCaption(_ context.Context, ref transport.MessageRef, caption string) error {
	return m.edit(ref, caption)
}

func (m *fakeMessenger) snapshot() ([]sentMsg, map[int]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	edits := make(map[int]string, len(m.edits))
	for k, v := range m.edits {
		edits[k] = v
	}
	return append([]sentMsg(nil), m.sent...), edits
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: empty url", preview.ErrNotFound)
	}
	return []byte("jpeg:" + url), nil
}

type fakeSource struct {
	service string

	mu   sync.Mutex
	live map[string]*notify.Stream
	err  map[string]error
}

func (s *fakeSource) Service() string { return s.service }

func (s *fakeSource) Fetch(_ context.Context, ids []string) ([]*notify.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*notify.Stream
	for _, id := range ids {
		if err := s.err[id]; err != nil {
			return nil, err
		}
		if st, ok := s.live[id]; ok {
			out = append(out, &notify.Stream{
				ID: st.ID, Service: s.service, ChannelID: id,
				Preview: st.Preview, Caption: st.Caption, Text: st.Text,
			})
		}
	}
	return out, nil
}

func (s *fakeSource) set(channel string, st *notify.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == nil {
		delete(s.live, channel)
		return
	}
	s.live[channel] = st
}

type testApp struct {
	*App
	msgr  *fakeMessenger
	store storage.Store
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: t.TempDir() + "/state"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	logs, _ := logx.New(logx.Config{Level: "error"}, nil)
	msgr := newFakeMessenger()

	cfg := &config.Config{}
	cfg.Notify.SendRatePerSec = -1
	cfg.Notify.PhotoRetryDelay = "1ms"
	cfg.Notify.DownloadRetryDelay = "1ms"

	a, err := Build(nil, cfg, Deps{Messenger: msgr, Fetcher: fakeFetcher{}, Store: st, Logs: logs})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, "test")
	})
	return &testApp{App: a, msgr: msgr, store: st}
}

func (ta *testApp) subscribe(t *testing.T, chat, service, channel string) {
	t.Helper()
	err := ta.store.Subscribe(context.Background(), storage.Subscription{
		Chat: transport.Recipient(chat), Service: service, ChannelID: channel,
	})
	if err != nil {
		t.Fatalf("subscribe %s: %v", chat, err)
	}
}
