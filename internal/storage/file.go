package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"streambot/internal/notify"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

// fileStore keeps the whole state in memory and makes it durable with
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal of operations)
//
// The journal is compacted into the snapshot every compactEvery writes.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	state        fileState
	writes       int
	compactEvery int
}

type fileState struct {
	Chats   map[string]*chatRecord   `json:"chats"`
	Streams map[string]*streamRecord `json:"streams"`
}

type chatRecord struct {
	Channel string   `json:"channel,omitempty"`
	Subs    []string `json:"subs,omitempty"` // "service/channel_id"
	Created int64    `json:"created"`
}

type streamRecord struct {
	Updated  int64              `json:"updated"`
	Messages []notify.Delivered `json:"messages"`
}

// journalOp is one state change. Op selects which fields are meaningful.
type journalOp struct {
	Op       string             `json:"op"`
	At       int64              `json:"at"`
	Chat     string             `json:"chat,omitempty"`
	To       string             `json:"to,omitempty"`
	Service  string             `json:"service,omitempty"`
	Channel  string             `json:"channel,omitempty"`
	Stream   string             `json:"stream,omitempty"`
	Messages []notify.Delivered `json:"messages,omitempty"`
}

const (
	opHistory     = "history"
	opPrune       = "prune"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opSetChannel  = "set_channel"
	opRemoveChat  = "remove_chat"
	opUnbind      = "unbind_channel"
	opMigrate     = "migrate"
)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	st := newFileState()
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable, starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	replayed, err := replayJournal(journalPath, &st)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	log.Info("storage opened", logx.String("path", prefix), logx.Int("chats", len(st.Chats)), logx.Int("streams", len(st.Streams)), logx.Int("replayed", replayed))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		state:        st,
		compactEvery: 1000,
	}, nil
}

func newFileState() fileState {
	return fileState{Chats: map[string]*chatRecord{}, Streams: map[string]*streamRecord{}}
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	cerr := s.compactLocked()
	err := s.journal.Close()
	s.journal = nil
	if cerr != nil {
		return cerr
	}
	return err
}

// commit applies op to the in-memory state and appends it to the journal.
func (s *fileStore) commit(op journalOp) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, errors.New("storage journal closed")
	}
	if op.At == 0 {
		op.At = time.Now().UnixMilli()
	}
	n := s.state.apply(op)
	if err := json.NewEncoder(s.journal).Encode(op); err != nil {
		return n, err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return n, nil
}

func (s *fileStore) PersistHistory(ctx context.Context, streamID string, msgs []notify.Delivered) error {
	_ = ctx
	_, err := s.commit(journalOp{Op: opHistory, Stream: streamID, Messages: msgs})
	return err
}

func (s *fileStore) LoadHistory(ctx context.Context, streamID string) ([]notify.Delivered, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.state.Streams[streamID]
	if rec == nil {
		return nil, nil
	}
	return append([]notify.Delivered(nil), rec.Messages...), nil
}

func (s *fileStore) PruneHistory(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	return s.commit(journalOp{Op: opPrune, At: olderThan.UnixMilli()})
}

func (s *fileStore) Subscribe(ctx context.Context, sub Subscription) error {
	_ = ctx
	if sub.Chat == "" || sub.Service == "" || sub.ChannelID == "" {
		return errors.New("subscription needs chat, service and channel")
	}
	_, err := s.commit(journalOp{Op: opSubscribe, Chat: string(sub.Chat), Service: sub.Service, Channel: sub.ChannelID})
	return err
}

func (s *fileStore) Unsubscribe(ctx context.Context, sub Subscription) error {
	_ = ctx
	_, err := s.commit(journalOp{Op: opUnsubscribe, Chat: string(sub.Chat), Service: sub.Service, Channel: sub.ChannelID})
	return err
}

func (s *fileStore) SetChannel(ctx context.Context, chat, channel transport.Recipient) error {
	_ = ctx
	s.mu.Lock()
	_, ok := s.state.Chats[string(chat)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("chat %s not found", chat)
	}
	_, err := s.commit(journalOp{Op: opSetChannel, Chat: string(chat), Channel: string(channel)})
	return err
}

func (s *fileStore) Subscribers(ctx context.Context, service, channelID string) ([]transport.Recipient, error) {
	_ = ctx
	key := subKey(service, channelID)
	s.mu.Lock()
	defer s.mu.Unlock()

	chats := make([]string, 0)
	for id, c := range s.state.Chats {
		for _, k := range c.Subs {
			if k == key {
				chats = append(chats, id)
				break
			}
		}
	}
	sort.Strings(chats)
	out := make([]transport.Recipient, 0, len(chats))
	seen := map[transport.Recipient]bool{}
	for _, id := range chats {
		to := target(id, s.state.Chats[id].Channel)
		if !seen[to] {
			seen[to] = true
			out = append(out, to)
		}
	}
	return out, nil
}

func (s *fileStore) RemoveChat(ctx context.Context, chat transport.Recipient) error {
	_ = ctx
	_, err := s.commit(journalOp{Op: opRemoveChat, Chat: string(chat)})
	if err == nil {
		s.log.Info("chat removed", logx.String("chat", chat.String()))
	}
	return err
}

func (s *fileStore) RemoveChannel(ctx context.Context, channel transport.Recipient) error {
	_ = ctx
	n, err := s.commit(journalOp{Op: opUnbind, Channel: string(channel)})
	if err == nil {
		s.log.Info("channel unbound", logx.String("channel", channel.String()), logx.Int("chats", n))
	}
	return err
}

func (s *fileStore) MigrateChat(ctx context.Context, from, to transport.Recipient) error {
	_ = ctx
	if from == to || to == "" {
		return nil
	}
	_, err := s.commit(journalOp{Op: opMigrate, Chat: string(from), To: string(to)})
	if err == nil {
		s.log.Info("chat migrated", logx.String("from", from.String()), logx.String("to", to.String()))
	}
	return err
}

// apply mutates the state and returns the number of affected records.
func (st *fileState) apply(op journalOp) int {
	switch op.Op {
	case opHistory:
		st.Streams[op.Stream] = &streamRecord{Updated: op.At, Messages: op.Messages}
		return 1
	case opPrune:
		n := 0
		for id, rec := range st.Streams {
			if rec.Updated < op.At {
				delete(st.Streams, id)
				n++
			}
		}
		return n
	case opSubscribe:
		c := st.Chats[op.Chat]
		if c == nil {
			c = &chatRecord{Created: op.At}
			st.Chats[op.Chat] = c
		}
		k := subKey(op.Service, op.Channel)
		for _, have := range c.Subs {
			if have == k {
				return 0
			}
		}
		c.Subs = append(c.Subs, k)
		return 1
	case opUnsubscribe:
		c := st.Chats[op.Chat]
		if c == nil {
			return 0
		}
		k := subKey(op.Service, op.Channel)
		for i, have := range c.Subs {
			if have == k {
				c.Subs = append(c.Subs[:i], c.Subs[i+1:]...)
				return 1
			}
		}
		return 0
	case opSetChannel:
		if c := st.Chats[op.Chat]; c != nil {
			c.Channel = op.Channel
			return 1
		}
		return 0
	case opRemoveChat:
		if _, ok := st.Chats[op.Chat]; ok {
			delete(st.Chats, op.Chat)
			return 1
		}
		return 0
	case opUnbind:
		n := 0
		for _, c := range st.Chats {
			if c.Channel == op.Channel {
				c.Channel = ""
				n++
			}
		}
		return n
	case opMigrate:
		old := st.Chats[op.Chat]
		if old == nil {
			return 0
		}
		c := st.Chats[op.To]
		if c == nil {
			c = &chatRecord{Channel: old.Channel, Created: old.Created}
			st.Chats[op.To] = c
		}
		for _, k := range old.Subs {
			dup := false
			for _, have := range c.Subs {
				if have == k {
					dup = true
					break
				}
			}
			if !dup {
				c.Subs = append(c.Subs, k)
			}
		}
		delete(st.Chats, op.Chat)
		return 1
	}
	return 0
}

func subKey(service, channelID string) string { return service + "/" + channelID }

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st := newFileState()
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	if st.Chats == nil {
		st.Chats = map[string]*chatRecord{}
	}
	if st.Streams == nil {
		st.Streams = map[string]*streamRecord{}
	}
	*out = st
	return nil
}

func replayJournal(path string, st *fileState) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	n := 0
	for sc.Scan() {
		var op journalOp
		if err := json.Unmarshal(sc.Bytes(), &op); err != nil || op.Op == "" {
			continue
		}
		st.apply(op)
		n++
	}
	return n, sc.Err()
}
