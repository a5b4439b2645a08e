package storage

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"streambot/internal/notify"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

var drivers = []string{"sqlite", "file"}

func openTest(t *testing.T, driver, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	return st
}

func eachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	t.Helper()
	for _, d := range drivers {
		d := d
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, d, t.TempDir())
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func mustSubscribe(t *testing.T, st Store, chat, service, channel string) {
	t.Helper()
	if err := st.Subscribe(context.Background(), Subscription{Chat: transport.Recipient(chat), Service: service, ChannelID: channel}); err != nil {
		t.Fatalf("Subscribe(%s): %v", chat, err)
	}
}

func subscribers(t *testing.T, st Store, service, channel string) []transport.Recipient {
	t.Helper()
	got, err := st.Subscribers(context.Background(), service, channel)
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if got == nil {
		got = []transport.Recipient{}
	}
	return got
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path accepted")
	}
}

func TestSubscribeAndList(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		mustSubscribe(t, st, "300", "twitch", "alice")
		mustSubscribe(t, st, "100", "twitch", "alice")
		mustSubscribe(t, st, "100", "twitch", "alice") // duplicate
		mustSubscribe(t, st, "200", "youtube", "alice")

		want := []transport.Recipient{"100", "300"}
		if got := subscribers(t, st, "twitch", "alice"); !reflect.DeepEqual(got, want) {
			t.Fatalf("twitch/alice = %v, want %v", got, want)
		}

		if err := st.Unsubscribe(context.Background(), Subscription{Chat: "300", Service: "twitch", ChannelID: "alice"}); err != nil {
			t.Fatalf("Unsubscribe: %v", err)
		}
		if got := subscribers(t, st, "twitch", "alice"); !reflect.DeepEqual(got, []transport.Recipient{"100"}) {
			t.Fatalf("after unsubscribe = %v", got)
		}
		if err := st.Subscribe(context.Background(), Subscription{Chat: "1"}); err == nil {
			t.Fatal("incomplete subscription accepted")
		}
	})
}

func TestChannelBinding(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustSubscribe(t, st, "100", "twitch", "bob")
		mustSubscribe(t, st, "200", "twitch", "bob")

		if err := st.SetChannel(ctx, "100", "@news"); err != nil {
			t.Fatalf("SetChannel: %v", err)
		}
		if err := st.SetChannel(ctx, "999", "@news"); err == nil {
			t.Fatal("SetChannel on unknown chat succeeded")
		}
		want := []transport.Recipient{"@news", "200"}
		if got := subscribers(t, st, "twitch", "bob"); !reflect.DeepEqual(got, want) {
			t.Fatalf("bound = %v, want %v", got, want)
		}

		if err := st.RemoveChannel(ctx, "@news"); err != nil {
			t.Fatalf("RemoveChannel: %v", err)
		}
		want = []transport.Recipient{"100", "200"}
		if got := subscribers(t, st, "twitch", "bob"); !reflect.DeepEqual(got, want) {
			t.Fatalf("after RemoveChannel = %v, want %v", got, want)
		}
	})
}

func TestSharedChannelListedOnce(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustSubscribe(t, st, "100", "twitch", "c1")
		mustSubscribe(t, st, "200", "twitch", "c1")
		mustSubscribe(t, st, "300", "twitch", "c1")
		for _, chat := range []transport.Recipient{"100", "200"} {
			if err := st.SetChannel(ctx, chat, "@news"); err != nil {
				t.Fatalf("SetChannel(%s): %v", chat, err)
			}
		}
		want := []transport.Recipient{"@news", "300"}
		if got := subscribers(t, st, "twitch", "c1"); !reflect.DeepEqual(got, want) {
			t.Fatalf("subscribers = %v, want %v", got, want)
		}
	})
}

func TestRemoveAndMigrateChat(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		mustSubscribe(t, st, "-1", "twitch", "a")
		mustSubscribe(t, st, "-1", "twitch", "b")
		mustSubscribe(t, st, "-2", "twitch", "a")

		if err := st.RemoveChat(ctx, "-2"); err != nil {
			t.Fatalf("RemoveChat: %v", err)
		}
		if got := subscribers(t, st, "twitch", "a"); !reflect.DeepEqual(got, []transport.Recipient{"-1"}) {
			t.Fatalf("after RemoveChat = %v", got)
		}

		if err := st.MigrateChat(ctx, "-1", "-1001"); err != nil {
			t.Fatalf("MigrateChat: %v", err)
		}
		for _, ch := range []string{"a", "b"} {
			if got := subscribers(t, st, "twitch", ch); !reflect.DeepEqual(got, []transport.Recipient{"-1001"}) {
				t.Fatalf("twitch/%s after migrate = %v", ch, got)
			}
		}
		// The old id is gone, so binding it fails.
		if err := st.SetChannel(ctx, "-1", "@x"); err == nil {
			t.Fatal("old chat survived migration")
		}
		if err := st.MigrateChat(ctx, "-404", "-405"); err != nil {
			t.Fatalf("MigrateChat of unknown chat: %v", err)
		}
	})
}

func TestHistoryPersistLoadPrune(t *testing.T) {
	t.Parallel()
	eachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		at := time.UnixMilli(1_700_000_000_000)
		msgs := []notify.Delivered{
			{Kind: notify.KindPhoto, Recipient: "1", MessageID: 10, At: at},
			{Kind: notify.KindText, Recipient: "@news", MessageID: 11, At: at},
		}
		if err := st.PersistHistory(ctx, "s1", msgs); err != nil {
			t.Fatalf("PersistHistory: %v", err)
		}
		if err := st.PersistHistory(ctx, "s1", msgs[1:]); err != nil {
			t.Fatalf("PersistHistory overwrite: %v", err)
		}
		got, err := st.LoadHistory(ctx, "s1")
		if err != nil {
			t.Fatalf("LoadHistory: %v", err)
		}
		if len(got) != 1 || got[0].MessageID != 11 || got[0].Kind != notify.KindText || !got[0].At.Equal(at) {
			t.Fatalf("history = %#v", got)
		}
		if none, err := st.LoadHistory(ctx, "missing"); err != nil || len(none) != 0 {
			t.Fatalf("missing stream = %v, %v", none, err)
		}

		if n, err := st.PruneHistory(ctx, time.Now().Add(-time.Hour)); err != nil || n != 0 {
			t.Fatalf("prune recent = %d, %v; want 0", n, err)
		}
		if n, err := st.PruneHistory(ctx, time.Now().Add(time.Minute)); err != nil || n != 1 {
			t.Fatalf("prune all = %d, %v; want 1", n, err)
		}
		if got, _ := st.LoadHistory(ctx, "s1"); len(got) != 0 {
			t.Fatalf("pruned history still loads: %v", got)
		}
	})
}

func TestStateSurvivesReopen(t *testing.T) {
	t.Parallel()
	for _, d := range drivers {
		d := d
		t.Run(d, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			ctx := context.Background()

			st := openTest(t, d, dir)
			mustSubscribe(t, st, "100", "twitch", "alice")
			if err := st.SetChannel(ctx, "100", "@alice_live"); err != nil {
				t.Fatalf("SetChannel: %v", err)
			}
			if err := st.PersistHistory(ctx, "s1", []notify.Delivered{{Kind: notify.KindText, Recipient: "@alice_live", MessageID: 5, At: time.Now()}}); err != nil {
				t.Fatalf("PersistHistory: %v", err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			st = openTest(t, d, dir)
			defer st.Close()
			if got := subscribers(t, st, "twitch", "alice"); !reflect.DeepEqual(got, []transport.Recipient{"@alice_live"}) {
				t.Fatalf("reopened subscribers = %v", got)
			}
			h, err := st.LoadHistory(ctx, "s1")
			if err != nil || len(h) != 1 || h[0].MessageID != 5 {
				t.Fatalf("reopened history = %v, %v", h, err)
			}
		})
	}
}

func TestFileJournalReplayWithoutCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "state.json")}
	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fs := st.(*fileStore)
	mustSubscribe(t, st, "1", "kick", "zed")
	mustSubscribe(t, st, "2", "kick", "zed")
	if err := st.RemoveChat(context.Background(), "1"); err != nil {
		t.Fatalf("RemoveChat: %v", err)
	}

	// Simulate a crash: close the journal without writing a snapshot.
	fs.mu.Lock()
	_ = fs.journal.Close()
	fs.journal = nil
	fs.mu.Unlock()

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if got := subscribers(t, st, "kick", "zed"); !reflect.DeepEqual(got, []transport.Recipient{"2"}) {
		t.Fatalf("replayed subscribers = %v", got)
	}
}
