package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"streambot/internal/notify"
	"streambot/internal/transport"
	logx "streambot/pkg/logx"
)

//go:embed schema.sql
var schemaSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	log.Info("storage opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PersistHistory(ctx context.Context, streamID string, msgs []notify.Delivered) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM stream_messages WHERE stream_id = ?`, streamID); err != nil {
			return err
		}
		for i, m := range msgs {
			at := m.At
			if at.IsZero() {
				at = time.Now()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO stream_messages(stream_id, seq, kind, recipient, message_id, at) VALUES(?,?,?,?,?,?)`,
				streamID, i, string(m.Kind), string(m.Recipient), m.MessageID, at.UnixMilli(),
			); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO streams(stream_id, updated_at) VALUES(?,?)
			 ON CONFLICT(stream_id) DO UPDATE SET updated_at=excluded.updated_at`,
			streamID, time.Now().UnixMilli(),
		)
		return err
	})
}

func (s *sqliteStore) LoadHistory(ctx context.Context, streamID string) ([]notify.Delivered, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, recipient, message_id, at FROM stream_messages WHERE stream_id = ? ORDER BY seq`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []notify.Delivered
	for rows.Next() {
		var (
			kind, rcpt string
			id         int
			at         int64
		)
		if err := rows.Scan(&kind, &rcpt, &id, &at); err != nil {
			return nil, err
		}
		out = append(out, notify.Delivered{
			Kind:      notify.Kind(kind),
			Recipient: transport.Recipient(rcpt),
			MessageID: id,
			At:        time.UnixMilli(at),
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneHistory(ctx context.Context, olderThan time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	cutoff := olderThan.UnixMilli()
	var n int
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM stream_messages WHERE stream_id IN (SELECT stream_id FROM streams WHERE updated_at < ?)`, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM streams WHERE updated_at < ?`, cutoff)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		n = int(affected)
		return nil
	})
	return n, err
}

func (s *sqliteStore) Subscribe(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if sub.Chat == "" || sub.Service == "" || sub.ChannelID == "" {
		return errors.New("subscription needs chat, service and channel")
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats(chat_id, created_at) VALUES(?,?) ON CONFLICT(chat_id) DO NOTHING`,
			string(sub.Chat), time.Now().UnixMilli()); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions(chat_id, service, channel_id) VALUES(?,?,?) ON CONFLICT DO NOTHING`,
			string(sub.Chat), sub.Service, sub.ChannelID)
		return err
	})
}

func (s *sqliteStore) Unsubscribe(ctx context.Context, sub Subscription) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND service = ? AND channel_id = ?`,
		string(sub.Chat), sub.Service, sub.ChannelID)
	return err
}

func (s *sqliteStore) SetChannel(ctx context.Context, chat, channel transport.Recipient) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET channel = ? WHERE chat_id = ?`, nullStr(string(channel)), string(chat))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("chat %s not found", chat)
	}
	return nil
}

func (s *sqliteStore) Subscribers(ctx context.Context, service, channelID string) ([]transport.Recipient, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.chat_id, COALESCE(c.channel, '') FROM subscriptions s
		 JOIN chats c ON c.chat_id = s.chat_id
		 WHERE s.service = ? AND s.channel_id = ?
		 ORDER BY c.chat_id`, service, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.Recipient
	seen := map[transport.Recipient]bool{}
	for rows.Next() {
		var chat, channel string
		if err := rows.Scan(&chat, &channel); err != nil {
			return nil, err
		}
		// Chats bound to the same channel deliver there once.
		to := target(chat, channel)
		if seen[to] {
			continue
		}
		seen[to] = true
		out = append(out, to)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RemoveChat(ctx context.Context, chat transport.Recipient) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, string(chat)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, string(chat))
		return err
	})
	if err == nil {
		s.log.Info("chat removed", logx.String("chat", chat.String()))
	}
	return err
}

func (s *sqliteStore) RemoveChannel(ctx context.Context, channel transport.Recipient) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET channel = NULL WHERE channel = ?`, string(channel))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	s.log.Info("channel unbound", logx.String("channel", channel.String()), logx.Int64("chats", n))
	return nil
}

func (s *sqliteStore) MigrateChat(ctx context.Context, from, to transport.Recipient) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if from == to || to == "" {
		return nil
	}
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats(chat_id, channel, created_at)
			 SELECT ?, channel, created_at FROM chats WHERE chat_id = ?
			 ON CONFLICT(chat_id) DO NOTHING`, string(to), string(from)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions(chat_id, service, channel_id)
			 SELECT ?, service, channel_id FROM subscriptions WHERE chat_id = ?
			 ON CONFLICT DO NOTHING`, string(to), string(from)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE chat_id = ?`, string(from)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, string(from))
		return err
	})
	if err == nil {
		s.log.Info("chat migrated", logx.String("from", from.String()), logx.String("to", to.String()))
	}
	return err
}

func (s *sqliteStore) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// target is where a chat's notifications go: its bound channel, if any.
func target(chat, channel string) transport.Recipient {
	if strings.TrimSpace(channel) != "" {
		return transport.Recipient(channel)
	}
	return transport.Recipient(chat)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
