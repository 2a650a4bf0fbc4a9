// Package sqlite implements the durable store.Store backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/store"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(namespace, key)
);

CREATE TABLE IF NOT EXISTS pending_messages (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL,
	request_id TEXT NOT NULL DEFAULT '',
	processed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_messages_replay ON pending_messages(processed, priority, created_at);
`

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO kv(namespace, key, value, updated_at) VALUES(?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT value FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	)
	var value []byte
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`DELETE FROM kv WHERE namespace = ? AND key = ?`,
		namespace, key,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, namespace string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT key, value FROM kv WHERE namespace = ? ORDER BY key ASC`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", namespace, err)
	}
	return result, nil
}

func (s *Store) SavePending(ctx context.Context, msg model.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO pending_messages(id, type, payload, source, priority, request_id, processed, created_at)
		VALUES(?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO NOTHING`,
		msg.ID, msg.Type, string(payload), msg.Source, int(msg.Priority), msg.RequestID,
		msg.CreatedAt.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save pending message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *Store) MarkProcessed(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(
		ctx,
		`UPDATE pending_messages SET processed = 1 WHERE id = ?`,
		messageID,
	); err != nil {
		return fmt.Errorf("mark processed %s: %w", messageID, err)
	}
	return nil
}

func (s *Store) LoadUnprocessed(ctx context.Context) ([]model.Message, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, type, payload, source, priority, request_id, created_at
		FROM pending_messages WHERE processed = 0
		ORDER BY priority ASC, created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load unprocessed: %w", err)
	}
	defer rows.Close()

	var result []model.Message
	for rows.Next() {
		var msg model.Message
		var payload string
		var priority int
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.Type, &payload, &msg.Source, &priority, &msg.RequestID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &msg.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for %s: %w", msg.ID, err)
		}
		msg.Priority = model.Priority(priority)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		msg.Persisted = true
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending messages: %w", err)
	}
	return result, nil
}
