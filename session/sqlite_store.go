package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore keeps snapshots in the conversation_snapshots table of an
// opened database (see db.Open).
type SQLiteStore struct {
	DB *sql.DB
}

func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("nil sql db")
	}
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS conversation_snapshots (
  conversation_id TEXT PRIMARY KEY,
  requester_id TEXT NOT NULL DEFAULT '',
  data BLOB NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_snapshots_requester ON conversation_snapshots(requester_id, updated_at_unix_ms);
`)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, snap Snapshot) error {
	if s == nil || s.DB == nil {
		return fmt.Errorf("snapshot store is not open")
	}
	id := strings.TrimSpace(snap.ConversationID)
	if id == "" {
		return fmt.Errorf("missing conversation id")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO conversation_snapshots (conversation_id, requester_id, data, updated_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
  requester_id = excluded.requester_id,
  data = excluded.data,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, id, strings.TrimSpace(snap.RequesterID), snap.Data, snap.UpdatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, conversationID string) (Snapshot, bool, error) {
	if s == nil || s.DB == nil {
		return Snapshot{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `
SELECT conversation_id, requester_id, data, updated_at_unix_ms
FROM conversation_snapshots WHERE conversation_id = ?`, strings.TrimSpace(conversationID))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	if s == nil || s.DB == nil {
		return nil
	}
	_, err := s.DB.ExecContext(ctx, `DELETE FROM conversation_snapshots WHERE conversation_id = ?`, strings.TrimSpace(conversationID))
	return err
}

func (s *SQLiteStore) List(ctx context.Context, requesterID string) ([]Snapshot, error) {
	if s == nil || s.DB == nil {
		return nil, nil
	}
	q := `SELECT conversation_id, requester_id, data, updated_at_unix_ms FROM conversation_snapshots`
	var args []any
	if requesterID = strings.TrimSpace(requesterID); requesterID != "" {
		q += ` WHERE requester_id = ?`
		args = append(args, requesterID)
	}
	q += ` ORDER BY updated_at_unix_ms DESC, conversation_id ASC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (Snapshot, error) {
	var snap Snapshot
	var updatedMs int64
	if err := row.Scan(&snap.ConversationID, &snap.RequesterID, &snap.Data, &updatedMs); err != nil {
		return Snapshot{}, err
	}
	snap.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return snap, nil
}
