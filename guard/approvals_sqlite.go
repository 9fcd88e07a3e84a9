package guard

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteApprovalHistory stores approval lifecycle rows in a SQLite table.
type SQLiteApprovalHistory struct {
	dsn string

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteApprovalHistory(dsn string) (*SQLiteApprovalHistory, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	s := &SQLiteApprovalHistory{dsn: dsn}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteApprovalHistoryFromDB uses an already opened handle (see db.Open).
func NewSQLiteApprovalHistoryFromDB(db *sql.DB) (*SQLiteApprovalHistory, error) {
	if db == nil {
		return nil, fmt.Errorf("nil sql db")
	}
	s := &SQLiteApprovalHistory{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteApprovalHistory) Create(ctx context.Context, rec ApprovalRecord) error {
	if s == nil {
		return fmt.Errorf("nil approval history")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return fmt.Errorf("missing approval id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = ApprovalPending
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_history (
  id, conversation_id, requester_id,
  created_at_unix, expires_at_unix, resolved_at_unix,
  status, actor, error,
  tool_name, action_hash, action_summary_redacted
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, id, strings.TrimSpace(rec.ConversationID), strings.TrimSpace(rec.RequesterID),
		rec.CreatedAt.Unix(), rec.ExpiresAt.Unix(), nullTimeUnix(rec.ResolvedAt),
		string(rec.Status), strings.TrimSpace(rec.Actor), strings.TrimSpace(rec.Error),
		strings.TrimSpace(rec.ToolName), strings.TrimSpace(rec.ActionHash), strings.TrimSpace(rec.ActionSummaryRedacted),
	)
	return err
}

func (s *SQLiteApprovalHistory) Get(ctx context.Context, id string) (ApprovalRecord, bool, error) {
	if s == nil {
		return ApprovalRecord{}, false, fmt.Errorf("nil approval history")
	}
	if err := s.ensureOpen(); err != nil {
		return ApprovalRecord{}, false, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return ApprovalRecord{}, false, nil
	}
	row := s.db.QueryRowContext(ctx, selectApprovalHistory+` WHERE id = ?`, id)
	rec, err := scanApprovalRecord(row)
	if err == sql.ErrNoRows {
		return ApprovalRecord{}, false, nil
	}
	if err != nil {
		return ApprovalRecord{}, false, err
	}
	return rec, true, nil
}

// Resolve moves a pending row to a terminal status. Rows that are already
// resolved are left alone.
func (s *SQLiteApprovalHistory) Resolve(ctx context.Context, id string, status ApprovalStatus, actor string, errMsg string) error {
	if s == nil {
		return fmt.Errorf("nil approval history")
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("missing approval id")
	}

	switch status {
	case ApprovalConfirmed, ApprovalCancelled, ApprovalExpired:
	default:
		return fmt.Errorf("invalid approval status: %q", status)
	}

	now := time.Now().UTC().Unix()
	_, err := s.db.ExecContext(ctx, `
UPDATE approval_history
SET status = ?, actor = ?, error = ?, resolved_at_unix = ?
WHERE id = ? AND status = ?
`, string(status), strings.TrimSpace(actor), strings.TrimSpace(errMsg), now, id, string(ApprovalPending))
	return err
}

func (s *SQLiteApprovalHistory) ListByRequester(ctx context.Context, requesterID string, limit int) ([]ApprovalRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("nil approval history")
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectApprovalHistory+`
WHERE requester_id = ?
ORDER BY created_at_unix DESC, id DESC
LIMIT ?`, strings.TrimSpace(requesterID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		rec, err := scanApprovalRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteApprovalHistory) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

const selectApprovalHistory = `
SELECT
  id, conversation_id, requester_id,
  created_at_unix, expires_at_unix, resolved_at_unix,
  status, actor, error,
  tool_name, action_hash, action_summary_redacted
FROM approval_history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApprovalRecord(row rowScanner) (ApprovalRecord, error) {
	var (
		rec            ApprovalRecord
		createdAtUnix  int64
		expiresAtUnix  int64
		resolvedAtUnix sql.NullInt64
		status         string
	)
	err := row.Scan(
		&rec.ID, &rec.ConversationID, &rec.RequesterID,
		&createdAtUnix, &expiresAtUnix, &resolvedAtUnix,
		&status, &rec.Actor, &rec.Error,
		&rec.ToolName, &rec.ActionHash, &rec.ActionSummaryRedacted,
	)
	if err != nil {
		return ApprovalRecord{}, err
	}
	rec.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	rec.ExpiresAt = time.Unix(expiresAtUnix, 0).UTC()
	if resolvedAtUnix.Valid {
		t := time.Unix(resolvedAtUnix.Int64, 0).UTC()
		rec.ResolvedAt = &t
	}
	rec.Status = ApprovalStatus(status)
	return rec, nil
}

func (s *SQLiteApprovalHistory) open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite", s.dsn)
	if err != nil {
		return err
	}
	s.db = db
	return s.migrate()
}

func (s *SQLiteApprovalHistory) ensureOpen() error {
	if s.db != nil {
		return nil
	}
	if s.dsn == "" {
		return fmt.Errorf("approval history is closed")
	}
	return s.open()
}

func (s *SQLiteApprovalHistory) migrate() error {
	if s.db == nil {
		return fmt.Errorf("sqlite db is not open")
	}
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS approval_history (
  id TEXT PRIMARY KEY,
  conversation_id TEXT,
  requester_id TEXT NOT NULL,
  created_at_unix INTEGER NOT NULL,
  expires_at_unix INTEGER NOT NULL,
  resolved_at_unix INTEGER,
  status TEXT NOT NULL,
  actor TEXT,
  error TEXT,
  tool_name TEXT,
  action_hash TEXT,
  action_summary_redacted TEXT
);
CREATE INDEX IF NOT EXISTS idx_approval_history_requester ON approval_history(requester_id, created_at_unix);
CREATE INDEX IF NOT EXISTS idx_approval_history_status ON approval_history(status);
`)
	return err
}

func nullTimeUnix(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Unix()
}
