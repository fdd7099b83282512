package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// SaveSession persists the summary of a finished sync session. Only the most
// recent session is kept.
func (b *Backend) SaveSession(ctx context.Context, s *types.SyncSession) error {
	if s == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrStoreDetached
	}

	tables, err := json.Marshal(s.Tables)
	if err != nil {
		return fmt.Errorf("encoding session tables: %w", err)
	}
	var finished any
	if !s.FinishedAt.IsZero() {
		finished = s.FinishedAt.UnixNano()
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_sessions WHERE session_id != ?`, s.ID); err != nil {
		return fmt.Errorf("pruning sessions: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sync_sessions (session_id, trigger, status, started_at, finished_at, tables)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
    status = excluded.status,
    finished_at = excluded.finished_at,
    tables = excluded.tables`,
		s.ID, s.Trigger, string(s.Status), s.StartedAt.UnixNano(), finished, string(tables))
	if err != nil {
		return fmt.Errorf("saving session %s: %w", s.ID, err)
	}
	return tx.Commit()
}

// LastSession returns the most recently saved session, or ErrNotFound when
// no session has finished yet.
func (b *Backend) LastSession(ctx context.Context) (*types.SyncSession, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreDetached
	}

	var (
		s        types.SyncSession
		status   string
		started  int64
		finished sql.NullInt64
		tables   string
	)
	err := b.db.QueryRowContext(ctx, `SELECT session_id, trigger, status, started_at, finished_at, tables
FROM sync_sessions ORDER BY started_at DESC LIMIT 1`).
		Scan(&s.ID, &s.Trigger, &status, &started, &finished, &tables)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading last session: %w", err)
	}
	s.Status = types.SessionStatus(status)
	s.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		s.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	if err := json.Unmarshal([]byte(tables), &s.Tables); err != nil {
		return nil, fmt.Errorf("decoding session tables: %w", err)
	}
	return &s, nil
}
