package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// versionRule selects the comparison an upsert uses against the stored row.
type versionRule string

const (
	// atLeast lets equal versions overwrite; bulk resync pages use it.
	atLeast versionRule = ">="
	// newer requires a strictly greater version; realtime events use it.
	newer versionRule = ">"
)

func upsertSQL(tbl string, rule versionRule) string {
	return `INSERT INTO ` + tbl + ` (record_key, remote_version, payload, deleted, written_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(record_key) DO UPDATE SET
    remote_version = excluded.remote_version,
    payload = excluded.payload,
    deleted = excluded.deleted,
    written_at = excluded.written_at
WHERE excluded.remote_version ` + string(rule) + ` ` + tbl + `.remote_version`
}

// UpsertMany writes records whose version is at least the stored version in
// one transaction and returns how many rows changed. Stale records are
// skipped silently.
func (b *Backend) UpsertMany(ctx context.Context, table string, records []types.CacheRecord) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return 0, err
	}
	for _, r := range records {
		if r.Key == "" {
			return 0, fmt.Errorf("upserting into %s: %w", table, types.ErrInvalidKey)
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning upsert into %s: %w", table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSQL(tbl, atLeast))
	if err != nil {
		return 0, fmt.Errorf("preparing upsert into %s: %w", table, err)
	}
	defer stmt.Close()

	writtenAt := b.now().UnixNano()
	applied := 0
	for _, r := range records {
		res, err := stmt.ExecContext(ctx, r.Key, r.RemoteVersion, payloadArg(r), boolArg(r.Deleted), writtenAt)
		if err != nil {
			return 0, fmt.Errorf("upserting %s/%s: %w", table, r.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		applied += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing upsert into %s: %w", table, err)
	}
	if stale := len(records) - applied; stale > 0 {
		b.logger.Debug("stale rows skipped",
			zap.String("table", table), zap.Int("stale", stale), zap.Int("applied", applied))
	}
	return applied, nil
}

// ApplyIfNewer writes record when its version is strictly greater than the
// stored one or no row exists. A Deleted record is stored as a tombstone.
func (b *Backend) ApplyIfNewer(ctx context.Context, table string, record types.CacheRecord) (bool, error) {
	if record.Key == "" {
		return false, types.ErrInvalidKey
	}
	return b.writeOne(ctx, table, record)
}

// Delete tombstones key at version when version is strictly greater than the
// stored one or no row exists. Deleting an unknown key records a tombstone
// and is not an error.
func (b *Backend) Delete(ctx context.Context, table, key string, version int64) (bool, error) {
	if key == "" {
		return false, types.ErrInvalidKey
	}
	return b.writeOne(ctx, table, types.CacheRecord{Key: key, RemoteVersion: version, Deleted: true})
}

func (b *Backend) writeOne(ctx context.Context, table string, r types.CacheRecord) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return false, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	res, err := b.db.ExecContext(ctx, upsertSQL(tbl, newer),
		r.Key, r.RemoteVersion, payloadArg(r), boolArg(r.Deleted), b.now().UnixNano())
	if err != nil {
		return false, fmt.Errorf("writing %s/%s: %w", table, r.Key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the live record for key. Tombstones and missing keys return
// ErrNotFound.
func (b *Backend) Get(ctx context.Context, table, key string) (types.CacheRecord, error) {
	r, ok, err := b.Lookup(ctx, table, key)
	if err != nil {
		return types.CacheRecord{}, err
	}
	if !ok || r.Deleted {
		return types.CacheRecord{}, fmt.Errorf("%s/%s: %w", table, key, types.ErrNotFound)
	}
	return r, nil
}

// Lookup returns the stored row for key, tombstones included.
func (b *Backend) Lookup(ctx context.Context, table, key string) (types.CacheRecord, bool, error) {
	if key == "" {
		return types.CacheRecord{}, false, types.ErrInvalidKey
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return types.CacheRecord{}, false, err
	}

	row := b.db.QueryRowContext(ctx,
		`SELECT record_key, remote_version, payload, deleted, written_at FROM `+tbl+` WHERE record_key = ?`, key)
	r, err := scanRecord(row, table)
	if errors.Is(err, sql.ErrNoRows) {
		return types.CacheRecord{}, false, nil
	}
	if err != nil {
		return types.CacheRecord{}, false, fmt.Errorf("reading %s/%s: %w", table, key, err)
	}
	return r, true, nil
}

// Scan returns live records ordered by key. The predicate runs before offset
// and limit are applied; limit 0 means unlimited.
func (b *Backend) Scan(ctx context.Context, table string, predicate types.Predicate, limit, offset int) ([]types.CacheRecord, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: negative limit or offset", types.ErrInvalidFilter)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return nil, err
	}

	query := `SELECT record_key, remote_version, payload, deleted, written_at FROM ` + tbl +
		` WHERE deleted = 0 ORDER BY record_key`
	var args []any
	if predicate == nil && (limit > 0 || offset > 0) {
		sqlLimit := limit
		if sqlLimit == 0 {
			sqlLimit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, sqlLimit, offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", table, err)
	}
	defer rows.Close()

	var out []types.CacheRecord
	skipped := 0
	for rows.Next() {
		r, err := scanRecord(rows, table)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, err)
		}
		if predicate != nil {
			if !predicate(r) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
		}
		out = append(out, r)
		if predicate != nil && limit > 0 && len(out) == limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", table, err)
	}
	return out, nil
}

// Count returns the number of live records in table.
func (b *Backend) Count(ctx context.Context, table string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return 0, err
	}
	var n int
	if err := b.db.QueryRowContext(ctx, `SELECT count(*) FROM `+tbl+` WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", table, err)
	}
	return n, nil
}

// MaxVersion returns the highest version stored for table, tombstones
// included, or 0 for an empty table.
func (b *Backend) MaxVersion(ctx context.Context, table string) (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return 0, err
	}
	var v int64
	if err := b.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(remote_version), 0) FROM `+tbl).Scan(&v); err != nil {
		return 0, fmt.Errorf("reading max version of %s: %w", table, err)
	}
	return v, nil
}

// Sweep tombstones live rows of table that were last written before cutoff
// and whose version is at most maxVersion. It runs after a complete resync
// pass so rows deleted on the remote without a tombstone disappear locally.
func (b *Backend) Sweep(ctx context.Context, table string, cutoff time.Time, maxVersion int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return 0, err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	res, err := b.db.ExecContext(ctx,
		`UPDATE `+tbl+` SET deleted = 1, payload = NULL, written_at = ?
WHERE deleted = 0 AND written_at < ? AND remote_version <= ?`,
		b.now().UnixNano(), cutoff.UnixNano(), maxVersion)
	if err != nil {
		return 0, fmt.Errorf("sweeping %s: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.logger.Info("swept rows missing from remote", zap.String("table", table), zap.Int64("rows", n))
	}
	return int(n), nil
}

// each streams every stored row of table, tombstones included, in key order.
func (b *Backend) each(ctx context.Context, table string, fn func(types.CacheRecord) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tbl, err := b.table(table)
	if err != nil {
		return err
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT record_key, remote_version, payload, deleted, written_at FROM `+tbl+` ORDER BY record_key`)
	if err != nil {
		return fmt.Errorf("reading %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRecord(rows, table)
		if err != nil {
			return fmt.Errorf("reading %s: %w", table, err)
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner, table string) (types.CacheRecord, error) {
	var (
		r         types.CacheRecord
		payload   sql.NullString
		deleted   int
		writtenAt int64
	)
	if err := s.Scan(&r.Key, &r.RemoteVersion, &payload, &deleted, &writtenAt); err != nil {
		return types.CacheRecord{}, err
	}
	r.Table = table
	r.Deleted = deleted != 0
	r.LocalWrittenAt = time.Unix(0, writtenAt).UTC()
	if payload.Valid && !r.Deleted {
		r.Payload = json.RawMessage(payload.String)
	}
	return r, nil
}

func payloadArg(r types.CacheRecord) any {
	if r.Deleted || len(r.Payload) == 0 {
		return nil
	}
	return string(r.Payload)
}

func boolArg(v bool) int {
	if v {
		return 1
	}
	return 0
}
