// Package pgremote reads the remote catalog from Postgres. Every catalog table
// carries a version column filled from one global sequence by trigger, and a
// deleted_at column for soft deletes; the same triggers publish changes on the
// depot_changes notification channel.
package pgremote

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/remote/fixture"
	"github.com/mesh-intelligence/depot/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres error code for a missing relation.
const codeUndefinedTable = "42P01"

// Remote is a Lister and Counter over a Postgres connection pool.
type Remote struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var (
	_ types.Lister  = (*Remote)(nil)
	_ types.Counter = (*Remote)(nil)
)

// Open connects a pool to dsn and pings it.
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Remote, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing remote dsn: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
	}
	return &Remote{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (r *Remote) Close() {
	r.pool.Close()
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// List returns rows after since in (version, key) order. Keys compare in
// byte order so the cursor agrees with the local cache.
func (r *Remote) List(ctx context.Context, td types.TableDescriptor, since types.Cursor, pageSize int) (types.RemotePage, error) {
	if pageSize <= 0 {
		pageSize = types.DefaultPageSize
	}
	key, ver := ident(td.PrimaryKeyField), ident(td.VersionField)
	query := fmt.Sprintf(`
		SELECT %[1]s::text, %[2]s, deleted_at IS NOT NULL, to_jsonb(t)::text
		FROM %[3]s t
		WHERE %[2]s > $1 OR (%[2]s = $1 AND %[1]s::text COLLATE "C" > $2)
		ORDER BY %[2]s, %[1]s::text COLLATE "C"
		LIMIT $3`, key, ver, ident(td.Name))

	rows, err := r.pool.Query(ctx, query, since.Version, since.Key, pageSize+1)
	if err != nil {
		return types.RemotePage{}, r.wrap(td.Name, err)
	}
	defer rows.Close()

	page := types.RemotePage{Next: since}
	for rows.Next() {
		var (
			rec     types.CacheRecord
			payload string
		)
		if err := rows.Scan(&rec.Key, &rec.RemoteVersion, &rec.Deleted, &payload); err != nil {
			return types.RemotePage{}, fmt.Errorf("scanning %s: %w", td.Name, err)
		}
		if len(page.Rows) == pageSize {
			page.HasMore = true
			break
		}
		rec.Table = td.Name
		if !rec.Deleted {
			rec.Payload = json.RawMessage(payload)
		}
		page.Rows = append(page.Rows, rec)
	}
	if err := rows.Err(); err != nil {
		return types.RemotePage{}, r.wrap(td.Name, err)
	}
	if n := len(page.Rows); n > 0 {
		page.Next = types.Cursor{Version: page.Rows[n-1].RemoteVersion, Key: page.Rows[n-1].Key}
	}
	return page, nil
}

// Count returns the number of live rows in the table.
func (r *Remote) Count(ctx context.Context, td types.TableDescriptor) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE deleted_at IS NULL`, ident(td.Name))).Scan(&n)
	if err != nil {
		return 0, r.wrap(td.Name, err)
	}
	return n, nil
}

// wrap classifies query errors: missing tables are ErrTableNotFound, server
// side errors pass through and everything else is treated as the remote
// being unreachable.
func (r *Remote) wrap(table string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == codeUndefinedTable {
			return fmt.Errorf("%w: %s", types.ErrTableNotFound, table)
		}
		return fmt.Errorf("listing %s: %w", table, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("listing %s: %w: %w", table, types.ErrRemoteUnavailable, err)
}

// Insert adds a row. Missing columns become null; the version trigger
// assigns the version.
func (r *Remote) Insert(ctx context.Context, table string, row map[string]any) error {
	body, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encoding %s row: %w", table, err)
	}
	if _, err := r.pool.Exec(ctx, insertSQL(table), string(body)); err != nil {
		return r.wrap(table, err)
	}
	return nil
}

func insertSQL(table string) string {
	return fmt.Sprintf(`INSERT INTO %[1]s SELECT * FROM jsonb_populate_record(NULL::%[1]s, $1::jsonb)`, ident(table))
}

// Touch rewrites a row unchanged, moving it to a new version.
func (r *Remote) Touch(ctx context.Context, table, key string) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET updated_at = now() WHERE id = $1`, ident(table)), key)
	if err != nil {
		return r.wrap(table, err)
	}
	return nil
}

// Remove soft-deletes a row.
func (r *Remote) Remove(ctx context.Context, table, key string) error {
	_, err := r.pool.Exec(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = now() WHERE id = $1`, ident(table)), key)
	if err != nil {
		return r.wrap(table, err)
	}
	return nil
}

// Seed inserts n fake parent rows per catalog table plus their line items.
func (r *Remote) Seed(ctx context.Context, n int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrRemoteUnavailable, err)
	}
	defer tx.Rollback(ctx)

	inserted := 0
	err = fixture.Generate(types.StandardTableNames, n, func(table, _ string, row map[string]any) error {
		body, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insertSQL(table), string(body)); err != nil {
			return fmt.Errorf("seeding %s: %w", table, err)
		}
		inserted++
		return nil
	})
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing seed: %w", err)
	}
	r.logger.Info("remote seeded", zap.Int("rows", inserted))
	return nil
}

// Migrate applies the remote schema to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening remote: %w", err)
	}
	defer db.Close()

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, sub)
	if err != nil {
		return fmt.Errorf("loading remote migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrating remote: %w", err)
	}
	return nil
}
