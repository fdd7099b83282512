// Package sqlite implements the CacheStore on SQLite. Each TableDescriptor
// gets its own physical table cache_<name> keyed by record key; meta tables
// are managed by goose migrations.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/depot/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DBFile is the database file name inside DataDir.
const DBFile = "depot.db"

// busyTimeout bounds how long a connection waits on a locked database.
const busyTimeout = 5 * time.Second

// Backend implements types.CacheStore using SQLite in WAL mode.
//
// mu guards the lifecycle (attached, db, tables); operations hold it for
// reading. writeMu serializes writers so version checks and upserts from the
// resyncer and the sequencer never interleave inside one transaction.
type Backend struct {
	mu       sync.RWMutex
	writeMu  sync.Mutex
	attached bool
	config   types.Config
	db       *sql.DB
	tables   map[string]types.TableDescriptor
	order    []types.TableDescriptor

	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the clock used for LocalWrittenAt.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBackend creates a new SQLite backend instance.
// The backend is not attached; call Attach with a Config to initialize.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		tables: make(map[string]types.TableDescriptor),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ types.CacheStore = (*Backend)(nil)

// Attach opens DataDir/depot.db, runs the meta migrations and creates one
// cache table per descriptor in config.TableSet(). Existing cache contents
// are kept. Returns ErrAlreadyAttached if already attached.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dsn(filepath.Join(dataDir, DBFile)))
	if err != nil {
		return fmt.Errorf("opening cache database: %w", err)
	}

	ctx := context.Background()
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return err
	}

	tables := config.TableSet()
	index := make(map[string]types.TableDescriptor, len(tables))
	for _, td := range tables {
		if err := td.Validate(); err != nil {
			db.Close()
			return err
		}
		if err := createCacheTable(ctx, db, td, b.now()); err != nil {
			db.Close()
			return err
		}
		index[td.Name] = td
	}

	b.db = db
	b.config = config
	b.tables = index
	b.order = append([]types.TableDescriptor(nil), tables...)
	b.attached = true

	b.logger.Info("cache store attached",
		zap.String("path", filepath.Join(dataDir, DBFile)),
		zap.Int("tables", len(tables)))
	return nil
}

// Detach releases all resources held by the backend. After Detach all
// operations return ErrStoreDetached. Detach is idempotent.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	b.attached = false
	b.tables = make(map[string]types.TableDescriptor)
	b.order = nil

	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		if err != nil {
			return fmt.Errorf("closing cache database: %w", err)
		}
	}
	b.logger.Info("cache store detached")
	return nil
}

// Tables returns the attached descriptors in configuration order.
func (b *Backend) Tables() []types.TableDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]types.TableDescriptor(nil), b.order...)
}

// DataDir returns the directory holding the database file.
func (b *Backend) DataDir() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config.DataDir
}

// dsn builds a modernc.org/sqlite DSN with WAL journaling and a busy timeout.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("migrating cache database: %w", err)
	}
	return nil
}

// cacheTable returns the physical table name for a descriptor name.
func cacheTable(name string) string {
	return "cache_" + name
}

func createCacheTable(ctx context.Context, db *sql.DB, td types.TableDescriptor, now time.Time) error {
	tbl := cacheTable(td.Name)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + tbl + ` (
    record_key     TEXT PRIMARY KEY,
    remote_version INTEGER NOT NULL,
    payload        TEXT,
    deleted        INTEGER NOT NULL DEFAULT 0,
    written_at     INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS ` + tbl + `_version ON ` + tbl + ` (remote_version)`,
		`CREATE INDEX IF NOT EXISTS ` + tbl + `_live ON ` + tbl + ` (deleted, record_key)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s: %w", tbl, err)
		}
	}
	_, err := db.ExecContext(ctx, `INSERT INTO cache_tables (table_name, primary_key_field, version_field, attached_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(table_name) DO UPDATE SET
    primary_key_field = excluded.primary_key_field,
    version_field = excluded.version_field,
    attached_at = excluded.attached_at`,
		td.Name, td.PrimaryKeyField, td.VersionField, now.UnixNano())
	if err != nil {
		return fmt.Errorf("registering %s: %w", td.Name, err)
	}
	return nil
}

// table resolves a descriptor name to its physical table. The caller must
// hold b.mu for reading.
func (b *Backend) table(name string) (string, error) {
	if !b.attached {
		return "", types.ErrStoreDetached
	}
	if _, ok := b.tables[name]; !ok {
		return "", fmt.Errorf("%w: %s", types.ErrTableNotFound, name)
	}
	return cacheTable(name), nil
}
