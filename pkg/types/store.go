package types

import (
	"context"
	"errors"
)

// CacheStore is the persistent, table-partitioned local replica. All writes
// are version-checked; stale writes are silent no-ops, not errors.
type CacheStore interface {
	// Attach opens the store and creates one cache table per descriptor.
	Attach(config Config) error

	// Detach releases resources. Calling Detach twice is not an error.
	Detach() error

	// Tables returns the attached descriptors.
	Tables() []TableDescriptor

	// UpsertMany writes each record whose RemoteVersion is greater than or
	// equal to the stored one, in one transaction. Deleted records are
	// stored as tombstones. It returns the number of rows written.
	UpsertMany(ctx context.Context, table string, records []CacheRecord) (int, error)

	// ApplyIfNewer writes record only when its RemoteVersion is strictly
	// greater than the stored one, or no row exists.
	ApplyIfNewer(ctx context.Context, table string, record CacheRecord) (bool, error)

	// Delete tombstones key at version when version is strictly greater
	// than the stored one, or no row exists.
	Delete(ctx context.Context, table, key string, version int64) (bool, error)

	// Get returns the live record for key, or ErrNotFound.
	Get(ctx context.Context, table, key string) (CacheRecord, error)

	// Lookup returns the stored record for key including tombstones.
	Lookup(ctx context.Context, table, key string) (CacheRecord, bool, error)

	// Scan returns live records matching predicate ordered by key. A nil
	// predicate matches everything; limit 0 means unlimited.
	Scan(ctx context.Context, table string, predicate Predicate, limit, offset int) ([]CacheRecord, error)

	// Count returns the number of live records.
	Count(ctx context.Context, table string) (int, error)

	// MaxVersion returns the highest stored version, tombstones included.
	MaxVersion(ctx context.Context, table string) (int64, error)
}

// Predicate selects records during Scan.
type Predicate func(CacheRecord) bool

// Store lifecycle and lookup errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrTableNotFound   = errors.New("table not found")
	ErrStoreDetached   = errors.New("cache store is detached")
	ErrAlreadyAttached = errors.New("cache store is already attached")
	ErrInvalidFilter   = errors.New("invalid filter")
)
