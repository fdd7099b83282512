package sqlite

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/depot/pkg/types"
)

func TestExportImport_RoundTrip(t *testing.T) {
	src := setupBackend(t)
	ctx := context.Background()

	_, err := src.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p1", 1), product("p2", 2)})
	require.NoError(t, err)
	_, err = src.Delete(ctx, types.TableProducts, "p2", 3)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "snapshots", "cache.jsonl")
	n, err := src.ExportFile(ctx, path, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "tombstones are exported")

	dst := setupBackend(t)
	applied, err := dst.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	count, err := dst.Count(ctx, types.TableProducts)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	v, err := dst.MaxVersion(ctx, types.TableProducts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestImport_SkipsMalformedAndStale(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	_, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p1", 9)})
	require.NoError(t, err)

	input := strings.Join([]string{
		`{"table":"products","key":"p1","payload":{"id":"p1"},"remote_version":2}`,
		`not json`,
		``,
		`{"table":"invoices","key":"i1","payload":{},"remote_version":1}`,
		`{"table":"products","key":"p5","payload":{"id":"p5"},"remote_version":4}`,
	}, "\n")

	applied, err := b.Import(ctx, strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := b.Get(ctx, types.TableProducts, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), got.RemoteVersion)
}

func TestExport_SelectedTables(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	_, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p1", 1)})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := b.Export(ctx, &buf, []string{types.TableStores})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, buf.String())

	_, err = b.Export(ctx, &buf, []string{"invoices"})
	assert.ErrorIs(t, err, types.ErrTableNotFound)
}
