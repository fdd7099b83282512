package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/depot/pkg/types"
)

func TestUpsertMany_VersionRule(t *testing.T) {
	tests := []struct {
		name        string
		stored      int64
		incoming    int64
		wantApplied int
		wantVersion int64
	}{
		{name: "newer overwrites", stored: 5, incoming: 6, wantApplied: 1, wantVersion: 6},
		{name: "equal overwrites", stored: 5, incoming: 5, wantApplied: 1, wantVersion: 5},
		{name: "older is skipped", stored: 5, incoming: 4, wantApplied: 0, wantVersion: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setupBackend(t)
			ctx := context.Background()

			_, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p1", tt.stored)})
			require.NoError(t, err)

			incoming := product("p1", tt.incoming)
			applied, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{incoming})
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, applied)

			got, err := b.Get(ctx, types.TableProducts, "p1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, got.RemoteVersion)
			if tt.wantApplied == 1 {
				assert.JSONEq(t, string(incoming.Payload), string(got.Payload))
			}
		})
	}
}

func TestUpsertMany_StaleRowsDoNotFailBatch(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	_, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p2", 10)})
	require.NoError(t, err)

	applied, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{
		product("p1", 1), product("p2", 3), product("p3", 2),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	n, err := b.Count(ctx, types.TableProducts)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestUpsertMany_Idempotent(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()
	page := []types.CacheRecord{product("a", 1), product("b", 2), product("c", 3)}

	_, err := b.UpsertMany(ctx, types.TableProducts, page)
	require.NoError(t, err)
	first, err := b.Scan(ctx, types.TableProducts, nil, 0, 0)
	require.NoError(t, err)

	_, err = b.UpsertMany(ctx, types.TableProducts, page)
	require.NoError(t, err)
	second, err := b.Scan(ctx, types.TableProducts, nil, 0, 0)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Key, second[i].Key)
		assert.Equal(t, first[i].RemoteVersion, second[i].RemoteVersion)
		assert.JSONEq(t, string(first[i].Payload), string(second[i].Payload))
	}
}

func TestUpsertMany_RejectsEmptyKey(t *testing.T) {
	b := setupBackend(t)
	_, err := b.UpsertMany(context.Background(), types.TableProducts, []types.CacheRecord{{Payload: json.RawMessage(`{}`), RemoteVersion: 1}})
	assert.ErrorIs(t, err, types.ErrInvalidKey)
}

func TestApplyIfNewer_Strict(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	ok, err := b.ApplyIfNewer(ctx, types.TableProducts, product("p1", 5))
	require.NoError(t, err)
	assert.True(t, ok, "insert when absent")

	ok, err = b.ApplyIfNewer(ctx, types.TableProducts, product("p1", 5))
	require.NoError(t, err)
	assert.False(t, ok, "equal version is superseded")

	ok, err = b.ApplyIfNewer(ctx, types.TableProducts, product("p1", 4))
	require.NoError(t, err)
	assert.False(t, ok, "older version is superseded")

	ok, err = b.ApplyIfNewer(ctx, types.TableProducts, product("p1", 6))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDelete_Tombstone(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	_, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p1", 5)})
	require.NoError(t, err)

	ok, err := b.Delete(ctx, types.TableProducts, "p1", 5)
	require.NoError(t, err)
	assert.False(t, ok, "delete at stored version is superseded")

	ok, err = b.Delete(ctx, types.TableProducts, "p1", 6)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.Get(ctx, types.TableProducts, "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	rec, found, err := b.Lookup(ctx, types.TableProducts, "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rec.Deleted)
	assert.Equal(t, int64(6), rec.RemoteVersion)

	// An older snapshot row cannot resurrect the record.
	applied, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("p1", 5)})
	require.NoError(t, err)
	assert.Zero(t, applied)

	n, err := b.Count(ctx, types.TableProducts)
	require.NoError(t, err)
	assert.Zero(t, n)

	// A newer insert does.
	ok, err = b.ApplyIfNewer(ctx, types.TableProducts, product("p1", 7))
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = b.Get(ctx, types.TableProducts, "p1")
	assert.NoError(t, err)
}

func TestDelete_UnknownKeyIsNotAnError(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	ok, err := b.Delete(ctx, types.TableProducts, "ghost", 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Delete(ctx, types.TableProducts, "ghost", 3)
	require.NoError(t, err)
	assert.False(t, ok, "replayed delete is a no-op")

	v, err := b.MaxVersion(ctx, types.TableProducts)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v, "tombstones count toward max version")
}

func TestScan_OrderingAndPaging(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	var page []types.CacheRecord
	for i := 9; i >= 0; i-- {
		page = append(page, product(fmt.Sprintf("k%02d", i), int64(100+i)))
	}
	_, err := b.UpsertMany(ctx, types.TableProducts, page)
	require.NoError(t, err)
	_, err = b.Delete(ctx, types.TableProducts, "k03", 200)
	require.NoError(t, err)

	all, err := b.Scan(ctx, types.TableProducts, nil, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 9)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key, all[i].Key)
	}

	window, err := b.Scan(ctx, types.TableProducts, nil, 3, 2)
	require.NoError(t, err)
	require.Len(t, window, 3)
	assert.Equal(t, []string{"k02", "k04", "k05"}, keys(window))

	even := func(r types.CacheRecord) bool { return r.RemoteVersion%2 == 0 }
	filtered, err := b.Scan(ctx, types.TableProducts, even, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"k02", "k04"}, keys(filtered))

	_, err = b.Scan(ctx, types.TableProducts, nil, -1, 0)
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestSweep(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBackend(WithClock(func() time.Time { return clock }))
	config := types.DefaultConfig()
	config.DataDir = t.TempDir()
	require.NoError(t, b.Attach(config))
	t.Cleanup(func() { b.Detach() })
	ctx := context.Background()

	_, err := b.UpsertMany(ctx, types.TableStores, []types.CacheRecord{
		{Key: "old", Payload: json.RawMessage(`{}`), RemoteVersion: 1},
		{Key: "kept", Payload: json.RawMessage(`{}`), RemoteVersion: 2},
	})
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	cutoff := clock
	_, err = b.UpsertMany(ctx, types.TableStores, []types.CacheRecord{
		{Key: "kept", Payload: json.RawMessage(`{}`), RemoteVersion: 2},
	})
	require.NoError(t, err)

	n, err := b.Sweep(ctx, types.TableStores, cutoff, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = b.Get(ctx, types.TableStores, "old")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = b.Get(ctx, types.TableStores, "kept")
	assert.NoError(t, err)
}

func TestConcurrentWriters_VersionMonotonic(t *testing.T) {
	b := setupBackend(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for v := int64(1); v <= 40; v++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			if v%2 == 0 {
				_, err := b.UpsertMany(ctx, types.TableProducts, []types.CacheRecord{product("hot", v)})
				assert.NoError(t, err)
				return
			}
			_, err := b.ApplyIfNewer(ctx, types.TableProducts, product("hot", v))
			assert.NoError(t, err)
		}(v)
	}
	wg.Wait()

	got, err := b.Get(ctx, types.TableProducts, "hot")
	require.NoError(t, err)
	assert.Equal(t, int64(40), got.RemoteVersion)
}

func keys(records []types.CacheRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.Key
	}
	return out
}
