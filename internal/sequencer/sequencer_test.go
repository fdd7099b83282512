package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/depot/internal/sqlite"
	"github.com/mesh-intelligence/depot/pkg/types"
)

func setupStore(t *testing.T) *sqlite.Backend {
	t.Helper()
	b := sqlite.NewBackend()
	config := types.DefaultConfig()
	config.DataDir = t.TempDir()
	require.NoError(t, b.Attach(config))
	t.Cleanup(func() { b.Detach() })
	return b
}

func event(op types.Op, key string, version int64, name string) types.ChangeEvent {
	ev := types.ChangeEvent{Table: types.TableProducts, Op: op, Key: key, RemoteVersion: version}
	if op != types.OpDelete {
		ev.Payload = json.RawMessage(fmt.Sprintf(`{"id":%q,"name":%q}`, key, name))
	}
	return ev
}

func TestApply_OutOfOrder(t *testing.T) {
	store := setupStore(t)
	seq := New(store)
	ctx := context.Background()

	out, err := seq.Apply(ctx, event(types.OpUpdate, "p1", 2, "B"))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	out, err = seq.Apply(ctx, event(types.OpInsert, "p1", 1, "A"))
	require.NoError(t, err)
	assert.Equal(t, Superseded, out)

	got, err := store.Get(ctx, types.TableProducts, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RemoteVersion)
	assert.JSONEq(t, `{"id":"p1","name":"B"}`, string(got.Payload))

	assert.Equal(t, Stats{Applied: 1, Superseded: 1}, seq.Stats())
}

func TestApply_Idempotent(t *testing.T) {
	store := setupStore(t)
	seq := New(store)
	ctx := context.Background()
	ev := event(types.OpInsert, "p1", 5, "A")

	out, err := seq.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	before, err := store.Get(ctx, types.TableProducts, "p1")
	require.NoError(t, err)

	out, err = seq.Apply(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, Superseded, out)

	after, err := store.Get(ctx, types.TableProducts, "p1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestApply_Delete(t *testing.T) {
	tests := []struct {
		name          string
		storedVersion int64
		deleteVersion int64
		want          Outcome
		wantLive      bool
	}{
		{name: "newer delete removes record", storedVersion: 3, deleteVersion: 4, want: Applied, wantLive: false},
		{name: "equal delete is superseded", storedVersion: 3, deleteVersion: 3, want: Superseded, wantLive: true},
		{name: "older delete is superseded", storedVersion: 3, deleteVersion: 2, want: Superseded, wantLive: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := setupStore(t)
			seq := New(store)
			ctx := context.Background()

			_, err := seq.Apply(ctx, event(types.OpInsert, "p1", tt.storedVersion, "A"))
			require.NoError(t, err)

			out, err := seq.Apply(ctx, event(types.OpDelete, "p1", tt.deleteVersion, ""))
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)

			_, err = store.Get(ctx, types.TableProducts, "p1")
			if tt.wantLive {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, types.ErrNotFound)
			}
		})
	}
}

func TestApply_TombstoneBlocksOlderInsert(t *testing.T) {
	store := setupStore(t)
	seq := New(store)
	ctx := context.Background()

	out, err := seq.Apply(ctx, event(types.OpDelete, "p1", 10, ""))
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	out, err = seq.Apply(ctx, event(types.OpInsert, "p1", 9, "late"))
	require.NoError(t, err)
	assert.Equal(t, Superseded, out)

	_, err = store.Get(ctx, types.TableProducts, "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestApply_VersionMonotonicUnderShuffle(t *testing.T) {
	store := setupStore(t)
	seq := New(store)
	ctx := context.Background()

	var events []types.ChangeEvent
	for v := int64(1); v <= 50; v++ {
		events = append(events, event(types.OpUpdate, "p1", v, fmt.Sprintf("v%d", v)))
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(events), func(i, j int) { events[i], events[j] = events[j], events[i] })

	var last int64
	for _, ev := range events {
		_, err := seq.Apply(ctx, ev)
		require.NoError(t, err)
		got, err := store.Get(ctx, types.TableProducts, "p1")
		require.NoError(t, err)
		require.GreaterOrEqual(t, got.RemoteVersion, last)
		last = got.RemoteVersion
	}
	assert.Equal(t, int64(50), last)
}

func TestApply_InvalidEvent(t *testing.T) {
	seq := New(setupStore(t))
	_, err := seq.Apply(context.Background(), types.ChangeEvent{Table: types.TableProducts, Op: types.OpInsert, Key: "p1"})
	assert.ErrorIs(t, err, types.ErrInvalidEvent)
}

func TestApply_UnknownTable(t *testing.T) {
	seq := New(setupStore(t))
	ev := event(types.OpInsert, "x", 1, "x")
	ev.Table = "invoices"
	_, err := seq.Apply(context.Background(), ev)
	assert.True(t, errors.Is(err, types.ErrTableNotFound))
}

func TestApplyRecord(t *testing.T) {
	store := setupStore(t)
	seq := New(store)
	ctx := context.Background()

	out, err := seq.ApplyRecord(ctx, types.TableProducts, types.CacheRecord{Key: "p1", Payload: json.RawMessage(`{"id":"p1"}`), RemoteVersion: 4})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	out, err = seq.ApplyRecord(ctx, types.TableProducts, types.CacheRecord{Key: "p1", RemoteVersion: 5, Deleted: true})
	require.NoError(t, err)
	assert.Equal(t, Applied, out)

	_, err = store.Get(ctx, types.TableProducts, "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
