package memremote

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/depot/internal/remote/fixture"
	"github.com/mesh-intelligence/depot/pkg/types"
)

var products = types.TableDescriptor{Name: types.TableProducts, PrimaryKeyField: "id", VersionField: "version", PageSize: 2}

func TestList_PagesInVersionOrder(t *testing.T) {
	r := New([]types.TableDescriptor{products})
	ctx := context.Background()

	for _, key := range []string{"c", "a", "b", "d", "e"} {
		_, err := r.Put(types.TableProducts, key, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	var (
		cursor types.Cursor
		got    []string
		pages  int
	)
	for {
		page, err := r.List(ctx, products, cursor, 2)
		require.NoError(t, err)
		pages++
		for _, row := range page.Rows {
			got = append(got, row.Key)
		}
		cursor = page.Next
		if !page.HasMore {
			break
		}
	}
	assert.Equal(t, []string{"c", "a", "b", "d", "e"}, got)
	assert.Equal(t, 3, pages)
	assert.Equal(t, types.Cursor{Version: 5, Key: "e"}, cursor)
}

func TestList_UpdatedRowMovesAhead(t *testing.T) {
	r := New([]types.TableDescriptor{products})
	ctx := context.Background()

	_, _ = r.Put(types.TableProducts, "a", json.RawMessage(`{"n":1}`))
	_, _ = r.Put(types.TableProducts, "b", json.RawMessage(`{"n":1}`))

	page, err := r.List(ctx, products, types.Cursor{}, 1)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)

	_, _ = r.Put(types.TableProducts, "a", json.RawMessage(`{"n":2}`))

	rest, err := r.List(ctx, products, page.Next, 10)
	require.NoError(t, err)
	require.Len(t, rest.Rows, 2)
	assert.Equal(t, "b", rest.Rows[0].Key)
	assert.Equal(t, "a", rest.Rows[1].Key)
	assert.Equal(t, int64(3), rest.Rows[1].RemoteVersion)
}

func TestRemove_ListsTombstone(t *testing.T) {
	r := New([]types.TableDescriptor{products})
	ctx := context.Background()

	_, _ = r.Put(types.TableProducts, "a", json.RawMessage(`{}`))
	v, err := r.Remove(types.TableProducts, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	page, err := r.List(ctx, products, types.Cursor{Version: 1}, 10)
	require.NoError(t, err)
	require.Len(t, page.Rows, 1)
	assert.True(t, page.Rows[0].Deleted)

	n, err := r.Count(ctx, products)
	require.NoError(t, err)
	assert.Zero(t, n)

	v, err = r.Remove(types.TableProducts, "a")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestStream_DeliversAndDrops(t *testing.T) {
	r := New([]types.TableDescriptor{products})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := r.Connect(ctx, []types.TableDescriptor{products})
	require.NoError(t, err)

	_, _ = r.Put(types.TableProducts, "a", json.RawMessage(`{}`))
	_, _ = r.Put(types.TableProducts, "a", json.RawMessage(`{"x":1}`))

	ev, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OpInsert, ev.Op)

	r.DropStreams()

	ev, err = s.Recv(ctx)
	require.NoError(t, err, "buffered event survives the drop")
	assert.Equal(t, types.OpUpdate, ev.Op)

	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, types.ErrSubscriptionDropped)
}

func TestStream_OverflowReportsLostEvents(t *testing.T) {
	r := New([]types.TableDescriptor{products})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := r.Connect(ctx, []types.TableDescriptor{products})
	require.NoError(t, err)

	for i := 0; i < streamBuffer+10; i++ {
		_, err := r.Put(types.TableProducts, fmt.Sprintf("k%d", i), json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	for i := 0; i < streamBuffer; i++ {
		ev, err := s.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("k%d", i), ev.Key)
	}
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, types.ErrSubscriptionDropped)
	assert.ErrorIs(t, err, types.ErrEventsLost)

	// A plain drop loses nothing.
	s, err = r.Connect(ctx, []types.TableDescriptor{products})
	require.NoError(t, err)
	r.DropStreams()
	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, types.ErrSubscriptionDropped)
	assert.NotErrorIs(t, err, types.ErrEventsLost)
}

func TestOffline(t *testing.T) {
	r := New([]types.TableDescriptor{products})
	ctx := context.Background()

	r.SetOffline(true)
	_, err := r.List(ctx, products, types.Cursor{}, 10)
	assert.ErrorIs(t, err, types.ErrRemoteUnavailable)
	_, err = r.Connect(ctx, []types.TableDescriptor{products})
	assert.ErrorIs(t, err, types.ErrRemoteUnavailable)

	r.SetOffline(false)
	r.FailNextLists(1)
	_, err = r.List(ctx, products, types.Cursor{}, 10)
	assert.ErrorIs(t, err, types.ErrRemoteUnavailable)
	_, err = r.List(ctx, products, types.Cursor{}, 10)
	assert.NoError(t, err)
}

func TestSeed(t *testing.T) {
	r := New(types.StandardTables(100))
	require.NoError(t, r.Seed(3))
	ctx := context.Background()

	for _, td := range types.StandardTables(100) {
		n, err := r.Count(ctx, td)
		require.NoError(t, err)
		if _, ok := fixture.ItemParents[td.Name]; ok {
			assert.Equal(t, int64(3*fixture.ItemsPerParent), n, td.Name)
			continue
		}
		assert.Equal(t, int64(3), n, td.Name)
	}
}
