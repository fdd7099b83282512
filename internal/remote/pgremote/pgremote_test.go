package pgremote_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mesh-intelligence/depot/internal/realtime"
	"github.com/mesh-intelligence/depot/internal/remote/fixture"
	"github.com/mesh-intelligence/depot/internal/remote/pgremote"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// setupPostgres starts a throwaway Postgres with the remote schema applied.
// Docker is required, so the tests only run with DEPOT_PG_TESTS=1.
func setupPostgres(t *testing.T) (*pgremote.Remote, string) {
	t.Helper()
	if testing.Short() || os.Getenv("DEPOT_PG_TESTS") != "1" {
		t.Skip("set DEPOT_PG_TESTS=1 to run Postgres tests")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"docker.io/postgres:16-alpine",
		postgres.WithDatabase("depot"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("pass"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(ctx)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, pgremote.Migrate(ctx, dsn))

	remote, err := pgremote.Open(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(remote.Close)
	return remote, dsn
}

func table(t *testing.T, name string) types.TableDescriptor {
	t.Helper()
	td, ok := types.LookupTable(types.StandardTables(0), name)
	require.True(t, ok)
	return td
}

func TestRemote_SeedAndPaginate(t *testing.T) {
	remote, _ := setupPostgres(t)
	ctx := context.Background()
	require.NoError(t, remote.Seed(ctx, 7))

	tests := []struct {
		table string
		want  int64
	}{
		{types.TableSalesReps, 7},
		{types.TableStores, 7},
		{types.TableShipmentItems, 7 * fixture.ItemsPerParent},
	}
	for _, tt := range tests {
		t.Run(tt.table, func(t *testing.T) {
			td := table(t, tt.table)
			n, err := remote.Count(ctx, td)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)

			var (
				cursor types.Cursor
				seen   int64
				pages  int
			)
			for {
				page, err := remote.List(ctx, td, cursor, 3)
				require.NoError(t, err)
				for _, rec := range page.Rows {
					assert.True(t, cursor.After(rec.RemoteVersion, rec.Key), "rows must move forward")
					assert.NotEmpty(t, rec.Payload)
					cursor = types.Cursor{Version: rec.RemoteVersion, Key: rec.Key}
				}
				seen += int64(len(page.Rows))
				pages++
				if !page.HasMore {
					break
				}
			}
			assert.Equal(t, tt.want, seen)
			assert.Greater(t, pages, 1)
		})
	}
}

func TestRemote_RemoveAndTouchMoveVersion(t *testing.T) {
	remote, _ := setupPostgres(t)
	ctx := context.Background()
	td := table(t, types.TableProducts)

	require.NoError(t, remote.Insert(ctx, td.Name, fixture.Row(td.Name, "p1", nil)))
	require.NoError(t, remote.Insert(ctx, td.Name, fixture.Row(td.Name, "p2", nil)))

	page, err := remote.List(ctx, td, types.Cursor{}, 10)
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	last := page.Next

	require.NoError(t, remote.Touch(ctx, td.Name, "p1"))
	require.NoError(t, remote.Remove(ctx, td.Name, "p2"))

	page, err = remote.List(ctx, td, last, 10)
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "p1", page.Rows[0].Key)
	assert.False(t, page.Rows[0].Deleted)
	assert.Equal(t, "p2", page.Rows[1].Key)
	assert.True(t, page.Rows[1].Deleted)
	assert.Nil(t, page.Rows[1].Payload)

	n, err := remote.Count(ctx, td)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRemote_UnknownTable(t *testing.T) {
	remote, _ := setupPostgres(t)
	td := types.TableDescriptor{Name: "missing", PrimaryKeyField: "id", VersionField: "version", PageSize: 10}

	_, err := remote.List(context.Background(), td, types.Cursor{}, 10)
	assert.ErrorIs(t, err, types.ErrTableNotFound)
}

func TestRemote_NotifiesChanges(t *testing.T) {
	remote, dsn := setupPostgres(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	td := table(t, types.TableDeposits)

	transport := realtime.NewPGNotifyTransport(types.RealtimeConfig{}, dsn, remote, nil)
	stream, err := transport.Connect(ctx, []types.TableDescriptor{td})
	require.NoError(t, err)
	defer stream.Close()

	require.NoError(t, remote.Insert(ctx, td.Name, fixture.Row(td.Name, "d1", nil)))
	ev, err := stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OpInsert, ev.Op)
	assert.Equal(t, "d1", ev.Key)
	assert.NotEmpty(t, ev.Payload)

	require.NoError(t, remote.Remove(ctx, td.Name, "d1"))
	ev, err = stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OpDelete, ev.Op)
	assert.Equal(t, "d1", ev.Key)
}
