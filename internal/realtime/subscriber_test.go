package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/depot/internal/remote/memremote"
	"github.com/mesh-intelligence/depot/internal/sequencer"
	"github.com/mesh-intelligence/depot/internal/sqlite"
	"github.com/mesh-intelligence/depot/pkg/types"
)

var testTables = []types.TableDescriptor{
	{Name: types.TableProducts, PrimaryKeyField: "id", VersionField: "version", PageSize: 3},
	{Name: types.TableStores, PrimaryKeyField: "id", VersionField: "version", PageSize: 3},
}

func testRealtimeConfig() types.RealtimeConfig {
	return types.RealtimeConfig{
		Driver:                   types.RealtimeMemory,
		FreshnessThreshold:       30 * time.Second,
		InitialReconnectInterval: 5 * time.Millisecond,
		MaxReconnectInterval:     20 * time.Millisecond,
	}
}

// fakeClock is a settable clock safe for concurrent use.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	remote *memremote.Remote
	store  *sqlite.Backend
	sub    *Subscriber
	clock  *fakeClock
	cancel context.CancelFunc
	done   chan struct{}
}

// newHarness runs a Subscriber over an in-memory remote. wrap, when set,
// decorates the remote's list API.
func newHarness(t *testing.T, cfg types.RealtimeConfig, wrap func(types.Lister) types.Lister) *harness {
	t.Helper()
	return newHarnessWith(t, harnessSetup{tables: testTables, cfg: cfg, wrapLister: wrap})
}

type harnessSetup struct {
	tables      []types.TableDescriptor
	cfg         types.RealtimeConfig
	wrapLister  func(types.Lister) types.Lister
	wrapApplier func(Applier) Applier
	opts        []Option
}

func newHarnessWith(t *testing.T, setup harnessSetup) *harness {
	t.Helper()
	h := &harness{
		remote: memremote.New(setup.tables),
		store:  sqlite.NewBackend(),
		clock:  &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)},
		done:   make(chan struct{}),
	}
	config := types.DefaultConfig()
	config.DataDir = t.TempDir()
	config.Tables = setup.tables
	require.NoError(t, h.store.Attach(config))

	var lister types.Lister = h.remote
	if setup.wrapLister != nil {
		lister = setup.wrapLister(h.remote)
	}
	var seq Applier = sequencer.New(h.store)
	if setup.wrapApplier != nil {
		seq = setup.wrapApplier(seq)
	}
	opts := append([]Option{WithClock(h.clock.Now)}, setup.opts...)
	h.sub = New(h.remote, lister, h.store, seq, setup.tables, setup.cfg, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		_ = h.sub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
		h.store.Detach()
	})
	return h
}

func (h *harness) waitConnected(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := h.sub.ConnectionState()
		return st.Connected && !st.CatchingUp
	}, 5*time.Second, 5*time.Millisecond)
}

func (h *harness) waitVersion(t *testing.T, table, key string, version int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, ok, err := h.store.Lookup(context.Background(), table, key)
		return err == nil && ok && r.RemoteVersion == version
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubscriber_AppliesLiveEvents(t *testing.T) {
	h := newHarness(t, testRealtimeConfig(), nil)
	h.waitConnected(t)

	st := h.sub.ConnectionState()
	assert.Zero(t, st.RetryAttempt)
	assert.False(t, st.LastConnectAt.IsZero())

	v1, err := h.remote.PutValue(types.TableProducts, "p1", map[string]any{"name": "first"})
	require.NoError(t, err)
	h.waitVersion(t, types.TableProducts, "p1", v1)

	v2, err := h.remote.Remove(types.TableProducts, "p1")
	require.NoError(t, err)
	h.waitVersion(t, types.TableProducts, "p1", v2)

	_, err = h.store.Get(context.Background(), types.TableProducts, "p1")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Equal(t, h.clock.Now(), h.sub.ConnectionState().LastEventAt)
}

func TestSubscriber_ObserversReceiveEvents(t *testing.T) {
	h := newHarness(t, testRealtimeConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	storesOnly := h.sub.Subscribe(ctx, []types.TableDescriptor{testTables[1]})
	h.waitConnected(t)

	_, err := h.remote.PutValue(types.TableProducts, "p1", map[string]any{})
	require.NoError(t, err)
	_, err = h.remote.PutValue(types.TableStores, "s1", map[string]any{})
	require.NoError(t, err)

	select {
	case ev := <-storesOnly:
		assert.Equal(t, types.TableStores, ev.Table)
		assert.Equal(t, "s1", ev.Key)
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-storesOnly
		return !open
	}, 5*time.Second, 5*time.Millisecond)
}

func TestSubscriber_CatchUpAfterLongDisconnect(t *testing.T) {
	lister := &recordingLister{}
	h := newHarness(t, testRealtimeConfig(), lister.wrap)
	h.waitConnected(t)

	last, err := h.remote.PutValue(types.TableProducts, "p1", map[string]any{"n": 1})
	require.NoError(t, err)
	h.waitVersion(t, types.TableProducts, "p1", last)

	// Five minutes offline; writes made meanwhile never reach the stream.
	h.remote.SetOffline(true)
	require.Eventually(t, func() bool { return !h.sub.ConnectionState().Connected }, 5*time.Second, 5*time.Millisecond)

	var missed []int64
	for i := 0; i < 7; i++ {
		v, err := h.remote.PutValue(types.TableProducts, fmt.Sprintf("gap%d", i), map[string]any{"i": i})
		require.NoError(t, err)
		missed = append(missed, v)
	}
	vp, err := h.remote.PutValue(types.TableProducts, "p1", map[string]any{"n": 2})
	require.NoError(t, err)
	vd, err := h.remote.Remove(types.TableProducts, "gap0")
	require.NoError(t, err)

	h.clock.Advance(5 * time.Minute)
	h.remote.SetOffline(false)
	h.waitConnected(t)

	h.waitVersion(t, types.TableProducts, "p1", vp)
	h.waitVersion(t, types.TableProducts, "gap0", vd)
	for i := 1; i < 7; i++ {
		h.waitVersion(t, types.TableProducts, fmt.Sprintf("gap%d", i), missed[i])
	}

	first, ok := lister.first(types.TableProducts)
	require.True(t, ok, "catch-up listed products")
	assert.Equal(t, last, first.Version, "delta pull starts at the last known version")

	st := h.sub.ConnectionState()
	assert.Zero(t, st.RetryAttempt)
	assert.False(t, st.LastDisconnectAt.IsZero())
}

func TestSubscriber_ShortGapSkipsCatchUp(t *testing.T) {
	cfg := testRealtimeConfig()
	cfg.FreshnessThreshold = time.Hour
	lister := &recordingLister{}
	h := newHarness(t, cfg, lister.wrap)
	h.waitConnected(t)

	v, err := h.remote.PutValue(types.TableStores, "s1", map[string]any{})
	require.NoError(t, err)
	h.waitVersion(t, types.TableStores, "s1", v)

	connectedAt := h.sub.ConnectionState().LastConnectAt
	h.clock.Advance(time.Second)
	h.remote.DropStreams()

	require.Eventually(t, func() bool {
		st := h.sub.ConnectionState()
		return st.Connected && st.LastConnectAt.After(connectedAt)
	}, 5*time.Second, 5*time.Millisecond)
	assert.Zero(t, lister.calls(), "no catch-up inside the freshness window")
}

func TestSubscriber_OverflowForcesCatchUp(t *testing.T) {
	gate := make(chan struct{})
	var open sync.Once
	release := func() { open.Do(func() { close(gate) }) }
	defer release()

	h := newHarnessWith(t, harnessSetup{
		tables: testTables,
		cfg:    testRealtimeConfig(),
		wrapApplier: func(inner Applier) Applier {
			return &gatedApplier{Applier: inner, gate: gate}
		},
	})
	h.waitConnected(t)

	// The sequencer stalls while the remote outruns the stream buffer. The
	// clock never moves, so the freshness window alone would skip catch-up.
	const writes = 1100
	var last int64
	for i := 0; i < writes; i++ {
		v, err := h.remote.PutValue(types.TableProducts, fmt.Sprintf("k%d", i), map[string]any{"i": i})
		require.NoError(t, err)
		last = v
	}
	release()

	require.Eventually(t, func() bool {
		r, ok, err := h.store.Lookup(context.Background(), types.TableProducts, fmt.Sprintf("k%d", writes-1))
		return err == nil && ok && r.RemoteVersion == last
	}, 30*time.Second, 10*time.Millisecond)

	maxVersion, err := h.store.MaxVersion(context.Background(), types.TableProducts)
	require.NoError(t, err)
	assert.Equal(t, h.remote.Version(), maxVersion)
	for _, i := range []int{0, 1024, 1050, writes - 1} {
		_, err := h.store.Get(context.Background(), types.TableProducts, fmt.Sprintf("k%d", i))
		assert.NoError(t, err, "k%d cached", i)
	}
}

func TestSubscriber_CatchUpUsesConfiguredPageSize(t *testing.T) {
	tables := []types.TableDescriptor{
		{Name: types.TableProducts, PrimaryKeyField: "id", VersionField: "version"},
	}
	lister := &recordingLister{}
	h := newHarnessWith(t, harnessSetup{
		tables:     tables,
		cfg:        testRealtimeConfig(),
		wrapLister: lister.wrap,
		opts:       []Option{WithPageSize(7)},
	})
	h.waitConnected(t)

	for i := 0; i < 10; i++ {
		_, err := h.remote.PutValue(types.TableProducts, fmt.Sprintf("p%d", i), map[string]any{})
		require.NoError(t, err)
	}
	h.remote.SetOffline(true)
	require.Eventually(t, func() bool { return !h.sub.ConnectionState().Connected }, 5*time.Second, 5*time.Millisecond)
	h.clock.Advance(5 * time.Minute)
	h.remote.SetOffline(false)
	h.waitConnected(t)

	require.Positive(t, lister.calls())
	for _, n := range lister.sizes() {
		assert.Equal(t, 7, n)
	}
}

func TestSubscriber_RetryAttemptsGrowWhileOffline(t *testing.T) {
	h := newHarness(t, testRealtimeConfig(), nil)
	h.waitConnected(t)

	h.remote.SetOffline(true)
	require.Eventually(t, func() bool {
		return h.sub.ConnectionState().RetryAttempt >= 3
	}, 5*time.Second, 5*time.Millisecond)
	st := h.sub.ConnectionState()
	assert.False(t, st.Connected)
	assert.NotEmpty(t, st.LastError)

	h.remote.SetOffline(false)
	h.waitConnected(t)
	assert.Zero(t, h.sub.ConnectionState().RetryAttempt)
}

func TestSubscriber_SkipsInvalidEvents(t *testing.T) {
	stream := &scriptedStream{events: make(chan types.ChangeEvent, 4)}
	h := &harness{store: sqlite.NewBackend(), clock: &fakeClock{now: time.Now()}}
	config := types.DefaultConfig()
	config.DataDir = t.TempDir()
	config.Tables = testTables
	require.NoError(t, h.store.Attach(config))
	t.Cleanup(func() { h.store.Detach() })

	sub := New(scriptedTransport{stream}, nil, h.store, sequencer.New(h.store), testTables, testRealtimeConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = sub.Run(ctx) }()
	t.Cleanup(func() { cancel(); <-done })

	stream.events <- types.ChangeEvent{Table: "invoices", Op: types.OpInsert, Key: "i1", Payload: json.RawMessage(`{}`), RemoteVersion: 1}
	stream.events <- types.ChangeEvent{Table: types.TableProducts, Op: types.OpUpdate, Key: "p1", RemoteVersion: 2}
	stream.events <- types.ChangeEvent{Table: types.TableProducts, Op: types.OpInsert, Key: "p2", Payload: json.RawMessage(`{}`), RemoteVersion: 3}

	require.Eventually(t, func() bool {
		_, err := h.store.Get(context.Background(), types.TableProducts, "p2")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)
	assert.True(t, sub.ConnectionState().Connected)
}

// recordingLister remembers the cursor of every list call.
type recordingLister struct {
	types.Lister
	mu      sync.Mutex
	cursors map[string][]types.Cursor
	pages   []int
}

func (l *recordingLister) wrap(inner types.Lister) types.Lister {
	l.Lister = inner
	return l
}

func (l *recordingLister) List(ctx context.Context, td types.TableDescriptor, since types.Cursor, pageSize int) (types.RemotePage, error) {
	l.mu.Lock()
	if l.cursors == nil {
		l.cursors = make(map[string][]types.Cursor)
	}
	l.cursors[td.Name] = append(l.cursors[td.Name], since)
	l.pages = append(l.pages, pageSize)
	l.mu.Unlock()
	return l.Lister.List(ctx, td, since, pageSize)
}

func (l *recordingLister) first(table string) (types.Cursor, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.cursors[table]) == 0 {
		return types.Cursor{}, false
	}
	return l.cursors[table][0], true
}

func (l *recordingLister) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.cursors {
		n += len(c)
	}
	return n
}

func (l *recordingLister) sizes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int(nil), l.pages...)
}

// gatedApplier holds every live event until gate closes.
type gatedApplier struct {
	Applier
	gate <-chan struct{}
}

func (a *gatedApplier) Apply(ctx context.Context, ev types.ChangeEvent) (sequencer.Outcome, error) {
	select {
	case <-a.gate:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return a.Applier.Apply(ctx, ev)
}

type scriptedTransport struct{ stream *scriptedStream }

func (t scriptedTransport) Connect(ctx context.Context, tables []types.TableDescriptor) (types.Stream, error) {
	return t.stream, nil
}

type scriptedStream struct{ events chan types.ChangeEvent }

func (s *scriptedStream) Recv(ctx context.Context) (types.ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-ctx.Done():
		return types.ChangeEvent{}, ctx.Err()
	}
}

func (s *scriptedStream) Close() error { return nil }
