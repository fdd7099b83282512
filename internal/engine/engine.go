// Package engine composes the cache, the bulk resyncer, the realtime
// subscriber and the query bridge into one process-scoped sync engine. The
// engine is built once, started once and passed explicitly to the HTTP API
// and the CLI.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/metrics"
	"github.com/mesh-intelligence/depot/internal/query"
	"github.com/mesh-intelligence/depot/internal/realtime"
	"github.com/mesh-intelligence/depot/internal/resync"
	"github.com/mesh-intelligence/depot/internal/sequencer"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// Store is the cache the engine runs on. It must already be attached.
type Store interface {
	types.CacheStore
	resync.Store
	LastSession(ctx context.Context) (*types.SyncSession, error)
}

// Deps are the engine's collaborators. Transport may be nil, in which case
// the engine runs without realtime and reports itself disconnected.
type Deps struct {
	Config    types.Config
	Store     Store
	Lister    types.Lister
	Transport types.Transport
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg     types.Config
	tables  []types.TableDescriptor
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	seq      *sequencer.Sequencer
	resyncer *resync.Resyncer
	sub      *realtime.Subscriber
	bridge   *query.Bridge

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	watchers map[chan struct{}]struct{}
}

// New wires the engine. It loads the last persisted session so Status can
// report it before the first resync of this process finishes.
func New(deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Lister == nil {
		return nil, errors.New("engine needs a store and a lister")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:      deps.Config,
		tables:   deps.Config.TableSet(),
		store:    deps.Store,
		logger:   logger,
		metrics:  deps.Metrics,
		watchers: make(map[chan struct{}]struct{}),
	}

	last, err := deps.Store.LastSession(context.Background())
	switch {
	case errors.Is(err, types.ErrNotFound):
		last = nil
	case err != nil:
		return nil, fmt.Errorf("loading last session: %w", err)
	}

	e.seq = sequencer.New(deps.Store,
		sequencer.WithLogger(logger.Named("sequencer")),
		sequencer.WithMetrics(deps.Metrics))
	e.resyncer = resync.New(deps.Store, deps.Lister, e.tables, deps.Config.Sync,
		resync.WithLogger(logger.Named("resync")),
		resync.WithMetrics(deps.Metrics),
		resync.WithLastSession(last),
		resync.OnFinish(e.resyncFinished))
	if deps.Transport != nil {
		e.sub = realtime.New(deps.Transport, deps.Lister, deps.Store, e.seq, e.tables, deps.Config.Realtime,
			realtime.WithLogger(logger.Named("realtime")),
			realtime.WithMetrics(deps.Metrics),
			realtime.WithPageTimeout(deps.Config.Sync.PageTimeout),
			realtime.WithPageSize(deps.Config.Sync.PageSize),
			realtime.OnStateChange(func(types.ConnectionState) { e.notify() }))
	}
	e.bridge = query.New(deps.Store, logger.Named("query"))
	e.updateCacheMetrics(context.Background())
	return e, nil
}

// Start triggers the startup resync and launches the realtime worker. It
// returns immediately; calling it again has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.mu.Unlock()

	e.logger.Info("engine starting",
		zap.Int("tables", len(e.tables)),
		zap.Bool("realtime", e.sub != nil))
	e.resyncer.Trigger(types.TriggerStartup, nil)
	e.notify()

	if e.sub != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.sub.Run(runCtx); err != nil {
				e.logger.Error("realtime worker stopped", zap.Error(err))
			}
		}()
	}
}

// Stop cancels the realtime worker and any running resync and waits for
// both to exit. The store stays attached.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	cancel := e.cancel
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.resyncer.Close()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// Tables returns the synced table descriptors.
func (e *Engine) Tables() []types.TableDescriptor {
	return append([]types.TableDescriptor(nil), e.tables...)
}

// RefreshSync starts a manual resync, or joins the running one, and returns
// its session without waiting. It returns nil once the engine has stopped.
func (e *Engine) RefreshSync() *types.SyncSession {
	s := e.resyncer.Trigger(types.TriggerManual, nil)
	e.notify()
	return s
}

// Resync runs a resync of tables (all when empty) to completion.
func (e *Engine) Resync(ctx context.Context, trigger string, tables []types.TableDescriptor) (*types.SyncSession, error) {
	e.notify()
	return e.resyncer.RunFullResync(ctx, trigger, tables)
}

// WaitIdle blocks until no resync is running.
func (e *Engine) WaitIdle(ctx context.Context) error {
	return e.resyncer.Wait(ctx)
}

// Status aggregates the resync and realtime state with per-table cache
// counts. A reconnect catch-up reports as resyncing.
func (e *Engine) Status(ctx context.Context) types.Status {
	active := e.resyncer.Active()
	last := e.resyncer.Last()

	st := types.Status{
		Session:     active,
		LastSession: last,
		IsSyncing:   active != nil,
		CacheStats:  e.cacheStats(ctx),
	}
	if e.sub != nil {
		st.Connection = e.sub.ConnectionState()
		st.IsRealtimeConnected = st.Connection.Connected
	}

	switch {
	case active != nil:
		st.Phase = types.PhaseResyncing
		st.Progress = active.Progress()
	case st.Connection.CatchingUp:
		// A catch-up has no row total; progress stays 0 until it ends.
		st.Phase = types.PhaseResyncing
		st.IsSyncing = true
	case last == nil:
		st.Phase = types.PhaseUninitialized
	case st.IsRealtimeConnected:
		st.Phase = types.PhaseIdleConnected
		st.Progress = last.Progress()
	default:
		st.Phase = types.PhaseIdleDisconnected
		st.Progress = last.Progress()
	}
	return st
}

// Query serves a filtered page of table from the cache.
func (e *Engine) Query(ctx context.Context, table string, filter query.FilterSpec, page query.Page) (query.Result, error) {
	return e.bridge.Query(ctx, table, filter, page)
}

// Get returns one live record from the cache.
func (e *Engine) Get(ctx context.Context, table, key string) (types.CacheRecord, error) {
	return e.bridge.Get(ctx, table, key)
}

// Subscribe streams sequenced change events for tables (all when empty)
// until ctx is done. Without realtime the channel only closes.
func (e *Engine) Subscribe(ctx context.Context, tables []types.TableDescriptor) <-chan types.ChangeEvent {
	if e.sub != nil {
		return e.sub.Subscribe(ctx, tables)
	}
	ch := make(chan types.ChangeEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// Watch returns a channel that receives a signal whenever the status may
// have changed: a resync starting or finishing, or a connection transition.
// Signals coalesce; the channel closes when ctx is done.
func (e *Engine) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	e.watchers[ch] = struct{}{}
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.mu.Lock()
		delete(e.watchers, ch)
		close(ch)
		e.mu.Unlock()
	}()
	return ch
}

func (e *Engine) notify() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (e *Engine) resyncFinished(s *types.SyncSession) {
	if s.Status == types.SessionFailed {
		e.logger.Warn("resync finished with failures",
			zap.String("session", s.ID),
			zap.Strings("failed_tables", s.FailedTables()))
	}
	e.updateCacheMetrics(context.Background())
	e.notify()
}

func (e *Engine) cacheStats(ctx context.Context) map[string]int {
	stats := make(map[string]int, len(e.tables))
	for _, td := range e.tables {
		n, err := e.store.Count(ctx, td.Name)
		if err != nil {
			e.logger.Debug("counting cache rows", zap.String("table", td.Name), zap.Error(err))
			continue
		}
		stats[td.Name] = n
	}
	return stats
}

func (e *Engine) updateCacheMetrics(ctx context.Context) {
	for table, n := range e.cacheStats(ctx) {
		e.metrics.SetCacheRows(table, n)
	}
}
