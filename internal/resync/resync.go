// Package resync pulls every configured table from the remote list API into
// the cache in cursor-ordered pages. At most one run is active at a time;
// triggers arriving during a run join it.
package resync

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/depot/internal/logging"
	"github.com/mesh-intelligence/depot/internal/metrics"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// Store is the part of the cache the resyncer writes.
type Store interface {
	UpsertMany(ctx context.Context, table string, records []types.CacheRecord) (int, error)
	Sweep(ctx context.Context, table string, cutoff time.Time, maxVersion int64) (int, error)
	SaveSession(ctx context.Context, s *types.SyncSession) error
}

// saveTimeout bounds persisting a finished session during shutdown.
const saveTimeout = 5 * time.Second

// Resyncer runs full resyncs. Runs use the resyncer's own context, so a
// caller cannot cancel a run; Close does.
type Resyncer struct {
	store   Store
	lister  types.Lister
	tables  []types.TableDescriptor
	cfg     types.SyncConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	active   *run
	last     *types.SyncSession
	closed   bool
	onFinish []func(*types.SyncSession)
}

// run is one in-flight session. mu guards session; done closes when the run
// has finished, been recorded as last and run the finish hooks.
type run struct {
	mu      sync.Mutex
	session *types.SyncSession
	done    chan struct{}
}

func (ru *run) snapshot() *types.SyncSession {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	return ru.session.Clone()
}

func (ru *run) update(fn func(s *types.SyncSession)) {
	ru.mu.Lock()
	defer ru.mu.Unlock()
	fn(ru.session)
}

// Option configures a Resyncer.
type Option func(*Resyncer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resyncer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics records page retries, rows and session durations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resyncer) { r.metrics = m }
}

// WithClock overrides the session clock.
func WithClock(now func() time.Time) Option {
	return func(r *Resyncer) {
		if now != nil {
			r.now = now
		}
	}
}

// WithLastSession seeds the last finished session, typically loaded from the
// store at startup.
func WithLastSession(s *types.SyncSession) Option {
	return func(r *Resyncer) { r.last = s.Clone() }
}

// OnFinish registers fn to run after every session finishes, before
// waiters are released.
func OnFinish(fn func(*types.SyncSession)) Option {
	return func(r *Resyncer) { r.onFinish = append(r.onFinish, fn) }
}

// New returns a Resyncer for tables. cfg must pass SyncConfig.Validate.
func New(store Store, lister types.Lister, tables []types.TableDescriptor, cfg types.SyncConfig, opts ...Option) *Resyncer {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resyncer{
		store:  store,
		lister: lister,
		tables: append([]types.TableDescriptor(nil), tables...),
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Trigger starts a resync of tables (all configured tables when empty) and
// returns immediately. When a run is already active it returns that run's
// session instead of starting another. It returns nil after Close.
func (r *Resyncer) Trigger(trigger string, tables []types.TableDescriptor) *types.SyncSession {
	ru, err := r.start(trigger, tables)
	if err != nil {
		return nil
	}
	return ru.snapshot()
}

// RunFullResync starts or joins a resync and waits for it to finish. It
// returns early with ctx's error if ctx is done first; the run continues.
func (r *Resyncer) RunFullResync(ctx context.Context, trigger string, tables []types.TableDescriptor) (*types.SyncSession, error) {
	ru, err := r.start(trigger, tables)
	if err != nil {
		return nil, err
	}
	select {
	case <-ru.done:
		return ru.snapshot(), nil
	case <-ctx.Done():
		return ru.snapshot(), ctx.Err()
	}
}

// Active returns a snapshot of the running session, or nil.
func (r *Resyncer) Active() *types.SyncSession {
	r.mu.Lock()
	ru := r.active
	r.mu.Unlock()
	if ru == nil {
		return nil
	}
	return ru.snapshot()
}

// Last returns the most recently finished session, or nil.
func (r *Resyncer) Last() *types.SyncSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last.Clone()
}

// Wait blocks until the active run, if any, has finished or ctx is done.
func (r *Resyncer) Wait(ctx context.Context) error {
	r.mu.Lock()
	ru := r.active
	r.mu.Unlock()
	if ru == nil {
		return nil
	}
	select {
	case <-ru.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels any active run and waits for it to record its result.
// Tables still paging are marked failed.
func (r *Resyncer) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Resyncer) start(trigger string, tables []types.TableDescriptor) (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, types.ErrResyncerClosed
	}
	if r.active != nil {
		r.logger.Debug("resync already running, joining",
			zap.String("session", r.active.session.ID), zap.String("trigger", trigger))
		return r.active, nil
	}
	if len(tables) == 0 {
		tables = r.tables
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	session := &types.SyncSession{
		ID:        id.String(),
		Trigger:   trigger,
		Status:    types.SessionPending,
		StartedAt: r.now(),
		Tables:    make([]types.TableProgress, len(tables)),
	}
	for i, td := range tables {
		session.Tables[i] = types.TableProgress{Table: td.Name, RowsTotal: -1}
	}

	ru := &run{session: session, done: make(chan struct{})}
	r.active = ru
	r.wg.Add(1)
	go r.execute(ru, append([]types.TableDescriptor(nil), tables...))
	return ru, nil
}

func (r *Resyncer) execute(ru *run, tables []types.TableDescriptor) {
	defer r.wg.Done()

	ru.update(func(s *types.SyncSession) { s.Status = types.SessionRunning })
	started := ru.snapshot().StartedAt
	log := r.logger.With(zap.String("session", ru.session.ID))
	log.Info("resync started", zap.Int("tables", len(tables)))

	var g errgroup.Group
	g.SetLimit(max(r.cfg.Parallelism, 1))
	for i, td := range tables {
		g.Go(func() error {
			r.syncTable(r.ctx, ru, i, td, started, log)
			return nil
		})
	}
	_ = g.Wait()

	var final *types.SyncSession
	ru.update(func(s *types.SyncSession) {
		s.Status = types.SessionCompleted
		for _, tp := range s.Tables {
			if !tp.Done {
				s.Status = types.SessionFailed
			}
		}
		s.FinishedAt = r.now()
		final = s.Clone()
	})

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), saveTimeout)
	if err := r.store.SaveSession(saveCtx, final); err != nil {
		log.Warn("saving session summary failed", zap.Error(err))
	}
	cancel()

	elapsed := final.FinishedAt.Sub(final.StartedAt)
	r.metrics.ObserveResync(string(final.Status), elapsed)
	log.Info("resync finished", logging.Values(
		zap.String("status", string(final.Status)),
		zap.Duration("elapsed", elapsed),
		zap.Strings("failed_tables", final.FailedTables()),
	))

	r.mu.Lock()
	r.active = nil
	r.last = final
	hooks := r.onFinish
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(final.Clone())
	}
	close(ru.done)
}

func (r *Resyncer) syncTable(ctx context.Context, ru *run, i int, td types.TableDescriptor, started time.Time, log *zap.Logger) {
	log = log.With(zap.String("table", td.Name))
	pageSize := td.PageSize
	if pageSize <= 0 {
		pageSize = r.cfg.PageSize
	}

	fail := func(err error) {
		msg := fmt.Errorf("%w: %s: %w", types.ErrTableResyncFailed, td.Name, err).Error()
		ru.update(func(s *types.SyncSession) {
			s.Tables[i].Failed = true
			s.Tables[i].Err = msg
		})
		r.metrics.IncTableFailure(td.Name)
		log.Warn("table resync failed", zap.Error(err))
	}

	if c, ok := r.lister.(types.Counter); ok {
		countCtx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
		total, err := c.Count(countCtx, td)
		cancel()
		if err != nil {
			log.Debug("remote count unavailable", zap.Error(err))
		} else {
			ru.update(func(s *types.SyncSession) { s.Tables[i].RowsTotal = total })
		}
	}

	var (
		cursor  types.Cursor
		maxSeen int64
	)
	for {
		page, err := r.fetchPage(ctx, td, cursor, pageSize, log)
		if err != nil {
			fail(err)
			return
		}
		for j := range page.Rows {
			page.Rows[j].Table = td.Name
			maxSeen = max(maxSeen, page.Rows[j].RemoteVersion)
		}
		if len(page.Rows) > 0 {
			if _, err := r.store.UpsertMany(ctx, td.Name, page.Rows); err != nil {
				fail(err)
				return
			}
		}
		n := len(page.Rows)
		ru.update(func(s *types.SyncSession) { s.Tables[i].RowsFetched += int64(n) })
		r.metrics.AddRowsFetched(td.Name, n)

		if !page.HasMore || n < pageSize || page.Next == cursor {
			break
		}
		cursor = page.Next
	}

	if r.cfg.PruneMissing {
		if maxSeen == 0 {
			maxSeen = math.MaxInt64
		}
		if _, err := r.store.Sweep(ctx, td.Name, started, maxSeen); err != nil {
			fail(err)
			return
		}
	}
	ru.update(func(s *types.SyncSession) { s.Tables[i].Done = true })
	log.Debug("table resync done")
}

// fetchPage lists one page, retrying failures and timeouts with exponential
// backoff up to MaxPageRetries times.
func (r *Resyncer) fetchPage(ctx context.Context, td types.TableDescriptor, cursor types.Cursor, pageSize int, log *zap.Logger) (types.RemotePage, error) {
	var page types.RemotePage
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.PageTimeout)
		defer cancel()

		p, err := r.lister.List(callCtx, td, cursor, pageSize)
		if err == nil {
			page = p
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, types.ErrTableNotFound) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, types.ErrRemoteUnavailable) {
			return fmt.Errorf("listing %s after %d/%q: %w", td.Name, cursor.Version, cursor.Key, err)
		}
		return fmt.Errorf("listing %s after %d/%q: %w: %w", td.Name, cursor.Version, cursor.Key, types.ErrRemoteUnavailable, err)
	}
	notify := func(err error, wait time.Duration) {
		r.metrics.IncPageRetry(td.Name)
		log.Warn("page failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(max(r.cfg.MaxPageRetries, 0))), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return types.RemotePage{}, err
	}
	return page, nil
}

func (r *Resyncer) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if r.cfg.InitialBackoff > 0 {
		eb.InitialInterval = r.cfg.InitialBackoff
	}
	if r.cfg.MaxBackoff > 0 {
		eb.MaxInterval = r.cfg.MaxBackoff
	}
	eb.MaxElapsedTime = 0
	return eb
}
