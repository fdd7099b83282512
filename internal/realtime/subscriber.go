// Package realtime keeps a long-lived subscription to the remote change
// channel. Incoming events go through the sequencer. After a reconnect that
// follows a long enough gap, or a drop that discarded events, a catch-up
// pull from the cache's max version runs before live events resume.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/metrics"
	"github.com/mesh-intelligence/depot/internal/sequencer"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// observerBuffer is the capacity of each Subscribe channel. Events for a
// full channel are dropped.
const observerBuffer = 256

// defaultPageTimeout bounds each catch-up list call.
const defaultPageTimeout = 15 * time.Second

// Applier hands events and catch-up rows to the sequencer.
type Applier interface {
	Apply(ctx context.Context, ev types.ChangeEvent) (sequencer.Outcome, error)
	ApplyRecord(ctx context.Context, table string, r types.CacheRecord) (sequencer.Outcome, error)
}

// VersionSource reports the catch-up cursor of a table.
type VersionSource interface {
	MaxVersion(ctx context.Context, table string) (int64, error)
}

// Subscriber owns the ConnectionState. Run drives it; the other methods are
// safe to call concurrently.
type Subscriber struct {
	transport types.Transport
	lister    types.Lister
	versions  VersionSource
	seq       Applier
	tables    []types.TableDescriptor
	cfg       types.RealtimeConfig

	logger      *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
	pageTimeout time.Duration
	pageSize    int
	stateHooks  []func(types.ConnectionState)

	mu            sync.RWMutex
	state         types.ConnectionState
	everConnected bool
	freshAt       time.Time
	// eventsLost forces a catch-up on the next connect. It is set when the
	// stream dropped events or an event could not be applied.
	eventsLost bool
	observers  map[*observer]struct{}
}

type observer struct {
	ch     chan types.ChangeEvent
	tables map[string]bool
}

// Option configures a Subscriber.
type Option func(*Subscriber)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Subscriber) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records connection state and catch-up rows in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Subscriber) { s.metrics = m }
}

// WithClock overrides the clock used for the freshness check.
func WithClock(now func() time.Time) Option {
	return func(s *Subscriber) {
		if now != nil {
			s.now = now
		}
	}
}

// WithPageTimeout bounds each catch-up list call.
func WithPageTimeout(d time.Duration) Option {
	return func(s *Subscriber) {
		if d > 0 {
			s.pageTimeout = d
		}
	}
}

// WithPageSize sets the catch-up page size for tables whose descriptor does
// not set one.
func WithPageSize(n int) Option {
	return func(s *Subscriber) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// OnStateChange registers fn to receive every ConnectionState transition.
func OnStateChange(fn func(types.ConnectionState)) Option {
	return func(s *Subscriber) { s.stateHooks = append(s.stateHooks, fn) }
}

// New returns a disconnected Subscriber for tables.
func New(transport types.Transport, lister types.Lister, versions VersionSource, seq Applier,
	tables []types.TableDescriptor, cfg types.RealtimeConfig, opts ...Option) *Subscriber {
	s := &Subscriber{
		transport:   transport,
		lister:      lister,
		versions:    versions,
		seq:         seq,
		tables:      append([]types.TableDescriptor(nil), tables...),
		cfg:         cfg,
		logger:      zap.NewNop(),
		now:         time.Now,
		pageTimeout: defaultPageTimeout,
		pageSize:    types.DefaultPageSize,
		observers:   make(map[*observer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ConnectionState returns a copy of the current state.
func (s *Subscriber) ConnectionState() types.ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Subscribe returns a channel of events for tables (all tables when empty)
// that were handed to the sequencer, applied or not. The channel closes when
// ctx is done. Slow readers miss events.
func (s *Subscriber) Subscribe(ctx context.Context, tables []types.TableDescriptor) <-chan types.ChangeEvent {
	o := &observer{ch: make(chan types.ChangeEvent, observerBuffer)}
	if len(tables) > 0 {
		o.tables = make(map[string]bool, len(tables))
		for _, td := range tables {
			o.tables[td.Name] = true
		}
	}
	s.mu.Lock()
	s.observers[o] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.observers, o)
		close(o.ch)
		s.mu.Unlock()
	}()
	return o.ch
}

// Run connects and consumes the change stream until ctx is done,
// reconnecting with exponential backoff bounded by MaxReconnectInterval.
func (s *Subscriber) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	if s.cfg.InitialReconnectInterval > 0 {
		bo.InitialInterval = s.cfg.InitialReconnectInterval
	}
	if s.cfg.MaxReconnectInterval > 0 {
		bo.MaxInterval = s.cfg.MaxReconnectInterval
	}
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		err := s.connectAndConsume(ctx, bo)
		if ctx.Err() != nil {
			s.setState(func(st *types.ConnectionState) {
				if st.Connected {
					st.LastDisconnectAt = s.now()
				}
				st.Connected = false
				st.CatchingUp = false
			})
			return nil
		}

		wait := bo.NextBackOff()
		s.setState(func(st *types.ConnectionState) {
			if st.Connected {
				st.LastDisconnectAt = s.now()
			}
			st.Connected = false
			st.CatchingUp = false
			st.RetryAttempt++
			if err != nil {
				st.LastError = err.Error()
			}
		})
		s.metrics.IncReconnect()
		s.logger.Warn("realtime disconnected",
			zap.Error(err),
			zap.Duration("retry_in", wait),
			zap.Int("attempt", s.ConnectionState().RetryAttempt))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscriber) connectAndConsume(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	stream, err := s.transport.Connect(ctx, s.tables)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer stream.Close()

	s.mu.Lock()
	reconnect := s.everConnected
	s.everConnected = true
	fresh := s.freshAt
	lost := s.eventsLost
	s.mu.Unlock()

	now := s.now()
	needCatchUp := reconnect && (lost || fresh.IsZero() || now.Sub(fresh) > s.cfg.FreshnessThreshold)

	s.setState(func(st *types.ConnectionState) {
		st.Connected = true
		st.LastConnectAt = now
		st.RetryAttempt = 0
		st.LastError = ""
		st.CatchingUp = needCatchUp
	})
	bo.Reset()
	s.logger.Info("realtime connected", zap.Bool("catch_up", needCatchUp))

	if needCatchUp {
		if err := s.catchUp(ctx); err != nil {
			return fmt.Errorf("catching up: %w", err)
		}
		s.mu.Lock()
		s.freshAt = s.now()
		s.eventsLost = false
		s.mu.Unlock()
		s.setState(func(st *types.ConnectionState) { st.CatchingUp = false })
	}

	for {
		ev, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, types.ErrEventsLost) {
				s.markLost()
			}
			if !errors.Is(err, types.ErrSubscriptionDropped) {
				err = fmt.Errorf("%w: %w", types.ErrSubscriptionDropped, err)
			}
			return err
		}
		if err := s.handle(ctx, ev); err != nil {
			if ctx.Err() == nil {
				s.markLost()
			}
			return err
		}
	}
}

func (s *Subscriber) handle(ctx context.Context, ev types.ChangeEvent) error {
	now := s.now()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	s.mu.Lock()
	s.freshAt = now
	s.mu.Unlock()
	s.setState(func(st *types.ConnectionState) { st.LastEventAt = now })

	out, err := s.seq.Apply(ctx, ev)
	switch {
	case errors.Is(err, types.ErrInvalidEvent), errors.Is(err, types.ErrTableNotFound):
		s.logger.Warn("dropping change event", zap.Error(err), zap.String("table", ev.Table))
		return nil
	case err != nil:
		return err
	}
	s.logger.Debug("change event",
		zap.String("table", ev.Table),
		zap.String("key", ev.Key),
		zap.Int64("version", ev.RemoteVersion),
		zap.Stringer("outcome", out))
	s.publish(ev)
	return nil
}

func (s *Subscriber) markLost() {
	s.mu.Lock()
	s.eventsLost = true
	s.mu.Unlock()
}

// catchUp pulls every row changed since the cache's max version of each
// table and sequences it.
func (s *Subscriber) catchUp(ctx context.Context) error {
	for _, td := range s.tables {
		since, err := s.versions.MaxVersion(ctx, td.Name)
		if err != nil {
			return err
		}
		n, err := s.pull(ctx, td, types.Cursor{Version: since})
		if err != nil {
			return fmt.Errorf("%s: %w", td.Name, err)
		}
		s.metrics.AddCatchUpRows(td.Name, n)
		s.logger.Info("caught up", zap.String("table", td.Name), zap.Int64("since", since), zap.Int("rows", n))
	}
	return nil
}

func (s *Subscriber) pull(ctx context.Context, td types.TableDescriptor, cursor types.Cursor) (int, error) {
	pageSize := td.PageSize
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	total := 0
	for {
		callCtx, cancel := context.WithTimeout(ctx, s.pageTimeout)
		page, err := s.lister.List(callCtx, td, cursor, pageSize)
		cancel()
		if err != nil {
			return total, err
		}
		for _, r := range page.Rows {
			if _, err := s.seq.ApplyRecord(ctx, td.Name, r); err != nil {
				return total, err
			}
		}
		total += len(page.Rows)
		if !page.HasMore || len(page.Rows) < pageSize || page.Next == cursor {
			return total, nil
		}
		cursor = page.Next
	}
}

func (s *Subscriber) publish(ev types.ChangeEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for o := range s.observers {
		if o.tables != nil && !o.tables[ev.Table] {
			continue
		}
		select {
		case o.ch <- ev:
		default:
		}
	}
}

func (s *Subscriber) setState(fn func(st *types.ConnectionState)) {
	s.mu.Lock()
	before := s.state
	fn(&s.state)
	after := s.state
	hooks := s.stateHooks
	s.mu.Unlock()

	if before.Connected != after.Connected {
		s.metrics.SetRealtimeConnected(after.Connected)
	}
	if before != after {
		for _, fn := range hooks {
			fn(after)
		}
	}
}
