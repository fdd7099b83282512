// Package sequencer arbitrates realtime change events against the cache by
// remote version. An event is written only when its version is strictly
// greater than the stored one; arrival order never decides.
package sequencer

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/metrics"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// Outcome is the result of applying one event.
type Outcome int

// Apply outcomes. Superseded is not an error.
const (
	Applied Outcome = iota
	Superseded
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Superseded:
		return "superseded"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Store is the version-checked write contract the sequencer needs.
type Store interface {
	ApplyIfNewer(ctx context.Context, table string, record types.CacheRecord) (bool, error)
	Delete(ctx context.Context, table, key string, version int64) (bool, error)
}

// Stats counts outcomes since the sequencer was created.
type Stats struct {
	Applied    int64 `json:"applied"`
	Superseded int64 `json:"superseded"`
}

// Sequencer holds no state besides its counters.
type Sequencer struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	applied    atomic.Int64
	superseded atomic.Int64
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics records outcomes in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sequencer) { s.metrics = m }
}

// New returns a Sequencer writing to store.
func New(store Store, opts ...Option) *Sequencer {
	s := &Sequencer{store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply writes ev when its version exceeds the stored version for its key,
// or the key has never been seen. Deletes leave a tombstone at the event
// version. Invalid events return an error wrapping types.ErrInvalidEvent.
func (s *Sequencer) Apply(ctx context.Context, ev types.ChangeEvent) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Superseded, err
	}

	var (
		ok  bool
		err error
	)
	if ev.Op == types.OpDelete {
		ok, err = s.store.Delete(ctx, ev.Table, ev.Key, ev.RemoteVersion)
	} else {
		ok, err = s.store.ApplyIfNewer(ctx, ev.Table, ev.Record())
	}
	if err != nil {
		return Superseded, fmt.Errorf("applying %s %s/%s@%d: %w", ev.Op, ev.Table, ev.Key, ev.RemoteVersion, err)
	}

	s.metrics.ObserveEvent(ev.Table, string(ev.Op), ok)
	if !ok {
		s.superseded.Add(1)
		s.logger.Debug("event superseded",
			zap.String("table", ev.Table),
			zap.String("key", ev.Key),
			zap.String("op", string(ev.Op)),
			zap.Int64("version", ev.RemoteVersion))
		return Superseded, nil
	}
	s.applied.Add(1)
	return Applied, nil
}

// ApplyRecord sequences a row pulled by a catch-up list call. Deleted rows
// become delete events and live rows update events.
func (s *Sequencer) ApplyRecord(ctx context.Context, table string, r types.CacheRecord) (Outcome, error) {
	ev := types.ChangeEvent{
		Table:         table,
		Op:            types.OpUpdate,
		Key:           r.Key,
		Payload:       r.Payload,
		RemoteVersion: r.RemoteVersion,
	}
	if r.Deleted {
		ev.Op = types.OpDelete
		ev.Payload = nil
	}
	return s.Apply(ctx, ev)
}

// Stats returns the outcome counters.
func (s *Sequencer) Stats() Stats {
	return Stats{Applied: s.applied.Load(), Superseded: s.superseded.Load()}
}
