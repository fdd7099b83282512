package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// pingInterval is how often an idle listener checks its connection.
const pingInterval = 90 * time.Second

// PGNotifyTransport receives changes from Postgres LISTEN/NOTIFY. The remote
// schema's triggers notify Channel with a JSON Change per row write.
//
// Notifications are limited to 8000 bytes, so the triggers omit the payload
// of large rows. When Lister is set such rows are fetched by version;
// otherwise they are dropped and left to the next catch-up.
type PGNotifyTransport struct {
	DSN          string
	Channel      string
	MinReconnect time.Duration
	MaxReconnect time.Duration
	Lister       types.Lister
	Logger       *zap.Logger
}

var _ types.Transport = (*PGNotifyTransport)(nil)

// NewPGNotifyTransport returns a transport for cfg. cfg.DSN falls back to
// remoteDSN.
func NewPGNotifyTransport(cfg types.RealtimeConfig, remoteDSN string, lister types.Lister, logger *zap.Logger) *PGNotifyTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := cfg.DSN
	if dsn == "" {
		dsn = remoteDSN
	}
	channel := cfg.Channel
	if channel == "" {
		channel = types.DefaultNotifyChannel
	}
	return &PGNotifyTransport{
		DSN:          dsn,
		Channel:      channel,
		MinReconnect: max(cfg.InitialReconnectInterval, 100*time.Millisecond),
		MaxReconnect: max(cfg.MaxReconnectInterval, time.Second),
		Lister:       lister,
		Logger:       logger,
	}
}

// Connect opens a listener and waits for its first connection attempt.
func (t *PGNotifyTransport) Connect(ctx context.Context, tables []types.TableDescriptor) (types.Stream, error) {
	events := make(chan pq.ListenerEventType, 8)
	listener := pq.NewListener(t.DSN, t.MinReconnect, t.MaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			t.Logger.Debug("listener event", zap.Int("event", int(ev)), zap.Error(err))
		}
		select {
		case events <- ev:
		default:
		}
	})

	select {
	case ev := <-events:
		if ev == pq.ListenerEventConnectionAttemptFailed {
			listener.Close()
			return nil, fmt.Errorf("%w: listen connection failed", types.ErrRemoteUnavailable)
		}
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}

	if err := listener.Listen(t.Channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: listen %s: %w", types.ErrRemoteUnavailable, t.Channel, err)
	}

	s := &pgStream{
		listener: listener,
		tables:   make(map[string]types.TableDescriptor, len(tables)),
		lister:   t.Lister,
		logger:   t.Logger,
	}
	for _, td := range tables {
		s.tables[td.Name] = td
	}
	return s, nil
}

type pgStream struct {
	listener *pq.Listener
	tables   map[string]types.TableDescriptor
	lister   types.Lister
	logger   *zap.Logger
}

func (s *pgStream) Recv(ctx context.Context) (types.ChangeEvent, error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-s.listener.Notify:
			if !ok {
				return types.ChangeEvent{}, fmt.Errorf("%w: listener closed", types.ErrSubscriptionDropped)
			}
			if n == nil {
				// The listener reconnected on its own; notifications sent
				// in between are lost.
				return types.ChangeEvent{}, fmt.Errorf("%w: %w: listener reconnected", types.ErrSubscriptionDropped, types.ErrEventsLost)
			}
			ev, ok, err := s.decode(ctx, n.Extra)
			if err != nil {
				s.logger.Warn("invalid notification", zap.Error(err))
				continue
			}
			if ok {
				return ev, nil
			}
		case <-ticker.C:
			if err := s.listener.Ping(); err != nil {
				return types.ChangeEvent{}, fmt.Errorf("%w: %w", types.ErrSubscriptionDropped, err)
			}
		case <-ctx.Done():
			return types.ChangeEvent{}, ctx.Err()
		}
	}
}

// decode turns a notification payload into an event for a subscribed table.
// ok is false for tables outside the subscription.
func (s *pgStream) decode(ctx context.Context, extra string) (types.ChangeEvent, bool, error) {
	var c Change
	if err := json.Unmarshal([]byte(extra), &c); err != nil {
		return types.ChangeEvent{}, false, err
	}
	td, subscribed := s.tables[c.Table]
	if !subscribed {
		return types.ChangeEvent{}, false, nil
	}
	ev, err := c.Event()
	if err != nil {
		return types.ChangeEvent{}, false, err
	}
	if ev.Op != types.OpDelete && len(ev.Payload) == 0 {
		payload, err := s.fetch(ctx, td, ev)
		if err != nil {
			return types.ChangeEvent{}, false, err
		}
		ev.Payload = payload
	}
	return ev, true, nil
}

var errNoPayload = errors.New("notification without payload")

// fetch reads the row at the event's version through the list API.
func (s *pgStream) fetch(ctx context.Context, td types.TableDescriptor, ev types.ChangeEvent) (json.RawMessage, error) {
	if s.lister == nil {
		return nil, errNoPayload
	}
	page, err := s.lister.List(ctx, td, types.Cursor{Version: ev.RemoteVersion - 1, Key: "\U0010FFFF"}, 1)
	if err != nil {
		return nil, fmt.Errorf("fetching %s/%s: %w", ev.Table, ev.Key, err)
	}
	if len(page.Rows) == 0 || page.Rows[0].Key != ev.Key || page.Rows[0].RemoteVersion != ev.RemoteVersion {
		// The row moved on; a later notification carries the newer state.
		return nil, fmt.Errorf("%w: %s/%s@%d superseded", errNoPayload, ev.Table, ev.Key, ev.RemoteVersion)
	}
	return page.Rows[0].Payload, nil
}

func (s *pgStream) Close() error {
	return s.listener.Close()
}
