package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// writeWait bounds control and subscribe writes.
const writeWait = 10 * time.Second

// WebsocketTransport dials a websocket endpoint that streams change frames.
type WebsocketTransport struct {
	URL              string
	Header           http.Header
	HeartbeatTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
}

var _ types.Transport = (*WebsocketTransport)(nil)

// NewWebsocketTransport returns a transport for url using cfg's heartbeat.
func NewWebsocketTransport(cfg types.RealtimeConfig, logger *zap.Logger) *WebsocketTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketTransport{
		URL:              cfg.URL,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		Dialer:           websocket.DefaultDialer,
		Logger:           logger,
	}
}

// Connect dials the endpoint and sends a subscribe frame naming tables.
func (t *WebsocketTransport) Connect(ctx context.Context, tables []types.TableDescriptor) (types.Stream, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial %s: %s", types.ErrRemoteUnavailable, t.URL, resp.Status)
		}
		return nil, fmt.Errorf("%w: dial %s: %w", types.ErrRemoteUnavailable, t.URL, err)
	}

	sub := Frame{Type: FrameSubscribe, Tables: types.TableNames(tables)}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: subscribe: %w", types.ErrRemoteUnavailable, err)
	}

	s := &wsStream{
		conn:      conn,
		heartbeat: t.HeartbeatTimeout,
		frames:    make(chan types.ChangeEvent, observerBuffer),
		done:      make(chan struct{}),
		logger:    t.Logger,
	}
	s.extendDeadline()
	conn.SetPingHandler(func(data string) error {
		s.extendDeadline()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	go s.readLoop()
	return s, nil
}

type wsStream struct {
	conn      *websocket.Conn
	heartbeat time.Duration
	frames    chan types.ChangeEvent
	done      chan struct{}
	logger    *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func (s *wsStream) extendDeadline() {
	if s.heartbeat > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.heartbeat))
	}
}

// readLoop pumps decoded change frames into s.frames until the connection
// fails, then records the error and closes done.
func (s *wsStream) readLoop() {
	defer close(s.done)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		s.extendDeadline()

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			s.logger.Warn("invalid realtime frame", zap.Error(err))
			continue
		}
		switch f.Type {
		case FrameChange:
			var c Change
			if err := json.Unmarshal(f.Data, &c); err != nil {
				s.logger.Warn("invalid change frame", zap.Error(err))
				continue
			}
			ev, err := c.Event()
			if err != nil {
				s.logger.Warn("invalid change frame", zap.Error(err))
				continue
			}
			select {
			case s.frames <- ev:
			default:
				s.fail(fmt.Errorf("%w: event buffer overflow", types.ErrEventsLost))
				return
			}
		case FramePing:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := s.conn.WriteJSON(Frame{Type: FramePong})
			s.writeMu.Unlock()
			if err != nil {
				s.fail(err)
				return
			}
		case FrameError:
			s.fail(fmt.Errorf("server error: %s", f.Message))
			return
		case FrameSubscribed, FramePong:
		default:
			s.logger.Debug("ignoring realtime frame", zap.String("type", f.Type))
		}
	}
}

func (s *wsStream) fail(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = fmt.Errorf("%w: %w", types.ErrSubscriptionDropped, err)
	}
}

func (s *wsStream) Recv(ctx context.Context) (types.ChangeEvent, error) {
	select {
	case ev := <-s.frames:
		return ev, nil
	case <-s.done:
		select {
		case ev := <-s.frames:
			return ev, nil
		default:
		}
		s.errMu.Lock()
		defer s.errMu.Unlock()
		return types.ChangeEvent{}, s.err
	case <-ctx.Done():
		return types.ChangeEvent{}, ctx.Err()
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
