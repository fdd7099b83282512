package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// Status feed timing.
const (
	syncingInterval = time.Second
	idleInterval    = 30 * time.Second
	writeTimeout    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// statusFrame is one message on the status feed.
type statusFrame struct {
	Type string       `json:"type"`
	Data types.Status `json:"data"`
}

// handleStatusWS pushes the status on connect, on every engine signal and
// periodically, every second while a resync runs.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	log := L(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()
	changes := s.engine.Watch(ctx)

	// The reader only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() (bool, error) {
		st := s.engine.Status(ctx)
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return st.IsSyncing, conn.WriteJSON(statusFrame{Type: "status", Data: st})
	}

	syncing, err := send()
	for err == nil {
		interval := idleInterval
		if syncing {
			interval = syncingInterval
		}
		timer := time.NewTimer(interval)
		select {
		case <-closed:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case _, ok := <-changes:
			if !ok {
				timer.Stop()
				return
			}
		case <-timer.C:
		}
		timer.Stop()
		syncing, err = send()
	}
	log.Debug("status feed closed", zap.Error(err))
}
