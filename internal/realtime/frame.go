package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// Frame types on the websocket change channel.
const (
	FrameSubscribe  = "subscribe"
	FrameSubscribed = "subscribed"
	FrameChange     = "change"
	FramePing       = "ping"
	FramePong       = "pong"
	FrameError      = "error"
)

// Frame is one JSON message on the websocket change channel.
type Frame struct {
	Type    string          `json:"type"`
	Tables  []string        `json:"tables,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Change is the data of a change frame and the payload of a Postgres
// notification.
type Change struct {
	Table   string          `json:"table"`
	Op      string          `json:"op"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version int64           `json:"version"`
}

// Event converts the wire change into a ChangeEvent.
func (c Change) Event() (types.ChangeEvent, error) {
	op, err := types.ParseOp(c.Op)
	if err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: %w", types.ErrInvalidEvent, err)
	}
	ev := types.ChangeEvent{
		Table:         c.Table,
		Op:            op,
		Key:           c.Key,
		RemoteVersion: c.Version,
	}
	if op != types.OpDelete && len(c.Payload) > 0 && string(c.Payload) != "null" {
		ev.Payload = c.Payload
	}
	return ev, nil
}

// ChangeFrame builds the change frame for ev.
func ChangeFrame(ev types.ChangeEvent) (Frame, error) {
	data, err := json.Marshal(Change{
		Table:   ev.Table,
		Op:      string(ev.Op),
		Key:     ev.Key,
		Payload: ev.Payload,
		Version: ev.RemoteVersion,
	})
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: FrameChange, Data: data}, nil
}
