package types

import (
	"errors"
	"time"
)

// Realtime stream errors.
var (
	// ErrSubscriptionDropped reports that the realtime stream ended. The
	// subscriber recovers by reconnecting and catching up.
	ErrSubscriptionDropped = errors.New("subscription dropped")

	// ErrEventsLost marks a drop during which events were discarded while
	// the stream was live, such as a full buffer. The next connect always
	// catches up, however recent the last event.
	ErrEventsLost = errors.New("change events lost")
)

// ConnectionState is the realtime subscriber's view of the change channel.
// It starts disconnected and RetryAttempt resets to 0 on a clean connect.
type ConnectionState struct {
	Connected        bool      `json:"connected"`
	LastConnectAt    time.Time `json:"last_connect_at,omitempty"`
	LastDisconnectAt time.Time `json:"last_disconnect_at,omitempty"`
	LastEventAt      time.Time `json:"last_event_at,omitempty"`
	RetryAttempt     int       `json:"retry_attempt"`
	CatchingUp       bool      `json:"catching_up"`
	LastError        string    `json:"last_error,omitempty"`
}
