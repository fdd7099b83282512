package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Op is the kind of change carried by a ChangeEvent.
type Op string

// Change operations.
const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Record and event errors.
var (
	ErrInvalidKey   = errors.New("invalid record key")
	ErrInvalidEvent = errors.New("invalid change event")
	ErrInvalidOp    = errors.New("invalid change op")
)

// ParseOp maps wire spellings (lowercase, uppercase, and the Postgres
// TG_OP names) onto an Op.
func ParseOp(s string) (Op, error) {
	switch s {
	case "insert", "INSERT", "Insert":
		return OpInsert, nil
	case "update", "UPDATE", "Update":
		return OpUpdate, nil
	case "delete", "DELETE", "Delete":
		return OpDelete, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidOp, s)
}

// Cursor is a position in a table's (version, key) order. The zero Cursor
// means "from the beginning".
type Cursor struct {
	Version int64  `json:"version"`
	Key     string `json:"key"`
}

// IsZero reports whether c is the starting cursor.
func (c Cursor) IsZero() bool {
	return c.Version == 0 && c.Key == ""
}

// After reports whether the position (version, key) sorts strictly after c.
func (c Cursor) After(version int64, key string) bool {
	if version != c.Version {
		return version > c.Version
	}
	return key > c.Key
}

// CacheRecord is the generic wrapper stored per row. For a given (Table,
// Key) at most one CacheRecord exists and its RemoteVersion is the greatest
// version observed locally.
type CacheRecord struct {
	Table          string          `json:"table"`
	Key            string          `json:"key"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	RemoteVersion  int64           `json:"remote_version"`
	LocalWrittenAt time.Time       `json:"local_written_at"`

	// Deleted marks a tombstone: the record was deleted at RemoteVersion.
	Deleted bool `json:"deleted,omitempty"`
}

// Fields decodes the payload into a generic field map. A tombstone or empty
// payload yields an empty map.
func (r CacheRecord) Fields() (map[string]any, error) {
	fields := make(map[string]any)
	if len(r.Payload) == 0 || string(r.Payload) == "null" {
		return fields, nil
	}
	if err := json.Unmarshal(r.Payload, &fields); err != nil {
		return nil, fmt.Errorf("decoding payload of %s/%s: %w", r.Table, r.Key, err)
	}
	return fields, nil
}

// ChangeEvent is one remote insert, update or delete. Events are ephemeral:
// the sequencer applies or discards them.
type ChangeEvent struct {
	Table         string          `json:"table"`
	Op            Op              `json:"op"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RemoteVersion int64           `json:"version"`
	ReceivedAt    time.Time       `json:"received_at"`
}

// Validate checks that the event can be applied.
func (e ChangeEvent) Validate() error {
	if e.Table == "" {
		return fmt.Errorf("%w: missing table", ErrInvalidEvent)
	}
	if e.Key == "" {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, ErrInvalidKey)
	}
	switch e.Op {
	case OpInsert, OpUpdate:
		if len(e.Payload) == 0 {
			return fmt.Errorf("%w: %s without payload", ErrInvalidEvent, e.Op)
		}
	case OpDelete:
	default:
		return fmt.Errorf("%w: %w %q", ErrInvalidEvent, ErrInvalidOp, e.Op)
	}
	if e.RemoteVersion <= 0 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidEvent)
	}
	return nil
}

// Record converts the event into the CacheRecord it would store.
func (e ChangeEvent) Record() CacheRecord {
	r := CacheRecord{
		Table:         e.Table,
		Key:           e.Key,
		RemoteVersion: e.RemoteVersion,
		Deleted:       e.Op == OpDelete,
	}
	if !r.Deleted {
		r.Payload = e.Payload
	}
	return r
}
