package types

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseOp(t *testing.T) {
	tests := []struct {
		in      string
		want    Op
		wantErr bool
	}{
		{"insert", OpInsert, false},
		{"UPDATE", OpUpdate, false},
		{"Delete", OpDelete, false},
		{"truncate", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOp(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidOp) {
					t.Fatalf("expected ErrInvalidOp, got %v", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseOp(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestCursorAfter(t *testing.T) {
	c := Cursor{Version: 10, Key: "b"}
	if !c.After(11, "a") {
		t.Fatal("higher version should sort after")
	}
	if !c.After(10, "c") {
		t.Fatal("same version, higher key should sort after")
	}
	if c.After(10, "b") {
		t.Fatal("cursor position itself is not after")
	}
	if c.After(9, "z") {
		t.Fatal("lower version should not sort after")
	}
	if !(Cursor{}).IsZero() || c.IsZero() {
		t.Fatal("IsZero mismatch")
	}
}

func TestChangeEventValidate(t *testing.T) {
	payload := json.RawMessage(`{"id":"p1"}`)
	tests := []struct {
		name    string
		event   ChangeEvent
		wantErr error
	}{
		{"valid insert", ChangeEvent{Table: "products", Op: OpInsert, Key: "p1", Payload: payload, RemoteVersion: 1}, nil},
		{"valid delete without payload", ChangeEvent{Table: "products", Op: OpDelete, Key: "p1", RemoteVersion: 2}, nil},
		{"missing table", ChangeEvent{Op: OpInsert, Key: "p1", Payload: payload, RemoteVersion: 1}, ErrInvalidEvent},
		{"missing key", ChangeEvent{Table: "products", Op: OpInsert, Payload: payload, RemoteVersion: 1}, ErrInvalidKey},
		{"update without payload", ChangeEvent{Table: "products", Op: OpUpdate, Key: "p1", RemoteVersion: 1}, ErrInvalidEvent},
		{"unknown op", ChangeEvent{Table: "products", Op: "merge", Key: "p1", RemoteVersion: 1}, ErrInvalidOp},
		{"zero version", ChangeEvent{Table: "products", Op: OpDelete, Key: "p1"}, ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestChangeEventRecord(t *testing.T) {
	ev := ChangeEvent{Table: "stores", Op: OpDelete, Key: "s1", Payload: json.RawMessage(`{"x":1}`), RemoteVersion: 7}
	rec := ev.Record()
	if !rec.Deleted || rec.Payload != nil || rec.RemoteVersion != 7 {
		t.Fatalf("unexpected tombstone record %+v", rec)
	}

	fields, err := rec.Fields()
	if err != nil || len(fields) != 0 {
		t.Fatalf("tombstone fields = %v, %v", fields, err)
	}

	live := CacheRecord{Table: "stores", Key: "s2", Payload: json.RawMessage(`{"name":"North","open":true}`)}
	fields, err = live.Fields()
	if err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if fields["name"] != "North" || fields["open"] != true {
		t.Fatalf("unexpected fields %v", fields)
	}
}
