// Package memremote is an in-memory remote that serves both the paginated
// list API and the change feed. It backs depot serve --demo and the engine
// tests, and can simulate outages.
package memremote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mesh-intelligence/depot/pkg/types"
)

// streamBuffer is the number of undelivered events a stream holds before it
// is dropped as a slow consumer.
const streamBuffer = 1024

type row struct {
	key     string
	version int64
	payload json.RawMessage
	deleted bool
}

// Remote is safe for concurrent use.
type Remote struct {
	mu      sync.Mutex
	tables  map[string]map[string]*row
	version int64
	streams map[*stream]struct{}

	offline   bool
	failLists int
	listDelay time.Duration
	onList    func(table string, since types.Cursor)
	now       func() time.Time
}

var (
	_ types.Lister    = (*Remote)(nil)
	_ types.Counter   = (*Remote)(nil)
	_ types.Transport = (*Remote)(nil)
)

// New returns an empty remote holding the given tables.
func New(tables []types.TableDescriptor) *Remote {
	r := &Remote{
		tables:  make(map[string]map[string]*row, len(tables)),
		streams: make(map[*stream]struct{}),
		now:     time.Now,
	}
	for _, td := range tables {
		r.tables[td.Name] = make(map[string]*row)
	}
	return r
}

// Put inserts or updates key with payload at the next remote version and
// publishes the change to connected streams. It returns the new version.
func (r *Remote) Put(table, key string, payload json.RawMessage) (int64, error) {
	if key == "" {
		return 0, types.ErrInvalidKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, ok := r.tables[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrTableNotFound, table)
	}
	op := types.OpInsert
	if existing, ok := rows[key]; ok && !existing.deleted {
		op = types.OpUpdate
	}
	r.version++
	rows[key] = &row{key: key, version: r.version, payload: append(json.RawMessage(nil), payload...)}
	r.publishLocked(types.ChangeEvent{Table: table, Op: op, Key: key, Payload: payload, RemoteVersion: r.version})
	return r.version, nil
}

// PutValue marshals v and stores it with Put.
func (r *Remote) PutValue(table, key string, v any) (int64, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return r.Put(table, key, payload)
}

// Remove soft-deletes key at the next remote version and publishes a delete
// event. Removing an unknown key is a no-op returning version 0.
func (r *Remote) Remove(table, key string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, ok := r.tables[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrTableNotFound, table)
	}
	existing, ok := rows[key]
	if !ok || existing.deleted {
		return 0, nil
	}
	r.version++
	existing.version = r.version
	existing.deleted = true
	existing.payload = nil
	r.publishLocked(types.ChangeEvent{Table: table, Op: types.OpDelete, Key: key, RemoteVersion: r.version})
	return r.version, nil
}

// Purge hard-deletes key without a tombstone or event, as a remote that
// does not keep deleted rows would.
func (r *Remote) Purge(table, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tables[table], key)
}

// Version returns the latest remote version.
func (r *Remote) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// SetOffline simulates an outage. While offline, List, Count and Connect
// fail with ErrRemoteUnavailable and open streams are dropped; writes still
// succeed but their events are lost.
func (r *Remote) SetOffline(offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offline = offline
	if offline {
		r.dropStreamsLocked()
	}
}

// DropStreams closes every open stream as a server-initiated disconnect.
func (r *Remote) DropStreams() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropStreamsLocked()
}

// FailNextLists makes the next n List calls fail with ErrRemoteUnavailable.
func (r *Remote) FailNextLists(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failLists = n
}

// SetListDelay makes every List call wait d before answering.
func (r *Remote) SetListDelay(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listDelay = d
}

// OnList registers fn to run at the start of every List call, outside the
// remote's lock. Tests use it to interleave writes with paging.
func (r *Remote) OnList(fn func(table string, since types.Cursor)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onList = fn
}

// List returns rows after since in (version, key) order, tombstones
// included.
func (r *Remote) List(ctx context.Context, table types.TableDescriptor, since types.Cursor, pageSize int) (types.RemotePage, error) {
	r.mu.Lock()
	hook, delay := r.onList, r.listDelay
	r.mu.Unlock()

	if hook != nil {
		hook(table.Name, since)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return types.RemotePage{}, ctx.Err()
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.availableLocked(); err != nil {
		return types.RemotePage{}, err
	}
	if r.failLists > 0 {
		r.failLists--
		return types.RemotePage{}, fmt.Errorf("listing %s: %w", table.Name, types.ErrRemoteUnavailable)
	}
	rows, ok := r.tables[table.Name]
	if !ok {
		return types.RemotePage{}, fmt.Errorf("%w: %s", types.ErrTableNotFound, table.Name)
	}
	if pageSize <= 0 {
		pageSize = types.DefaultPageSize
	}

	var after []*row
	for _, rw := range rows {
		if since.After(rw.version, rw.key) {
			after = append(after, rw)
		}
	}
	sort.Slice(after, func(i, j int) bool {
		if after[i].version != after[j].version {
			return after[i].version < after[j].version
		}
		return after[i].key < after[j].key
	})

	page := types.RemotePage{Next: since}
	if len(after) > pageSize {
		after = after[:pageSize]
		page.HasMore = true
	}
	for _, rw := range after {
		page.Rows = append(page.Rows, types.CacheRecord{
			Table:         table.Name,
			Key:           rw.key,
			Payload:       append(json.RawMessage(nil), rw.payload...),
			RemoteVersion: rw.version,
			Deleted:       rw.deleted,
		})
	}
	if n := len(after); n > 0 {
		page.Next = types.Cursor{Version: after[n-1].version, Key: after[n-1].key}
	}
	return page, nil
}

// Count returns the number of live rows in table.
func (r *Remote) Count(ctx context.Context, table types.TableDescriptor) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.availableLocked(); err != nil {
		return 0, err
	}
	rows, ok := r.tables[table.Name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", types.ErrTableNotFound, table.Name)
	}
	var n int64
	for _, rw := range rows {
		if !rw.deleted {
			n++
		}
	}
	return n, nil
}

// Connect opens a change stream for tables.
func (r *Remote) Connect(ctx context.Context, tables []types.TableDescriptor) (types.Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.availableLocked(); err != nil {
		return nil, err
	}
	s := &stream{
		remote: r,
		tables: make(map[string]bool, len(tables)),
		events: make(chan types.ChangeEvent, streamBuffer),
		done:   make(chan struct{}),
	}
	for _, td := range tables {
		s.tables[td.Name] = true
	}
	r.streams[s] = struct{}{}
	return s, nil
}

func (r *Remote) availableLocked() error {
	if r.offline {
		return types.ErrRemoteUnavailable
	}
	return nil
}

func (r *Remote) publishLocked(ev types.ChangeEvent) {
	if r.offline {
		return
	}
	ev.ReceivedAt = r.now()
	for s := range r.streams {
		if !s.tables[ev.Table] {
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.lost = true
			s.dropLocked()
		}
	}
}

func (r *Remote) dropStreamsLocked() {
	for s := range r.streams {
		s.dropLocked()
	}
}

type stream struct {
	remote *Remote
	tables map[string]bool
	events chan types.ChangeEvent
	done   chan struct{}
	closed bool

	// lost is set before done closes when the stream overflowed.
	lost bool
}

// dropLocked ends the stream. The caller must hold remote.mu.
func (s *stream) dropLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	delete(s.remote.streams, s)
}

func (s *stream) Recv(ctx context.Context) (types.ChangeEvent, error) {
	select {
	case ev := <-s.events:
		return ev, nil
	case <-s.done:
		// Events buffered before the drop are still delivered.
		select {
		case ev := <-s.events:
			return ev, nil
		default:
			if s.lost {
				return types.ChangeEvent{}, fmt.Errorf("%w: %w: slow consumer", types.ErrSubscriptionDropped, types.ErrEventsLost)
			}
			return types.ChangeEvent{}, types.ErrSubscriptionDropped
		}
	case <-ctx.Done():
		return types.ChangeEvent{}, ctx.Err()
	}
}

func (s *stream) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	s.dropLocked()
	return nil
}
