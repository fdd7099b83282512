package types

import "context"

// RemotePage is one page of a remote "list since cursor" call. Rows are in
// (version, key) order and Next is the position of the last row.
type RemotePage struct {
	Rows    []CacheRecord
	Next    Cursor
	HasMore bool
}

// Lister is the paginated remote read API. List returns rows whose
// (version, key) position sorts strictly after since, including rows that
// were deleted on the remote (as Deleted records).
type Lister interface {
	List(ctx context.Context, table TableDescriptor, since Cursor, pageSize int) (RemotePage, error)
}

// Counter is optionally implemented by a Lister that can report the remote
// row count of a table.
type Counter interface {
	Count(ctx context.Context, table TableDescriptor) (int64, error)
}

// Transport opens the remote change-notification channel. One Stream carries
// events for all requested tables.
type Transport interface {
	Connect(ctx context.Context, tables []TableDescriptor) (Stream, error)
}

// Stream is a connected change channel. Recv blocks until an event arrives,
// the stream drops (ErrSubscriptionDropped) or ctx is done.
type Stream interface {
	Recv(ctx context.Context) (ChangeEvent, error)
	Close() error
}
