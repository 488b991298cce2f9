package core

import "context"

// Document is a flat field map, the unit the store reads and watches.
type Document map[string]string

// Collection names consumed by the engine.
const (
	RoomsCollection = "rooms"
	UsersCollection = "users"
)

func PresenceCollection(roomID string) string { return "presence:" + roomID }
func TimelineCollection(roomID string) string { return "timeline:" + roomID }

// Tx buffers writes against a consistent read view. All writes commit
// atomically when the transaction function returns nil; any error aborts
// the whole set.
type Tx interface {
	Get(col, id string) (Document, error)
	SetFields(col, id string, fields map[string]string)
	Increment(col, id, field string, delta int64)
	DeleteFields(col, id string, names ...string)
}

// Store is the document-store contract. It is the engine's only
// concurrency-control primitive: clients never hold locks over shared room
// state, they issue conditional writes and observe snapshots.
// Implementations must provide CompareAndSet atomically server-side, not as
// read-then-write.
type Store interface {
	// Get returns the current document or domain.ErrNotFound.
	Get(ctx context.Context, col, id string) (Document, error)

	// Watch emits a full snapshot on every change, starting with the
	// current state. The channel closes when the document is deleted or
	// ctx ends; a close with the document gone means the room no longer
	// exists and the session must terminate.
	Watch(ctx context.Context, col, id string) (<-chan Document, error)

	// SetFields merges the given fields. Never a whole-document replace.
	SetFields(ctx context.Context, col, id string, fields map[string]string) error

	DeleteFields(ctx context.Context, col, id string, names ...string) error

	// CompareAndSet writes next to field only if its current value equals
	// expect; otherwise domain.ErrConflict. Absent fields compare equal
	// to the empty string.
	CompareAndSet(ctx context.Context, col, id, field, expect, next string) error

	// Increment atomically adds delta and returns the new value.
	Increment(ctx context.Context, col, id, field string, delta int64) (int64, error)

	// Append inserts a new document with a generated id.
	Append(ctx context.Context, col string, doc Document) (string, error)

	Delete(ctx context.Context, col, id string) error

	// Transact runs fn against a consistent view and commits its buffered
	// writes atomically. Used for per-target gift transfers and presence
	// accounting.
	Transact(ctx context.Context, fn func(tx Tx) error) error
}
