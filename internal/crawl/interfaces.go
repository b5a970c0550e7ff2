package crawl

import (
	"context"
	"time"
)

// BatchQueue hands opaque batch payloads between producers and fetchers.
// TryDequeue is a destructive read: a payload is returned to at most one caller.
type BatchQueue interface {
	Enqueue(ctx context.Context, slot Slot, origin string, payload []byte) error
	// TryDequeue returns ErrNoBatch when the slot holds nothing.
	TryDequeue(ctx context.Context, slot Slot) ([]byte, error)
	Len(ctx context.Context, slot Slot) (int, error)
}

// RecordStore persists small named documents such as status and message files.
type RecordStore interface {
	// Get returns ErrNotFound when the record is absent.
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	// Delete is a no-op for absent records.
	Delete(ctx context.Context, name string) error
	ModTime(ctx context.Context, name string) (time.Time, error)
	// List returns record names starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Leaser grants time-bounded exclusive claims on a name. Acquire succeeds when
// the name is free or its holder's lease has expired.
type Leaser interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, name, token string) error
}

// StatusStore loads and saves the whole crawl status record.
type StatusStore interface {
	// Load returns a zero record when nothing has been saved.
	Load(ctx context.Context) (StatusRecord, error)
	Save(ctx context.Context, rec StatusRecord) error
}

// Publisher pushes event payloads to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher produces a content digest for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator returns unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
