package domain

import "context"

// Stream ID sentinels for Range bounds.
const (
	StreamStart = "-"
	StreamEnd   = "+"
)

// StreamEntry is one record in a durable stream.
type StreamEntry struct {
	ID   string
	Data []byte
}

// StreamBackend is an append-only, length-bounded log. Implementations are
// selected at construction time.
type StreamBackend interface {
	// Append adds data to the stream at key and returns the entry ID.
	Append(ctx context.Context, key string, data []byte) (string, error)
	// Range returns the newest limit entries with IDs in [start, end], in
	// ascending ID order. limit <= 0 returns all matching entries.
	Range(ctx context.Context, key, start, end string, limit int64) ([]StreamEntry, error)
	// Len returns the number of entries at key.
	Len(ctx context.Context, key string) (int64, error)
	// Trim drops the oldest entries until at most maxLen remain.
	Trim(ctx context.Context, key string, maxLen int64) error
}

// EventArchive keeps a durable audit copy of dispatched events.
type EventArchive interface {
	ArchiveEvent(ctx context.Context, e Event) error
}
