// Package store defines the persistence interface behind rate limiting,
// blocking, and security event retention, with memory, bbolt, and redis
// backends.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for absent keys where absence is an error.
var ErrNotFound = errors.New("store: not found")

// BucketState is the persisted state of a token or leaky bucket.
type BucketState struct {
	// Tokens is the available token count (token bucket).
	Tokens float64
	// Queue is the simulated queue depth (leaky bucket).
	Queue float64
	// UpdatedAt is the last refill/leak computation instant.
	UpdatedAt time.Time
}

// BlockEntry records a blocked subject (an IP or user id).
type BlockEntry struct {
	Subject   string    `json:"subject"`
	Kind      string    `json:"kind"` // "ip" or "user"
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e BlockEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && e.ExpiresAt.Before(now)
}

// EventRecord is the persisted form of a security event.
type EventRecord struct {
	ID        string
	Type      string
	Level     string
	SourceIP  string
	UserAgent string
	Endpoint  string
	Timestamp time.Time
	Details   map[string]string
	Blocked   bool
	RiskScore float64
}

// Store is the persistence interface for the security pipeline. All methods
// are safe for concurrent use. Counter mutations are atomic per key;
// bucket reads and writes are not, callers serialize read-modify-write
// cycles per key themselves.
type Store interface {
	// SlidingWindowAdd prunes entries older than now-window, then appends
	// the current timestamp unconditionally. It returns the entry count
	// BEFORE the append and the oldest surviving timestamp (zero when the
	// window was empty). Denied attempts therefore still consume a slot.
	SlidingWindowAdd(ctx context.Context, key string, window time.Duration, now time.Time) (prior int, oldest time.Time, err error)

	// FixedWindowIncr atomically increments the counter at key, setting its
	// TTL on first increment, and returns the new count.
	FixedWindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// GetBucket returns the bucket state at key, reporting whether it exists.
	GetBucket(ctx context.Context, key string) (BucketState, bool, error)
	// SetBucket stores the bucket state with the given TTL.
	SetBucket(ctx context.Context, key string, st BucketState, ttl time.Duration) error

	// SetAdd adds member to the set at key, refreshing its TTL, and returns
	// the resulting cardinality.
	SetAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error)

	// Block operations. BlockGet never returns an expired entry.
	BlockRecord(ctx context.Context, e BlockEntry) error
	BlockGet(ctx context.Context, subject string) (BlockEntry, bool, error)
	BlockDelete(ctx context.Context, subject string) error
	BlockList(ctx context.Context) ([]BlockEntry, error)

	// Event log. EventsSince returns events with Timestamp >= since, oldest
	// first.
	EventAppend(ctx context.Context, e EventRecord) error
	EventsSince(ctx context.Context, since time.Time) ([]EventRecord, error)

	// PruneExpired removes expired blocks, counters, and sets, sliding
	// window entries older than maxWindow, and events older than
	// eventRetention. Returns the number of items removed.
	PruneExpired(ctx context.Context, now time.Time, maxWindow, eventRetention time.Duration) (int, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
