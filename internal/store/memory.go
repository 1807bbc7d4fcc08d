package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore is the in-process backend. Suitable for single-instance
// deployments and tests; state is lost on restart.
type memoryStore struct {
	mu       sync.Mutex
	windows  map[string][]int64 // unix nanos, ascending
	counters map[string]counterEntry
	buckets  map[string]bucketEntry
	sets     map[string]setEntry
	blocks   map[string]BlockEntry
	events   []EventRecord
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

type bucketEntry struct {
	state     BucketState
	expiresAt time.Time
}

type setEntry struct {
	members   map[string]struct{}
	expiresAt time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		windows:  make(map[string][]int64),
		counters: make(map[string]counterEntry),
		buckets:  make(map[string]bucketEntry),
		sets:     make(map[string]setEntry),
		blocks:   make(map[string]BlockEntry),
	}
}

func (s *memoryStore) SlidingWindowAdd(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-window).UnixNano()
	kept := s.windows[key][:0]
	for _, ts := range s.windows[key] {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	prior := len(kept)
	var oldest time.Time
	if prior > 0 {
		oldest = time.Unix(0, kept[0])
	}
	s.windows[key] = append(kept, now.UnixNano())
	return prior, oldest, nil
}

func (s *memoryStore) FixedWindowIncr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e := s.counters[key]
	if e.count == 0 || e.expiresAt.Before(now) {
		e = counterEntry{expiresAt: now.Add(ttl)}
	}
	e.count++
	s.counters[key] = e
	return e.count, nil
}

func (s *memoryStore) GetBucket(_ context.Context, key string) (BucketState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buckets[key]
	if !ok || e.expiresAt.Before(time.Now()) {
		return BucketState{}, false, nil
	}
	return e.state, true, nil
}

func (s *memoryStore) SetBucket(_ context.Context, key string, st BucketState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets[key] = bucketEntry{state: st, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *memoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	e, ok := s.sets[key]
	if !ok || e.expiresAt.Before(now) {
		e = setEntry{members: make(map[string]struct{})}
	}
	e.members[member] = struct{}{}
	e.expiresAt = now.Add(ttl)
	s.sets[key] = e
	return int64(len(e.members)), nil
}

func (s *memoryStore) BlockRecord(_ context.Context, e BlockEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks[e.Subject] = e
	return nil
}

func (s *memoryStore) BlockGet(_ context.Context, subject string) (BlockEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.blocks[subject]
	if !ok || e.Expired(time.Now()) {
		return BlockEntry{}, false, nil
	}
	return e, true, nil
}

func (s *memoryStore) BlockDelete(_ context.Context, subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, subject)
	return nil
}

func (s *memoryStore) BlockList(_ context.Context) ([]BlockEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	out := make([]BlockEntry, 0, len(s.blocks))
	for _, e := range s.blocks {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out, nil
}

func (s *memoryStore) EventAppend(_ context.Context, e EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memoryStore) EventsSince(_ context.Context, since time.Time) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EventRecord
	for _, e := range s.events {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memoryStore) PruneExpired(_ context.Context, now time.Time, maxWindow, eventRetention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int
	cutoff := now.Add(-maxWindow).UnixNano()
	for key, stamps := range s.windows {
		kept := stamps[:0]
		for _, ts := range stamps {
			if ts >= cutoff {
				kept = append(kept, ts)
			}
		}
		pruned += len(stamps) - len(kept)
		if len(kept) == 0 {
			delete(s.windows, key)
		} else {
			s.windows[key] = kept
		}
	}
	for key, e := range s.counters {
		if e.expiresAt.Before(now) {
			delete(s.counters, key)
			pruned++
		}
	}
	for key, e := range s.buckets {
		if e.expiresAt.Before(now) {
			delete(s.buckets, key)
			pruned++
		}
	}
	for key, e := range s.sets {
		if e.expiresAt.Before(now) {
			delete(s.sets, key)
			pruned++
		}
	}
	for key, e := range s.blocks {
		if e.Expired(now) {
			delete(s.blocks, key)
			pruned++
		}
	}
	eventCutoff := now.Add(-eventRetention)
	kept := s.events[:0]
	for _, e := range s.events {
		if !e.Timestamp.Before(eventCutoff) {
			kept = append(kept, e)
		}
	}
	pruned += len(s.events) - len(kept)
	s.events = kept

	return pruned, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }
