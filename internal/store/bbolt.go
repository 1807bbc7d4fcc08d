package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketWindows  = "windows"
	bucketCounters = "counters"
	bucketBuckets  = "buckets"
	bucketSets     = "sets"
	bucketBlocks   = "blocks"
	bucketEvents   = "events"
)

// counterRecord carries its own expiry; bbolt has no native TTLs.
type counterRecord struct {
	Count     int64
	ExpiresAt time.Time
}

type bucketRecord struct {
	State     BucketState
	ExpiresAt time.Time
}

type setRecord struct {
	Members   []string
	ExpiresAt time.Time
}

type bboltStore struct {
	db *bolt.DB
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/sentinel.db.
// Single-writer semantics come from bbolt itself; every mutation runs in one
// Update transaction.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "sentinel.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketWindows, bucketCounters, bucketBuckets, bucketSets, bucketBlocks, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db}, nil
}

// ---- Sliding windows -------------------------------------------------------

// SlidingWindowAdd stores a []int64 of Unix nanosecond timestamps per key.
// Prune, count, and append happen in a single transaction, so the count the
// caller decides on is exactly what was persisted.
func (s *bboltStore) SlidingWindowAdd(_ context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	var prior int
	var oldest time.Time
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWindows))
		cutoff := now.Add(-window).UnixNano()

		var timestamps []int64
		if raw := b.Get([]byte(key)); raw != nil {
			if err := msgpack.Unmarshal(raw, &timestamps); err != nil {
				return fmt.Errorf("unmarshal window timestamps: %w", err)
			}
		}
		pruned := timestamps[:0]
		for _, ts := range timestamps {
			if ts >= cutoff {
				pruned = append(pruned, ts)
			}
		}
		prior = len(pruned)
		if prior > 0 {
			oldest = time.Unix(0, pruned[0])
		}
		pruned = append(pruned, now.UnixNano())
		data, err := msgpack.Marshal(pruned)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	return prior, oldest, err
}

// ---- Fixed window counters -------------------------------------------------

func (s *bboltStore) FixedWindowIncr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	var count int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCounters))
		now := time.Now()

		var rec counterRecord
		if raw := b.Get([]byte(key)); raw != nil {
			if err := msgpack.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("unmarshal counter: %w", err)
			}
		}
		if rec.Count == 0 || rec.ExpiresAt.Before(now) {
			rec = counterRecord{ExpiresAt: now.Add(ttl)}
		}
		rec.Count++
		count = rec.Count
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	return count, err
}

// ---- Buckets ---------------------------------------------------------------

func (s *bboltStore) GetBucket(_ context.Context, key string) (BucketState, bool, error) {
	var rec bucketRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketBuckets)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal bucket state: %w", err)
		}
		found = !rec.ExpiresAt.Before(time.Now())
		return nil
	})
	if err != nil || !found {
		return BucketState{}, false, err
	}
	return rec.State, true, nil
}

func (s *bboltStore) SetBucket(_ context.Context, key string, st BucketState, ttl time.Duration) error {
	data, err := msgpack.Marshal(bucketRecord{State: st, ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBuckets)).Put([]byte(key), data)
	})
}

// ---- Sets ------------------------------------------------------------------

func (s *bboltStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	var card int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSets))
		now := time.Now()

		var rec setRecord
		if raw := b.Get([]byte(key)); raw != nil {
			if err := msgpack.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("unmarshal set: %w", err)
			}
		}
		if rec.ExpiresAt.Before(now) {
			rec.Members = nil
		}
		present := false
		for _, m := range rec.Members {
			if m == member {
				present = true
				break
			}
		}
		if !present {
			rec.Members = append(rec.Members, member)
		}
		rec.ExpiresAt = now.Add(ttl)
		card = int64(len(rec.Members))
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	return card, err
}

// ---- Blocks ----------------------------------------------------------------

func (s *bboltStore) BlockRecord(_ context.Context, e BlockEntry) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal BlockEntry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocks)).Put([]byte(e.Subject), data)
	})
}

func (s *bboltStore) BlockGet(_ context.Context, subject string) (BlockEntry, bool, error) {
	var e BlockEntry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(bucketBlocks)).Get([]byte(subject))
		if raw == nil {
			return nil
		}
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("unmarshal BlockEntry for %s: %w", subject, err)
		}
		found = !e.Expired(time.Now())
		return nil
	})
	if err != nil || !found {
		return BlockEntry{}, false, err
	}
	return e, true, nil
}

func (s *bboltStore) BlockDelete(_ context.Context, subject string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocks)).Delete([]byte(subject))
	})
}

func (s *bboltStore) BlockList(_ context.Context) ([]BlockEntry, error) {
	var out []BlockEntry
	now := time.Now()
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBlocks)).ForEach(func(k, v []byte) error {
			var e BlockEntry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return nil // skip corrupt entries
			}
			if !e.Expired(now) {
				out = append(out, e)
			}
			return nil
		})
	})
	return out, err
}

// ---- Events ----------------------------------------------------------------

// eventKey orders events chronologically in the bucket. The zero-padded
// nanosecond prefix keeps bbolt's byte ordering equal to time ordering.
func eventKey(e EventRecord) []byte {
	return []byte(fmt.Sprintf("%020d:%s", e.Timestamp.UnixNano(), e.ID))
}

func (s *bboltStore) EventAppend(_ context.Context, e EventRecord) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal EventRecord: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketEvents)).Put(eventKey(e), data)
	})
}

func (s *bboltStore) EventsSince(_ context.Context, since time.Time) ([]EventRecord, error) {
	var out []EventRecord
	prefix := []byte(fmt.Sprintf("%020d", since.UnixNano()))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketEvents)).Cursor()
		for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
			var e EventRecord
			if err := msgpack.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// ---- Janitor ---------------------------------------------------------------

func (s *bboltStore) PruneExpired(_ context.Context, now time.Time, maxWindow, eventRetention time.Duration) (int, error) {
	var pruned int
	err := s.db.Update(func(tx *bolt.Tx) error {
		// Window entries older than the widest configured window.
		cutoff := now.Add(-maxWindow).UnixNano()
		wb := tx.Bucket([]byte(bucketWindows))
		if err := wb.ForEach(func(k, v []byte) error {
			var timestamps []int64
			if err := msgpack.Unmarshal(v, &timestamps); err != nil {
				return nil
			}
			before := len(timestamps)
			filtered := timestamps[:0]
			for _, ts := range timestamps {
				if ts >= cutoff {
					filtered = append(filtered, ts)
				}
			}
			pruned += before - len(filtered)
			if len(filtered) == 0 {
				return wb.Delete(k)
			}
			if len(filtered) == before {
				return nil
			}
			data, err := msgpack.Marshal(filtered)
			if err != nil {
				return err
			}
			return wb.Put(k, data)
		}); err != nil {
			return err
		}

		n, err := pruneByExpiry(tx.Bucket([]byte(bucketCounters)), func(v []byte) (time.Time, bool) {
			var rec counterRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return time.Time{}, false
			}
			return rec.ExpiresAt, true
		}, now)
		if err != nil {
			return err
		}
		pruned += n

		n, err = pruneByExpiry(tx.Bucket([]byte(bucketBuckets)), func(v []byte) (time.Time, bool) {
			var rec bucketRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return time.Time{}, false
			}
			return rec.ExpiresAt, true
		}, now)
		if err != nil {
			return err
		}
		pruned += n

		n, err = pruneByExpiry(tx.Bucket([]byte(bucketSets)), func(v []byte) (time.Time, bool) {
			var rec setRecord
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return time.Time{}, false
			}
			return rec.ExpiresAt, true
		}, now)
		if err != nil {
			return err
		}
		pruned += n

		n, err = pruneByExpiry(tx.Bucket([]byte(bucketBlocks)), func(v []byte) (time.Time, bool) {
			var e BlockEntry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return time.Time{}, false
			}
			return e.ExpiresAt, true
		}, now)
		if err != nil {
			return err
		}
		pruned += n

		// Events older than the retention horizon.
		eb := tx.Bucket([]byte(bucketEvents))
		eventCutoff := []byte(fmt.Sprintf("%020d", now.Add(-eventRetention).UnixNano()))
		c := eb.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, eventCutoff) < 0; k, _ = c.Next() {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		for _, k := range toDelete {
			if err := eb.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// pruneByExpiry deletes entries whose decoded expiry is in the past.
// Corrupt entries are deleted too; they can never expire otherwise.
func pruneByExpiry(b *bolt.Bucket, expiry func([]byte) (time.Time, bool), now time.Time) (int, error) {
	var toDelete [][]byte
	if err := b.ForEach(func(k, v []byte) error {
		exp, ok := expiry(v)
		if !ok || (!exp.IsZero() && exp.Before(now)) {
			key := make([]byte, len(k))
			copy(key, k)
			toDelete = append(toDelete, key)
		}
		return nil
	}); err != nil {
		return 0, err
	}
	for _, k := range toDelete {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(toDelete), nil
}

// ---- Utility ---------------------------------------------------------------

func (s *bboltStore) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}
