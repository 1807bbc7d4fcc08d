package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Redis key layout. Everything lives under one prefix so a shared instance
// can host other tenants.
const (
	redisPrefix    = "sentinel:"
	redisEventsKey = redisPrefix + "events"
	redisBlockPfx  = redisPrefix + "blk:"
)

type redisStore struct {
	rdb *redis.Client
	// seq disambiguates sorted-set members created in the same nanosecond.
	seq atomic.Uint64
}

// RedisOptions configures the redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore connects to redis and verifies the connection. This is the
// backend for multi-instance deployments: counters are shared, so every
// instance sees the same window state.
func NewRedisStore(ctx context.Context, opts RedisOptions) (Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &redisStore{rdb: rdb}, nil
}

func (s *redisStore) SlidingWindowAdd(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	k := redisPrefix + key
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(s.seq.Add(1), 10)

	pipe := s.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "0", "("+cutoff)
	cardCmd := pipe.ZCard(ctx, k)
	oldestCmd := pipe.ZRangeWithScores(ctx, k, 0, 0)
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, k, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("sliding window %s: %w", key, err)
	}

	prior := int(cardCmd.Val())
	var oldest time.Time
	if zs := oldestCmd.Val(); len(zs) > 0 {
		oldest = time.Unix(0, int64(zs[0].Score))
	}
	return prior, oldest, nil
}

func (s *redisStore) FixedWindowIncr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := redisPrefix + key
	pipe := s.rdb.TxPipeline()
	incrCmd := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("fixed window incr %s: %w", key, err)
	}
	return incrCmd.Val(), nil
}

func (s *redisStore) GetBucket(ctx context.Context, key string) (BucketState, bool, error) {
	raw, err := s.rdb.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return BucketState{}, false, nil
	}
	if err != nil {
		return BucketState{}, false, fmt.Errorf("get bucket %s: %w", key, err)
	}
	var st BucketState
	if err := msgpack.Unmarshal(raw, &st); err != nil {
		return BucketState{}, false, fmt.Errorf("unmarshal bucket state %s: %w", key, err)
	}
	return st, true, nil
}

func (s *redisStore) SetBucket(ctx context.Context, key string, st BucketState, ttl time.Duration) error {
	data, err := msgpack.Marshal(st)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, redisPrefix+key, data, ttl).Err()
}

func (s *redisStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	k := redisPrefix + key
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, k, member)
	pipe.Expire(ctx, k, ttl)
	cardCmd := pipe.SCard(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("set add %s: %w", key, err)
	}
	return cardCmd.Val(), nil
}

func (s *redisStore) BlockRecord(ctx context.Context, e BlockEntry) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal BlockEntry: %w", err)
	}
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	return s.rdb.Set(ctx, redisBlockPfx+e.Subject, data, ttl).Err()
}

func (s *redisStore) BlockGet(ctx context.Context, subject string) (BlockEntry, bool, error) {
	raw, err := s.rdb.Get(ctx, redisBlockPfx+subject).Bytes()
	if errors.Is(err, redis.Nil) {
		return BlockEntry{}, false, nil
	}
	if err != nil {
		return BlockEntry{}, false, fmt.Errorf("get block %s: %w", subject, err)
	}
	var e BlockEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return BlockEntry{}, false, fmt.Errorf("unmarshal BlockEntry %s: %w", subject, err)
	}
	if e.Expired(time.Now()) {
		return BlockEntry{}, false, nil
	}
	return e, true, nil
}

func (s *redisStore) BlockDelete(ctx context.Context, subject string) error {
	return s.rdb.Del(ctx, redisBlockPfx+subject).Err()
}

func (s *redisStore) BlockList(ctx context.Context) ([]BlockEntry, error) {
	var out []BlockEntry
	iter := s.rdb.Scan(ctx, 0, redisBlockPfx+"*", 100).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		raw, err := s.rdb.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between scan and get
		}
		if err != nil {
			return nil, fmt.Errorf("list blocks: %w", err)
		}
		var e BlockEntry
		if err := msgpack.Unmarshal(raw, &e); err != nil {
			continue
		}
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan blocks: %w", err)
	}
	return out, nil
}

func (s *redisStore) EventAppend(ctx context.Context, e EventRecord) error {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal EventRecord: %w", err)
	}
	return s.rdb.ZAdd(ctx, redisEventsKey, redis.Z{
		Score:  float64(e.Timestamp.UnixNano()),
		Member: string(data),
	}).Err()
}

func (s *redisStore) EventsSince(ctx context.Context, since time.Time) ([]EventRecord, error) {
	members, err := s.rdb.ZRangeByScore(ctx, redisEventsKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("events since: %w", err)
	}
	out := make([]EventRecord, 0, len(members))
	for _, m := range members {
		var e EventRecord
		if err := msgpack.Unmarshal([]byte(m), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// PruneExpired trims the event log. Counters, buckets, sets, and blocks
// expire via redis TTLs, so only the sorted set needs the janitor.
func (s *redisStore) PruneExpired(ctx context.Context, now time.Time, _ /* maxWindow */, eventRetention time.Duration) (int, error) {
	cutoff := strconv.FormatInt(now.Add(-eventRetention).UnixNano(), 10)
	n, err := s.rdb.ZRemRangeByScore(ctx, redisEventsKey, "0", "("+cutoff).Result()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return int(n), nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.rdb.Close()
}
