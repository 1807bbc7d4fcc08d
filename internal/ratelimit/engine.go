// Package ratelimit evaluates rate limiting rules against the shared store.
// Four algorithms are supported; the rule selects which one runs.
package ratelimit

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/metrics"
	"github.com/developingchet/api-sentinel/internal/rules"
	"github.com/developingchet/api-sentinel/internal/store"
)

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetTime is the Unix second at which the window resets.
	ResetTime int64
	// RetryAfter is seconds until a retry may succeed. Zero when allowed.
	RetryAfter int
	// Used is the request count inside the current window, this one included.
	Used int
}

const bucketShards = 64

// Engine runs rate limit checks. Bucket algorithms are read-modify-write
// against the store; per-key sharded mutexes serialize those cycles within
// the process.
type Engine struct {
	store store.Store
	log   zerolog.Logger
	locks [bucketShards]sync.Mutex
}

// New creates an Engine backed by the given store.
func New(st store.Store, log zerolog.Logger) *Engine {
	return &Engine{store: st, log: log.With().Str("component", "ratelimit").Logger()}
}

// Check evaluates the rule for the given counter key at instant now.
// Store failures fail open: the request is allowed and the error surfaced
// through logs and metrics, never to the caller.
func (e *Engine) Check(ctx context.Context, key string, rule rules.Rule, now time.Time) Result {
	var res Result
	var err error
	switch rule.Algorithm {
	case rules.FixedWindow:
		res, err = e.fixedWindow(ctx, key, rule, now)
	case rules.TokenBucket:
		res, err = e.tokenBucket(ctx, key, rule, now)
	case rules.LeakyBucket:
		res, err = e.leakyBucket(ctx, key, rule, now)
	default:
		res, err = e.slidingWindow(ctx, key, rule, now)
	}
	if err != nil {
		e.log.Error().Err(err).Str("key", key).Str("rule", rule.Name).
			Msg("rate limit check failed, allowing request")
		metrics.FailOpen.WithLabelValues("ratelimit").Inc()
		return failOpenResult(rule, now)
	}
	outcome := "allowed"
	if !res.Allowed {
		outcome = "denied"
	}
	metrics.RateLimitChecks.WithLabelValues(string(rule.Algorithm), outcome).Inc()
	return res
}

// failOpenResult reports a full window so response headers stay coherent.
func failOpenResult(rule rules.Rule, now time.Time) Result {
	return Result{
		Allowed:   true,
		Limit:     rule.RequestsPerWindow,
		Remaining: rule.RequestsPerWindow,
		ResetTime: now.Add(time.Duration(rule.WindowSeconds) * time.Second).Unix(),
	}
}

// slidingWindow counts individual request timestamps inside a rolling window.
// The store appends the current timestamp even when the request is denied,
// so hammering a limited endpoint never lets the window drain.
func (e *Engine) slidingWindow(ctx context.Context, key string, rule rules.Rule, now time.Time) (Result, error) {
	window := time.Duration(rule.WindowSeconds) * time.Second
	prior, oldest, err := e.store.SlidingWindowAdd(ctx, key, window, now)
	if err != nil {
		return Result{}, err
	}

	allowed := prior < rule.RequestsPerWindow
	remaining := rule.RequestsPerWindow - prior - 1
	if remaining < 0 {
		remaining = 0
	}
	if oldest.IsZero() {
		oldest = now
	}
	reset := oldest.Add(window)
	res := Result{
		Allowed:   allowed,
		Limit:     rule.RequestsPerWindow,
		Remaining: remaining,
		ResetTime: reset.Unix(),
		Used:      prior + 1,
	}
	if !allowed {
		res.RetryAfter = retryAfterSeconds(reset, now)
	}
	return res, nil
}

// fixedWindow counts per discrete window. The window index is part of the
// key, so the counter resets by key rotation rather than deletion.
func (e *Engine) fixedWindow(ctx context.Context, key string, rule rules.Rule, now time.Time) (Result, error) {
	windowID := now.Unix() / int64(rule.WindowSeconds)
	window := time.Duration(rule.WindowSeconds) * time.Second
	count, err := e.store.FixedWindowIncr(ctx, key+":"+strconv.FormatInt(windowID, 10), window)
	if err != nil {
		return Result{}, err
	}

	allowed := count <= int64(rule.RequestsPerWindow)
	remaining := rule.RequestsPerWindow - int(count)
	if remaining < 0 {
		remaining = 0
	}
	reset := (windowID + 1) * int64(rule.WindowSeconds)
	res := Result{
		Allowed:   allowed,
		Limit:     rule.RequestsPerWindow,
		Remaining: remaining,
		ResetTime: reset,
		Used:      int(count),
	}
	if !allowed {
		res.RetryAfter = int(reset - now.Unix())
		if res.RetryAfter < 1 {
			res.RetryAfter = 1
		}
	}
	return res, nil
}

// tokenBucket refills at RequestsPerWindow per window, capped at Burst.
func (e *Engine) tokenBucket(ctx context.Context, key string, rule rules.Rule, now time.Time) (Result, error) {
	unlock := e.lockKey(key)
	defer unlock()

	st, ok, err := e.store.GetBucket(ctx, key)
	if err != nil {
		return Result{}, err
	}
	burst := float64(rule.Burst())
	if !ok {
		st = store.BucketState{Tokens: burst, UpdatedAt: now}
	}

	elapsed := now.Sub(st.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	refillRate := float64(rule.RequestsPerWindow) / float64(rule.WindowSeconds)
	st.Tokens += elapsed * refillRate
	if st.Tokens > burst {
		st.Tokens = burst
	}
	st.UpdatedAt = now

	allowed := st.Tokens >= 1
	if allowed {
		st.Tokens--
	}
	window := time.Duration(rule.WindowSeconds) * time.Second
	if err := e.store.SetBucket(ctx, key, st, 2*window); err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   allowed,
		Limit:     rule.RequestsPerWindow,
		Remaining: int(st.Tokens),
		ResetTime: now.Add(window).Unix(),
		Used:      rule.Burst() - int(st.Tokens),
	}
	if !allowed {
		res.RetryAfter = rule.WindowSeconds
	}
	return res, nil
}

// leakyBucket drains a simulated queue at RequestsPerWindow per window;
// requests are admitted while the queue is below Burst.
func (e *Engine) leakyBucket(ctx context.Context, key string, rule rules.Rule, now time.Time) (Result, error) {
	unlock := e.lockKey(key)
	defer unlock()

	st, ok, err := e.store.GetBucket(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		st = store.BucketState{UpdatedAt: now}
	}

	elapsed := now.Sub(st.UpdatedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	leakRate := float64(rule.RequestsPerWindow) / float64(rule.WindowSeconds)
	st.Queue -= elapsed * leakRate
	if st.Queue < 0 {
		st.Queue = 0
	}
	st.UpdatedAt = now

	burst := float64(rule.Burst())
	allowed := st.Queue < burst
	if allowed {
		st.Queue++
	}
	window := time.Duration(rule.WindowSeconds) * time.Second
	if err := e.store.SetBucket(ctx, key, st, 2*window); err != nil {
		return Result{}, err
	}

	remaining := rule.Burst() - int(st.Queue)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   allowed,
		Limit:     rule.RequestsPerWindow,
		Remaining: remaining,
		ResetTime: now.Add(window).Unix(),
		Used:      int(st.Queue),
	}
	if !allowed {
		res.RetryAfter = int(st.Queue / leakRate)
		if res.RetryAfter < 1 {
			res.RetryAfter = 1
		}
	}
	return res, nil
}

// lockKey serializes bucket read-modify-write cycles per key shard.
func (e *Engine) lockKey(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &e.locks[h.Sum32()%bucketShards]
	m.Lock()
	return m.Unlock
}

// retryAfterSeconds rounds up so clients never retry a second too early.
func retryAfterSeconds(reset, now time.Time) int {
	d := reset.Sub(now)
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
