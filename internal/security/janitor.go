package security

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/metrics"
	"github.com/developingchet/api-sentinel/internal/store"
	"github.com/developingchet/api-sentinel/internal/threat"
)

// Janitor performs periodic housekeeping: pruning expired store entries and
// refreshing gauges.
type Janitor struct {
	store          store.Store
	sink           *threat.Sink
	interval       time.Duration
	maxWindow      time.Duration
	eventRetention time.Duration
	log            zerolog.Logger
}

// NewJanitor creates a Janitor. maxWindow must cover the widest configured
// rate limit window so no live entries are pruned.
func NewJanitor(st store.Store, sink *threat.Sink, interval, maxWindow, eventRetention time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		store:          st,
		sink:           sink,
		interval:       interval,
		maxWindow:      maxWindow,
		eventRetention: eventRetention,
		log:            log.With().Str("component", "janitor").Logger(),
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	start := time.Now()
	pruned, err := j.store.PruneExpired(ctx, time.Now(), j.maxWindow, j.eventRetention)
	metrics.StoreOpDuration.WithLabelValues("prune").Observe(time.Since(start).Seconds())
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: prune failed")
		metrics.StoreErrors.WithLabelValues("prune").Inc()
	} else if pruned > 0 {
		j.log.Info().Int("count", pruned).Msg("janitor: pruned expired entries")
	}

	if blocks, err := j.store.BlockList(ctx); err == nil {
		metrics.ActiveBlocks.Set(float64(len(blocks)))
	}
	if events, err := j.store.EventsSince(ctx, time.Now().Add(-j.eventRetention)); err == nil {
		metrics.EventLogSize.Set(float64(len(events)))
	}
	if j.sink != nil {
		metrics.SinkQueueDepth.Set(float64(j.sink.Depth()))
	}

	j.log.Debug().Msg("janitor: tick complete")
}
