package threat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/metrics"
	"github.com/developingchet/api-sentinel/internal/store"
)

// SinkConfig holds event sink configuration.
type SinkConfig struct {
	Workers    int
	QueueDepth int
}

// Sink persists security events off the request path. Enqueue is
// non-blocking: under sustained attack the decision path must not slow down
// to the store's write speed, so a full buffer drops the event and counts it.
type Sink struct {
	cfg      SinkConfig
	store    store.Store
	events   chan Event
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a Sink writing to the given store.
func NewSink(cfg SinkConfig, st store.Store, log zerolog.Logger) (*Sink, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("sink workers must be 1-64, got %d", cfg.Workers)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	return &Sink{
		cfg:    cfg,
		store:  st,
		events: make(chan Event, cfg.QueueDepth),
		log:    log.With().Str("component", "event_sink").Logger(),
	}, nil
}

// Start launches the writer goroutines. ctx controls worker lifetime.
func (s *Sink) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

// Enqueue attempts a non-blocking send. Returns false if the buffer is full.
func (s *Sink) Enqueue(e Event) bool {
	select {
	case s.events <- e:
		metrics.SinkQueueDepth.Set(float64(len(s.events)))
		return true
	default:
		metrics.EventsDropped.WithLabelValues("buffer_full").Inc()
		s.log.Warn().Str("event_id", e.ID).Str("threat_type", string(e.Type)).
			Msg("security event dropped: sink queue full")
		return false
	}
}

// Stop closes the event channel and waits for the workers to drain it.
// Safe to call only once.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		close(s.events)
	})
	s.wg.Wait()
}

// Depth returns the current number of pending events.
func (s *Sink) Depth() int {
	return len(s.events)
}

func (s *Sink) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.events:
			if !ok {
				return // channel closed by Stop()
			}
			metrics.SinkQueueDepth.Set(float64(len(s.events)))
			s.persist(ctx, e, log)
		}
	}
}

// persist writes one event. A failed write is logged and dropped; events are
// diagnostics, losing one must never wedge the pipeline.
func (s *Sink) persist(ctx context.Context, e Event, log zerolog.Logger) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	rec := store.EventRecord{
		ID:        e.ID,
		Type:      string(e.Type),
		Level:     string(e.Level),
		SourceIP:  e.SourceIP,
		UserAgent: e.UserAgent,
		Endpoint:  e.Endpoint,
		Timestamp: e.Timestamp,
		Details:   e.Details,
		Blocked:   e.Blocked,
		RiskScore: e.RiskScore,
	}
	start := time.Now()
	err := s.store.EventAppend(writeCtx, rec)
	metrics.StoreOpDuration.WithLabelValues("event_append").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.EventsDropped.WithLabelValues("store_error").Inc()
		metrics.StoreErrors.WithLabelValues("event_append").Inc()
		log.Error().Err(err).Str("event_id", e.ID).Msg("failed to persist security event")
	}
}
