package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "api_sentinel"

var (
	// RequestsProcessed counts requests that went through the full decision pipeline.
	RequestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_processed_total",
		Help:      "Requests processed by the security pipeline.",
	}, []string{"outcome"})

	// Denials counts denied requests per reason.
	Denials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "denials_total",
		Help:      "Denied requests per reason.",
	}, []string{"reason"})

	// RateLimitChecks counts rate-limit evaluations per algorithm and outcome.
	RateLimitChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_checks_total",
		Help:      "Rate limit evaluations per algorithm and outcome.",
	}, []string{"algorithm", "outcome"})

	// ThreatEvents counts security events per threat type and severity.
	ThreatEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "threat_events_total",
		Help:      "Security events per threat type and severity.",
	}, []string{"type", "level"})

	// AutoBlocks counts automatic blocks triggered by threat events.
	AutoBlocks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auto_blocks_total",
		Help:      "Automatic blocks triggered by high-risk events.",
	}, []string{"subject_kind"})

	// StoreErrors counts counter-store operation failures.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "store_errors_total",
		Help:      "Counter store operation failures.",
	}, []string{"op"})

	// FailOpen counts checks that degraded to allow because a backend failed.
	FailOpen = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fail_open_total",
		Help:      "Checks that failed open due to backend errors.",
	}, []string{"component"})

	// EventsDropped counts security events discarded before persistence.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Security events discarded without persistence.",
	}, []string{"reason"})

	// ActiveBlocks is a gauge for currently blocked subjects.
	ActiveBlocks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_blocks",
		Help:      "Currently blocked IPs and users.",
	})

	// EventLogSize tracks the in-memory security event log length.
	EventLogSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "event_log_size",
		Help:      "Security events currently retained in memory.",
	})

	// SinkQueueDepth tracks the event sink channel length.
	SinkQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sink_queue_depth",
		Help:      "Current event sink channel buffer depth.",
	})

	// DecisionDuration records end-to-end ProcessRequest latency.
	DecisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "decision_duration_seconds",
		Help:      "End-to-end security decision latency in seconds.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
	})

	// StoreOpDuration records counter store call latency per operation.
	StoreOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "store_op_duration_seconds",
		Help:      "Counter store call latency in seconds.",
		Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"op"})
)
