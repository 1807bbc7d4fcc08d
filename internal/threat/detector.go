// Package threat analyzes request descriptors for attack signatures and
// behavioral anomalies, producing security events.
package threat

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/metrics"
	"github.com/developingchet/api-sentinel/internal/request"
	"github.com/developingchet/api-sentinel/internal/store"
)

// Type classifies a security event.
type Type string

const (
	BruteForce         Type = "brute_force"
	DDoS               Type = "ddos"
	SQLInjection       Type = "sql_injection"
	XSS                Type = "xss"
	SuspiciousPattern  Type = "suspicious_pattern"
	RateLimitAbuse     Type = "rate_limit_abuse"
	UnauthorizedAccess Type = "unauthorized_access"
	AnomalousBehavior  Type = "anomalous_behavior"
)

// Level is the severity of a security event.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Event is a detected security threat.
type Event struct {
	ID        string            `json:"event_id"`
	Type      Type              `json:"threat_type"`
	Level     Level             `json:"security_level"`
	SourceIP  string            `json:"source_ip"`
	UserAgent string            `json:"user_agent"`
	Endpoint  string            `json:"endpoint"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
	Blocked   bool              `json:"blocked"`
	RiskScore float64           `json:"risk_score"`
}

// Detection thresholds and windows.
const (
	bruteForceWindow   = 5 * time.Minute
	bruteForceAttempts = 10
	ddosWindow         = time.Minute
	ddosRequests       = 100
	anomalyWindow      = 24 * time.Hour
	anomalyEndpoints   = 50
	// valueExcerptLen bounds how much attacker-controlled input lands in
	// event details and logs.
	valueExcerptLen = 100
)

// DefaultThresholds is the per-type risk score at or above which an event is
// marked blocked. One map drives both the marking and the deny decision.
func DefaultThresholds() map[Type]float64 {
	return map[Type]float64{
		BruteForce:        0.8,
		DDoS:              0.9,
		SQLInjection:      0.8,
		XSS:               0.8,
		SuspiciousPattern: 0.7,
		RateLimitAbuse:    0.6,
	}
}

// fallbackThreshold applies to types without an explicit entry.
const fallbackThreshold = 0.8

// Detector runs all threat checks against a request descriptor. Behavioral
// checks (brute force, ddos, anomaly) keep their counters in the store so
// every instance sees the same attacker.
type Detector struct {
	store store.Store
	log   zerolog.Logger

	mu         sync.RWMutex
	thresholds map[Type]float64
}

// NewDetector creates a Detector. A nil thresholds map selects the defaults.
func NewDetector(st store.Store, thresholds map[Type]float64, log zerolog.Logger) *Detector {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Detector{
		store:      st,
		log:        log.With().Str("component", "threat").Logger(),
		thresholds: thresholds,
	}
}

// Threshold returns the blocking threshold for a threat type.
func (d *Detector) Threshold(t Type) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.thresholds[t]; ok {
		return v
	}
	return fallbackThreshold
}

// SetThresholds replaces the threshold map; admin surface.
func (d *Detector) SetThresholds(thresholds map[Type]float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thresholds = thresholds
}

// Thresholds returns a copy of the active threshold map.
func (d *Detector) Thresholds() map[Type]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[Type]float64, len(d.thresholds))
	for k, v := range d.thresholds {
		out[k] = v
	}
	return out
}

// Analyze runs every check against the descriptor and returns the detected
// events, each finalized with an id and its blocked flag. Checks are
// independent: a failure in one never suppresses the others, and store
// failures degrade that single check to a no-op.
func (d *Detector) Analyze(ctx context.Context, desc request.Descriptor, userID string, now time.Time) []Event {
	checks := []struct {
		name string
		run  func() []Event
	}{
		{"sql_injection", func() []Event { return d.checkSQLInjection(desc) }},
		{"xss", func() []Event { return d.checkXSS(desc) }},
		{"path_traversal", func() []Event { return d.checkPathTraversal(desc) }},
		{"command_injection", func() []Event { return d.checkCommandInjection(desc) }},
		{"brute_force", func() []Event { return d.checkBruteForce(ctx, desc, userID, now) }},
		{"ddos", func() []Event { return d.checkDDoS(ctx, desc, now) }},
		{"user_agent", func() []Event { return d.checkUserAgent(desc) }},
		{"anomalous_behavior", func() []Event { return d.checkAnomalousBehavior(ctx, desc, userID) }},
	}

	var events []Event
	for _, c := range checks {
		events = append(events, d.runCheck(c.name, c.run)...)
	}
	for i := range events {
		d.finalize(&events[i], desc, now)
	}
	return events
}

// runCheck isolates a single check: a panicking matcher is logged and
// contributes no events instead of taking down the request.
func (d *Detector) runCheck(name string, check func() []Event) (events []Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("check", name).Msg("threat check panicked")
			metrics.FailOpen.WithLabelValues("threat_check").Inc()
			events = nil
		}
	}()
	return check()
}

// finalize assigns identity and the blocked flag, and logs at a level
// proportional to severity.
func (d *Detector) finalize(e *Event, desc request.Descriptor, now time.Time) {
	e.ID = uuid.NewString()
	e.SourceIP = desc.ClientIP
	e.UserAgent = desc.UserAgent
	e.Endpoint = desc.Path
	e.Timestamp = now
	e.Blocked = e.RiskScore >= d.Threshold(e.Type)

	metrics.ThreatEvents.WithLabelValues(string(e.Type), string(e.Level)).Inc()

	var ev *zerolog.Event
	switch e.Level {
	case LevelCritical, LevelHigh:
		ev = d.log.Error()
	case LevelMedium:
		ev = d.log.Warn()
	default:
		ev = d.log.Info()
	}
	ev.Str("event_id", e.ID).
		Str("threat_type", string(e.Type)).
		Str("source_ip", e.SourceIP).
		Str("endpoint", e.Endpoint).
		Float64("risk_score", e.RiskScore).
		Bool("blocked", e.Blocked).
		Msg("security event")
}

func (d *Detector) checkSQLInjection(desc request.Descriptor) []Event {
	var events []Event
	for name, values := range desc.Query {
		for _, v := range values {
			if containsPattern(v, sqlInjectionPatterns) {
				events = append(events, Event{
					Type: SQLInjection, Level: LevelHigh, RiskScore: 0.9,
					Details: map[string]string{"parameter": name, "value": excerpt(v)},
				})
			}
		}
	}
	for name, v := range desc.Form {
		if containsPattern(v, sqlInjectionPatterns) {
			events = append(events, Event{
				Type: SQLInjection, Level: LevelHigh, RiskScore: 0.9,
				Details: map[string]string{"form_field": name, "value": excerpt(v)},
			})
		}
	}
	return events
}

func (d *Detector) checkXSS(desc request.Descriptor) []Event {
	var events []Event
	for name, values := range desc.Query {
		for _, v := range values {
			if containsPattern(v, xssPatterns) {
				events = append(events, Event{
					Type: XSS, Level: LevelHigh, RiskScore: 0.85,
					Details: map[string]string{"parameter": name, "value": excerpt(v)},
				})
			}
		}
	}
	return events
}

func (d *Detector) checkPathTraversal(desc request.Descriptor) []Event {
	if !containsPattern(desc.Path, pathTraversalPatterns) {
		return nil
	}
	return []Event{{
		Type: SuspiciousPattern, Level: LevelMedium, RiskScore: 0.7,
		Details: map[string]string{"type": "path_traversal"},
	}}
}

func (d *Detector) checkCommandInjection(desc request.Descriptor) []Event {
	var events []Event
	for name, values := range desc.Query {
		for _, v := range values {
			if containsPattern(v, commandInjectionPatterns) {
				events = append(events, Event{
					Type: SuspiciousPattern, Level: LevelHigh, RiskScore: 0.8,
					Details: map[string]string{"type": "command_injection", "parameter": name, "value": excerpt(v)},
				})
			}
		}
	}
	return events
}

// checkBruteForce counts authentication attempts per IP over a 5 minute
// window. The counter includes the current attempt's append, so the event
// fires on the attempt after the threshold is reached.
func (d *Detector) checkBruteForce(ctx context.Context, desc request.Descriptor, userID string, now time.Time) []Event {
	if !request.IsAuthPath(desc.Path) {
		return nil
	}
	prior, _, err := d.store.SlidingWindowAdd(ctx, "tf:auth:"+desc.ClientIP, bruteForceWindow, now)
	if err != nil {
		d.log.Error().Err(err).Str("ip", desc.ClientIP).Msg("brute force check failed")
		metrics.FailOpen.WithLabelValues("threat_brute_force").Inc()
		return nil
	}
	if prior < bruteForceAttempts {
		return nil
	}
	details := map[string]string{"attempts_5min": strconv.Itoa(prior)}
	if userID != "" {
		details["user_id"] = userID
	}
	return []Event{{
		Type: BruteForce, Level: LevelHigh, RiskScore: 0.8, Details: details,
	}}
}

// checkDDoS fires when a single IP exceeds 100 requests inside a minute.
func (d *Detector) checkDDoS(ctx context.Context, desc request.Descriptor, now time.Time) []Event {
	prior, _, err := d.store.SlidingWindowAdd(ctx, "tf:rate:"+desc.ClientIP, ddosWindow, now)
	if err != nil {
		d.log.Error().Err(err).Str("ip", desc.ClientIP).Msg("ddos check failed")
		metrics.FailOpen.WithLabelValues("threat_ddos").Inc()
		return nil
	}
	if prior < ddosRequests {
		return nil
	}
	return []Event{{
		Type: DDoS, Level: LevelCritical, RiskScore: 0.95,
		Details: map[string]string{"requests_per_minute": strconv.Itoa(prior)},
	}}
}

func (d *Detector) checkUserAgent(desc request.Descriptor) []Event {
	matched := matchedUserAgent(desc.UserAgent)
	if matched == "" {
		return nil
	}
	return []Event{{
		Type: SuspiciousPattern, Level: LevelMedium, RiskScore: 0.6,
		Details: map[string]string{"suspicious_pattern": matched},
	}}
}

// checkAnomalousBehavior flags authenticated users touching an unusually
// large set of distinct endpoints, a scraping signature.
func (d *Detector) checkAnomalousBehavior(ctx context.Context, desc request.Descriptor, userID string) []Event {
	if userID == "" {
		return nil
	}
	card, err := d.store.SetAdd(ctx, "tf:endpoints:"+userID, desc.Path, anomalyWindow)
	if err != nil {
		d.log.Error().Err(err).Str("user_id", userID).Msg("anomaly check failed")
		metrics.FailOpen.WithLabelValues("threat_anomaly").Inc()
		return nil
	}
	// Cardinality before this request's endpoint was added.
	prior := int(card) - 1
	if prior <= anomalyEndpoints {
		return nil
	}
	return []Event{{
		Type: AnomalousBehavior, Level: LevelMedium, RiskScore: 0.5,
		Details: map[string]string{
			"unique_endpoints_24h": strconv.Itoa(prior),
			"user_id":              userID,
		},
	}}
}

func excerpt(v string) string {
	if len(v) > valueExcerptLen {
		return v[:valueExcerptLen]
	}
	return v
}
