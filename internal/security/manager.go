// Package security orchestrates the full pipeline: block registry check,
// rate limiting, threat detection, and the aggregate allow/deny decision.
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/block"
	"github.com/developingchet/api-sentinel/internal/metrics"
	"github.com/developingchet/api-sentinel/internal/ratelimit"
	"github.com/developingchet/api-sentinel/internal/request"
	"github.com/developingchet/api-sentinel/internal/rules"
	"github.com/developingchet/api-sentinel/internal/store"
	"github.com/developingchet/api-sentinel/internal/threat"
)

// Features toggles pipeline stages. A disabled stage behaves as if it found
// nothing.
type Features struct {
	RateLimiting    bool `json:"rate_limiting"`
	ThreatDetection bool `json:"threat_detection"`
	IPBlocklist     bool `json:"ip_blocklist"`
}

// AllFeatures enables every stage.
func AllFeatures() Features {
	return Features{RateLimiting: true, ThreatDetection: true, IPBlocklist: true}
}

// Decision is the outcome of processing one request through the pipeline.
type Decision struct {
	Allowed bool
	// BlockReason is set when the request was denied outright (blocked
	// subject, blacklist, or high-risk threat), empty otherwise.
	BlockReason string
	// RateLimited reports whether the rate limiter denied the request.
	RateLimited bool
	RateLimit   ratelimit.Result
	Rule        rules.Rule
	Events      []threat.Event
}

// ThreatsDetected is the number of security events the request produced.
func (d Decision) ThreatsDetected() int { return len(d.Events) }

// Manager wires the pipeline stages together.
type Manager struct {
	store    store.Store
	rules    *rules.Registry
	engine   *ratelimit.Engine
	detector *threat.Detector
	blocks   *block.Registry
	sink     *threat.Sink
	log      zerolog.Logger

	mu       sync.RWMutex
	features Features
}

// NewManager assembles a Manager from its stages.
func NewManager(st store.Store, reg *rules.Registry, eng *ratelimit.Engine, det *threat.Detector, blk *block.Registry, sink *threat.Sink, features Features, log zerolog.Logger) *Manager {
	return &Manager{
		store:    st,
		rules:    reg,
		engine:   eng,
		detector: det,
		blocks:   blk,
		sink:     sink,
		features: features,
		log:      log.With().Str("component", "security").Logger(),
	}
}

// ProcessRequest runs the full pipeline for one request. It never returns an
// error: expected conditions (blocked, rate-limited, threat found) are
// expressed in the Decision, and backend failures fail open inside each
// stage.
func (m *Manager) ProcessRequest(ctx context.Context, desc request.Descriptor, userID, role string) Decision {
	start := time.Now()
	d := m.process(ctx, desc, userID, role, start)
	metrics.DecisionDuration.Observe(time.Since(start).Seconds())

	outcome := "allowed"
	if !d.Allowed {
		outcome = "denied"
	}
	metrics.RequestsProcessed.WithLabelValues(outcome).Inc()
	return d
}

func (m *Manager) process(ctx context.Context, desc request.Descriptor, userID, role string, now time.Time) Decision {
	features := m.Features()

	// Whitelisted addresses bypass the pipeline entirely.
	if m.blocks.IsWhitelisted(desc.ClientIP) {
		return Decision{Allowed: true}
	}
	if m.blocks.IsBlacklisted(desc.ClientIP) {
		metrics.Denials.WithLabelValues("blacklist").Inc()
		return Decision{BlockReason: "blacklisted"}
	}

	// Blocked subjects short-circuit before any counters move.
	if features.IPBlocklist {
		if blocked, reason := m.blocks.IsBlocked(ctx, desc.ClientIP); blocked {
			metrics.Denials.WithLabelValues("blocked").Inc()
			return Decision{BlockReason: blockReason(reason)}
		}
		if userID != "" {
			if blocked, reason := m.blocks.IsBlocked(ctx, userID); blocked {
				metrics.Denials.WithLabelValues("blocked").Inc()
				return Decision{BlockReason: blockReason(reason)}
			}
		}
	}

	d := Decision{Allowed: true}
	d.Rule = m.rules.Resolve(desc, userID, role)

	if features.RateLimiting {
		key := rules.Key(d.Rule, desc, userID)
		d.RateLimit = m.engine.Check(ctx, key, d.Rule, now)
		if !d.RateLimit.Allowed {
			d.Allowed = false
			d.RateLimited = true
			metrics.Denials.WithLabelValues("rate_limit").Inc()
		}
	} else {
		d.RateLimit = ratelimit.Result{
			Allowed:   true,
			Limit:     d.Rule.RequestsPerWindow,
			Remaining: d.Rule.RequestsPerWindow,
			ResetTime: now.Add(time.Duration(d.Rule.WindowSeconds) * time.Second).Unix(),
		}
	}

	// Threat detection always runs, even for rate-limited requests: an
	// attacker over the limit is exactly who the detectors should see.
	if features.ThreatDetection {
		d.Events = m.detector.Analyze(ctx, desc, userID, now)
	}
	if d.RateLimited {
		d.Events = append(d.Events, m.rateAbuseEvent(desc, now))
	}

	for _, e := range d.Events {
		if e.Blocked && e.Type != threat.RateLimitAbuse {
			d.Allowed = false
			if d.BlockReason == "" && !d.RateLimited {
				d.BlockReason = fmt.Sprintf("high-risk threat detected: %s", e.Type)
				metrics.Denials.WithLabelValues("threat").Inc()
			}
		}
		if e.Blocked && (e.Type == threat.BruteForce || e.Type == threat.DDoS) {
			m.autoBlock(ctx, desc, userID, e, d.Rule)
		}
		m.sink.Enqueue(e)
	}
	return d
}

// rateAbuseEvent records a limit violation in the event log so the abuse
// shows up in the 24h statistics alongside the other threat types.
func (m *Manager) rateAbuseEvent(desc request.Descriptor, now time.Time) threat.Event {
	risk := 0.6
	return threat.Event{
		ID:        uuid.NewString(),
		Type:      threat.RateLimitAbuse,
		Level:     threat.LevelHigh,
		SourceIP:  desc.ClientIP,
		UserAgent: desc.UserAgent,
		Endpoint:  desc.Path,
		Timestamp: now,
		Details:   map[string]string{"reason": "rate limit exceeded"},
		Blocked:   risk >= m.detector.Threshold(threat.RateLimitAbuse),
		RiskScore: risk,
	}
}

// autoBlock installs a temporary block for the attacking IP, and the user
// when one is known, using the matched rule's block duration.
func (m *Manager) autoBlock(ctx context.Context, desc request.Descriptor, userID string, e threat.Event, rule rules.Rule) {
	duration := time.Duration(rule.BlockDurationSeconds) * time.Second
	if duration <= 0 {
		return
	}
	if err := m.blocks.Block(ctx, desc.ClientIP, "ip", string(e.Type), duration); err != nil {
		m.log.Error().Err(err).Str("ip", desc.ClientIP).Msg("auto-block failed")
	}
	if userID != "" && e.Type == threat.BruteForce {
		if err := m.blocks.Block(ctx, userID, "user", string(e.Type), duration); err != nil {
			m.log.Error().Err(err).Str("user_id", userID).Msg("auto-block failed")
		}
	}
}

func blockReason(reason string) string {
	if reason == "" {
		return "blocked"
	}
	return "blocked: " + reason
}

// ---- Admin surface ---------------------------------------------------------

// AddRule registers a custom rate limit rule. Invalid rules are rejected
// synchronously; this is the only error the pipeline raises to callers.
func (m *Manager) AddRule(r rules.Rule) error {
	if err := m.rules.Add(r); err != nil {
		return err
	}
	m.log.Info().Str("rule", r.Name).Int("priority", r.Priority).Msg("custom rule added")
	return nil
}

// RemoveRule deletes a custom rule.
func (m *Manager) RemoveRule(name string) bool {
	ok := m.rules.Remove(name)
	if ok {
		m.log.Info().Str("rule", name).Msg("custom rule removed")
	}
	return ok
}

// BlockSubject installs a manual block.
func (m *Manager) BlockSubject(ctx context.Context, subject, kind, reason string, duration time.Duration) error {
	return m.blocks.Block(ctx, subject, kind, reason, duration)
}

// UnblockSubject removes a block.
func (m *Manager) UnblockSubject(ctx context.Context, subject string) error {
	return m.blocks.Unblock(ctx, subject)
}

// RuleNames lists the registered custom rules.
func (m *Manager) RuleNames() []string { return m.rules.Names() }

// Features returns the active feature toggles.
func (m *Manager) Features() Features {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.features
}

// SetFeatures replaces the feature toggles.
func (m *Manager) SetFeatures(f Features) {
	m.mu.Lock()
	m.features = f
	m.mu.Unlock()
	m.log.Info().
		Bool("rate_limiting", f.RateLimiting).
		Bool("threat_detection", f.ThreatDetection).
		Bool("ip_blocklist", f.IPBlocklist).
		Msg("feature toggles updated")
}

// SetThresholds replaces the threat blocking thresholds.
func (m *Manager) SetThresholds(thresholds map[threat.Type]float64) {
	m.detector.SetThresholds(thresholds)
	m.log.Info().Int("entries", len(thresholds)).Msg("threat thresholds updated")
}

// Thresholds returns the active threat blocking thresholds.
func (m *Manager) Thresholds() map[threat.Type]float64 { return m.detector.Thresholds() }

// SetWhitelist replaces the IP whitelist.
func (m *Manager) SetWhitelist(entries []string) error { return m.blocks.SetWhitelist(entries) }

// SetBlacklist replaces the IP blacklist.
func (m *Manager) SetBlacklist(entries []string) error { return m.blocks.SetBlacklist(entries) }

// ActiveBlocks lists currently blocked subjects.
func (m *Manager) ActiveBlocks(ctx context.Context) ([]store.BlockEntry, error) {
	return m.blocks.Active(ctx)
}

// RateLimitStats summarizes limiter configuration and backend health.
type RateLimitStats struct {
	ActiveRules      int  `json:"active_rules"`
	BlockedSubjects  int  `json:"blocked_subjects"`
	BackendConnected bool `json:"backend_connected"`
}

// CollectRateLimitStats reports limiter-side statistics.
func (m *Manager) CollectRateLimitStats(ctx context.Context) RateLimitStats {
	stats := RateLimitStats{ActiveRules: m.rules.Count()}
	if entries, err := m.blocks.Active(ctx); err == nil {
		stats.BlockedSubjects = len(entries)
	}
	stats.BackendConnected = m.store.Ping(ctx) == nil
	return stats
}

// CollectThreatStats aggregates the trailing 24 hours of security events.
func (m *Manager) CollectThreatStats(ctx context.Context) (threat.Stats, error) {
	return threat.CollectStats(ctx, m.store, time.Now())
}

// Dashboard is the combined security overview served by the admin API.
type Dashboard struct {
	Status       string         `json:"status"`
	Features     Features       `json:"features"`
	RateLimiting RateLimitStats `json:"rate_limiting"`
	Threats      threat.Stats   `json:"threat_detection"`
	SinkDepth    int            `json:"event_sink_depth"`
}

// CollectDashboard builds the combined overview.
func (m *Manager) CollectDashboard(ctx context.Context) Dashboard {
	d := Dashboard{
		Status:       "active",
		Features:     m.Features(),
		RateLimiting: m.CollectRateLimitStats(ctx),
		SinkDepth:    m.sink.Depth(),
	}
	if stats, err := m.CollectThreatStats(ctx); err == nil {
		d.Threats = stats
	} else {
		m.log.Warn().Err(err).Msg("threat stats unavailable")
	}
	return d
}
