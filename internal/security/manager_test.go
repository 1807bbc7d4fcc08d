package security

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/block"
	"github.com/developingchet/api-sentinel/internal/ratelimit"
	"github.com/developingchet/api-sentinel/internal/request"
	"github.com/developingchet/api-sentinel/internal/rules"
	"github.com/developingchet/api-sentinel/internal/store"
	"github.com/developingchet/api-sentinel/internal/threat"
)

func testTiers() rules.Tiers {
	return rules.Tiers{
		Default: rules.Rule{
			Name: "default", RequestsPerWindow: 100, WindowSeconds: 60,
			BlockDurationSeconds: 300, Scope: rules.ScopeIP, Algorithm: rules.SlidingWindow,
		},
		Authenticated: rules.Rule{
			Name: "authenticated", RequestsPerWindow: 1000, WindowSeconds: 60,
			BlockDurationSeconds: 600, Scope: rules.ScopeUser, Algorithm: rules.SlidingWindow,
		},
		Admin: rules.Rule{
			Name: "admin", RequestsPerWindow: 5000, WindowSeconds: 60,
			BlockDurationSeconds: 900, Scope: rules.ScopeUser, Algorithm: rules.SlidingWindow,
		},
	}
}

func newManager(t *testing.T, whitelist, blacklist []string) (*Manager, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	log := zerolog.Nop()

	reg, err := rules.NewRegistry(testTiers())
	if err != nil {
		t.Fatal(err)
	}
	blk, err := block.New(st, whitelist, blacklist, log)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := threat.NewSink(threat.SinkConfig{Workers: 1, QueueDepth: 128}, st, log)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sink.Start(ctx)
	t.Cleanup(sink.Stop)

	m := NewManager(st, reg,
		ratelimit.New(st, log),
		threat.NewDetector(st, nil, log),
		blk, sink, AllFeatures(), log)
	return m, st
}

func TestCleanRequestAllowed(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	desc := request.Descriptor{
		Method: "GET", Path: "/api/v1/products", ClientIP: "203.0.113.7",
		UserAgent: "Mozilla/5.0",
	}

	d := m.ProcessRequest(context.Background(), desc, "", "")
	if !d.Allowed {
		t.Fatalf("clean request denied: %+v", d)
	}
	if d.Rule.Name != "default" {
		t.Errorf("rule = %q, want default", d.Rule.Name)
	}
	if d.RateLimit.Limit != 100 || d.RateLimit.Remaining != 99 {
		t.Errorf("rate limit = %+v", d.RateLimit)
	}
	if d.ThreatsDetected() != 0 {
		t.Errorf("events = %+v", d.Events)
	}
}

func TestRateLimitDenial(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	ctx := context.Background()
	if err := m.AddRule(rules.Rule{
		Name: "tiny", RequestsPerWindow: 2, WindowSeconds: 60,
		Scope: rules.ScopeIP, Priority: 10,
		Conditions: rules.Conditions{Endpoints: []string{"/api/v1/chat"}},
	}); err != nil {
		t.Fatal(err)
	}
	desc := request.Descriptor{Method: "POST", Path: "/api/v1/chat/message", ClientIP: "203.0.113.7"}

	for i := 0; i < 2; i++ {
		if d := m.ProcessRequest(ctx, desc, "", ""); !d.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
	}
	d := m.ProcessRequest(ctx, desc, "", "")
	if d.Allowed {
		t.Fatal("third request allowed over limit")
	}
	if !d.RateLimited {
		t.Error("decision not marked rate limited")
	}
	if d.RateLimit.RetryAfter < 1 {
		t.Errorf("retry after = %d", d.RateLimit.RetryAfter)
	}
	// The violation is recorded as an abuse event.
	found := false
	for _, e := range d.Events {
		if e.Type == threat.RateLimitAbuse {
			found = true
		}
	}
	if !found {
		t.Errorf("no rate limit abuse event: %+v", d.Events)
	}
}

func TestSQLInjectionDenied(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	desc := request.Descriptor{
		Method: "GET", Path: "/api/v1/products",
		Query:    url.Values{"id": {"1' OR '1'='1"}},
		ClientIP: "203.0.113.7",
	}

	d := m.ProcessRequest(context.Background(), desc, "", "")
	if d.Allowed {
		t.Fatal("sql injection request allowed")
	}
	if d.RateLimited {
		t.Error("denial attributed to rate limiting")
	}
	if d.BlockReason == "" {
		t.Error("block reason not set")
	}
	if d.ThreatsDetected() != 1 {
		t.Errorf("events = %+v", d.Events)
	}
}

func TestBruteForceAutoBlocks(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	ctx := context.Background()
	desc := request.Descriptor{Method: "POST", Path: "/login", ClientIP: "203.0.113.9"}

	for i := 0; i < 10; i++ {
		if d := m.ProcessRequest(ctx, desc, "", ""); !d.Allowed {
			t.Fatalf("priming attempt %d denied: %+v", i+1, d)
		}
	}

	// The 11th attempt trips the detector and auto-blocks the IP.
	d := m.ProcessRequest(ctx, desc, "", "")
	if d.Allowed {
		t.Fatal("11th attempt allowed")
	}
	foundBF := false
	for _, e := range d.Events {
		if e.Type == threat.BruteForce && e.Blocked {
			foundBF = true
		}
	}
	if !foundBF {
		t.Fatalf("no blocked brute force event: %+v", d.Events)
	}

	// Subsequent requests short-circuit on the block registry.
	d = m.ProcessRequest(ctx, desc, "", "")
	if d.Allowed {
		t.Fatal("request from auto-blocked IP allowed")
	}
	if d.BlockReason == "" {
		t.Error("block reason not set for blocked subject")
	}
	// The short-circuit happens before the rate limiter runs.
	if d.RateLimit.Limit != 0 {
		t.Errorf("rate limiter ran for blocked subject: %+v", d.RateLimit)
	}
}

func TestManualBlockAndExpiry(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	ctx := context.Background()

	if err := m.BlockSubject(ctx, "u123", "user", "admin action", 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	desc := request.Descriptor{Method: "GET", Path: "/api/v1/orders", ClientIP: "203.0.113.7"}

	if d := m.ProcessRequest(ctx, desc, "u123", ""); d.Allowed {
		t.Fatal("blocked user allowed")
	}
	time.Sleep(150 * time.Millisecond)
	if d := m.ProcessRequest(ctx, desc, "u123", ""); !d.Allowed {
		t.Fatalf("user still denied after block expiry: %+v", d)
	}
}

func TestWhitelistBypassesPipeline(t *testing.T) {
	m, _ := newManager(t, []string{"203.0.113.0/24"}, nil)
	desc := request.Descriptor{
		Method: "GET", Path: "/api/v1/products",
		Query:    url.Values{"id": {"1 or 1=1"}}, // would otherwise deny
		ClientIP: "203.0.113.50",
	}

	d := m.ProcessRequest(context.Background(), desc, "", "")
	if !d.Allowed {
		t.Fatal("whitelisted request denied")
	}
	if d.ThreatsDetected() != 0 {
		t.Errorf("detectors ran for whitelisted address: %+v", d.Events)
	}
}

func TestBlacklistDeniesImmediately(t *testing.T) {
	m, _ := newManager(t, nil, []string{"198.51.100.0/24"})
	desc := request.Descriptor{Method: "GET", Path: "/api/v1/products", ClientIP: "198.51.100.7"}

	d := m.ProcessRequest(context.Background(), desc, "", "")
	if d.Allowed {
		t.Fatal("blacklisted request allowed")
	}
	if d.BlockReason != "blacklisted" {
		t.Errorf("block reason = %q", d.BlockReason)
	}
}

func TestAuthenticatedTierSelected(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	desc := request.Descriptor{Method: "GET", Path: "/api/v1/orders", ClientIP: "203.0.113.7"}

	d := m.ProcessRequest(context.Background(), desc, "u1", "")
	if d.Rule.Name != "authenticated" {
		t.Errorf("rule = %q, want authenticated", d.Rule.Name)
	}
	if d.RateLimit.Limit != 1000 {
		t.Errorf("limit = %d, want 1000", d.RateLimit.Limit)
	}
}

func TestCustomRuleOverridesAdminTier(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	ctx := context.Background()
	if err := m.AddRule(rules.Rule{
		Name: "stats_tight", RequestsPerWindow: 10, WindowSeconds: 60,
		Scope: rules.ScopeEndpoint, Priority: 5,
		Conditions: rules.Conditions{Endpoints: []string{"/admin/stats"}},
	}); err != nil {
		t.Fatal(err)
	}
	desc := request.Descriptor{Method: "GET", Path: "/admin/stats", ClientIP: "203.0.113.7"}

	d := m.ProcessRequest(ctx, desc, "admin-user", "admin")
	if d.Rule.Name != "stats_tight" {
		t.Errorf("rule = %q, want stats_tight", d.Rule.Name)
	}
	if d.RateLimit.Limit != 10 {
		t.Errorf("limit = %d, want 10", d.RateLimit.Limit)
	}
}

func TestAddRuleRejectsInvalid(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	err := m.AddRule(rules.Rule{Name: "bad", RequestsPerWindow: 0, WindowSeconds: 60, Scope: rules.ScopeIP})
	if err == nil {
		t.Fatal("invalid rule accepted")
	}
}

func TestDisabledFeatures(t *testing.T) {
	st := store.NewMemoryStore()
	log := zerolog.Nop()
	reg, err := rules.NewRegistry(testTiers())
	if err != nil {
		t.Fatal(err)
	}
	blk, err := block.New(st, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := threat.NewSink(threat.SinkConfig{Workers: 1, QueueDepth: 8}, st, log)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(st, reg, ratelimit.New(st, log), threat.NewDetector(st, nil, log),
		blk, sink, Features{}, log)

	// Everything off: even a hostile request sails through.
	desc := request.Descriptor{
		Method: "GET", Path: "/api/v1/products",
		Query:    url.Values{"id": {"1 or 1=1"}},
		ClientIP: "203.0.113.7",
	}
	d := m.ProcessRequest(context.Background(), desc, "", "")
	if !d.Allowed {
		t.Fatalf("request denied with all features disabled: %+v", d)
	}
	if d.ThreatsDetected() != 0 {
		t.Errorf("detector ran while disabled: %+v", d.Events)
	}
}

func TestStatsAndDashboard(t *testing.T) {
	m, st := newManager(t, nil, nil)
	ctx := context.Background()

	// Seed a persisted event and a block.
	if err := st.EventAppend(ctx, store.EventRecord{
		ID: "e1", Type: "xss", Level: "high", Timestamp: time.Now(),
		RiskScore: 0.85, Blocked: true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := m.BlockSubject(ctx, "1.2.3.4", "ip", "manual", time.Hour); err != nil {
		t.Fatal(err)
	}

	rl := m.CollectRateLimitStats(ctx)
	if rl.ActiveRules != 3 {
		t.Errorf("active rules = %d, want 3 tier rules", rl.ActiveRules)
	}
	if rl.BlockedSubjects != 1 {
		t.Errorf("blocked subjects = %d, want 1", rl.BlockedSubjects)
	}
	if !rl.BackendConnected {
		t.Error("backend reported disconnected")
	}

	ts, err := m.CollectThreatStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ts.TotalEvents24h != 1 || ts.EventsByType["xss"] != 1 || ts.BlockedEvents != 1 {
		t.Errorf("threat stats = %+v", ts)
	}

	dash := m.CollectDashboard(ctx)
	if dash.Status != "active" {
		t.Errorf("dashboard status = %q", dash.Status)
	}
	if dash.RateLimiting.BlockedSubjects != 1 {
		t.Errorf("dashboard = %+v", dash)
	}
}

func TestRuntimeConfigUpdates(t *testing.T) {
	m, _ := newManager(t, nil, nil)
	ctx := context.Background()
	desc := request.Descriptor{
		Method: "GET", Path: "/api/v1/products",
		Query:    url.Values{"id": {"1' OR '1'='1"}},
		ClientIP: "203.0.113.7",
	}

	if d := m.ProcessRequest(ctx, desc, "", ""); d.Allowed {
		t.Fatal("injection allowed before threshold change")
	}

	// Raising the threshold above the pattern's risk score stops the deny.
	m.SetThresholds(map[threat.Type]float64{threat.SQLInjection: 0.95})
	d := m.ProcessRequest(ctx, desc, "", "")
	if !d.Allowed {
		t.Fatalf("injection denied with raised threshold: %+v", d)
	}
	if d.ThreatsDetected() != 1 {
		t.Errorf("event not reported: %+v", d.Events)
	}

	// Disabling detection removes the events entirely.
	m.SetFeatures(Features{RateLimiting: true, IPBlocklist: true})
	d = m.ProcessRequest(ctx, desc, "", "")
	if !d.Allowed || d.ThreatsDetected() != 0 {
		t.Errorf("detector ran while disabled: %+v", d)
	}
	if got := m.Features(); got.ThreatDetection {
		t.Errorf("features = %+v", got)
	}
}

// downStore fails every operation the decision path touches.
type downStore struct{ store.Store }

var errStoreDown = errors.New("backend down")

func (downStore) SlidingWindowAdd(context.Context, string, time.Duration, time.Time) (int, time.Time, error) {
	return 0, time.Time{}, errStoreDown
}

func (downStore) FixedWindowIncr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func (downStore) GetBucket(context.Context, string) (store.BucketState, bool, error) {
	return store.BucketState{}, false, errStoreDown
}

func (downStore) SetBucket(context.Context, string, store.BucketState, time.Duration) error {
	return errStoreDown
}

func (downStore) SetAdd(context.Context, string, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func (downStore) BlockGet(context.Context, string) (store.BlockEntry, bool, error) {
	return store.BlockEntry{}, false, errStoreDown
}

func (downStore) EventAppend(context.Context, store.EventRecord) error { return errStoreDown }

func TestProcessRequestFailsOpenWhenStoreErrors(t *testing.T) {
	st := downStore{store.NewMemoryStore()}
	log := zerolog.Nop()
	reg, err := rules.NewRegistry(testTiers())
	if err != nil {
		t.Fatal(err)
	}
	blk, err := block.New(st, nil, nil, log)
	if err != nil {
		t.Fatal(err)
	}
	sink, err := threat.NewSink(threat.SinkConfig{Workers: 1, QueueDepth: 8}, st, log)
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager(st, reg, ratelimit.New(st, log), threat.NewDetector(st, nil, log),
		blk, sink, AllFeatures(), log)
	ctx := context.Background()

	// A clean request sails through even though every backend call fails.
	desc := request.Descriptor{Method: "GET", Path: "/api/v1/products", ClientIP: "203.0.113.7"}
	d := m.ProcessRequest(ctx, desc, "u1", "")
	if !d.Allowed {
		t.Fatalf("decision denied with erroring store: %+v", d)
	}
	if d.RateLimit.Remaining != d.RateLimit.Limit {
		t.Errorf("fail-open result not a full window: %+v", d.RateLimit)
	}
	if d.ThreatsDetected() != 0 {
		t.Errorf("behavioral checks produced events with erroring store: %+v", d.Events)
	}

	// Auth-path hammering: the brute force counter is unavailable, so the
	// check degrades to a no-op instead of denying.
	authDesc := request.Descriptor{Method: "POST", Path: "/login", ClientIP: "203.0.113.9"}
	for i := 0; i < 12; i++ {
		if d := m.ProcessRequest(ctx, authDesc, "", ""); !d.Allowed {
			t.Fatalf("attempt %d denied with erroring store: %+v", i+1, d)
		}
	}
}
