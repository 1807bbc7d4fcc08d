package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func newTestAdmin(t *testing.T) http.Handler {
	t.Helper()
	return NewAdminHandler(newTestManager(t), zerolog.Nop())
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRuleLifecycle(t *testing.T) {
	h := newTestAdmin(t)

	rec := doJSON(t, h, "POST", "/rules", `{
		"name": "chat_tight",
		"requests_per_window": 5,
		"window_seconds": 60,
		"block_duration_seconds": 120,
		"scope": "ip",
		"algorithm": "token_bucket",
		"burst_size": 10,
		"priority": 10,
		"conditions": {"endpoints": ["/api/v1/chat"]}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/rules", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	var list struct {
		Rules []string `json:"rules"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Rules) != 1 || list.Rules[0] != "chat_tight" {
		t.Errorf("rules = %v", list.Rules)
	}

	rec = doJSON(t, h, "DELETE", "/rules/chat_tight", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d", rec.Code)
	}
	rec = doJSON(t, h, "DELETE", "/rules/chat_tight", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete: status = %d, want 404", rec.Code)
	}
}

func TestAdminRejectsInvalidRule(t *testing.T) {
	h := newTestAdmin(t)
	rec := doJSON(t, h, "POST", "/rules", `{"name": "bad", "requests_per_window": 0, "window_seconds": 60, "scope": "ip"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdminBlockLifecycle(t *testing.T) {
	h := newTestAdmin(t)

	rec := doJSON(t, h, "POST", "/blocks", `{"subject": "203.0.113.7", "kind": "ip", "reason": "abuse", "duration_seconds": 300}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("block: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/blocks", "")
	var list struct {
		Blocks []struct {
			Subject string `json:"subject"`
			Reason  string `json:"reason"`
		} `json:"blocks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Blocks) != 1 || list.Blocks[0].Subject != "203.0.113.7" {
		t.Fatalf("blocks = %+v", list.Blocks)
	}

	rec = doJSON(t, h, "DELETE", "/blocks/203.0.113.7", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unblock: status = %d", rec.Code)
	}
	rec = doJSON(t, h, "GET", "/blocks", "")
	list.Blocks = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Blocks) != 0 {
		t.Errorf("blocks after unblock = %+v", list.Blocks)
	}
}

func TestAdminRejectsZeroDurationBlock(t *testing.T) {
	h := newTestAdmin(t)
	rec := doJSON(t, h, "POST", "/blocks", `{"subject": "203.0.113.7"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestAdminStats(t *testing.T) {
	h := newTestAdmin(t)

	rec := doJSON(t, h, "GET", "/stats/rate-limit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rl struct {
		ActiveRules      int  `json:"active_rules"`
		BackendConnected bool `json:"backend_connected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rl); err != nil {
		t.Fatal(err)
	}
	if rl.ActiveRules != 3 || !rl.BackendConnected {
		t.Errorf("stats = %+v", rl)
	}

	rec = doJSON(t, h, "GET", "/stats/threats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("threat stats: status = %d", rec.Code)
	}

	rec = doJSON(t, h, "GET", "/dashboard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: status = %d", rec.Code)
	}
	var dash struct {
		Status   string `json:"status"`
		Features struct {
			RateLimiting bool `json:"rate_limiting"`
		} `json:"features"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &dash); err != nil {
		t.Fatal(err)
	}
	if dash.Status != "active" || !dash.Features.RateLimiting {
		t.Errorf("dashboard = %+v", dash)
	}
}

func TestAdminConfigRoundTrip(t *testing.T) {
	h := newTestAdmin(t)

	rec := doJSON(t, h, "PUT", "/config", `{
		"enabled_features": ["rate_limiting", "ip_blocklist"],
		"threat_thresholds": {"sql_injection": 0.95},
		"ip_blacklist": ["198.51.100.0/24"]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: status = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, "GET", "/config", "")
	var view struct {
		EnabledFeatures  []string           `json:"enabled_features"`
		ThreatThresholds map[string]float64 `json:"threat_thresholds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if len(view.EnabledFeatures) != 2 {
		t.Errorf("features = %v", view.EnabledFeatures)
	}
	for _, f := range view.EnabledFeatures {
		if f == "threat_detection" {
			t.Errorf("threat_detection still enabled: %v", view.EnabledFeatures)
		}
	}
	if view.ThreatThresholds["sql_injection"] != 0.95 {
		t.Errorf("thresholds = %v", view.ThreatThresholds)
	}
}

func TestAdminConfigRejectsBadValues(t *testing.T) {
	h := newTestAdmin(t)

	rec := doJSON(t, h, "PUT", "/config", `{"threat_thresholds": {"xss": 1.5}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad threshold: status = %d", rec.Code)
	}
	rec = doJSON(t, h, "PUT", "/config", `{"ip_whitelist": ["not-an-ip"]}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad whitelist: status = %d", rec.Code)
	}
}
