package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/rules"
	"github.com/developingchet/api-sentinel/internal/security"
	"github.com/developingchet/api-sentinel/internal/threat"
)

// NewAdminHandler builds the admin API. The admin plane listens on its own
// address and is expected to sit behind network-level access control.
func NewAdminHandler(m *security.Manager, log zerolog.Logger) http.Handler {
	a := &adminAPI{manager: m, log: log.With().Str("component", "admin").Logger()}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rules", a.listRules)
	mux.HandleFunc("POST /rules", a.addRule)
	mux.HandleFunc("DELETE /rules/{name}", a.removeRule)
	mux.HandleFunc("GET /blocks", a.listBlocks)
	mux.HandleFunc("POST /blocks", a.addBlock)
	mux.HandleFunc("DELETE /blocks/{subject}", a.removeBlock)
	mux.HandleFunc("GET /stats/rate-limit", a.rateLimitStats)
	mux.HandleFunc("GET /stats/threats", a.threatStats)
	mux.HandleFunc("GET /dashboard", a.dashboard)
	mux.HandleFunc("GET /config", a.getConfig)
	mux.HandleFunc("PUT /config", a.updateConfig)
	return mux
}

type adminAPI struct {
	manager *security.Manager
	log     zerolog.Logger
}

func (a *adminAPI) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": a.manager.RuleNames()})
}

func (a *adminAPI) addRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.manager.AddRule(rule); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "created", "rule": rule.Name})
}

func (a *adminAPI) removeRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.manager.RemoveRule(name) {
		writeError(w, http.StatusNotFound, fmt.Errorf("rule %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "rule": name})
}

func (a *adminAPI) listBlocks(w http.ResponseWriter, r *http.Request) {
	entries, err := a.manager.ActiveBlocks(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": entries})
}

type blockRequest struct {
	Subject         string `json:"subject"`
	Kind            string `json:"kind"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration_seconds"`
}

func (a *adminAPI) addBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DurationSeconds <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("duration_seconds must be > 0"))
		return
	}
	if req.Kind == "" {
		req.Kind = "ip"
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	duration := time.Duration(req.DurationSeconds) * time.Second
	if err := a.manager.BlockSubject(r.Context(), req.Subject, req.Kind, req.Reason, duration); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "blocked", "subject": req.Subject})
}

func (a *adminAPI) removeBlock(w http.ResponseWriter, r *http.Request) {
	subject := r.PathValue("subject")
	if err := a.manager.UnblockSubject(r.Context(), subject); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "unblocked", "subject": subject})
}

func (a *adminAPI) rateLimitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.CollectRateLimitStats(r.Context()))
}

func (a *adminAPI) threatStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.manager.CollectThreatStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *adminAPI) dashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.manager.CollectDashboard(r.Context()))
}

// configView is the runtime-adjustable slice of the configuration.
type configView struct {
	EnabledFeatures  []string           `json:"enabled_features"`
	ThreatThresholds map[string]float64 `json:"threat_thresholds"`
}

// configUpdate uses pointers so absent fields leave the current value alone.
type configUpdate struct {
	EnabledFeatures  *[]string          `json:"enabled_features"`
	IPWhitelist      *[]string          `json:"ip_whitelist"`
	IPBlacklist      *[]string          `json:"ip_blacklist"`
	ThreatThresholds map[string]float64 `json:"threat_thresholds"`
}

func (a *adminAPI) getConfig(w http.ResponseWriter, r *http.Request) {
	features := featureList(a.manager.Features())
	thresholds := make(map[string]float64)
	for t, v := range a.manager.Thresholds() {
		thresholds[string(t)] = v
	}
	writeJSON(w, http.StatusOK, configView{EnabledFeatures: features, ThreatThresholds: thresholds})
}

func (a *adminAPI) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req configUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.ThreatThresholds != nil {
		thresholds := make(map[threat.Type]float64, len(req.ThreatThresholds))
		for name, v := range req.ThreatThresholds {
			if v < 0 || v > 1 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("threshold %q out of range [0,1]", name))
				return
			}
			thresholds[threat.Type(name)] = v
		}
		a.manager.SetThresholds(thresholds)
	}
	if req.IPWhitelist != nil {
		if err := a.manager.SetWhitelist(*req.IPWhitelist); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.IPBlacklist != nil {
		if err := a.manager.SetBlacklist(*req.IPBlacklist); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if req.EnabledFeatures != nil {
		a.manager.SetFeatures(FeaturesFromList(*req.EnabledFeatures))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

// FeaturesFromList maps feature names to toggles; unknown names are ignored.
func FeaturesFromList(names []string) security.Features {
	var f security.Features
	for _, n := range names {
		switch n {
		case "rate_limiting":
			f.RateLimiting = true
		case "threat_detection":
			f.ThreatDetection = true
		case "ip_blocklist":
			f.IPBlocklist = true
		}
	}
	return f
}

func featureList(f security.Features) []string {
	var names []string
	if f.RateLimiting {
		names = append(names, "rate_limiting")
	}
	if f.ThreatDetection {
		names = append(names, "threat_detection")
	}
	if f.IPBlocklist {
		names = append(names, "ip_blocklist")
	}
	return names
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
