// Package server exposes the HTTP surfaces: the gate in front of the
// upstream, the admin API, and the metrics/health planes.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/request"
	"github.com/developingchet/api-sentinel/internal/security"
)

// formCaptureLimit caps how much of a form body the gate inspects. Larger
// bodies pass through uninspected rather than being buffered in memory.
const formCaptureLimit = 64 << 10

// Gate runs every inbound request through the security pipeline before
// handing it to next (normally the upstream proxy).
type Gate struct {
	manager    *security.Manager
	next       http.Handler
	userHeader string
	roleHeader string
	// timeout bounds the whole decision. Stages that miss it fail open.
	timeout time.Duration
	log     zerolog.Logger
}

// NewGate wraps next with the security pipeline.
func NewGate(m *security.Manager, next http.Handler, userHeader, roleHeader string, timeout time.Duration, log zerolog.Logger) *Gate {
	return &Gate{
		manager:    m,
		next:       next,
		userHeader: userHeader,
		roleHeader: roleHeader,
		timeout:    timeout,
		log:        log.With().Str("component", "gate").Logger(),
	}
}

func (g *Gate) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	captureForm(r)
	desc := request.FromHTTP(r)
	userID := r.Header.Get(g.userHeader)
	role := r.Header.Get(g.roleHeader)

	ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
	d := g.manager.ProcessRequest(ctx, desc, userID, role)
	cancel()

	writeRateLimitHeaders(w, d)
	if n := d.ThreatsDetected(); n > 0 {
		w.Header().Set("X-Security-Threats", strconv.Itoa(n))
	}

	switch {
	case d.Allowed:
		g.next.ServeHTTP(w, r)
	case d.RateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(d.RateLimit.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "Rate limit exceeded",
			"error_type":  "rate_limited",
			"retry_after": d.RateLimit.RetryAfter,
		})
	default:
		w.Header().Set("X-Security-Block", "true")
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      d.BlockReason,
			"error_type": "security_block",
		})
	}
}

// captureForm buffers a form-encoded body so the detectors can inspect it,
// then restores it for the upstream. Oversized or non-form bodies are left
// untouched.
func captureForm(r *http.Request) {
	if r.Body == nil || r.Body == http.NoBody {
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return
	}
	if r.ContentLength < 0 || r.ContentLength > formCaptureLimit {
		return
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, formCaptureLimit))
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(buf))
	if err != nil {
		return
	}
	if form, err := url.ParseQuery(string(buf)); err == nil {
		r.PostForm = form
	}
}

// writeRateLimitHeaders reflects the limiter state on every response that
// went through the limiter. Whitelist bypasses carry no limiter state.
func writeRateLimitHeaders(w http.ResponseWriter, d security.Decision) {
	if d.RateLimit.Limit == 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.ResetTime, 10))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
