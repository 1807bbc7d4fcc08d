// Package request defines the inbound request descriptor consumed by the
// security pipeline. The HTTP layer builds one Descriptor per request; the
// core never touches *http.Request directly.
package request

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// Descriptor is the nominal view of an inbound HTTP request.
type Descriptor struct {
	Method    string
	Path      string
	Query     url.Values
	Form      map[string]string
	Headers   map[string]string
	ClientIP  string
	UserAgent string
}

// headersOfInterest are the only headers copied into the descriptor.
// The full header set never enters the security core.
var headersOfInterest = []string{
	"User-Agent",
	"X-Forwarded-For",
	"X-Real-IP",
	"Authorization",
	"Content-Type",
	"Referer",
}

// FromHTTP builds a Descriptor from an *http.Request. Form fields are only
// captured for form-encoded bodies that have already been parsed by the
// caller (r.ParseForm); the descriptor never reads the body itself.
func FromHTTP(r *http.Request) Descriptor {
	d := Descriptor{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.Query(),
		Headers:   make(map[string]string, len(headersOfInterest)),
		ClientIP:  ClientIP(r),
		UserAgent: r.UserAgent(),
	}
	for _, h := range headersOfInterest {
		if v := r.Header.Get(h); v != "" {
			d.Headers[h] = v
		}
	}
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") && r.PostForm != nil {
		d.Form = make(map[string]string, len(r.PostForm))
		for k, vs := range r.PostForm {
			if len(vs) > 0 {
				d.Form[k] = vs[0]
			}
		}
	}
	return d
}

// ClientIP resolves the client address, preferring the first X-Forwarded-For
// hop, then X-Real-IP, then the socket peer. Returns "unknown" when nothing
// usable is present so callers never key on an empty string.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return strings.TrimSpace(real)
	}
	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}
	return "unknown"
}

// IsAuthPath reports whether the path targets an authentication endpoint.
// Used by the brute force detector to scope its per-IP counters.
func IsAuthPath(path string) bool {
	for _, p := range []string{"/login", "/auth", "/signin", "/token"} {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}
