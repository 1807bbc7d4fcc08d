package request

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestClientIPForwardedFor(t *testing.T) {
	cases := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded_single", "203.0.113.7", "", "10.0.0.1:1234", "203.0.113.7"},
		{"forwarded_chain", "203.0.113.7, 70.41.3.18, 150.172.238.178", "", "10.0.0.1:1234", "203.0.113.7"},
		{"forwarded_spaces", "  203.0.113.7 ,10.0.0.2", "", "10.0.0.1:1234", "203.0.113.7"},
		{"real_ip", "", "198.51.100.9", "10.0.0.1:1234", "198.51.100.9"},
		{"peer_only", "", "", "192.0.2.4:5678", "192.0.2.4"},
		{"peer_no_port", "", "", "192.0.2.4", "192.0.2.4"},
		{"nothing", "", "", "", "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/products", nil)
			r.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.realIP != "" {
				r.Header.Set("X-Real-IP", tc.realIP)
			}
			if got := ClientIP(r); got != tc.want {
				t.Errorf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFromHTTPCapturesQueryAndHeaders(t *testing.T) {
	r := httptest.NewRequest("GET", "/search?q=shoes&page=2", nil)
	r.Header.Set("User-Agent", "test-agent/1.0")
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	r.Header.Set("X-Unrelated", "dropme")

	d := FromHTTP(r)
	if d.Method != "GET" || d.Path != "/search" {
		t.Errorf("method/path = %s %s", d.Method, d.Path)
	}
	if d.Query.Get("q") != "shoes" || d.Query.Get("page") != "2" {
		t.Errorf("query not captured: %v", d.Query)
	}
	if d.UserAgent != "test-agent/1.0" {
		t.Errorf("user agent = %q", d.UserAgent)
	}
	if d.ClientIP != "203.0.113.7" {
		t.Errorf("client ip = %q", d.ClientIP)
	}
	if _, ok := d.Headers["X-Unrelated"]; ok {
		t.Error("unrelated header should not be captured")
	}
}

func TestFromHTTPCapturesForm(t *testing.T) {
	body := url.Values{"username": {"alice"}, "password": {"secret"}}
	r := httptest.NewRequest("POST", "/login", strings.NewReader(body.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if err := r.ParseForm(); err != nil {
		t.Fatal(err)
	}

	d := FromHTTP(r)
	if d.Form["username"] != "alice" {
		t.Errorf("form not captured: %v", d.Form)
	}
}

func TestIsAuthPath(t *testing.T) {
	for path, want := range map[string]bool{
		"/login":              true,
		"/api/v1/auth/token":  true,
		"/signin":             true,
		"/api/v1/products":    false,
		"/api/v1/chat/message": false,
	} {
		if got := IsAuthPath(path); got != want {
			t.Errorf("IsAuthPath(%q) = %v, want %v", path, got, want)
		}
	}
}
