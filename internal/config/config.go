// Package config loads all settings from environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Gate (data plane)
	ListenAddr     string `koanf:"listen_addr"`
	UpstreamURL    string `koanf:"upstream_url"`
	AuthUserHeader string `koanf:"auth_user_header"`
	AuthRoleHeader string `koanf:"auth_role_header"`

	// Store backend
	StoreBackend  string        `koanf:"store_backend"` // memory, redis, bbolt
	StoreTimeout  time.Duration `koanf:"store_timeout"`
	RedisAddr     string        `koanf:"redis_addr"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	DataDir       string        `koanf:"data_dir"`

	// Feature toggles
	EnabledFeatures []string `koanf:"enabled_features"`

	// Tier rate limit rules
	DefaultRequestsPerWindow int `koanf:"default_requests_per_window"`
	DefaultWindowSeconds     int `koanf:"default_window_seconds"`
	DefaultBlockDuration     int `koanf:"default_block_duration"`
	AuthRequestsPerWindow    int `koanf:"auth_requests_per_window"`
	AuthWindowSeconds        int `koanf:"auth_window_seconds"`
	AuthBlockDuration        int `koanf:"auth_block_duration"`
	AdminRequestsPerWindow   int `koanf:"admin_requests_per_window"`
	AdminWindowSeconds       int `koanf:"admin_window_seconds"`
	AdminBlockDuration       int `koanf:"admin_block_duration"`

	// Threat detection
	ThreatThresholds []string `koanf:"threat_thresholds"` // type=value pairs

	// Static IP lists
	IPWhitelist []string `koanf:"ip_whitelist"`
	IPBlacklist []string `koanf:"ip_blacklist"`

	// Event sink
	SinkWorkers    int `koanf:"sink_workers"`
	SinkQueueDepth int `koanf:"sink_queue_depth"`

	// Housekeeping
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	EventRetention  time.Duration `koanf:"event_retention"`

	// Operational
	LogLevel    string `koanf:"log_level"`
	LogFormat   string `koanf:"log_format"`
	AdminAddr   string `koanf:"admin_addr"`
	MetricsAddr string `koanf:"metrics_addr"`
	HealthAddr  string `koanf:"health_addr"`
}

// FeatureEnabled reports whether the named feature is switched on.
func (c *Config) FeatureEnabled(name string) bool {
	for _, f := range c.EnabledFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// ParseThresholds parses "type=value" pairs into a map.
func (c *Config) ParseThresholds() (map[string]float64, error) {
	out := make(map[string]float64, len(c.ThreatThresholds))
	for _, pair := range c.ThreatThresholds {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid threshold %q: expected format type=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold %q: %w", pair, err)
		}
		if v < 0 || v > 1 {
			return nil, fmt.Errorf("threshold %q out of range [0,1]", pair)
		}
		out[strings.TrimSpace(parts[0])] = v
	}
	return out, nil
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.UpstreamURL = stripEnvQuotes(c.UpstreamURL)
	c.AuthUserHeader = stripEnvQuotes(c.AuthUserHeader)
	c.AuthRoleHeader = stripEnvQuotes(c.AuthRoleHeader)
	c.StoreBackend = stripEnvQuotes(c.StoreBackend)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.RedisPassword = stripEnvQuotes(c.RedisPassword)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.AdminAddr = stripEnvQuotes(c.AdminAddr)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	// Slice fields: strip each element
	for i, s := range c.EnabledFeatures {
		c.EnabledFeatures[i] = stripEnvQuotes(s)
	}
	for i, s := range c.ThreatThresholds {
		c.ThreatThresholds[i] = stripEnvQuotes(s)
	}
	for i, s := range c.IPWhitelist {
		c.IPWhitelist[i] = stripEnvQuotes(s)
	}
	for i, s := range c.IPBlacklist {
		c.IPBlacklist[i] = stripEnvQuotes(s)
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":                 ":8080",
		"auth_user_header":            "X-Auth-User-Id",
		"auth_role_header":            "X-Auth-User-Role",
		"store_backend":               "memory",
		"store_timeout":               "250ms",
		"redis_addr":                  "localhost:6379",
		"redis_db":                    0,
		"data_dir":                    "/data",
		"enabled_features":            "rate_limiting,threat_detection,ip_blocklist",
		"default_requests_per_window": 100,
		"default_window_seconds":      60,
		"default_block_duration":      300,
		"auth_requests_per_window":    1000,
		"auth_window_seconds":         60,
		"auth_block_duration":         600,
		"admin_requests_per_window":   5000,
		"admin_window_seconds":        60,
		"admin_block_duration":        900,
		"sink_workers":                2,
		"sink_queue_depth":            4096,
		"janitor_interval":            "1m",
		"event_retention":             "24h",
		"log_level":                   "info",
		"log_format":                  "json",
		"admin_addr":                  ":8081",
		"metrics_addr":                ":9090",
		"health_addr":                 ":8082",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. Only symmetric pairs are stripped: 'x' → x, "x" → x.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// Use "." as delimiter so that env vars with "_" in their names are
	// treated as flat keys, not nested paths. E.g. LISTEN_ADDR → "listen_addr"
	// maps to struct tag koanf:"listen_addr" without any nesting.
	k := koanf.New(".")

	// Apply defaults first
	defs := defaults()
	if err := k.Load(&rawProvider{data: defs}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// Load from environment with "." as delimiter so env vars aren't split
	// by "_". Our env var names don't contain ".", so they stay flat.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	// Inject _FILE secrets
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Post-process comma-separated list fields that koanf won't split automatically
	cfg.EnabledFeatures = splitCSV(k.String("enabled_features"))
	cfg.ThreatThresholds = splitCSV(k.String("threat_thresholds"))
	cfg.IPWhitelist = splitCSV(k.String("ip_whitelist"))
	cfg.IPBlacklist = splitCSV(k.String("ip_blacklist"))

	// Strip Docker env-file quoting from all string values
	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.UpstreamURL != "" &&
		!strings.HasPrefix(c.UpstreamURL, "http://") && !strings.HasPrefix(c.UpstreamURL, "https://") {
		return fmt.Errorf("UPSTREAM_URL must start with http:// or https://; got %q", c.UpstreamURL)
	}

	validBackends := map[string]bool{"memory": true, "redis": true, "bbolt": true}
	if !validBackends[c.StoreBackend] {
		return fmt.Errorf("STORE_BACKEND must be memory, redis, or bbolt; got %q", c.StoreBackend)
	}
	if c.StoreBackend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when STORE_BACKEND is redis")
	}
	if c.StoreBackend == "bbolt" && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required when STORE_BACKEND is bbolt")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be > 0; got %s", c.StoreTimeout)
	}

	for _, pair := range []struct {
		name     string
		requests int
		window   int
		block    int
	}{
		{"DEFAULT", c.DefaultRequestsPerWindow, c.DefaultWindowSeconds, c.DefaultBlockDuration},
		{"AUTH", c.AuthRequestsPerWindow, c.AuthWindowSeconds, c.AuthBlockDuration},
		{"ADMIN", c.AdminRequestsPerWindow, c.AdminWindowSeconds, c.AdminBlockDuration},
	} {
		if pair.requests < 1 {
			return fmt.Errorf("%s_REQUESTS_PER_WINDOW must be >= 1; got %d", pair.name, pair.requests)
		}
		if pair.window < 1 {
			return fmt.Errorf("%s_WINDOW_SECONDS must be >= 1; got %d", pair.name, pair.window)
		}
		if pair.block < 0 {
			return fmt.Errorf("%s_BLOCK_DURATION must be >= 0; got %d", pair.name, pair.block)
		}
	}

	if _, err := c.ParseThresholds(); err != nil {
		return fmt.Errorf("THREAT_THRESHOLDS: %w", err)
	}

	for listName, entries := range map[string][]string{
		"IP_WHITELIST": c.IPWhitelist,
		"IP_BLACKLIST": c.IPBlacklist,
	} {
		for _, entry := range entries {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if strings.Contains(entry, "/") {
				if _, _, err := net.ParseCIDR(entry); err != nil {
					return fmt.Errorf("%s: invalid CIDR %q: %w", listName, entry, err)
				}
			} else {
				if net.ParseIP(entry) == nil {
					return fmt.Errorf("%s: invalid IP address %q", listName, entry)
				}
			}
		}
	}

	if c.SinkWorkers < 1 || c.SinkWorkers > 64 {
		return fmt.Errorf("SINK_WORKERS must be 1-64; got %d", c.SinkWorkers)
	}
	if c.SinkQueueDepth < 1 {
		return fmt.Errorf("SINK_QUEUE_DEPTH must be >= 1; got %d", c.SinkQueueDepth)
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	if c.EventRetention <= 0 {
		return fmt.Errorf("EVENT_RETENTION must be > 0; got %s", c.EventRetention)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// injectFileSecrets reads _FILE env vars and injects their file contents.
var fileSecretKeys = []string{
	"redis_password",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			// Also check uppercased env var with _FILE suffix
			envKey := strings.ToUpper(key) + "_FILE"
			filePath = os.Getenv(envKey)
		}
		if filePath == "" {
			continue
		}
		// Strip quotes from file path in case it was quoted in Docker --env-file
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		val := strings.TrimSpace(string(content))
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
