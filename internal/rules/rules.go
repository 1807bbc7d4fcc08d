// Package rules holds rate-limit rule definitions and the resolver that
// selects the applicable rule for a request.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/developingchet/api-sentinel/internal/request"
)

// Scope is the dimension a rate limit applies to.
type Scope string

const (
	ScopeIP       Scope = "ip"
	ScopeUser     Scope = "user"
	ScopeEndpoint Scope = "endpoint"
	ScopeGlobal   Scope = "global"
)

// Algorithm selects the rate limiting strategy evaluated for a rule.
type Algorithm string

const (
	SlidingWindow Algorithm = "sliding_window"
	FixedWindow   Algorithm = "fixed_window"
	TokenBucket   Algorithm = "token_bucket"
	LeakyBucket   Algorithm = "leaky_bucket"
)

// Conditions narrow which requests a custom rule matches. A rule with no
// conditions never matches; it only applies when installed as a tier default.
type Conditions struct {
	// Endpoints matches when any substring occurs in the request path.
	Endpoints []string `json:"endpoints,omitempty"`
	// UserRoles matches when the resolved role is listed. Empty = any role.
	UserRoles []string `json:"user_roles,omitempty"`
}

// Rule is a rate limiting rule. Immutable once returned by the resolver.
type Rule struct {
	Name                 string    `json:"name"`
	RequestsPerWindow    int       `json:"requests_per_window"`
	WindowSeconds        int       `json:"window_seconds"`
	BlockDurationSeconds int       `json:"block_duration_seconds"`
	Scope                Scope     `json:"scope"`
	Algorithm            Algorithm `json:"algorithm,omitempty"`
	// BurstSize caps token/leaky bucket capacity. 0 = RequestsPerWindow.
	BurstSize  int        `json:"burst_size,omitempty"`
	Priority   int        `json:"priority"`
	Conditions Conditions `json:"conditions"`
}

// Validate rejects malformed rules at registration time.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name must not be empty")
	}
	if r.RequestsPerWindow <= 0 {
		return fmt.Errorf("rule %q: requests_per_window must be > 0; got %d", r.Name, r.RequestsPerWindow)
	}
	if r.WindowSeconds <= 0 {
		return fmt.Errorf("rule %q: window_seconds must be > 0; got %d", r.Name, r.WindowSeconds)
	}
	if r.BlockDurationSeconds < 0 {
		return fmt.Errorf("rule %q: block_duration_seconds must be >= 0; got %d", r.Name, r.BlockDurationSeconds)
	}
	switch r.Scope {
	case ScopeIP, ScopeUser, ScopeEndpoint, ScopeGlobal:
	default:
		return fmt.Errorf("rule %q: scope must be ip, user, endpoint, or global; got %q", r.Name, r.Scope)
	}
	switch r.Algorithm {
	case SlidingWindow, FixedWindow, TokenBucket, LeakyBucket:
	case "":
		// Defaulted to sliding window by the registry.
	default:
		return fmt.Errorf("rule %q: unknown algorithm %q", r.Name, r.Algorithm)
	}
	if r.BurstSize < 0 {
		return fmt.Errorf("rule %q: burst_size must be >= 0; got %d", r.Name, r.BurstSize)
	}
	return nil
}

// Burst returns the effective bucket capacity.
func (r Rule) Burst() int {
	if r.BurstSize > 0 {
		return r.BurstSize
	}
	return r.RequestsPerWindow
}

// Tiers holds the built-in fallback rules applied when no custom rule matches.
type Tiers struct {
	Default       Rule
	Authenticated Rule
	Admin         Rule
}

// Registry resolves the applicable rule for a request. Custom rules are
// mutable via the admin surface; reads vastly outnumber writes.
type Registry struct {
	mu     sync.RWMutex
	tiers  Tiers
	custom map[string]Rule
}

// NewRegistry creates a Registry with the given tier rules.
func NewRegistry(tiers Tiers) (*Registry, error) {
	for _, r := range []Rule{tiers.Default, tiers.Authenticated, tiers.Admin} {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("tier rule: %w", err)
		}
	}
	return &Registry{
		tiers:  tiers,
		custom: make(map[string]Rule),
	}, nil
}

// Add registers a custom rule, replacing any rule with the same name.
func (g *Registry) Add(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Algorithm == "" {
		r.Algorithm = SlidingWindow
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.custom[r.Name] = r
	return nil
}

// Remove deletes a custom rule by name. Returns false if absent.
func (g *Registry) Remove(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.custom[name]
	delete(g.custom, name)
	return ok
}

// Names returns the registered custom rule names, sorted.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.custom))
	for n := range g.custom {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of active rules including the three tier rules.
func (g *Registry) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.custom) + 3
}

// Resolve returns exactly one rule for the request: the highest-priority
// matching custom rule, else the admin tier for privileged paths, else the
// authenticated tier when a user id is present, else the default tier.
func (g *Registry) Resolve(desc request.Descriptor, userID, role string) Rule {
	g.mu.RLock()
	candidates := make([]Rule, 0, len(g.custom))
	for _, r := range g.custom {
		candidates = append(candidates, r)
	}
	tiers := g.tiers
	g.mu.RUnlock()

	// Highest priority first; name breaks ties deterministically.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].Name < candidates[j].Name
	})
	for _, r := range candidates {
		if ruleMatches(r, desc, role) {
			return r
		}
	}

	if strings.HasPrefix(desc.Path, "/admin") || strings.HasPrefix(desc.Path, "/dashboard") {
		return tiers.Admin
	}
	if userID != "" {
		return tiers.Authenticated
	}
	return tiers.Default
}

// ruleMatches reports whether a custom rule's conditions are satisfied.
// A rule with no conditions matches nothing; tier rules cover the broad case.
func ruleMatches(r Rule, desc request.Descriptor, role string) bool {
	c := r.Conditions
	if len(c.Endpoints) == 0 && len(c.UserRoles) == 0 {
		return false
	}
	if len(c.Endpoints) > 0 {
		matched := false
		for _, pattern := range c.Endpoints {
			if pattern != "" && strings.Contains(desc.Path, pattern) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(c.UserRoles) > 0 {
		matched := false
		for _, want := range c.UserRoles {
			if strings.EqualFold(want, role) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Key composes the counter key for a rule and request identity. Keys embed
// the scope, the scope identifier, and the rule name so rules never share
// counters.
func Key(r Rule, desc request.Descriptor, userID string) string {
	switch r.Scope {
	case ScopeUser:
		if userID != "" {
			return "rl:user:" + userID + ":" + r.Name
		}
		// Anonymous requests under a user-scoped rule fall back to the IP.
		return "rl:ip:" + desc.ClientIP + ":" + r.Name
	case ScopeEndpoint:
		return "rl:endpoint:" + desc.Path + ":" + r.Name
	case ScopeGlobal:
		return "rl:global:" + r.Name
	default:
		return "rl:ip:" + desc.ClientIP + ":" + r.Name
	}
}
