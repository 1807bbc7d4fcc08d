// Package block tracks temporarily blocked subjects (IPs and user ids) and
// the IP whitelist/blacklist.
package block

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/metrics"
	"github.com/developingchet/api-sentinel/internal/store"
)

// Registry answers "is this subject blocked" before any other pipeline stage
// runs. Dynamic blocks live in the store with a TTL; the whitelist and
// blacklist come from configuration and can be replaced at runtime.
type Registry struct {
	store store.Store
	log   zerolog.Logger

	mu        sync.RWMutex
	whitelist []*net.IPNet
	blacklist []*net.IPNet
}

// New creates a Registry. Whitelist and blacklist entries are IPs or CIDRs.
func New(st store.Store, whitelist, blacklist []string, log zerolog.Logger) (*Registry, error) {
	wl, err := ParseCIDRList(whitelist)
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	bl, err := ParseCIDRList(blacklist)
	if err != nil {
		return nil, fmt.Errorf("blacklist: %w", err)
	}
	return &Registry{
		store:     st,
		log:       log.With().Str("component", "block").Logger(),
		whitelist: wl,
		blacklist: bl,
	}, nil
}

// IsWhitelisted reports whether the IP is covered by the whitelist.
// Whitelisted addresses bypass the entire security pipeline.
func (r *Registry) IsWhitelisted(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ipInList(ip, r.whitelist)
}

// IsBlacklisted reports whether the IP is covered by the blacklist.
func (r *Registry) IsBlacklisted(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ipInList(ip, r.blacklist)
}

// SetWhitelist replaces the whitelist; admin surface.
func (r *Registry) SetWhitelist(entries []string) error {
	wl, err := ParseCIDRList(entries)
	if err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}
	r.mu.Lock()
	r.whitelist = wl
	r.mu.Unlock()
	r.log.Info().Int("entries", len(wl)).Msg("whitelist replaced")
	return nil
}

// SetBlacklist replaces the blacklist; admin surface.
func (r *Registry) SetBlacklist(entries []string) error {
	bl, err := ParseCIDRList(entries)
	if err != nil {
		return fmt.Errorf("blacklist: %w", err)
	}
	r.mu.Lock()
	r.blacklist = bl
	r.mu.Unlock()
	r.log.Info().Int("entries", len(bl)).Msg("blacklist replaced")
	return nil
}

// IsBlocked reports whether the subject has an active dynamic block and the
// reason recorded for it. Store failures fail open.
func (r *Registry) IsBlocked(ctx context.Context, subject string) (bool, string) {
	if subject == "" {
		return false, ""
	}
	e, ok, err := r.store.BlockGet(ctx, subject)
	if err != nil {
		r.log.Error().Err(err).Str("subject", subject).Msg("block lookup failed, allowing")
		metrics.StoreErrors.WithLabelValues("block_get").Inc()
		metrics.FailOpen.WithLabelValues("block").Inc()
		return false, ""
	}
	if !ok {
		return false, ""
	}
	return true, e.Reason
}

// Block records a dynamic block for the subject.
func (r *Registry) Block(ctx context.Context, subject, kind, reason string, duration time.Duration) error {
	if subject == "" || subject == "unknown" {
		return fmt.Errorf("refusing to block subject %q", subject)
	}
	now := time.Now().UTC()
	e := store.BlockEntry{
		Subject:   subject,
		Kind:      kind,
		Reason:    reason,
		CreatedAt: now,
		ExpiresAt: now.Add(duration),
	}
	if err := r.store.BlockRecord(ctx, e); err != nil {
		metrics.StoreErrors.WithLabelValues("block_record").Inc()
		return fmt.Errorf("record block for %s: %w", subject, err)
	}
	metrics.AutoBlocks.WithLabelValues(kind).Inc()
	r.log.Warn().Str("subject", subject).Str("kind", kind).Str("reason", reason).
		Dur("duration", duration).Msg("subject blocked")
	return nil
}

// Unblock removes a dynamic block.
func (r *Registry) Unblock(ctx context.Context, subject string) error {
	if err := r.store.BlockDelete(ctx, subject); err != nil {
		metrics.StoreErrors.WithLabelValues("block_delete").Inc()
		return fmt.Errorf("delete block for %s: %w", subject, err)
	}
	r.log.Info().Str("subject", subject).Msg("subject unblocked")
	return nil
}

// Active returns the currently blocked subjects.
func (r *Registry) Active(ctx context.Context) ([]store.BlockEntry, error) {
	entries, err := r.store.BlockList(ctx)
	if err != nil {
		metrics.StoreErrors.WithLabelValues("block_list").Inc()
		return nil, err
	}
	metrics.ActiveBlocks.Set(float64(len(entries)))
	return entries, nil
}

// ipInList checks membership of an IP in a parsed CIDR list.
func ipInList(ip string, list []*net.IPNet) bool {
	if len(list) == 0 {
		return false
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return false
	}
	for _, n := range list {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

// ParseCIDRList parses IP/CIDR strings into net.IPNet entries. Single IPs
// become /32 or /128 networks.
func ParseCIDRList(entries []string) ([]*net.IPNet, error) {
	result := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid entry %q", e)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			e = fmt.Sprintf("%s/%d", ip.String(), bits)
		}
		_, cidr, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", e, err)
		}
		result = append(result, cidr)
	}
	return result, nil
}
