package block

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/developingchet/api-sentinel/internal/store"
)

func newRegistry(t *testing.T, whitelist, blacklist []string) *Registry {
	t.Helper()
	r, err := New(store.NewMemoryStore(), whitelist, blacklist, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBlockExpiry(t *testing.T) {
	r := newRegistry(t, nil, nil)
	ctx := context.Background()

	if err := r.Block(ctx, "u123", "user", "admin action", 100*time.Millisecond); err != nil {
		t.Fatal(err)
	}

	blocked, reason := r.IsBlocked(ctx, "u123")
	if !blocked {
		t.Fatal("subject not blocked immediately after Block")
	}
	if reason != "admin action" {
		t.Errorf("reason = %q", reason)
	}

	// Idempotent while the block is live.
	if blocked, _ := r.IsBlocked(ctx, "u123"); !blocked {
		t.Fatal("second check disagreed with first")
	}

	time.Sleep(150 * time.Millisecond)
	if blocked, _ := r.IsBlocked(ctx, "u123"); blocked {
		t.Error("subject still blocked after expiry")
	}
}

func TestUnblock(t *testing.T) {
	r := newRegistry(t, nil, nil)
	ctx := context.Background()

	if err := r.Block(ctx, "203.0.113.7", "ip", "brute_force", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := r.Unblock(ctx, "203.0.113.7"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := r.IsBlocked(ctx, "203.0.113.7"); blocked {
		t.Error("subject still blocked after Unblock")
	}
}

func TestBlockRejectsEmptySubject(t *testing.T) {
	r := newRegistry(t, nil, nil)
	if err := r.Block(context.Background(), "", "ip", "x", time.Hour); err == nil {
		t.Error("expected error for empty subject")
	}
	if err := r.Block(context.Background(), "unknown", "ip", "x", time.Hour); err == nil {
		t.Error("expected error for unknown subject")
	}
}

func TestWhitelist(t *testing.T) {
	r := newRegistry(t, []string{"10.0.0.0/8", "203.0.113.7"}, nil)

	cases := map[string]bool{
		"10.1.2.3":    true,
		"203.0.113.7": true,
		"203.0.113.8": false,
		"8.8.8.8":     false,
		"not-an-ip":   false,
	}
	for ip, want := range cases {
		if got := r.IsWhitelisted(ip); got != want {
			t.Errorf("IsWhitelisted(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestBlacklist(t *testing.T) {
	r := newRegistry(t, nil, []string{"198.51.100.0/24"})

	if !r.IsBlacklisted("198.51.100.42") {
		t.Error("address inside blacklisted range not flagged")
	}
	if r.IsBlacklisted("198.51.101.1") {
		t.Error("address outside blacklisted range flagged")
	}
}

func TestNewRejectsBadCIDR(t *testing.T) {
	if _, err := New(store.NewMemoryStore(), []string{"nonsense"}, nil, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid whitelist entry")
	}
	if _, err := New(store.NewMemoryStore(), nil, []string{"10.0.0.0/99"}, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid blacklist entry")
	}
}

func TestActiveList(t *testing.T) {
	r := newRegistry(t, nil, nil)
	ctx := context.Background()

	if err := r.Block(ctx, "1.1.1.1", "ip", "ddos", time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := r.Block(ctx, "u9", "user", "brute_force", time.Hour); err != nil {
		t.Fatal(err)
	}

	entries, err := r.Active(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("active blocks = %d, want 2", len(entries))
	}
}

func TestSetListsReplaceAtRuntime(t *testing.T) {
	r := newRegistry(t, nil, nil)

	if r.IsWhitelisted("10.1.2.3") || r.IsBlacklisted("198.51.100.7") {
		t.Fatal("fresh registry has non-empty lists")
	}
	if err := r.SetWhitelist([]string{"10.0.0.0/8"}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetBlacklist([]string{"198.51.100.7"}); err != nil {
		t.Fatal(err)
	}
	if !r.IsWhitelisted("10.1.2.3") {
		t.Error("whitelist replacement not visible")
	}
	if !r.IsBlacklisted("198.51.100.7") {
		t.Error("blacklist replacement not visible")
	}

	// A bad replacement leaves the current list untouched.
	if err := r.SetBlacklist([]string{"not-an-ip"}); err == nil {
		t.Fatal("invalid blacklist accepted")
	}
	if !r.IsBlacklisted("198.51.100.7") {
		t.Error("failed replacement clobbered the list")
	}
}

type failingStore struct{ store.Store }

func (failingStore) BlockGet(context.Context, string) (store.BlockEntry, bool, error) {
	return store.BlockEntry{}, false, errors.New("backend down")
}

func TestIsBlockedFailsOpen(t *testing.T) {
	r, err := New(failingStore{store.NewMemoryStore()}, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	blocked, reason := r.IsBlocked(context.Background(), "203.0.113.7")
	if blocked || reason != "" {
		t.Errorf("IsBlocked = %v %q, want fail-open false", blocked, reason)
	}
}
