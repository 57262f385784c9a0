package auth

import (
	"errors"
	"net/netip"
	"testing"

	"i3gateway/internal/gwerr"
)

func TestGateEnforcesMaxTotal(t *testing.T) {
	g := NewGate(1, 0)
	addr := netip.MustParseAddr("10.0.0.1")
	if !g.CanConnect(addr) {
		t.Fatal("expected first connection to be allowed")
	}
	g.TrackConnect(addr)
	other := netip.MustParseAddr("10.0.0.2")
	if g.CanConnect(other) {
		t.Fatal("expected second connection to be rejected once max total is reached")
	}
}

func TestGateEnforcesPerIP(t *testing.T) {
	g := NewGate(0, 1)
	addr := netip.MustParseAddr("10.0.0.1")
	g.TrackConnect(addr)
	if g.CanConnect(addr) {
		t.Fatal("expected a second connection from the same IP to be rejected")
	}
	if !g.CanConnect(netip.MustParseAddr("10.0.0.2")) {
		t.Fatal("expected a different IP to still be allowed")
	}
}

func TestGateTrackDisconnectFreesSlot(t *testing.T) {
	g := NewGate(1, 1)
	addr := netip.MustParseAddr("10.0.0.1")
	g.TrackConnect(addr)
	g.TrackDisconnect(addr)
	if !g.CanConnect(addr) {
		t.Fatal("expected slot to be freed after disconnect")
	}
}

func TestAuthenticatorAuthenticateSuccess(t *testing.T) {
	store := newTestStore(t)
	a := NewAuthenticator(store, DefaultLimits())
	key, err := a.Authenticate("secret1", netip.MustParseAddr("203.0.113.1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.MudName != "LuminariMUD" {
		t.Fatalf("unexpected mud: %q", key.MudName)
	}
}

func TestAuthenticatorAuthenticateRejectsBadIP(t *testing.T) {
	store := newTestStore(t)
	a := NewAuthenticator(store, DefaultLimits())
	_, err := a.Authenticate("secret2", netip.MustParseAddr("192.168.1.1"))
	if !errors.Is(err, gwerr.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestAuthorizeRejectsMissingPermission(t *testing.T) {
	store := newTestStore(t)
	a := NewAuthenticator(store, DefaultLimits())
	key, _ := a.Authenticate("secret1", netip.MustParseAddr("203.0.113.1"))
	if err := a.Authorize(key, "s1", "channel_send"); !errors.Is(err, gwerr.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestAuthorizeRejectsRateLimited(t *testing.T) {
	store := newTestStore(t)
	a := NewAuthenticator(store, map[string]RateLimit{
		"global": {PerMinute: 600, Burst: 1},
		"tell":   {PerMinute: 600, Burst: 1},
	})
	key, _ := a.Authenticate("secret1", netip.MustParseAddr("203.0.113.1"))
	if err := a.Authorize(key, "s1", "tell"); err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}
	if err := a.Authorize(key, "s1", "tell"); !errors.Is(err, gwerr.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}
