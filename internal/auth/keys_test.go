package auth

import (
	"errors"
	"net/netip"
	"testing"

	"i3gateway/internal/gwerr"
)

func newTestStore(t *testing.T) *KeyStore {
	t.Helper()
	store, err := NewKeyStore([]APIKeyConfig{
		{ID: "k1", Key: "secret1", MudName: "LuminariMUD", Permissions: []string{"tell", "who"}},
		{ID: "k2", Key: "secret2", MudName: "OtherMud", Permissions: []string{"*"}, AllowCIDRs: []string{"10.0.0.0/8"}},
	})
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	return store
}

func TestValidateAcceptsKnownKey(t *testing.T) {
	store := newTestStore(t)
	key, err := store.Validate("secret1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.MudName != "LuminariMUD" {
		t.Fatalf("unexpected mud name: %q", key.MudName)
	}
}

func TestValidateRejectsUnknownKey(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Validate("bogus")
	if !errors.Is(err, gwerr.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestValidateRejectsEmptyKey(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Validate(""); !errors.Is(err, gwerr.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated for empty key, got %v", err)
	}
}

func TestHasPermissionWildcard(t *testing.T) {
	store := newTestStore(t)
	key, _ := store.Validate("secret2")
	if !key.HasPermission("anything") {
		t.Fatal("expected wildcard permission to match any method")
	}
}

func TestHasPermissionExplicitList(t *testing.T) {
	store := newTestStore(t)
	key, _ := store.Validate("secret1")
	if !key.HasPermission("tell") {
		t.Fatal("expected tell to be permitted")
	}
	if key.HasPermission("channel_send") {
		t.Fatal("expected channel_send to be denied")
	}
}

func TestIPAllowedWithAllowList(t *testing.T) {
	store := newTestStore(t)
	key, _ := store.Validate("secret2")
	inRange := netip.MustParseAddr("10.1.2.3")
	outOfRange := netip.MustParseAddr("192.168.1.1")
	if !key.IPAllowed(inRange) {
		t.Fatal("expected address inside allow list to pass")
	}
	if key.IPAllowed(outOfRange) {
		t.Fatal("expected address outside allow list to be rejected")
	}
}

func TestIPAllowedWithNoAllowListPassesByDefault(t *testing.T) {
	store := newTestStore(t)
	key, _ := store.Validate("secret1")
	if !key.IPAllowed(netip.MustParseAddr("203.0.113.5")) {
		t.Fatal("expected any address to pass when no allow list is configured")
	}
}

func TestIPAllowedDenyListOverridesAllow(t *testing.T) {
	store, err := NewKeyStore([]APIKeyConfig{
		{ID: "k3", Key: "secret3", MudName: "ThirdMud", AllowCIDRs: []string{"10.0.0.0/8"}, DenyCIDRs: []string{"10.0.0.5/32"}},
	})
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	key, _ := store.Validate("secret3")
	if key.IPAllowed(netip.MustParseAddr("10.0.0.5")) {
		t.Fatal("expected explicitly denied address to be rejected even though it's within the allow range")
	}
	if !key.IPAllowed(netip.MustParseAddr("10.0.0.6")) {
		t.Fatal("expected a different address within the allow range to pass")
	}
}

func TestRemoteAddrStripsPort(t *testing.T) {
	addr, err := RemoteAddr("203.0.113.5:54321")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.String() != "203.0.113.5" {
		t.Fatalf("unexpected address: %v", addr)
	}
}

func TestRemoteAddrWithoutPort(t *testing.T) {
	addr, err := RemoteAddr("203.0.113.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr.String() != "203.0.113.5" {
		t.Fatalf("unexpected address: %v", addr)
	}
}
