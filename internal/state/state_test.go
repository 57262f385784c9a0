package state

import (
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

func newTestLRU(t *testing.T, ttl time.Duration) *lru.LRU[string, []byte] {
	t.Helper()
	return lru.NewLRU[string, []byte](16, nil, ttl)
}

func TestUpsertMudCaseInsensitiveKey(t *testing.T) {
	s := New()
	s.UpsertMud(MudEntry{Name: "LuminariMUD", DisplayName: "LuminariMUD", State: MudUp})

	e, ok := s.Mud("luminarimud")
	if !ok {
		t.Fatal("expected lookup by lowercase name to succeed")
	}
	if e.DisplayName != "LuminariMUD" {
		t.Fatalf("expected display name to preserve case, got %q", e.DisplayName)
	}

	e2, ok := s.Mud("LUMINARIMUD")
	if !ok || e2.DisplayName != "LuminariMUD" {
		t.Fatalf("expected case-insensitive lookup to succeed, got %+v, %v", e2, ok)
	}
}

func TestMudlistSnapshot(t *testing.T) {
	s := New()
	s.UpsertMud(MudEntry{Name: "A"})
	s.UpsertMud(MudEntry{Name: "B"})
	if got := len(s.Mudlist()); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
}

func TestChannelMembership(t *testing.T) {
	s := New()
	s.UpsertChannel(ChannelEntry{Name: "chat", OwnerMud: "home"})

	m := ChannelMember{MudName: "home", UserName: "alice"}
	s.Join("chat", m)
	if !s.IsMember("chat", "home", "alice") {
		t.Fatal("expected alice to be a member after Join")
	}

	s.Leave("chat", m)
	if s.IsMember("chat", "home", "alice") {
		t.Fatal("expected alice to be removed after Leave")
	}
}

func TestMembersSnapshot(t *testing.T) {
	s := New()
	s.UpsertChannel(ChannelEntry{Name: "chat"})
	s.Join("chat", ChannelMember{MudName: "a", UserName: "x"})
	s.Join("chat", ChannelMember{MudName: "b", UserName: "y"})
	if got := len(s.Members("chat")); got != 2 {
		t.Fatalf("expected 2 members, got %d", got)
	}
}

func TestCacheEntryExpiresToMiss(t *testing.T) {
	s := &Store{}
	*s = *New()
	// Install a cache with a very short TTL to exercise the expiry path
	// without waiting on the real 60s who-cache TTL.
	s.whoCache = newTestLRU(t, 20*time.Millisecond)

	s.CacheWho("othermud", []byte("cached-who-payload"))
	if _, ok := s.WhoFromCache("othermud"); !ok {
		t.Fatal("expected immediate hit before expiry")
	}

	time.Sleep(40 * time.Millisecond)

	if _, ok := s.WhoFromCache("othermud"); ok {
		t.Fatal("expected cache miss after expires_at has passed")
	}
}

func TestMudlistIDTracking(t *testing.T) {
	s := New()
	s.SetMudlistID(42)
	s.SetChanlistID(7)
	if s.MudlistID() != 42 || s.ChanlistID() != 7 {
		t.Fatalf("got mudlistID=%d chanlistID=%d", s.MudlistID(), s.ChanlistID())
	}
}
