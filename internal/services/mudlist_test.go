package services

import (
	"encoding/json"
	"testing"

	"i3gateway/internal/lpc"
	"i3gateway/internal/packet"
	"i3gateway/internal/state"
)

func newMudlistService(t *testing.T) (*MudlistService, *recordingSender, *state.Store) {
	t.Helper()
	st := state.New()
	sender := &recordingSender{}
	return &MudlistService{LocalMud: "MyMud", State: st, Sender: sender}, sender, st
}

func TestMudlistGetReturnsSnapshot(t *testing.T) {
	svc, sender, st := newMudlistService(t)
	st.UpsertMud(state.MudEntry{Name: "othermud", DisplayName: "OtherMud"})

	raw, err := svc.Get(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count() != 0 {
		t.Fatal("expected no upstream request for a non-refresh get")
	}
	var decoded struct {
		Muds []state.MudEntry `json:"muds"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unexpected unmarshal error: %v", err)
	}
	if len(decoded.Muds) != 1 || decoded.Muds[0].Name != "othermud" {
		t.Fatalf("unexpected mudlist payload: %+v", decoded.Muds)
	}
}

func TestMudlistGetServesFromCacheWhenNotRefreshing(t *testing.T) {
	svc, sender, st := newMudlistService(t)
	st.CacheMudlistResponse([]byte(`{"muds":[]}`))

	raw, err := svc.Get(false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count() != 0 {
		t.Fatal("expected no upstream request when serving from cache")
	}
	if string(raw) != `{"muds":[]}` {
		t.Fatalf("unexpected cached payload: %s", raw)
	}
}

func TestMudlistGetRefreshSendsUpstreamRequest(t *testing.T) {
	svc, sender, st := newMudlistService(t)
	st.CacheMudlistResponse([]byte(`{"muds":[]}`))

	if _, err := svc.Get(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sender.count() != 1 {
		t.Fatalf("expected refresh to send 1 upstream request, got %d", sender.count())
	}
	if sender.last().Type != packet.TypeMudlist {
		t.Fatalf("expected mudlist request packet, got %q", sender.last().Type)
	}
}

func TestMudlistAcceptPacketUpsertsEntries(t *testing.T) {
	svc, _, st := newMudlistService(t)

	info := lpc.Arr([]lpc.Value{
		lpc.Int(0), lpc.Int(4000), lpc.Int(4001), lpc.Int(4002),
		lpc.Str("LPMud"), lpc.Str("LPMud"), lpc.Str("FluffOS"), lpc.Str("LP"),
		lpc.Str("open"), lpc.Str("admin@example.com"),
	})
	mapping := lpc.Mapping{{Key: lpc.Str("OtherMud"), Value: info}}
	svc.AcceptPacket(packet.Packet{
		Header: packet.Header{Type: packet.TypeMudlist},
		Raw:    lpc.Arr([]lpc.Value{lpc.Map(mapping)}),
	})

	entry, ok := st.Mud("OtherMud")
	if !ok {
		t.Fatal("expected mudlist entry to be upserted")
	}
	if entry.Driver != "FluffOS" || entry.PlayerPort != 4000 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestMudlistAcceptPacketIgnoresOtherTypes(t *testing.T) {
	svc, _, st := newMudlistService(t)
	svc.AcceptPacket(packet.Packet{Header: packet.Header{Type: packet.TypeTell}})
	if len(st.Mudlist()) != 0 {
		t.Fatal("expected no mudlist entries from an unrelated packet")
	}
}
