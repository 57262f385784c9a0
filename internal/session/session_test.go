package session

import (
	"errors"
	"testing"
	"time"
)

type fakeSender struct {
	sent []string
	fail bool
}

func (f *fakeSender) SendNotification(method string, params any) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, method)
	return nil
}

func TestAuthenticateCreatesSessionWithPermissions(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("SomeMud", "key1", []string{"tell", "channel_send"})

	if s.MudName != "SomeMud" {
		t.Fatalf("expected MudName SomeMud, got %q", s.MudName)
	}
	if !s.HasPermission("tell") {
		t.Fatalf("expected tell permission")
	}
	if s.HasPermission("mudlist") {
		t.Fatalf("did not expect mudlist permission")
	}

	got, ok := m.Get(s.ID)
	if !ok || got != s {
		t.Fatalf("expected Get to find the same session instance")
	}
}

func TestHasPermissionWildcard(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", []string{"*"})
	if !s.HasPermission("anything") {
		t.Fatalf("expected wildcard permission to allow any method")
	}
}

func TestResumeWithinTTL(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)

	resumed, ok := m.Resume(s.ID)
	if !ok || resumed.ID != s.ID {
		t.Fatalf("expected resume to succeed within TTL")
	}
}

func TestResumeExpiresPastTTL(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	s := m.Authenticate("mud", "key", nil)
	s.LastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	_, ok := m.Resume(s.ID)
	if ok {
		t.Fatalf("expected resume to fail after TTL expiry")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Fatalf("expected expired session to be removed on failed resume")
	}
}

func TestCloseRemovesSession(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)
	m.Close(s.ID)
	if _, ok := m.Get(s.ID); ok {
		t.Fatalf("expected session to be gone after Close")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)

	if s.IsSubscribed("chan1") {
		t.Fatalf("expected not subscribed initially")
	}
	s.Subscribe("chan1")
	if !s.IsSubscribed("chan1") {
		t.Fatalf("expected subscribed after Subscribe")
	}
	s.Unsubscribe("chan1")
	if s.IsSubscribed("chan1") {
		t.Fatalf("expected not subscribed after Unsubscribe")
	}
}

func TestAttachDetachConnected(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)

	if s.Connected() {
		t.Fatalf("expected not connected before Attach")
	}
	sender := &fakeSender{}
	s.Attach(sender)
	if !s.Connected() {
		t.Fatalf("expected connected after Attach")
	}
	s.Detach()
	if s.Connected() {
		t.Fatalf("expected not connected after Detach")
	}
}

func TestDeliverImmediateWhenConnected(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)
	sender := &fakeSender{}
	s.Attach(sender)

	s.Deliver("tell_received", map[string]any{"x": 1}, 5, time.Time{})

	if len(sender.sent) != 1 || sender.sent[0] != "tell_received" {
		t.Fatalf("expected immediate delivery, got %v", sender.sent)
	}
}

func TestDeliverQueuesOfflineWhenDisconnected(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)

	s.Deliver("tell_received", map[string]any{"x": 1}, 5, time.Time{})

	sender := &fakeSender{}
	s.Attach(sender)
	if len(sender.sent) != 1 || sender.sent[0] != "tell_received" {
		t.Fatalf("expected queued event flushed on Attach, got %v", sender.sent)
	}
}

func TestDeliverFallsBackToOfflineOnSendFailure(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)
	sender := &fakeSender{fail: true}
	s.Attach(sender)

	s.Deliver("tell_received", nil, 5, time.Time{})

	if len(sender.sent) != 0 {
		t.Fatalf("expected no successful sends, got %v", sender.sent)
	}

	s.Detach()
	sender2 := &fakeSender{}
	s.Attach(sender2)
	if len(sender2.sent) != 1 {
		t.Fatalf("expected the failed delivery to have been queued and later flushed, got %v", sender2.sent)
	}
}

func TestSessionsOfMudFanOut(t *testing.T) {
	m := NewManager(time.Hour)
	s1 := m.Authenticate("mudA", "k1", nil)
	s2 := m.Authenticate("mudA", "k2", nil)
	m.Authenticate("mudB", "k3", nil)

	sessions := m.SessionsOfMud("mudA")
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions for mudA, got %d", len(sessions))
	}
	ids := map[string]bool{sessions[0].ID: true, sessions[1].ID: true}
	if !ids[s1.ID] || !ids[s2.ID] {
		t.Fatalf("expected both mudA sessions present")
	}
}

func TestSweepExpiredRemovesStaleSessions(t *testing.T) {
	m := NewManager(10 * time.Millisecond)
	s := m.Authenticate("mud", "key", nil)
	s.LastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	n := m.SweepExpired()
	if n != 1 {
		t.Fatalf("expected 1 session swept, got %d", n)
	}
	if _, ok := m.Get(s.ID); ok {
		t.Fatalf("expected swept session to be gone")
	}
}

func TestCounters(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)

	s.RecordRequest()
	s.RecordRequest()
	s.RecordError()
	s.RecordBytes(42)

	reqs, errs, bytes := s.Counters()
	if reqs != 2 || errs != 1 || bytes != 42 {
		t.Fatalf("unexpected counters: reqs=%d errs=%d bytes=%d", reqs, errs, bytes)
	}
}
