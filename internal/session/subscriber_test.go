package session

import (
	"testing"
	"time"

	"i3gateway/internal/eventbus"
)

func TestEventSubscriberChannelScoped(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)
	s.Subscribe("intermud")
	sub := EventSubscriber{Session: s}

	if !sub.Matches(eventbus.Event{Type: "channel_m", ChannelName: "intermud"}) {
		t.Fatalf("expected match for subscribed channel")
	}
	if sub.Matches(eventbus.Event{Type: "channel_m", ChannelName: "other"}) {
		t.Fatalf("expected no match for unsubscribed channel")
	}
}

func TestEventSubscriberMudScoped(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("SomeMud", "key", nil)
	sub := EventSubscriber{Session: s}

	if !sub.Matches(eventbus.Event{Type: "tell_received", TargetMud: "SomeMud"}) {
		t.Fatalf("expected match for own mud")
	}
	if sub.Matches(eventbus.Event{Type: "tell_received", TargetMud: "OtherMud"}) {
		t.Fatalf("expected no match for other mud")
	}
}

func TestEventSubscriberUnscopedBroadcast(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)
	sub := EventSubscriber{Session: s}

	if !sub.Matches(eventbus.Event{Type: "mud_online"}) {
		t.Fatalf("expected unscoped event to match every session")
	}
}

func TestEventSubscriberPermissionTagGate(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", []string{"tell"})
	sub := EventSubscriber{Session: s}

	if sub.Matches(eventbus.Event{Type: "admin_notice", PermissionTag: "admin"}) {
		t.Fatalf("expected no match without the required permission tag")
	}
	if !sub.Matches(eventbus.Event{Type: "tell_received", TargetMud: "mud", PermissionTag: "tell"}) {
		t.Fatalf("expected match when permission tag is held")
	}
}

func TestEventSubscriberDeliversToSession(t *testing.T) {
	m := NewManager(time.Hour)
	s := m.Authenticate("mud", "key", nil)
	sender := &fakeSender{}
	s.Attach(sender)
	sub := EventSubscriber{Session: s}

	sub.Deliver(eventbus.Event{Type: "tell_received", Payload: map[string]any{"a": 1}})

	if len(sender.sent) != 1 || sender.sent[0] != "tell_received" {
		t.Fatalf("expected delivery to reach the attached sender, got %v", sender.sent)
	}
}
