package session

import "i3gateway/internal/eventbus"

// EventSubscriber adapts a Session to eventbus.Subscriber: channel-scoped
// events require a matching subscription, mud-scoped events require the
// session's MudName to match, and unscoped events (connection notices,
// mud_online/offline) reach every session holding the permission tag.
type EventSubscriber struct {
	Session *Session
}

// Matches implements eventbus.Subscriber.
func (e EventSubscriber) Matches(ev eventbus.Event) bool {
	if ev.PermissionTag != "" && !e.Session.HasPermission(ev.PermissionTag) {
		return false
	}
	switch {
	case ev.ChannelName != "":
		return e.Session.IsSubscribed(ev.ChannelName)
	case ev.TargetMud != "":
		return e.Session.MudName == ev.TargetMud
	default:
		return true
	}
}

// Deliver implements eventbus.Subscriber.
func (e EventSubscriber) Deliver(ev eventbus.Event) {
	e.Session.Deliver(ev.Type, ev.Payload, ev.Priority, ev.ExpiresAt)
}
