package services

import (
	"i3gateway/internal/eventbus"
	"i3gateway/internal/packet"
)

// PendingFailer lets an inbound error packet fail an outstanding request
// rather than only surfacing a generic event. WhoService, FingerService,
// LocateService, and ChannelService each implement it.
type PendingFailer interface {
	// FailPending reports whether a pending request matching the error
	// packet existed, and if so resolves it with the error packet. Each
	// implementation matches on its own key, not on the full (origin_mud,
	// target_mud, target_user) tuple: WhoService on origin_mud,
	// FingerService on (origin_mud, target_user), LocateService on
	// target_user, ChannelService on the channel name.
	FailPending(pkt packet.Packet) bool
}

// ErrorService surfaces inbound error packets as events and, where
// possible, fails the correlated pending who/finger/locate request instead
// of leaving it to time out.
type ErrorService struct {
	Failers []PendingFailer
	Events  EventPublisher
}

// AcceptPacket implements the error-packet contract.
func (s *ErrorService) AcceptPacket(pkt packet.Packet) {
	if pkt.Type != packet.TypeError {
		return
	}

	matched := false
	for _, f := range s.Failers {
		if f.FailPending(pkt) {
			matched = true
			break
		}
	}

	s.Events.Publish(eventbus.Event{
		Type: "error_occurred",
		Payload: map[string]any{
			"from_mud": pkt.OriginMud,
			"code":     pkt.ErrorCode,
			"message":  pkt.ErrorMessage,
			"matched":  matched,
		},
		Priority:  3,
		TargetMud: pkt.TargetMud,
	})
}
