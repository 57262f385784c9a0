package services

import (
	"fmt"

	"i3gateway/internal/eventbus"
	"i3gateway/internal/gwerr"
	"i3gateway/internal/packet"
	"i3gateway/internal/state"
)

// TellService builds outbound tell packets and surfaces inbound ones as
// tell_received events to every session of the owning MUD.
type TellService struct {
	LocalMud string
	MaxLen   int
	State    *state.Store
	Sender   PacketSender
	Events   EventPublisher
}

// TellParams is the handle_api payload for the tell method.
type TellParams struct {
	FromUser   string
	TargetMud  string
	TargetUser string
	Visname    string
	Message    string
}

// Send validates and enqueues an outbound tell packet.
func (s *TellService) Send(p TellParams) error {
	if len(p.Message) > s.MaxLen {
		return fmt.Errorf("%w: tell message exceeds %d bytes", gwerr.ErrInvalidParams, s.MaxLen)
	}
	if _, ok := s.State.Mud(p.TargetMud); !ok {
		return fmt.Errorf("%w: %s", gwerr.ErrMudUnknown, p.TargetMud)
	}

	visname := p.Visname
	if visname == "" {
		visname = p.FromUser
	}

	pkt := packet.Packet{
		Header: packet.Header{
			Type:       packet.TypeTell,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			OriginUser: p.FromUser,
			TargetMud:  packet.LowerMudName(p.TargetMud),
			TargetUser: packet.LowerMudName(p.TargetUser),
		},
		Visname: visname,
		Message: p.Message,
	}
	s.Sender.Enqueue(pkt, PriorityRequest)
	return nil
}

// AcceptPacket handles an inbound tell packet addressed to this gateway's
// MUD: it is surfaced as a tell_received event to every session of the
// target MUD. Nothing is stored.
func (s *TellService) AcceptPacket(pkt packet.Packet) {
	s.Events.Publish(eventbus.Event{
		Type: "tell_received",
		Payload: map[string]any{
			"from_mud":  pkt.OriginMud,
			"from_user": pkt.OriginUser,
			"to_user":   pkt.TargetUser,
			"visname":   pkt.Visname,
			"message":   pkt.Message,
		},
		Priority:  4,
		TargetMud: pkt.TargetMud,
	})
}
