package services

import (
	"fmt"

	"i3gateway/internal/eventbus"
	"i3gateway/internal/gwerr"
	"i3gateway/internal/packet"
	"i3gateway/internal/state"
)

// EmotetoService mirrors TellService with a shorter message cap and a
// different packet type.
type EmotetoService struct {
	LocalMud string
	MaxLen   int
	State    *state.Store
	Sender   PacketSender
	Events   EventPublisher
}

// EmotetoParams is the handle_api payload for the emoteto method.
type EmotetoParams struct {
	FromUser   string
	TargetMud  string
	TargetUser string
	Visname    string
	Message    string
}

// Send validates and enqueues an outbound emoteto packet.
func (s *EmotetoService) Send(p EmotetoParams) error {
	if len(p.Message) > s.MaxLen {
		return fmt.Errorf("%w: emoteto message exceeds %d bytes", gwerr.ErrInvalidParams, s.MaxLen)
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
			Type:       packet.TypeEmoteto,
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

// AcceptPacket surfaces an inbound emoteto as an emoteto_received event.
func (s *EmotetoService) AcceptPacket(pkt packet.Packet) {
	s.Events.Publish(eventbus.Event{
		Type: "emoteto_received",
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
