package services

import (
	"encoding/json"
	"fmt"

	"i3gateway/internal/gwerr"
	"i3gateway/internal/lpc"
	"i3gateway/internal/packet"
	"i3gateway/internal/state"
)

// MudlistService implements the mudlist API and applies inbound mudlist
// packets to the state store.
type MudlistService struct {
	LocalMud string
	State    *state.Store
	Sender   PacketSender
}

// Get returns the current mudlist snapshot from the state store. When
// refresh is true, a fresh mudlist request is sent upstream first, but the
// call still returns the best-known snapshot rather than blocking for the
// router's push.
func (s *MudlistService) Get(refresh bool) (json.RawMessage, error) {
	if refresh {
		s.requestRefresh()
	} else if cached, ok := s.State.MudlistResponseFromCache(); ok {
		return cached, nil
	}

	raw, err := json.Marshal(map[string]any{"muds": s.State.Mudlist()})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling mudlist: %v", gwerr.ErrInternal, err)
	}
	if !refresh {
		s.State.CacheMudlistResponse(raw)
	}
	return raw, nil
}

func (s *MudlistService) requestRefresh() {
	s.Sender.Enqueue(packet.Packet{Header: packet.Header{
		Type:      packet.TypeMudlist,
		TTL:       packet.DefaultTTL,
		OriginMud: s.LocalMud,
	}, Raw: lpc.Arr([]lpc.Value{lpc.Int(s.State.MudlistID())})}, PriorityRequest)
}

// AcceptPacket applies an inbound mudlist push: the payload's first
// element is a mapping of mud name to a per-mud info array, in the order
// [state, player_port, tcp_port, udp_port, mudlib, base_mudlib, driver,
// mud_type, open_status, admin_email].
func (s *MudlistService) AcceptPacket(pkt packet.Packet) {
	if pkt.Type != packet.TypeMudlist {
		return
	}
	elems := pkt.Raw.Array()
	if len(elems) == 0 {
		return
	}
	mapping := elems[0].MappingValue()
	for _, entry := range mapping {
		if !entry.Key.IsString() {
			continue
		}
		info := entry.Value.Array()
		e := state.MudEntry{Name: packet.LowerMudName(entry.Key.String()), DisplayName: entry.Key.String()}
		if len(info) > 0 {
			e.State = mudStateFromInt(info[0].Int32())
		}
		if len(info) > 1 {
			e.PlayerPort = info[1].Int32()
		}
		if len(info) > 2 {
			e.TCPPort = info[2].Int32()
		}
		if len(info) > 3 {
			e.UDPPort = info[3].Int32()
		}
		if len(info) > 4 {
			e.Mudlib = info[4].String()
		}
		if len(info) > 5 {
			e.BaseMudlib = info[5].String()
		}
		if len(info) > 6 {
			e.Driver = info[6].String()
		}
		if len(info) > 7 {
			e.MudType = info[7].String()
		}
		if len(info) > 8 {
			e.OpenStatus = info[8].String()
		}
		if len(info) > 9 {
			e.AdminEmail = info[9].String()
		}
		s.State.UpsertMud(e)
	}
}

func mudStateFromInt(n int32) state.MudState {
	switch n {
	case 1:
		return state.MudDown
	case 2:
		return state.MudRebooting
	default:
		return state.MudUp
	}
}
