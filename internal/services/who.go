package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"i3gateway/internal/gwerr"
	"i3gateway/internal/packet"
	"i3gateway/internal/session"
	"i3gateway/internal/state"
)

// WhoService implements the who API and its inbound who-req/who-reply
// packet handling.
type WhoService struct {
	LocalMud string
	Timeout  time.Duration
	State    *state.Store
	Sessions *session.Manager
	Sender   PacketSender

	mu      sync.Mutex
	pending map[string]chan packet.Packet // key: lowercase target mud
}

// NewWhoService constructs a WhoService. timeout <= 0 uses 10s.
func NewWhoService(localMud string, timeout time.Duration, st *state.Store, sessions *session.Manager, sender PacketSender) *WhoService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WhoService{
		LocalMud: localMud,
		Timeout:  timeout,
		State:    st,
		Sessions: sessions,
		Sender:   sender,
		pending:  make(map[string]chan packet.Packet),
	}
}

// Request sends a who-req to targetMud, serving from cache when available,
// and blocks until a reply arrives, the timeout elapses, or ctx is done.
func (s *WhoService) Request(ctx context.Context, targetMud string) (json.RawMessage, error) {
	key := packet.LowerMudName(targetMud)

	if cached, ok := s.State.WhoFromCache(key); ok {
		return cached, nil
	}
	if _, ok := s.State.Mud(targetMud); !ok {
		return nil, fmt.Errorf("%w: %s", gwerr.ErrMudUnknown, targetMud)
	}

	s.mu.Lock()
	ch, inflight := s.pending[key]
	if !inflight {
		ch = make(chan packet.Packet, 1)
		s.pending[key] = ch
	}
	s.mu.Unlock()

	if !inflight {
		s.Sender.Enqueue(packet.Packet{Header: packet.Header{
			Type:      packet.TypeWhoReq,
			TTL:       packet.DefaultTTL,
			OriginMud: s.LocalMud,
			TargetMud: packet.LowerMudName(targetMud),
		}}, PriorityRequest)
	}

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		if pkt.Type == packet.TypeError {
			return nil, fmt.Errorf("%w: who-req to %s: %s", gwerr.ErrMudUnknown, targetMud, pkt.ErrorMessage)
		}
		raw, err := json.Marshal(map[string]any{
			"mud":     pkt.OriginMud,
			"entries": toJSONable(pkt.Raw),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling who reply: %v", gwerr.ErrInternal, err)
		}
		s.State.CacheWho(key, raw)
		return raw, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: who-req to %s", gwerr.ErrTimeout, targetMud)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptPacket resolves a pending who-req on who-reply, or synthesizes a
// reply from local session data when this gateway's MUD receives a
// who-req. Unsolicited replies are dropped.
func (s *WhoService) AcceptPacket(pkt packet.Packet) {
	switch pkt.Type {
	case packet.TypeWhoReply:
		key := packet.LowerMudName(pkt.OriginMud)
		s.mu.Lock()
		ch, ok := s.pending[key]
		if ok {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		if !ok {
			return // unsolicited reply, drop
		}
		select {
		case ch <- pkt:
		default:
		}

	case packet.TypeWhoReq:
		sessions := s.Sessions.SessionsOfMud(pkt.TargetMud)
		if len(sessions) == 0 {
			s.Sender.Enqueue(packet.Packet{Header: packet.Header{
				Type:       packet.TypeError,
				TTL:        packet.DefaultTTL,
				OriginMud:  s.LocalMud,
				TargetMud:  pkt.OriginMud,
				TargetUser: pkt.OriginUser,
			}, ErrorCode: "unk-user", ErrorMessage: "no active sessions"}, PriorityReply)
			return
		}
		entries := make([]any, 0, len(sessions))
		for _, sess := range sessions {
			entries = append(entries, map[string]any{
				"user": sess.APIKeyID,
				"idle": sess.Idle().Seconds(),
			})
		}
		s.Sender.Enqueue(packet.Packet{Header: packet.Header{
			Type:      packet.TypeWhoReply,
			TTL:       packet.DefaultTTL,
			OriginMud: s.LocalMud,
			TargetMud: pkt.OriginMud,
		}, Raw: anyToLPC(entries)}, PriorityReply)
	}
}

// FailPending implements PendingFailer: an error packet from the mud a
// who-req was sent to resolves that request with an ErrMudUnknown failure
// instead of waiting out the full timeout.
func (s *WhoService) FailPending(pkt packet.Packet) bool {
	key := packet.LowerMudName(pkt.OriginMud)
	s.mu.Lock()
	ch, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- pkt:
	default:
	}
	return true
}
