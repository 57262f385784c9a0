package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"i3gateway/internal/gwerr"
	"i3gateway/internal/packet"
	"i3gateway/internal/state"
)

// FingerService implements the finger API and its inbound finger-req/
// finger-reply packet handling.
type FingerService struct {
	LocalMud string
	Timeout  time.Duration
	State    *state.Store
	Sender   PacketSender

	mu      sync.Mutex
	pending map[string]chan packet.Packet // key: lowercase "mud\x00user"
}

// NewFingerService constructs a FingerService. timeout <= 0 uses 10s.
func NewFingerService(localMud string, timeout time.Duration, st *state.Store, sender PacketSender) *FingerService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &FingerService{
		LocalMud: localMud,
		Timeout:  timeout,
		State:    st,
		Sender:   sender,
		pending:  make(map[string]chan packet.Packet),
	}
}

func fingerKey(mud, user string) string {
	return packet.LowerMudName(mud) + "\x00" + packet.LowerMudName(user)
}

// Request sends a finger-req to (targetMud, targetUser), serving from
// cache when available.
func (s *FingerService) Request(ctx context.Context, targetMud, targetUser string) (json.RawMessage, error) {
	key := fingerKey(targetMud, targetUser)

	if cached, ok := s.State.FingerFromCache(key); ok {
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
			Type:       packet.TypeFingerReq,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			TargetMud:  packet.LowerMudName(targetMud),
			TargetUser: packet.LowerMudName(targetUser),
		}}, PriorityRequest)
	}

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		if pkt.Type == packet.TypeError {
			return nil, fmt.Errorf("%w: finger-req to %s@%s: %s", gwerr.ErrUserUnknown, targetUser, targetMud, pkt.ErrorMessage)
		}
		raw, err := json.Marshal(map[string]any{
			"mud":  pkt.OriginMud,
			"user": targetUser,
			"info": toJSONable(pkt.Raw),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling finger reply: %v", gwerr.ErrInternal, err)
		}
		s.State.CacheFinger(key, raw)
		return raw, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: finger-req to %s@%s", gwerr.ErrTimeout, targetUser, targetMud)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptPacket resolves a pending finger-req on finger-reply. Unsolicited
// replies are dropped. This gateway does not expose per-user finger data
// for inbound finger-req, since session identities are opaque API keys;
// it replies with an unk-user error.
func (s *FingerService) AcceptPacket(pkt packet.Packet) {
	switch pkt.Type {
	case packet.TypeFingerReply:
		key := fingerKey(pkt.OriginMud, pkt.TargetUser)
		s.mu.Lock()
		ch, ok := s.pending[key]
		if ok {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		if !ok {
			return
		}
		select {
		case ch <- pkt:
		default:
		}

	case packet.TypeFingerReq:
		s.Sender.Enqueue(packet.Packet{Header: packet.Header{
			Type:       packet.TypeError,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			TargetMud:  pkt.OriginMud,
			TargetUser: pkt.OriginUser,
		}, ErrorCode: "unk-user", ErrorMessage: "finger not supported for this user"}, PriorityReply)
	}
}

// FailPending implements PendingFailer.
func (s *FingerService) FailPending(pkt packet.Packet) bool {
	key := fingerKey(pkt.OriginMud, pkt.TargetUser)
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
