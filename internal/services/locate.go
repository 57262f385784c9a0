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

// LocateService implements the locate API: broadcast a locate-req and
// collect locate-reply packets for a fixed window.
type LocateService struct {
	LocalMud string
	Window   time.Duration
	State    *state.Store
	Sender   PacketSender

	mu      sync.Mutex
	pending map[string]*locateCollector // key: lowercase target user
}

type locateCollector struct {
	mu      sync.Mutex
	replies []any
	done    chan struct{}
	closed  bool
}

// NewLocateService constructs a LocateService. window <= 0 uses 3s.
func NewLocateService(localMud string, window time.Duration, st *state.Store, sender PacketSender) *LocateService {
	if window <= 0 {
		window = 3 * time.Second
	}
	return &LocateService{
		LocalMud: localMud,
		Window:   window,
		State:    st,
		Sender:   sender,
		pending:  make(map[string]*locateCollector),
	}
}

// Request broadcasts a locate-req for username and collects every
// locate-reply that arrives within the collection window.
func (s *LocateService) Request(ctx context.Context, username string) (json.RawMessage, error) {
	key := packet.LowerMudName(username)

	if cached, ok := s.State.LocateFromCache(key); ok {
		return cached, nil
	}

	collector := &locateCollector{done: make(chan struct{})}
	s.mu.Lock()
	s.pending[key] = collector
	s.mu.Unlock()

	s.Sender.Enqueue(packet.Packet{Header: packet.Header{
		Type:       packet.TypeLocateReq,
		TTL:        packet.DefaultTTL,
		OriginMud:  s.LocalMud,
		TargetUser: packet.LowerMudName(username),
	}}, PriorityRequest)

	timer := time.NewTimer(s.Window)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		return nil, ctx.Err()
	}

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	collector.mu.Lock()
	collector.closed = true
	locations := collector.replies
	collector.mu.Unlock()

	raw, err := json.Marshal(map[string]any{"locations": locations})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling locate result: %v", gwerr.ErrInternal, err)
	}
	s.State.CacheLocate(key, raw)
	return raw, nil
}

// AcceptPacket appends an in-window locate-reply to its collector. Replies
// arriving after the window closed are dropped as unsolicited.
func (s *LocateService) AcceptPacket(pkt packet.Packet) {
	if pkt.Type != packet.TypeLocateReply {
		return
	}
	key := packet.LowerMudName(pkt.TargetUser)
	s.mu.Lock()
	collector, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	if collector.closed {
		return
	}
	m := map[string]any{
		"mud":    pkt.OriginMud,
		"idle":   pkt.Idle,
		"status": pkt.Status,
	}
	collector.replies = append(collector.replies, m)
}

// FailPending implements PendingFailer: an error packet targeting the
// username being located is recorded like any other reply rather than
// aborting the whole collection window, since other muds may still answer.
func (s *LocateService) FailPending(pkt packet.Packet) bool {
	key := packet.LowerMudName(pkt.TargetUser)
	s.mu.Lock()
	collector, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	collector.mu.Lock()
	defer collector.mu.Unlock()
	if collector.closed {
		return false
	}
	collector.replies = append(collector.replies, map[string]any{
		"mud":   pkt.OriginMud,
		"error": pkt.ErrorMessage,
	})
	return true
}
