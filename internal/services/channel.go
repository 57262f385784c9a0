package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"i3gateway/internal/eventbus"
	"i3gateway/internal/gwerr"
	"i3gateway/internal/packet"
	"i3gateway/internal/session"
	"i3gateway/internal/state"
)

// DefaultChanWhoTimeout bounds how long channel_who waits for a
// chan-who-reply before giving up.
const DefaultChanWhoTimeout = 10 * time.Second

// DefaultHistoryCap bounds how many recent messages are retained per
// channel for channel_history.
const DefaultHistoryCap = 200

// ChannelService implements channel_send/channel_emote/channel_targeted/
// channel_join/channel_leave/channel_list/channel_who/channel_history and
// dispatches inbound channel-m/e/t packets as events; the event bus's
// channel-name subscription check performs the "only deliver to
// subscribed sessions" filtering.
type ChannelService struct {
	LocalMud   string
	MaxLen     int
	WhoTimeout time.Duration
	HistoryCap int
	State      *state.Store
	Sender     PacketSender
	Events     EventPublisher

	mu      sync.Mutex
	pending map[string]chan packet.Packet // key: channel name, for channel_who

	histMu  sync.Mutex
	history map[string][]ChannelHistoryEntry
}

// ChannelHistoryEntry is one retained message for channel_history.
type ChannelHistoryEntry struct {
	Kind    string    `json:"kind"` // "message" or "emote"
	FromMud string    `json:"from_mud"`
	Visname string    `json:"visname"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// NewChannelService constructs a ChannelService with defaulted timeouts.
func NewChannelService(localMud string, maxLen int, st *state.Store, sender PacketSender, events EventPublisher) *ChannelService {
	return &ChannelService{
		LocalMud:   localMud,
		MaxLen:     maxLen,
		WhoTimeout: DefaultChanWhoTimeout,
		HistoryCap: DefaultHistoryCap,
		State:      st,
		Sender:     sender,
		Events:     events,
		pending:    make(map[string]chan packet.Packet),
		history:    make(map[string][]ChannelHistoryEntry),
	}
}

// ChannelMessageParams is the handle_api payload shared by send/emote.
type ChannelMessageParams struct {
	Channel string
	User    string
	Visname string
	Message string
}

func (s *ChannelService) send(typ packet.Type, p ChannelMessageParams) error {
	if len(p.Message) > s.MaxLen {
		return fmt.Errorf("%w: channel message exceeds %d bytes", gwerr.ErrInvalidParams, s.MaxLen)
	}
	if _, ok := s.State.Channel(p.Channel); !ok {
		return fmt.Errorf("%w: %s", gwerr.ErrChannelUnknown, p.Channel)
	}
	visname := p.Visname
	if visname == "" {
		visname = p.User
	}
	pkt := packet.Packet{
		Header: packet.Header{
			Type:       typ,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			OriginUser: p.User,
		},
		ChannelName: p.Channel,
		Visname:     visname,
		Message:     p.Message,
	}
	s.Sender.Enqueue(pkt, PriorityRequest)
	return nil
}

// Send emits a channel-m (ordinary message) packet.
func (s *ChannelService) Send(p ChannelMessageParams) error {
	return s.send(packet.TypeChannelM, p)
}

// Emote emits a channel-e (third-person emote) packet.
func (s *ChannelService) Emote(p ChannelMessageParams) error {
	return s.send(packet.TypeChannelE, p)
}

// TargetedParams is the handle_api payload for channel_targeted.
type TargetedParams struct {
	Channel    string
	User       string
	Visname    string
	Message    string
	TargetUser string
}

// Targeted emits a channel-t (directed-within-channel) packet.
func (s *ChannelService) Targeted(p TargetedParams) error {
	if len(p.Message) > s.MaxLen {
		return fmt.Errorf("%w: channel message exceeds %d bytes", gwerr.ErrInvalidParams, s.MaxLen)
	}
	if _, ok := s.State.Channel(p.Channel); !ok {
		return fmt.Errorf("%w: %s", gwerr.ErrChannelUnknown, p.Channel)
	}
	visname := p.Visname
	if visname == "" {
		visname = p.User
	}
	pkt := packet.Packet{
		Header: packet.Header{
			Type:       packet.TypeChannelT,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			OriginUser: p.User,
			TargetUser: packet.LowerMudName(p.TargetUser),
		},
		ChannelName: p.Channel,
		Visname:     visname,
		Message:     p.Message,
	}
	s.Sender.Enqueue(pkt, PriorityRequest)
	return nil
}

// Join records local membership, subscribes sess to the channel, and
// sends channel-listen upstream.
func (s *ChannelService) Join(sess *session.Session, channel, user string) {
	s.State.Join(channel, state.ChannelMember{MudName: s.LocalMud, UserName: user})
	sess.Subscribe(channel)
	s.Sender.Enqueue(packet.Packet{
		Header: packet.Header{
			Type:       packet.TypeChannelListen,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			OriginUser: user,
		},
		ChannelName: channel,
	}, PriorityRequest)
}

// Leave removes local membership, unsubscribes sess, and sends
// channel-listen (leave) upstream.
func (s *ChannelService) Leave(sess *session.Session, channel, user string) {
	s.State.Leave(channel, state.ChannelMember{MudName: s.LocalMud, UserName: user})
	sess.Unsubscribe(channel)
	s.Sender.Enqueue(packet.Packet{
		Header: packet.Header{
			Type:       packet.TypeChannelListen,
			TTL:        packet.DefaultTTL,
			OriginMud:  s.LocalMud,
			OriginUser: user,
		},
		ChannelName: channel,
	}, PriorityRequest)
}

// List returns the locally known channel roster. refresh bypasses the
// cached response; there is no dedicated upstream request packet for a
// channel list, so a refresh simply re-reads current state rather than
// re-fetching from the router.
func (s *ChannelService) List(refresh bool) (json.RawMessage, error) {
	const cacheKey = "chanlist"
	if !refresh {
		if cached, ok := s.State.ChanlistFromCache(cacheKey); ok {
			return cached, nil
		}
	}
	raw, err := json.Marshal(map[string]any{"channels": s.State.Channels()})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling channel list: %v", gwerr.ErrInternal, err)
	}
	s.State.CacheChanlist(cacheKey, raw)
	return raw, nil
}

// Who sends a chan-who-req for channel and blocks until a chan-who-reply
// arrives, the timeout elapses, or ctx is done.
func (s *ChannelService) Who(ctx context.Context, channel string) (json.RawMessage, error) {
	if _, ok := s.State.Channel(channel); !ok {
		return nil, fmt.Errorf("%w: %s", gwerr.ErrChannelUnknown, channel)
	}

	s.mu.Lock()
	if s.pending == nil {
		s.pending = make(map[string]chan packet.Packet)
	}
	ch, inflight := s.pending[channel]
	if !inflight {
		ch = make(chan packet.Packet, 1)
		s.pending[channel] = ch
	}
	s.mu.Unlock()

	if !inflight {
		s.Sender.Enqueue(packet.Packet{Header: packet.Header{
			Type:      packet.TypeChanWhoReq,
			TTL:       packet.DefaultTTL,
			OriginMud: s.LocalMud,
		}, ChannelName: channel}, PriorityRequest)
	}

	timer := time.NewTimer(s.WhoTimeout)
	defer timer.Stop()

	select {
	case pkt := <-ch:
		if pkt.Type == packet.TypeError {
			return nil, fmt.Errorf("%w: chan-who-req for %s: %s", gwerr.ErrChannelUnknown, channel, pkt.ErrorMessage)
		}
		raw, err := json.Marshal(map[string]any{
			"channel": channel,
			"members": toJSONable(pkt.Raw),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: marshaling chan-who reply: %v", gwerr.ErrInternal, err)
		}
		return raw, nil
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, channel)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: chan-who-req for %s", gwerr.ErrTimeout, channel)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// History returns up to limit of the most recent retained messages for
// channel, oldest first. limit <= 0 returns everything retained.
func (s *ChannelService) History(channel string, limit int) []ChannelHistoryEntry {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	entries := s.history[channel]
	if limit <= 0 || limit >= len(entries) {
		out := make([]ChannelHistoryEntry, len(entries))
		copy(out, entries)
		return out
	}
	out := make([]ChannelHistoryEntry, limit)
	copy(out, entries[len(entries)-limit:])
	return out
}

func (s *ChannelService) recordHistory(kind string, pkt packet.Packet) {
	s.histMu.Lock()
	defer s.histMu.Unlock()
	if s.history == nil {
		s.history = make(map[string][]ChannelHistoryEntry)
	}
	maxKeep := s.HistoryCap
	if maxKeep <= 0 {
		maxKeep = DefaultHistoryCap
	}
	entries := append(s.history[pkt.ChannelName], ChannelHistoryEntry{
		Kind:    kind,
		FromMud: pkt.OriginMud,
		Visname: pkt.Visname,
		Message: pkt.Message,
		At:      time.Now(),
	})
	if len(entries) > maxKeep {
		entries = entries[len(entries)-maxKeep:]
	}
	s.history[pkt.ChannelName] = entries
}

// AcceptPacket publishes an inbound channel-m/e/t packet as an event
// scoped to its channel name (the bus delivers only to subscribed
// sessions), retains it in the channel's history buffer, resolves a
// pending channel_who on chan-who-reply, and refreshes the local channel
// roster on chanlist-reply.
func (s *ChannelService) AcceptPacket(pkt packet.Packet) {
	switch pkt.Type {
	case packet.TypeChannelM, packet.TypeChannelE, packet.TypeChannelT:
		var evType, kind string
		switch pkt.Type {
		case packet.TypeChannelM:
			evType, kind = "channel_m", "message"
		case packet.TypeChannelE:
			evType, kind = "channel_e", "emote"
		case packet.TypeChannelT:
			evType, kind = "channel_t", "message"
		}
		s.recordHistory(kind, pkt)
		s.Events.Publish(eventbus.Event{
			Type: evType,
			Payload: map[string]any{
				"channel":   pkt.ChannelName,
				"from_mud":  pkt.OriginMud,
				"from_user": pkt.OriginUser,
				"visname":   pkt.Visname,
				"message":   pkt.Message,
				"to_user":   pkt.TargetUser,
			},
			Priority:    5,
			ChannelName: pkt.ChannelName,
		})

	case packet.TypeChanWhoReply:
		s.mu.Lock()
		ch, ok := s.pending[pkt.ChannelName]
		if ok {
			delete(s.pending, pkt.ChannelName)
		}
		s.mu.Unlock()
		if ok {
			select {
			case ch <- pkt:
			default:
			}
		}

	case packet.TypeChanlistReply:
		for _, entry := range pkt.Raw.Array() {
			fields := entry.Array()
			if len(fields) == 0 || !fields[0].IsString() {
				continue
			}
			c := state.ChannelEntry{Name: fields[0].String()}
			if len(fields) > 1 {
				c.OwnerMud = fields[1].String()
			}
			s.State.UpsertChannel(c)
		}

	case packet.TypeChannelAdd:
		s.State.UpsertChannel(state.ChannelEntry{Name: pkt.ChannelName, OwnerMud: pkt.OriginMud})
		s.Events.Publish(eventbus.Event{
			Type:        "channel_added",
			Payload:     map[string]any{"channel": pkt.ChannelName, "owner_mud": pkt.OriginMud},
			Priority:    5,
			ChannelName: pkt.ChannelName,
		})

	case packet.TypeChannelRemove:
		s.State.RemoveChannel(pkt.ChannelName)
		s.Events.Publish(eventbus.Event{
			Type:        "channel_removed",
			Payload:     map[string]any{"channel": pkt.ChannelName},
			Priority:    5,
			ChannelName: pkt.ChannelName,
		})
	}
}

// FailPending implements PendingFailer: an error reply for an outstanding
// channel_who resolves that request instead of waiting out the timeout.
func (s *ChannelService) FailPending(pkt packet.Packet) bool {
	s.mu.Lock()
	ch, ok := s.pending[pkt.ChannelName]
	if ok {
		delete(s.pending, pkt.ChannelName)
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
