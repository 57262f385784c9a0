package services

import (
	"sync"

	"i3gateway/internal/eventbus"
	"i3gateway/internal/packet"
)

type recordingSender struct {
	mu  sync.Mutex
	got []packet.Packet
}

func (s *recordingSender) Enqueue(pkt packet.Packet, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, pkt)
}

func (s *recordingSender) last() packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return packet.Packet{}
	}
	return s.got[len(s.got)-1]
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []eventbus.Event
}

func (p *recordingPublisher) Publish(ev eventbus.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, ev)
}

func (p *recordingPublisher) last() eventbus.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.got) == 0 {
		return eventbus.Event{}
	}
	return p.got[len(p.got)-1]
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.got)
}
