// Package eventbus fans I3 packets and gateway-internal occurrences out to
// subscribed sessions, plus a bounded per-session offline queue. Sessions
// that are not currently connected get their events appended to the
// offline queue instead of dropped.
package eventbus

import (
	"time"
)

// Event is one occurrence published to the bus: a type tag, payload,
// priority, optional expiry, and the permission tag gating who may
// receive it.
type Event struct {
	Type          string
	Payload       map[string]any
	Priority      int       // 1..10, 1 highest
	ExpiresAt     time.Time // zero value means unexpirable (e.g. connection notices)
	PermissionTag string
	ChannelName   string // set for channel-scoped events
	TargetMud     string // set for mud-scoped events (tell delivery, mud_online/offline)
}

// Subscriber is anything the bus can deliver an Event to: sessions
// implement this via a thin adapter.
type Subscriber interface {
	// Matches reports whether this subscriber should receive ev.
	Matches(ev Event) bool
	// Deliver hands ev to the subscriber; implementations decide whether
	// to send immediately or enqueue offline.
	Deliver(ev Event)
}

// Bus dispatches events to registered subscribers.
type Bus struct {
	subscribe   chan Subscriber
	unsubscribe chan Subscriber
	publish     chan Event
	subs        map[Subscriber]struct{}
	done        chan struct{}
}

// New constructs a Bus. Callers must call Run in a goroutine before
// publishing.
func New() *Bus {
	return &Bus{
		subscribe:   make(chan Subscriber),
		unsubscribe: make(chan Subscriber),
		publish:     make(chan Event, 1024),
		subs:        make(map[Subscriber]struct{}),
		done:        make(chan struct{}),
	}
}

// Register adds sub to the dispatch set.
func (b *Bus) Register(sub Subscriber) {
	select {
	case b.subscribe <- sub:
	case <-b.done:
	}
}

// Unregister removes sub from the dispatch set.
func (b *Bus) Unregister(sub Subscriber) {
	select {
	case b.unsubscribe <- sub:
	case <-b.done:
	}
}

// Publish publishes an event for dispatch. This satisfies the
// router.EventSink and gateway.EventSink interfaces via the adapter in
// sink.go.
func (b *Bus) Publish(ev Event) {
	select {
	case b.publish <- ev:
	case <-b.done:
	}
}

// Run drives the bus's single dispatch loop until Stop is called.
func (b *Bus) Run() {
	for {
		select {
		case sub := <-b.subscribe:
			b.subs[sub] = struct{}{}
		case sub := <-b.unsubscribe:
			delete(b.subs, sub)
		case ev := <-b.publish:
			if !ev.ExpiresAt.IsZero() && time.Now().After(ev.ExpiresAt) {
				continue
			}
			for sub := range b.subs {
				if sub.Matches(ev) {
					sub.Deliver(ev)
				}
			}
		case <-b.done:
			return
		}
	}
}

// Stop terminates the dispatch loop.
func (b *Bus) Stop() {
	close(b.done)
}
