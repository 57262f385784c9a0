// Package gateway is a single dispatch point between the router link's
// inbound frames and the per-type services that handle them, plus the
// bounded outbound priority queue services use to send packets back
// upstream.
package gateway

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"

	"i3gateway/internal/packet"
)

// Service handles inbound packets of the types it is registered for.
type Service interface {
	AcceptPacket(pkt packet.Packet)
}

// Router dispatches inbound packets to registered services by type and
// exposes a bounded, priority-ordered outbound queue for services to post
// packets back to the router link.
type Router struct {
	mu       sync.RWMutex
	services map[packet.Type]Service

	unknownTypeCount atomic.Uint64

	outMu    sync.Mutex
	outCond  *sync.Cond
	out      outboundQueue
	maxQueue int

	events EventSink
}

// EventSink receives router-level events (unknown packet types,
// backpressure drops).
type EventSink interface {
	Publish(eventType string, payload map[string]any, priority int)
}

// OutboundItem is one packet queued for upstream delivery, ordered by
// Priority (lower value sent first) then FIFO.
type OutboundItem struct {
	Packet   packet.Packet
	Priority int
	seq      uint64
}

// DefaultMaxQueue bounds the outbound queue; overflow drops the
// lowest-priority packet.
const DefaultMaxQueue = 1000

// New constructs a Router. maxQueue <= 0 uses DefaultMaxQueue.
func New(maxQueue int, events EventSink) *Router {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	r := &Router{
		services: make(map[packet.Type]Service),
		maxQueue: maxQueue,
		events:   events,
	}
	r.outCond = sync.NewCond(&r.outMu)
	return r
}

// Register installs svc as the handler for typ. Registration happens only
// at startup; Dispatch reads the map under a read lock so registration
// after Dispatch begins is still safe, just not recommended.
func (r *Router) Register(typ packet.Type, svc Service) {
	r.mu.Lock()
	r.services[typ] = svc
	r.mu.Unlock()
}

// Dispatch routes one inbound packet to its registered service. Packets of
// unknown type are counted and reported via EventSink.
func (r *Router) Dispatch(pkt packet.Packet) {
	r.mu.RLock()
	svc, ok := r.services[pkt.Type]
	r.mu.RUnlock()

	if !ok {
		r.unknownTypeCount.Add(1)
		slog.Warn("no service registered for packet type", "type", pkt.Type)
		if r.events != nil {
			r.events.Publish("error_occurred", map[string]any{
				"reason": "unknown_packet_type",
				"type":   string(pkt.Type),
			}, 3)
		}
		return
	}
	svc.AcceptPacket(pkt)
}

// UnknownTypeCount returns the running count of packets dropped for having
// no registered service.
func (r *Router) UnknownTypeCount() uint64 { return r.unknownTypeCount.Load() }

var seqCounter atomic.Uint64

// Enqueue posts pkt to the outbound queue at the given priority. If the
// queue is at capacity, the lowest-priority item (ties broken by oldest)
// is dropped and a backpressure event is published.
func (r *Router) Enqueue(pkt packet.Packet, priority int) {
	item := &OutboundItem{Packet: pkt, Priority: priority, seq: seqCounter.Add(1)}

	r.outMu.Lock()
	if len(r.out) >= r.maxQueue {
		dropped := r.out.dropLowestPriority()
		if r.events != nil {
			r.events.Publish("backpressure", map[string]any{
				"dropped_type":     string(dropped.Packet.Type),
				"dropped_priority": dropped.Priority,
			}, 6)
		}
	}
	heap.Push(&r.out, item)
	r.outCond.Signal()
	r.outMu.Unlock()
}

// Dequeue blocks until an item is available and returns the
// highest-priority (lowest Priority value), oldest-first item.
func (r *Router) Dequeue() *OutboundItem {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	for len(r.out) == 0 {
		r.outCond.Wait()
	}
	item := heap.Pop(&r.out).(*OutboundItem)
	return item
}

// Len reports the current outbound queue depth.
func (r *Router) Len() int {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	return len(r.out)
}

// outboundQueue is a container/heap priority queue ordered by Priority
// ascending, then seq ascending (FIFO within a priority class).
type outboundQueue []*OutboundItem

func (q outboundQueue) Len() int { return len(q) }

func (q outboundQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].seq < q[j].seq
}

func (q outboundQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *outboundQueue) Push(x any) {
	*q = append(*q, x.(*OutboundItem))
}

func (q *outboundQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// dropLowestPriority removes and returns the item with the highest
// Priority value (lowest urgency); on ties, the oldest (smallest seq).
// Caller must hold outMu.
func (q *outboundQueue) dropLowestPriority() *OutboundItem {
	worst := 0
	for i := 1; i < len(*q); i++ {
		cur := (*q)[i]
		w := (*q)[worst]
		if cur.Priority > w.Priority || (cur.Priority == w.Priority && cur.seq < w.seq) {
			worst = i
		}
	}
	return heap.Remove(q, worst).(*OutboundItem)
}
