package rpcproto

import (
	"sync"
	"time"
)

// PendingRequest tracks one in-flight request awaiting a correlated
// response.
type PendingRequest struct {
	ID        string
	Method    string
	Params    any
	CreatedAt time.Time
	Deadline  time.Time
}

// PendingTable correlates outstanding requests by id, removing them on
// response or timeout. Safe for concurrent use.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]PendingRequest
	clock   func() time.Time
}

// NewPendingTable constructs an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		entries: make(map[string]PendingRequest),
		clock:   time.Now,
	}
}

// Add records a pending request with the given id, method, params, and
// timeout. The deadline is computed from the table's clock and is
// guaranteed strictly monotonic relative to prior Add calls sharing the
// same nominal creation instant.
func (t *PendingTable) Add(id, method string, params any, timeout time.Duration) PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock()
	deadline := now.Add(timeout)
	for _, existing := range t.entries {
		if !deadline.After(existing.Deadline) {
			deadline = existing.Deadline.Add(time.Nanosecond)
		}
	}

	pr := PendingRequest{ID: id, Method: method, Params: params, CreatedAt: now, Deadline: deadline}
	t.entries[id] = pr
	return pr
}

// Resolve removes and returns the pending request for id, if any. Callers
// use this when a matching response/reply arrives.
func (t *PendingTable) Resolve(id string) (PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pr, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return pr, ok
}

// ExpireOlderThan removes and returns every entry whose deadline is at or
// before now. Callers run this periodically to fail timed-out requests.
func (t *PendingTable) ExpireOlderThan(now time.Time) []PendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []PendingRequest
	for id, pr := range t.entries {
		if !pr.Deadline.After(now) {
			expired = append(expired, pr)
			delete(t.entries, id)
		}
	}
	return expired
}

// Len reports the number of outstanding entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
