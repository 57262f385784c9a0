// Package session tracks per-client identity, permissions, subscriptions,
// offline queue, and rate limiter state, with reconnect-by-id support
// within a TTL window.
package session

import (
	"crypto/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"i3gateway/internal/eventbus"
)

// Transport identifies which downstream transport owns a session's socket.
type Transport string

const (
	TransportWS  Transport = "ws"
	TransportTCP Transport = "tcp"
)

// DefaultTTL is the inactivity window after which a disconnected session
// becomes eligible for destruction.
const DefaultTTL = time.Hour

// Sender delivers a notification payload to a connected client. Transports
// implement this to receive pushes from the session's offline queue or the
// event bus.
type Sender interface {
	SendNotification(method string, params any) error
}

// Session is one authenticated client connection's state.
type Session struct {
	ID          string
	MudName     string
	APIKeyID    string
	Permissions map[string]struct{} // method tags, "*" for wildcard

	ConnectedAt  time.Time
	LastActivity atomic.Int64 // unix nanos
	Transport    Transport

	mu            sync.Mutex
	subscriptions map[string]struct{} // channel names + event-type filters
	sender        Sender              // nil when disconnected
	offlineQueue  *eventbus.OfflineQueue

	requestCount atomic.Uint64
	errorCount   atomic.Uint64
	bytesCount   atomic.Uint64
}

// HasPermission reports whether the session may call method, honoring the
// "*" wildcard tag.
func (s *Session) HasPermission(method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Permissions["*"]; ok {
		return true
	}
	_, ok := s.Permissions[method]
	return ok
}

// Touch records activity now, resetting the TTL clock.
func (s *Session) Touch() {
	s.LastActivity.Store(time.Now().UnixNano())
}

// Idle reports how long it has been since the last activity.
func (s *Session) Idle() time.Duration {
	last := time.Unix(0, s.LastActivity.Load())
	return time.Since(last)
}

// Attach binds a live sender to the session (on connect/resume) and
// flushes any queued offline notifications.
func (s *Session) Attach(sender Sender) {
	s.mu.Lock()
	s.sender = sender
	s.mu.Unlock()
	s.flushOffline()
}

// Detach clears the session's sender on disconnect, leaving subscriptions
// and the offline queue intact for a later resume.
func (s *Session) Detach() {
	s.mu.Lock()
	s.sender = nil
	s.mu.Unlock()
}

// OfflineQueueLen reports how many notifications are waiting in the
// session's offline queue, for reporting to a resuming client before
// Attach drains it.
func (s *Session) OfflineQueueLen() int {
	return s.offlineQueue.Len()
}

// Connected reports whether a live sender is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sender != nil
}

// Subscribe adds name (a channel name or event-type filter) to the
// session's subscription set.
func (s *Session) Subscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[name] = struct{}{}
}

// Unsubscribe removes name from the subscription set.
func (s *Session) Unsubscribe(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, name)
}

// IsSubscribed reports whether name is in the subscription set.
func (s *Session) IsSubscribed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subscriptions[name]
	return ok
}

// Deliver sends an event to this session: immediately if connected,
// otherwise enqueued on the offline queue.
func (s *Session) Deliver(method string, params any, priority int, expiresAt time.Time) {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()

	if sender != nil {
		if err := sender.SendNotification(method, params); err == nil {
			return
		}
		// Fall through to offline queue on send failure.
	}
	s.offlineQueue.Enqueue(eventbus.QueuedEvent{
		Method:    method,
		Params:    params,
		Priority:  priority,
		ExpiresAt: expiresAt,
	})
}

func (s *Session) flushOffline() {
	s.mu.Lock()
	sender := s.sender
	s.mu.Unlock()
	if sender == nil {
		return
	}
	for {
		ev, ok := s.offlineQueue.Dequeue()
		if !ok {
			return
		}
		if time.Now().After(ev.ExpiresAt) && !ev.ExpiresAt.IsZero() {
			continue
		}
		if err := sender.SendNotification(ev.Method, ev.Params); err != nil {
			return
		}
	}
}

// RecordRequest / RecordError / RecordBytes track per-session counters.
func (s *Session) RecordRequest()    { s.requestCount.Add(1) }
func (s *Session) RecordError()      { s.errorCount.Add(1) }
func (s *Session) RecordBytes(n int) { s.bytesCount.Add(uint64(n)) }

// Counters returns a snapshot of (requests, errors, bytes).
func (s *Session) Counters() (requests, errs, bytes uint64) {
	return s.requestCount.Load(), s.errorCount.Load(), s.bytesCount.Load()
}

// Manager creates, resumes, and expires sessions.
type Manager struct {
	mu   sync.RWMutex
	byID map[string]*Session
	ttl  time.Duration
}

// NewManager constructs a Manager. ttl <= 0 uses DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{byID: make(map[string]*Session), ttl: ttl}
}

// Authenticate creates a new session for mudName/apiKeyID with the given
// permission set.
func (m *Manager) Authenticate(mudName, apiKeyID string, permissions []string) *Session {
	id := newSessionID()
	perms := make(map[string]struct{}, len(permissions))
	for _, p := range permissions {
		perms[p] = struct{}{}
	}
	s := &Session{
		ID:            id,
		MudName:       mudName,
		APIKeyID:      apiKeyID,
		Permissions:   perms,
		ConnectedAt:   time.Now(),
		subscriptions: make(map[string]struct{}),
		offlineQueue:  eventbus.NewOfflineQueue(eventbus.DefaultQueueSize, eventbus.DefaultQueueTTL),
	}
	s.Touch()

	m.mu.Lock()
	m.byID[id] = s
	m.mu.Unlock()
	return s
}

// Resume looks up an existing session by id for reconnection, honoring the
// inactivity TTL. It returns ok=false if the session doesn't exist or has
// exceeded its TTL.
func (m *Manager) Resume(id string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.Idle() > m.ttl {
		m.Close(id)
		return nil, false
	}
	return s, true
}

// Close removes a session permanently.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

// Get returns a live session by id without resume semantics.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[id]
	return s, ok
}

// SessionsOfMud returns every session belonging to mudName, used to
// broadcast to all sessions of the owning MUD.
func (m *Manager) SessionsOfMud(mudName string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Session
	for _, s := range m.byID {
		if s.MudName == mudName {
			out = append(out, s)
		}
	}
	return out
}

// All returns a snapshot of every live session, used to persist the session
// index for cross-restart resume.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// SweepExpired removes every session idle longer than the manager's TTL.
// Callers run this periodically.
func (m *Manager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.byID {
		if s.Idle() > m.ttl {
			delete(m.byID, id)
			n++
		}
	}
	return n
}

func newSessionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
