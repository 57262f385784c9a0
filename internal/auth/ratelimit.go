package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit describes a token bucket: perMinute tokens are added over a
// minute, and burst caps how many can be spent at once.
type RateLimit struct {
	PerMinute int
	Burst     int
}

func (r RateLimit) toLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(r.PerMinute)/60.0), r.Burst)
}

// DefaultLimits returns the gateway's built-in rate limit table: a global
// bucket plus tighter buckets for the noisiest method classes.
func DefaultLimits() map[string]RateLimit {
	return map[string]RateLimit{
		"global":       {PerMinute: 100, Burst: 20},
		"tell":         {PerMinute: 30, Burst: 30},
		"channel_send": {PerMinute: 50, Burst: 50},
		"who":          {PerMinute: 10, Burst: 10},
		"mudlist":      {PerMinute: 5, Burst: 5},
	}
}

// methodClass maps a JSON-RPC method name onto its rate limit class, if it
// has a dedicated one beyond the global bucket.
func methodClass(method string) (string, bool) {
	switch method {
	case "tell", "channel_send", "who", "mudlist":
		return method, true
	default:
		return "", false
	}
}

type sessionBuckets struct {
	global  *rate.Limiter
	classes map[string]*rate.Limiter
}

// Limiter enforces a token bucket per (session, method class). Buckets are
// created lazily on first use and never pruned proactively; Forget removes
// a session's buckets once its session is closed.
type Limiter struct {
	mu     sync.Mutex
	limits map[string]RateLimit
	byKey  map[string]*sessionBuckets
}

func NewLimiter(limits map[string]RateLimit) *Limiter {
	return &Limiter{limits: limits, byKey: make(map[string]*sessionBuckets)}
}

func (l *Limiter) bucketsFor(sessionID string) *sessionBuckets {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byKey[sessionID]
	if !ok {
		b = &sessionBuckets{global: l.limits["global"].toLimiter(), classes: make(map[string]*rate.Limiter)}
		l.byKey[sessionID] = b
	}
	return b
}

func (l *Limiter) classLimiter(b *sessionBuckets, class string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := b.classes[class]
	if !ok {
		lim = l.limits[class].toLimiter()
		b.classes[class] = lim
	}
	return lim
}

// Allow reports whether method is permitted for sessionID right now. When
// false, retryAfter is the caller's suggested backoff before the next try.
// Denied attempts reserve no tokens, so they don't delay later callers.
func (l *Limiter) Allow(sessionID, method string) (ok bool, retryAfter time.Duration) {
	b := l.bucketsFor(sessionID)
	globalRes, gok, gd := reserveNow(b.global)
	if !gok {
		return false, gd
	}
	class, hasClass := methodClass(method)
	if !hasClass {
		return true, 0
	}
	lim := l.classLimiter(b, class)
	_, cok, cd := reserveNow(lim)
	if !cok {
		globalRes.Cancel()
		return false, cd
	}
	return true, 0
}

// reserveNow takes a token from lim if one is available right now, without
// putting the bucket into debt when it isn't. The returned reservation is
// nil when denied; callers that reserve from more than one bucket in the
// same call must Cancel earlier reservations if a later one is denied.
func reserveNow(lim *rate.Limiter) (*rate.Reservation, bool, time.Duration) {
	r := lim.Reserve()
	if !r.OK() {
		return nil, false, 0
	}
	if d := r.Delay(); d > 0 {
		r.Cancel()
		return nil, false, d
	}
	return r, true, 0
}

// Forget drops a session's buckets, freeing memory once the session closes.
func (l *Limiter) Forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.byKey, sessionID)
}
