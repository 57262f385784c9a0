package auth

import (
	"fmt"
	"net/netip"
	"sync"

	"i3gateway/internal/gwerr"
)

// Gate bounds how many concurrent connections the gateway accepts overall
// and per source IP, mirroring a connection admission check in front of
// the more granular per-session rate limiter.
type Gate struct {
	mu       sync.Mutex
	maxTotal int
	maxPerIP int
	total    int
	perIP    map[netip.Addr]int
}

func NewGate(maxTotal, maxPerIP int) *Gate {
	return &Gate{maxTotal: maxTotal, maxPerIP: maxPerIP, perIP: make(map[netip.Addr]int)}
}

// CanConnect reports whether a new connection from addr may proceed.
func (g *Gate) CanConnect(addr netip.Addr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.maxTotal > 0 && g.total >= g.maxTotal {
		return false
	}
	if g.maxPerIP > 0 && g.perIP[addr] >= g.maxPerIP {
		return false
	}
	return true
}

func (g *Gate) TrackConnect(addr netip.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.total++
	g.perIP[addr]++
}

func (g *Gate) TrackDisconnect(addr netip.Addr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.total > 0 {
		g.total--
	}
	if g.perIP[addr] > 0 {
		g.perIP[addr]--
		if g.perIP[addr] == 0 {
			delete(g.perIP, addr)
		}
	}
}

// Authenticator combines key validation, IP policy, and rate limiting into
// the single check the API dispatcher needs at connection and call time.
type Authenticator struct {
	Keys    *KeyStore
	Limiter *Limiter
}

func NewAuthenticator(keys *KeyStore, limits map[string]RateLimit) *Authenticator {
	return &Authenticator{Keys: keys, Limiter: NewLimiter(limits)}
}

// Authenticate validates an API key against both its hash and its IP
// policy. The returned *APIKey is nil on failure.
func (a *Authenticator) Authenticate(rawKey string, remote netip.Addr) (*APIKey, error) {
	key, err := a.Keys.Validate(rawKey)
	if err != nil {
		return nil, err
	}
	if !key.IPAllowed(remote) {
		return nil, gwerr.ErrPermissionDenied
	}
	return key, nil
}

// Authorize checks both permission and rate limit for an already
// authenticated session issuing method. A rate-limit failure wraps
// gwerr.ErrRateLimited with the suggested retry delay in its message.
func (a *Authenticator) Authorize(key *APIKey, sessionID, method string) error {
	if !key.HasPermission(method) {
		return gwerr.ErrPermissionDenied
	}
	if ok, retryAfter := a.Limiter.Allow(sessionID, method); !ok {
		return fmt.Errorf("%w: retry after %s", gwerr.ErrRateLimited, retryAfter)
	}
	return nil
}
