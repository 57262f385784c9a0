// Package auth validates API keys, enforces per-method permissions, and
// rate-limits sessions with a token bucket per method class.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"net"
	"net/netip"

	"i3gateway/internal/gwerr"
)

// APIKeyConfig is how a key is supplied at startup (flag/env/config file).
type APIKeyConfig struct {
	ID          string
	Key         string
	MudName     string
	Permissions []string
	AllowCIDRs  []string
	DenyCIDRs   []string
}

// APIKey is the validated, in-memory form of an API key. The raw key is
// never retained, only its SHA-256 hash.
type APIKey struct {
	ID          string
	Hash        [sha256.Size]byte
	MudName     string
	Permissions map[string]struct{}
	Allow       []netip.Prefix
	Deny        []netip.Prefix
}

func (k *APIKey) HasPermission(method string) bool {
	if _, ok := k.Permissions["*"]; ok {
		return true
	}
	_, ok := k.Permissions[method]
	return ok
}

// IPAllowed reports whether addr passes this key's allow/deny lists. An
// empty allow list means all addresses are allowed unless explicitly denied.
func (k *APIKey) IPAllowed(addr netip.Addr) bool {
	for _, p := range k.Deny {
		if p.Contains(addr) {
			return false
		}
	}
	if len(k.Allow) == 0 {
		return true
	}
	for _, p := range k.Allow {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// KeyStore holds validated API keys indexed by their SHA-256 hash.
type KeyStore struct {
	byHash map[[sha256.Size]byte]*APIKey
}

func NewKeyStore(configs []APIKeyConfig) (*KeyStore, error) {
	s := &KeyStore{byHash: make(map[[sha256.Size]byte]*APIKey, len(configs))}
	for _, c := range configs {
		key, err := buildKey(c)
		if err != nil {
			return nil, err
		}
		s.byHash[key.Hash] = key
	}
	return s, nil
}

func buildKey(c APIKeyConfig) (*APIKey, error) {
	perms := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		perms[p] = struct{}{}
	}
	allow, err := parseCIDRs(c.AllowCIDRs)
	if err != nil {
		return nil, err
	}
	deny, err := parseCIDRs(c.DenyCIDRs)
	if err != nil {
		return nil, err
	}
	return &APIKey{
		ID:          c.ID,
		Hash:        sha256.Sum256([]byte(c.Key)),
		MudName:     c.MudName,
		Permissions: perms,
		Allow:       allow,
		Deny:        deny,
	}, nil
}

func parseCIDRs(raw []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(raw))
	for _, s := range raw {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			if ip, ierr := netip.ParseAddr(s); ierr == nil {
				p = netip.PrefixFrom(ip, ip.BitLen())
			} else {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// Validate looks up rawKey by its SHA-256 hash using a constant-time
// comparison, so key validation time does not leak which prefix of a
// supplied key matched.
func (s *KeyStore) Validate(rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, gwerr.ErrNotAuthenticated
	}
	want := sha256.Sum256([]byte(rawKey))
	for hash, key := range s.byHash {
		if subtle.ConstantTimeCompare(hash[:], want[:]) == 1 {
			return key, nil
		}
	}
	return nil, gwerr.ErrNotAuthenticated
}

// RemoteAddr parses a net.Addr/host:port style string down to its IP,
// tolerating inputs that carry no port.
func RemoteAddr(hostport string) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return netip.ParseAddr(host)
}
