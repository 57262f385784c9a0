// Package state is the process-wide state store: mudlist, channels, and
// the who/finger/locate TTL caches. Reads are lock-free or shared-locked;
// writes serialize per map via a RWMutex-guarded-map-with-snapshot-under-lock
// idiom.
package state

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"i3gateway/internal/packet"
)

// MudEntry is one mudlist record.
type MudEntry struct {
	Name        string // lowercase key
	DisplayName string // original case
	State       MudState
	Address     string
	PlayerPort  int32
	TCPPort     int32
	UDPPort     int32
	Mudlib      string
	BaseMudlib  string
	Driver      string
	MudType     string
	OpenStatus  string
	AdminEmail  string
	Services    map[string]struct{}
}

// MudState is the up/down/reboot tri-state of a mudlist entry.
type MudState int

const (
	MudUp MudState = iota
	MudDown
	MudRebooting
)

// ChannelEntry is one I3 channel record.
type ChannelEntry struct {
	Name     string
	Private  bool
	OwnerMud string
}

// ChannelMember identifies one (mud, user) pair subscribed to a channel.
type ChannelMember struct {
	MudName    string
	UserName   string
	ListenOnly bool
}

const (
	whoCacheTTL     = 60 * time.Second
	fingerCacheTTL  = 5 * time.Minute
	locateCacheTTL  = 60 * time.Second
	mudlistCacheTTL = 5 * time.Minute
	channelListTTL  = 5 * time.Minute
)

// Store is the process-wide state store. Zero value is not usable; use
// New.
type Store struct {
	mu      sync.RWMutex
	mudlist map[string]MudEntry

	chMu       sync.RWMutex
	channels   map[string]ChannelEntry
	membership map[string]map[ChannelMember]struct{} // channel name -> members

	whoCache      *lru.LRU[string, []byte]
	fingerCache   *lru.LRU[string, []byte]
	locateCache   *lru.LRU[string, []byte]
	chanListCache *lru.LRU[string, []byte]
	mudlistCache  *lru.LRU[string, []byte]

	mudlistID  int32
	chanlistID int32
}

// New constructs an empty Store with the default cache TTLs.
func New() *Store {
	return &Store{
		mudlist:       make(map[string]MudEntry),
		channels:      make(map[string]ChannelEntry),
		membership:    make(map[string]map[ChannelMember]struct{}),
		whoCache:      lru.NewLRU[string, []byte](1024, nil, whoCacheTTL),
		fingerCache:   lru.NewLRU[string, []byte](1024, nil, fingerCacheTTL),
		locateCache:   lru.NewLRU[string, []byte](1024, nil, locateCacheTTL),
		chanListCache: lru.NewLRU[string, []byte](64, nil, channelListTTL),
		mudlistCache:  lru.NewLRU[string, []byte](1, nil, mudlistCacheTTL),
	}
}

// UpsertMud installs or replaces a mudlist entry. Only the router's reader
// goroutine should call this.
func (s *Store) UpsertMud(e MudEntry) {
	key := packet.LowerMudName(e.Name)
	e.Name = key
	s.mu.Lock()
	s.mudlist[key] = e
	s.mu.Unlock()
}

// Mud looks up a mudlist entry by name, case-insensitively.
func (s *Store) Mud(name string) (MudEntry, bool) {
	key := packet.LowerMudName(name)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.mudlist[key]
	return e, ok
}

// Mudlist returns a snapshot of every mudlist entry.
func (s *Store) Mudlist() []MudEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MudEntry, 0, len(s.mudlist))
	for _, e := range s.mudlist {
		out = append(out, e)
	}
	return out
}

// SetMudlistID / MudlistID track the router-assigned mudlist generation id
// used to skip refetches.
func (s *Store) SetMudlistID(id int32) {
	s.mu.Lock()
	s.mudlistID = id
	s.mu.Unlock()
}

func (s *Store) MudlistID() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mudlistID
}

func (s *Store) SetChanlistID(id int32) {
	s.mu.Lock()
	s.chanlistID = id
	s.mu.Unlock()
}

func (s *Store) ChanlistID() int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chanlistID
}

// UpsertChannel installs or replaces a channel record.
func (s *Store) UpsertChannel(c ChannelEntry) {
	s.chMu.Lock()
	s.channels[c.Name] = c
	if _, ok := s.membership[c.Name]; !ok {
		s.membership[c.Name] = make(map[ChannelMember]struct{})
	}
	s.chMu.Unlock()
}

// RemoveChannel deletes a channel record and its membership set.
func (s *Store) RemoveChannel(name string) {
	s.chMu.Lock()
	delete(s.channels, name)
	delete(s.membership, name)
	s.chMu.Unlock()
}

// Channel looks up a channel record.
func (s *Store) Channel(name string) (ChannelEntry, bool) {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	c, ok := s.channels[name]
	return c, ok
}

// Channels returns a snapshot of every channel record.
func (s *Store) Channels() []ChannelEntry {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	out := make([]ChannelEntry, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, c)
	}
	return out
}

// Join adds a member to a channel's membership set.
func (s *Store) Join(channel string, m ChannelMember) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	set, ok := s.membership[channel]
	if !ok {
		set = make(map[ChannelMember]struct{})
		s.membership[channel] = set
	}
	set[m] = struct{}{}
}

// Leave removes a member from a channel's membership set.
func (s *Store) Leave(channel string, m ChannelMember) {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	if set, ok := s.membership[channel]; ok {
		delete(set, m)
	}
}

// IsMember reports whether (mud, user) is subscribed to channel.
func (s *Store) IsMember(channel, mudName, userName string) bool {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	set, ok := s.membership[channel]
	if !ok {
		return false
	}
	for m := range set {
		if m.MudName == mudName && m.UserName == userName {
			return true
		}
	}
	return false
}

// Members returns a snapshot of channel's membership set.
func (s *Store) Members(channel string) []ChannelMember {
	s.chMu.RLock()
	defer s.chMu.RUnlock()
	set := s.membership[channel]
	out := make([]ChannelMember, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	return out
}

// CacheWho / CacheFinger / CacheLocate / CacheChanlist install a best-effort
// cache entry with that cache's configured TTL.
func (s *Store) CacheWho(key string, value []byte)      { s.whoCache.Add(key, value) }
func (s *Store) CacheFinger(key string, value []byte)   { s.fingerCache.Add(key, value) }
func (s *Store) CacheLocate(key string, value []byte)   { s.locateCache.Add(key, value) }
func (s *Store) CacheChanlist(key string, value []byte) { s.chanListCache.Add(key, value) }

// CacheMudlistResponse caches the serialized mudlist API response under a
// single key so repeated non-refresh mudlist calls within the TTL skip
// re-serialization.
func (s *Store) CacheMudlistResponse(value []byte) { s.mudlistCache.Add("mudlist", value) }

// MudlistResponseFromCache reads the cached serialized mudlist response.
func (s *Store) MudlistResponseFromCache() ([]byte, bool) { return s.mudlistCache.Get("mudlist") }

// WhoFromCache / FingerFromCache / LocateFromCache / ChanlistFromCache read
// a cache entry, returning ok=false on miss or expiry.
func (s *Store) WhoFromCache(key string) ([]byte, bool)      { return s.whoCache.Get(key) }
func (s *Store) FingerFromCache(key string) ([]byte, bool)   { return s.fingerCache.Get(key) }
func (s *Store) LocateFromCache(key string) ([]byte, bool)   { return s.locateCache.Get(key) }
func (s *Store) ChanlistFromCache(key string) ([]byte, bool) { return s.chanListCache.Get(key) }
