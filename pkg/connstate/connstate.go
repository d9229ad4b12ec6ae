// Package connstate implements the bounded, per-connection state cache
// every stateful filter in this core shares the same shape for: an LRU map
// from a connection or source key to a small tagged value, each entry
// carrying a wall-clock deadline (§3: "Every state has a wall-clock
// deadline; on expiry the entry is evicted and a new packet starts at
// None").
//
// It generalizes the teacher's filterState (wgengine/filter/filter.go),
// which is a *lru.Cache guarded by a mutex holding tuple4/tuple6 keys, to
// an arbitrary per-protocol value type.
package connstate

import (
	"net/netip"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

// ConnKey is the 5-tuple connection key of §3, used by TCP and by
// Minecraft Java / HTTP state.
type ConnKey struct {
	Src, Dst         netip.Addr
	SrcPort, DstPort uint16
	Proto            uint8
}

// SourceKey is the (address-family, source address) key of §3, used by
// UDP-oriented protocols (RakNet, QUIC) whose state is per source rather
// than per full 5-tuple until a connection is established.
type SourceKey struct {
	Addr netip.Addr
}

// entry wraps a stored value with its eviction deadline.
type entry[V any] struct {
	val      V
	deadline time.Time
}

// Store is a bounded, TTL-aware LRU map from a comparable key to a value.
// Capacity bounds memory per §5 ("connection state: 2^18 entries"); TTL
// eviction models the per-state deadlines of §3, and LRU eviction models
// the spec's explicitly-acceptable "attacker-induced eviction degrades to
// stateless filtering" behavior under memory pressure.
type Store[K comparable, V any] struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

// DefaultCapacity is the 2^18-entry budget §5 assigns to connection state.
const DefaultCapacity = 1 << 18

// NewStore creates a Store with DefaultCapacity.
func NewStore[K comparable, V any]() *Store[K, V] {
	return NewStoreSized[K, V](DefaultCapacity)
}

// NewStoreSized is NewStore with an explicit capacity, for tests.
func NewStoreSized[K comparable, V any](capacity int) *Store[K, V] {
	return &Store[K, V]{cache: lru.New(capacity), now: time.Now}
}

// Get returns the value for key if present and not expired. An expired
// entry is evicted and reported as absent, i.e. the caller observes None.
func (s *Store[K, V]) Get(key K) (val V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, found := s.cache.Get(key)
	if !found {
		return val, false
	}
	e := v.(entry[V])
	if s.now().After(e.deadline) {
		s.cache.Remove(key)
		return val, false
	}
	return e.val, true
}

// Put stores val for key with the given deadline, overwriting any
// previous value (state transitions always move forward in time; callers
// enforce the monotonicity invariant of §3 before calling Put).
func (s *Store[K, V]) Put(key K, val V, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(key, entry[V]{val: val, deadline: deadline})
}

// Evict removes key unconditionally.
func (s *Store[K, V]) Evict(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(key)
}

// Len reports the number of live (not necessarily unexpired) entries.
func (s *Store[K, V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}
