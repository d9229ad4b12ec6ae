// Package mapset implements the userspace-writable map contract of §4.9:
// blocklist/allowlist LPM tries over source address, and the secret
// rotation pair used by pkg/synccookie.
//
// The containment check generalizes the teacher's ip4InList/nets4FromIPPrefixes
// (wgengine/filter/filter.go), which already does "is this address inside
// any of these prefixes" for the local-nets check; here each prefix also
// carries an expiry and a reason, and on multiple matches the longest
// prefix wins, as the spec requires. go4.org/netipx is used for address-set
// membership when building the cheap reject-fast path (ContainsFast), matching
// the dependency the pack's own tailscale manifest carries forward from
// inet.af/netaddr (the library the teacher imports).
package mapset

import (
	"net/netip"
	"sync"
	"time"

	"go4.org/netipx"
)

// Reason is the stable reason code an entry was added for (§7: repeat
// offenses elevate a source to the blocklist for a reason-specific TTL).
type Reason uint8

const (
	ReasonManual Reason = iota
	ReasonInvalidFlags
	ReasonStateMachineViolation
	ReasonGuidMismatch
	ReasonAmplification
	ReasonNegativeVarInt
)

// Entry is one blocklist/allowlist record (§6: "family, prefix_len, addr,
// expiry_ns, reason"). A zero Expiry means permanent.
type Entry struct {
	Prefix  netip.Prefix
	Expiry  time.Time // zero value == permanent
	Reason  Reason
}

// List is a longest-prefix-match set of entries, single-writer /
// multi-reader (§5: "LPM tries: multi-reader, userspace single-writer").
type List struct {
	mu      sync.RWMutex
	entries []Entry
	setOK   bool
	set     *netipx.IPSet
}

// NewList returns an empty list.
func NewList() *List { return &List{} }

// Add inserts or replaces the entry for prefix.
func (l *List) Add(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.entries {
		if cur.Prefix == e.Prefix {
			l.entries[i] = e
			l.setOK = false
			return
		}
	}
	l.entries = append(l.entries, e)
	l.setOK = false
}

// Remove deletes the entry for prefix, if present.
func (l *List) Remove(prefix netip.Prefix) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, cur := range l.entries {
		if cur.Prefix == prefix {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			l.setOK = false
			return
		}
	}
}

// Contains reports whether addr matches any unexpired entry, returning the
// longest matching prefix's entry. Expiry is checked on lookup (§3).
func (l *List) Contains(addr netip.Addr, now time.Time) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var (
		best   Entry
		bestOK bool
	)
	for _, e := range l.entries {
		if !e.Prefix.Contains(addr) {
			continue
		}
		if !e.Expiry.IsZero() && now.After(e.Expiry) {
			continue
		}
		if !bestOK || e.Prefix.Bits() > best.Prefix.Bits() {
			best, bestOK = e, true
		}
	}
	return best, bestOK
}

// fastSet lazily builds (and caches) a netipx.IPSet covering every entry
// unexpired at build time, for callers that only need a yes/no membership
// test without caring which prefix matched or why. The cache is rebuilt
// only after Add or Remove, so an entry that expires after the build stays
// in the set until the next rebuild.
func (l *List) fastSet() *netipx.IPSet {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.setOK {
		return l.set
	}
	var b netipx.IPSetBuilder
	now := time.Now()
	for _, e := range l.entries {
		if !e.Expiry.IsZero() && now.After(e.Expiry) {
			continue
		}
		b.AddPrefix(e.Prefix)
	}
	set, _ := b.IPSet()
	l.set = set
	l.setOK = true
	return set
}

// ContainsFast is a cheap yes/no membership test backed by the cached
// netipx.IPSet; use Contains when the reason/expiry/longest-prefix is
// needed (e.g. to decide a TTL for a repeat-offense escalation).
func (l *List) ContainsFast(addr netip.Addr) bool {
	set := l.fastSet()
	if set == nil {
		return false
	}
	return set.Contains(addr)
}

// Secrets is the userspace-rotated SYN-cookie secret pair of §4.9/§6.
// Rotation policy: "write previous = current; write current = new; wait
// one window; clear previous." Reads tolerate one stale packet per the
// concurrency model of §5.
type Secrets struct {
	mu       sync.RWMutex
	current  [32]byte
	previous [32]byte
}

// Rotate installs newSecret as current, demoting the old current to
// previous.
func (s *Secrets) Rotate(newSecret [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = s.current
	s.current = newSecret
}

// Read returns the current and previous secrets as of this call.
func (s *Secrets) Read() (current, previous [32]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.previous
}
