// Package ratelimit implements the per-source, per-class token buckets of
// §3/§4.2/§4.3: "Rate-limit bucket — (tokens, last_refill_ns, class). One
// per (source, class)."
//
// Storage follows the teacher's filterState: a bounded LRU
// (github.com/golang/groupcache/lru, the same package
// wgengine/filter/filter.go uses for its connection cache) guarded by a
// mutex, sized per §5's 2^20-entry budget. Refill itself reuses
// golang.org/x/time/rate.Limiter, the library the teacher already imports
// for its log-rate-limiting buckets (acceptBucket/dropBucket).
package ratelimit

import (
	"net/netip"
	"sync"

	"github.com/golang/groupcache/lru"
	"golang.org/x/time/rate"
)

// Class enumerates the rate-limit classes named in §3.
type Class int

const (
	ClassSYN Class = iota
	ClassACK
	ClassRST
	ClassPing
	ClassConn
	ClassUDPGeneric
	ClassMCHandshake
	ClassZeroWindow
	ClassRakNetPing
	ClassRakNetConnReq
	ClassH2Settings
	ClassH2Ping
	ClassH2RSTStream
	numClasses
)

// NumClasses is the count of enumerated classes (13), which fits within
// the 16-entry rate-limit table slot count of §6 (with room to spare for
// growth).
const NumClasses = int(numClasses)

// Rule is a class's configured refill rate and burst (§3, §6).
type Rule struct {
	RefillPerSec float64
	Burst        int
}

// DefaultRules matches the concrete numbers spec.md names per class.
var DefaultRules = [NumClasses]Rule{
	ClassSYN:           {RefillPerSec: 100, Burst: 100},
	ClassACK:           {RefillPerSec: 1000, Burst: 1000},
	ClassRST:           {RefillPerSec: 100, Burst: 100},
	ClassPing:          {RefillPerSec: 50, Burst: 50},
	ClassConn:          {RefillPerSec: 20, Burst: 20},
	ClassUDPGeneric:    {RefillPerSec: 5000, Burst: 5000},
	ClassMCHandshake:   {RefillPerSec: 100, Burst: 100},
	ClassZeroWindow:    {RefillPerSec: 10, Burst: 10},
	ClassRakNetPing:    {RefillPerSec: 50, Burst: 50},
	ClassRakNetConnReq: {RefillPerSec: 20, Burst: 20},
	ClassH2Settings:    {RefillPerSec: 10, Burst: 10},
	ClassH2Ping:        {RefillPerSec: 10, Burst: 10},
	ClassH2RSTStream:   {RefillPerSec: 100, Burst: 100},
}

// key is (source, class); the LRU's comparable key type, same role as the
// teacher's tuple4/tuple6.
type key struct {
	addr  netip.Addr
	class Class
}

// Limiter is a bounded set of per-(source,class) token buckets.
type Limiter struct {
	mu    sync.Mutex
	lru   *lru.Cache
	rules [NumClasses]Rule
}

// maxBuckets caps memory per §5 ("Bucket capacity for rate limits: 2^20
// entries"). NewSized takes an explicit cap instead.
const maxBuckets = 1 << 20

// New creates a Limiter using rules (DefaultRules if nil is never passed;
// callers should pass DefaultRules explicitly or their own Config-derived
// table).
func New(rules [NumClasses]Rule) *Limiter {
	return NewSized(rules, maxBuckets)
}

// NewSized is New with an explicit LRU capacity, for tests.
func NewSized(rules [NumClasses]Rule, capacity int) *Limiter {
	return &Limiter{lru: lru.New(capacity), rules: rules}
}

// Allow consumes one token from addr's bucket for class, creating the
// bucket on first use. It returns false when the bucket is empty
// (fail-closed: the caller should DROP).
func (l *Limiter) Allow(addr netip.Addr, class Class) bool {
	k := key{addr: addr, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.lru.Get(k)
	var limiter *rate.Limiter
	if ok {
		limiter = v.(*rate.Limiter)
	} else {
		rule := l.rules[class]
		limiter = rate.NewLimiter(rate.Limit(rule.RefillPerSec), rule.Burst)
		l.lru.Add(k, limiter)
	}
	return limiter.Allow()
}

// Len reports the current number of tracked buckets (test/diagnostic use).
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}
