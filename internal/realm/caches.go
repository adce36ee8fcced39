package realm

import (
	"time"

	expirable "github.com/hashicorp/golang-lru/v2/expirable"
)

// cacheSize bounds both realm caches. TTL is the primary eviction; the size
// cap keeps a flood of login attempts from growing memory without bound.
const cacheSize = 10000

// pendingRequests tracks AuthnRequest IDs we issued and have not yet seen
// answered. An entry expires after the request TTL, which is how long the
// user has to complete the IdP round trip.
type pendingRequests struct {
	lru *expirable.LRU[string, time.Time]
}

func newPendingRequests(ttl time.Duration) *pendingRequests {
	return &pendingRequests{
		lru: expirable.NewLRU[string, time.Time](cacheSize, nil, ttl),
	}
}

// Add records an outstanding request ID.
func (p *pendingRequests) Add(id string) {
	p.lru.Add(id, time.Now())
}

// Consume removes the ID and reports whether it was outstanding. Each issued
// request can be answered exactly once.
func (p *pendingRequests) Consume(id string) bool {
	if _, ok := p.lru.Get(id); !ok {
		return false
	}
	p.lru.Remove(id)
	return true
}

// Len returns the number of outstanding request IDs.
func (p *pendingRequests) Len() int {
	return p.lru.Len()
}

// replayGuard remembers assertion IDs that have already been consumed so a
// captured response cannot be replayed within its validity window.
type replayGuard struct {
	lru *expirable.LRU[string, time.Time]
}

func newReplayGuard(ttl time.Duration) *replayGuard {
	return &replayGuard{
		lru: expirable.NewLRU[string, time.Time](cacheSize, nil, ttl),
	}
}

// CheckAndRecord returns true when the ID is new and records it; false means
// the assertion was already consumed.
func (g *replayGuard) CheckAndRecord(id string) bool {
	if _, ok := g.lru.Get(id); ok {
		return false
	}
	g.lru.Add(id, time.Now())
	return true
}

// Len returns the number of remembered assertion IDs.
func (g *replayGuard) Len() int {
	return g.lru.Len()
}
