package federation

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ReplayGuard remembers nonces seen within the freshness window so a
// captured message cannot be replayed before it ages out. Entries are
// keyed by (source domain, nonce) and expire after the window passes,
// so memory stays bounded even against a chatty peer.
type ReplayGuard struct {
	seen *expirable.LRU[string, struct{}]
}

// NewReplayGuard creates a guard holding up to size nonces, each for ttl.
// ttl should match the verifier's max message age.
func NewReplayGuard(size int, ttl time.Duration) *ReplayGuard {
	if size <= 0 {
		size = 4096
	}
	return &ReplayGuard{
		seen: expirable.NewLRU[string, struct{}](size, nil, ttl),
	}
}

// Observe records a nonce and reports whether it was fresh. A false
// return means the nonce was already seen from this domain.
func (g *ReplayGuard) Observe(domain, nonce string) bool {
	// Domains cannot contain ':' and nonces are UUIDs, so the joined
	// key is unambiguous.
	key := domain + ":" + nonce
	if _, ok := g.seen.Get(key); ok {
		return false
	}
	g.seen.Add(key, struct{}{})
	return true
}

// Len returns the number of live entries, for metrics and tests.
func (g *ReplayGuard) Len() int { return g.seen.Len() }
