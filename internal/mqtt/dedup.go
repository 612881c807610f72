package mqtt

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// dedup drops envelopes whose id was already seen within the TTL. The cache
// is bounded: least-recently-seen ids are evicted at maxEntries. Only the
// dispatch path touches it, so no locking beyond the cache's own.
type dedup struct {
	cache *expirable.LRU[string, time.Time]
}

// newDedup returns nil when either bound is zero, which disables
// deduplication entirely.
func newDedup(maxEntries int, ttl time.Duration) *dedup {
	if maxEntries <= 0 || ttl <= 0 {
		return nil
	}
	return &dedup{cache: expirable.NewLRU[string, time.Time](maxEntries, nil, ttl)}
}

// seen records id and reports whether it was already present. Empty ids are
// never tracked; payloads without an envelope id bypass deduplication.
func (d *dedup) seen(id string) bool {
	if d == nil || id == "" {
		return false
	}
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	d.cache.Add(id, time.Now())
	return false
}
