package storage

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/good-yellow-bee/blazealert/internal/metrics"
	"github.com/good-yellow-bee/blazealert/internal/models"
)

// queryCache keeps recent window query results. Callers round window end
// times to the minute, so repeated queries within a minute share a key.
// Any write through the store purges it. A nil cache is a no-op.
//
// Readers take the generation before querying and hand it back when
// storing. A purge in between bumps the generation and the result is
// dropped, so a snapshot read before a write never outlives it.
type queryCache struct {
	mu      sync.Mutex
	gen     uint64
	windows *expirable.LRU[string, []*models.Alert]
	counts  *expirable.LRU[string, int64]
}

func newQueryCache(size int, ttl time.Duration) *queryCache {
	return &queryCache{
		windows: expirable.NewLRU[string, []*models.Alert](size, nil, ttl),
		counts:  expirable.NewLRU[string, int64](size, nil, ttl),
	}
}

// generation returns the current purge generation.
func (c *queryCache) generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *queryCache) window(key string) ([]*models.Alert, bool) {
	if c == nil {
		return nil, false
	}
	alerts, ok := c.windows.Get(key)
	recordLookup(ok)
	if !ok {
		return nil, false
	}
	out := make([]*models.Alert, len(alerts))
	copy(out, alerts)
	return out, true
}

func (c *queryCache) storeWindow(key string, gen uint64, alerts []*models.Alert) {
	if c == nil {
		return
	}
	stored := make([]*models.Alert, len(alerts))
	copy(stored, alerts)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		metrics.QueryCacheTotal.WithLabelValues("stale").Inc()
		return
	}
	c.windows.Add(key, stored)
}

func (c *queryCache) count(key string) (int64, bool) {
	if c == nil {
		return 0, false
	}
	n, ok := c.counts.Get(key)
	recordLookup(ok)
	return n, ok
}

func (c *queryCache) storeCount(key string, gen uint64, n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		metrics.QueryCacheTotal.WithLabelValues("stale").Inc()
		return
	}
	c.counts.Add(key, n)
}

func (c *queryCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.windows.Purge()
	c.counts.Purge()
}

func recordLookup(hit bool) {
	if hit {
		metrics.QueryCacheTotal.WithLabelValues("hit").Inc()
		return
	}
	metrics.QueryCacheTotal.WithLabelValues("miss").Inc()
}
