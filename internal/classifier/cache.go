package classifier

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	defaultNumCounters = 1e5
	defaultMaxCost     = 1 << 24
	defaultBufferItems = 64
	defaultTTL         = time.Hour
)

// Cache memoizes classifications keyed by registry version and query.
// It keeps repeated classifications stable when a probabilistic suggester is in use.
type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCache creates a classification cache. A non-positive ttl uses one hour.
func NewCache(ttl time.Duration) (*Cache, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: defaultNumCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c, ttl: ttl}, nil
}

// Get returns a copy of the cached classification.
func (c *Cache) Get(key string) (*Classification, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	cls, ok := v.(*Classification)
	if !ok {
		return nil, false
	}
	return cls.Clone(), true
}

// Set stores a copy of cls and waits for the write to become visible.
func (c *Cache) Set(key string, cls *Classification) {
	cp := cls.Clone()
	cost := int64(64 * (len(cp.Assignments) + len(cp.Hints) + 1))
	c.cache.SetWithTTL(key, cp, cost, c.ttl)
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}
