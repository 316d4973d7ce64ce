package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a cached reply stays valid.
const DefaultTTL = 5 * time.Second

// cleanupInterval is how often expired entries are purged in the background.
const cleanupInterval = 30 * time.Second

// entry is the stored form of a cached value.
type entry struct {
	value      any
	insertedAt time.Time
}

// TTLCache caches query results for a fixed time-to-live.
//
// Staleness is purely time based and the cache is not size bounded. A TTL of
// zero disables caching: Get always misses and Put is a no-op.
//
// Every InvalidateAll starts a new generation. A reader that fetched a value
// before an invalidation stores it with PutIfGeneration so the result is
// dropped instead of outliving the write that invalidated it.
//
// Thread Safety: All methods are safe for concurrent use.
type TTLCache struct {
	items *gocache.Cache
	ttl   time.Duration

	genMu sync.Mutex
	gen   uint64

	nowMu sync.RWMutex
	now   func() time.Time
}

// New creates a cache whose entries expire after ttl.
func New(ttl time.Duration) *TTLCache {
	if ttl < 0 {
		ttl = 0
	}
	expiration := ttl
	if expiration == 0 {
		expiration = gocache.NoExpiration
	}
	return &TTLCache{
		items: gocache.New(expiration, cleanupInterval),
		ttl:   ttl,
		now:   time.Now,
	}
}

// TTL returns the configured time-to-live.
func (c *TTLCache) TTL() time.Duration {
	return c.ttl
}

// Get returns the value stored under key if it is younger than the TTL.
func (c *TTLCache) Get(key string) (any, bool) {
	if c.ttl == 0 {
		return nil, false
	}
	obj, found := c.items.Get(key)
	if !found {
		return nil, false
	}
	e := obj.(entry)
	if c.clock().Sub(e.insertedAt) >= c.ttl {
		c.items.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Put stores value under key, replacing any previous entry.
func (c *TTLCache) Put(key string, value any) {
	if c.ttl == 0 {
		return
	}
	c.items.Set(key, entry{value: value, insertedAt: c.clock()}, c.ttl)
}

// Generation returns the current invalidation generation.
func (c *TTLCache) Generation() uint64 {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return c.gen
}

// PutIfGeneration stores value only if no InvalidateAll has happened since
// gen was read. It reports whether the value was stored.
func (c *TTLCache) PutIfGeneration(key string, value any, gen uint64) bool {
	if c.ttl == 0 {
		return false
	}
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gen != gen {
		return false
	}
	c.items.Set(key, entry{value: value, insertedAt: c.clock()}, c.ttl)
	return true
}

// InvalidateAll drops every entry and starts a new generation. It is called
// before any command that mutates cached device state.
func (c *TTLCache) InvalidateAll() {
	c.genMu.Lock()
	c.gen++
	c.items.Flush()
	c.genMu.Unlock()
}

// Len returns the number of stored entries, including any not yet purged.
func (c *TTLCache) Len() int {
	return c.items.ItemCount()
}

// SetClock replaces the time source. Intended for tests.
func (c *TTLCache) SetClock(now func() time.Time) {
	c.nowMu.Lock()
	c.now = now
	c.nowMu.Unlock()
}

func (c *TTLCache) clock() time.Time {
	c.nowMu.RLock()
	defer c.nowMu.RUnlock()
	return c.now()
}
