package netbios

import (
	"sync"
	"time"
)

// CacheForever as a CachePolicy keeps resolved addresses for the lifetime
// of the Client.
const CacheForever time.Duration = -1

// DefaultMaxCacheEntries bounds the address cache when MaxCacheEntries is unset.
const DefaultMaxCacheEntries = 1000

// addressCache maps a Name, including its source, to a resolved Address.
// Negative answers are stored as the Client's unknown sentinel so repeated
// failed lookups do not go back on the wire until they expire.
type addressCache struct {
	mu          sync.Mutex
	policy      time.Duration
	maxEntries  int
	entries     map[Name]*cacheEntry
	accessOrder []Name // LRU tracking, forever entries excluded
	now         func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
}

type cacheEntry struct {
	addr       *Address
	expiration time.Time
	forever    bool
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !e.forever && now.After(e.expiration)
}

func newAddressCache(policy time.Duration, maxEntries int) *addressCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxCacheEntries
	}
	return &addressCache{
		policy:     policy,
		maxEntries: maxEntries,
		entries:    make(map[Name]*cacheEntry),
		now:        time.Now,
	}
}

// enabled reports whether the cache is consulted at all. A zero policy
// disables caching.
func (c *addressCache) enabled() bool {
	return c.policy != 0
}

// get returns the cached Address for name. Elapsed entries are misses and
// are dropped.
func (c *addressCache) get(name Name) (*Address, bool) {
	if !c.enabled() {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[name]
	if !ok {
		c.misses++
		return nil, false
	}
	if entry.expired(c.now()) {
		c.removeLocked(name)
		c.misses++
		return nil, false
	}
	if !entry.forever {
		c.trackAccess(name)
	}
	c.hits++
	return entry.addr, true
}

// put stores addr under name with the configured policy.
func (c *addressCache) put(name Name, addr *Address) {
	if !c.enabled() {
		return
	}
	if c.policy == CacheForever {
		c.putForever(name, addr)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[name] = &cacheEntry{
		addr:       addr,
		expiration: c.now().Add(c.policy),
	}
	c.trackAccess(name)
	c.evictIfNeeded()
}

// putForever stores an entry that never expires and is never evicted.
func (c *addressCache) putForever(name Name, addr *Address) {
	if !c.enabled() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.untrack(name)
	c.entries[name] = &cacheEntry{addr: addr, forever: true}
}

// pin stores a forever entry regardless of the policy. It is only used for
// the unknown placeholder, which get still ignores when caching is off.
func (c *addressCache) pin(name Name, addr *Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[name] = &cacheEntry{addr: addr, forever: true}
}

// entry returns a copy of the raw entry for name, ignoring expiry.
func (c *addressCache) entry(name Name) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[name]
	if !ok {
		return cacheEntry{}, false
	}
	return *e, true
}

func (c *addressCache) removeLocked(name Name) {
	delete(c.entries, name)
	c.untrack(name)
}

// trackAccess moves name to the most recently used end.
func (c *addressCache) trackAccess(name Name) {
	c.untrack(name)
	c.accessOrder = append(c.accessOrder, name)
}

func (c *addressCache) untrack(name Name) {
	for i, n := range c.accessOrder {
		if n == name {
			c.accessOrder = append(c.accessOrder[:i], c.accessOrder[i+1:]...)
			return
		}
	}
}

// evictIfNeeded drops least recently used entries until the expiring part
// of the cache fits. Forever entries do not count against the limit.
func (c *addressCache) evictIfNeeded() {
	for len(c.accessOrder) > c.maxEntries {
		oldest := c.accessOrder[0]
		c.accessOrder = c.accessOrder[1:]
		delete(c.entries, oldest)
		c.evictions++
	}
}

// CacheStats provides statistics about address cache usage.
type CacheStats struct {
	Enabled        bool
	TotalEntries   int
	ForeverEntries int
	MaxEntries     int
	Hits           uint64
	Misses         uint64
	Evictions      uint64
}

func (c *addressCache) stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	forever := 0
	for _, e := range c.entries {
		if e.forever {
			forever++
		}
	}
	return CacheStats{
		Enabled:        c.enabled(),
		TotalEntries:   len(c.entries),
		ForeverEntries: forever,
		MaxEntries:     c.maxEntries,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
	}
}
