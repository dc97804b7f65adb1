package lru

// Stats is a point-in-time snapshot of a cache's hit/miss counters and
// occupancy, suitable for periodic publishing alongside the rest of a
// process's metrics.
type Stats struct {
	Hits          int64
	Misses        int64
	BloomFiltered int64 // Misses resolved by the Bloom pre-filter alone, without a lock.
	Entries       int
	CurrentSize   int64
	MaxEntries    int   // 0 when the cache isn't count-bounded.
	MaxSize       int64 // 0 when the cache isn't byte-bounded.
}

// HitRate is Hits over (Hits + Misses), or 0 before any lookup has
// happened.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}

	return float64(s.Hits) / float64(total)
}

// Stats snapshots the cache's current counters and occupancy.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		BloomFiltered: c.bloomFiltered.Load(),
		Entries:       len(c.store),
		CurrentSize:   c.usedBytes,
		MaxEntries:    c.maxEntries,
		MaxSize:       c.maxBytes,
	}
}

// CacheHits is the running hit count, readable without the cache lock.
func (c *Cache[K, V]) CacheHits() int64 { return c.hits.Load() }

// CacheMisses is the running miss count, readable without the cache
// lock. Includes misses the Bloom pre-filter resolved on its own.
func (c *Cache[K, V]) CacheMisses() int64 { return c.misses.Load() }
