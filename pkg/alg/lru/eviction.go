package lru

// Get retrieves a value from the cache. If a Bloom pre-filter is
// configured, a definite miss returns immediately without acquiring the
// cache lock.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if c.filter != nil && !c.filter.Test(c.keyToBytes(key)) {
		c.bloomFiltered.Add(1)
		c.misses.Add(1)

		var zero V

		return zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.store[key]
	if !ok {
		c.misses.Add(1)

		var zero V

		return zero, false
	}

	c.hits.Add(1)
	n.hitCount++
	c.touch(n)

	return n.value, true
}

// Put inserts or overwrites key's value. A value larger than the whole
// byte budget is silently dropped rather than stored and immediately
// evicted.
func (c *Cache[K, V]) Put(key K, value V) {
	size := c.sizeOfValue(value)
	if c.maxBytes > 0 && size > c.maxBytes {
		return
	}

	if c.cloneOf != nil {
		value = c.cloneOf(value)
	}

	c.mu.Lock()
	c.putLocked(key, value, size)
	c.mu.Unlock()
}

// putLocked inserts or updates key under c.mu.
func (c *Cache[K, V]) putLocked(key K, value V, size int64) {
	if n, ok := c.store[key]; ok {
		c.usedBytes += size - n.byteSize
		n.value = value
		n.byteSize = size
		n.hitCount++
		c.touch(n)

		return
	}

	c.makeRoom(size)

	if c.maxBytes > 0 && c.usedBytes+size > c.maxBytes {
		// Still doesn't fit even after evicting everything evictable.
		return
	}

	n := &node[K, V]{key: key, value: value, byteSize: size, hitCount: 1}

	c.store[key] = n
	c.usedBytes += size
	c.pushFront(n)

	if c.filter != nil {
		c.filter.Add(c.keyToBytes(key))
	}
}

// GetMulti retrieves several keys under a single lock acquisition,
// partitioning them into found and missing.
func (c *Cache[K, V]) GetMulti(keys []K) (found map[K]V, missing []K) {
	found = make(map[K]V)
	missing = make([]K, 0)

	candidates := c.bloomPartition(keys, &missing)
	if len(candidates) == 0 {
		return found, missing
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range candidates {
		n, ok := c.store[key]
		if !ok {
			c.misses.Add(1)

			missing = append(missing, key)

			continue
		}

		c.hits.Add(1)
		n.hitCount++
		c.touch(n)
		found[key] = n.value
	}

	return found, missing
}

// PutMulti inserts several key-value pairs under a single lock
// acquisition.
func (c *Cache[K, V]) PutMulti(items map[K]V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range items {
		size := c.sizeOfValue(value)
		if c.maxBytes > 0 && size > c.maxBytes {
			continue
		}

		if c.cloneOf != nil {
			value = c.cloneOf(value)
		}

		c.putLocked(key, value, size)
	}
}

// Clear empties the cache and, if a Bloom pre-filter is configured,
// resets it too.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store = make(map[K]*node[K, V])
	c.front = nil
	c.back = nil
	c.usedBytes = 0

	if c.filter != nil {
		c.filter.Reset()
	}
}

// sizeOfValue applies sizeOf if configured, else every value counts as 1
// unit (making maxBytes behave as a second entry-count limit).
func (c *Cache[K, V]) sizeOfValue(value V) int64 {
	if c.sizeOf != nil {
		return c.sizeOf(value)
	}

	return 1
}

// bloomPartition splits keys into Bloom-possible candidates and definite
// misses. Without a filter configured, every key is a candidate.
func (c *Cache[K, V]) bloomPartition(keys []K, missing *[]K) []K {
	if c.filter == nil {
		return keys
	}

	candidates := make([]K, 0, len(keys))

	for _, key := range keys {
		if c.filter.Test(c.keyToBytes(key)) {
			candidates = append(candidates, key)

			continue
		}

		c.bloomFiltered.Add(1)
		c.misses.Add(1)
		*missing = append(*missing, key)
	}

	return candidates
}

// makeRoom evicts entries, by count and then by byte budget, until size
// more bytes could fit.
func (c *Cache[K, V]) makeRoom(size int64) {
	for c.maxEntries > 0 && len(c.store) >= c.maxEntries && c.back != nil {
		c.evict()
	}

	for c.maxBytes > 0 && c.usedBytes+size > c.maxBytes && c.back != nil {
		c.evict()
	}
}

// evict removes one entry, by sampled cost if configured, else the
// strict least-recently-used entry.
func (c *Cache[K, V]) evict() {
	if c.evictionCost != nil && c.evictionSample > 0 {
		c.evictSampled()

		return
	}

	c.evictBack()
}

// evictBack removes the entry at the tail of the recency list.
func (c *Cache[K, V]) evictBack() {
	if c.back == nil {
		return
	}

	c.drop(c.back)
}

// evictSampled draws up to evictionSample entries from the tail of the
// recency list and drops whichever scores lowest under evictionCost.
func (c *Cache[K, V]) evictSampled() {
	if c.back == nil {
		return
	}

	victim := c.back
	lowest := c.evictionCost(victim.hitCount, victim.byteSize)

	n := victim.prev
	for sampled := 1; n != nil && sampled < c.evictionSample; sampled++ {
		if cost := c.evictionCost(n.hitCount, n.byteSize); cost < lowest {
			lowest = cost
			victim = n
		}

		n = n.prev
	}

	c.drop(victim)
}

// drop unlinks and deletes n from the cache.
func (c *Cache[K, V]) drop(n *node[K, V]) {
	c.unlink(n)
	delete(c.store, n.key)
	c.usedBytes -= n.byteSize
}

// touch moves n to the front of the recency list.
func (c *Cache[K, V]) touch(n *node[K, V]) {
	if n == c.front {
		return
	}

	c.unlink(n)
	c.pushFront(n)
}

// pushFront links n in at the head of the recency list.
func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.prev = nil
	n.next = c.front

	if c.front != nil {
		c.front.prev = n
	}

	c.front = n

	if c.back == nil {
		c.back = n
	}
}

// unlink removes n from the recency list without touching the store map.
func (c *Cache[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.front = n.next
	}

	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.back = n.prev
	}
}
