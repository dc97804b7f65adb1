// Package lru implements a generic, thread-safe, size- or count-bounded
// cache with least-recently-used eviction. Callers can additionally opt
// into a Bloom pre-filter that short-circuits a definite miss before the
// cache lock is ever taken, a sampled-cost eviction policy in place of
// strict recency order, and a clone hook so a cached value never aliases
// whatever arena produced it.
//
// queryindex uses this as the otherChecks dispatch cache: entries are
// keyed by an observed tag value and hold the otherCheck candidates that
// value matches, evicted by access frequency rather than recency (see
// WithCostEviction) since a handful of hot tag values dominate real
// traffic and shouldn't be displaced by a burst of one-off values.
package lru

import (
	"sync"
	"sync/atomic"

	"github.com/stepmetrics/stepmetrics/pkg/alg/bloom"
)

// bloomDefaultFalsePositiveRate is the false-positive rate used when a
// caller enables the Bloom pre-filter via WithBloomFilter. At 1%, 99 of
// every 100 genuine misses skip the cache lock entirely.
const bloomDefaultFalsePositiveRate = 0.01

// node is one slot of the cache's intrusive doubly-linked recency list.
type node[K comparable, V any] struct {
	key      K
	value    V
	byteSize int64
	hitCount int64
	prev     *node[K, V]
	next     *node[K, V]
}

// Cache is a thread-safe, generic, bounded cache. The zero value is not
// usable; construct one with New.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	store map[K]*node[K, V]
	front *node[K, V] // Most recently touched.
	back  *node[K, V] // Least recently touched; next eviction candidate.

	// Capacity bounds. At least one is required.
	maxEntries int
	maxBytes   int64
	usedBytes  int64

	// Optional pre-filter and value handling.
	filter     *bloom.Filter
	keyToBytes func(K) []byte
	sizeOf     func(V) int64
	cloneOf    func(V) V

	// Sampled-cost eviction, used in place of strict LRU order when set.
	evictionCost   func(hitCount, byteSize int64) float64
	evictionSample int

	// Lock-free counters for Stats.
	hits          atomic.Int64
	misses        atomic.Int64
	bloomFiltered atomic.Int64
}

// Option configures a Cache at construction time.
type Option[K comparable, V any] func(*Cache[K, V])

// WithMaxEntries bounds the cache by entry count.
func WithMaxEntries[K comparable, V any](n int) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxEntries = n
	}
}

// WithMaxBytes bounds the cache by total byte size, computed per value
// by sizeFunc. Enables size-based eviction alongside (or instead of)
// WithMaxEntries.
func WithMaxBytes[K comparable, V any](maxBytes int64, sizeFunc func(V) int64) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.maxBytes = maxBytes
		c.sizeOf = sizeFunc
	}
}

// WithBloomFilter adds a Bloom pre-filter ahead of Get and GetMulti, so a
// definite miss never has to acquire the cache lock. keyToBytes encodes
// a key for hashing; expectedN sizes the filter for that many distinct
// keys at bloomDefaultFalsePositiveRate.
func WithBloomFilter[K comparable, V any](keyToBytes func(K) []byte, expectedN uint) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.keyToBytes = keyToBytes

		// expectedN is forced to at least 1 below, and the false-positive
		// rate is a package constant in (0, 1), so NewWithEstimates can
		// only fail here if those invariants are broken by a future edit.
		bf, err := bloom.NewWithEstimates(max(expectedN, 1), bloomDefaultFalsePositiveRate)
		if err != nil {
			panic("lru: bloom pre-filter: " + err.Error())
		}

		c.filter = bf
	}
}

// WithCostEviction replaces plain LRU eviction with sampled-cost
// eviction: on eviction, evictionSample entries are drawn from the back
// of the recency list and whichever costFunc scores lowest is evicted.
// Scoring by access frequency instead of recency (as queryindex does)
// turns this into an approximate LFU policy.
func WithCostEviction[K comparable, V any](sampleSize int, costFunc func(hitCount, byteSize int64) float64) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.evictionSample = sampleSize
		c.evictionCost = costFunc
	}
}

// WithCloneFunc clones every value before it's stored, so a cached copy
// never aliases memory the caller might mutate after Put returns.
func WithCloneFunc[K comparable, V any](clone func(V) V) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.cloneOf = clone
	}
}

// New builds a Cache from opts. At least one of WithMaxEntries or
// WithMaxBytes is required; New panics otherwise, since an unbounded
// cache is never actually what a caller wants.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		store: make(map[K]*node[K, V]),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.maxEntries <= 0 && c.maxBytes <= 0 {
		panic("lru: New requires WithMaxEntries or WithMaxBytes")
	}

	return c
}

// Len reports the current number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.store)
}
