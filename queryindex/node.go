package queryindex

import (
	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/pkg/alg/bloom"
	"github.com/stepmetrics/stepmetrics/pkg/alg/lru"
	"github.com/stepmetrics/stepmetrics/query"
)

const (
	otherChecksCacheEntries = 256
	otherChecksCacheSample  = 5

	// otherChecksBloomFPRate is the false-positive rate for the
	// otherChecks value pre-filter. A false positive only costs an
	// extra cache lookup; a Bloom filter has no false negatives, so no
	// real match is dropped. It equals the lru cache's default rate.
	otherChecksBloomFPRate = 0.01
)

// otherCheckEntry pairs a non-equal, non-has leaf (Rel, In, Regex, Not, ...)
// with the subtree reached once that leaf is satisfied.
type otherCheckEntry[T comparable] struct {
	leaf  query.KeyQuery
	child *node[T]
}

// node is one level of the QueryIndex trie: every node tests at most one
// tag key, partitioning the (query, value) pairs inserted below it by how
// they constrain that key.
type node[T comparable] struct {
	key     string
	hasKey  bool
	matches map[T]struct{}

	equalChecks map[string]*node[T]
	hasKeyIdx   *node[T]

	otherChecks      map[string]*otherCheckEntry[T]
	prefixTree       *prefixTree[T]
	otherChecksCache *lru.Cache[string, []*otherCheckEntry[T]]

	// otherChecksValueFilter, when non-nil, guarantees that every
	// otherCheck at this node is a query.In whose Values were all
	// added to the filter. A Test miss then proves the dispatched
	// value can't satisfy any of them, short-circuiting the cache and
	// prefix-tree walk entirely. It's rebuilt from scratch on any
	// otherChecks mutation, since a Bloom filter can't un-add a value.
	otherChecksValueFilter *bloom.Filter
	otherChecksHasNonIn    bool

	otherKeysIdx   *node[T]
	missingKeysIdx *node[T]
}

func newNode[T comparable]() *node[T] {
	return &node[T]{matches: make(map[T]struct{})}
}

func (n *node[T]) add(chain []query.KeyQuery, value T) {
	if len(chain) == 0 {
		n.matches[value] = struct{}{}
		return
	}

	leaf := chain[0]
	rest := chain[1:]

	if !n.hasKey {
		n.key = leaf.Key()
		n.hasKey = true
	}

	if leaf.Key() != n.key {
		if n.otherKeysIdx == nil {
			n.otherKeysIdx = newNode[T]()
		}

		n.otherKeysIdx.add(chain, value)

		return
	}

	switch lv := leaf.(type) {
	case query.Equal:
		if n.equalChecks == nil {
			n.equalChecks = make(map[string]*node[T])
		}

		child, ok := n.equalChecks[lv.Value]
		if !ok {
			child = newNode[T]()
			n.equalChecks[lv.Value] = child
		}

		child.add(rest, value)
	case query.Has:
		if n.hasKeyIdx == nil {
			n.hasKeyIdx = newNode[T]()
		}

		n.hasKeyIdx.add(rest, value)
	default:
		n.addOtherCheck(leaf, rest, value)
	}
}

func (n *node[T]) addOtherCheck(leaf query.KeyQuery, rest []query.KeyQuery, value T) {
	if n.otherChecks == nil {
		n.otherChecks = make(map[string]*otherCheckEntry[T])
		n.prefixTree = newPrefixTree[T]()
	}

	key := leaf.String()

	entry, ok := n.otherChecks[key]
	if !ok {
		entry = &otherCheckEntry[T]{leaf: leaf, child: newNode[T]()}
		n.otherChecks[key] = entry
		n.prefixTree.insert(literalPrefixOf(leaf), entry)
		n.rebuildOtherChecksFilter()
	}

	entry.child.add(rest, value)

	if n.otherChecksCache != nil {
		n.otherChecksCache.Clear()
	}

	if leaf.Matches(map[string]string{}) {
		if n.missingKeysIdx == nil {
			n.missingKeysIdx = newNode[T]()
		}

		n.missingKeysIdx.add(rest, value)
	}
}

func (n *node[T]) remove(chain []query.KeyQuery, value T) {
	if len(chain) == 0 {
		delete(n.matches, value)
		return
	}

	leaf := chain[0]
	rest := chain[1:]

	if n.hasKey && leaf.Key() != n.key {
		if n.otherKeysIdx != nil {
			n.otherKeysIdx.remove(chain, value)
		}

		return
	}

	switch lv := leaf.(type) {
	case query.Equal:
		if child, ok := n.equalChecks[lv.Value]; ok {
			child.remove(rest, value)

			if child.empty() {
				delete(n.equalChecks, lv.Value)
			}
		}
	case query.Has:
		if n.hasKeyIdx != nil {
			n.hasKeyIdx.remove(rest, value)

			if n.hasKeyIdx.empty() {
				n.hasKeyIdx = nil
			}
		}
	default:
		n.removeOtherCheck(leaf, rest, value)
	}
}

func (n *node[T]) removeOtherCheck(leaf query.KeyQuery, rest []query.KeyQuery, value T) {
	key := leaf.String()

	entry, ok := n.otherChecks[key]
	if !ok {
		return
	}

	entry.child.remove(rest, value)

	if leaf.Matches(map[string]string{}) && n.missingKeysIdx != nil {
		n.missingKeysIdx.remove(rest, value)

		if n.missingKeysIdx.empty() {
			n.missingKeysIdx = nil
		}
	}

	if entry.child.empty() {
		delete(n.otherChecks, key)
		n.prefixTree.remove(literalPrefixOf(leaf), entry)
		n.rebuildOtherChecksFilter()
	}

	if n.otherChecksCache != nil {
		n.otherChecksCache.Clear()
	}
}

// rebuildOtherChecksFilter recomputes the otherChecks Bloom pre-filter
// and the has-non-In flag from the current otherChecks set. Called
// whenever an entry is added to or removed from otherChecks; a Bloom
// filter can't un-add a value, so mutation always rebuilds from scratch
// rather than patching the filter in place.
func (n *node[T]) rebuildOtherChecksFilter() {
	n.otherChecksValueFilter = nil
	n.otherChecksHasNonIn = false

	var values []string

	for _, entry := range n.otherChecks {
		in, ok := entry.leaf.(query.In)
		if !ok {
			n.otherChecksHasNonIn = true
			continue
		}

		values = append(values, in.Values...)
	}

	if n.otherChecksHasNonIn || len(values) == 0 {
		return
	}

	bf, err := bloom.NewWithEstimates(uint(len(values)), otherChecksBloomFPRate)
	if err != nil {
		return
	}

	bf.AddBulk(bytesOf(values))

	n.otherChecksValueFilter = bf
}

func bytesOf(values []string) [][]byte {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}

	return out
}

func (n *node[T]) empty() bool {
	if len(n.matches) != 0 {
		return false
	}

	if len(n.equalChecks) != 0 || len(n.otherChecks) != 0 {
		return false
	}

	if n.hasKeyIdx != nil || n.otherKeysIdx != nil || n.missingKeysIdx != nil {
		return false
	}

	return true
}

// forEachMatch walks the trie against tags (an id's sorted tag sequence,
// including the implicit name tag), invoking sink for every payload whose
// query matches. start is the index to resume the linear scan for this
// node's key from; callers begin with start == 0.
func (n *node[T]) forEachMatch(tags []meter.Tag, start int, sink func(T)) {
	for v := range n.matches {
		sink(v)
	}

	if !n.hasKey {
		return
	}

	foundIdx := -1

	for i := start; i < len(tags); i++ {
		if tags[i].Key == n.key {
			foundIdx = i
			break
		}

		if keyLess(n.key, tags[i].Key) {
			break
		}
	}

	if foundIdx >= 0 {
		n.dispatchOnKey(tags, start, foundIdx, sink)
	}

	if n.otherKeysIdx != nil {
		n.otherKeysIdx.forEachMatch(tags, start, sink)
	}

	if foundIdx < 0 && n.missingKeysIdx != nil {
		n.missingKeysIdx.forEachMatch(tags, start, sink)
	}
}

func (n *node[T]) dispatchOnKey(tags []meter.Tag, start, foundIdx int, sink func(T)) {
	value := tags[foundIdx].Value

	if child, ok := n.equalChecks[value]; ok {
		child.forEachMatch(tags, foundIdx+1, sink)
	}

	n.dispatchOtherChecks(value, tags, foundIdx+1, sink)

	if n.hasKeyIdx != nil {
		n.hasKeyIdx.forEachMatch(tags, start, sink)
	}
}

func (n *node[T]) dispatchOtherChecks(value string, tags []meter.Tag, next int, sink func(T)) {
	if len(n.otherChecks) == 0 {
		return
	}

	if !n.otherChecksHasNonIn && n.otherChecksValueFilter != nil && !n.otherChecksValueFilter.Test([]byte(value)) {
		return
	}

	if n.otherChecksCache == nil {
		n.otherChecksCache = lru.New[string, []*otherCheckEntry[T]](
			lru.WithMaxEntries[string, []*otherCheckEntry[T]](otherChecksCacheEntries),
			lru.WithCostEviction[string, []*otherCheckEntry[T]](otherChecksCacheSample, func(accessCount, _ int64) float64 {
				return float64(accessCount)
			}),
		)
	}

	matched, ok := n.otherChecksCache.Get(value)
	if !ok {
		probe := map[string]string{n.key: value}

		for _, candidate := range n.prefixTree.collect(value) {
			if candidate.leaf.Matches(probe) {
				matched = append(matched, candidate)
			}
		}

		n.otherChecksCache.Put(value, matched)
	}

	for _, entry := range matched {
		entry.child.forEachMatch(tags, next, sink)
	}
}

// sortedTags returns id's tags in the same name-first order chainsOf uses
// to build trie chains: the implicit name tag always leads, followed by
// the rest of the tags in their own (already lexicographic) order.
func sortedTags(id meter.Id) []meter.Tag {
	idTags := id.Tags()
	out := make([]meter.Tag, 0, len(idTags)+1)

	out = append(out, meter.Tag{Key: meter.NameKey, Value: id.Name()})
	out = append(out, idTags...)

	return out
}
