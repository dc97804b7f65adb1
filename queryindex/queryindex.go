// Package queryindex implements the key-sorted dispatch trie that answers
// "which subscriptions match this id" without scanning every subscription
// per measurement. See composite.go, prefixtree.go and node.go for the
// add/remove/dispatch machinery; this file is the public entry point.
package queryindex

import (
	"sort"

	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/query"
)

// QueryIndex maps queries to arbitrary payload values and answers, for a
// given id, every payload whose query matches it.
type QueryIndex[T comparable] struct {
	root *node[T]
}

// New returns an empty QueryIndex.
func New[T comparable]() *QueryIndex[T] {
	return &QueryIndex[T]{root: newNode[T]()}
}

// Add registers value under q: every AND-chain of q's disjunctive normal
// form is sorted by key and merged into Composite leaves before insertion,
// so a later ForEachMatch only ever evaluates one leaf per (chain, key).
func (qi *QueryIndex[T]) Add(q query.Query, value T) {
	for _, chain := range chainsOf(q) {
		qi.root.add(chain, value)
	}
}

// Remove undoes a prior Add of the exact same (q, value) pair.
func (qi *QueryIndex[T]) Remove(q query.Query, value T) {
	for _, chain := range chainsOf(q) {
		qi.root.remove(chain, value)
	}
}

// chainsOf expands q into disjunctive normal form, drops any disjunct that
// reduces to False, and for every surviving disjunct sorts and merges its
// AND-ed leaves by key into a single chain of composites.
func chainsOf(q query.Query) [][]query.KeyQuery {
	disjuncts := q.DnfList()
	chains := make([][]query.KeyQuery, 0, len(disjuncts))

	for _, d := range disjuncts {
		if _, isFalse := d.(query.False); isFalse {
			continue
		}

		if _, isTrue := d.(query.True); isTrue {
			chains = append(chains, nil)
			continue
		}

		chains = append(chains, mergeChain(d.AndList()))
	}

	return chains
}

// mergeChain sorts an AND-chain's leaves by key (name-first) and merges
// adjacent same-key leaves into a single Composite.
func mergeChain(leaves []query.Query) []query.KeyQuery {
	keyed := make([]query.KeyQuery, 0, len(leaves))

	for _, l := range leaves {
		if kq, ok := l.(query.KeyQuery); ok {
			keyed = append(keyed, kq)
		}
	}

	sort.SliceStable(keyed, func(i, j int) bool {
		return keyLess(keyed[i].Key(), keyed[j].Key())
	})

	merged := make([]query.KeyQuery, 0, len(keyed))

	for _, kq := range keyed {
		if n := len(merged); n > 0 && merged[n-1].Key() == kq.Key() {
			merged[n-1] = mergeLeaf(merged[n-1], kq)
			continue
		}

		merged = append(merged, kq)
	}

	return merged
}

// keyLess orders the reserved name key before every other tag key, then
// falls back to plain lexicographic order.
func keyLess(a, b string) bool {
	if a == b {
		return false
	}

	if a == meter.NameKey {
		return true
	}

	if b == meter.NameKey {
		return false
	}

	return a < b
}

// ForEachMatch invokes sink once for every value whose query matches id.
func (qi *QueryIndex[T]) ForEachMatch(id meter.Id, sink func(T)) {
	qi.root.forEachMatch(sortedTags(id), 0, sink)
}

// FindMatches returns every value whose query matches id.
func (qi *QueryIndex[T]) FindMatches(id meter.Id) []T {
	var out []T

	qi.ForEachMatch(id, func(v T) { out = append(out, v) })

	return out
}
