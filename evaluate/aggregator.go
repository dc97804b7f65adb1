package evaluate

import (
	"math"
	"sort"
	"strings"
)

// Result is one aggregated output of a DataExpr: the grouping tags kept
// (GroupBy keys, or none) and the aggregated value.
type Result struct {
	Tags  map[string]string
	Value float64
}

// groupState accumulates one DataExpr aggregate bucket across every id
// observed during an eval cycle.
type groupState struct {
	tags  map[string]string
	value float64
	count int64
}

// Aggregator folds (tags, value) pairs into per-group results according
// to a DataExpr's Func and GroupBy. It is reset once per eval cycle.
type Aggregator struct {
	fn      AggregateFunc
	groupBy []string
	groups  map[string]*groupState
}

// NewAggregator returns an Aggregator for de.
func NewAggregator(de DataExpr) *Aggregator {
	return &Aggregator{fn: de.Func, groupBy: de.GroupBy, groups: make(map[string]*groupState)}
}

// Add folds value, observed with the given tags, into this cycle's
// aggregate state. Non-finite values are ignored.
func (a *Aggregator) Add(tags map[string]string, value float64) {
	if !finite(value) {
		return
	}

	key, kept := a.groupKey(tags)

	g, ok := a.groups[key]
	if !ok {
		g = &groupState{tags: kept}
		a.groups[key] = g

		switch a.fn {
		case FuncMin:
			g.value = math.Inf(1)
		case FuncMax:
			g.value = math.Inf(-1)
		default:
			g.value = 0
		}
	}

	switch a.fn {
	case FuncSum, FuncAll:
		g.value += value
	case FuncMin:
		g.value = math.Min(g.value, value)
	case FuncMax:
		g.value = math.Max(g.value, value)
	case FuncCount:
		g.value++
	}

	g.count++
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// groupKey computes the canonical grouping key and the tag subset kept
// for this DataExpr: every tag when GroupBy is unset and Func is "all"
// (each id reports individually), the GroupBy subset otherwise, or a
// single empty-tag group when GroupBy is unset for a reducing function.
func (a *Aggregator) groupKey(tags map[string]string) (string, map[string]string) {
	if len(a.groupBy) == 0 {
		if a.fn == FuncAll {
			return canonicalKey(tags), cloneTags(tags)
		}

		return "", map[string]string{}
	}

	kept := make(map[string]string, len(a.groupBy))

	for _, k := range a.groupBy {
		if v, ok := tags[k]; ok {
			kept[k] = v
		}
	}

	return canonicalKey(kept), kept
}

func canonicalKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
		b.WriteByte('\x00')
	}

	return b.String()
}

func cloneTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}

	return out
}

// Results returns every aggregate bucket accumulated this cycle.
func (a *Aggregator) Results() []Result {
	out := make([]Result, 0, len(a.groups))

	for _, g := range a.groups {
		out = append(out, Result{Tags: g.tags, Value: g.value})
	}

	return out
}

// Reset clears all accumulated state for the next eval cycle.
func (a *Aggregator) Reset() {
	a.groups = make(map[string]*groupState)
}
