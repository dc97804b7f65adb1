// Package rollup implements the rollup policy: a set of rules that drop
// or dimensionally collapse measurements before they're batched for
// publish, per spec.md §4.9. A rule names a matching query, the
// dimensions to remove, and whether matches should be dropped outright
// or merged across the removed dimensions.
package rollup

import (
	"sort"
	"strings"

	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/query"
	"github.com/stepmetrics/stepmetrics/queryindex"
)

// Disposition is what a matching rule does to a measurement.
type Disposition int

const (
	// Rollup merges the measurement into others sharing the same
	// resulting (commonTags, id) after the rule's dimensions are
	// removed.
	Rollup Disposition = iota
	// Drop discards the measurement outright.
	Drop
)

// Rule is one rollup rule: measurements matching Query have Dimensions
// removed (from the id, or from a shared common-tag snapshot if the
// dimension lives there) and are then merged (Rollup) or discarded
// (Drop).
type Rule struct {
	Query       query.Query
	Dimensions  []string
	Disposition Disposition
}

// Result is one distinct surviving common-tag group's aggregated
// measurements after Apply.
type Result struct {
	CommonTags   map[string]string
	Measurements []meter.Measurement
}

// Policy applies a compiled set of Rules to a batch of measurements. The
// zero Policy (no rules) is a no-op: Apply returns its input unchanged
// wrapped in a single Result.
type Policy struct {
	index *queryindex.QueryIndex[*Rule]
}

// New compiles rules against commonTags (per spec.md §4.9 step 1: each
// rule's query is parsed, simplified against the registry's common tags,
// then indexed) into a ready-to-apply Policy.
func New(rules []Rule, commonTags map[string]string) *Policy {
	idx := queryindex.New[*Rule]()

	for i := range rules {
		r := rules[i]
		r.Query = r.Query.Simplify(commonTags)
		idx.Add(r.Query, &r)
	}

	return &Policy{index: idx}
}

// Apply groups measurements into Results per spec.md §4.9: measurements
// matching a DROP rule are discarded; measurements matching one or more
// ROLLUP rules have the union of those rules' dimensions removed (from
// commonTags if present there, else from the id), then are merged with
// other measurements sharing the same resulting (commonTags, id) using
// Sum (for statistics count/totalAmount/totalTime/totalOfSquares/
// percentile) or Max (everything else); NaN absorbs into the other
// operand.
func (p *Policy) Apply(commonTags map[string]string, measurements []meter.Measurement) []Result {
	if p == nil || p.index == nil {
		return []Result{{CommonTags: commonTags, Measurements: measurements}}
	}

	groups := make(map[string]*group)
	order := make([]string, 0)

	for _, m := range measurements {
		drop, dims := p.matchRules(m.ID)
		if drop {
			continue
		}

		resultTags, resultID := splitDimensions(commonTags, m.ID, dims)

		key := groupKey(resultTags, resultID)

		g, ok := groups[key]
		if !ok {
			g = &group{commonTags: resultTags, values: make(map[string]*mergedValue)}
			groups[key] = g
			order = append(order, key)
		}

		g.merge(resultID, m)
	}

	out := make([]Result, 0, len(order))

	for _, key := range order {
		g := groups[key]
		ms := make([]meter.Measurement, 0, len(g.values))

		for _, v := range g.values {
			ms = append(ms, meter.Measurement{ID: v.id, Timestamp: v.timestamp, Value: v.value})
		}

		out = append(out, Result{CommonTags: g.commonTags, Measurements: ms})
	}

	return out
}

// matchRules reports whether id is dropped outright, and if not, the
// union of dimensions every matching ROLLUP rule wants removed.
func (p *Policy) matchRules(id meter.Id) (bool, map[string]struct{}) {
	dims := make(map[string]struct{})
	drop := false

	p.index.ForEachMatch(id, func(r *Rule) {
		if r.Disposition == Drop {
			drop = true
			return
		}

		for _, d := range r.Dimensions {
			dims[d] = struct{}{}
		}
	})

	return drop, dims
}

// splitDimensions removes dims from commonTags where present, and
// filters the remaining dims out of id's own tags.
func splitDimensions(commonTags map[string]string, id meter.Id, dims map[string]struct{}) (map[string]string, meter.Id) {
	if len(dims) == 0 {
		return commonTags, id
	}

	resultTags := make(map[string]string, len(commonTags))
	otherDims := make(map[string]struct{}, len(dims))

	for k, v := range commonTags {
		if _, ok := dims[k]; ok {
			continue
		}

		resultTags[k] = v
	}

	for d := range dims {
		if _, ok := commonTags[d]; !ok {
			otherDims[d] = struct{}{}
		}
	}

	resultID := id.FilterByKey(func(key string) bool {
		_, drop := otherDims[key]
		return !drop
	})

	return resultTags, resultID
}

type mergedValue struct {
	id        meter.Id
	timestamp int64
	value     float64
}

type group struct {
	commonTags map[string]string
	values     map[string]*mergedValue
}

func (g *group) merge(id meter.Id, m meter.Measurement) {
	key := id.Key()

	v, ok := g.values[key]
	if !ok {
		g.values[key] = &mergedValue{id: id, timestamp: m.Timestamp, value: m.Value}
		return
	}

	if m.Timestamp > v.timestamp {
		v.timestamp = m.Timestamp
	}

	switch strategyFor(id.TagMap()[meter.TagStatistic]) {
	case SumStrategy:
		v.value = sumNaNAbsorb(v.value, m.Value)
	default:
		v.value = maxNaNAbsorb(v.value, m.Value)
	}
}

// MergeStrategy names how duplicate measurements within a rolled-up
// group are combined. spec.md §4.9 ties the choice to the id's
// statistic tag rather than letting a rule pick one explicitly.
type MergeStrategy int

const (
	// SumStrategy adds values: used for additive statistics
	// (count/totalAmount/totalTime/totalOfSquares/percentile).
	SumStrategy MergeStrategy = iota
	// MaxStrategy takes the larger value: used for everything else
	// (gauges, max statistics).
	MaxStrategy
)

func strategyFor(statistic string) MergeStrategy {
	switch meter.Statistic(statistic) {
	case meter.StatCount, meter.StatTotalAmt, meter.StatTotalTime, meter.StatTotalSq, meter.StatPercentile:
		return SumStrategy
	default:
		return MaxStrategy
	}
}

func sumNaNAbsorb(a, b float64) float64 {
	switch {
	case isNaN(a):
		return b
	case isNaN(b):
		return a
	default:
		return a + b
	}
}

func maxNaNAbsorb(a, b float64) float64 {
	switch {
	case isNaN(a):
		return b
	case isNaN(b):
		return a
	default:
		return max(a, b)
	}
}

func isNaN(f float64) bool { return f != f }

func groupKey(commonTags map[string]string, id meter.Id) string {
	var b strings.Builder

	keys := make([]string, 0, len(commonTags))
	for k := range commonTags {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(commonTags[k])
		b.WriteByte(';')
	}

	b.WriteByte('|')
	b.WriteString(id.Key())

	return b.String()
}
