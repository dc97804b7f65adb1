package evaluate

import (
	"log/slog"
	"math"
	"sync"

	"github.com/stepmetrics/stepmetrics/consolidate"
	"github.com/stepmetrics/stepmetrics/internal/errkind"
	"github.com/stepmetrics/stepmetrics/internal/xxhash"
	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/queryindex"
)

// EvalResult is one aggregated data point produced by a single eval
// cycle, ready to ride in an eval payload batch.
type EvalResult struct {
	SubscriptionID string
	Timestamp      int64
	Tags           map[string]string
	Value          float64
}

// idConsolidator pairs the id an entry is consolidating with its
// Consolidator, so Eval can read back the id's tags once the window
// completes.
type idConsolidator struct {
	id meter.Id
	c  consolidate.Consolidator
}

// Evaluator owns the QueryIndex<SubscriptionEntry>, drives per-id
// consolidation for every matching subscription, and periodically
// aggregates each subscription's consolidators into an eval payload.
// QueryIndex mutation (Sync) is serialized by mu; Update and Eval only
// need a read lock since they never mutate the index's shape, only the
// per-entry consolidator maps (each guarded by its own entry.mu).
type Evaluator struct {
	mu    sync.RWMutex
	index *queryindex.QueryIndex[*SubscriptionEntry]
	byID  map[string]*SubscriptionEntry

	stepMillis            int64
	commonTags            map[string]string
	rewriteTag            func(string) string
	delayGaugeAggregation bool
	logger                *slog.Logger
}

// New returns an empty Evaluator. rewriteTag replaces characters outside
// the configured valid-tag-character set on every tag value before it's
// matched or emitted; it may be nil to skip rewriting.
func New(stepMillis int64, commonTags map[string]string, rewriteTag func(string) string, delayGaugeAggregation bool, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}

	return &Evaluator{
		index:                 queryindex.New[*SubscriptionEntry](),
		byID:                  make(map[string]*SubscriptionEntry),
		stepMillis:            stepMillis,
		commonTags:            commonTags,
		rewriteTag:            rewriteTag,
		delayGaugeAggregation: delayGaugeAggregation,
		logger:                logger,
	}
}

// Sync reconciles the evaluator's live subscriptions against list: new
// ids are parsed and registered, departed ids are removed. A parse
// failure on any single subscription is logged and skipped; it never
// aborts the rest of the sync.
func (e *Evaluator) Sync(list []Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	want := make(map[string]Subscription, len(list))
	for _, sub := range list {
		want[sub.ID] = sub
	}

	for id, entry := range e.byID {
		if _, ok := want[id]; !ok {
			e.index.Remove(entry.Query, entry)
			delete(e.byID, id)
		}
	}

	for _, sub := range list {
		if existing, ok := e.byID[sub.ID]; ok && existing.Subscription.Expression == sub.Expression {
			newMultiple := stepMultiple(sub.FrequencyMs, e.stepMillis)

			existing.Subscription.FrequencyMs = sub.FrequencyMs

			if newMultiple != existing.StepMultiple {
				// Consolidators already created for this entry were built
				// against the old step multiple; their window boundaries
				// no longer line up with Eval's new firing cadence, so
				// they'd otherwise sit stuck returning NaN until evicted.
				// Drop them and let the next Update rebuild fresh ones.
				existing.mu.Lock()
				existing.consolidators = make(map[string]*idConsolidator)
				existing.mu.Unlock()

				existing.StepMultiple = newMultiple
			}

			continue
		}

		if existing, ok := e.byID[sub.ID]; ok {
			e.index.Remove(existing.Query, existing)
			delete(e.byID, sub.ID)
		}

		entry, err := e.newEntry(sub)
		if err != nil {
			e.logger.Warn("subscription sync: skipping invalid subscription",
				"subscriptionId", sub.ID, "error", errkind.NewUserInput("evaluate.Sync", err))

			continue
		}

		e.index.Add(entry.Query, entry)
		e.byID[sub.ID] = entry
	}
}

func (e *Evaluator) newEntry(sub Subscription) (*SubscriptionEntry, error) {
	de, err := ParseDataExpr(sub.Expression)
	if err != nil {
		return nil, err
	}

	simplified := de.Query.Simplify(e.commonTags)
	de.Query = simplified

	return &SubscriptionEntry{
		Subscription:  sub,
		Query:         simplified,
		DataExpr:      de,
		StepMultiple:  stepMultiple(sub.FrequencyMs, e.stepMillis),
		consolidators: make(map[string]*idConsolidator),
	}, nil
}

// stepMultiple computes subscription.frequency / step, clamped to at
// least 1 so a sub-step frequency still gets a valid (pass-through)
// Consolidator rather than a divide-by-zero window.
func stepMultiple(frequencyMs, stepMillis int64) int64 {
	if stepMillis <= 0 {
		return 1
	}

	m := frequencyMs / stepMillis
	if m < 1 {
		return 1
	}

	return m
}

// updateConsumer is the mutable ForEachMatch target for one Update call.
// Rather than closing over (id, t, v) fresh on every datapoint, Update
// borrows one of these from updateConsumerPool, fills it in, and hands
// index.ForEachMatch its bound onMatch method — so the per-datapoint hot
// path allocates neither a closure nor the struct backing it.
type updateConsumer struct {
	eval *Evaluator
	id   meter.Id
	t    int64
	v    float64
}

func (c *updateConsumer) onMatch(entry *SubscriptionEntry) {
	entry.update(c.t, c.v, c.id, c.eval.stepMillis)
}

var updateConsumerPool = sync.Pool{
	New: func() any { return new(updateConsumer) },
}

// Update folds v, observed for id at time t, into every subscription
// entry whose query matches id.
func (e *Evaluator) Update(id meter.Id, t int64, v float64) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, _ := updateConsumerPool.Get().(*updateConsumer)
	c.eval, c.id, c.t, c.v = e, id, t, v

	e.index.ForEachMatch(id, c.onMatch)

	c.eval = nil
	updateConsumerPool.Put(c)
}

func (entry *SubscriptionEntry) update(t int64, v float64, id meter.Id, stepMillis int64) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	key := id.Key()

	ic, ok := entry.consolidators[key]
	if !ok {
		statistic := id.TagMap()[meter.TagStatistic]
		ic = &idConsolidator{id: id, c: consolidate.Select(statistic, stepMillis, entry.StepMultiple)}
		entry.consolidators[key] = ic
	}

	ic.c.Update(t, v)
}

// Eval evaluates every subscription whose frequency divides t and
// returns the aggregated results. Consolidators that have gone empty
// (no data in either window) are dropped.
func (e *Evaluator) Eval(t int64) []EvalResult {
	e.mu.RLock()
	entries := make([]*SubscriptionEntry, 0, len(e.byID))

	for _, entry := range e.byID {
		if entry.Subscription.FrequencyMs <= 0 || t%entry.Subscription.FrequencyMs != 0 {
			continue
		}

		entries = append(entries, entry)
	}
	e.mu.RUnlock()

	var out []EvalResult

	for _, entry := range entries {
		out = append(out, e.evalEntry(entry, t)...)
	}

	return out
}

func (e *Evaluator) evalEntry(entry *SubscriptionEntry, t int64) []EvalResult {
	entry.mu.Lock()

	agg := NewAggregator(entry.DataExpr)

	for key, ic := range entry.consolidators {
		ic.c.Update(t, math.NaN())

		v := ic.c.Value(t)
		if finite(v) {
			agg.Add(e.emitTags(ic.id), v)
		}

		if ic.c.IsEmpty() {
			delete(entry.consolidators, key)
		}
	}

	entry.mu.Unlock()

	results := agg.Results()
	if e.delayGaugeAggregation && entry.DataExpr.Func == FuncAll {
		results = collapseToAggrHash(results, entry.DataExpr.GroupBy)
	}

	out := make([]EvalResult, 0, len(results))

	for _, r := range results {
		out = append(out, EvalResult{SubscriptionID: entry.Subscription.ID, Timestamp: t, Tags: r.Tags, Value: r.Value})
	}

	return out
}

func (e *Evaluator) emitTags(id meter.Id) map[string]string {
	tags := id.TagMap()

	out := make(map[string]string, len(tags)+len(e.commonTags))
	for k, v := range tags {
		if e.rewriteTag != nil {
			v = e.rewriteTag(v)
		}

		out[k] = v
	}

	for k, v := range e.commonTags {
		out[k] = v
	}

	return out
}

// collapseToAggrHash replaces every result's tag set with just its
// GroupBy subset plus a stable atlas.aggr hash of the full original tag
// set, so a gauge-accumulating "all" expression with high id cardinality
// doesn't emit one distinct tag set per id.
func collapseToAggrHash(results []Result, groupBy []string) []Result {
	out := make([]Result, 0, len(results))

	for _, r := range results {
		tags := make(map[string]string, len(groupBy)+1)
		for _, k := range groupBy {
			if v, ok := r.Tags[k]; ok {
				tags[k] = v
			}
		}

		tags["atlas.aggr"] = xxhash.HashTag(r.Tags)

		out = append(out, Result{Tags: tags, Value: r.Value})
	}

	return out
}
