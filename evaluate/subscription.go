package evaluate

import (
	"sync"

	"github.com/stepmetrics/stepmetrics/query"
)

// Subscription is one entry pulled from the subscription endpoint: a
// data expression and the interval to evaluate it at.
type Subscription struct {
	ID          string
	Expression  string
	FrequencyMs int64
}

// SubscriptionEntry is the evaluator's live bookkeeping for one
// Subscription: its parsed query (for QueryIndex registration), its
// parsed DataExpr, the publish-step multiple its frequency resolves to,
// and one consolidator per matching id. Eval builds a fresh aggregator
// from those consolidators on every cycle.
type SubscriptionEntry struct {
	Subscription Subscription
	Query        query.Query
	DataExpr     DataExpr

	// StepMultiple is Subscription.FrequencyMs / stepMillis: the
	// evaluator only evaluates this entry when t is a multiple of
	// FrequencyMs.
	StepMultiple int64

	mu            sync.Mutex
	consolidators map[string]*idConsolidator
}
