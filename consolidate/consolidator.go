// Package consolidate implements the consolidator: it
// compresses a per-id stream of fine-grained (LWC) step measurements into
// one coarser publish-step measurement per id, using a statistic-
// dependent sum-average or max aggregation function.
package consolidate

import (
	"math"
	"sync"

	"github.com/stepmetrics/stepmetrics/meter"
)

// Consolidator folds a strictly-time-ordered (per id) stream of
// (t, v) updates at primary step p into one value per consolidated
// step S = p*multiple.
type Consolidator interface {
	// Update folds v, observed at time t, into the consolidator.
	Update(t int64, v float64)
	// Value returns the completed value for the consolidated window
	// ending at t, or NaN if t does not name a just-completed window.
	Value(t int64) float64
	// IsEmpty reports whether both the current and previous windows hold
	// no data.
	IsEmpty() bool
}

// Select returns the Consolidator variant appropriate for statistic:
// Avg for count/totalAmount/totalTime/totalOfSquares/percentile, Max for
// everything else. multiple == 1 always
// yields a pass-through consolidator regardless of statistic.
func Select(statistic string, stepMillis, multiple int64) Consolidator {
	if multiple == 1 {
		return newPassThrough(stepMillis)
	}

	switch meter.Statistic(statistic) {
	case meter.StatCount, meter.StatTotalAmt, meter.StatTotalTime, meter.StatTotalSq, meter.StatPercentile:
		return newGeneral(stepMillis, multiple, addNaNAbsorb, avgComplete(multiple))
	default:
		return newGeneral(stepMillis, multiple, maxNaNAbsorb, identityComplete)
	}
}

func addNaNAbsorb(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	default:
		return a + b
	}
}

func maxNaNAbsorb(a, b float64) float64 {
	switch {
	case math.IsNaN(a):
		return b
	case math.IsNaN(b):
		return a
	default:
		return math.Max(a, b)
	}
}

func avgComplete(multiple int64) func(float64) float64 {
	return func(v float64) float64 { return v / float64(multiple) }
}

func identityComplete(v float64) float64 { return v }

// general is the multiple > 1 Consolidator: it buffers a current window
// and exposes the previous one once it completes.
type general struct {
	mu        sync.Mutex
	step      int64 // consolidated step S = primaryStep * multiple
	aggregate func(a, b float64) float64
	complete  func(float64) float64

	started   bool
	timestamp int64
	current   float64
	previous  float64
}

func newGeneral(primaryStep, multiple int64, aggregate func(a, b float64) float64, complete func(float64) float64) *general {
	return &general{
		step:      primaryStep * multiple,
		aggregate: aggregate,
		complete:  complete,
		current:   math.NaN(),
		previous:  math.NaN(),
	}
}

// boundary returns the next consolidated-step boundary strictly after t.
func (c *general) boundary(t int64) int64 {
	return t - mod(t, c.step) + c.step
}

func mod(t, step int64) int64 {
	m := t % step
	if m < 0 {
		m += step
	}

	return m
}

func (c *general) Update(t int64, v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.boundary(t)

	switch {
	case !c.started:
		c.current = c.aggregate(math.NaN(), v)
		c.timestamp = b
		c.started = true
	case b == c.timestamp:
		c.current = c.aggregate(c.current, v)
	case b == c.timestamp+c.step:
		c.previous = c.complete(c.current)
		c.current = c.aggregate(math.NaN(), v)
		c.timestamp = b
	default:
		// A gap: one or more consolidated windows were skipped without
		// any data, so the just-completed window is unknown.
		c.previous = math.NaN()
		c.current = c.aggregate(math.NaN(), v)
		c.timestamp = b
	}
}

func (c *general) Value(t int64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.timestamp-t != c.step {
		return math.NaN()
	}

	return c.previous
}

func (c *general) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return math.IsNaN(c.current) && math.IsNaN(c.previous)
}

// passThrough is the multiple == 1 Consolidator: the primary step value
// already is the consolidated value, so it is passed straight through
// with no extra lag.
type passThrough struct {
	mu    sync.Mutex
	step  int64
	ts    int64
	value float64
}

func newPassThrough(stepMillis int64) *passThrough {
	return &passThrough{step: stepMillis, value: math.NaN()}
}

func (p *passThrough) Update(t int64, v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case !math.IsNaN(v):
		p.ts = t
		p.value = v
	case t == p.ts:
		// A force-rotation probe at the same t as the last real value:
		// leave it in place so Value(t) still returns it.
	default:
		p.ts = t
		p.value = math.NaN()
	}
}

func (p *passThrough) Value(t int64) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t != p.ts {
		return math.NaN()
	}

	return p.value
}

func (p *passThrough) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return math.IsNaN(p.value)
}
