package meter

import (
	"math"
	"time"
)

// Gauge holds the last value set, with no step-based accumulation: a
// single AtomicDouble overwritten by Set.
type Gauge struct {
	meterBase
	value *AtomicDouble
}

// NewGauge creates a Gauge for id, initialized to NaN (no value set
// yet).
func NewGauge(id Id, clock Clock, ttl time.Duration) *Gauge {
	return &Gauge{
		meterBase: newMeterBase(id, clock, ttl),
		value:     NewAtomicDouble(math.NaN()),
	}
}

// Set overwrites the gauge's current value.
func (g *Gauge) Set(v float64) {
	g.updateLastModTime(g.clock.NowMillis())
	g.value.Set(v)
}

// Measure implements Meter: emits (id+statistic=gauge, now, value).
func (g *Gauge) Measure(now int64, sink Sink) {
	sink.Record(Measurement{
		ID:        withStat(g.id, StatGauge, DsGauge),
		Timestamp: now,
		Value:     g.value.Get(),
	})
}

// MaxGauge is a step-aligned gauge that reports the maximum value Set
// during the previous completed step, initialized to NaN so the first
// Set establishes the max regardless of sign.
type MaxGauge struct {
	meterBase
	cell *StepMax
}

// NewMaxGauge creates a MaxGauge for id, rotating on stepMillis
// boundaries.
func NewMaxGauge(id Id, clock Clock, ttl time.Duration, stepMillis int64) *MaxGauge {
	return &MaxGauge{
		meterBase: newMeterBase(id, clock, ttl),
		cell:      NewStepMax(stepMillis),
	}
}

// Set folds v into the current step's max.
func (g *MaxGauge) Set(v float64) {
	now := g.clock.NowMillis()
	g.updateLastModTime(now)
	g.cell.Max(now, v)
}

// Measure implements Meter.
func (g *MaxGauge) Measure(now int64, sink Sink) {
	sink.Record(Measurement{
		ID:        withStat(g.id, StatMax, DsGauge),
		Timestamp: g.cell.Timestamp(),
		Value:     g.cell.Poll(now),
	})
}
