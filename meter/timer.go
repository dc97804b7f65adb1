package meter

import "time"

// nanosToSeconds and nanosSquaredScale are the emit-time scale factors:
// totalTime is stored as nanoseconds internally and converted to
// seconds on emit (1e-9); totalOfSquares uses 1e-18.
const (
	nanosToSeconds    = 1e-9
	nanosSquaredScale = 1e-18
)

// Timer tracks the distribution of event durations: a count plus the
// total, sum-of-squares, and max duration per step, in nanoseconds
// internally.
type Timer struct {
	meterBase
	cells       distCells
	stepSeconds float64
}

// NewTimer creates a Timer for id, rotating on stepMillis boundaries.
func NewTimer(id Id, clock Clock, ttl time.Duration, stepMillis int64) *Timer {
	return &Timer{
		meterBase:   newMeterBase(id, clock, ttl),
		cells:       newDistCells(stepMillis),
		stepSeconds: float64(stepMillis) / millisPerSecond,
	}
}

// Record folds one observed duration into the timer.
func (t *Timer) Record(d time.Duration) {
	now := t.clock.NowMillis()
	t.updateLastModTime(now)
	t.cells.record(now, d.Nanoseconds())
}

// RecordFunc times fn's execution and records its duration, even if fn
// panics records duration even on
// thrown exception").
func (t *Timer) RecordFunc(fn func()) {
	t.updateLastModTime(t.clock.NowMillis())

	start := time.Now()
	defer func() {
		t.cells.record(t.clock.NowMillis(), time.Since(start).Nanoseconds())
	}()

	fn()
}

// Measure implements Meter.
func (t *Timer) Measure(now int64, sink Sink) {
	t.cells.measure(now, t.id, t.stepSeconds, nanosToSeconds, nanosSquaredScale, StatTotalTime, sink)
}
