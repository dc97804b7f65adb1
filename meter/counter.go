package meter

import "time"

// Counter tracks the rate of events. It rejects non-finite and
// non-positive increments.
type Counter struct {
	meterBase
	cell        *StepDouble
	stepSeconds float64
}

// NewCounter creates a Counter for id, rotating on stepMillis
// boundaries.
func NewCounter(id Id, clock Clock, ttl time.Duration, stepMillis int64) *Counter {
	return &Counter{
		meterBase:   newMeterBase(id, clock, ttl),
		cell:        NewStepDouble(stepMillis),
		stepSeconds: float64(stepMillis) / millisPerSecond,
	}
}

// Add increments the counter by x. Values that are non-finite or <= 0
// are silently ignored.
func (c *Counter) Add(x float64) {
	if !finite(x) || x <= 0 {
		return
	}

	now := c.clock.NowMillis()
	c.updateLastModTime(now)
	c.cell.AddAndGet(now, x)
}

// Increment adds 1 to the counter.
func (c *Counter) Increment() {
	c.Add(1)
}

// Measure implements Meter: emits a single rate measurement tagged
// statistic=count, atlas.dstype=rate.
func (c *Counter) Measure(now int64, sink Sink) {
	ts := c.cell.Timestamp()
	rate := c.cell.Poll(now) / c.stepSeconds

	sink.Record(Measurement{
		ID:        withStat(c.id, StatCount, DsRate),
		Timestamp: ts,
		Value:     rate,
	})
}
