package meter

import (
	"math"
	"sync/atomic"
)

// StepLong is a two-slot rotating integer accumulator keyed on
// wall-clock step index. Identity is 0.
type StepLong struct {
	stepMillis   int64
	lastInitStep atomic.Int64
	current      atomic.Int64
	previous     atomic.Int64
}

// NewStepLong creates a StepLong cell for the given step duration.
func NewStepLong(stepMillis int64) *StepLong {
	return &StepLong{stepMillis: stepMillis}
}

func (c *StepLong) rotate(now int64) {
	stepIdx := now / c.stepMillis
	last := c.lastInitStep.Load()

	if last < stepIdx && c.lastInitStep.CompareAndSwap(last, stepIdx) {
		var v int64
		if stepIdx-last == 1 {
			v = c.current.Swap(0)
		} else {
			c.current.Store(0)
		}

		c.previous.Store(v)
	}
}

// AddAndGet rotates if needed, adds delta to the current window, and
// returns the new current value.
func (c *StepLong) AddAndGet(now, delta int64) int64 {
	c.rotate(now)

	return c.current.Add(delta)
}

// GetAndSet rotates if needed, overwrites the current window with v, and
// returns the value that was there before.
func (c *StepLong) GetAndSet(now, v int64) int64 {
	c.rotate(now)

	return c.current.Swap(v)
}

// Poll rotates if needed and returns the previous (completed) window's
// value. An idle cell reports identity (0) rather than stale data.
func (c *StepLong) Poll(now int64) int64 {
	c.rotate(now)

	return c.previous.Load()
}

// Timestamp returns the end of the window whose value Poll currently
// reports, which is also the start of the window still accumulating.
func (c *StepLong) Timestamp() int64 {
	return c.lastInitStep.Load() * c.stepMillis
}

// StepDouble is the floating-point analogue of StepLong, used by
// Counter's rate accumulation. Identity is 0.0.
type StepDouble struct {
	stepMillis   int64
	lastInitStep atomic.Int64
	current      AtomicDouble
	previous     AtomicDouble
}

// NewStepDouble creates a StepDouble cell for the given step duration.
func NewStepDouble(stepMillis int64) *StepDouble {
	return &StepDouble{stepMillis: stepMillis}
}

func (c *StepDouble) rotate(now int64) {
	stepIdx := now / c.stepMillis
	last := c.lastInitStep.Load()

	if last < stepIdx && c.lastInitStep.CompareAndSwap(last, stepIdx) {
		var v float64
		if stepIdx-last == 1 {
			v = c.current.GetAndSet(0)
		} else {
			c.current.Set(0)
		}

		c.previous.Set(v)
	}
}

// AddAndGet rotates if needed and adds delta to the current window.
func (c *StepDouble) AddAndGet(now int64, delta float64) float64 {
	c.rotate(now)

	return c.current.Add(delta)
}

// Poll rotates if needed and returns the previous (completed) window's
// value.
func (c *StepDouble) Poll(now int64) float64 {
	c.rotate(now)

	return c.previous.Get()
}

// Timestamp returns the end of the window whose value Poll reports.
func (c *StepDouble) Timestamp() int64 {
	return c.lastInitStep.Load() * c.stepMillis
}

// StepMax is a two-slot rotating max accumulator. Identity is NaN, so
// that Max(identity, x) == x for every valid x.
type StepMax struct {
	stepMillis   int64
	lastInitStep atomic.Int64
	current      AtomicDouble
	previous     AtomicDouble
}

// NewStepMax creates a StepMax cell initialized to the NaN identity.
func NewStepMax(stepMillis int64) *StepMax {
	c := &StepMax{stepMillis: stepMillis}
	c.current.Set(math.NaN())
	c.previous.Set(math.NaN())

	return c
}

func (c *StepMax) rotate(now int64) {
	stepIdx := now / c.stepMillis
	last := c.lastInitStep.Load()

	if last < stepIdx && c.lastInitStep.CompareAndSwap(last, stepIdx) {
		var v float64
		if stepIdx-last == 1 {
			v = c.current.GetAndSet(math.NaN())
		} else {
			v = math.NaN()
			c.current.Set(math.NaN())
		}

		c.previous.Set(v)
	}
}

// Max rotates if needed and folds v into the current window via max.
func (c *StepMax) Max(now int64, v float64) {
	c.rotate(now)
	c.current.Max(v)
}

// Poll rotates if needed and returns the previous (completed) window's
// value (NaN for an idle window).
func (c *StepMax) Poll(now int64) float64 {
	c.rotate(now)

	return c.previous.Get()
}

// Timestamp returns the end of the window whose value Poll reports.
func (c *StepMax) Timestamp() int64 {
	return c.lastInitStep.Load() * c.stepMillis
}
