package meter

import "sync"

// retainer is the subset of meterBase a BatchUpdater needs: pinning the
// meter open so it cannot expire while the updater holds unflushed state.
type retainer interface {
	retain()
	release()
}

// batchCore is the shared accumulate-then-flush machinery behind
// CounterBatchUpdater, DistributionSummaryBatchUpdater, and
// TimerBatchUpdater. It is not exported; each meter type exposes a
// typed wrapper below.
type batchCore struct {
	mu     sync.Mutex
	target retainer
	size   int
	count  int
	closed bool
}

func newBatchCore(target retainer, size int) batchCore {
	target.retain()

	return batchCore{target: target, size: size}
}

// noteAndShouldFlush counts one more recorded value and reports whether
// count has reached size, resetting count to zero when it has.
func (c *batchCore) noteAndShouldFlush() bool {
	c.count++
	if c.count >= c.size {
		c.count = 0

		return true
	}

	return false
}

func (c *batchCore) closeOnce(flush func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	flush()
	c.target.release()
}

// CounterBatchUpdater locally accumulates Counter.Add calls, flushing to
// the underlying Counter when size increments have been recorded or on
// Flush/Close.
type CounterBatchUpdater struct {
	core    batchCore
	counter *Counter
	pending float64
}

// NewCounterBatchUpdater creates a batch updater over counter that
// flushes every size increments.
func NewCounterBatchUpdater(counter *Counter, size int) *CounterBatchUpdater {
	return &CounterBatchUpdater{core: newBatchCore(&counter.meterBase, size), counter: counter}
}

// Add accumulates x locally, flushing automatically once size calls have
// been made.
func (u *CounterBatchUpdater) Add(x float64) {
	u.core.mu.Lock()
	defer u.core.mu.Unlock()

	u.pending += x
	if u.core.noteAndShouldFlush() {
		u.flushLocked()
	}
}

func (u *CounterBatchUpdater) flushLocked() {
	if u.pending != 0 {
		u.counter.Add(u.pending)
		u.pending = 0
	}
}

// Flush forces any accumulated value to the underlying Counter now.
func (u *CounterBatchUpdater) Flush() {
	u.core.mu.Lock()
	defer u.core.mu.Unlock()
	u.flushLocked()
}

// Close flushes any remaining value and releases the pin on the
// underlying Counter.
func (u *CounterBatchUpdater) Close() {
	u.core.closeOnce(u.flushLocked)
}

// DistributionSummaryBatchUpdater batches DistributionSummary.Record
// calls locally.
type DistributionSummaryBatchUpdater struct {
	core    batchCore
	summary *DistributionSummary
	pending []int64
}

// NewDistributionSummaryBatchUpdater creates a batch updater over
// summary that flushes every size calls.
func NewDistributionSummaryBatchUpdater(summary *DistributionSummary, size int) *DistributionSummaryBatchUpdater {
	return &DistributionSummaryBatchUpdater{
		core:    newBatchCore(&summary.meterBase, size),
		summary: summary,
		pending: make([]int64, 0, size),
	}
}

// Record accumulates amount locally.
func (u *DistributionSummaryBatchUpdater) Record(amount int64) {
	u.core.mu.Lock()
	defer u.core.mu.Unlock()

	u.pending = append(u.pending, amount)
	if u.core.noteAndShouldFlush() {
		u.flushLocked()
	}
}

func (u *DistributionSummaryBatchUpdater) flushLocked() {
	for _, a := range u.pending {
		u.summary.Record(a)
	}

	u.pending = u.pending[:0]
}

// Flush forces any accumulated values to the underlying
// DistributionSummary now.
func (u *DistributionSummaryBatchUpdater) Flush() {
	u.core.mu.Lock()
	defer u.core.mu.Unlock()
	u.flushLocked()
}

// Close flushes remaining values and releases the pin.
func (u *DistributionSummaryBatchUpdater) Close() {
	u.core.closeOnce(u.flushLocked)
}

// TimerBatchUpdater batches Timer.Record calls locally.
type TimerBatchUpdater struct {
	core    batchCore
	timer   *Timer
	pending []int64 // nanoseconds
}

// NewTimerBatchUpdater creates a batch updater over timer that flushes
// every size calls.
func NewTimerBatchUpdater(timer *Timer, size int) *TimerBatchUpdater {
	return &TimerBatchUpdater{
		core:    newBatchCore(&timer.meterBase, size),
		timer:   timer,
		pending: make([]int64, 0, size),
	}
}

// RecordNanos accumulates a duration, expressed in nanoseconds, locally.
func (u *TimerBatchUpdater) RecordNanos(nanos int64) {
	u.core.mu.Lock()
	defer u.core.mu.Unlock()

	u.pending = append(u.pending, nanos)
	if u.core.noteAndShouldFlush() {
		u.flushLocked()
	}
}

func (u *TimerBatchUpdater) flushLocked() {
	now := u.timer.clock.NowMillis()
	for _, nanos := range u.pending {
		u.timer.updateLastModTime(now)
		u.timer.cells.record(now, nanos)
	}

	u.pending = u.pending[:0]
}

// Flush forces any accumulated durations to the underlying Timer now.
func (u *TimerBatchUpdater) Flush() {
	u.core.mu.Lock()
	defer u.core.mu.Unlock()
	u.flushLocked()
}

// Close flushes remaining durations and releases the pin.
func (u *TimerBatchUpdater) Close() {
	u.core.closeOnce(u.flushLocked)
}
