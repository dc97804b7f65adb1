package meter

import (
	"math"
	"sync/atomic"
	"time"
)

// Meter is the capability every registered instrument implements: it can
// name itself, emit its current measurements, and report whether it has
// been idle long enough to expire. Concrete meter types compose this
// behavior from the embedded meterBase helper below rather than an
// inheritance chain.
type Meter interface {
	ID() Id
	Measure(now int64, sink Sink)
	HasExpired(now int64) bool
}

// meterBase is embedded by every concrete meter type. It carries the
// identity, a monotonic clock, a TTL, and the last-update timestamp used
// for idle expiry.
type meterBase struct {
	id          Id
	clock       Clock
	ttlMillis   int64
	lastUpdated atomic.Int64
	refCount    atomic.Int32
}

func newMeterBase(id Id, clock Clock, ttl time.Duration) meterBase {
	b := meterBase{id: id, clock: clock, ttlMillis: ttl.Milliseconds()}
	b.lastUpdated.Store(clock.NowMillis())

	return b
}

// ID implements Meter.
func (b *meterBase) ID() Id { return b.id }

// HasExpired implements Meter: now - lastUpdated > ttl, unless a
// BatchUpdater currently holds the meter open.
func (b *meterBase) HasExpired(now int64) bool {
	if b.refCount.Load() > 0 {
		return false
	}

	return now-b.lastUpdated.Load() > b.ttlMillis
}

// retain pins the meter open, preventing expiry, for the lifetime of a
// BatchUpdater.
func (b *meterBase) retain() { b.refCount.Add(1) }

// release undoes a prior retain.
func (b *meterBase) release() { b.refCount.Add(-1) }

func (b *meterBase) updateLastModTime(now int64) {
	b.lastUpdated.Store(now)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
