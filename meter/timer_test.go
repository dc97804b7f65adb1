package meter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/meter"
)

// TestTimerSquares records 100ms and 200ms in one step and checks
// totalOfSquares and max on emit.
func TestTimerSquares(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(10000))
	timer := meter.NewTimer(meter.NewId("latency", nil), clock, time.Minute, 1000)

	timer.Record(100 * time.Millisecond)
	timer.Record(200 * time.Millisecond)

	clock.SetMillis(11000)

	sink := &recordingSink{}
	timer.Measure(11000, sink)

	sq, ok := sink.find("totalOfSquares")
	require.True(t, ok)

	ns1, ns2 := float64(100*time.Millisecond), float64(200*time.Millisecond)
	wantSq := (ns1*ns1 + ns2*ns2) * 1e-18 / 1.0
	assert.InDelta(t, wantSq, sq.Value, 1e-9)

	mx, ok := sink.find("max")
	require.True(t, ok)
	assert.InDelta(t, float64(200*time.Millisecond)*1e-9, mx.Value, 1e-9)
}

func TestDistributionSummaryCountAlwaysIncrements(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))
	ds := meter.NewDistributionSummary(meter.NewId("size", nil), clock, time.Minute, 1000)

	ds.Record(0)
	ds.Record(-5)
	ds.Record(10)

	clock.SetMillis(1000)

	sink := &recordingSink{}
	ds.Measure(1000, sink)

	count, ok := sink.find("count")
	require.True(t, ok)
	assert.InDelta(t, 3.0, count.Value, 1e-9)

	amt, ok := sink.find("totalAmount")
	require.True(t, ok)
	assert.InDelta(t, 10.0, amt.Value, 1e-9)
}
