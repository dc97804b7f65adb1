package schedule_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/schedule"
)

func TestRunOnceFiresExactlyOnce(t *testing.T) {
	t.Parallel()

	s := schedule.New(2, nil, nil)
	defer s.Stop()

	var calls atomic.Int32

	s.Schedule(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, schedule.RunOnce, time.Millisecond, 0, false)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFixedDelayRecurs(t *testing.T) {
	t.Parallel()

	s := schedule.New(2, nil, nil)
	defer s.Stop()

	var calls atomic.Int32

	h := s.Schedule(func(ctx context.Context) error {
		calls.Add(1)
		return nil
	}, schedule.FixedDelay, time.Millisecond, 5*time.Millisecond, false)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	h.Cancel(false)
}

func TestFixedRateSkipIfLongCountsSkips(t *testing.T) {
	t.Parallel()

	var skips atomic.Int32

	s := schedule.New(1, nil, func() { skips.Add(1) })
	defer s.Stop()

	var calls atomic.Int32

	s.Schedule(func(ctx context.Context) error {
		n := calls.Add(1)
		if n == 1 {
			time.Sleep(30 * time.Millisecond)
		}

		return nil
	}, schedule.FixedRateSkipIfLong, time.Millisecond, 5*time.Millisecond, false)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	assert.Positive(t, skips.Load())
}

func TestStopOnFailureCancelsHandle(t *testing.T) {
	t.Parallel()

	s := schedule.New(1, nil, nil)
	defer s.Stop()

	var calls atomic.Int32

	h := s.Schedule(func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}, schedule.FixedDelay, time.Millisecond, 5*time.Millisecond, true)

	require.Eventually(t, func() bool { return h.IsDone() }, time.Second, time.Millisecond)

	seen := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, calls.Load())
}

func TestCancelMayInterruptCancelsContext(t *testing.T) {
	t.Parallel()

	s := schedule.New(1, nil, nil)
	defer s.Stop()

	started := make(chan struct{})
	interrupted := make(chan error, 1)

	h := s.Schedule(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		interrupted <- ctx.Err()

		return nil
	}, schedule.RunOnce, time.Millisecond, 0, false)

	<-started
	h.Cancel(true)

	select {
	case err := <-interrupted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("task was not interrupted")
	}
}
