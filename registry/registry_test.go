package registry_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/internal/config"
	"github.com/stepmetrics/stepmetrics/registry"
)

func TestStartDeliversPublishedBatchesToServer(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := config.Config{
		Step:                   50 * time.Millisecond,
		LwcStep:                50 * time.Millisecond,
		MeterTTL:               time.Minute,
		Uri:                    srv.URL,
		BatchSize:              10000,
		NumThreads:             2,
		ConnectTimeout:         time.Second,
		ReadTimeout:            time.Second,
		Enabled:                true,
		LwcEnabled:             true,
		ValidTagCharacters:     "A-Za-z0-9._-",
		ConfigRefreshFrequency: time.Second,
		ConfigTTL:              150 * time.Second,
	}

	r, err := registry.New(cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	r.Counter("requests.total", map[string]string{"region": "us"}).Increment()

	r.Start()

	require.Eventually(t, func() bool { return requests.Load() > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, r.Shutdown(context.Background()))
}

func TestSnapshotReportsRegisteredMeters(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Step:                   time.Second,
		LwcStep:                time.Second,
		MeterTTL:               time.Minute,
		BatchSize:              10000,
		NumThreads:             1,
		ConnectTimeout:         time.Second,
		ReadTimeout:            time.Second,
		Enabled:                true,
		LwcEnabled:             true,
		ValidTagCharacters:     "A-Za-z0-9._-",
		ConfigRefreshFrequency: time.Second,
		ConfigTTL:              150 * time.Second,
	}

	r, err := registry.New(cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	r.Counter("requests.total", nil)
	r.Gauge("queue.depth", nil)

	snapshot := r.Snapshot()
	assert.Len(t, snapshot, 2)
}

func TestSubscriptionsEmptyWithoutConfigUri(t *testing.T) {
	t.Parallel()

	cfg := config.Config{
		Step:                   time.Second,
		LwcStep:                time.Second,
		MeterTTL:               time.Minute,
		BatchSize:              10000,
		NumThreads:             1,
		ConnectTimeout:         time.Second,
		ReadTimeout:            time.Second,
		Enabled:                true,
		LwcEnabled:             true,
		ValidTagCharacters:     "A-Za-z0-9._-",
		ConfigRefreshFrequency: time.Second,
		ConfigTTL:              150 * time.Second,
	}

	r, err := registry.New(cfg, nil, nil, nil, nil)
	require.NoError(t, err)

	assert.Empty(t, r.Subscriptions())
}
