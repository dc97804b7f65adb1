package registry

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/evaluate"
	"github.com/stepmetrics/stepmetrics/internal/config"
	"github.com/stepmetrics/stepmetrics/meter"
)

func testConfig() config.Config {
	return config.Config{
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
}

func TestGetOrCreateReturnsSameMeterForSameId(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))

	r, err := New(testConfig(), nil, clock, nil, nil)
	require.NoError(t, err)

	a := r.Counter("requests", map[string]string{"region": "us"})
	b := r.Counter("requests", map[string]string{"region": "us"})

	assert.Same(t, a, b)
}

func TestPollMetersConsolidatesCounterIntoAtlasMeasurements(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))

	cfg := testConfig()
	cfg.Step = time.Second
	cfg.LwcStep = time.Second

	r, err := New(cfg, nil, clock, nil, nil)
	require.NoError(t, err)

	c := r.Counter("requests", map[string]string{"region": "us"})
	c.Increment()

	clock.Advance(time.Second)
	r.pollMeters(clock.NowMillis())

	assert.Len(t, r.atlasMeasurements, 1)
}

func TestGetBatchesForcesCompletionAndDropsEmpty(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))

	cfg := testConfig()
	cfg.Step = time.Second
	cfg.LwcStep = time.Second

	r, err := New(cfg, nil, clock, nil, nil)
	require.NoError(t, err)

	c := r.Counter("requests", nil)
	c.Increment()

	clock.Advance(time.Second)
	t1 := clock.NowMillis()
	r.pollMeters(t1)

	batches := r.getBatches(t1)

	require.Len(t, batches, 1)
	require.Len(t, batches[0].Measurements, 1)
	assert.Equal(t, "requests", batches[0].Measurements[0].ID.Name())

	// A second call with nothing new recorded finds every consolidator
	// empty and drops it.
	clock.Advance(time.Second)
	assert.Empty(t, r.getBatches(clock.NowMillis()))
}

func TestMarshalPublishBatchDefaultsDsTypeAndSanitizesTags(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))

	cfg := testConfig()
	cfg.ValidTagCharacters = "A-Za-z0-9_"

	r, err := New(cfg, nil, clock, nil, nil)
	require.NoError(t, err)

	id := meter.NewId("requests", map[string]string{"region": "us-east.1"})

	body, err := r.marshalPublishBatch(Batch{
		CommonTags:   map[string]string{"app": "demo"},
		Measurements: []meter.Measurement{{ID: id, Timestamp: 1000, Value: 4.0}},
	})
	require.NoError(t, err)

	var decoded wirePublishPayload
	require.NoError(t, json.Unmarshal(body, &decoded))

	assert.Equal(t, "demo", decoded.Tags["app"])
	require.Len(t, decoded.Metrics, 1)
	assert.Equal(t, "gauge", decoded.Metrics[0].Tags[meter.TagDsType])
	assert.Equal(t, "us_east_1", decoded.Metrics[0].Tags["region"])
}

func TestBuildEvalBatchesSlicesByBatchSize(t *testing.T) {
	t.Parallel()

	results := make([]evaluate.EvalResult, 5)
	for i := range results {
		results[i] = evaluate.EvalResult{SubscriptionID: "sub", Timestamp: 1000, Value: float64(i)}
	}

	batches, err := buildEvalBatches(1000, results, 2)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, 2, batches[0].Count)
	assert.Equal(t, 2, batches[1].Count)
	assert.Equal(t, 1, batches[2].Count)
}

func TestRemoveExpiredMetersDropsIdleMeters(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))

	cfg := testConfig()
	cfg.MeterTTL = 500 * time.Millisecond

	r, err := New(cfg, nil, clock, nil, nil)
	require.NoError(t, err)

	r.Counter("requests", nil)

	clock.Advance(time.Second)
	r.removeExpiredMeters(clock.NowMillis())

	assert.Empty(t, r.Snapshot())
}

func TestRecordForPublishAbsorbsNaNAtSameBoundary(t *testing.T) {
	t.Parallel()

	clock := meter.NewManualClock(time.UnixMilli(0))

	r, err := New(testConfig(), nil, clock, nil, nil)
	require.NoError(t, err)

	id := meter.NewId("requests", nil)
	r.recordForPublish(meter.Measurement{ID: id, Timestamp: 1000, Value: 3.0})

	r.consolMu.Lock()
	entry := r.atlasMeasurements[id.Key()]
	r.consolMu.Unlock()

	require.NotNil(t, entry)
	assert.Equal(t, 3.0, entry.c.Value(1000))

	entry.c.Update(1000, math.NaN())
	assert.Equal(t, 3.0, entry.c.Value(1000))
}
