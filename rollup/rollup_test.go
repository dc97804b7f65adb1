package rollup_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepmetrics/stepmetrics/meter"
	"github.com/stepmetrics/stepmetrics/query"
	"github.com/stepmetrics/stepmetrics/rollup"
)

func mustParse(t *testing.T, expr string) query.Query {
	t.Helper()

	q, err := query.Parse(expr)
	require.NoError(t, err)

	return q
}

func TestApplyNoRulesIsNoOp(t *testing.T) {
	t.Parallel()

	p := rollup.New(nil, nil)

	ms := []meter.Measurement{
		{ID: meter.NewId("requests", map[string]string{"statistic": "count"}), Timestamp: 1000, Value: 1},
	}

	results := p.Apply(map[string]string{"app": "foo"}, ms)

	require.Len(t, results, 1)
	assert.Equal(t, "foo", results[0].CommonTags["app"])
	assert.Len(t, results[0].Measurements, 1)
}

func TestApplyDropsMatchingMeasurements(t *testing.T) {
	t.Parallel()

	p := rollup.New([]rollup.Rule{
		{Query: mustParse(t, "name,debug,:starts"), Disposition: rollup.Drop},
	}, nil)

	ms := []meter.Measurement{
		{ID: meter.NewId("debug.internal", map[string]string{"statistic": "count"}), Timestamp: 1000, Value: 1},
		{ID: meter.NewId("requests", map[string]string{"statistic": "count"}), Timestamp: 1000, Value: 2},
	}

	results := p.Apply(nil, ms)

	require.Len(t, results, 1)
	require.Len(t, results[0].Measurements, 1)
	assert.Equal(t, "requests", results[0].Measurements[0].ID.Name())
}

func TestApplyMergesAfterRemovingDimension(t *testing.T) {
	t.Parallel()

	p := rollup.New([]rollup.Rule{
		{
			Query:       mustParse(t, "name,requests,:eq"),
			Dimensions:  []string{"node"},
			Disposition: rollup.Rollup,
		},
	}, nil)

	ms := []meter.Measurement{
		{ID: meter.NewId("requests", map[string]string{"statistic": "count", "node": "i-1"}), Timestamp: 1000, Value: 3},
		{ID: meter.NewId("requests", map[string]string{"statistic": "count", "node": "i-2"}), Timestamp: 1000, Value: 4},
	}

	results := p.Apply(nil, ms)

	require.Len(t, results, 1)
	require.Len(t, results[0].Measurements, 1)
	assert.InDelta(t, 7.0, results[0].Measurements[0].Value, 1e-9)
	assert.Equal(t, "", results[0].Measurements[0].ID.TagMap()["node"])
}

func TestApplyMaxMergeForNonSumStatistic(t *testing.T) {
	t.Parallel()

	p := rollup.New([]rollup.Rule{
		{
			Query:       mustParse(t, "name,cpu,:eq"),
			Dimensions:  []string{"node"},
			Disposition: rollup.Rollup,
		},
	}, nil)

	ms := []meter.Measurement{
		{ID: meter.NewId("cpu", map[string]string{"statistic": "max", "node": "i-1"}), Timestamp: 1000, Value: 5},
		{ID: meter.NewId("cpu", map[string]string{"statistic": "max", "node": "i-2"}), Timestamp: 1000, Value: 9},
	}

	results := p.Apply(nil, ms)

	require.Len(t, results, 1)
	require.Len(t, results[0].Measurements, 1)
	assert.InDelta(t, 9.0, results[0].Measurements[0].Value, 1e-9)
}

func TestApplyRemovesCommonDimensionAndSplitsGroups(t *testing.T) {
	t.Parallel()

	p := rollup.New([]rollup.Rule{
		{
			Query:       mustParse(t, "name,requests,:eq"),
			Dimensions:  []string{"region"},
			Disposition: rollup.Rollup,
		},
	}, map[string]string{"region": "us-east", "app": "foo"})

	ms := []meter.Measurement{
		{ID: meter.NewId("requests", map[string]string{"statistic": "count"}), Timestamp: 1000, Value: 1},
	}

	results := p.Apply(map[string]string{"region": "us-east", "app": "foo"}, ms)

	require.Len(t, results, 1)
	_, hasRegion := results[0].CommonTags["region"]
	assert.False(t, hasRegion)
	assert.Equal(t, "foo", results[0].CommonTags["app"])
}
