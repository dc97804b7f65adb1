package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampRestrictsToRange(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		val, lo, hi float64
		want        float64
	}{
		{"inside_range", 5.0, 0.0, 10.0, 5.0},
		{"below_floor", -1.0, 0.0, 10.0, 0.0},
		{"above_ceiling", 15.0, 0.0, 10.0, 10.0},
		{"at_floor", 0.0, 0.0, 10.0, 0.0},
		{"at_ceiling", 10.0, 0.0, 10.0, 10.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.InDelta(t, tc.want, Clamp(tc.val, tc.lo, tc.hi), 0.0001)
		})
	}
}

func TestClampOnIntegers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 10, Clamp(15, 0, 10))
}

func TestMinOfFloatSamples(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0, Min([]float64{}), 0.0001)
	assert.InDelta(t, 7.0, Min([]float64{7.0}), 0.0001)
	assert.InDelta(t, 1.0, Min([]float64{3.0, 1.0, 4.0, 1.5, 9.0}), 0.0001)
}

func TestMaxOfFloatSamples(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0, Max([]float64{}), 0.0001)
	assert.InDelta(t, 9.0, Max([]float64{3.0, 1.0, 9.0, 4.0}), 0.0001)
}

func TestSumAcrossNumericTypes(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 0, Sum([]float64{}), 0.0001)
	assert.InDelta(t, 6.0, Sum([]float64{1.0, 2.0, 3.0}), 0.0001)
	assert.Equal(t, 10, Sum([]int{1, 2, 3, 4}))
}

func TestMinMaxOnIntegerCounters(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1, Min([]int{3, 1, 4, 1, 5}))
	assert.Equal(t, 5, Max([]int{3, 1, 4, 1, 5}))
}

func durationSequenceMs(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}

	return out
}

func TestPercentileInterpolatesBetweenRanks(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input []float64
		p     float64
		want  float64
	}{
		{"empty_input", nil, PercentileMedian, 0},
		{"single_sample", []float64{7.0}, PercentileMedian, 7.0},
		{"median_odd_count", []float64{3.0, 1.0, 2.0}, PercentileMedian, 2.0},
		{"median_even_count", []float64{1.0, 2.0, 3.0, 4.0}, PercentileMedian, 2.5},
		{"p95_of_100_latencies", durationSequenceMs(100), PercentileP95, 95.05},
		{"p0_is_minimum", []float64{5.0, 1.0, 9.0}, 0, 1.0},
		{"p100_is_maximum", []float64{5.0, 1.0, 9.0}, 1.0, 9.0},
		{"unsorted_input_still_works", []float64{9.0, 1.0, 5.0, 3.0, 7.0}, PercentileMedian, 5.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.InDelta(t, tc.want, Percentile(tc.input, tc.p), 0.1)
		})
	}
}

func TestMedianIsPercentileAtFiftyPercent(t *testing.T) {
	t.Parallel()

	assert.InDelta(t, 2.0, Median([]float64{3.0, 1.0, 2.0}), 0.0001)
}

func TestMeanStdDevOverSampleSet(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		input      []float64
		wantMean   float64
		wantStdDev float64
	}{
		{"empty_yields_zeros", nil, 0, 0},
		{"single_sample_has_no_spread", []float64{5.0}, 5.0, 0},
		{"identical_samples_have_no_spread", []float64{3.0, 3.0, 3.0}, 3.0, 0},
		{"known_population_stddev", []float64{2.0, 4.0, 4.0, 4.0, 5.0, 5.0, 7.0, 9.0}, 5.0, 2.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			mean, stddev := MeanStdDev(tc.input)
			assert.InDelta(t, tc.wantMean, mean, 0.0001)
			assert.InDelta(t, tc.wantStdDev, stddev, 0.0001)
		})
	}
}

func TestMeanOverSampleSet(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input []float64
		want  float64
	}{
		{"empty", nil, 0},
		{"single_sample", []float64{5.0}, 5.0},
		{"two_samples", []float64{2.0, 4.0}, 3.0},
		{"five_samples", []float64{1.0, 2.0, 3.0, 4.0, 5.0}, 3.0},
		{"negative_samples", []float64{-2.0, -4.0}, -3.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.InDelta(t, tc.want, Mean(tc.input), 0.0001)
		})
	}
}
