package bloom_test

import (
	"testing"

	"github.com/stepmetrics/stepmetrics/pkg/alg/bloom"
)

const (
	benchUniverse = uint(1_000_000)
	benchFP       = 0.01
	benchBulkSize = 100
	benchBigN     = uint(10_000_000)
	benchLookupN  = 100_000
)

func newBenchFilter(b *testing.B) *bloom.Filter {
	b.Helper()

	f, err := bloom.NewWithEstimates(benchUniverse, benchFP)
	if err != nil {
		b.Fatal(err)
	}

	return f
}

func preloadFilter(b *testing.B, f *bloom.Filter, count int) {
	b.Helper()

	for i := range count {
		f.Add(uintKey(uint64(i)))
	}
}

func BenchmarkFilterAdd(b *testing.B) {
	f := newBenchFilter(b)

	b.ResetTimer()

	for i := range b.N {
		f.Add(uintKey(uint64(i)))
	}
}

func BenchmarkFilterTestHit(b *testing.B) {
	f := newBenchFilter(b)
	preloadFilter(b, f, benchLookupN)

	b.ResetTimer()

	for i := range b.N {
		f.Test(uintKey(uint64(i % benchLookupN)))
	}
}

func BenchmarkFilterTestMiss(b *testing.B) {
	f := newBenchFilter(b)
	preloadFilter(b, f, benchLookupN)

	offset := uint64(benchLookupN * 10)

	b.ResetTimer()

	for i := range b.N {
		f.Test(uintKey(offset + uint64(i)))
	}
}

func BenchmarkFilterTestAndAdd(b *testing.B) {
	f := newBenchFilter(b)

	b.ResetTimer()

	for i := range b.N {
		f.TestAndAdd(uintKey(uint64(i)))
	}
}

func BenchmarkFilterAddBulk(b *testing.B) {
	f := newBenchFilter(b)

	items := make([][]byte, benchBulkSize)
	for i := range items {
		items[i] = uintKey(uint64(i))
	}

	b.ResetTimer()

	for range b.N {
		f.AddBulk(items)
	}
}

func BenchmarkFilterTestBulk(b *testing.B) {
	f := newBenchFilter(b)
	preloadFilter(b, f, benchLookupN)

	items := make([][]byte, benchBulkSize)
	for i := range items {
		items[i] = uintKey(uint64(i))
	}

	b.ResetTimer()

	for range b.N {
		f.TestBulk(items)
	}
}

// BenchmarkPlainMapAdd is the baseline map[string]bool insertion cost,
// for comparing against BenchmarkFilterAdd.
func BenchmarkPlainMapAdd(b *testing.B) {
	m := make(map[string]bool, benchUniverse)

	b.ResetTimer()

	for i := range b.N {
		m[string(uintKey(uint64(i)))] = true
	}
}

// BenchmarkPlainMapTest is the baseline map[string]bool lookup cost,
// for comparing against BenchmarkFilterTestHit.
func BenchmarkPlainMapTest(b *testing.B) {
	m := make(map[string]bool, benchLookupN)

	for i := range benchLookupN {
		m[string(uintKey(uint64(i)))] = true
	}

	b.ResetTimer()

	for i := range b.N {
		_ = m[string(uintKey(uint64(i%benchLookupN)))]
	}
}

func BenchmarkFilterConstructionAt10M(b *testing.B) {
	b.ReportAllocs()

	for range b.N {
		f, err := bloom.NewWithEstimates(benchBigN, benchFP)
		if err != nil {
			b.Fatal(err)
		}

		if f.BitCount() == 0 {
			b.Fatal("unexpected zero bit count")
		}
	}
}
