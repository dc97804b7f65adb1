// Package xxhash provides the tag-value hashing used for the
// atlas.aggr grouping tag (spec.md §4.6's delay-gauge-aggregation path)
// and for otherChecks cache keys where a stable, fast hash of a tag
// value is preferable to the raw string.
package xxhash

import (
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Sum64String returns the 64-bit xxhash of s.
func Sum64String(s string) uint64 {
	return xxhash.Sum64String(s)
}

// HashTag returns a stable hex digest of an id's tag map, suitable for
// use as the value of a synthetic atlas.aggr tag. Every key and value
// of the map takes part in the digest: equal maps hash identically,
// and maps that differ in any tag, grouped or not, hash differently.
func HashTag(tags map[string]string) string {
	d := xxhash.New()

	for _, k := range sortedKeys(tags) {
		_, _ = d.WriteString(k)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(tags[k])
		_, _ = d.WriteString("\x00")
	}

	return strconv.FormatUint(d.Sum64(), 16)
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
