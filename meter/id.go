// Package meter implements the step-aligned meter layer: the Id/Tag
// identity model, rotating step cells, and the five meter types
// (Counter, DistributionSummary, Timer, Gauge, MaxGauge) that accumulate
// user values into fixed time windows.
package meter

import (
	"sort"
	"strings"
)

// NameKey is the reserved tag key that always sorts first within an Id.
const NameKey = "name"

// Tag is a single (key, value) pair of an Id.
type Tag struct {
	Key   string
	Value string
}

// Id is an immutable dimensional identity: a name plus an ordered,
// key-unique sequence of tags. Keys are kept sorted (name first) so
// callers can linearly merge an Id's tags against a sorted query path.
type Id struct {
	name string
	tags []Tag
}

// NewId creates an Id from a name and an unordered tag map. Keys are
// deduplicated (last write wins) and sorted.
func NewId(name string, tags map[string]string) Id {
	list := make([]Tag, 0, len(tags))
	for k, v := range tags {
		if k == NameKey {
			continue
		}
		list = append(list, Tag{Key: k, Value: v})
	}

	sortTags(list)

	return Id{name: name, tags: list}
}

func sortTags(tags []Tag) {
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
}

// Name returns the Id's name, i.e. the value of the implicit "name" tag.
func (id Id) Name() string { return id.name }

// Tags returns the Id's tags in sorted key order, excluding "name".
func (id Id) Tags() []Tag {
	out := make([]Tag, len(id.tags))
	copy(out, id.tags)

	return out
}

// TagMap returns the Id's tags (including "name") as a plain map, for
// handing off to a Query or a publish payload.
func (id Id) TagMap() map[string]string {
	m := make(map[string]string, len(id.tags)+1)
	m[NameKey] = id.name

	for _, t := range id.tags {
		m[t.Key] = t.Value
	}

	return m
}

// WithTag returns a new Id with the given tag set, replacing any existing
// value for the same key. Setting NameKey rewrites the name.
func (id Id) WithTag(key, value string) Id {
	if key == NameKey {
		return Id{name: value, tags: id.Tags()}
	}

	tags := id.Tags()
	for i := range tags {
		if tags[i].Key == key {
			tags[i].Value = value

			return Id{name: id.name, tags: tags}
		}
	}

	tags = append(tags, Tag{Key: key, Value: value})
	sortTags(tags)

	return Id{name: id.name, tags: tags}
}

// WithTags returns a new Id with every (key, value) in tags applied via
// WithTag, in map iteration order (keys are unique so order is immaterial
// to the result).
func (id Id) WithTags(tags map[string]string) Id {
	out := id
	for k, v := range tags {
		out = out.WithTag(k, v)
	}

	return out
}

// FilterByKey returns a new Id keeping only tags whose key satisfies
// keep. NameKey is always kept.
func (id Id) FilterByKey(keep func(key string) bool) Id {
	tags := make([]Tag, 0, len(id.tags))

	for _, t := range id.tags {
		if keep(t.Key) {
			tags = append(tags, t)
		}
	}

	return Id{name: id.name, tags: tags}
}

// Equal reports whether two Ids have the same name and the same tag set.
func (id Id) Equal(other Id) bool {
	if id.name != other.name || len(id.tags) != len(other.tags) {
		return false
	}

	for i := range id.tags {
		if id.tags[i] != other.tags[i] {
			return false
		}
	}

	return true
}

// Key returns a canonical string suitable for use as a map key, e.g. for
// caching meters by Id.
func (id Id) Key() string {
	var b strings.Builder

	b.WriteString(id.name)

	for _, t := range id.tags {
		b.WriteByte('\x00')
		b.WriteString(t.Key)
		b.WriteByte('=')
		b.WriteString(t.Value)
	}

	return b.String()
}

func (id Id) String() string {
	return id.Key()
}
