package queryindex

import (
	"github.com/stepmetrics/stepmetrics/query"
)

// composite merges two or more leaves that constrain the same tag key
// into a single AND-ed leaf, so the trie only ever holds one child slot
// per (key, leaf) pair instead of fanning out per original leaf.
type composite struct {
	key    string
	leaves []query.KeyQuery
}

func mergeLeaf(a, b query.KeyQuery) query.KeyQuery {
	leaves := flattenLeaf(a)
	leaves = append(leaves, flattenLeaf(b)...)

	return composite{key: a.Key(), leaves: leaves}
}

func flattenLeaf(q query.KeyQuery) []query.KeyQuery {
	if c, ok := q.(composite); ok {
		return append([]query.KeyQuery(nil), c.leaves...)
	}

	return []query.KeyQuery{q}
}

func (c composite) Key() string { return c.key }

func (c composite) Matches(tags map[string]string) bool {
	for _, l := range c.leaves {
		if !l.Matches(tags) {
			return false
		}
	}

	return true
}

func (c composite) Simplify(common map[string]string) query.Query {
	kept := make([]query.KeyQuery, 0, len(c.leaves))

	for _, l := range c.leaves {
		switch simplified := l.Simplify(common).(type) {
		case query.False:
			return query.False{}
		case query.True:
			continue
		default:
			if kq, ok := simplified.(query.KeyQuery); ok {
				kept = append(kept, kq)
			}
		}
	}

	switch len(kept) {
	case 0:
		return query.True{}
	case 1:
		return kept[0]
	default:
		return composite{key: c.key, leaves: kept}
	}
}

func (c composite) DnfList() []query.Query { return []query.Query{c} }

func (c composite) AndList() []query.Query {
	out := make([]query.Query, len(c.leaves))
	for i, l := range c.leaves {
		out[i] = l
	}

	return out
}

func (c composite) String() string {
	parts := make([]string, len(c.leaves))
	for i, l := range c.leaves {
		parts[i] = l.String()
	}

	s := parts[0]
	for _, p := range parts[1:] {
		s += "," + p + ",:and"
	}

	return s
}

var _ query.KeyQuery = composite{}

// literalPrefixOf returns the constant prefix a leaf's value must share
// to have any chance of matching, used to bucket otherChecks leaves
// into the prefix tree. Only Regex leaves (and composites containing at
// least one, which use the longest of their Regex leaves' prefixes)
// carry a useful prefix; everything else buckets under "", which the
// prefix tree always visits.
func literalPrefixOf(q query.KeyQuery) string {
	switch v := q.(type) {
	case query.Regex:
		return v.LiteralPrefix()
	case composite:
		var longest string
		for _, l := range v.leaves {
			if re, ok := l.(query.Regex); ok {
				p := re.LiteralPrefix()
				if len(p) > len(longest) {
					longest = p
				}
			}
		}

		return longest
	default:
		return ""
	}
}
