package query

import "regexp"

func (True) Matches(map[string]string) bool  { return true }
func (False) Matches(map[string]string) bool { return false }

func (q And) Matches(tags map[string]string) bool {
	return q.Left.Matches(tags) && q.Right.Matches(tags)
}

func (q Or) Matches(tags map[string]string) bool {
	return q.Left.Matches(tags) || q.Right.Matches(tags)
}

func (q Not) Matches(tags map[string]string) bool { return !q.Q.Matches(tags) }

func (q Has) Matches(tags map[string]string) bool {
	_, ok := tags[q.Key_]
	return ok
}

func (q Equal) Matches(tags map[string]string) bool {
	v, ok := tags[q.Key_]
	return ok && v == q.Value
}

func (q In) Matches(tags map[string]string) bool {
	v, ok := tags[q.Key_]
	if !ok {
		return false
	}

	for _, want := range q.Values {
		if v == want {
			return true
		}
	}

	return false
}

func (q Rel) Matches(tags map[string]string) bool {
	v, ok := tags[q.Key_]
	if !ok {
		return false
	}

	switch q.Op {
	case LT:
		return v < q.Value
	case LE:
		return v <= q.Value
	case GT:
		return v > q.Value
	case GE:
		return v >= q.Value
	default:
		return false
	}
}

func (q Regex) Matches(tags map[string]string) bool {
	v, ok := tags[q.Key_]
	if !ok {
		return false
	}

	re, err := q.compiled()
	if err != nil {
		return false
	}

	return re.MatchString(v)
}

func (q Regex) compiled() (*regexp.Regexp, error) {
	pattern := q.Pattern
	if q.CaseInsensitive {
		pattern = "(?i)" + pattern
	}

	return regexp.Compile(pattern)
}

// LiteralPrefix returns the longest literal prefix of the pattern, used
// by QueryIndex to bucket regex leaves into its prefix tree.
func (q Regex) LiteralPrefix() string {
	re, err := q.compiled()
	if err != nil {
		return ""
	}

	prefix, _ := re.LiteralPrefix()

	return prefix
}
