package query

// DnfList expands q into disjunctive normal form: a list of disjuncts,
// each of which is a (possibly nested) And of leaf KeyQueries with all
// Not pushed down to the leaves via De Morgan's laws. QueryIndex builds
// one index entry per disjunct.

func (q True) DnfList() []Query  { return []Query{q} }
func (q False) DnfList() []Query { return []Query{q} }
func (q Has) DnfList() []Query   { return []Query{q} }
func (q Equal) DnfList() []Query { return []Query{q} }
func (q In) DnfList() []Query    { return []Query{q} }
func (q Rel) DnfList() []Query   { return []Query{q} }
func (q Regex) DnfList() []Query { return []Query{q} }

func (q Or) DnfList() []Query {
	return append(q.Left.DnfList(), q.Right.DnfList()...)
}

func (q And) DnfList() []Query {
	lefts := q.Left.DnfList()
	rights := q.Right.DnfList()

	out := make([]Query, 0, len(lefts)*len(rights))
	for _, l := range lefts {
		for _, r := range rights {
			out = append(out, And{l, r})
		}
	}

	return out
}

func (q Not) DnfList() []Query {
	switch inner := q.Q.(type) {
	case True:
		return []Query{False{}}
	case False:
		return []Query{True{}}
	case Not:
		return inner.Q.DnfList()
	case And:
		return Or{Not{inner.Left}, Not{inner.Right}}.DnfList()
	case Or:
		return And{Not{inner.Left}, Not{inner.Right}}.DnfList()
	default:
		// Not over a leaf KeyQuery stays as is: it is itself usable as a
		// leaf (e.g. QueryIndex's "missing key" / negated-equal checks).
		return []Query{q}
	}
}

// AndList flattens one top-level conjunction into its conjuncts. Any
// non-And query is returned as a single-element list.

func (q True) AndList() []Query  { return []Query{q} }
func (q False) AndList() []Query { return []Query{q} }
func (q Or) AndList() []Query    { return []Query{q} }
func (q Not) AndList() []Query   { return []Query{q} }
func (q Has) AndList() []Query   { return []Query{q} }
func (q Equal) AndList() []Query { return []Query{q} }
func (q In) AndList() []Query    { return []Query{q} }
func (q Rel) AndList() []Query   { return []Query{q} }
func (q Regex) AndList() []Query { return []Query{q} }

func (q And) AndList() []Query {
	return append(q.Left.AndList(), q.Right.AndList()...)
}
