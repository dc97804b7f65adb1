package query

import "strings"

func (True) String() string  { return ":true" }
func (False) String() string { return ":false" }

func (q And) String() string {
	return q.Left.String() + "," + q.Right.String() + ",:and"
}

func (q Or) String() string {
	return q.Left.String() + "," + q.Right.String() + ",:or"
}

func (q Not) String() string { return q.Q.String() + ",:not" }

func (q Has) String() string { return q.Key_ + ",:has" }

func (q Equal) String() string { return q.Key_ + "," + q.Value + ",:eq" }

func (q In) String() string {
	return q.Key_ + ",(," + strings.Join(q.Values, ",") + ",),:in"
}

func (q Rel) String() string { return q.Key_ + "," + q.Value + "," + q.Op.token() }

func (q Regex) String() string {
	if q.CaseInsensitive {
		return q.Key_ + "," + q.Pattern + ",:reic"
	}

	return q.Key_ + "," + q.Pattern + ",:re"
}
