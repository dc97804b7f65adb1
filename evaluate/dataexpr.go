// Package evaluate implements streaming subscription evaluation: parsing
// a data expression (a query plus an aggregation function and optional
// group-by/rollup disposition), and the Evaluator that keeps one
// consolidator per (subscription, id) pair and periodically aggregates
// them into an eval payload.
package evaluate

import (
	"github.com/stepmetrics/stepmetrics/query"
)

// AggregateFunc names the data-expression aggregation applied across
// every id a subscription's query matches.
type AggregateFunc string

// The aggregate functions the data-expression language supports.
const (
	FuncAll   AggregateFunc = "all"
	FuncSum   AggregateFunc = "sum"
	FuncMin   AggregateFunc = "min"
	FuncMax   AggregateFunc = "max"
	FuncCount AggregateFunc = "count"
)

// RollupDisposition marks whether a data expression's result should be
// kept or dropped by a rollup policy evaluating it as a rule.
type RollupDisposition int

// The two rollup dispositions a data expression can carry.
const (
	RollupNone RollupDisposition = iota
	RollupDrop
	RollupKeep
)

// DataExpr is a query plus the aggregation applied to everything it
// matches: the unit the evaluator subscribes to and the subject of
// rollup rules.
type DataExpr struct {
	Query       query.Query
	Func        AggregateFunc
	GroupBy     []string
	Disposition RollupDisposition
}

// ParseDataExpr parses a postfix data-expression string. It extends
// query.ProcessToken's boolean-query vocabulary with the aggregate and
// rollup operators (:all, :sum, :min, :max, :count, :by, :rollup-drop,
// :rollup-keep) by trying the boolean vocabulary first and falling back
// to its own operator set on anything query.ProcessToken doesn't
// recognize.
func ParseDataExpr(expr string) (DataExpr, error) {
	s := query.NewStack()

	for _, tok := range query.Tokenize(expr) {
		recognized, err := query.ProcessToken(s, tok)
		if err != nil {
			return DataExpr{}, err
		}

		if recognized {
			continue
		}

		recognized, err = applyDataOperator(s, tok)
		if err != nil {
			return DataExpr{}, err
		}

		if !recognized {
			return DataExpr{}, query.ErrUnknownWord
		}
	}

	if s.Len() != 1 {
		return DataExpr{}, query.ErrResidualStack
	}

	v, ok := s.Pop()
	if !ok {
		return DataExpr{}, query.ErrResidualStack
	}

	de, ok := v.(DataExpr)
	if !ok {
		return DataExpr{}, query.ErrTypeMismatch
	}

	return de, nil
}

func applyDataOperator(s *query.Stack, tok string) (bool, error) {
	switch tok {
	case ":all", ":sum", ":min", ":max", ":count":
		q, err := s.PopQuery()
		if err != nil {
			return true, err
		}

		s.Push(DataExpr{Query: q, Func: AggregateFunc(tok[1:])})
	case ":by":
		keys, err := s.PopStrings()
		if err != nil {
			return true, err
		}

		de, err := popDataExpr(s)
		if err != nil {
			return true, err
		}

		de.GroupBy = keys
		s.Push(de)
	case ":rollup-drop":
		de, err := popDataExpr(s)
		if err != nil {
			return true, err
		}

		de.Disposition = RollupDrop
		s.Push(de)
	case ":rollup-keep":
		de, err := popDataExpr(s)
		if err != nil {
			return true, err
		}

		de.Disposition = RollupKeep
		s.Push(de)
	default:
		return false, nil
	}

	return true, nil
}

func popDataExpr(s *query.Stack) (DataExpr, error) {
	v, ok := s.Pop()
	if !ok {
		return DataExpr{}, query.ErrStackUnderflow
	}

	de, ok := v.(DataExpr)
	if !ok {
		return DataExpr{}, query.ErrTypeMismatch
	}

	return de, nil
}
