package client

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Op is a filter operator.
type Op string

const (
	OpEq    Op = "eq"
	OpILike Op = "ilike"
	OpIn    Op = "in"
)

// Filter is a single column predicate. For OpILike, Value is a SQL LIKE
// pattern using %; for OpIn it is a []string.
type Filter struct {
	Column string
	Op     Op
	Value  any
}

// Query selects rows of Table matching all Filters and, when Or is set, at
// least one of the Or filters.
type Query struct {
	Table   string
	Filters []Filter
	Or      []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// From starts a query on table.
func From(table string) Query { return Query{Table: table} }

func (q Query) Eq(col string, v any) Query {
	q.Filters = append(q.Filters, Filter{Column: col, Op: OpEq, Value: v})
	return q
}

func (q Query) ILike(col, pattern string) Query {
	q.Filters = append(q.Filters, Filter{Column: col, Op: OpILike, Value: pattern})
	return q
}

func (q Query) In(col string, vs []string) Query {
	q.Filters = append(q.Filters, Filter{Column: col, Op: OpIn, Value: vs})
	return q
}

// AnyOf sets the or-group.
func (q Query) AnyOf(fs ...Filter) Query {
	q.Or = fs
	return q
}

func (q Query) Order(col string, desc bool) Query {
	q.OrderBy, q.Desc = col, desc
	return q
}

func (q Query) Take(n int) Query {
	q.Limit = n
	return q
}

// Values encodes q as PostgREST query parameters.
func (q Query) Values() url.Values {
	v := url.Values{}
	v.Set("select", "*")
	for _, f := range q.Filters {
		v.Add(f.Column, f.restExpr(false))
	}
	if len(q.Or) > 0 {
		parts := make([]string, 0, len(q.Or))
		for _, f := range q.Or {
			parts = append(parts, f.Column+"."+f.restExpr(true))
		}
		v.Set("or", "("+strings.Join(parts, ",")+")")
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		v.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

// restExpr renders "op.value". Inside or-groups and in-lists values are
// quoted when they contain reserved characters.
func (f Filter) restExpr(nested bool) string {
	switch f.Op {
	case OpILike:
		return string(f.Op) + "." + strings.ReplaceAll(fmt.Sprint(f.Value), "%", "*")
	case OpIn:
		vs, _ := f.Value.([]string)
		quoted := make([]string, len(vs))
		for i, s := range vs {
			quoted[i] = restValue(s)
		}
		return string(f.Op) + ".(" + strings.Join(quoted, ",") + ")"
	default:
		v := fmt.Sprint(f.Value)
		if nested {
			v = restValue(v)
		}
		return string(f.Op) + "." + v
	}
}

// restValue double-quotes values containing PostgREST reserved characters.
func restValue(s string) string {
	if !strings.ContainsAny(s, ",.:()\" ") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
