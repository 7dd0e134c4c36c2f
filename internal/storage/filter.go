package storage

import (
	"fmt"
	"strings"
	"time"
)

// Filter builds a WHERE clause with positional arguments. Column names always come from code,
// values always travel as arguments.
type Filter struct {
	conds []string
	args  []any
}

// NewFilter starts an empty filter.
func NewFilter() *Filter {
	return &Filter{}
}

// Arg appends a value and returns its placeholder. Use it for LIMIT and SET values that share
// the filter's argument list.
func (f *Filter) Arg(v any) string {
	f.args = append(f.args, v)
	return fmt.Sprintf("$%d", len(f.args))
}

func (f *Filter) add(format string, v any) *Filter {
	f.conds = append(f.conds, fmt.Sprintf(format, f.Arg(v)))
	return f
}

func (f *Filter) Eq(col string, v any) *Filter {
	return f.add(col+" = %s", v)
}

func (f *Filter) NotEq(col string, v any) *Filter {
	return f.add(col+" <> %s", v)
}

// In matches col against any element of a slice argument.
func (f *Filter) In(col string, values any) *Filter {
	return f.add(col+" = ANY(%s)", values)
}

// NotIn excludes every element of a slice argument.
func (f *Filter) NotIn(col string, values any) *Filter {
	return f.add("NOT ("+col+" = ANY(%s))", values)
}

func (f *Filter) Before(col string, t time.Time) *Filter {
	return f.add(col+" < %s", t)
}

func (f *Filter) AtOrBefore(col string, t time.Time) *Filter {
	return f.add(col+" <= %s", t)
}

func (f *Filter) After(col string, t time.Time) *Filter {
	return f.add(col+" > %s", t)
}

// JSONEq compares a top-level text field of a JSONB column.
func (f *Filter) JSONEq(col, field string, v string) *Filter {
	f.conds = append(f.conds, fmt.Sprintf("%s->>'%s' = %s", col, field, f.Arg(v)))
	return f
}

func (f *Filter) IsTrue(col string) *Filter {
	f.conds = append(f.conds, col)
	return f
}

func (f *Filter) IsFalse(col string) *Filter {
	f.conds = append(f.conds, "NOT "+col)
	return f
}

// Where renders the conditions joined with AND, or an empty string.
func (f *Filter) Where() string {
	if len(f.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.conds, " AND ")
}

// Args returns the positional arguments in placeholder order.
func (f *Filter) Args() []any {
	return f.args
}
