// Package filter parses and evaluates row filter expressions of the form
// "column=op.value", e.g. "chat_id=eq.42" or "status=in.(online,away)".
package filter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/brianly1003/rtmux/internal/domain"
	"github.com/brianly1003/rtmux/internal/domain/events"
)

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpIn  Op = "in"
	OpIs  Op = "is"
)

var validOps = map[Op]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true,
	OpGt: true, OpGte: true, OpIn: true, OpIs: true,
}

// Filter is a parsed row filter. The zero value matches every row.
type Filter struct {
	Column string
	Op     Op
	Values []string // one value, or the list of an "in" filter
}

// Parse parses a filter expression. An empty expression yields the zero
// Filter, which matches everything.
func Parse(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Filter{}, nil
	}

	column, rest, ok := strings.Cut(expr, "=")
	column = strings.TrimSpace(column)
	if !ok || column == "" {
		return Filter{}, fmt.Errorf("%w: %q: expected column=op.value", domain.ErrInvalidFilter, expr)
	}

	opStr, value, ok := strings.Cut(strings.TrimSpace(rest), ".")
	op := Op(strings.ToLower(opStr))
	if !ok || !validOps[op] {
		return Filter{}, fmt.Errorf("%w: %q: unknown operator %q", domain.ErrInvalidFilter, expr, opStr)
	}

	f := Filter{Column: column, Op: op}
	if op == OpIn {
		if !strings.HasPrefix(value, "(") || !strings.HasSuffix(value, ")") {
			return Filter{}, fmt.Errorf("%w: %q: in expects a parenthesised list", domain.ErrInvalidFilter, expr)
		}
		for _, v := range strings.Split(value[1:len(value)-1], ",") {
			f.Values = append(f.Values, strings.TrimSpace(v))
		}
		return f, nil
	}

	if op == OpIs {
		value = strings.ToLower(value)
		if value != "null" && value != "true" && value != "false" {
			return Filter{}, fmt.Errorf("%w: %q: is expects null, true or false", domain.ErrInvalidFilter, expr)
		}
	}
	f.Values = []string{value}
	return f, nil
}

// IsZero reports whether the filter matches everything.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// String returns the canonical expression.
func (f Filter) String() string {
	if f.IsZero() {
		return ""
	}
	if f.Op == OpIn {
		return fmt.Sprintf("%s=in.(%s)", f.Column, strings.Join(f.Values, ","))
	}
	return fmt.Sprintf("%s=%s.%s", f.Column, f.Op, f.Values[0])
}

// Match reports whether row satisfies the filter.
func (f Filter) Match(row events.Record) bool {
	if f.IsZero() {
		return true
	}

	actual, present := row[f.Column]
	switch f.Op {
	case OpIs:
		switch f.Values[0] {
		case "null":
			return !present || actual == nil
		case "true":
			return actual == true
		default:
			return actual == false
		}
	case OpIn:
		if !present || actual == nil {
			return false
		}
		for _, v := range f.Values {
			if compare(actual, v) == 0 {
				return true
			}
		}
		return false
	}

	if !present || actual == nil {
		return f.Op == OpNeq
	}

	c := compare(actual, f.Values[0])
	switch f.Op {
	case OpEq:
		return c == 0
	case OpNeq:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}

// compare orders a record value against a filter literal. Numbers compare
// numerically when both sides parse as numbers, everything else as strings.
func compare(actual any, literal string) int {
	if a, ok := toFloat(actual); ok {
		if b, err := strconv.ParseFloat(literal, 64); err == nil {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(fmt.Sprint(actual), literal)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
