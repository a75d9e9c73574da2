// Package eval evaluates compiled plan filters against rows held in
// process. Drivers whose backend cannot filter use it after fetching.
package eval

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/plugin"
)

// Condition is a filter whose value has been bound.
type Condition struct {
	Field string
	Op    compiler.Op
	Arg   any
}

// Bind binds every filter value against params.
func Bind(filters []compiler.Filter, params map[string]any) ([]Condition, error) {
	out := make([]Condition, 0, len(filters))
	for _, f := range filters {
		c := Condition{Field: f.Field, Op: f.Op}
		if !f.Value.IsZero() {
			arg, err := compiler.Bind(f.Value, params)
			if err != nil {
				return nil, err
			}
			c.Arg = arg
		}
		out = append(out, c)
	}
	return out, nil
}

// Matches reports whether row satisfies every condition. Dotted fields are
// skipped; they belong to joined rows.
func Matches(row plugin.Row, conds []Condition) (bool, error) {
	for _, c := range conds {
		if strings.Contains(c.Field, ".") {
			continue
		}
		ok, err := Test(row[c.Field], c.Op, c.Arg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Test applies op to v and arg. A missing value is nil and only satisfies
// isnull.
func Test(v any, op compiler.Op, arg any) (bool, error) {
	switch op {
	case compiler.OpIsNull:
		return v == nil, nil
	case compiler.OpNotNull:
		return v != nil, nil
	}
	if v == nil {
		return false, nil
	}

	switch op {
	case compiler.OpEq:
		return Equal(v, arg), nil
	case compiler.OpNe:
		return !Equal(v, arg), nil
	case compiler.OpGt, compiler.OpGte, compiler.OpLt, compiler.OpLte:
		cmp, ok := Compare(v, arg)
		if !ok {
			return false, nil
		}
		switch op {
		case compiler.OpGt:
			return cmp > 0, nil
		case compiler.OpGte:
			return cmp >= 0, nil
		case compiler.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case compiler.OpIn, compiler.OpNotIn:
		list, ok := arg.([]any)
		if !ok {
			return false, kerrors.NewInvalid("operator %s requires a list, got %T", op, arg)
		}
		found := false
		for _, item := range list {
			if Equal(v, item) {
				found = true
				break
			}
		}
		return found == (op == compiler.OpIn), nil
	case compiler.OpBetween:
		bounds, ok := arg.([]any)
		if !ok || len(bounds) != 2 {
			return false, kerrors.NewInvalid("operator between requires two bounds")
		}
		lo, okLo := Compare(v, bounds[0])
		hi, okHi := Compare(v, bounds[1])
		return okLo && okHi && lo >= 0 && hi <= 0, nil
	case compiler.OpLike, compiler.OpILike:
		s, ok := v.(string)
		pattern, okP := arg.(string)
		if !ok || !okP {
			return false, nil
		}
		return Like(s, pattern, op == compiler.OpILike), nil
	}
	return false, kerrors.NewPlanningError("unsupported operator %q", op)
}

// Equal compares numbers by value and everything else with ==.
func Equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

// Compare orders two numbers, two strings or two bools. ok is false for
// any other pair.
func Compare(a, b any) (int, bool) {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// Like matches s against a LIKE pattern: % matches any run, _ one rune.
func Like(s, pattern string, fold bool) bool {
	var b strings.Builder
	b.WriteString("(?s)")
	if fold {
		b.WriteString("(?i)")
	}
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	re, err := regexp.Compile(b.String())
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// Project returns a copy of row restricted to fields. An empty list copies
// every field.
func Project(row plugin.Row, fields []string) plugin.Row {
	if len(fields) == 0 {
		out := make(plugin.Row, len(row))
		for k, v := range row {
			out[k] = v
		}
		return out
	}
	out := make(plugin.Row, len(fields))
	for _, f := range fields {
		out[f] = row[f]
	}
	return out
}

// Select filters rows, projects them and applies limit (0 is unbounded).
func Select(rows []plugin.Row, conds []Condition, fields []string, limit int) ([]plugin.Row, error) {
	out := make([]plugin.Row, 0)
	for _, row := range rows {
		ok, err := Matches(row, conds)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, Project(row, fields))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
