package compiler

import (
	"math"
	"reflect"
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"

	kerrors "github.com/leeforge/kernel/errors"
	kjson "github.com/leeforge/kernel/json"
)

// Normalize returns the canonical form of q. Two queries that differ only in
// identifier encoding, filter order, duplicate filters, projection order,
// join order or constant sub-expressions normalize to equal values.
func Normalize(q Query) (Query, error) {
	out := Query{Object: ident(q.Object), Limit: q.Limit}
	if out.Object == "" {
		return Query{}, kerrors.NewPlanningError("query object is required")
	}
	if q.Limit < 0 {
		return Query{}, kerrors.NewPlanningError("negative limit %d", q.Limit)
	}

	filters, err := normalizeFilters(q.Filters)
	if err != nil {
		return Query{}, err
	}
	out.Filters = filters

	joins, err := normalizeJoins(q.Joins)
	if err != nil {
		return Query{}, err
	}
	out.Joins = joins

	projection, err := normalizeIdents(q.Projection, "projection")
	if err != nil {
		return Query{}, err
	}
	out.Projection = projection
	return out, nil
}

func ident(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func normalizeIdents(in []string, what string) ([]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		id := ident(s)
		if id == "" {
			return nil, kerrors.NewPlanningError("empty %s field", what)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func normalizeJoins(in []Join) ([]Join, error) {
	if len(in) == 0 {
		return nil, nil
	}
	byRelation := make(map[string]JoinKind, len(in))
	for _, j := range in {
		rel := ident(j.Relation)
		if rel == "" {
			return nil, kerrors.NewPlanningError("join relation is required")
		}
		kind := j.Kind
		if kind == "" {
			kind = JoinInner
		}
		if kind != JoinInner && kind != JoinLeft {
			return nil, kerrors.NewPlanningError("unsupported join kind %q", j.Kind)
		}
		// Joining the same relation twice keeps the stricter join.
		if prev, ok := byRelation[rel]; ok && prev == JoinInner {
			continue
		}
		byRelation[rel] = kind
	}
	out := make([]Join, 0, len(byRelation))
	for rel, kind := range byRelation {
		out = append(out, Join{Relation: rel, Kind: kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relation < out[j].Relation })
	return out, nil
}

type keyedFilter struct {
	filter Filter
	key    string
}

func normalizeFilters(in []Filter) ([]Filter, error) {
	if len(in) == 0 {
		return nil, nil
	}
	keyed := make([]keyedFilter, 0, len(in))
	for _, f := range in {
		nf, err := normalizeFilter(f)
		if err != nil {
			return nil, err
		}
		key, err := canonicalKey(nf.Value)
		if err != nil {
			return nil, err
		}
		keyed = append(keyed, keyedFilter{filter: nf, key: key})
	}
	sort.SliceStable(keyed, func(i, j int) bool {
		a, b := keyed[i], keyed[j]
		if a.filter.Field != b.filter.Field {
			return a.filter.Field < b.filter.Field
		}
		if a.filter.Op != b.filter.Op {
			return a.filter.Op < b.filter.Op
		}
		return a.key < b.key
	})

	out := make([]Filter, 0, len(keyed))
	for i, k := range keyed {
		if i > 0 {
			prev := keyed[i-1]
			if prev.filter.Field == k.filter.Field && prev.filter.Op == k.filter.Op && prev.key == k.key {
				continue
			}
		}
		out = append(out, k.filter)
	}
	return out, nil
}

func normalizeFilter(f Filter) (Filter, error) {
	field := ident(f.Field)
	if field == "" {
		return Filter{}, kerrors.NewPlanningError("filter field is required")
	}
	if !f.Op.Valid() {
		return Filter{}, kerrors.NewPlanningError("unsupported operator %q on %s", f.Op, field)
	}
	out := Filter{Field: field, Op: f.Op}

	if !f.Op.takesValue() {
		if !f.Value.IsZero() {
			return Filter{}, kerrors.NewPlanningError("operator %s on %s takes no value", f.Op, field)
		}
		return out, nil
	}
	if f.Value.IsZero() {
		return Filter{}, kerrors.NewPlanningError("operator %s on %s requires a value", f.Op, field)
	}

	value, err := fold(f.Value)
	if err != nil {
		return Filter{}, err
	}
	if value.Kind == ExprLiteral {
		list, isList := value.Value.([]any)
		switch f.Op {
		case OpIn, OpNotIn:
			if !isList || len(list) == 0 {
				return Filter{}, kerrors.NewPlanningError("operator %s on %s requires a non-empty list", f.Op, field)
			}
			sorted, err := sortedSet(list)
			if err != nil {
				return Filter{}, err
			}
			value.Value = sorted
		case OpBetween:
			if !isList || len(list) != 2 {
				return Filter{}, kerrors.NewPlanningError("operator between on %s requires two bounds", field)
			}
		default:
			if isList {
				return Filter{}, kerrors.NewPlanningError("operator %s on %s does not accept a list", f.Op, field)
			}
		}
	}
	out.Value = value
	return out, nil
}

// fold normalizes e and evaluates binary nodes whose operands are both
// literals.
func fold(e Expr) (Expr, error) {
	switch e.Kind {
	case ExprLiteral:
		v, err := normalizeLiteral(e.Value)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: ExprLiteral, Value: v}, nil
	case ExprParam:
		name := ident(e.Param)
		if name == "" {
			return Expr{}, kerrors.NewPlanningError("parameter name is required")
		}
		return Expr{Kind: ExprParam, Param: name}, nil
	case ExprBinary:
		if e.Left == nil || e.Right == nil {
			return Expr{}, kerrors.NewPlanningError("binary expression %q is missing an operand", e.Op)
		}
		switch e.Op {
		case "+", "-", "*", "/", "||":
		default:
			return Expr{}, kerrors.NewPlanningError("unsupported binary operator %q", e.Op)
		}
		left, err := fold(*e.Left)
		if err != nil {
			return Expr{}, err
		}
		right, err := fold(*e.Right)
		if err != nil {
			return Expr{}, err
		}
		if left.Kind == ExprLiteral && right.Kind == ExprLiteral {
			v, err := evalBinary(e.Op, left.Value, right.Value)
			if err != nil {
				return Expr{}, err
			}
			return Expr{Kind: ExprLiteral, Value: v}, nil
		}
		return Expr{Kind: ExprBinary, Op: e.Op, Left: &left, Right: &right}, nil
	case "":
		return Expr{}, kerrors.NewPlanningError("missing expression")
	default:
		return Expr{}, kerrors.NewPlanningError("unsupported expression kind %q", e.Kind)
	}
}

// normalizeLiteral maps every numeric type to int64 or float64 (integral
// floats become int64) and every slice to []any.
func normalizeLiteral(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool:
		return x, nil
	case string:
		return x, nil
	case kjson.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, kerrors.NewPlanningError("invalid number %q", string(x))
		}
		return normalizeFloat(f)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, kerrors.NewPlanningError("integer literal %d out of range", u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return normalizeFloat(rv.Float())
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			elem := rv.Index(i).Interface()
			if k := reflect.ValueOf(elem).Kind(); k == reflect.Slice || k == reflect.Array {
				return nil, kerrors.NewPlanningError("nested list literals are not supported")
			}
			n, err := normalizeLiteral(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, kerrors.NewPlanningError("unsupported literal of type %T", v)
}

func normalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, kerrors.NewPlanningError("non-finite number literal")
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return int64(f), nil
	}
	return f, nil
}

// foldInt applies op to two int64 constants. ok is false when the result
// does not fit in an int64.
func foldInt(op string, l, r int64) (v int64, ok bool) {
	switch op {
	case "+":
		v = l + r
		return v, (r >= 0) == (v >= l)
	case "-":
		v = l - r
		return v, (r >= 0) == (v <= l)
	case "*":
		if l == 0 || r == 0 {
			return 0, true
		}
		v = l * r
		if (l == -1 && r == math.MinInt64) || (r == -1 && l == math.MinInt64) {
			return v, false
		}
		return v, v/r == l
	}
	return 0, false
}

func evalBinary(op string, l, r any) (any, error) {
	ls, lIsStr := l.(string)
	rs, rIsStr := r.(string)
	if op == "||" || (op == "+" && lIsStr && rIsStr) {
		if !lIsStr || !rIsStr {
			return nil, kerrors.NewPlanningError("operator %q requires string operands", op)
		}
		return ls + rs, nil
	}

	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+", "-", "*":
			v, ok := foldInt(op, li, ri)
			if !ok {
				return nil, kerrors.NewPlanningError("integer overflow in constant expression %d %s %d", li, op, ri)
			}
			return v, nil
		case "/":
			if ri == 0 {
				return nil, kerrors.NewPlanningError("division by zero in constant expression")
			}
			if li == math.MinInt64 && ri == -1 {
				return nil, kerrors.NewPlanningError("integer overflow in constant expression %d %s %d", li, op, ri)
			}
			if li%ri == 0 {
				return li / ri, nil
			}
			return float64(li) / float64(ri), nil
		}
	}

	lf, lok := toFloat(l)
	rf, rok := toFloat(r)
	if !lok || !rok {
		return nil, kerrors.NewPlanningError("operator %q requires numeric operands", op)
	}
	var res float64
	switch op {
	case "+":
		res = lf + rf
	case "-":
		res = lf - rf
	case "*":
		res = lf * rf
	case "/":
		if rf == 0 {
			return nil, kerrors.NewPlanningError("division by zero in constant expression")
		}
		res = lf / rf
	}
	return normalizeFloat(res)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func sortedSet(values []any) ([]any, error) {
	type keyed struct {
		v   any
		key string
	}
	items := make([]keyed, 0, len(values))
	for _, v := range values {
		key, err := canonicalKey(v)
		if err != nil {
			return nil, err
		}
		items = append(items, keyed{v: v, key: key})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].key < items[j].key })

	out := make([]any, 0, len(items))
	for i, it := range items {
		if i > 0 && items[i-1].key == it.key {
			continue
		}
		out = append(out, it.v)
	}
	return out, nil
}

func canonicalKey(v any) (string, error) {
	data, err := kjson.MarshalCanonical(v)
	if err != nil {
		return "", kerrors.NewPlanningError("unencodable value: %v", err)
	}
	return string(data), nil
}
