package sqldriver

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/registry"
)

// Placeholder styles.
const (
	Dollar   = "dollar"   // $1, $2 (postgres)
	Question = "question" // ?, ? (mysql, sqlite)
)

// Statement is a rendered SQL statement and its arguments.
type Statement struct {
	SQL  string
	Args []any
}

type renderer struct {
	style string
	b     strings.Builder
	args  []any
}

func (r *renderer) arg(v any) string {
	r.args = append(r.args, v)
	if r.style == Question {
		return "?"
	}
	return "$" + strconv.Itoa(len(r.args))
}

func (r *renderer) statement() Statement {
	return Statement{SQL: r.b.String(), Args: r.args}
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// TableName maps an object name to its table: snake case, pluralized.
func TableName(object string) string {
	return pluralize(snakeCase(object))
}

func snakeCase(s string) string {
	runes := []rune(s)
	var out []rune
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if i > 0 && upper {
			prev := runes[i-1]
			if prev >= 'a' && prev <= 'z' || (i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z') {
				out = append(out, '_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func pluralize(s string) string {
	switch {
	case strings.HasSuffix(s, "s"), strings.HasSuffix(s, "x"), strings.HasSuffix(s, "ch"), strings.HasSuffix(s, "sh"):
		return s + "es"
	case strings.HasSuffix(s, "y") && len(s) > 1 && !strings.ContainsRune("aeiou", rune(s[len(s)-2])):
		return s[:len(s)-1] + "ies"
	}
	return s + "s"
}

// condition renders one bound filter. column is the qualified column.
func (r *renderer) condition(column string, op compiler.Op, arg any) error {
	switch op {
	case compiler.OpIsNull:
		r.b.WriteString(column + " IS NULL")
		return nil
	case compiler.OpNotNull:
		r.b.WriteString(column + " IS NOT NULL")
		return nil
	case compiler.OpEq, compiler.OpNe:
		if arg == nil {
			if op == compiler.OpEq {
				r.b.WriteString(column + " IS NULL")
			} else {
				r.b.WriteString(column + " IS NOT NULL")
			}
			return nil
		}
		sym := "="
		if op == compiler.OpNe {
			sym = "<>"
		}
		r.b.WriteString(column + " " + sym + " " + r.arg(arg))
		return nil
	case compiler.OpGt, compiler.OpGte, compiler.OpLt, compiler.OpLte:
		sym := map[compiler.Op]string{compiler.OpGt: ">", compiler.OpGte: ">=", compiler.OpLt: "<", compiler.OpLte: "<="}[op]
		r.b.WriteString(column + " " + sym + " " + r.arg(arg))
		return nil
	case compiler.OpIn, compiler.OpNotIn:
		list, ok := arg.([]any)
		if !ok {
			return kerrors.NewInvalid("operator %s requires a list, got %T", op, arg)
		}
		if len(list) == 0 {
			if op == compiler.OpIn {
				r.b.WriteString("1 = 0")
			} else {
				r.b.WriteString("1 = 1")
			}
			return nil
		}
		marks := make([]string, len(list))
		for i, v := range list {
			marks[i] = r.arg(v)
		}
		kw := " IN ("
		if op == compiler.OpNotIn {
			kw = " NOT IN ("
		}
		r.b.WriteString(column + kw + strings.Join(marks, ", ") + ")")
		return nil
	case compiler.OpBetween:
		bounds, ok := arg.([]any)
		if !ok || len(bounds) != 2 {
			return kerrors.NewInvalid("operator between requires two bounds")
		}
		lo := r.arg(bounds[0])
		hi := r.arg(bounds[1])
		r.b.WriteString(column + " BETWEEN " + lo + " AND " + hi)
		return nil
	case compiler.OpLike:
		r.b.WriteString(column + " LIKE " + r.arg(arg))
		return nil
	case compiler.OpILike:
		if r.style == Dollar {
			r.b.WriteString(column + " ILIKE " + r.arg(arg))
		} else {
			r.b.WriteString("LOWER(" + column + ") LIKE LOWER(" + r.arg(arg) + ")")
		}
		return nil
	}
	return kerrors.NewPlanningError("unsupported operator %q", op)
}

// where renders the filters joined by AND. qualify maps a filter field to
// its column.
func (r *renderer) where(filters []compiler.Filter, params map[string]any, qualify func(string) string) error {
	for i, f := range filters {
		if i > 0 {
			r.b.WriteString(" AND ")
		}
		var arg any
		if !f.Value.IsZero() {
			v, err := compiler.Bind(f.Value, params)
			if err != nil {
				return err
			}
			arg = v
		}
		if err := r.condition(qualify(f.Field), f.Op, arg); err != nil {
			return err
		}
	}
	return nil
}

// RenderQuery renders plan as a SELECT. The root table is aliased t0 and
// joined relations t1, t2 in join order. schema may be nil when the plan
// has no joins and a projection.
func RenderQuery(style string, plan *compiler.Plan, params map[string]any, schema compiler.SchemaView) (Statement, error) {
	r := &renderer{style: style}
	var root registry.ObjectSchema
	if schema != nil {
		root, _ = schema.Object(plan.Object)
	}

	aliases := map[string]string{}
	var joins strings.Builder
	for i, step := range plan.JoinOrder {
		rel, ok := root.Relation(step.Relation)
		if !ok {
			return Statement{}, kerrors.NewPlanningError("object %q has no relation %q", plan.Object, step.Relation)
		}
		alias := "t" + strconv.Itoa(i+1)
		aliases[step.Relation] = alias
		kind := "INNER JOIN"
		if step.Kind == compiler.JoinLeft {
			kind = "LEFT JOIN"
		}
		on := alias + "." + quote(rel.ForeignField) + " = t0." + quote("id")
		if rel.ForeignField == "" {
			on = alias + "." + quote("id") + " = t0." + quote(rel.Name+"_id")
		}
		fmt.Fprintf(&joins, " %s %s AS %s ON %s", kind, quote(TableName(step.Target)), alias, on)
	}

	qualify := func(field string) string {
		if rel, col, ok := strings.Cut(field, "."); ok {
			return aliases[rel] + "." + quote(col)
		}
		return "t0." + quote(field)
	}

	r.b.WriteString("SELECT ")
	columns := plan.Projection
	if len(columns) == 0 {
		for _, f := range root.Fields {
			columns = append(columns, f.Name)
		}
	}
	if len(columns) == 0 {
		r.b.WriteString("t0.*")
	}
	for i, c := range columns {
		if i > 0 {
			r.b.WriteString(", ")
		}
		r.b.WriteString(qualify(c) + " AS " + quote(c))
	}
	r.b.WriteString(" FROM " + quote(TableName(plan.Object)) + " AS t0")
	r.b.WriteString(joins.String())

	if len(plan.Filters) > 0 {
		r.b.WriteString(" WHERE ")
		if err := r.where(plan.Filters, params, qualify); err != nil {
			return Statement{}, err
		}
	}
	if plan.Limit > 0 {
		r.b.WriteString(" LIMIT " + r.arg(plan.Limit))
	}
	return r.statement(), nil
}

func column(field string) string { return quote(field) }

// RenderInsert renders an INSERT with columns in name order.
func RenderInsert(style string, m *compiler.Mutation) Statement {
	r := &renderer{style: style}
	names := make([]string, 0, len(m.Values))
	for k := range m.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	for i, n := range names {
		cols[i] = quote(n)
		marks[i] = r.arg(m.Values[n])
	}
	fmt.Fprintf(&r.b, "INSERT INTO %s (%s) VALUES (%s)", quote(TableName(m.Object)), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return r.statement()
}

// RenderUpdate renders an UPDATE with assignments in column order.
func RenderUpdate(style string, m *compiler.Mutation) (Statement, error) {
	r := &renderer{style: style}
	names := make([]string, 0, len(m.Values))
	for k := range m.Values {
		names = append(names, k)
	}
	sort.Strings(names)
	r.b.WriteString("UPDATE " + quote(TableName(m.Object)) + " SET ")
	for i, n := range names {
		if i > 0 {
			r.b.WriteString(", ")
		}
		r.b.WriteString(quote(n) + " = " + r.arg(m.Values[n]))
	}
	if len(m.Filters) > 0 {
		r.b.WriteString(" WHERE ")
		if err := r.where(m.Filters, nil, column); err != nil {
			return Statement{}, err
		}
	}
	return r.statement(), nil
}

// selector renders the WHERE clause that picks an object's victim rows.
type selector func(r *renderer) error

// RenderDelete renders one DELETE per object of m.Cascade, dependents
// first. Dependents are selected through subqueries on their owner.
func RenderDelete(style string, m *compiler.Mutation, schema compiler.SchemaView) ([]Statement, error) {
	selectors := map[string]selector{
		m.Object: func(r *renderer) error {
			if len(m.Filters) == 0 {
				r.b.WriteString("1 = 1")
				return nil
			}
			return r.where(m.Filters, nil, column)
		},
	}

	if schema != nil {
		queue := []string{m.Object}
		for len(queue) > 0 {
			owner := queue[0]
			queue = queue[1:]
			ownerSchema, ok := schema.Object(owner)
			if !ok {
				continue
			}
			parent := selectors[owner]
			ownerTable := quote(TableName(owner))
			for _, rel := range ownerSchema.Relations {
				if rel.OnDelete != registry.Cascade {
					continue
				}
				if _, done := selectors[rel.Target]; done {
					continue
				}
				selectors[rel.Target] = func(r *renderer) error {
					if rel.ForeignField != "" {
						r.b.WriteString(quote(rel.ForeignField) + " IN (SELECT " + quote("id") + " FROM " + ownerTable + " WHERE ")
					} else {
						r.b.WriteString(quote("id") + " IN (SELECT " + quote(rel.Name+"_id") + " FROM " + ownerTable + " WHERE ")
					}
					if err := parent(r); err != nil {
						return err
					}
					r.b.WriteString(")")
					return nil
				}
				queue = append(queue, rel.Target)
			}
		}
	}

	order := m.Cascade
	if len(order) == 0 {
		order = []string{m.Object}
	}
	out := make([]Statement, 0, len(order))
	for _, object := range order {
		sel, ok := selectors[object]
		if !ok {
			return nil, kerrors.NewPlanningError("no cascade path from %s to %s", m.Object, object)
		}
		r := &renderer{style: style}
		r.b.WriteString("DELETE FROM " + quote(TableName(object)) + " WHERE ")
		if err := sel(r); err != nil {
			return nil, err
		}
		out = append(out, r.statement())
	}
	return out, nil
}
