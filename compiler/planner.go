package compiler

import (
	"sort"
	"strings"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/registry"
)

// SchemaView is the read side of the metadata registry the planner needs.
type SchemaView interface {
	Object(name string) (registry.ObjectSchema, bool)
	Generation() uint64
}

// JoinStep is one planned join.
type JoinStep struct {
	Relation    string               `json:"relation"`
	Target      string               `json:"target"`
	Kind        JoinKind             `json:"kind"`
	Cardinality registry.Cardinality `json:"cardinality"`
	// Index is the target index whose leading field is the foreign field.
	Index string `json:"index,omitempty"`
}

// Plan is an executable query plan. Plans are shared through the cache and
// must not be modified.
type Plan struct {
	Fingerprint   string     `json:"fingerprint"`
	Object        string     `json:"object"`
	Datasource    string     `json:"datasource"`
	ChosenIndexes []string   `json:"chosenIndexes,omitempty"`
	JoinOrder     []JoinStep `json:"joinOrder,omitempty"`
	Projection    []string   `json:"projection,omitempty"`
	Filters       []Filter   `json:"filters,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// Selectivity scores, lower is more selective.
func selectivity(f Filter) int {
	switch f.Op {
	case OpEq:
		return 1
	case OpIn:
		if list, ok := f.Value.Value.([]any); ok && len(list) <= 3 {
			return 2
		}
		return 4
	case OpIsNull, OpNotNull:
		return 3
	case OpBetween:
		return 5
	case OpGt, OpGte, OpLt, OpLte:
		return 6
	case OpLike, OpILike:
		return 8
	case OpNe, OpNotIn:
		return 10
	default:
		return 5
	}
}

// indexable reports whether an index on the field can serve op.
func indexable(op Op) bool {
	switch op {
	case OpEq, OpIn, OpGt, OpGte, OpLt, OpLte, OpBetween:
		return true
	}
	return false
}

type resolvedField struct {
	field    registry.FieldSchema
	relation string
}

type planner struct {
	schema SchemaView
	root   registry.ObjectSchema
	joins  map[string]registry.RelationSchema
}

// plan builds a Plan for a normalized query.
func plan(q Query, fingerprint string, schema SchemaView) (*Plan, error) {
	root, ok := schema.Object(q.Object)
	if !ok {
		return nil, kerrors.NewPlanningError("unknown object %q", q.Object)
	}
	p := &planner{schema: schema, root: root, joins: map[string]registry.RelationSchema{}}

	out := &Plan{
		Fingerprint: fingerprint,
		Object:      q.Object,
		Datasource:  root.Datasource,
		Limit:       q.Limit,
	}

	for _, j := range q.Joins {
		rel, ok := root.Relation(j.Relation)
		if !ok {
			return nil, kerrors.NewPlanningError("object %q has no relation %q", q.Object, j.Relation)
		}
		if _, ok := schema.Object(rel.Target); !ok {
			return nil, kerrors.NewPlanningError("relation %q targets unknown object %q", j.Relation, rel.Target)
		}
		p.joins[j.Relation] = rel
	}

	for _, path := range q.Projection {
		if _, err := p.resolve(path); err != nil {
			return nil, err
		}
	}
	if len(q.Projection) > 0 {
		out.Projection = append([]string(nil), q.Projection...)
	}

	filters, filtered, err := p.orderFilters(q.Filters)
	if err != nil {
		return nil, err
	}
	out.Filters = filters

	if idx := p.chooseIndex(filters); idx != "" {
		out.ChosenIndexes = []string{idx}
	}
	out.JoinOrder = p.orderJoins(q.Joins, filtered)
	for _, step := range out.JoinOrder {
		if step.Index != "" {
			out.ChosenIndexes = append(out.ChosenIndexes, step.Target+"."+step.Index)
		}
	}
	return out, nil
}

// resolve maps field or relation.field to its schema.
func (p *planner) resolve(path string) (resolvedField, error) {
	relName, fieldName, dotted := strings.Cut(path, ".")
	if !dotted {
		f, ok := p.root.Field(path)
		if !ok {
			return resolvedField{}, kerrors.NewPlanningError("unknown field %q", path)
		}
		return resolvedField{field: f}, nil
	}

	rel, ok := p.joins[relName]
	if !ok {
		return resolvedField{}, kerrors.NewPlanningError("field %q refers to relation %q which is not joined", path, relName)
	}
	target, _ := p.schema.Object(rel.Target)
	f, ok := target.Field(fieldName)
	if !ok {
		return resolvedField{}, kerrors.NewPlanningError("unknown field %q on %s", fieldName, rel.Target)
	}
	return resolvedField{field: f, relation: relName}, nil
}

// orderFilters sorts filters most selective first. Unique fields win ties;
// remaining ties keep normalized order. It also reports which joined
// relations carry filters.
func (p *planner) orderFilters(in []Filter) ([]Filter, map[string]bool, error) {
	type scored struct {
		filter Filter
		score  int
		unique bool
	}
	filtered := map[string]bool{}
	list := make([]scored, 0, len(in))
	for _, f := range in {
		rf, err := p.resolve(f.Field)
		if err != nil {
			return nil, nil, err
		}
		if rf.relation != "" {
			filtered[rf.relation] = true
		}
		list = append(list, scored{filter: f, score: selectivity(f), unique: rf.field.Unique})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].score != list[j].score {
			return list[i].score < list[j].score
		}
		return list[i].unique && !list[j].unique
	})
	if len(list) == 0 {
		return nil, filtered, nil
	}
	out := make([]Filter, len(list))
	for i, s := range list {
		out[i] = s.filter
	}
	return out, filtered, nil
}

// chooseIndex picks the first declared index whose leading field is the
// field of the most selective root filter, when that filter can use one.
func (p *planner) chooseIndex(filters []Filter) string {
	for _, f := range filters {
		if strings.Contains(f.Field, ".") {
			continue
		}
		if !indexable(f.Op) {
			return ""
		}
		for _, idx := range p.root.Indexes {
			if len(idx.Fields) > 0 && idx.Fields[0] == f.Field {
				return idx.Name
			}
		}
		return ""
	}
	return ""
}

// orderJoins puts to-one joins first, then joins whose target is filtered,
// then the rest, each group in relation declaration order.
func (p *planner) orderJoins(joins []Join, filtered map[string]bool) []JoinStep {
	if len(joins) == 0 {
		return nil
	}
	declared := make(map[string]int, len(p.root.Relations))
	for i, r := range p.root.Relations {
		declared[r.Name] = i
	}

	steps := make([]JoinStep, 0, len(joins))
	for _, j := range joins {
		rel := p.joins[j.Relation]
		target, _ := p.schema.Object(rel.Target)

		kind := j.Kind
		if kind == JoinLeft && rel.Required {
			kind = JoinInner
		}
		card := rel.Cardinality
		if card == "" {
			card = registry.One
		}
		if card == registry.Many && rel.ForeignField != "" {
			if f, ok := target.Field(rel.ForeignField); ok && f.Unique {
				card = registry.One
			}
		}

		step := JoinStep{Relation: j.Relation, Target: rel.Target, Kind: kind, Cardinality: card}
		if rel.ForeignField != "" {
			for _, idx := range target.Indexes {
				if len(idx.Fields) > 0 && idx.Fields[0] == rel.ForeignField {
					step.Index = idx.Name
					break
				}
			}
		}
		steps = append(steps, step)
	}

	rank := func(s JoinStep) int {
		switch {
		case s.Cardinality == registry.One:
			return 0
		case filtered[s.Relation]:
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(steps, func(i, j int) bool {
		ri, rj := rank(steps[i]), rank(steps[j])
		if ri != rj {
			return ri < rj
		}
		return declared[steps[i].Relation] < declared[steps[j].Relation]
	})
	return steps
}
