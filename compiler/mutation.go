package compiler

import (
	"strings"

	kerrors "github.com/leeforge/kernel/errors"
)

// PrepareMutation validates m against the schema and returns a normalized
// copy with Datasource set. Cascade is left for the caller.
func PrepareMutation(m Mutation, schema SchemaView) (*Mutation, error) {
	if schema == nil {
		return nil, kerrors.NewInvalid("compiler: nil schema view")
	}
	object := ident(m.Object)
	root, ok := schema.Object(object)
	if !ok {
		return nil, kerrors.NewPlanningError("unknown object %q", object)
	}

	out := &Mutation{Kind: m.Kind, Object: object, Datasource: root.Datasource}

	switch m.Kind {
	case MutationInsert:
		if len(m.Filters) > 0 {
			return nil, kerrors.NewPlanningError("insert does not take filters")
		}
		if len(m.Values) == 0 {
			return nil, kerrors.NewPlanningError("insert requires values")
		}
	case MutationUpdate:
		if len(m.Values) == 0 {
			return nil, kerrors.NewPlanningError("update requires values")
		}
	case MutationDelete:
		if len(m.Values) > 0 {
			return nil, kerrors.NewPlanningError("delete does not take values")
		}
	default:
		return nil, kerrors.NewPlanningError("unsupported mutation kind %q", m.Kind)
	}

	filters, err := normalizeFilters(m.Filters)
	if err != nil {
		return nil, err
	}
	for _, f := range filters {
		if strings.Contains(f.Field, ".") {
			return nil, kerrors.NewPlanningError("mutation filter %q must be a field of %s", f.Field, object)
		}
		if _, ok := root.Field(f.Field); !ok {
			return nil, kerrors.NewPlanningError("unknown field %q", f.Field)
		}
	}
	out.Filters = filters

	if len(m.Values) > 0 {
		out.Values = make(map[string]any, len(m.Values))
		for name, v := range m.Values {
			field := ident(name)
			if _, ok := root.Field(field); !ok {
				return nil, kerrors.NewPlanningError("unknown field %q", field)
			}
			lit, err := normalizeLiteral(v)
			if err != nil {
				return nil, err
			}
			out.Values[field] = lit
		}
	}
	if m.Kind == MutationInsert {
		for _, f := range root.Fields {
			if _, ok := out.Values[f.Name]; f.Required && !ok {
				return nil, kerrors.NewPlanningError("required field %q is missing", f.Name)
			}
		}
	}
	return out, nil
}
