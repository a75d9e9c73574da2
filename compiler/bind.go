package compiler

import (
	kerrors "github.com/leeforge/kernel/errors"
)

// Bind evaluates e with params substituted for parameter nodes. Parameter
// values are normalized like literals. A parameter missing from params is
// an Invalid error.
func Bind(e Expr, params map[string]any) (any, error) {
	switch e.Kind {
	case ExprLiteral:
		return normalizeLiteral(e.Value)
	case ExprParam:
		v, ok := params[e.Param]
		if !ok {
			return nil, kerrors.NewInvalid("missing parameter %q", e.Param)
		}
		return normalizeLiteral(v)
	case ExprBinary:
		if e.Left == nil || e.Right == nil {
			return nil, kerrors.NewPlanningError("binary expression %q is missing an operand", e.Op)
		}
		l, err := Bind(*e.Left, params)
		if err != nil {
			return nil, err
		}
		r, err := Bind(*e.Right, params)
		if err != nil {
			return nil, err
		}
		return evalBinary(e.Op, l, r)
	}
	return nil, kerrors.NewPlanningError("unsupported expression kind %q", e.Kind)
}

// Params lists the parameter names referenced by the plan's filters, in
// filter order and without duplicates.
func (p *Plan) Params() []string {
	var out []string
	seen := map[string]struct{}{}
	var walk func(e Expr)
	walk = func(e Expr) {
		switch e.Kind {
		case ExprParam:
			if _, ok := seen[e.Param]; !ok {
				seen[e.Param] = struct{}{}
				out = append(out, e.Param)
			}
		case ExprBinary:
			if e.Left != nil {
				walk(*e.Left)
			}
			if e.Right != nil {
				walk(*e.Right)
			}
		}
	}
	for _, f := range p.Filters {
		walk(f.Value)
	}
	return out
}
