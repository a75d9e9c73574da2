package compiler

// Op is a filter operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpGt      Op = "gt"
	OpGte     Op = "gte"
	OpLt      Op = "lt"
	OpLte     Op = "lte"
	OpIn      Op = "in"
	OpNotIn   Op = "nin"
	OpLike    Op = "like"
	OpILike   Op = "ilike"
	OpBetween Op = "between"
	OpIsNull  Op = "isnull"
	OpNotNull Op = "notnull"
)

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn,
		OpLike, OpILike, OpBetween, OpIsNull, OpNotNull:
		return true
	}
	return false
}

// takesValue is false for the null checks.
func (op Op) takesValue() bool {
	return op != OpIsNull && op != OpNotNull
}

// ExprKind distinguishes expression nodes.
type ExprKind string

const (
	ExprLiteral ExprKind = "literal"
	ExprBinary  ExprKind = "binary"
	ExprParam   ExprKind = "param"
)

// Expr is a filter value. Literal values may be nil, bool, string, a number
// or a list of those. Binary nodes combine two expressions with +, -, *, /
// or || and are folded when both sides are literals. Params are bound by the
// driver at execution time.
type Expr struct {
	Kind  ExprKind `json:"kind"`
	Value any      `json:"value,omitempty"`
	Op    string   `json:"op,omitempty"`
	Left  *Expr    `json:"left,omitempty"`
	Right *Expr    `json:"right,omitempty"`
	Param string   `json:"param,omitempty"`
}

// Lit builds a literal expression.
func Lit(v any) Expr { return Expr{Kind: ExprLiteral, Value: v} }

// Param builds a named parameter expression.
func Param(name string) Expr { return Expr{Kind: ExprParam, Param: name} }

// Binary builds a binary expression.
func Binary(op string, left, right Expr) Expr {
	return Expr{Kind: ExprBinary, Op: op, Left: &left, Right: &right}
}

// IsZero reports whether e is unset.
func (e Expr) IsZero() bool { return e.Kind == "" }

// Filter restricts rows by comparing Field with Value. Field is either a
// field of the queried object or relation.field for a joined relation.
type Filter struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value Expr   `json:"value"`
}

// JoinKind of a relation join.
type JoinKind string

const (
	JoinInner JoinKind = "inner"
	JoinLeft  JoinKind = "left"
)

// Join requests a relation of the queried object.
type Join struct {
	Relation string   `json:"relation"`
	Kind     JoinKind `json:"kind"`
}

// Query is the request AST.
type Query struct {
	Object     string   `json:"object"`
	Filters    []Filter `json:"filters,omitempty"`
	Joins      []Join   `json:"joins,omitempty"`
	Projection []string `json:"projection,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// MutationKind of a write.
type MutationKind string

const (
	MutationInsert MutationKind = "insert"
	MutationUpdate MutationKind = "update"
	MutationDelete MutationKind = "delete"
)

// Mutation is a validated write request. Cascade is filled for deletes and
// lists the objects to delete, dependents first and Object last.
type Mutation struct {
	Kind       MutationKind   `json:"kind"`
	Object     string         `json:"object"`
	Datasource string         `json:"datasource,omitempty"`
	Filters    []Filter       `json:"filters,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
	Cascade    []string       `json:"cascade,omitempty"`
}
