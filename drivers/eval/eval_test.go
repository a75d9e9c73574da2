package eval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/plugin"
)

func TestTest(t *testing.T) {
	tests := []struct {
		name string
		v    any
		op   compiler.Op
		arg  any
		want bool
	}{
		{"eq across int types", int32(3), compiler.OpEq, int64(3), true},
		{"eq int and float", int64(2), compiler.OpEq, 2.0, true},
		{"eq strings", "a", compiler.OpEq, "a", true},
		{"eq mixed kinds", "1", compiler.OpEq, int64(1), false},
		{"ne", "a", compiler.OpNe, "b", true},
		{"gt", int64(5), compiler.OpGt, int64(4), true},
		{"lte equal", "b", compiler.OpLte, "b", true},
		{"lt incomparable", "b", compiler.OpLt, int64(1), false},
		{"in", "b", compiler.OpIn, []any{"a", "b"}, true},
		{"nin", "c", compiler.OpNotIn, []any{"a", "b"}, true},
		{"between", int64(5), compiler.OpBetween, []any{int64(1), int64(5)}, true},
		{"between outside", int64(6), compiler.OpBetween, []any{int64(1), int64(5)}, false},
		{"like", "hello world", compiler.OpLike, "hello%", true},
		{"like underscore", "cat", compiler.OpLike, "c_t", true},
		{"like is case sensitive", "Cat", compiler.OpLike, "c%", false},
		{"ilike", "Cat", compiler.OpILike, "c%", true},
		{"like escapes regexp", "a.c", compiler.OpLike, "a.c", true},
		{"like dot is literal", "abc", compiler.OpLike, "a.c", false},
		{"isnull", nil, compiler.OpIsNull, nil, true},
		{"notnull", "x", compiler.OpNotNull, nil, true},
		{"nil fails comparison", nil, compiler.OpEq, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Test(tt.v, tt.op, tt.arg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTest_BadArguments(t *testing.T) {
	_, err := Test("a", compiler.OpIn, "a")
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))

	_, err = Test(int64(1), compiler.OpBetween, []any{int64(1)})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))
}

func TestSelect(t *testing.T) {
	rows := []plugin.Row{
		{"id": "1", "status": "open", "points": int64(3)},
		{"id": "2", "status": "done", "points": int64(5)},
		{"id": "3", "status": "open", "points": int64(8)},
		{"id": "4", "status": "open"},
	}
	conds, err := Bind([]compiler.Filter{
		{Field: "status", Op: compiler.OpEq, Value: compiler.Lit("open")},
		{Field: "points", Op: compiler.OpGte, Value: compiler.Param("min")},
		{Field: "owner.name", Op: compiler.OpEq, Value: compiler.Lit("ignored")},
	}, map[string]any{"min": 3})
	require.NoError(t, err)

	out, err := Select(rows, conds, []string{"id"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{{"id": "1"}, {"id": "3"}}, out)

	out, err = Select(rows, conds, nil, 1)
	require.NoError(t, err)
	require.Len(t, out, 1)
	out[0]["id"] = "changed"
	assert.Equal(t, "1", rows[0]["id"], "projection copies rows")

	_, err = Bind([]compiler.Filter{{Field: "a", Op: compiler.OpEq, Value: compiler.Param("x")}}, nil)
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))
}
