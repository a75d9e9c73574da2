package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/leeforge/kernel/errors"
)

func TestBind(t *testing.T) {
	params := map[string]any{"min": 3, "suffix": "!", "ids": []string{"b", "a"}}

	v, err := Bind(Lit(int32(7)), nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = Bind(Binary("+", Param("min"), Lit(2)), params)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)

	v, err = Bind(Binary("||", Lit("done"), Param("suffix")), params)
	require.NoError(t, err)
	assert.Equal(t, "done!", v)

	v, err = Bind(Param("ids"), params)
	require.NoError(t, err)
	assert.Equal(t, []any{"b", "a"}, v)

	_, err = Bind(Param("nope"), params)
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))

	_, err = Bind(Binary("/", Param("min"), Lit(0)), params)
	assert.True(t, errors.Is(err, kerrors.ErrPlanningError))
}

func TestPlan_Params(t *testing.T) {
	p := &Plan{Filters: []Filter{
		{Field: "a", Op: OpEq, Value: Param("x")},
		{Field: "b", Op: OpGt, Value: Binary("+", Param("y"), Param("x"))},
		{Field: "c", Op: OpEq, Value: Lit(1)},
	}}
	assert.Equal(t, []string{"x", "y"}, p.Params())
}
