package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/registry"
)

func compileWith(t *testing.T, q Query) *Plan {
	t.Helper()
	c := New(Config{CacheCapacity: 8})
	p, err := c.Compile(context.Background(), q, newSchema(t))
	require.NoError(t, err)
	return p
}

func TestPlanner_ChoosesIndexOnMostSelectiveField(t *testing.T) {
	p := compileWith(t, Query{Object: "User", Filters: []Filter{
		{Field: "age", Op: OpGt, Value: Lit(30)},
		{Field: "email", Op: OpEq, Value: Lit("a@example.com")},
	}})

	assert.Equal(t, "mem", p.Datasource)
	assert.Equal(t, "email", p.Filters[0].Field)
	// users_email and users_email_name both lead with email; declaration order wins.
	assert.Equal(t, []string{"users_email"}, p.ChosenIndexes)
}

func TestPlanner_NoIndexWhenLeadingFieldIsNotMostSelective(t *testing.T) {
	p := compileWith(t, Query{Object: "User", Filters: []Filter{
		{Field: "team_id", Op: OpGt, Value: Lit("t")},
		{Field: "name", Op: OpEq, Value: Lit("bob")},
	}})

	assert.Equal(t, "name", p.Filters[0].Field)
	assert.Empty(t, p.ChosenIndexes)
}

func TestPlanner_UniqueFieldWinsTie(t *testing.T) {
	p := compileWith(t, Query{Object: "User", Filters: []Filter{
		{Field: "name", Op: OpEq, Value: Lit("bob")},
		{Field: "email", Op: OpEq, Value: Lit("bob@example.com")},
	}})

	assert.Equal(t, "email", p.Filters[0].Field)
	assert.Equal(t, "name", p.Filters[1].Field)
}

func TestPlanner_NegationNeverUsesIndex(t *testing.T) {
	p := compileWith(t, Query{Object: "User", Filters: []Filter{
		{Field: "email", Op: OpNe, Value: Lit("x")},
	}})
	assert.Empty(t, p.ChosenIndexes)
}

func TestPlanner_JoinOrderAndDemotions(t *testing.T) {
	p := compileWith(t, Query{
		Object: "User",
		Joins: []Join{
			{Relation: "tasks", Kind: JoinLeft},
			{Relation: "team", Kind: JoinLeft},
			{Relation: "profile", Kind: JoinLeft},
		},
		Filters:    []Filter{{Field: "tasks.status", Op: OpEq, Value: Lit("open")}},
		Projection: []string{"name", "team.name", "profile.bio"},
	})

	require.Len(t, p.JoinOrder, 3)
	assert.Equal(t, JoinStep{Relation: "team", Target: "Team", Kind: JoinInner, Cardinality: registry.One}, p.JoinOrder[0])
	assert.Equal(t, JoinStep{Relation: "profile", Target: "Profile", Kind: JoinLeft, Cardinality: registry.One}, p.JoinOrder[1])
	assert.Equal(t, JoinStep{Relation: "tasks", Target: "Task", Kind: JoinLeft, Cardinality: registry.Many, Index: "tasks_owner"}, p.JoinOrder[2])
	assert.Equal(t, []string{"Task.tasks_owner"}, p.ChosenIndexes)
	assert.Equal(t, []string{"name", "profile.bio", "team.name"}, p.Projection)
}

func TestPlanner_Errors(t *testing.T) {
	schema := newSchema(t)
	c := New(Config{})
	tests := []struct {
		name  string
		query Query
	}{
		{"unknown object", Query{Object: "Ghost"}},
		{"unknown field", Query{Object: "User", Filters: []Filter{{Field: "salary", Op: OpEq, Value: Lit(1)}}}},
		{"unknown projection", Query{Object: "User", Projection: []string{"salary"}}},
		{"unknown relation", Query{Object: "User", Joins: []Join{{Relation: "friends"}}}},
		{"filter on unjoined relation", Query{Object: "User", Filters: []Filter{{Field: "team.name", Op: OpEq, Value: Lit("x")}}}},
		{"unknown field on relation", Query{Object: "User", Joins: []Join{{Relation: "team"}}, Projection: []string{"team.size"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(context.Background(), tt.query, schema)
			require.Error(t, err)
			assert.ErrorIs(t, err, kerrors.ErrPlanningError)
		})
	}
	assert.Equal(t, 0, c.Len())
}

func TestPrepareMutation(t *testing.T) {
	schema := newSchema(t)

	m, err := PrepareMutation(Mutation{
		Kind:   MutationInsert,
		Object: "User",
		Values: map[string]any{"id": "u1", "age": 30.0},
	}, schema)
	require.NoError(t, err)
	assert.Equal(t, "mem", m.Datasource)
	assert.Equal(t, int64(30), m.Values["age"])

	_, err = PrepareMutation(Mutation{Kind: MutationInsert, Object: "User", Values: map[string]any{"name": "x"}}, schema)
	assert.ErrorIs(t, err, kerrors.ErrPlanningError, "missing required id")

	_, err = PrepareMutation(Mutation{Kind: MutationUpdate, Object: "User", Values: map[string]any{"salary": 1}}, schema)
	assert.ErrorIs(t, err, kerrors.ErrPlanningError)

	del, err := PrepareMutation(Mutation{
		Kind:    MutationDelete,
		Object:  "User",
		Filters: []Filter{{Field: "id", Op: OpEq, Value: Lit("u1")}},
	}, schema)
	require.NoError(t, err)
	assert.Len(t, del.Filters, 1)

	_, err = PrepareMutation(Mutation{Kind: "upsert", Object: "User"}, schema)
	assert.ErrorIs(t, err, kerrors.ErrPlanningError)
}
