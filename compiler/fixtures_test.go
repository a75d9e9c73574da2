package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leeforge/kernel/registry"
)

func newSchema(t testing.TB) *registry.Registry {
	t.Helper()
	r := registry.New(registry.Config{})
	objects := map[string]registry.ObjectSchema{
		"User": {
			Datasource: "mem",
			Fields: []registry.FieldSchema{
				{Name: "id", Type: "string", Unique: true, Required: true},
				{Name: "email", Type: "string", Unique: true},
				{Name: "name", Type: "string"},
				{Name: "team_id", Type: "string"},
				{Name: "age", Type: "int"},
			},
			Indexes: []registry.IndexSchema{
				{Name: "users_team", Fields: []string{"team_id", "name"}},
				{Name: "users_email", Fields: []string{"email"}, Unique: true},
				{Name: "users_email_name", Fields: []string{"email", "name"}},
			},
			Relations: []registry.RelationSchema{
				{Name: "tasks", Target: "Task", Cardinality: registry.Many, ForeignField: "owner_id", OnDelete: registry.Cascade},
				{Name: "team", Target: "Team", Cardinality: registry.One, Required: true},
				{Name: "profile", Target: "Profile", Cardinality: registry.Many, ForeignField: "user_id"},
			},
		},
		"Task": {
			Datasource: "mem",
			Fields: []registry.FieldSchema{
				{Name: "id", Type: "string", Unique: true},
				{Name: "owner_id", Type: "string"},
				{Name: "title", Type: "string"},
				{Name: "status", Type: "string"},
			},
			Indexes: []registry.IndexSchema{
				{Name: "tasks_owner", Fields: []string{"owner_id"}},
			},
		},
		"Team": {
			Datasource: "mem",
			Fields:     []registry.FieldSchema{{Name: "id", Type: "string", Unique: true}, {Name: "name", Type: "string"}},
		},
		"Profile": {
			Datasource: "mem",
			Fields:     []registry.FieldSchema{{Name: "user_id", Type: "string", Unique: true}, {Name: "bio", Type: "string"}},
		},
	}
	for _, name := range []string{"User", "Task", "Team", "Profile"} {
		require.NoError(t, r.Register(registry.Item{
			Type:    registry.TypeObject,
			Name:    name,
			Package: "fixtures",
			Payload: objects[name],
		}))
	}
	return r
}
