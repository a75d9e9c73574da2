package redisdriver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/config"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/registry"
)

type fixture struct {
	mr     *miniredis.Miniredis
	root   *plugin.Handle
	plugin *Plugin
	conn   *pool.Conn
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	root := plugin.NewHandle(plugin.HandleConfig{})

	schema := root.Scope("schema", nil)
	require.NoError(t, schema.RegisterObject("User", registry.ObjectSchema{
		Datasource: "kv",
		Fields: []registry.FieldSchema{
			{Name: "id", Type: "string", Unique: true},
			{Name: "name", Type: "string"},
			{Name: "age", Type: "int"},
			{Name: "active", Type: "bool"},
		},
		Relations: []registry.RelationSchema{
			{Name: "sessions", Target: "Session", Cardinality: registry.Many, ForeignField: "user_id", OnDelete: registry.Cascade},
			{Name: "invoices", Target: "Invoice", Cardinality: registry.Many, ForeignField: "user_id", OnDelete: registry.Restrict},
		},
	}))
	require.NoError(t, schema.RegisterObject("Session", registry.ObjectSchema{
		Datasource: "kv",
		Fields:     []registry.FieldSchema{{Name: "id", Type: "string"}, {Name: "user_id", Type: "string"}},
	}))
	require.NoError(t, schema.RegisterObject("Invoice", registry.ObjectSchema{
		Datasource: "kv",
		Fields:     []registry.FieldSchema{{Name: "id", Type: "string"}, {Name: "user_id", Type: "string"}},
	}))

	p := New(Config{ID: "kv", Addr: "127.0.0.1:1"})
	settings := plugin.NewMapConfigProvider(map[string]any{"addr": mr.Addr()})
	require.NoError(t, p.Install(context.Background(), root.Scope(p.Name(), settings)))

	conn, err := root.Pool.Acquire(context.Background(), "kv", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = root.Pool.Release(conn)
		_ = root.Pool.Close(context.Background())
		_ = p.Uninstall(context.Background(), nil)
	})
	return &fixture{mr: mr, root: root, plugin: p, conn: conn}
}

func (f *fixture) apply(t *testing.T, m compiler.Mutation) (int64, error) {
	t.Helper()
	prepared, err := compiler.PrepareMutation(m, f.root.Registry)
	require.NoError(t, err)
	return f.plugin.Driver().Apply(context.Background(), f.conn, prepared)
}

func (f *fixture) query(t *testing.T, q compiler.Query, params map[string]any) ([]plugin.Row, error) {
	t.Helper()
	plan, err := f.root.Compiler.Compile(context.Background(), q, f.root.Registry)
	require.NoError(t, err)
	return f.plugin.Driver().Execute(context.Background(), f.conn, plan, params)
}

func insert(t *testing.T, f *fixture, object string, values map[string]any) {
	t.Helper()
	n, err := f.apply(t, compiler.Mutation{Kind: compiler.MutationInsert, Object: object, Values: values})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestInsert_StoresHash(t *testing.T) {
	f := setup(t)
	insert(t, f, "User", map[string]any{"id": "u1", "name": "Ada", "age": 36, "active": true})

	assert.Equal(t, "Ada", f.mr.HGet(RowKey("User", "u1"), "name"))
	assert.Equal(t, "36", f.mr.HGet(RowKey("User", "u1"), "age"))
	members, err := f.mr.Members(IDsKey("User"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, members)

	_, err = f.apply(t, compiler.Mutation{Kind: compiler.MutationInsert, Object: "User", Values: map[string]any{"id": "u1"}})
	assert.True(t, errors.Is(err, kerrors.ErrDuplicateItem))
}

func TestExecute_DecodesAndFilters(t *testing.T) {
	f := setup(t)
	insert(t, f, "User", map[string]any{"id": "u1", "name": "Ada", "age": 36, "active": true})
	insert(t, f, "User", map[string]any{"id": "u2", "name": "Bob", "age": 17, "active": false})
	insert(t, f, "User", map[string]any{"id": "u3", "name": "Cy", "age": 52})

	rows, err := f.query(t, compiler.Query{
		Object:     "User",
		Filters:    []compiler.Filter{{Field: "age", Op: compiler.OpGte, Value: compiler.Param("min")}},
		Projection: []string{"name", "age"},
	}, map[string]any{"min": 18})
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{{"name": "Ada", "age": int64(36)}, {"name": "Cy", "age": int64(52)}}, rows)

	rows, err = f.query(t, compiler.Query{
		Object:  "User",
		Filters: []compiler.Filter{{Field: "id", Op: compiler.OpEq, Value: compiler.Lit("u2")}},
	}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, false, rows[0]["active"])

	rows, err = f.query(t, compiler.Query{Object: "User", Filters: []compiler.Filter{{Field: "active", Op: compiler.OpIsNull}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{{"id": "u3", "name": "Cy", "age": int64(52)}}, rows)

	_, err = f.query(t, compiler.Query{Object: "User", Joins: []compiler.Join{{Relation: "sessions"}}}, nil)
	assert.True(t, errors.Is(err, kerrors.ErrPlanningError))
}

func TestUpdate(t *testing.T) {
	f := setup(t)
	insert(t, f, "User", map[string]any{"id": "u1", "name": "Ada", "age": 36})
	insert(t, f, "User", map[string]any{"id": "u2", "name": "Bob", "age": 17})

	n, err := f.apply(t, compiler.Mutation{
		Kind:    compiler.MutationUpdate,
		Object:  "User",
		Filters: []compiler.Filter{{Field: "age", Op: compiler.OpLt, Value: compiler.Lit(18)}},
		Values:  map[string]any{"name": "Robert", "age": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, "Robert", f.mr.HGet(RowKey("User", "u2"), "name"))
	assert.Equal(t, "", f.mr.HGet(RowKey("User", "u2"), "age"), "nil values remove the field")

	_, err = f.apply(t, compiler.Mutation{Kind: compiler.MutationUpdate, Object: "User", Values: map[string]any{"id": "x"}})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))
}

func TestDelete_CascadeAndRestrict(t *testing.T) {
	f := setup(t)
	insert(t, f, "User", map[string]any{"id": "u1", "name": "Ada"})
	insert(t, f, "User", map[string]any{"id": "u2", "name": "Bob"})
	insert(t, f, "Session", map[string]any{"id": "s1", "user_id": "u1"})
	insert(t, f, "Session", map[string]any{"id": "s2", "user_id": "u1"})
	insert(t, f, "Invoice", map[string]any{"id": "i1", "user_id": "u2"})

	n, err := f.apply(t, compiler.Mutation{
		Kind:    compiler.MutationDelete,
		Object:  "User",
		Filters: []compiler.Filter{{Field: "id", Op: compiler.OpEq, Value: compiler.Lit("u1")}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.False(t, f.mr.Exists(RowKey("Session", "s1")))
	members, err := f.mr.Members(IDsKey("User"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, members)

	_, err = f.apply(t, compiler.Mutation{
		Kind:    compiler.MutationDelete,
		Object:  "User",
		Filters: []compiler.Filter{{Field: "id", Op: compiler.OpEq, Value: compiler.Lit("u2")}},
	})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))
	assert.True(t, f.mr.Exists(RowKey("User", "u2")))
}

func TestPlugin_Health(t *testing.T) {
	f := setup(t)
	assert.NoError(t, f.plugin.HealthCheck(context.Background()))

	f.mr.SetError("LOADING")
	assert.Error(t, f.plugin.HealthCheck(context.Background()))
	f.mr.SetError("")

	require.NoError(t, f.root.Pool.Release(f.conn))
	require.NoError(t, f.root.Pool.Close(context.Background()))
	require.NoError(t, f.plugin.Uninstall(context.Background(), nil))
	assert.True(t, errors.Is(f.plugin.HealthCheck(context.Background()), kerrors.ErrPoolClosed))
}

func TestInstall_Unreachable(t *testing.T) {
	root := plugin.NewHandle(plugin.HandleConfig{})
	p := New(Config{ID: "kv", Addr: "127.0.0.1:1"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := p.Install(ctx, root.Scope(p.Name(), nil))
	assert.True(t, errors.Is(err, kerrors.ErrInternal))
	assert.Empty(t, root.Drivers.IDs())
}

func TestFromConfig(t *testing.T) {
	p, err := FromConfig("cache", config.DriverConfig{Type: "redis", Addr: "localhost:6380", DB: 2})
	require.NoError(t, err)
	assert.Equal(t, "redisdriver.cache", p.Name())
	require.NoError(t, plugin.Describe(p).Validate())

	_, err = FromConfig("cache", config.DriverConfig{Type: "sql"})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))

	assert.Equal(t, "[REDACTED]", redactedPassword("secret"))
	assert.Equal(t, "<empty>", redactedPassword(""))
}
