package kernel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/config"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/hooks"
	"github.com/leeforge/kernel/metrics"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/plugin/examples/catalog"
	"github.com/leeforge/kernel/registry"
	"github.com/leeforge/kernel/tracing"
)

func testSettings() *config.KernelConfig {
	settings := config.Default()
	settings.Pool.AcquireTimeout = time.Second
	settings.Drivers = map[string]config.DriverConfig{"memory": {Type: "memory"}}
	settings.Plugins = map[string]config.PluginConfig{
		catalog.Name: {Settings: map[string]any{"seed": true}},
	}
	return settings
}

// boot starts a kernel with the catalog seeded on the memory datasource.
func boot(t *testing.T, settings *config.KernelConfig, extra ...plugin.Plugin) (*Kernel, *tracetest.SpanRecorder) {
	t.Helper()
	if settings == nil {
		settings = testSettings()
	}
	sr := tracetest.NewSpanRecorder()
	k, err := New(Config{
		Settings:       settings,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)),
	})
	require.NoError(t, err)
	require.NoError(t, k.Use(append([]plugin.Plugin{catalog.New()}, extra...)...))
	require.NoError(t, k.Start(context.Background()))
	t.Cleanup(func() { _ = k.Shutdown(context.Background()) })
	return k, sr
}

type schemaPlugin struct {
	plugin.Base
	name    string
	objects map[string]registry.ObjectSchema
}

func (p *schemaPlugin) Name() string      { return p.name }
func (p *schemaPlugin) Version() string   { return "0.1.0" }
func (p *schemaPlugin) Kind() plugin.Kind { return plugin.KindSchema }

func (p *schemaPlugin) Install(ctx context.Context, h *plugin.Handle) error {
	for name, schema := range p.objects {
		if err := h.RegisterObject(name, schema); err != nil {
			return err
		}
	}
	return nil
}

func TestKernel_BootWiresConfiguredDrivers(t *testing.T) {
	k, _ := boot(t, nil)

	assert.Equal(t, []string{"memdriver.memory", catalog.Name}, k.Manager().BootOrder())
	assert.Equal(t, []string{"memory"}, k.Drivers().IDs())
	assert.Equal(t, map[string]error{"memdriver.memory": nil}, k.Health(context.Background()))
	assert.Same(t, k, k.Handle().Queries)

	collector, err := plugin.Resolve[*metrics.Collector](k.Services(), plugin.ServiceMetrics)
	require.NoError(t, err)
	assert.Same(t, k.Metrics(), collector)
}

func TestKernel_Query(t *testing.T) {
	k, _ := boot(t, nil)
	ctx := context.Background()

	rows, err := k.Query(ctx, compiler.Query{
		Object:     "Task",
		Filters:    []compiler.Filter{{Field: "status", Op: compiler.OpEq, Value: compiler.Lit("open")}},
		Projection: []string{"id", "title"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{
		{"id": "t1", "title": "Write planner"},
		{"id": "t3", "title": "Ship driver"},
	}, rows)

	rows, err = k.Query(ctx, compiler.Query{
		Object:     "Task",
		Filters:    []compiler.Filter{{Field: "points", Op: compiler.OpGte, Value: compiler.Param("min")}},
		Projection: []string{"id"},
	}, map[string]any{"min": 5})
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{{"id": "t1"}, {"id": "t3"}}, rows)

	rows, err = k.Query(ctx, compiler.Query{
		Object:     "Task",
		Joins:      []compiler.Join{{Relation: "owner", Kind: compiler.JoinInner}},
		Filters:    []compiler.Filter{{Field: "owner.name", Op: compiler.OpEq, Value: compiler.Lit("Ada")}},
		Projection: []string{"id", "owner.name"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{
		{"id": "t1", "owner.name": "Ada"},
		{"id": "t2", "owner.name": "Ada"},
	}, rows)

	_, err = k.Query(ctx, compiler.Query{Object: "Nope"}, nil)
	assert.True(t, errors.Is(err, kerrors.ErrPlanningError))
}

func TestKernel_QueryHooks(t *testing.T) {
	k, _ := boot(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	var after *hooks.QueryEvent
	_, err := k.Hooks().Register(hooks.BeforeQuery, 0, func(ctx context.Context, e *hooks.Event) error {
		ev := e.Payload.(*hooks.QueryEvent)
		ev.Params["min"] = 8
		mu.Lock()
		seen = append(seen, e.Name)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	_, err = k.Hooks().Register(hooks.AfterQuery, 0, func(ctx context.Context, e *hooks.Event) error {
		mu.Lock()
		seen = append(seen, e.Name)
		after = e.Payload.(*hooks.QueryEvent)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	params := map[string]any{"min": 1}
	rows, err := k.Query(ctx, compiler.Query{
		Object:     "Task",
		Filters:    []compiler.Filter{{Field: "points", Op: compiler.OpGte, Value: compiler.Param("min")}},
		Projection: []string{"id"},
	}, params)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{{"id": "t3"}}, rows, "beforeQuery handlers may rebind params")
	assert.Equal(t, 1, params["min"], "caller params are not modified")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{hooks.BeforeQuery, hooks.AfterQuery}, seen)
	require.NotNil(t, after)
	assert.Equal(t, "Task", after.Object)
	assert.Equal(t, "memory", after.Datasource)
	assert.Equal(t, 1, after.Rows)
	assert.NotEmpty(t, after.Fingerprint)
}

func TestKernel_BlockingHookAbortsQuery(t *testing.T) {
	k, _ := boot(t, nil)

	sub, err := k.Hooks().Register(hooks.BeforeQuery, 0, func(ctx context.Context, e *hooks.Event) error {
		return errors.New("denied")
	}, hooks.Blocking(), hooks.Named("guard"))
	require.NoError(t, err)

	_, err = k.Query(context.Background(), compiler.Query{Object: "Task"}, nil)
	assert.True(t, errors.Is(err, kerrors.ErrHookFailed))
	assert.Equal(t, float64(1), k.Metrics().Value(metrics.HookFailures, map[string]string{"event": hooks.BeforeQuery, "handler": "guard"}))
	assert.Equal(t, float64(1), k.Metrics().Value(metrics.Queries, map[string]string{"object": "Task", "status": "hook_failed"}))

	sub.Unsubscribe()
	_, err = k.Query(context.Background(), compiler.Query{Object: "Task"}, nil)
	assert.NoError(t, err)
}

func TestKernel_Mutate(t *testing.T) {
	k, _ := boot(t, nil)
	ctx := context.Background()

	var events []*hooks.MutationEvent
	record := func(ctx context.Context, e *hooks.Event) error {
		events = append(events, e.Payload.(*hooks.MutationEvent))
		return nil
	}
	_, err := k.Hooks().Register(hooks.BeforeMutation, 0, record)
	require.NoError(t, err)
	_, err = k.Hooks().Register(hooks.AfterMutation, 0, record)
	require.NoError(t, err)

	n, err := k.Mutate(ctx, compiler.Mutation{
		Kind:    compiler.MutationUpdate,
		Object:  "Task",
		Filters: []compiler.Filter{{Field: "id", Op: compiler.OpEq, Value: compiler.Lit("t3")}},
		Values:  map[string]any{"status": "done"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = k.Mutate(ctx, compiler.Mutation{
		Kind:    compiler.MutationDelete,
		Object:  "User",
		Filters: []compiler.Filter{{Field: "id", Op: compiler.OpEq, Value: compiler.Lit("u1")}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n, "user and both of their tasks")

	rows, err := k.Query(ctx, compiler.Query{Object: "Task", Projection: []string{"id", "status"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []plugin.Row{{"id": "t3", "status": "done"}}, rows)

	require.Len(t, events, 4)
	assert.Equal(t, []string{"Task", "User"}, events[2].Cascade)
	assert.Equal(t, int64(3), events[3].Affected)
	assert.Equal(t, float64(3), k.Metrics().Value(metrics.RowsAffected, map[string]string{"object": "User", "kind": "delete"}))

	_, err = k.Mutate(ctx, compiler.Mutation{Kind: compiler.MutationInsert, Object: "Task", Values: map[string]any{"nope": 1}})
	assert.True(t, errors.Is(err, kerrors.ErrPlanningError))
}

func TestKernel_CascadeAcrossDatasourcesRejected(t *testing.T) {
	settings := testSettings()
	settings.Drivers["archive"] = config.DriverConfig{Type: "memory"}
	k, _ := boot(t, settings, &schemaPlugin{name: "docs", objects: map[string]registry.ObjectSchema{
		"Folder": {
			Datasource: "memory",
			Fields:     []registry.FieldSchema{{Name: "id", Type: "string"}},
			Relations: []registry.RelationSchema{
				{Name: "docs", Target: "Doc", Cardinality: registry.Many, ForeignField: "folder_id", OnDelete: registry.Cascade},
			},
		},
		"Doc": {
			Datasource: "archive",
			Fields:     []registry.FieldSchema{{Name: "id", Type: "string"}, {Name: "folder_id", Type: "string"}},
		},
	}})

	_, err := k.Mutate(context.Background(), compiler.Mutation{Kind: compiler.MutationDelete, Object: "Folder"})
	assert.True(t, errors.Is(err, kerrors.ErrPlanningError))
}

func TestKernel_PoolTimeout(t *testing.T) {
	settings := testSettings()
	settings.Pool.AcquireTimeout = 30 * time.Millisecond
	settings.Drivers["memory"] = config.DriverConfig{Type: "memory", MaxConns: 1}
	k, _ := boot(t, settings)

	held, err := k.Pool().Acquire(context.Background(), "memory", time.Second)
	require.NoError(t, err)

	_, err = k.Query(context.Background(), compiler.Query{Object: "Task"}, nil)
	assert.True(t, errors.Is(err, kerrors.ErrPoolTimeout))
	require.NoError(t, k.Pool().Release(held))

	_, err = k.Query(context.Background(), compiler.Query{Object: "Task"}, nil)
	assert.NoError(t, err)

	k.CollectStats()
	assert.Equal(t, float64(1), k.Metrics().Value(metrics.PoolTimeouts, nil))
	assert.Equal(t, float64(1), k.Metrics().Value(metrics.PoolConnections, map[string]string{"driver": "memory", "state": "idle"}))
}

func TestKernel_PlanCacheMetrics(t *testing.T) {
	k, _ := boot(t, nil)
	q := compiler.Query{Object: "User", Projection: []string{"email"}}
	for i := 0; i < 3; i++ {
		_, err := k.Query(context.Background(), q, nil)
		require.NoError(t, err)
	}

	assert.Equal(t, float64(2), k.Metrics().Value(metrics.PlanCacheRequests, map[string]string{"result": "hit"}))
	k.CollectStats()
	assert.Equal(t, float64(512), k.Metrics().Value(metrics.PlanCacheCapacity, nil))
}

func TestKernel_Spans(t *testing.T) {
	k, sr := boot(t, nil)
	ctx := context.Background()

	_, err := k.Query(ctx, compiler.Query{Object: "Task", Projection: []string{"id"}}, nil)
	require.NoError(t, err)
	_, err = k.Query(ctx, compiler.Query{Object: "Nope"}, nil)
	require.Error(t, err)

	var queries []sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == tracing.SpanQuery {
			queries = append(queries, s)
		}
	}
	require.Len(t, queries, 2)

	ok := attrs(queries[0])
	assert.Equal(t, "Task", ok[tracing.AttrObject])
	assert.Equal(t, "memory", ok[tracing.AttrDatasource])
	assert.NotEmpty(t, ok[tracing.AttrFingerprint])
	assert.Equal(t, codes.Ok, queries[0].Status().Code)

	failed := attrs(queries[1])
	assert.Equal(t, "planning_error", failed[tracing.AttrErrorType])
	assert.Equal(t, codes.Error, queries[1].Status().Code)

	var mutates int
	for _, s := range sr.Ended() {
		if s.Name() == tracing.SpanMutate {
			mutates++
		}
	}
	assert.Equal(t, len(catalog.SampleRows()), mutates, "seeding runs through Mutate")
}

func attrs(s sdktrace.ReadOnlySpan) map[string]string {
	out := make(map[string]string)
	for _, kv := range s.Attributes() {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestKernel_ConfigurationErrors(t *testing.T) {
	settings := testSettings()
	_, err := New(Config{Settings: settings, DriverFactories: map[string]DriverFactory{}})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))

	settings = testSettings()
	settings.Pool.MaxTotal = 0
	_, err = New(Config{Settings: settings})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid))

	settings = testSettings()
	settings.Drivers["cache"] = config.DriverConfig{Type: "sql"}
	_, err = New(Config{Settings: settings})
	assert.True(t, errors.Is(err, kerrors.ErrInvalid), "sql datasource without a dsn")
}

func TestKernel_DisabledPlugin(t *testing.T) {
	settings := testSettings()
	disabled := false
	settings.Plugins[catalog.Name] = config.PluginConfig{Enabled: &disabled}
	k, _ := boot(t, settings)

	_, ok := k.Manager().Plugin(catalog.Name)
	assert.False(t, ok)
	_, ok = k.Registry().Object("Task")
	assert.False(t, ok)
}

func TestKernel_Shutdown(t *testing.T) {
	k, err := New(Config{Settings: testSettings()})
	require.NoError(t, err)
	require.NoError(t, k.Use(catalog.New()))
	require.NoError(t, k.Start(context.Background()))

	require.NoError(t, k.Shutdown(context.Background()))
	_, err = k.Query(context.Background(), compiler.Query{Object: "Task"}, nil)
	assert.True(t, errors.Is(err, kerrors.ErrPoolClosed))

	assert.True(t, errors.Is(k.Use(catalog.New()), kerrors.ErrInvalid), "registration after boot")
}
