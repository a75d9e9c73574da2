package compiler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/registry"
)

func queryFor(i int) Query {
	return Query{Object: "User", Filters: []Filter{{Field: "age", Op: OpEq, Value: Lit(i)}}}
}

func TestCompile_CacheHitReturnsSamePlan(t *testing.T) {
	schema := newSchema(t)
	c := New(Config{CacheCapacity: 4})

	first, err := c.Compile(context.Background(), queryFor(1), schema)
	require.NoError(t, err)
	second, err := c.Compile(context.Background(), Query{
		Object:  "User",
		Filters: []Filter{{Field: "age", Op: OpEq, Value: Lit(1.0)}, {Field: "age", Op: OpEq, Value: Lit(1)}},
	}, schema)
	require.NoError(t, err)

	assert.Same(t, first, second)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Planned)
	assert.Equal(t, int64(1), stats.Cache.Hits)
}

func TestCompile_OnLookup(t *testing.T) {
	schema := newSchema(t)
	var hits, misses int
	c := New(Config{CacheCapacity: 4, OnLookup: func(hit bool) {
		if hit {
			hits++
		} else {
			misses++
		}
	}})

	for i := 0; i < 3; i++ {
		_, err := c.Compile(context.Background(), queryFor(1), schema)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, hits)
	assert.Equal(t, 1, misses)
}

func TestCompile_EvictsLeastRecentlyCompiled(t *testing.T) {
	schema := newSchema(t)
	c := New(Config{CacheCapacity: 2})

	var fps []string
	for i := 1; i <= 3; i++ {
		p, err := c.Compile(context.Background(), queryFor(i), schema)
		require.NoError(t, err)
		fps = append(fps, p.Fingerprint)
	}

	_, ok := c.Cached(fps[0])
	assert.False(t, ok, "F1 should be evicted")
	_, ok = c.Cached(fps[1])
	assert.True(t, ok, "F2 should be cached")
	_, ok = c.Cached(fps[2])
	assert.True(t, ok, "F3 should be cached")
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, int64(1), c.Stats().Cache.Evictions)
}

func TestCompile_GenerationChangePurges(t *testing.T) {
	schema := newSchema(t)
	c := New(Config{})

	_, err := c.Compile(context.Background(), queryFor(1), schema)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	purges := c.Stats().Cache.Purges

	require.NoError(t, schema.Register(registry.Item{Type: registry.TypeView, Name: "active_users", Package: "views"}))
	_, err = c.Compile(context.Background(), queryFor(2), schema)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, purges+1, c.Stats().Cache.Purges)
}

// gatedSchema blocks Object lookups until the gate opens.
type gatedSchema struct {
	SchemaView
	gate    chan struct{}
	lookups atomic.Int32
}

func (g *gatedSchema) Object(name string) (registry.ObjectSchema, bool) {
	g.lookups.Add(1)
	<-g.gate
	return g.SchemaView.Object(name)
}

func TestCompile_SingleFlight(t *testing.T) {
	schema := &gatedSchema{SchemaView: newSchema(t), gate: make(chan struct{})}
	c := New(Config{})

	const callers = 16
	plans := make([]*Plan, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.Compile(context.Background(), queryFor(7), schema)
			if err == nil {
				plans[i] = p
			}
		}(i)
	}

	require.Eventually(t, func() bool { return schema.lookups.Load() > 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(schema.gate)
	wg.Wait()

	for _, p := range plans {
		require.NotNil(t, p)
		assert.Same(t, plans[0], p)
	}
	assert.Equal(t, int64(1), c.Stats().Planned)
}

// evolvingSchema serves User as newSchema does until evolve adds an age
// index. Lookups made under the first generation block until the gate opens.
type evolvingSchema struct {
	base    *registry.Registry
	gate    chan struct{}
	lookups atomic.Int32

	mu      sync.Mutex
	evolved bool
}

func (s *evolvingSchema) evolve() {
	s.mu.Lock()
	s.evolved = true
	s.mu.Unlock()
}

func (s *evolvingSchema) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evolved {
		return 2
	}
	return 1
}

func (s *evolvingSchema) Object(name string) (registry.ObjectSchema, bool) {
	s.mu.Lock()
	evolved := s.evolved
	s.mu.Unlock()
	obj, ok := s.base.Object(name)
	if !evolved {
		s.lookups.Add(1)
		<-s.gate
		return obj, ok
	}
	if name == "User" {
		obj.Indexes = append(slices.Clone(obj.Indexes), registry.IndexSchema{Name: "users_age", Fields: []string{"age"}})
	}
	return obj, ok
}

func TestCompile_NewGenerationDoesNotJoinStalePlanning(t *testing.T) {
	schema := &evolvingSchema{base: newSchema(t), gate: make(chan struct{})}
	c := New(Config{})

	stale := make(chan *Plan, 1)
	go func() {
		p, err := c.Compile(context.Background(), queryFor(5), schema)
		assert.NoError(t, err)
		stale <- p
	}()
	require.Eventually(t, func() bool { return schema.lookups.Load() > 0 }, time.Second, time.Millisecond)

	schema.evolve()
	fresh, err := c.Compile(context.Background(), queryFor(5), schema)
	require.NoError(t, err)
	assert.Equal(t, []string{"users_age"}, fresh.ChosenIndexes)

	close(schema.gate)
	old := <-stale
	assert.Empty(t, old.ChosenIndexes)
	assert.Equal(t, int64(0), c.Stats().Shared)

	cached, ok := c.Cached(fresh.Fingerprint)
	require.True(t, ok)
	assert.Same(t, fresh, cached, "a plan built against an older schema is never cached")
}

func TestCompile_AbandonedWaiterStillCaches(t *testing.T) {
	schema := &gatedSchema{SchemaView: newSchema(t), gate: make(chan struct{})}
	c := New(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Compile(ctx, queryFor(3), schema)
		done <- err
	}()

	require.Eventually(t, func() bool { return schema.lookups.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, kerrors.ErrorTypeInternal, kerrors.TypeOf(err))

	close(schema.gate)
	fp, err := Fingerprint(queryFor(3))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := c.Cached(fp)
		return ok
	}, time.Second, time.Millisecond)
}

func TestCompile_IdempotentProperty(t *testing.T) {
	schema := newSchema(t)
	fields := []string{"id", "email", "name", "team_id", "age"}
	ops := []Op{OpEq, OpNe, OpGt, OpLt, OpLike, OpIsNull}

	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 4).Draw(rt, "capacity")
		c := New(Config{CacheCapacity: capacity})

		n := rapid.IntRange(1, 6).Draw(rt, "queries")
		for i := 0; i < n; i++ {
			var filters []Filter
			for j := rapid.IntRange(0, 3).Draw(rt, "filters"); j > 0; j-- {
				f := Filter{
					Field: rapid.SampledFrom(fields).Draw(rt, "field"),
					Op:    rapid.SampledFrom(ops).Draw(rt, "op"),
				}
				if f.Op != OpIsNull {
					f.Value = Lit(rapid.IntRange(0, 5).Draw(rt, "value"))
				}
				filters = append(filters, f)
			}
			q := Query{Object: "User", Filters: filters, Limit: rapid.IntRange(0, 3).Draw(rt, "limit")}

			first, err := c.Compile(context.Background(), q, schema)
			if err != nil {
				rt.Fatalf("compile: %v", err)
			}
			second, err := c.Compile(context.Background(), q, schema)
			if err != nil {
				rt.Fatalf("recompile: %v", err)
			}
			if first != second {
				rt.Fatalf("second compile of %s did not come from the cache", first.Fingerprint)
			}
			if c.Len() > capacity {
				rt.Fatalf("cache holds %d plans, capacity %d", c.Len(), capacity)
			}
		}
	})
}

func BenchmarkCompileCached(b *testing.B) {
	schema := newSchema(b)
	c := New(Config{})
	q := queryFor(1)
	if _, err := c.Compile(context.Background(), q, schema); err != nil {
		b.Fatal(err)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := c.Compile(context.Background(), q, schema); err != nil {
			b.Fatal(fmt.Sprint(err))
		}
	}
}
