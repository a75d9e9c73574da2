package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	var evicted []string
	c := NewLRU[string, int](2, WithEvictCallback(func(k string, _ int) {
		evicted = append(evicted, k)
	}))

	c.Add("a", 1)
	c.Add("b", 2)
	_, ok := c.Get("a")
	require.True(t, ok)

	assert.True(t, c.Add("c", 3))
	assert.Equal(t, []string{"b"}, evicted)

	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "c"}, c.Keys())
}

func TestLRU_StatsSeparateEvictionsFromRemovals(t *testing.T) {
	c := NewLRU[int, string](2)
	c.Add(1, "one")
	c.Add(2, "two")
	c.Add(3, "three")
	assert.True(t, c.Remove(2))
	assert.False(t, c.Remove(2))
	c.Get(3)
	c.Get(42)
	c.Purge()

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(3), stats.Sets)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Purges)
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, 2, stats.Capacity)
	assert.InDelta(t, 50.0, stats.HitRate, 0.001)

	c.ResetStats()
	assert.Equal(t, int64(0), c.Stats().Hits)
}

func TestLRU_DefaultCapacity(t *testing.T) {
	c := NewLRU[string, string](0)
	assert.Equal(t, DefaultCapacity, c.Capacity())
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c := NewLRU[string, int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*i)%40)
				c.Add(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 16)
	stats := c.Stats()
	assert.Equal(t, int64(1600), stats.Sets)
}
