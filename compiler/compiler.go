// Package compiler turns query ASTs into plans and caches them by the
// fingerprint of the normalized AST.
package compiler

import (
	"context"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/singleflight"

	"github.com/leeforge/kernel/cache"
	kerrors "github.com/leeforge/kernel/errors"
	kjson "github.com/leeforge/kernel/json"
	"github.com/leeforge/kernel/logging"
)

// Config configures a Compiler.
type Config struct {
	// CacheCapacity bounds the number of cached plans.
	CacheCapacity int
	Logger        *zap.Logger

	// OnLookup observes every plan cache lookup.
	OnLookup func(hit bool)
}

// Stats reports cache and compile activity.
type Stats struct {
	Cache   cache.Stats `json:"cache"`
	Planned int64       `json:"planned"`
	Shared  int64       `json:"shared"`
}

// Compiler is safe for concurrent use.
type Compiler struct {
	plans    *cache.LRU[string, *Plan]
	flight   singleflight.Group
	logger   *zap.Logger
	onLookup func(hit bool)

	genMu      sync.Mutex
	generation atomic.Uint64

	planned atomic.Int64
	shared  atomic.Int64
}

// New creates a compiler with an empty plan cache.
func New(config Config) *Compiler {
	c := &Compiler{
		logger:   logging.OrNop(config.Logger).Named("compiler"),
		onLookup: config.OnLookup,
	}
	c.plans = cache.NewLRU[string, *Plan](config.CacheCapacity, cache.WithEvictCallback[string, *Plan](func(fp string, _ *Plan) {
		c.logger.Debug("plan evicted", logging.Fingerprint(fp))
	}))
	return c
}

// Fingerprint returns the hex blake2b-256 hash of the normalized query.
func Fingerprint(q Query) (string, error) {
	nq, err := Normalize(q)
	if err != nil {
		return "", err
	}
	return fingerprint(nq)
}

func fingerprint(normalized Query) (string, error) {
	data, err := kjson.MarshalCanonical(normalized)
	if err != nil {
		return "", kerrors.NewPlanningError("encode query: %v", err)
	}
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Compile returns the plan for q. Cached plans are returned as is.
// Concurrent misses on the same fingerprint and schema generation share one
// planning run; a caller never joins a run started against an older schema.
// A caller whose ctx ends stops waiting, but the plan is still cached for
// later callers.
func (c *Compiler) Compile(ctx context.Context, q Query, schema SchemaView) (*Plan, error) {
	if schema == nil {
		return nil, kerrors.NewInvalid("compiler: nil schema view")
	}
	gen := schema.Generation()
	c.syncGeneration(gen)

	nq, err := Normalize(q)
	if err != nil {
		return nil, err
	}
	fp, err := fingerprint(nq)
	if err != nil {
		return nil, err
	}

	p, ok := c.plans.Get(fp)
	if c.onLookup != nil {
		c.onLookup(ok)
	}
	if ok {
		return p, nil
	}

	key := strconv.FormatUint(gen, 10) + "/" + fp
	ch := c.flight.DoChan(key, func() (any, error) {
		if p, ok := c.plans.Peek(fp); ok {
			return p, nil
		}
		p, err := plan(nq, fp, schema)
		if err != nil {
			return nil, err
		}
		c.planned.Add(1)
		// A plan built against a schema that changed meanwhile is returned
		// but not cached.
		if schema.Generation() == gen {
			c.plans.Add(fp, p)
		}
		c.logger.Debug("plan compiled",
			logging.Fingerprint(fp),
			logging.Object(p.Object),
			zap.Strings("indexes", p.ChosenIndexes),
		)
		return p, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.shared.Add(1)
		}
		return res.Val.(*Plan), nil
	case <-ctx.Done():
		return nil, kerrors.NewCanceled("compile", ctx.Err())
	}
}

// syncGeneration purges the cache the first time a new schema generation
// is seen.
func (c *Compiler) syncGeneration(gen uint64) {
	if c.generation.Load() == gen {
		return
	}
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.generation.Load() == gen {
		return
	}
	c.plans.Purge()
	c.generation.Store(gen)
	c.logger.Debug("plan cache purged", zap.Uint64("generation", gen))
}

// Cached returns the cached plan for fingerprint without affecting recency.
func (c *Compiler) Cached(fingerprint string) (*Plan, bool) {
	return c.plans.Peek(fingerprint)
}

// Len returns the number of cached plans.
func (c *Compiler) Len() int { return c.plans.Len() }

// Capacity returns the plan cache capacity.
func (c *Compiler) Capacity() int { return c.plans.Capacity() }

// Purge drops every cached plan.
func (c *Compiler) Purge() { c.plans.Purge() }

// Stats returns cache and compile counters.
func (c *Compiler) Stats() Stats {
	return Stats{
		Cache:   c.plans.Stats(),
		Planned: c.planned.Load(),
		Shared:  c.shared.Load(),
	}
}
