package metrics

import (
	"strconv"
	"time"

	"github.com/leeforge/kernel/cache"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/pool"
)

// Kernel metric names.
const (
	PlanCacheRequests  = "kernel_plan_cache_requests_total"
	PlanCacheEntries   = "kernel_plan_cache_entries"
	PlanCacheCapacity  = "kernel_plan_cache_capacity"
	PlanCacheEvictions = "kernel_plan_cache_evictions"
	PoolWaitSeconds    = "kernel_pool_wait_seconds"
	PoolConnections    = "kernel_pool_connections"
	PoolWaiters        = "kernel_pool_waiters"
	PoolTimeouts       = "kernel_pool_timeouts"
	HookFailures       = "kernel_hook_failures_total"
	Queries            = "kernel_queries_total"
	QuerySeconds       = "kernel_query_duration_seconds"
	Mutations          = "kernel_mutations_total"
	MutationSeconds    = "kernel_mutation_duration_seconds"
	RowsReturned       = "kernel_rows_returned_total"
	RowsAffected       = "kernel_rows_affected_total"
)

// RecordPlanCache counts one plan lookup.
func (c *Collector) RecordPlanCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.IncCounter(PlanCacheRequests, map[string]string{"result": result})
}

// SetPlanCacheStats mirrors the plan cache counters into gauges.
func (c *Collector) SetPlanCacheStats(s cache.Stats) {
	c.SetGauge(PlanCacheEntries, float64(s.Size), nil)
	c.SetGauge(PlanCacheCapacity, float64(s.Capacity), nil)
	c.SetGauge(PlanCacheEvictions, float64(s.Evictions), nil)
}

// RecordPoolWait observes how long an Acquire took for driver.
func (c *Collector) RecordPoolWait(driver string, waited time.Duration) {
	c.ObserveHistogram(PoolWaitSeconds, waited.Seconds(), map[string]string{"driver": driver})
}

// SetPoolStats mirrors per-driver pool counts into gauges.
func (c *Collector) SetPoolStats(s pool.Stats) {
	for id, d := range s.Drivers {
		c.SetGauge(PoolConnections, float64(d.Idle), map[string]string{"driver": id, "state": "idle"})
		c.SetGauge(PoolConnections, float64(d.InUse), map[string]string{"driver": id, "state": "in_use"})
		c.SetGauge(PoolWaiters, float64(d.Waiting), map[string]string{"driver": id})
	}
	c.SetGauge(PoolTimeouts, float64(s.Timeouts), nil)
}

// RecordHookFailure counts a failed hook handler.
func (c *Collector) RecordHookFailure(event, handler string) {
	c.IncCounter(HookFailures, map[string]string{"event": event, "handler": handler})
}

// RecordQuery counts a query against object, the rows it returned and
// its duration.
func (c *Collector) RecordQuery(object string, took time.Duration, rows int, err error) {
	c.IncCounter(Queries, map[string]string{"object": object, "status": status(err)})
	c.ObserveHistogram(QuerySeconds, took.Seconds(), map[string]string{"object": object})
	if err == nil && rows > 0 {
		c.AddCounter(RowsReturned, float64(rows), map[string]string{"object": object})
	}
}

// RecordMutation counts a mutation and the rows it affected.
func (c *Collector) RecordMutation(object, kind string, took time.Duration, affected int64, err error) {
	c.IncCounter(Mutations, map[string]string{"object": object, "kind": kind, "status": status(err)})
	c.ObserveHistogram(MutationSeconds, took.Seconds(), map[string]string{"object": object, "kind": kind})
	if err == nil && affected > 0 {
		c.AddCounter(RowsAffected, float64(affected), map[string]string{"object": object, "kind": kind})
	}
}

// status labels an outcome with "ok" or the kernel error type.
func status(err error) string {
	if err == nil {
		return "ok"
	}
	return string(kerrors.TypeOf(err))
}

// formatValue renders a sample value the way the text format expects.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
