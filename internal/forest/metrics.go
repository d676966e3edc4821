package forest

import (
	"meqserver/internal/global"
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	Executes    atomic.Uint64 // Node execute calls
	CacheHits   atomic.Uint64 // Executes answered from cache
	Fails       atomic.Uint64 // Executes ending in a fail result
	Aborts      atomic.Uint64 // Executes cut short by abort
	Breakpoints atomic.Uint64 // Breakpoint stops
	AsyncStarts atomic.Uint64 // Children started on a pool worker
}

func (forest *Forest) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	recordTime := time.Now()
	namespace := []string{global.NSForest}

	add := func(name string, raw interface{}, unit string, t metrics.MetricType, description string) {
		collection = append(collection, metrics.Metric{
			Name:        name,
			Description: description,
			Namespace:   namespace,
			Type:        t,
			Timestamp:   recordTime,
			Value: metrics.MetricValue{
				Raw:      raw,
				Unit:     unit,
				Interval: interval,
			},
		})
	}

	add("executes", forest.Metrics.Executes.Swap(0), "count", metrics.Counter, "Node executions in the interval")
	add("cache_hits", forest.Metrics.CacheHits.Swap(0), "count", metrics.Counter, "Node executions served from cache in the interval")
	add("fails", forest.Metrics.Fails.Swap(0), "count", metrics.Counter, "Node executions producing fail results in the interval")
	add("aborts", forest.Metrics.Aborts.Swap(0), "count", metrics.Counter, "Node executions aborted in the interval")
	add("breakpoints", forest.Metrics.Breakpoints.Swap(0), "count", metrics.Counter, "Breakpoint stops in the interval")
	add("async_starts", forest.Metrics.AsyncStarts.Swap(0), "count", metrics.Counter, "Children polled on pool workers in the interval")
	add("nodes", uint64(forest.Len()), "count", metrics.Gauge, "Nodes in the forest")
	add("serial", forest.Serial(), "count", metrics.Gauge, "Forest change serial")
	return
}
