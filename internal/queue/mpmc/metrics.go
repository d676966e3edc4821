package mpmc

import (
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	Depth   atomic.Uint64 // Items currently queued
	BytesIn atomic.Uint64 // Byte estimate of everything pushed through PushBlocking

	PushAttempts   atomic.Uint64
	PushSuccess    atomic.Uint64
	PushFull       atomic.Uint64
	PushCASRetries atomic.Uint64
	PushSeqAhead   atomic.Uint64

	PopAttempts    atomic.Uint64
	PopSuccess     atomic.Uint64
	PopEmpty       atomic.Uint64
	PopCASRetries  atomic.Uint64
	PopWaitSignals atomic.Uint64
	PopSeqBehind   atomic.Uint64
}

func (queue *Queue[T]) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	rings := []*ring[T]{queue.writer.Load()}
	if read := queue.reader.Load(); read != rings[0] {
		rings = append(rings, read)
	}

	var depth, pushes, pushFull, pushContention, pops, popEmpty, popContention, wakeups uint64
	for _, r := range rings {
		depth += r.stats.Depth.Load()
		pushes += r.stats.PushSuccess.Swap(0)
		pushFull += r.stats.PushFull.Swap(0)
		pushContention += r.stats.PushCASRetries.Swap(0) + r.stats.PushSeqAhead.Swap(0)
		pops += r.stats.PopSuccess.Swap(0)
		popEmpty += r.stats.PopEmpty.Swap(0)
		popContention += r.stats.PopCASRetries.Swap(0) + r.stats.PopSeqBehind.Swap(0)
		wakeups += r.stats.PopWaitSignals.Swap(0)
		r.stats.PushAttempts.Store(0)
		r.stats.PopAttempts.Store(0)
	}

	recordTime := time.Now()
	add := func(name string, raw interface{}, unit string, t metrics.MetricType, description string) {
		collection = append(collection, metrics.Metric{
			Name:        name,
			Description: description,
			Namespace:   queue.Namespace,
			Type:        t,
			Timestamp:   recordTime,
			Value: metrics.MetricValue{
				Raw:      raw,
				Unit:     unit,
				Interval: interval,
			},
		})
	}

	add("depth", depth, "count", metrics.Gauge, "Current number of queued items")
	add("capacity", uint64(rings[0].capacity), "count", metrics.Gauge, "Capacity of the ring accepting pushes")
	add("pushes", pushes, "count", metrics.Counter, "Items pushed in the interval")
	add("push_full", pushFull, "count", metrics.Counter, "Pushes rejected because the queue was full")
	add("push_contention", pushContention, "count", metrics.Counter, "Push retries caused by competing producers")
	add("pops", pops, "count", metrics.Counter, "Items popped in the interval")
	add("pop_empty", popEmpty, "count", metrics.Counter, "Pops that found the queue empty")
	add("pop_contention", popContention, "count", metrics.Counter, "Pop retries caused by competing consumers")
	add("pop_wakeups", wakeups, "count", metrics.Counter, "Parked consumers woken by a push")
	return
}
