package meqserver

import (
	"meqserver/internal/global"
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	Commands  atomic.Uint64 // Commands completed
	Failed    atomic.Uint64 // Commands returning an error
	Rejected  atomic.Uint64 // Unknown, dropped or refused commands
	Queued    atomic.Uint64 // Sync commands handed to the exec goroutine
	Events    atomic.Uint64 // Events emitted to listeners
	TotalTime atomic.Uint64 // ns spent in command handlers
	MaxTime   atomic.Uint64 // ns, longest command
}

func (storage *MetricStorage) recordTime(started time.Time) {
	elapsed := uint64(time.Since(started).Nanoseconds())
	storage.TotalTime.Add(elapsed)
	for {
		current := storage.MaxTime.Load()
		if elapsed <= current || storage.MaxTime.CompareAndSwap(current, elapsed) {
			return
		}
	}
}

func (srv *Server) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	recordTime := time.Now()
	namespace := []string{global.NSDaemon, global.NSExec}

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

	commands := srv.Metrics.Commands.Swap(0)
	totalTime := srv.Metrics.TotalTime.Swap(0)
	var avgTime float64
	if commands > 0 {
		avgTime = float64(totalTime) / float64(commands)
	}

	srv.mu.Lock()
	queued := uint64(len(srv.queue))
	srv.mu.Unlock()

	add("commands", commands, "count", metrics.Counter, "Commands completed in the interval")
	add("failed", srv.Metrics.Failed.Swap(0), "count", metrics.Counter, "Commands failing in the interval")
	add("rejected", srv.Metrics.Rejected.Swap(0), "count", metrics.Counter, "Commands refused or dropped in the interval")
	add("queued", srv.Metrics.Queued.Swap(0), "count", metrics.Counter, "Sync commands queued in the interval")
	add("events", srv.Metrics.Events.Swap(0), "count", metrics.Counter, "Server events emitted in the interval")
	add("avg_command_time", avgTime, "ns", metrics.Summary, "Average command handler time")
	add("max_command_time", srv.Metrics.MaxTime.Swap(0), "ns", metrics.Summary, "Longest command handler time")
	add("queue_depth", queued, "count", metrics.Gauge, "Sync commands waiting for the exec goroutine")
	return
}
