package dispatch

import (
	"meqserver/internal/global"
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	Ticks          atomic.Uint64 // Scheduling rounds
	Polls          atomic.Uint64 // Work process polls
	Sends          atomic.Uint64 // Send calls
	Deliveries     atomic.Uint64 // Messages enqueued to recipients
	Undelivered    atomic.Uint64 // Sends with no recipient
	Events         atomic.Uint64 // Timeout/input/signal messages generated
	Signals        atomic.Uint64 // Signals caught
	CallbackErrors atomic.Uint64 // Hook errors and recovered panics
	Attached       atomic.Uint64 // Work processes currently attached
}

func (dsp *Dispatcher) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	recordTime := time.Now()
	namespace := []string{global.NSDispatcher, dsp.address.String()}

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

	add("ticks", dsp.Metrics.Ticks.Swap(0), "count", metrics.Counter, "Scheduling rounds in the interval")
	add("polls", dsp.Metrics.Polls.Swap(0), "count", metrics.Counter, "Work process polls in the interval")
	add("sends", dsp.Metrics.Sends.Swap(0), "count", metrics.Counter, "Messages sent in the interval")
	add("deliveries", dsp.Metrics.Deliveries.Swap(0), "count", metrics.Counter, "Messages enqueued to recipients in the interval")
	add("undelivered", dsp.Metrics.Undelivered.Swap(0), "count", metrics.Counter, "Messages without recipients in the interval")
	add("events", dsp.Metrics.Events.Swap(0), "count", metrics.Counter, "Event messages generated in the interval")
	add("signals", dsp.Metrics.Signals.Swap(0), "count", metrics.Counter, "Process signals caught in the interval")
	add("callback_errors", dsp.Metrics.CallbackErrors.Swap(0), "count", metrics.Counter, "Work process hook failures in the interval")
	add("work_processes", dsp.Metrics.Attached.Load(), "count", metrics.Gauge, "Attached work processes")
	return
}
