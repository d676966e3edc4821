package file

import (
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	LinesRead    atomic.Uint64 // number of lines read from source
	Success      atomic.Uint64 // number of events accepted by the mux
	Invalid      atomic.Uint64 // lines that did not decode
	LinesWritten atomic.Uint64
	BytesWritten atomic.Uint64
}

func collect(namespace []string, interval time.Duration, add func(add func(name string, raw interface{}, unit string, description string))) (collection []metrics.Metric) {
	recordTime := time.Now()
	add(func(name string, raw interface{}, unit string, description string) {
		collection = append(collection, metrics.Metric{
			Name:        name,
			Description: description,
			Namespace:   namespace,
			Value: metrics.MetricValue{
				Raw:      raw,
				Unit:     unit,
				Interval: interval,
			},
			Type:      metrics.Counter,
			Timestamp: recordTime,
		})
	})
	return
}

func (mod *InModule) CollectMetrics(interval time.Duration) []metrics.Metric {
	return collect(mod.Namespace, interval, func(add func(string, interface{}, string, string)) {
		add("lines_read", mod.metrics.LinesRead.Swap(0), "count", "Total lines read from file in the interval")
		add("success_processed", mod.metrics.Success.Swap(0), "count", "Stream events accepted by the mux in the interval")
		add("invalid_lines", mod.metrics.Invalid.Swap(0), "count", "Lines that could not be decoded in the interval")
	})
}

func (mod *OutModule) CollectMetrics(interval time.Duration) []metrics.Metric {
	return collect(mod.Namespace, interval, func(add func(string, interface{}, string, string)) {
		add("lines_written", mod.metrics.LinesWritten.Swap(0), "count", "Stream lines written in the interval")
		add("bytes_written", mod.metrics.BytesWritten.Swap(0), "bytes", "Uncompressed bytes written in the interval")
	})
}
