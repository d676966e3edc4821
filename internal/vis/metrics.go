package vis

import (
	"meqserver/internal/global"
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	Headers       atomic.Uint64
	DataEvents    atomic.Uint64
	Snippets      atomic.Uint64
	SnippetsEnded atomic.Uint64
	TilesWritten  atomic.Uint64
	TileErrors    atomic.Uint64
	SinkWaits     atomic.Uint64
	EmptyStreams  atomic.Uint64

	StreamsAbandoned atomic.Uint64
}

func (class *Mux) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	namespace := []string{global.NSMux}
	if class.node != nil {
		namespace = append(namespace, class.node.Name())
	}
	recordTime := time.Now()

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

	add("headers", class.Metrics.Headers.Swap(0), "count", metrics.Counter, "Stream headers received")
	add("data_events", class.Metrics.DataEvents.Swap(0), "count", metrics.Counter, "Tiles received")
	add("snippets", class.Metrics.Snippets.Swap(0), "count", metrics.Counter, "Snippets started")
	add("tiles_written", class.Metrics.TilesWritten.Swap(0), "count", metrics.Counter, "Updated tiles passed to the output")
	add("tile_errors", class.Metrics.TileErrors.Swap(0), "count", metrics.Counter, "Tiles rejected or failed by a sink")
	add("sink_waits", class.Metrics.SinkWaits.Swap(0), "count", metrics.Counter, "Sink polls repeated after a wait")
	add("empty_streams", class.Metrics.EmptyStreams.Swap(0), "count", metrics.Counter, "Streams finished without data")
	add("streams_abandoned", class.Metrics.StreamsAbandoned.Swap(0), "count", metrics.Counter, "Streams dropped before their footer")
	return
}

func (writer *QueuedWriter) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	collection = writer.queue.CollectMetrics(interval)
	return
}
