package beats

import (
	"meqserver/internal/metrics"
	"sync/atomic"
	"time"
)

type MetricStorage struct {
	EventsSent atomic.Uint64
	SendErrors atomic.Uint64
}

func (mod *OutModule) CollectMetrics(interval time.Duration) (collection []metrics.Metric) {
	sent := mod.metrics.EventsSent.Swap(0)
	failed := mod.metrics.SendErrors.Swap(0)
	recordTime := time.Now()

	collection = []metrics.Metric{
		{
			Name:        "events_sent",
			Description: "Events acknowledged by the beats server in the interval",
			Namespace:   mod.Namespace,
			Value: metrics.MetricValue{
				Raw:      sent,
				Unit:     "count",
				Interval: interval,
			},
			Type:      metrics.Counter,
			Timestamp: recordTime,
		},
		{
			Name:        "send_errors",
			Description: "Failed event sends in the interval",
			Namespace:   mod.Namespace,
			Value: metrics.MetricValue{
				Raw:      failed,
				Unit:     "count",
				Interval: interval,
			},
			Type:      metrics.Counter,
			Timestamp: recordTime,
		},
	}
	return
}
