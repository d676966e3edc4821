package meqserver

import (
	"context"
	"meqserver/internal/dispatch"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/metrics"
	"time"
)

// Gathers component metrics into the central registry
type Gatherer struct {
	Interval   time.Duration     // Polling interval to gather metrics at
	Retention  time.Duration     // Maximum time to maintain metrics for
	Registry   *metrics.Registry // Storage for metric data
	dispatcher *dispatch.Dispatcher
	forest     *forest.Forest
	server     *Server
}

func NewGatherer(dsp *dispatch.Dispatcher, f *forest.Forest, srv *Server, interval time.Duration, maximumMetricAge time.Duration) (new *Gatherer) {
	new = &Gatherer{
		Registry:   metrics.New(global.NSDispatcher, global.NSForest, global.NSDaemon, global.NSMux),
		Interval:   interval,
		Retention:  maximumMetricAge,
		dispatcher: dsp,
		forest:     f,
		server:     srv,
	}
	return
}

func (gatherer *Gatherer) Run(ctx context.Context) {
	ctx = logctx.AppendCtxTag(ctx, global.NSMetric)

	lastRun := time.Now()

	ticker := time.NewTicker(gatherer.Interval / 2) // Use polling interval half of desired record interval
	defer ticker.Stop()

	// Counter to track how many ticks have passed (for retention)
	var tickCount int

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastRun) >= gatherer.Interval {
				timeSlice := gatherer.Registry.NewTimeSlice(now, gatherer.Interval)

				lastRun = now
				go gatherer.runIntervalTasks(ctx, timeSlice, gatherer.Interval)
			}

			tickCount++
			if tickCount >= 30 {
				removed := gatherer.Registry.Prune(now, gatherer.Retention)
				if removed > 0 {
					logctx.LogEvent(ctx, global.VerbosityData, global.InfoLog,
						"pruned %d metrics older than %v\n", removed, gatherer.Retention)
				}
				tickCount = 0
			}
		}
	}
}

// Read metrics of each component once
func (gatherer *Gatherer) runIntervalTasks(ctx context.Context, timeSlice time.Time, interval time.Duration) (stored int, err error) {
	var collectors []metrics.Collector
	if gatherer.dispatcher != nil {
		collectors = append(collectors, gatherer.dispatcher)
	}
	if gatherer.forest != nil {
		collectors = append(collectors, gatherer.forest)
	}
	if gatherer.server != nil {
		collectors = append(collectors, gatherer.server)
		// Stream modules exist only while Stream.Run is active
		collectors = append(collectors, gatherer.server.ActiveCollectors()...)
	}

	stored, err = gatherer.Registry.Collect(timeSlice, interval, collectors...)
	if err != nil {
		logctx.LogEvent(ctx, global.VerbosityStandard, global.WarnLog,
			"metric collection incomplete: %v\n", err)
	}
	logctx.LogEvent(ctx, global.VerbosityData, global.InfoLog,
		"stored %d metrics from %d collectors\n", stored, len(collectors))
	return
}
