package meqserver

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/externalio/beats"
	"meqserver/internal/externalio/file"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/metrics"
	"meqserver/internal/record"
	"meqserver/internal/vis"
	"time"

	"github.com/dustin/go-humanize"
)

// Stream settings for one run: configured values overridden by command arguments
func (srv *Server) streamConfig(args record.Record) (cfg StreamConfig) {
	cfg = srv.stream
	cfg.InputPath = args.String("input", cfg.InputPath)
	cfg.StateFile = args.String("state_file", cfg.StateFile)
	cfg.Follow = args.Bool("follow", cfg.Follow)
	cfg.OutputPath = args.String("output", cfg.OutputPath)
	cfg.BeatsAddress = args.String("beats", cfg.BeatsAddress)
	cfg.OutputBatch = args.Int("output_batch", cfg.OutputBatch)
	cfg.setDefaults()
	return
}

func (srv *Server) setActive(collectors []metrics.Collector) {
	srv.activeMu.Lock()
	srv.active = collectors
	srv.activeMu.Unlock()
}

// Collectors of the running stream, empty when idle
func (srv *Server) ActiveCollectors() (collectors []metrics.Collector) {
	srv.activeMu.Lock()
	defer srv.activeMu.Unlock()
	collectors = append(collectors, srv.active...)
	return
}

// Feeds a tile stream file through the forest's mux into the configured outputs
func (srv *Server) runStream(ctx context.Context, args record.Record) (result record.Record, err error) {
	cfg := srv.streamConfig(args)
	if cfg.InputPath == "" {
		err = errors.New("no stream input configured")
		return
	}

	mux, err := vis.Find(srv.forest)
	if err != nil {
		return
	}

	namespace := []string{global.NSDaemon}
	input, err := file.NewInput(namespace, cfg.InputPath, cfg.StateFile)
	if err != nil {
		return
	}
	defer func() {
		shutdownErr := input.Shutdown()
		if shutdownErr != nil {
			logctx.LogEvent(srv.ctx, global.VerbosityStandard, global.WarnLog,
				"failed closing stream input: %v\n", shutdownErr)
		}
	}()

	collectors := []metrics.Collector{mux, input}
	var outputs []vis.TileWriter

	fileOut, err := file.NewOutput(namespace, cfg.OutputPath, cfg.OutputBatch)
	if err != nil {
		return
	}
	if fileOut != nil {
		outputs = append(outputs, fileOut)
		collectors = append(collectors, fileOut)
		defer func() {
			shutdownErr := fileOut.Shutdown()
			if shutdownErr != nil {
				err = errors.Join(err, fmt.Errorf("failed closing output file: %w", shutdownErr))
			}
		}()
	}

	beatsOut, err := beats.NewOutput(namespace, cfg.BeatsAddress)
	if err != nil {
		return
	}
	if beatsOut != nil {
		outputs = append(outputs, beatsOut)
		collectors = append(collectors, beatsOut)
		defer func() {
			shutdownErr := beatsOut.Shutdown()
			if shutdownErr != nil {
				logctx.LogEvent(srv.ctx, global.VerbosityStandard, global.WarnLog,
					"failed closing beats output: %v\n", shutdownErr)
			}
		}()
	}

	if len(outputs) > 0 {
		var writer *vis.QueuedWriter
		writer, err = vis.NewQueuedWriter(srv.ctx, uint64(cfg.MinQueueSize), cfg.MinQueueSize, cfg.MaxQueueSize, outputs...)
		if err != nil {
			return
		}
		writer.Start()
		defer writer.Close()
		collectors = append(collectors, writer)

		mux.SetWriter(writer)
		defer mux.SetWriter(nil)

		scaleCtx, stopScaling := context.WithCancel(srv.ctx)
		defer stopScaling()
		go scaleOutput(scaleCtx, writer)
	}

	srv.setActive(collectors)
	defer srv.setActive(nil)

	srv.emit(EventStreamStart, record.Record{
		"input":   cfg.InputPath,
		"output":  cfg.OutputPath,
		"beats":   cfg.BeatsAddress,
		"follow":  cfg.Follow,
		"outputs": len(outputs),
	})

	started := time.Now()
	if cfg.Follow {
		err = input.Follow(ctx, mux)
	} else {
		err = input.Run(ctx, mux)
	}
	elapsed := time.Since(started)
	stats := mux.Stats() // Counters of the last stream the input carried

	result = record.Record{
		"input":         cfg.InputPath,
		"data_events":   stats.DataEvents,
		"snippets":      stats.Snippets,
		"tiles_written": stats.TilesWritten,
		"errors":        stats.Errors,
		"empty_stream":  mux.EmptyStream(),
		"elapsed":       elapsed.String(),
	}
	if err != nil {
		result["error"] = err.Error()
	}

	srv.activeMu.Lock()
	srv.lastStream = result.Clone()
	srv.activeMu.Unlock()
	srv.emit(EventStreamEnd, result)

	logctx.LogEvent(srv.ctx, global.VerbosityStandard, global.InfoLog,
		"stream %s finished in %v: %s data events, %s snippets, %s tiles written\n",
		cfg.InputPath, elapsed.Round(time.Millisecond),
		humanize.Comma(int64(stats.DataEvents)),
		humanize.Comma(int64(stats.Snippets)),
		humanize.Comma(int64(stats.TilesWritten)))
	return
}

// Grows or shrinks the output queue while a stream runs
func scaleOutput(ctx context.Context, writer *vis.QueuedWriter) {
	ticker := time.NewTicker(global.OutputFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			writer.ScaleCapacity(ctx)
		}
	}
}
