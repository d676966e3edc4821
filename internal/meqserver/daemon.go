// Daemon wiring the forest, command server, dispatcher and metric collection together
package meqserver

import (
	"context"
	"fmt"
	"meqserver/internal/dispatch"
	"meqserver/internal/externalio/server"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/lifecycle"
	"meqserver/internal/logctx"
	"meqserver/internal/vis"
	"net/http"
	"os"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Create new daemon instance
func NewDaemon(cfg Config) (new *Daemon) {
	ctx, cancel := context.WithCancel(context.Background())
	new = &Daemon{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	return
}

// Builds the forest and starts every component except the poll loop.
// Start, Run and Shutdown must be called from the same goroutine.
func (daemon *Daemon) Start(globalCtx context.Context) (err error) {
	// New context for the daemon
	daemon.ctx, daemon.cancel = context.WithCancel(context.Background())
	daemon.ctx = context.WithValue(daemon.ctx, global.LoggerKey, logctx.GetLogger(globalCtx))
	daemon.ctx = logctx.AppendCtxTag(daemon.ctx, global.NSDaemon)

	logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.InfoLog, "Starting...\n")

	daemon.cfg.setDefaults()

	global.Hostname, err = os.Hostname()
	if err != nil {
		err = fmt.Errorf("failed to determine local hostname: %w", err)
		return
	}
	global.PID = os.Getpid()

	var workerCtx context.Context
	daemon.workers, workerCtx = errgroup.WithContext(daemon.ctx)

	// Forest
	daemon.Forest = forest.New(daemon.ctx, forest.Config{
		MaxNodes:     daemon.cfg.MaxNodes,
		AsyncWorkers: daemon.cfg.AsyncWorkers,
		CachePolicy:  daemon.cfg.CachePolicy,
	})
	vis.Register(daemon.Forest)

	if daemon.cfg.ScriptPath != "" {
		var script *os.File
		script, err = os.Open(daemon.cfg.ScriptPath)
		if err != nil {
			err = fmt.Errorf("failed to open forest script: %w", err)
			return
		}
		_, err = daemon.Forest.LoadScript(script)
		script.Close()
		if err != nil {
			err = fmt.Errorf("failed to load forest script '%s': %w", daemon.cfg.ScriptPath, err)
			return
		}
	}

	// Command server
	daemon.Server = NewServer(daemon.ctx, daemon.Forest, daemon.cfg.Stream)
	daemon.Server.Start()

	// Dispatcher and work processes
	dspCfg := daemon.cfg.Dispatcher
	dspCfg.OwnSignals = true
	daemon.Dispatcher = dispatch.New(daemon.ctx, dspCfg)

	daemon.logger = NewLoggerWP()
	daemon.control = NewControlWP(daemon.Server)
	wps := []*dispatch.WorkProcess{daemon.logger, daemon.control}
	if daemon.cfg.ConsoleEnabled {
		daemon.console = NewConsoleWP(int(os.Stdin.Fd()), os.Stdout, daemon.Dispatcher.StopPolling)
		wps = append(wps, daemon.console)
	}
	for _, wp := range wps {
		_, err = daemon.Dispatcher.Attach(wp)
		if err != nil {
			err = fmt.Errorf("failed attaching %s: %w", wp.Class(), err)
			daemon.Shutdown()
			return
		}
	}

	err = daemon.Dispatcher.Start()
	if err != nil {
		err = fmt.Errorf("failed starting dispatcher: %w", err)
		daemon.Shutdown()
		return
	}
	err = daemon.control.AddSignal(syscall.SIGTERM, dispatch.EvContinuous)
	if err != nil {
		err = fmt.Errorf("failed registering SIGTERM: %w", err)
		daemon.Shutdown()
		return
	}

	// Halt ends the daemon
	dsp := daemon.Dispatcher
	daemon.Server.AddListener(func(event Event) {
		if event.Name == EventHalted {
			dsp.StopPolling()
		}
	})

	// Metrics Collector
	daemon.metricsCollector = NewGatherer(daemon.Dispatcher, daemon.Forest, daemon.Server,
		daemon.cfg.MetricCollectionInterval,
		daemon.cfg.MetricMaxAge)
	daemon.workers.Go(func() error {
		daemon.metricsCollector.Run(workerCtx)
		return nil
	})

	// Metric Server
	if daemon.cfg.MetricQueryServerEnabled {
		serverCtx := logctx.AppendCtxTag(daemon.ctx, global.NSMetric)
		serverCtx = logctx.AppendCtxTag(serverCtx, global.NSMetricSrv)

		registry := daemon.metricsCollector.Registry
		srv := daemon.Server
		daemon.MetricServer, err = server.SetupListener(serverCtx,
			daemon.cfg.MetricQueryServerPort,
			server.Backends{
				Search:    registry.Search,
				Discover:  registry.Discover,
				Aggregate: registry.Aggregate,
				Status:    func() any { return srv.Status() },
			})
		if err != nil {
			err = fmt.Errorf("failed setting up metric server: %w", err)
			daemon.Shutdown()
			return
		}
		metricServer := daemon.MetricServer
		daemon.workers.Go(func() error {
			return server.Start(serverCtx, metricServer)
		})
	}

	err = lifecycle.NotifyReady(daemon.ctx)
	if err != nil {
		logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.WarnLog,
			"systemd ready notification failed: %v\n", err)
		err = nil
	}

	logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.InfoLog,
		"Startup complete: %d nodes, %d work processes\n", daemon.Forest.Len(), len(wps))
	return
}

// Runs the dispatcher poll loop until SIGINT/SIGTERM, Halt or console EOF
func (daemon *Daemon) Run() (err error) {
	err = daemon.Dispatcher.PollLoop(daemon.ctx)
	if err != nil {
		err = fmt.Errorf("poll loop failed: %w", err)
	}
	return
}

// Gracefully shutdown components (errors are printed to program log buffer)
func (daemon *Daemon) Shutdown() {
	daemon.shutdownOnce.Do(daemon.shutdown)
}

func (daemon *Daemon) shutdown() {
	logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.InfoLog,
		"Daemon shutdown started...\n")

	err := lifecycle.NotifyStopping(daemon.ctx)
	if err != nil {
		logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.WarnLog,
			"systemd stopping notification failed: %v\n", err)
	}

	// Stop metric server
	if daemon.MetricServer != nil {
		err := daemon.MetricServer.Shutdown(daemon.ctx)
		if err != nil && err != http.ErrServerClosed {
			logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.WarnLog,
				"metric HTTP server did not shutdown gracefully: %v\n", err)
		}
	}

	// Abort running commands and stop the exec goroutine
	if daemon.Server != nil {
		daemon.Server.Close()
	}

	if daemon.Dispatcher != nil {
		daemon.Dispatcher.Stop()
	}

	// Stop background workers after the pipeline is stopped
	daemon.cancel()

	if daemon.workers == nil {
		return
	}
	done := make(chan error, 1)
	go func() {
		done <- daemon.workers.Wait()
	}()

	select {
	case err := <-done:
		if err != nil {
			logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.WarnLog,
				"background worker ended with error: %v\n", err)
		}
		logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.InfoLog,
			"Daemon shutdown completed successfully\n")
	case <-time.After(global.ExecShutdownTimeout):
		logctx.LogEvent(daemon.ctx, global.VerbosityStandard, global.InfoLog,
			"Timeout: daemon did not shutdown within %v seconds\n",
			global.ExecShutdownTimeout.Seconds())
	}
}
