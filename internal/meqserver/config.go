package meqserver

import (
	"encoding/json"
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"os"
	"runtime"
	"time"
)

// Loads JSON config from file
func LoadConfig(path string) (cfg JSONConfig, err error) {
	configFile, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read config file: %w", err)
		return
	}

	err = json.Unmarshal(configFile, &cfg)
	if err != nil {
		err = fmt.Errorf("invalid config syntax in '%s': %w", path, err)
		return
	}
	return
}

// Parses JSON config into daemon config
func (cfg JSONConfig) NewDaemonConf() (config Config, err error) {
	// Dispatcher settings
	config.Dispatcher.HeartbeatHz = cfg.Dispatcher.HeartbeatHz
	config.Dispatcher.ProcessID = cfg.Dispatcher.ProcessID
	config.Dispatcher.HostID = cfg.Dispatcher.HostID
	config.Dispatcher.MaxQueueDepth = cfg.Dispatcher.MaxQueueDepth

	// Forest settings
	config.ScriptPath = cfg.Forest.ScriptPath
	config.AsyncWorkers = cfg.Forest.AsyncWorkers
	config.MaxNodes = cfg.Forest.MaxNodes
	config.CachePolicy, err = forest.ParseCachePolicy(cfg.Forest.CachePolicy)
	if err != nil {
		err = fmt.Errorf("failed to parse forest cache policy: %w", err)
		return
	}

	// Stream settings
	config.Stream = StreamConfig{
		InputPath:    cfg.Stream.InputPath,
		StateFile:    cfg.Stream.StateFile,
		Follow:       cfg.Stream.Follow,
		OutputPath:   cfg.Stream.OutputPath,
		BeatsAddress: cfg.Stream.BeatsAddress,
		OutputBatch:  cfg.Stream.OutputBatch,
		MinQueueSize: cfg.Stream.MinQueueSize,
		MaxQueueSize: cfg.Stream.MaxQueueSize,
	}
	config.ConsoleEnabled = cfg.Console.Enabled

	// Metric settings
	config.MetricQueryServerEnabled = cfg.Metrics.EnableQueryServer
	config.MetricQueryServerPort = cfg.Metrics.QueryServerPort
	if cfg.Metrics.MaxAge != "" {
		config.MetricMaxAge, err = time.ParseDuration(cfg.Metrics.MaxAge)
		if err != nil {
			err = fmt.Errorf("failed to parse metric max age time: %w", err)
			return
		}
	}
	if cfg.Metrics.Interval != "" {
		config.MetricCollectionInterval, err = time.ParseDuration(cfg.Metrics.Interval)
		if err != nil {
			err = fmt.Errorf("failed to parse metric collection interval time: %w", err)
			return
		}
	}
	return
}

// Sets defaults for any missing/invalid values
func (cfg *Config) setDefaults() {
	// Dispatcher
	if cfg.Dispatcher.HeartbeatHz <= 0 {
		cfg.Dispatcher.HeartbeatHz = global.DefaultHeartbeatHz
	}
	if cfg.Dispatcher.ProcessID <= 0 {
		cfg.Dispatcher.ProcessID = global.DefaultProcessID
	}
	if cfg.Dispatcher.HostID <= 0 {
		cfg.Dispatcher.HostID = global.DefaultHostID
	}
	if cfg.Dispatcher.MaxQueueDepth <= 0 {
		cfg.Dispatcher.MaxQueueDepth = global.DefaultMaxQueueDepth
	}

	// Forest
	if cfg.AsyncWorkers <= 0 {
		cfg.AsyncWorkers = global.DefaultAsyncWorkers
	}
	if cfg.AsyncWorkers > runtime.NumCPU() {
		cfg.AsyncWorkers = runtime.NumCPU()
	}

	cfg.Stream.setDefaults()

	// Metrics
	if cfg.MetricMaxAge == 0 {
		cfg.MetricMaxAge = global.DefaultMetricMaxAge
	}
	if cfg.MetricQueryServerPort == 0 {
		cfg.MetricQueryServerPort = global.HTTPListenPort
	}
	if cfg.MetricCollectionInterval == 0 {
		cfg.MetricCollectionInterval = global.DefaultMetricPeriod
	}
}

func (cfg *StreamConfig) setDefaults() {
	if cfg.OutputBatch <= 0 {
		cfg.OutputBatch = global.DefaultOutputBatch
	}
	if cfg.MinQueueSize <= 0 {
		cfg.MinQueueSize = global.DefaultMinQueueSize
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = global.DefaultMaxQueueSize
	}
	if cfg.MaxQueueSize < cfg.MinQueueSize {
		cfg.MaxQueueSize = cfg.MinQueueSize
	}
}
