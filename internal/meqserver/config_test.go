package meqserver

import (
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) (path string) {
	t.Helper()
	path = filepath.Join(t.TempDir(), "meqserver.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `{
		"dispatcher": {"heartbeatHz": 20, "processID": 3},
		"forest": {"scriptPath": "/tmp/forest.yaml", "cachePolicy": "always", "maxNodes": 10},
		"stream": {"inputPath": "/tmp/in.jsonl", "follow": true, "outputBatch": 8},
		"console": {"enabled": true},
		"metrics": {"collectionInterval": "2s", "maximumRetention": "10m", "enableHTTPQueryServer": true, "queryServerPort": 9000}
	}`)

	jsonCfg, err := LoadConfig(path)
	require.NoError(t, err)
	cfg, err := jsonCfg.NewDaemonConf()
	require.NoError(t, err)

	require.Equal(t, 20, cfg.Dispatcher.HeartbeatHz)
	require.Equal(t, 3, cfg.Dispatcher.ProcessID)
	require.Equal(t, "/tmp/forest.yaml", cfg.ScriptPath)
	require.Equal(t, forest.CacheAlways, cfg.CachePolicy)
	require.Equal(t, 10, cfg.MaxNodes)
	require.Equal(t, "/tmp/in.jsonl", cfg.Stream.InputPath)
	require.True(t, cfg.Stream.Follow)
	require.Equal(t, 8, cfg.Stream.OutputBatch)
	require.True(t, cfg.ConsoleEnabled)
	require.True(t, cfg.MetricQueryServerEnabled)
	require.Equal(t, 9000, cfg.MetricQueryServerPort)
	require.Equal(t, 2*time.Second, cfg.MetricCollectionInterval)
	require.Equal(t, 10*time.Minute, cfg.MetricMaxAge)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.ErrorContains(t, err, "failed to read config file")

	_, err = LoadConfig(writeConfig(t, `{"forest": `))
	require.ErrorContains(t, err, "invalid config syntax")

	tests := []struct {
		name string
		body string
		want string
	}{
		{"cache policy", `{"forest": {"cachePolicy": "sometimes"}}`, "cache policy"},
		{"max age", `{"metrics": {"maximumRetention": "forever"}}`, "metric max age"},
		{"interval", `{"metrics": {"collectionInterval": "often"}}`, "collection interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jsonCfg, err := LoadConfig(writeConfig(t, tt.body))
			require.NoError(t, err)
			_, err = jsonCfg.NewDaemonConf()
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{AsyncWorkers: 1 << 20}
	cfg.Stream.MinQueueSize = 512
	cfg.Stream.MaxQueueSize = 16
	cfg.setDefaults()

	require.Equal(t, global.DefaultHeartbeatHz, cfg.Dispatcher.HeartbeatHz)
	require.Equal(t, global.DefaultProcessID, cfg.Dispatcher.ProcessID)
	require.Equal(t, global.DefaultHostID, cfg.Dispatcher.HostID)
	require.Equal(t, global.DefaultMaxQueueDepth, cfg.Dispatcher.MaxQueueDepth)
	require.Equal(t, runtime.NumCPU(), cfg.AsyncWorkers)
	require.Equal(t, forest.CacheSmart, cfg.CachePolicy)
	require.Equal(t, global.DefaultOutputBatch, cfg.Stream.OutputBatch)
	require.Equal(t, 512, cfg.Stream.MaxQueueSize, "max queue never below min")
	require.Equal(t, global.DefaultMetricMaxAge, cfg.MetricMaxAge)
	require.Equal(t, global.DefaultMetricPeriod, cfg.MetricCollectionInterval)
	require.Equal(t, global.HTTPListenPort, cfg.MetricQueryServerPort)
}
