package meqserver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDaemonLifecycle(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	dir := t.TempDir()
	script := filepath.Join(dir, "forest.yaml")
	require.NoError(t, os.WriteFile(script, []byte(`
nodes:
  - {name: c, class: MeqConstant, value: 4}
`), 0600))

	jsonCfg, err := LoadConfig(writeConfig(t, `{
		"dispatcher": {"heartbeatHz": 100},
		"forest": {"scriptPath": "`+script+`"},
		"metrics": {"collectionInterval": "50ms"}
	}`))
	require.NoError(t, err)
	cfg, err := jsonCfg.NewDaemonConf()
	require.NoError(t, err)

	daemon := NewDaemon(cfg)
	require.NoError(t, daemon.Start(context.Background()))
	defer daemon.Shutdown()
	require.Equal(t, 1, daemon.Forest.Len())

	returned := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reply := daemon.Server.Execute(ctx, "Node.Execute", executeArgs("c"))
		if reply["error"] == nil {
			daemon.Server.Execute(ctx, "Halt", nil)
		}
		// Halt may land before the poll loop is entered
		for {
			select {
			case <-returned:
				return
			case <-time.After(50 * time.Millisecond):
				daemon.Dispatcher.StopPolling()
			}
		}
	}()

	require.NoError(t, daemon.Run())
	close(returned)
	require.Equal(t, StateHalted, daemon.Server.State())

	daemon.Shutdown()
	daemon.Shutdown()
}

func TestDaemonStartBadScript(t *testing.T) {
	cfg := Config{ScriptPath: filepath.Join(t.TempDir(), "missing.yaml")}
	daemon := NewDaemon(cfg)
	err := daemon.Start(context.Background())
	require.ErrorContains(t, err, "failed to open forest script")
	daemon.Shutdown()
}
