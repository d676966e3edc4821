package meqserver

import (
	"context"
	"meqserver/internal/global"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGathererCollectsComponents(t *testing.T) {
	srv := newTestServer(t, StreamConfig{})
	mustExecute(t, srv, "Create.Node", constantNode("c", 1))
	mustExecute(t, srv, "Node.Execute", executeArgs("c"))

	gatherer := NewGatherer(nil, srv.Forest(), srv, time.Second, time.Minute)
	now := time.Now()
	slice := gatherer.Registry.NewTimeSlice(now, gatherer.Interval)
	stored, err := gatherer.runIntervalTasks(context.Background(), slice, gatherer.Interval)
	require.NoError(t, err, "every component namespace is accepted")
	require.Positive(t, stored)

	commands := gatherer.Registry.Search("commands", []string{global.NSDaemon, global.NSExec}, time.Time{}, time.Time{})
	require.Len(t, commands, 1)
	require.Equal(t, uint64(2), commands[0].Value.Raw)

	executes := gatherer.Registry.Search("executes", []string{global.NSForest}, time.Time{}, time.Time{})
	require.Len(t, executes, 1)
	require.NotZero(t, executes[0].Value.Raw)

	// Counters reset after each collection
	slice = gatherer.Registry.NewTimeSlice(now.Add(time.Second), gatherer.Interval)
	gatherer.runIntervalTasks(context.Background(), slice, gatherer.Interval)
	commands = gatherer.Registry.Search("commands", []string{global.NSDaemon, global.NSExec}, slice, time.Time{})
	require.Len(t, commands, 1)
	require.Equal(t, uint64(0), commands[0].Value.Raw)
}

func TestGathererRunStopsWithContext(t *testing.T) {
	srv := newTestServer(t, StreamConfig{})
	gatherer := NewGatherer(nil, srv.Forest(), srv, 20*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		gatherer.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		return len(gatherer.Registry.Search("queue_depth", nil, time.Time{}, time.Time{})) > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("gatherer did not stop")
	}
}
