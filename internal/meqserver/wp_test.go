package meqserver

import (
	"bytes"
	"context"
	"meqserver/internal/dispatch"
	"meqserver/internal/global"
	"meqserver/internal/hiid"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
	"meqserver/internal/record"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// Collects replies and events; stops polling once enough arrived
type client struct {
	dispatch.BaseHandler
	want     int
	received []*message.Message
}

func (c *client) Init(wp *dispatch.WorkProcess) error {
	wp.Subscribe(ServerPrefix.Add("Forest", "Changed"), message.ScopeLocal)
	return nil
}

func (c *client) Receive(wp *dispatch.WorkProcess, msg *message.Message) (dispatch.Disposition, error) {
	c.received = append(c.received, msg)
	if len(c.received) >= c.want {
		wp.Dispatcher().StopPolling()
	}
	return dispatch.Accept, nil
}

func (c *client) ids() (ids []string) {
	for _, msg := range c.received {
		ids = append(ids, msg.ID.String())
	}
	return
}

func startBus(t *testing.T, srv *Server, handlers ...*dispatch.WorkProcess) (dsp *dispatch.Dispatcher) {
	t.Helper()
	return startBusCtx(t, context.Background(), srv, handlers...)
}

func startBusCtx(t *testing.T, ctx context.Context, srv *Server, handlers ...*dispatch.WorkProcess) (dsp *dispatch.Dispatcher) {
	t.Helper()
	dsp = dispatch.New(ctx, dispatch.Config{ProcessID: 1, HostID: 1, HeartbeatHz: 100})
	for _, wp := range append([]*dispatch.WorkProcess{NewControlWP(srv)}, handlers...) {
		_, err := dsp.Attach(wp)
		require.NoError(t, err)
	}
	require.NoError(t, dsp.Start())
	t.Cleanup(dsp.Stop)
	return
}

func pollUntilStopped(t *testing.T, dsp *dispatch.Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dsp.PollLoop(ctx))
	require.NoError(t, ctx.Err(), "poll loop timed out")
}

func TestControlRepliesToSender(t *testing.T) {
	srv := newTestServer(t, StreamConfig{})
	c := &client{want: 3}
	wp := dispatch.NewWorkProcess("Client", c)
	dsp := startBus(t, srv, wp)

	// Sync command: reply comes back from the exec goroutine, plus the change event
	_, err := wp.Publish(CommandPrefix.Add("Create", "Node"), constantNode("c", 1), message.PriNormal, message.ScopeLocal)
	require.NoError(t, err)
	_, err = wp.Publish(CommandPrefix.Add("Get", "Server", "State"), record.Record{}, message.PriNormal, message.ScopeLocal)
	require.NoError(t, err)
	pollUntilStopped(t, dsp)

	require.ElementsMatch(t, []string{"Reply.Create.Node", "Reply.Get.Server.State", "Server.Forest.Changed"}, c.ids())
	for _, msg := range c.received {
		if !msg.ID.HasPrefix(ReplyPrefix) {
			continue
		}
		require.NotZero(t, msg.State&message.StateReply)
		require.Equal(t, ClassControl, msg.From.Class())
		rec := msg.Payload.(record.Record)
		require.Nil(t, rec["error"])
	}
}

func TestConsoleCommands(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])

	srv := newTestServer(t, StreamConfig{})
	out := &lineWriter{want: 3}
	console := NewConsoleWP(fds[0], out, nil)
	dsp := startBus(t, srv, console)
	out.stop = dsp.StopPolling

	input := "Get.Forest.State\n# comment\n\nNode.Get.State {bad json\nGet.Server.State {}\n"
	_, err := unix.Write(fds[1], []byte(input))
	require.NoError(t, err)
	unix.Close(fds[1])
	pollUntilStopped(t, dsp)

	lines := out.lines()
	require.Len(t, lines, 3)
	require.True(t, strings.HasPrefix(lines[0], "Error "), lines[0])
	require.Contains(t, lines[0], "invalid arguments for Node.Get.State")
	var labels []string
	for _, line := range lines[1:] {
		label, _, _ := strings.Cut(line, " ")
		labels = append(labels, label)
	}
	require.ElementsMatch(t, []string{"Reply.Get.Forest.State", "Reply.Get.Server.State"}, labels)
}

func TestConsoleEOF(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])

	srv := newTestServer(t, StreamConfig{})
	var closed bool
	var dsp *dispatch.Dispatcher
	console := NewConsoleWP(fds[0], &bytes.Buffer{}, func() {
		closed = true
		dsp.StopPolling()
	})
	dsp = startBus(t, srv, console)

	unix.Close(fds[1])
	pollUntilStopped(t, dsp)
	require.True(t, closed)
}

func TestParseCommandLine(t *testing.T) {
	tests := []struct {
		line    string
		name    string
		args    record.Record
		wantErr bool
	}{
		{line: "Get.Node.List", name: "Get.Node.List", args: record.Record{}},
		{line: `  Node.Execute {"name": "x"}  `, name: "Node.Execute", args: record.Record{"name": "x"}},
		{line: "", name: ""},
		{line: "# Halt", name: ""},
		{line: "Node.Execute [1,2]", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			name, args, err := ParseCommandLine(tt.line)
			if tt.wantErr {
				require.Error(t, err)
				require.Empty(t, name)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.name, name)
			require.Equal(t, tt.args, args)
		})
	}
}

func TestLoggerReceivesServerEvents(t *testing.T) {
	done := make(chan struct{})
	defer close(done)
	ctx := logctx.New(context.Background(), global.NSTest, global.VerbosityProgress, done)

	var mu sync.Mutex
	var logged []string
	logctx.GetLogger(ctx).AddTap(func(event logctx.Event) {
		mu.Lock()
		defer mu.Unlock()
		logged = append(logged, event.Severity+" "+event.Message)
	})

	srv := newTestServer(t, StreamConfig{})
	c := &client{want: 1}
	dsp := startBusCtx(t, ctx, srv, NewLoggerWP(), dispatch.NewWorkProcess("Client", c))

	_, err := dsp.Send(message.New(hiid.Parse("Log.Warn"), record.Record{"message": "disk slow"}, message.PriNormal), nil, dsp.PublishAddress(message.ScopeLocal))
	require.NoError(t, err)
	mustExecute(t, srv, "Create.Node", constantNode("c", 1))
	pollUntilStopped(t, dsp)

	require.Equal(t, []string{"Server.Forest.Changed"}, c.ids())

	mu.Lock()
	defer mu.Unlock()
	var warned bool
	for _, line := range logged {
		if strings.HasPrefix(line, global.WarnLog) && strings.Contains(line, "disk slow") {
			warned = true
		}
	}
	require.True(t, warned, "Log.Warn message logged as warning: %v", logged)
}

type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	want int
	stop func()
}

func (writer *lineWriter) Write(p []byte) (n int, err error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	n, err = writer.buf.Write(p)
	if writer.stop != nil && strings.Count(writer.buf.String(), "\n") >= writer.want {
		writer.stop()
	}
	return
}

func (writer *lineWriter) lines() []string {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	return strings.Split(strings.TrimSuffix(writer.buf.String(), "\n"), "\n")
}
