package dispatch

import (
	"context"
	"errors"
	"meqserver/internal/hiid"
	"meqserver/internal/message"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorder struct {
	BaseHandler
	received  []string
	initErr   error
	decide    func(wp *WorkProcess, msg *message.Message) (Disposition, error)
	onTimeout func(wp *WorkProcess, msg *message.Message)
}

func (rec *recorder) Init(*WorkProcess) error { return rec.initErr }

func (rec *recorder) Receive(wp *WorkProcess, msg *message.Message) (Disposition, error) {
	rec.received = append(rec.received, msg.ID.String())
	if rec.decide != nil {
		return rec.decide(wp, msg)
	}
	return Accept, nil
}

func (rec *recorder) Timeout(wp *WorkProcess, msg *message.Message) (Disposition, error) {
	rec.received = append(rec.received, msg.ID.String())
	if rec.onTimeout != nil {
		rec.onTimeout(wp, msg)
	}
	return Accept, nil
}

func startDispatcher(t *testing.T, cfg Config, handlers ...Handler) (dsp *Dispatcher, wps []*WorkProcess) {
	t.Helper()
	if cfg.ProcessID == 0 {
		cfg.ProcessID = 1
	}
	if cfg.HostID == 0 {
		cfg.HostID = 1
	}
	dsp = New(context.Background(), cfg)
	for _, handler := range handlers {
		wp := NewWorkProcess("Test", handler)
		_, err := dsp.Attach(wp)
		require.NoError(t, err)
		wps = append(wps, wp)
	}
	require.NoError(t, dsp.Start())
	t.Cleanup(dsp.Stop)
	return
}

func sendTo(t *testing.T, dsp *Dispatcher, wp *WorkProcess, id string, priority int) {
	t.Helper()
	delivered, err := dsp.Send(message.New(hiid.Parse(id), nil, priority), nil, wp.Address())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
}

func TestPriorityOrdering(t *testing.T) {
	rec := &recorder{}
	dsp, wps := startDispatcher(t, Config{}, rec)

	sendTo(t, dsp, wps[0], "Ping.1", message.PriNormal)
	sendTo(t, dsp, wps[0], "Ping.2", message.PriNormal+10)

	polled, err := dsp.Poll()
	require.NoError(t, err)
	require.True(t, polled)
	require.Equal(t, []string{"Ping.2", "Ping.1"}, rec.received)
}

func TestPriorityOrderingThroughSubscription(t *testing.T) {
	rec := &recorder{}
	dsp, wps := startDispatcher(t, Config{}, rec)
	require.True(t, wps[0].Subscribe(hiid.Parse("Ping.*"), message.ScopeLocal))
	_, err := dsp.Poll()
	require.NoError(t, err)
	rec.received = nil

	for _, ping := range []struct {
		id       string
		priority int
	}{{"Ping.1", message.PriNormal}, {"Ping.2", message.PriNormal + 10}} {
		delivered, err := dsp.Send(message.New(hiid.Parse(ping.id), nil, ping.priority), nil, message.PublishAddress())
		require.NoError(t, err)
		require.Equal(t, 1, delivered)
	}

	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"Ping.2", "Ping.1"}, rec.received)
}

func TestEqualPriorityTiesGoToFirstAttached(t *testing.T) {
	var order []string
	logAs := func(name string) *recorder {
		return &recorder{decide: func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
			order = append(order, name+":"+msg.ID.String())
			return Accept, nil
		}}
	}
	dsp, wps := startDispatcher(t, Config{}, logAs("first"), logAs("second"))
	_, err := dsp.Poll()
	require.NoError(t, err)
	order = nil

	sendTo(t, dsp, wps[1], "Tie", message.PriNormal)
	sendTo(t, dsp, wps[0], "Tie", message.PriNormal)
	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"first:Tie", "second:Tie"}, order)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	rec := &recorder{}
	dsp, wps := startDispatcher(t, Config{}, rec)

	for _, id := range []string{"A", "B", "C"} {
		sendTo(t, dsp, wps[0], id, message.PriNormal)
	}
	_, err := dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B", "C"}, rec.received)
}

func TestPollPriorityAging(t *testing.T) {
	rec := &recorder{}
	_, wps := startDispatcher(t, Config{}, rec)
	wp := wps[0]

	require.Equal(t, -1, wp.PollPriority(0), "empty queue")

	wp.Enqueue(message.New(hiid.Parse("Slow"), nil, message.PriLowest), 10)
	require.Equal(t, 0, wp.PollPriority(10))
	require.Equal(t, 5, wp.PollPriority(15))

	wp2 := NewWorkProcess("Other", rec)
	wp2.running = true
	wp2.Enqueue(message.New(hiid.Parse("Norm"), nil, message.PriNormal), 15)
	require.Equal(t, 16, wp2.PollPriority(15))

	// Below-lowest priorities clamp to zero
	wp3 := NewWorkProcess("Other", rec)
	wp3.running = true
	wp3.Enqueue(message.New(hiid.Parse("Low"), nil, message.PriLowest-5), 0)
	require.Equal(t, 0, wp3.PollPriority(0))
}

func TestPollPriorityLockedDuringReceive(t *testing.T) {
	observed := 0
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		if msg.ID.String() == "Outer" {
			wp.Enqueue(message.New(hiid.Parse("Inner"), nil, message.PriHigh), 0)
			observed = wp.PollPriority(0)
		}
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)
	sendTo(t, dsp, wps[0], "Outer", message.PriNormal)

	_, err := dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, -1, observed)
	require.Equal(t, []string{"Outer", "Inner"}, rec.received)
}

func TestHoldStopsUntilQueueChanges(t *testing.T) {
	held := true
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		if msg.ID.String() == "Blocked" && held {
			return Hold, nil
		}
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)
	wp := wps[0]

	sendTo(t, dsp, wp, "Blocked", message.PriNormal)
	sendTo(t, dsp, wp, "Behind", message.PriLow)
	_, err := dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"Blocked"}, rec.received)
	require.Equal(t, 2, wp.QueueLen())
	require.Equal(t, -1, wp.PollPriority(dsp.Tick()))

	// A lower priority arrival does not unblock
	sendTo(t, dsp, wp, "Lower", message.PriLowest)
	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"Blocked"}, rec.received)

	// A new head does
	held = false
	sendTo(t, dsp, wp, "Urgent", message.PriHigh)
	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"Blocked", "Urgent", "Blocked", "Behind", "Lower"}, rec.received)
}

func TestRequeueReinsertsBehindEqualPriority(t *testing.T) {
	requeued := false
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		if msg.ID.String() == "First" && !requeued {
			requeued = true
			return Requeue, nil
		}
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)
	sendTo(t, dsp, wps[0], "First", message.PriNormal)
	sendTo(t, dsp, wps[0], "Second", message.PriNormal)

	_, err := dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"First", "Second", "First"}, rec.received)
}

func TestCallbackErrorsAndPanics(t *testing.T) {
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		switch msg.ID.String() {
		case "Fail":
			return Accept, errors.New("boom")
		case "Panic":
			panic("kaboom")
		}
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)
	sendTo(t, dsp, wps[0], "Fail", message.PriNormal)
	sendTo(t, dsp, wps[0], "Panic", message.PriNormal)
	sendTo(t, dsp, wps[0], "Fine", message.PriNormal)

	_, err := dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"Fail", "Panic", "Fine"}, rec.received)
	require.Equal(t, 0, wps[0].QueueLen())
	require.Equal(t, uint64(2), dsp.Metrics.CallbackErrors.Load())
}

func TestInitFailureDetaches(t *testing.T) {
	good := &recorder{}
	bad := &recorder{initErr: errors.New("no resources")}
	dsp, wps := startDispatcher(t, Config{}, good, bad)

	require.Len(t, dsp.WorkProcesses(), 1)
	require.Nil(t, wps[1].Dispatcher())
	require.True(t, wps[0].Running())
}

func TestAttachWhileRunningActivates(t *testing.T) {
	dsp, _ := startDispatcher(t, Config{})
	rec := &recorder{}
	wp := NewWorkProcess("Late", rec)
	addr, err := dsp.Attach(wp)
	require.NoError(t, err)
	require.True(t, wp.Running())
	require.Equal(t, "Late.1.1.1", addr.String())

	_, err = dsp.Attach(wp)
	require.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestInstanceNumbering(t *testing.T) {
	dsp, wps := startDispatcher(t, Config{ProcessID: 3, HostID: 7}, &recorder{}, &recorder{})
	require.Equal(t, "Test.1.3.7", wps[0].Address().String())
	require.Equal(t, "Test.2.3.7", wps[1].Address().String())

	// Class address reaches every instance
	delivered, err := dsp.Send(message.New(hiid.Parse("All"), nil, message.PriNormal), nil,
		message.ClassAddress("Test", 3, 7))
	require.NoError(t, err)
	require.Equal(t, 2, delivered)
}

func TestPublishSubscribe(t *testing.T) {
	subA := &recorder{}
	subB := &recorder{}
	other := &recorder{}
	dsp, wps := startDispatcher(t, Config{}, subA, subB, other)

	require.True(t, wps[0].Subscribe(hiid.Parse("News.*"), message.ScopeLocal))
	require.False(t, wps[0].Subscribe(hiid.Parse("News.*"), message.ScopeLocal), "identical subscription is a no-op")
	require.True(t, wps[1].Subscribe(hiid.Parse("News.?"), message.ScopeGlobal))
	_, err := dsp.Poll()
	require.NoError(t, err)
	subA.received, subB.received = nil, nil

	delivered, err := wps[2].Publish(hiid.Parse("News.Today"), nil, message.PriNormal, message.ScopeLocal)
	require.NoError(t, err)
	require.Equal(t, 2, delivered)

	delivered, err = wps[2].Publish(hiid.Parse("News.Today.Late"), nil, message.PriNormal, message.ScopeGlobal)
	require.NoError(t, err)
	require.Equal(t, 1, delivered)

	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"News.Today", "News.Today.Late"}, subA.received)
	require.Equal(t, []string{"News.Today"}, subB.received)
	require.Empty(t, other.received)
}

func TestSubscriptionScopeFiltersRemotePublishers(t *testing.T) {
	local := &recorder{}
	global := &recorder{}
	dsp, wps := startDispatcher(t, Config{}, local, global)
	wps[0].Subscribe(hiid.Parse("Remote.*"), message.ScopeLocal)
	wps[1].Subscribe(hiid.Parse("Remote.*"), message.ScopeGlobal)

	msg := message.New(hiid.Parse("Remote.Data"), nil, message.PriNormal)
	msg.From = message.NewAddress("Gateway", 1, 9, 4)
	delivered, err := dsp.Send(msg, nil, message.PublishAddress())
	require.NoError(t, err)
	require.Equal(t, 1, delivered)
}

func TestHelloPublishedOnStart(t *testing.T) {
	watcher := &recorder{}
	dsp, wps := startDispatcher(t, Config{}, watcher)
	wps[0].Subscribe(hiid.Parse("WP.Hello"), message.ScopeLocal)

	_, err := dsp.Attach(NewWorkProcess("Late", &recorder{}))
	require.NoError(t, err)
	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"WP.Hello"}, watcher.received)
}

func TestSharedSnapshotIsReadOnly(t *testing.T) {
	var seen []*message.Message
	handler := func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		seen = append(seen, msg)
		return Accept, nil
	}
	first := &recorder{decide: handler}
	second := &recorder{decide: handler}
	dsp, wps := startDispatcher(t, Config{}, first, second)
	wps[0].Subscribe(hiid.Parse("Shared"), message.ScopeLocal)
	wps[1].Subscribe(hiid.Parse("Shared"), message.ScopeLocal)

	_, err := dsp.Send(message.New(hiid.Parse("Shared"), nil, message.PriNormal), nil, message.PublishAddress())
	require.NoError(t, err)
	_, err = dsp.Poll()
	require.NoError(t, err)
	require.Len(t, seen, 2)
	require.Same(t, seen[0], seen[1])
	require.True(t, seen[0].ReadOnly())
}

func TestDelayedDetach(t *testing.T) {
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		require.NoError(t, wp.Detach(true))
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)
	sendTo(t, dsp, wps[0], "Bye.1", message.PriNormal)
	sendTo(t, dsp, wps[0], "Bye.2", message.PriNormal)

	_, err := dsp.Poll()
	require.NoError(t, err)
	require.Equal(t, []string{"Bye.1"}, rec.received)
	require.Empty(t, dsp.WorkProcesses())
	require.Nil(t, wps[0].Dispatcher())
}

func TestDequeueByPattern(t *testing.T) {
	wp := NewWorkProcess("Test", &recorder{})
	wp.Enqueue(message.New(hiid.Parse("Data.1"), nil, message.PriNormal), 0)
	wp.Enqueue(message.New(hiid.Parse("Ctl.1"), nil, message.PriNormal), 0)
	wp.Enqueue(message.New(hiid.Parse("Data.2"), nil, message.PriNormal), 0)

	require.Equal(t, 2, wp.Dequeue(hiid.Parse("Data.*")))
	require.Equal(t, 1, wp.QueueLen())
	require.Equal(t, "Ctl.1", wp.Queued()[0].ID.String())
}

func TestDequeueAtPosition(t *testing.T) {
	wp := NewWorkProcess("Test", &recorder{})
	for _, id := range []string{"A", "B", "C"} {
		wp.Enqueue(message.New(hiid.Parse(id), nil, message.PriNormal), 0)
	}
	wp.needRepoll = false

	msg, ok := wp.DequeueAt(1)
	require.True(t, ok)
	require.Equal(t, "B", msg.ID.String())
	require.False(t, wp.needRepoll, "head unchanged")

	_, ok = wp.DequeueAt(5)
	require.False(t, ok)
	_, ok = wp.DequeueAt(-1)
	require.False(t, ok)

	msg, ok = wp.DequeueAt(0)
	require.True(t, ok)
	require.Equal(t, "A", msg.ID.String())
	require.True(t, wp.needRepoll, "new head needs a poll")

	wp.needRepoll = false
	msg, ok = wp.DequeueAt(0)
	require.True(t, ok)
	require.Equal(t, "C", msg.ID.String())
	require.False(t, wp.needRepoll, "empty queue has nothing to poll")
	require.Zero(t, wp.QueueLen())
}

func TestSubscriptionUpdatesScope(t *testing.T) {
	wp := NewWorkProcess("Test", &recorder{})
	require.True(t, wp.Subscribe(hiid.Parse("News.*"), message.ScopeLocal))
	require.True(t, wp.Subscribe(hiid.Parse("Alerts"), message.ScopeGlobal))
	require.True(t, wp.Subscribe(hiid.Parse("News.*"), message.ScopeHost), "scope change counts as a change")
	require.False(t, wp.Subscribe(hiid.Parse("News.*"), message.ScopeHost))

	require.Equal(t, []Subscription{
		{Pattern: hiid.Parse("Alerts"), Scope: message.ScopeGlobal},
		{Pattern: hiid.Parse("News.*"), Scope: message.ScopeHost},
	}, wp.Subscriptions())

	remote := message.NewAddress("Gateway", 1, 9, 1)
	require.True(t, wp.subscribedTo(message.New(hiid.Parse("News.Today"), nil, message.PriNormal), remote, 1, 1))
	require.False(t, wp.subscribedTo(message.New(hiid.Parse("News.Today"), nil, message.PriNormal), remote, 1, 2))

	require.True(t, wp.Unsubscribe(hiid.Parse("News.*")))
	require.False(t, wp.Unsubscribe(hiid.Parse("News.*")))
	require.Len(t, wp.Subscriptions(), 1)
}

func TestEventRegistrationNeedsAttachment(t *testing.T) {
	wp := NewWorkProcess("Loose", &recorder{})
	require.ErrorIs(t, wp.AddTimeout(time.Second, hiid.Parse("t"), EvContinuous), ErrNotAttached)
	require.ErrorIs(t, wp.AddInput(0, InputRead, hiid.Parse("in"), EvContinuous), ErrNotAttached)
	require.ErrorIs(t, wp.AddSignal(syscall.SIGUSR2, EvContinuous), ErrNotAttached)
	require.ErrorIs(t, wp.Detach(false), ErrNotAttached)
	require.Zero(t, wp.RemoveTimeout(hiid.Parse("*")))
	require.Zero(t, wp.RemoveInput(0))
	require.Zero(t, wp.RemoveSignal(syscall.SIGUSR2))

	dsp, wps := startDispatcher(t, Config{}, &recorder{})
	require.NoError(t, wps[0].AddTimeout(time.Hour, hiid.Parse("slow.1"), EvContinuous))
	require.NoError(t, wps[0].AddTimeout(time.Hour, hiid.Parse("slow.2"), EvContinuous))
	require.Equal(t, 2, wps[0].RemoveTimeout(hiid.Parse("slow.*")))
	_, ok := dsp.nextTimeout()
	require.False(t, ok)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, wps[0].AddInput(fds[0], InputRead, hiid.Parse("pipe"), EvContinuous))
	require.Equal(t, 1, wps[0].RemoveInput(fds[0]))

	require.NoError(t, wps[0].Detach(false))
	require.Empty(t, dsp.WorkProcesses())
}

func TestSendRequiresRunning(t *testing.T) {
	dsp := New(context.Background(), Config{ProcessID: 1, HostID: 1})
	_, err := dsp.Send(message.New(hiid.Parse("X"), nil, message.PriNormal), nil, message.PublishAddress())
	require.ErrorIs(t, err, ErrNotRunning)
	_, err = dsp.Poll()
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestTimeoutInPollLoop(t *testing.T) {
	rec := &recorder{}
	rec.onTimeout = func(wp *WorkProcess, msg *message.Message) {
		info := msg.Payload.(EventInfo)
		require.Equal(t, "tick", info.ID.String())
		wp.Dispatcher().StopPolling()
	}
	dsp, wps := startDispatcher(t, Config{HeartbeatHz: 50}, rec)
	require.NoError(t, wps[0].AddTimeout(10*time.Millisecond, hiid.Parse("tick"), EvOneShot))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dsp.PollLoop(ctx))
	require.NoError(t, ctx.Err())
	require.Equal(t, []string{"Event.Timeout.tick"}, rec.received)
	_, ok := dsp.nextTimeout()
	require.False(t, ok, "one-shot timeout removed")
}

func TestInputReadiness(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		info := msg.Payload.(EventInfo)
		buf := make([]byte, 16)
		n, _ := unix.Read(info.Fd, buf)
		require.Equal(t, "hi", string(buf[:n]))
		wp.Dispatcher().StopPolling()
		return Cancel, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)
	require.NoError(t, dsp.AddInput(wps[0], fds[0], InputRead, hiid.Parse("pipe"), EvContinuous))

	_, err := unix.Write(fds[1], []byte("hi"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dsp.PollLoop(ctx))
	require.Equal(t, []string{"Event.Input.pipe"}, rec.received)
	require.Empty(t, dsp.inputs, "cancel deregisters the input")
}

func TestPostFromOtherGoroutine(t *testing.T) {
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		wp.Dispatcher().StopPolling()
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{}, rec)

	go func() {
		time.Sleep(10 * time.Millisecond)
		dsp.Post(message.New(hiid.Parse("From.Outside"), nil, message.PriNormal), wps[0].Address())
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dsp.PollLoop(ctx))
	require.Equal(t, []string{"From.Outside"}, rec.received)
}

func TestSignalDelivery(t *testing.T) {
	rec := &recorder{}
	rec.decide = func(wp *WorkProcess, msg *message.Message) (Disposition, error) {
		wp.Dispatcher().StopPolling()
		return Accept, nil
	}
	dsp, wps := startDispatcher(t, Config{OwnSignals: true}, rec)
	require.NoError(t, dsp.AddSignal(wps[0], syscall.SIGUSR1, EvContinuous))

	second := New(context.Background(), Config{ProcessID: 2, HostID: 1, OwnSignals: true})
	require.ErrorIs(t, second.Start(), ErrSignalOwnerTaken)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = syscall.Kill(os.Getpid(), syscall.SIGUSR1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dsp.PollLoop(ctx))
	require.Equal(t, []string{"Event.Signal.10"}, rec.received)
}
