package meqserver

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrHalted         = errors.New("server is halted")
	ErrNotStopped     = errors.New("execution is not stopped at a breakpoint")
	ErrAbortTimeout   = errors.New("execution did not stop in time")
)

// Event names, published on the message bus as Server.<name>
const (
	EventStateChanged  string = "State.Changed"
	EventForestChanged string = "Forest.Changed"
	EventNodeResult    string = "Node.Result"
	EventDebugStop     string = "Debug.Stop"
	EventStreamStart   string = "Stream.Start"
	EventStreamEnd     string = "Stream.End"
	EventHalted        string = "Halted"
)

// Creates the command server for a forest. Call Start before dispatching sync commands.
func NewServer(ctx context.Context, f *forest.Forest, stream StreamConfig) (srv *Server) {
	stream.setDefaults()
	srv = &Server{
		ctx:       logctx.AppendCtxTag(ctx, global.NSExec),
		forest:    f,
		stream:    stream,
		commands:  make(map[string]command),
		listeners: make(map[int]EventListener),
		done:      make(chan struct{}),
		Metrics:   &MetricStorage{},
	}
	srv.cond = sync.NewCond(&srv.mu)
	srv.registerCommands()

	f.SetDebugListener(srv.onDebugStop)
	f.SetPublisher(srv.onResult)
	return
}

func (srv *Server) Forest() *forest.Forest { return srv.forest }

func (srv *Server) register(name string, sync bool, fn CommandFunc) {
	srv.commands[name] = command{name: name, fn: fn, sync: sync}
}

// Registered command names, sorted
func (srv *Server) Commands() (names []string) {
	for name := range srv.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// Launches the exec goroutine
func (srv *Server) Start() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.started {
		return
	}
	srv.started = true
	go srv.execLoop()
}

// Drops queued commands, aborts the running one and stops the exec goroutine
func (srv *Server) Close() {
	srv.mu.Lock()
	wasHalted := srv.halted
	srv.halted = true
	started := srv.started
	srv.mu.Unlock()

	if !wasHalted {
		_ = srv.abort()
	}
	srv.mu.Lock()
	srv.cond.Broadcast()
	srv.mu.Unlock()
	if started {
		<-srv.done
	}
}

func (srv *Server) State() State {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.state
}

// Registers fn for server events. Returns an id for RemoveListener.
func (srv *Server) AddListener(fn EventListener) (id int) {
	srv.listenerMu.Lock()
	defer srv.listenerMu.Unlock()
	srv.nextListener++
	id = srv.nextListener
	srv.listeners[id] = fn
	return
}

func (srv *Server) RemoveListener(id int) {
	srv.listenerMu.Lock()
	defer srv.listenerMu.Unlock()
	delete(srv.listeners, id)
}

func (srv *Server) emit(name string, rec record.Record) {
	srv.Metrics.Events.Add(1)
	srv.listenerMu.RLock()
	ids := make([]int, 0, len(srv.listeners))
	for id := range srv.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]EventListener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, srv.listeners[id])
	}
	srv.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(Event{Name: name, Record: rec.Clone()})
	}
}

// Moves to a new state; caller holds srv.mu. Returns true when it changed.
func (srv *Server) setStateLocked(state State) (changed bool) {
	if srv.halted && state != StateHalted {
		state = StateHalted
	}
	if srv.state == state {
		return
	}
	srv.state = state
	changed = true
	return
}

func (srv *Server) emitState(state State) {
	srv.emit(EventStateChanged, record.Record{"state": state.String()})
}

// Runs a command. Async commands complete before Dispatch returns; sync
// commands are queued for the exec goroutine and reply from there.
// reply may be nil.
func (srv *Server) Dispatch(ctx context.Context, name string, args record.Record, reply func(record.Record)) {
	if reply == nil {
		reply = func(record.Record) {}
	}
	if args == nil {
		args = record.Record{}
	}
	requestID := uuid.NewString()

	cmd, ok := srv.commands[name]
	if !ok {
		srv.Metrics.Rejected.Add(1)
		reply(srv.replyRecord(name, requestID, nil, fmt.Errorf("%w '%s'", ErrUnknownCommand, name)))
		return
	}

	job := &execJob{ctx: ctx, cmd: cmd, args: args, requestID: requestID, reply: reply}

	if !cmd.sync {
		srv.runJob(ctx, job)
		return
	}

	srv.mu.Lock()
	if srv.halted {
		srv.mu.Unlock()
		srv.Metrics.Rejected.Add(1)
		reply(srv.replyRecord(name, requestID, nil, ErrHalted))
		return
	}
	srv.queue = append(srv.queue, job)
	srv.Metrics.Queued.Add(1)
	srv.cond.Broadcast()
	srv.mu.Unlock()
}

// Blocking form of Dispatch
func (srv *Server) Execute(ctx context.Context, name string, args record.Record) (reply record.Record) {
	replies := make(chan record.Record, 1)
	srv.Dispatch(ctx, name, args, func(rec record.Record) { replies <- rec })
	select {
	case reply = <-replies:
	case <-ctx.Done():
		reply = srv.replyRecord(name, "", nil, ctx.Err())
	}
	return
}

func (srv *Server) replyRecord(name, requestID string, result record.Record, err error) (rec record.Record) {
	rec = record.Record{
		"command":       name,
		"request_id":    requestID,
		"forest_serial": srv.forest.Serial(),
	}
	if err != nil {
		rec["error"] = err.Error()
		return
	}
	if result == nil {
		result = record.Record{}
	}
	rec["result"] = result
	return
}

// Invokes a command and delivers its reply; panics become error replies
func (srv *Server) runJob(ctx context.Context, job *execJob) {
	serial := srv.forest.Serial()
	started := time.Now()

	var result record.Record
	var err error
	func() {
		defer func() {
			if fatalError := recover(); fatalError != nil {
				stack := debug.Stack()
				logctx.LogEvent(srv.ctx, global.VerbosityStandard, global.ErrorLog,
					"panic in command %s: %v\n%s", job.cmd.name, fatalError, stack)
				err = fmt.Errorf("command %s panicked: %v", job.cmd.name, fatalError)
			}
		}()
		result, err = job.cmd.fn(ctx, job.args)
	}()

	srv.Metrics.Commands.Add(1)
	srv.Metrics.recordTime(started)
	if err != nil {
		srv.Metrics.Failed.Add(1)
		logctx.LogEvent(srv.ctx, global.VerbosityProgress, global.WarnLog,
			"command %s failed: %v\n", job.cmd.name, err)
	} else {
		logctx.LogEvent(srv.ctx, global.VerbosityData, global.InfoLog,
			"command %s completed in %v\n", job.cmd.name, time.Since(started))
	}

	job.reply(srv.replyRecord(job.cmd.name, job.requestID, result, err))

	if now := srv.forest.Serial(); now != serial {
		srv.emit(EventForestChanged, record.Record{"serial": now})
	}
}

func (srv *Server) execLoop() {
	defer close(srv.done)
	for {
		srv.mu.Lock()
		for len(srv.queue) == 0 && !srv.halted {
			srv.cond.Wait()
		}
		if len(srv.queue) == 0 {
			srv.mu.Unlock()
			return
		}
		job := srv.queue[0]
		srv.queue[0] = nil
		srv.queue = srv.queue[1:]

		jobCtx, cancel := context.WithCancel(job.ctx)
		srv.cancelJob = cancel
		srv.busy = true
		changed := srv.setStateLocked(StateExecuting)
		state := srv.state
		srv.mu.Unlock()

		if changed {
			srv.emitState(state)
		}

		srv.runJob(jobCtx, job)
		cancel()

		srv.mu.Lock()
		srv.busy = false
		srv.cancelJob = nil
		changed = srv.setStateLocked(StateIdle)
		state = srv.state
		srv.cond.Broadcast()
		srv.mu.Unlock()

		if changed {
			srv.emitState(state)
		}
	}
}

// Stops the running command and drops everything queued behind it
func (srv *Server) abort() (err error) {
	srv.mu.Lock()
	dropped := srv.queue
	srv.queue = nil
	cancel := srv.cancelJob
	srv.mu.Unlock()

	for _, job := range dropped {
		srv.Metrics.Rejected.Add(1)
		job.reply(srv.replyRecord(job.cmd.name, job.requestID, nil, forest.ErrAborted))
	}

	srv.forest.Abort()
	if cancel != nil {
		cancel()
	}
	err = srv.waitIdle(global.ExecShutdownTimeout)
	srv.forest.ResetAbort()

	if err != nil {
		logctx.LogEvent(srv.ctx, global.VerbosityStandard, global.ErrorLog,
			"abort: %v\n", err)
		return
	}
	logctx.LogEvent(srv.ctx, global.VerbosityProgress, global.InfoLog,
		"execution aborted, %d queued commands dropped\n", len(dropped))
	return
}

// Blocks until the exec goroutine has no command in flight
func (srv *Server) waitIdle(timeout time.Duration) (err error) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		srv.mu.Lock()
		srv.cond.Broadcast()
		srv.mu.Unlock()
	})
	defer timer.Stop()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	for srv.busy {
		if !time.Now().Before(deadline) {
			err = ErrAbortTimeout
			return
		}
		srv.cond.Wait()
	}
	return
}

// Called from executing nodes when a breakpoint is hit
func (srv *Server) onDebugStop(event forest.DebugEvent) {
	srv.mu.Lock()
	changed := srv.setStateLocked(StateDebug)
	state := srv.state
	srv.mu.Unlock()

	if changed {
		srv.emitState(state)
	}
	srv.emit(EventDebugStop, record.Record{
		"name":      event.Node,
		"nodeindex": event.Index,
		"state":     event.State,
	})
}

// Leaves debug state after the forest has been released
func (srv *Server) resume() {
	srv.mu.Lock()
	changed := false
	if srv.state == StateDebug {
		if srv.busy {
			changed = srv.setStateLocked(StateExecuting)
		} else {
			changed = srv.setStateLocked(StateIdle)
		}
	}
	state := srv.state
	srv.mu.Unlock()
	if changed {
		srv.emitState(state)
	}
}

func (srv *Server) onResult(event forest.ResultEvent) {
	srv.emit(EventNodeResult, record.Record{
		"name":        event.Node,
		"nodeindex":   event.Index,
		"request_id":  event.RequestID.String(),
		"result_code": event.Code,
		"code_text":   meq.CodeString(event.Code),
		"result":      meq.ResultRecord(event.Result),
	})
}

// Snapshot of the server for Get.Server.State and the status endpoint
func (srv *Server) Status() (rec record.Record) {
	srv.mu.Lock()
	state := srv.state
	queued := len(srv.queue)
	srv.mu.Unlock()

	rec = record.Record{
		"state":         state.String(),
		"queued":        queued,
		"forest_serial": srv.forest.Serial(),
		"node_count":    srv.forest.Len(),
	}
	if event, stopped := srv.forest.Stopped(); stopped {
		rec["stopped"] = record.Record{
			"name":      event.Node,
			"nodeindex": event.Index,
			"state":     event.State,
		}
	}
	srv.activeMu.Lock()
	if srv.lastStream != nil {
		rec["last_stream"] = srv.lastStream.Clone()
	}
	rec["streaming"] = len(srv.active) > 0
	srv.activeMu.Unlock()
	return
}
