// Message dispatcher and actor (work process) scheduler
package dispatch

import (
	"context"
	"fmt"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
	"os"
	"slices"
	"syscall"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sys/unix"
)

func New(ctx context.Context, cfg Config) (dsp *Dispatcher) {
	if cfg.HeartbeatHz <= 0 {
		cfg.HeartbeatHz = global.DefaultHeartbeatHz
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = global.DefaultMaxQueueDepth
	}

	ctx = logctx.AppendCtxTag(ctx, global.NSDispatcher)

	dsp = &Dispatcher{
		ctx:            ctx,
		cfg:            cfg,
		address:        message.NewAddress(message.ClassDispatcher, 0, cfg.ProcessID, cfg.HostID),
		wps:            make(map[string]*WorkProcess),
		instances:      make(map[string]int),
		gateways:       mapset.NewThreadUnsafeSet[*WorkProcess](),
		signals:        make(map[os.Signal][]*signalEvent),
		pendingSignals: make(map[os.Signal]int),
		wakeR:          -1,
		wakeW:          -1,
		Metrics:        &MetricStorage{},
	}
	return
}

func (dsp *Dispatcher) Address() message.Address { return dsp.address }
func (dsp *Dispatcher) Running() bool            { return dsp.running }
func (dsp *Dispatcher) Tick() uint64             { return dsp.tick }

// Attached work processes in attach order
func (dsp *Dispatcher) WorkProcesses() (wps []*WorkProcess) {
	wps = slices.Clone(dsp.order)
	return
}

func (dsp *Dispatcher) Lookup(addr message.Address) (wp *WorkProcess) {
	wp = dsp.wps[addr.String()]
	return
}

// Attaches a work process and assigns its address. If the dispatcher is
// already running, the work process is initialized and started immediately.
func (dsp *Dispatcher) Attach(wp *WorkProcess) (addr message.Address, err error) {
	if wp == nil || wp.handler == nil {
		err = ErrNoHandler
		return
	}
	if wp.dsp != nil {
		err = ErrAlreadyAttached
		return
	}

	dsp.instances[wp.class]++
	addr = message.NewAddress(wp.class, dsp.instances[wp.class], dsp.cfg.ProcessID, dsp.cfg.HostID)

	wp.address = addr
	wp.dsp = dsp
	wp.ctx = logctx.AppendCtxTag(dsp.ctx, addr.String())
	wp.detachPending = false
	dsp.wps[addr.String()] = wp
	dsp.order = append(dsp.order, wp)
	dsp.Metrics.Attached.Store(uint64(len(dsp.order)))
	if _, isGateway := wp.handler.(Gateway); isGateway {
		dsp.gateways.Add(wp)
	}

	logctx.LogEvent(dsp.ctx, global.VerbosityFullData, global.InfoLog, "attached work process %s\n", addr)

	switch {
	case dsp.inStart:
		dsp.attachStack = append(dsp.attachStack, wp)
	case dsp.running:
		err = dsp.activate(wp)
	}
	return
}

// Detaches a work process. With delay, removal is deferred until the
// outermost poll returns; the work process receives nothing further either way.
func (dsp *Dispatcher) Detach(wp *WorkProcess, delay bool) (err error) {
	if wp == nil || wp.dsp != dsp {
		err = ErrNotAttached
		return
	}
	if wp.detachPending {
		return
	}

	wp.doStop()
	dsp.purgeEvents(wp)
	wp.detachPending = true
	wp.running = false

	if delay || dsp.pollDepth > 0 {
		dsp.detached = append(dsp.detached, wp)
		return
	}
	dsp.remove(wp)
	return
}

func (dsp *Dispatcher) remove(wp *WorkProcess) {
	delete(dsp.wps, wp.address.String())
	dsp.order = slices.DeleteFunc(dsp.order, func(other *WorkProcess) bool { return other == wp })
	dsp.Metrics.Attached.Store(uint64(len(dsp.order)))
	dsp.gateways.Remove(wp)
	wp.dsp = nil
	wp.detachPending = false
	wp.initialized = false
	logctx.LogEvent(dsp.ctx, global.VerbosityFullData, global.InfoLog, "detached work process %s\n", wp.address)
}

func (dsp *Dispatcher) flushDetached() {
	for _, wp := range dsp.detached {
		dsp.remove(wp)
	}
	dsp.detached = nil
}

// Init then start; failures detach the work process
func (dsp *Dispatcher) activate(wp *WorkProcess) (err error) {
	if !wp.initialized {
		err = wp.doInit()
		if err != nil {
			err = fmt.Errorf("init of %s failed: %w", wp.address, err)
			logctx.LogEvent(dsp.ctx, global.VerbosityStandard, global.ErrorLog, "%v\n", err)
			_ = dsp.Detach(wp, false)
			return
		}
	}
	err = wp.doStart()
	if err != nil {
		err = fmt.Errorf("start of %s failed: %w", wp.address, err)
		logctx.LogEvent(dsp.ctx, global.VerbosityStandard, global.ErrorLog, "%v\n", err)
		_ = dsp.Detach(wp, false)
	}
	return
}

// Initializes then starts every attached work process. Work processes
// attached from within Init hooks are activated after the pass completes.
func (dsp *Dispatcher) Start() (err error) {
	if dsp.running {
		err = ErrAlreadyRunning
		return
	}

	if dsp.cfg.OwnSignals {
		err = claimSignalOwner(dsp)
		if err != nil {
			return
		}
	}

	err = dsp.openWakePipe()
	if err != nil {
		if dsp.cfg.OwnSignals {
			releaseSignalOwner(dsp)
		}
		return
	}

	if dsp.cfg.OwnSignals {
		installSignal(syscall.SIGINT)
	}

	dsp.running = true
	dsp.inStart = true
	dsp.stopPolling.Store(false)

	initial := slices.Clone(dsp.order)
	for _, wp := range initial {
		initErr := wp.doInit()
		if initErr != nil {
			logctx.LogEvent(dsp.ctx, global.VerbosityStandard, global.ErrorLog,
				"init of %s failed: %v\n", wp.address, initErr)
			_ = dsp.Detach(wp, false)
		}
	}
	for _, wp := range initial {
		if wp.dsp != dsp || !wp.initialized {
			continue
		}
		startErr := wp.doStart()
		if startErr != nil {
			logctx.LogEvent(dsp.ctx, global.VerbosityStandard, global.ErrorLog,
				"start of %s failed: %v\n", wp.address, startErr)
			_ = dsp.Detach(wp, false)
		}
	}
	dsp.inStart = false

	for len(dsp.attachStack) > 0 {
		wp := dsp.attachStack[0]
		dsp.attachStack = dsp.attachStack[1:]
		if wp.dsp == dsp {
			_ = dsp.activate(wp)
		}
	}

	logctx.LogEvent(dsp.ctx, global.VerbosityProgress, global.InfoLog,
		"dispatcher %s started with %d work processes\n", dsp.address, len(dsp.order))
	return
}

// Stops every work process and removes all event sources
func (dsp *Dispatcher) Stop() {
	if !dsp.running {
		return
	}
	dsp.StopPolling()

	for _, wp := range slices.Clone(dsp.order) {
		wp.doStop()
		dsp.purgeEvents(wp)
	}
	dsp.flushDetached()

	if dsp.cfg.OwnSignals {
		removeSignal(syscall.SIGINT)
		releaseSignalOwner(dsp)
	}

	dsp.running = false
	dsp.closeWakePipe()

	logctx.LogEvent(dsp.ctx, global.VerbosityProgress, global.InfoLog, "dispatcher %s stopped\n", dsp.address)
}

// Safe from any goroutine
func (dsp *Dispatcher) StopPolling() {
	dsp.stopPolling.Store(true)
	dsp.Wake()
}

// Interrupts a blocking wait in the poll loop. Safe from any goroutine.
func (dsp *Dispatcher) Wake() {
	dsp.extMu.Lock()
	fd := dsp.wakeW
	dsp.extMu.Unlock()
	if fd < 0 {
		return
	}
	_, _ = unix.Write(fd, []byte{0})
}

func (dsp *Dispatcher) openWakePipe() (err error) {
	fds := make([]int, 2)
	err = unix.Pipe(fds)
	if err != nil {
		err = fmt.Errorf("failed to create wake pipe: %w", err)
		return
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		err = unix.SetNonblock(fd, true)
		if err != nil {
			_ = unix.Close(fds[0])
			_ = unix.Close(fds[1])
			err = fmt.Errorf("failed to set wake pipe non-blocking: %w", err)
			return
		}
	}
	dsp.extMu.Lock()
	dsp.wakeR, dsp.wakeW = fds[0], fds[1]
	dsp.extMu.Unlock()
	return
}

func (dsp *Dispatcher) closeWakePipe() {
	dsp.extMu.Lock()
	readFd, writeFd := dsp.wakeR, dsp.wakeW
	dsp.wakeR, dsp.wakeW = -1, -1
	dsp.extMu.Unlock()
	if readFd >= 0 {
		_ = unix.Close(readFd)
	}
	if writeFd >= 0 {
		_ = unix.Close(writeFd)
	}
}

func (dsp *Dispatcher) drainWakePipe() {
	buf := make([]byte, 64)
	for {
		n, err := unix.Read(dsp.wakeR, buf)
		if n <= 0 || err != nil {
			return
		}
	}
}
