package dispatch

import (
	"context"
	"errors"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"time"

	"golang.org/x/sys/unix"
)

// Delivers pending events and polls work processes, highest effective
// priority first, until nothing is left to do. Returns true if any work
// process was polled.
func (dsp *Dispatcher) Poll() (polled bool, err error) {
	if !dsp.running {
		err = ErrNotRunning
		return
	}

	dsp.pollDepth++
	defer func() {
		dsp.pollDepth--
		if dsp.pollDepth == 0 {
			dsp.flushDetached()
		}
	}()

	for {
		fired := dsp.checkEvents()
		if !fired && !dsp.repoll {
			break
		}
		dsp.repoll = false
		dsp.tick++
		dsp.Metrics.Ticks.Add(1)

		var best *WorkProcess
		bestPriority := -1
		pending := 0
		for _, wp := range dsp.order {
			priority := wp.PollPriority(dsp.tick)
			if priority < 0 {
				continue
			}
			pending++
			if priority > bestPriority {
				best, bestPriority = wp, priority
			}
		}
		if best == nil {
			if fired {
				continue
			}
			break
		}

		var again bool
		again, err = best.DoPoll(dsp.tick)
		dsp.Metrics.Polls.Add(1)
		polled = true
		if err != nil {
			return
		}
		if again || pending > 1 {
			dsp.repoll = true
		}
		if dsp.stopPolling.Load() && dsp.pollDepth == 1 && dsp.inPollLoop {
			break
		}
	}
	return
}

// Main loop: poll, then block on inputs, the next timeout or the heartbeat.
// Returns when StopPolling is called, SIGINT arrives (signal owner only) or ctx ends.
func (dsp *Dispatcher) PollLoop(ctx context.Context) (err error) {
	if !dsp.running {
		err = ErrNotRunning
		return
	}
	if dsp.inPollLoop {
		err = ErrReentrantPollLoop
		return
	}
	dsp.inPollLoop = true
	defer func() { dsp.inPollLoop = false }()
	dsp.stopPolling.Store(false)

	heartbeat := time.Second / time.Duration(dsp.cfg.HeartbeatHz)

	logctx.LogEvent(dsp.ctx, global.VerbosityProgress, global.InfoLog,
		"entering poll loop (heartbeat %v)\n", heartbeat)

	for {
		if dsp.stopPolling.Load() || ctx.Err() != nil {
			break
		}
		_, err = dsp.Poll()
		if err != nil {
			return
		}
		if dsp.stopPolling.Load() || ctx.Err() != nil {
			break
		}
		if dsp.repoll {
			continue
		}

		wait := heartbeat
		if next, ok := dsp.nextTimeout(); ok {
			wait = min(wait, max(time.Until(next), 0))
		}
		err = dsp.waitEvents(wait)
		if err != nil {
			return
		}
	}

	logctx.LogEvent(dsp.ctx, global.VerbosityProgress, global.InfoLog, "leaving poll loop\n")
	return
}

// Blocks in select over registered inputs and the wake pipe
func (dsp *Dispatcher) waitEvents(wait time.Duration) (err error) {
	var readSet, writeSet, exceptSet unix.FdSet
	maxFd := -1

	if dsp.wakeR >= 0 {
		readSet.Set(dsp.wakeR)
		maxFd = dsp.wakeR
	}
	for _, input := range dsp.inputs {
		if input.mode&InputRead != 0 {
			readSet.Set(input.fd)
		}
		if input.mode&InputWrite != 0 {
			writeSet.Set(input.fd)
		}
		if input.mode&InputExcept != 0 {
			exceptSet.Set(input.fd)
		}
		maxFd = max(maxFd, input.fd)
	}

	if maxFd < 0 {
		time.Sleep(wait)
		return
	}

	timeout := unix.NsecToTimeval(wait.Nanoseconds())
	n, err := unix.Select(maxFd+1, &readSet, &writeSet, &exceptSet, &timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			err = nil
		}
		return
	}
	if n <= 0 {
		return
	}

	if dsp.wakeR >= 0 && readSet.IsSet(dsp.wakeR) {
		dsp.drainWakePipe()
	}
	for _, input := range dsp.inputs {
		if (input.mode&InputRead != 0 && readSet.IsSet(input.fd)) ||
			(input.mode&InputWrite != 0 && writeSet.IsSet(input.fd)) ||
			(input.mode&InputExcept != 0 && exceptSet.IsSet(input.fd)) {
			input.ready = true
		}
	}
	return
}
