package dispatch

import (
	"fmt"
	"meqserver/internal/global"
	"meqserver/internal/hiid"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
	"os"
	"slices"
	"strconv"
	"syscall"
	"time"
)

// Registers a periodic (or one-shot) timeout. Each firing queues Event.Timeout.<id>.
func (dsp *Dispatcher) AddTimeout(wp *WorkProcess, period time.Duration, id hiid.HIID, flags int) (err error) {
	if wp == nil || wp.dsp != dsp {
		err = ErrNotAttached
		return
	}
	if period <= 0 {
		err = fmt.Errorf("invalid timeout period %v", period)
		return
	}
	dsp.timeouts = append(dsp.timeouts, &timeoutEvent{
		wp:     wp,
		id:     id,
		period: period,
		next:   time.Now().Add(period),
		flags:  flags,
	})
	return
}

// Removes timeouts of wp whose id matches pattern
func (dsp *Dispatcher) RemoveTimeout(wp *WorkProcess, pattern hiid.HIID) (removed int) {
	dsp.timeouts = slices.DeleteFunc(dsp.timeouts, func(event *timeoutEvent) bool {
		if event.wp == wp && event.id.Matches(pattern) {
			removed++
			return true
		}
		return false
	})
	return
}

// Registers a file descriptor watched by the poll loop. Readiness queues Event.Input.<id>.
func (dsp *Dispatcher) AddInput(wp *WorkProcess, fd int, mode int, id hiid.HIID, flags int) (err error) {
	if wp == nil || wp.dsp != dsp {
		err = ErrNotAttached
		return
	}
	if fd < 0 || mode&(InputRead|InputWrite|InputExcept) == 0 {
		err = fmt.Errorf("invalid input registration fd=%d mode=%d", fd, mode)
		return
	}
	for _, input := range dsp.inputs {
		if input.wp == wp && input.fd == fd {
			input.mode = mode
			input.id = id
			input.flags = flags
			return
		}
	}
	dsp.inputs = append(dsp.inputs, &inputEvent{wp: wp, fd: fd, mode: mode, id: id, flags: flags})
	return
}

// Removes inputs of wp on fd (any fd when fd < 0)
func (dsp *Dispatcher) RemoveInput(wp *WorkProcess, fd int) (removed int) {
	dsp.inputs = slices.DeleteFunc(dsp.inputs, func(input *inputEvent) bool {
		if input.wp == wp && (fd < 0 || input.fd == fd) {
			removed++
			return true
		}
		return false
	})
	return
}

// Registers interest in a process signal. Only the signal owner receives them.
func (dsp *Dispatcher) AddSignal(wp *WorkProcess, sig os.Signal, flags int) (err error) {
	if wp == nil || wp.dsp != dsp {
		err = ErrNotAttached
		return
	}
	if !ownsSignals(dsp) {
		err = ErrNotSignalOwner
		return
	}
	for _, event := range dsp.signals[sig] {
		if event.wp == wp {
			event.flags = flags
			return
		}
	}
	dsp.signals[sig] = append(dsp.signals[sig], &signalEvent{wp: wp, sig: sig, flags: flags})
	installSignal(sig)
	return
}

func (dsp *Dispatcher) RemoveSignal(wp *WorkProcess, sig os.Signal) (removed int) {
	remaining := slices.DeleteFunc(dsp.signals[sig], func(event *signalEvent) bool {
		if event.wp == wp {
			removed++
			return true
		}
		return false
	})
	if len(remaining) == 0 {
		delete(dsp.signals, sig)
	} else {
		dsp.signals[sig] = remaining
	}
	for range removed {
		removeSignal(sig)
	}
	return
}

func (dsp *Dispatcher) purgeEvents(wp *WorkProcess) {
	dsp.RemoveTimeout(wp, hiid.New(hiid.Wildcard))
	dsp.RemoveInput(wp, -1)
	for sig := range dsp.signals {
		dsp.RemoveSignal(wp, sig)
	}
}

// Deregisters the source of an event message after a Cancel disposition
func (dsp *Dispatcher) cancelEvent(wp *WorkProcess, msg *message.Message) {
	info, _ := msg.Payload.(EventInfo)
	switch {
	case msg.ID.HasPrefix(message.EventTimeout):
		dsp.RemoveTimeout(wp, info.ID)
	case msg.ID.HasPrefix(message.EventInput):
		dsp.RemoveInput(wp, info.Fd)
	case msg.ID.HasPrefix(message.EventSignal):
		if info.Signal != nil {
			dsp.RemoveSignal(wp, info.Signal)
		}
	}
}

func (dsp *Dispatcher) nextTimeout() (next time.Time, ok bool) {
	for _, event := range dsp.timeouts {
		if !ok || event.next.Before(next) {
			next = event.next
			ok = true
		}
	}
	return
}

// Turns due timeouts, ready inputs, caught signals and posted messages into
// queued messages. Returns true when anything was delivered.
func (dsp *Dispatcher) checkEvents() (fired bool) {
	now := time.Now()

	if dsp.drainInbox() {
		fired = true
	}

	var expired []*timeoutEvent
	for _, event := range slices.Clone(dsp.timeouts) {
		if now.Before(event.next) {
			continue
		}
		msg := message.New(message.EventTimeout.Concat(event.id),
			EventInfo{ID: event.id, Fd: -1, Count: 1, Fired: now}, message.PriEvent)
		dsp.enqueueEvent(event.wp, msg)
		fired = true

		if event.flags&EvOneShot != 0 {
			expired = append(expired, event)
			continue
		}
		event.next = event.next.Add(event.period)
		if event.next.Before(now) {
			event.next = now.Add(event.period)
		}
	}
	if len(expired) > 0 {
		dsp.timeouts = slices.DeleteFunc(dsp.timeouts, func(event *timeoutEvent) bool {
			return slices.Contains(expired, event)
		})
	}

	var spent []*inputEvent
	for _, input := range slices.Clone(dsp.inputs) {
		if !input.ready {
			continue
		}
		input.ready = false
		id := message.EventInput.Concat(input.id)
		if input.wp.hasQueued(id) {
			continue
		}
		msg := message.New(id, EventInfo{ID: input.id, Fd: input.fd, Count: 1, Fired: now}, message.PriEvent)
		dsp.enqueueEvent(input.wp, msg)
		fired = true
		if input.flags&EvOneShot != 0 {
			spent = append(spent, input)
		}
	}
	if len(spent) > 0 {
		dsp.inputs = slices.DeleteFunc(dsp.inputs, func(input *inputEvent) bool {
			return slices.Contains(spent, input)
		})
	}

	dsp.extMu.Lock()
	caught := dsp.pendingSignals
	dsp.pendingSignals = make(map[os.Signal]int)
	dsp.extMu.Unlock()

	for sig, count := range caught {
		dsp.Metrics.Signals.Add(uint64(count))
		for _, event := range slices.Clone(dsp.signals[sig]) {
			msg := message.New(message.EventSignal.Add(signalNumber(sig)),
				EventInfo{ID: hiid.New(signalNumber(sig)), Fd: -1, Signal: sig, Count: count, Fired: now}, message.PriEvent)
			dsp.enqueueEvent(event.wp, msg)
			fired = true
			if event.flags&EvOneShot != 0 {
				dsp.RemoveSignal(event.wp, sig)
			}
		}
		if sig == syscall.SIGINT && dsp.cfg.OwnSignals {
			logctx.LogEvent(dsp.ctx, global.VerbosityStandard, global.InfoLog, "caught interrupt, leaving poll loop\n")
			dsp.stopPolling.Store(true)
		}
	}
	return
}

func (dsp *Dispatcher) enqueueEvent(wp *WorkProcess, msg *message.Message) {
	if wp.detachPending || wp.dsp != dsp {
		return
	}
	msg.To = wp.address
	dsp.Metrics.Events.Add(1)
	if wp.Enqueue(msg, dsp.tick) {
		dsp.repoll = true
	}
}

func (wp *WorkProcess) hasQueued(id hiid.HIID) bool {
	for _, entry := range wp.queue {
		if entry.Msg.ID.Equal(id) {
			return true
		}
	}
	return false
}

func signalNumber(sig os.Signal) string {
	if number, ok := sig.(syscall.Signal); ok {
		return strconv.Itoa(int(number))
	}
	return sig.String()
}
