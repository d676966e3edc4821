package dispatch

import (
	"meqserver/internal/global"
	"meqserver/internal/hiid"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
	"strconv"
)

// Publish address encoding scope: local publishes pin process and host,
// host publishes pin the host only.
func (dsp *Dispatcher) publishAddress(scope message.Scope) message.Address {
	process, host := hiid.AnyAtom, hiid.AnyAtom
	switch scope {
	case message.ScopeLocal:
		process = strconv.Itoa(dsp.cfg.ProcessID)
		host = strconv.Itoa(dsp.cfg.HostID)
	case message.ScopeHost:
		host = strconv.Itoa(dsp.cfg.HostID)
	}
	addr, _ := message.ParseAddress(hiid.New(message.ClassPublish, hiid.AnyAtom, process, host).String())
	return addr
}

// Wildcard publish address for scope, usable with Post
func (dsp *Dispatcher) PublishAddress(scope message.Scope) message.Address {
	return dsp.publishAddress(scope)
}

func (dsp *Dispatcher) pinnedHere(to message.Address) bool {
	id := to.HIID()
	return id.At(2) == strconv.Itoa(dsp.cfg.ProcessID) && id.At(3) == strconv.Itoa(dsp.cfg.HostID)
}

// Routes msg to every matching recipient. The message is privatized once
// and the read-only snapshot is shared by all recipient queues.
// from may be nil for messages originating outside any work process.
func (dsp *Dispatcher) Send(msg *message.Message, from *WorkProcess, to message.Address) (delivered int, err error) {
	if !dsp.running {
		err = ErrNotRunning
		return
	}
	dsp.Metrics.Sends.Add(1)

	if from != nil {
		msg.From = from.address
	} else if msg.From.IsZero() {
		msg.From = dsp.address
	}
	msg.To = to

	var snapshot *message.Message
	deliver := func(wp *WorkProcess) {
		if snapshot == nil {
			snapshot = msg.Privatize()
		}
		if wp.Enqueue(snapshot, dsp.tick) {
			dsp.repoll = true
		}
		delivered++
	}

	if to.IsPublish() {
		for _, wp := range dsp.order {
			if wp.detachPending || !wp.started {
				continue
			}
			if wp.subscribedTo(msg, msg.From, dsp.cfg.ProcessID, dsp.cfg.HostID) {
				deliver(wp)
			}
		}
	} else {
		for _, wp := range dsp.order {
			if wp.detachPending {
				continue
			}
			if wp.address.Matches(to) {
				deliver(wp)
			}
		}
	}

	// Anything not pinned to this process is offered to gateways
	if !dsp.pinnedHere(to) {
		dsp.gateways.Each(func(wp *WorkProcess) (stop bool) {
			if wp == from || wp.detachPending || !wp.running {
				return
			}
			gateway := wp.handler.(Gateway)
			if gateway.WillForward(msg) {
				deliver(wp)
			}
			return
		})
	}

	dsp.Metrics.Deliveries.Add(uint64(delivered))
	if delivered == 0 {
		dsp.Metrics.Undelivered.Add(1)
		logctx.LogEvent(dsp.ctx, global.VerbosityData, global.InfoLog,
			"message %s had no recipients\n", msg)
	}
	return
}

// Queues a message for delivery from the dispatcher's own goroutine.
// Safe from any goroutine.
func (dsp *Dispatcher) Post(msg *message.Message, to message.Address) {
	dsp.extMu.Lock()
	dsp.inbox = append(dsp.inbox, injected{msg: msg, to: to})
	dsp.extMu.Unlock()
	dsp.Wake()
}

func (dsp *Dispatcher) drainInbox() (sent bool) {
	dsp.extMu.Lock()
	pending := dsp.inbox
	dsp.inbox = nil
	dsp.extMu.Unlock()

	for _, item := range pending {
		_, err := dsp.Send(item.msg, nil, item.to)
		if err != nil {
			logctx.LogEvent(dsp.ctx, global.VerbosityStandard, global.ErrorLog,
				"failed to deliver posted message %s: %v\n", item.msg.ID, err)
			continue
		}
		sent = true
	}
	return
}
