package dispatch

import (
	"meqserver/internal/global"
	"meqserver/internal/hiid"
	"meqserver/internal/logctx"
	"meqserver/internal/message"
)

// Inserts msg after all entries of equal or higher priority.
// Returns true when the message landed at the queue head.
func (wp *WorkProcess) Enqueue(msg *message.Message, tick uint64) (atHead bool) {
	pos := len(wp.queue)
	for i, entry := range wp.queue {
		if msg.Priority > entry.Priority {
			pos = i
			break
		}
	}
	entry := QueueEntry{Msg: msg, Priority: msg.Priority, Tick: tick}
	wp.queue = append(wp.queue, QueueEntry{})
	copy(wp.queue[pos+1:], wp.queue[pos:])
	wp.queue[pos] = entry

	if pos == 0 {
		wp.needRepoll = true
		atHead = true
	}

	if wp.dsp != nil && wp.dsp.cfg.MaxQueueDepth > 0 {
		depth := len(wp.queue)
		if depth > wp.dsp.cfg.MaxQueueDepth && !wp.depthWarned {
			wp.depthWarned = true
			logctx.LogEvent(wp.Context(), global.VerbosityStandard, global.WarnLog,
				"queue of %s exceeded %d messages\n", wp.address, wp.dsp.cfg.MaxQueueDepth)
		} else if depth <= wp.dsp.cfg.MaxQueueDepth/2 {
			wp.depthWarned = false
		}
	}
	return
}

// Removes every queued message whose id matches pattern. Returns the count removed.
func (wp *WorkProcess) Dequeue(pattern hiid.HIID) (removed int) {
	if len(wp.queue) == 0 {
		return
	}
	head := wp.queue[0].Msg
	kept := wp.queue[:0]
	for _, entry := range wp.queue {
		if entry.Msg.ID.Matches(pattern) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	clearTail(wp.queue, len(kept))
	wp.queue = kept
	if removed > 0 && len(wp.queue) > 0 && wp.queue[0].Msg != head {
		wp.needRepoll = true
	}
	return
}

// Removes the message at pos, 0 being the head. Removing the head of a
// queue that stays non-empty asks for a repoll.
func (wp *WorkProcess) DequeueAt(pos int) (msg *message.Message, ok bool) {
	if pos < 0 || pos >= len(wp.queue) {
		return
	}
	msg, ok = wp.queue[pos].Msg, true
	wp.removeAt(pos)
	return
}

// Peek at queued messages in order
func (wp *WorkProcess) Queued() (msgs []*message.Message) {
	msgs = make([]*message.Message, 0, len(wp.queue))
	for _, entry := range wp.queue {
		msgs = append(msgs, entry.Msg)
	}
	return
}

// Effective priority for scheduling, or -1 when there is nothing to do.
// Waiting messages age by one step per dispatcher tick.
func (wp *WorkProcess) PollPriority(tick uint64) (priority int) {
	priority = -1
	if !wp.running || wp.detachPending || wp.queueLock > 0 || !wp.needRepoll {
		return
	}
	if len(wp.queue) == 0 {
		// Poller-only work processes request polls without queued messages
		if _, isPoller := wp.handler.(Poller); isPoller {
			priority = 0
		}
		return
	}
	head := wp.queue[0]
	priority = max(head.Priority, message.PriLowest) - message.PriLowest
	if tick > head.Tick {
		priority += int(tick - head.Tick)
	}
	return
}

// Processes the queue head. Returns true when another poll is wanted.
func (wp *WorkProcess) DoPoll(tick uint64) (again bool, err error) {
	wp.needRepoll = false

	if poller, ok := wp.handler.(Poller); ok && wp.running {
		var want bool
		_ = wp.guardErr("poll", func() error { want = poller.Poll(wp, tick); return nil })
		if want {
			wp.needRepoll = true
		}
	}

	if len(wp.queue) == 0 || !wp.running {
		again = wp.needRepoll
		return
	}

	msg := wp.queue[0].Msg
	var disp Disposition
	var callbackErr error
	isEvent := false

	switch {
	case msg.ID.HasPrefix(message.EventTimeout):
		isEvent = true
		disp, callbackErr = wp.guard("timeout", func() (Disposition, error) {
			if handler, ok := wp.handler.(TimeoutHandler); ok {
				return handler.Timeout(wp, msg)
			}
			return wp.handler.Receive(wp, msg)
		})
	case msg.ID.HasPrefix(message.EventInput):
		isEvent = true
		disp, callbackErr = wp.guard("input", func() (Disposition, error) {
			if handler, ok := wp.handler.(InputHandler); ok {
				return handler.Input(wp, msg)
			}
			return wp.handler.Receive(wp, msg)
		})
	case msg.ID.HasPrefix(message.EventSignal):
		isEvent = true
		disp, callbackErr = wp.guard("signal", func() (Disposition, error) {
			if handler, ok := wp.handler.(SignalHandler); ok {
				return handler.Signal(wp, msg)
			}
			return wp.handler.Receive(wp, msg)
		})
	case msg.ID.HasPrefix(message.EventPrefix) && msg.ID.Len() > 1 && msg.From.IsZero():
		err = ErrMalformedEvent
		logctx.LogEvent(wp.Context(), global.VerbosityStandard, global.ErrorLog,
			"work process %s received malformed event '%s'\n", wp.address, msg.ID)
		return
	default:
		wp.queueLock++
		disp, callbackErr = wp.guard("receive", func() (Disposition, error) { return wp.handler.Receive(wp, msg) })
		wp.queueLock--
	}

	if callbackErr != nil {
		if wp.dsp != nil {
			wp.dsp.Metrics.CallbackErrors.Add(1)
		}
		logctx.LogEvent(wp.Context(), global.VerbosityStandard, global.ErrorLog,
			"work process %s failed handling '%s': %v\n", wp.address, msg.ID, callbackErr)
		if disp != Hold && disp != Requeue {
			disp = Accept
		}
	}

	// Callbacks may have reshuffled the queue; locate the entry again by identity
	pos := -1
	for i, entry := range wp.queue {
		if entry.Msg == msg {
			pos = i
			break
		}
	}

	switch disp {
	case Hold:
		// Stays at head with no repoll until the queue changes
	case Requeue:
		if pos >= 0 {
			wp.removeAt(pos)
			wp.Enqueue(msg, tick)
		}
	case Cancel:
		if pos >= 0 {
			wp.removeAt(pos)
		}
		if isEvent && wp.dsp != nil {
			wp.dsp.cancelEvent(wp, msg)
		}
	default:
		if pos >= 0 {
			wp.removeAt(pos)
		}
	}

	if disp != Hold && len(wp.queue) > 0 {
		wp.needRepoll = true
	}
	again = wp.needRepoll
	return
}

func (wp *WorkProcess) removeAt(pos int) {
	copy(wp.queue[pos:], wp.queue[pos+1:])
	wp.queue[len(wp.queue)-1] = QueueEntry{}
	wp.queue = wp.queue[:len(wp.queue)-1]
	if pos == 0 && len(wp.queue) > 0 {
		wp.needRepoll = true
	}
}

func clearTail(entries []QueueEntry, from int) {
	for i := from; i < len(entries); i++ {
		entries[i] = QueueEntry{}
	}
}
