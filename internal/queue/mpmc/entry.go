// Lock-free bounded queue used between the streaming pipeline and its
// output writers
package mpmc

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/atomics"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"runtime"
	"time"
)

var ErrClosed = errors.New("queue closed")

// Creates a queue; capacity must be a power of two no smaller than 2
func New[T any](namespace []string, capacity uint64, minCapacity, maxCapacity int) (queue *Queue[T], err error) {
	initial, err := newRing[T](capacity)
	if err != nil {
		return
	}

	queue = &Queue[T]{
		Namespace:   append(append([]string(nil), namespace...), global.NSQueue),
		closedCh:    make(chan struct{}),
		minCapacity: minCapacity,
		maxCapacity: maxCapacity,
	}
	queue.writer.Store(initial)
	queue.reader.Store(initial)
	handoff := make(chan struct{}, 1)
	queue.handoff.Store(&handoff)
	return
}

func newRing[T any](capacity uint64) (new *ring[T], err error) {
	if capacity < 2 {
		err = fmt.Errorf("capacity %d below minimum of 2", capacity)
		return
	}
	if capacity&(capacity-1) != 0 {
		err = fmt.Errorf("capacity %d is not a power of two", capacity)
		return
	}

	new = &ring[T]{
		capacity: int(capacity),
		mask:     capacity - 1,
		slots:    make([]slot[T], capacity),
		ready:    make(chan struct{}, 1),
		stats:    &MetricStorage{},
	}
	for i := range new.slots {
		new.slots[i].turn.Store(uint64(i))
	}
	return
}

func (queue *Queue[T]) Capacity() int { return queue.writer.Load().capacity }

// Items currently queued across the active rings
func (queue *Queue[T]) Len() (depth int) {
	write := queue.writer.Load()
	depth = int(write.stats.Depth.Load())
	if read := queue.reader.Load(); read != write {
		depth += int(read.stats.Depth.Load())
	}
	return
}

// Stops accepting pushes. Pop keeps returning queued items and reports
// false once the queue is empty.
func (queue *Queue[T]) Close() {
	if queue.closed.CompareAndSwap(false, true) {
		close(queue.closedCh)
	}
}

func (queue *Queue[T]) Closed() bool { return queue.closed.Load() }

// Retries Push until it succeeds, the queue closes or ctx ends. size is the
// caller's byte estimate of value, used for memory-aware growth.
func (queue *Queue[T]) PushBlocking(ctx context.Context, value T, size int) (err error) {
	backoff := time.Millisecond
	for {
		if queue.closed.Load() {
			err = ErrClosed
			return
		}
		if queue.Push(value) {
			queue.writer.Load().stats.BytesIn.Add(uint64(size))
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			return
		case <-queue.closedCh:
		case <-time.After(backoff):
		}
		if backoff < 20*time.Millisecond {
			backoff *= 2
		}
	}
}

// Attempts a single push; false when full or closed
func (queue *Queue[T]) Push(value T) (success bool) {
	if queue.closed.Load() {
		return
	}

	var target *ring[T]
	for {
		target = queue.writer.Load()
		if !target.retired.Load() {
			break
		}
		runtime.Gosched()
	}
	target.stats.PushAttempts.Add(1)

	var pos uint64
	var cell *slot[T]
claim:
	for {
		pos = target.enqueuePos.Load()
		cell = &target.slots[pos&target.mask]
		turn := cell.turn.Load()

		switch {
		case turn == pos:
			if target.enqueuePos.CompareAndSwap(pos, pos+1) {
				break claim
			}
			target.stats.PushCASRetries.Add(1)
		case turn < pos:
			target.stats.PushFull.Add(1)
			return
		default:
			// Another producer claimed this position first
			target.stats.PushSeqAhead.Add(1)
			runtime.Gosched()
		}
	}

	cell.value = value
	cell.turn.Store(pos + 1)
	target.stats.Depth.Add(1)
	target.stats.PushSuccess.Add(1)

	select {
	case target.ready <- struct{}{}:
	default:
	}
	success = true
	return
}

// Blocks until an item is available. Returns false when ctx ends or the
// queue is closed and drained.
func (queue *Queue[T]) Pop(ctx context.Context) (out T, success bool) {
	for {
		source := queue.reader.Load()
		source.stats.PopAttempts.Add(1)

		pos := source.dequeuePos.Load()
		cell := &source.slots[pos&source.mask]
		turn := cell.turn.Load()

		if turn == pos+1 {
			if !source.dequeuePos.CompareAndSwap(pos, pos+1) {
				source.stats.PopCASRetries.Add(1)
				continue
			}
			out = cell.value
			var zero T
			cell.value = zero
			cell.turn.Store(pos + source.mask + 1)

			source.stats.PopSuccess.Add(1)
			if !atomics.Subtract(&source.stats.Depth, 1, 4) {
				logctx.LogEvent(ctx, global.VerbosityStandard, global.WarnLog,
					"failed to decrement queue depth after pop\n")
			}

			// Last item of a retired ring lets readers switch over
			if source.retired.Load() && source.dequeuePos.Load() == source.enqueuePos.Load() {
				select {
				case *queue.handoff.Load() <- struct{}{}:
				default:
				}
			}
			success = true
			return
		}

		if turn > pos+1 {
			// Another consumer is ahead of us
			source.stats.PopSeqBehind.Add(1)
			continue
		}

		source.stats.PopEmpty.Add(1)
		if source.retired.Load() && source.dequeuePos.Load() == source.enqueuePos.Load() {
			queue.reader.CompareAndSwap(source, queue.writer.Load())
			continue
		}
		if queue.closed.Load() && queue.Len() == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-source.ready:
			source.stats.PopWaitSignals.Add(1)
		case <-*queue.handoff.Load():
			queue.reader.CompareAndSwap(source, queue.writer.Load())
		case <-queue.closedCh:
			if queue.Len() == 0 {
				return
			}
		}
	}
}

// Swaps in a ring of the new capacity. Consumers finish the old ring
// before reading from the new one.
func (queue *Queue[T]) resize(capacity uint64) (err error) {
	current := queue.writer.Load()
	if queue.reader.Load() != current {
		err = fmt.Errorf("resize already in progress")
		return
	}

	next, err := newRing[T](capacity)
	if err != nil {
		return
	}

	handoff := make(chan struct{}, 1)
	queue.handoff.Store(&handoff)
	current.retired.Store(true)
	queue.writer.Store(next)

	// Wake a parked consumer so an already-empty ring is handed off now
	select {
	case current.ready <- struct{}{}:
	default:
	}
	return
}
