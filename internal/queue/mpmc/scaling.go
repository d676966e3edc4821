package mpmc

import (
	"context"
	"meqserver/internal/global"
	"meqserver/internal/logctx"

	"github.com/pbnjay/memory"
)

const historySamples = 8

// Grows the queue when nearly full or steadily filling, and shrinks it when
// nearly idle or steadily draining, within the configured bounds. Growth is
// skipped if the larger ring would not fit in free memory at the observed
// average item size.
func (queue *Queue[T]) ScaleCapacity(ctx context.Context) (resized bool) {
	active := queue.writer.Load()
	capacity := active.capacity
	depth := active.stats.Depth.Load()
	utilization := float64(depth) / float64(capacity) * 100

	queue.historyMu.Lock()
	queue.history = append(queue.history, depth)
	if len(queue.history) > historySamples {
		queue.history = queue.history[len(queue.history)-historySamples:]
	}
	filling, draining := Trend(queue.history, capacity)
	queue.historyMu.Unlock()

	var target int
	switch {
	case (utilization >= 90 || filling) && capacity < queue.maxCapacity:
		target = nextPowerOfTwo(capacity + 1)
		if target > queue.maxCapacity {
			return
		}
		free := memory.FreeMemory()
		if free > 0 && uint64(target)*active.averageItemSize() > free {
			logctx.LogEvent(ctx, global.VerbosityProgress, global.WarnLog,
				"not growing output queue to %d: insufficient free memory\n", target)
			return
		}
	case (utilization <= 2 || draining) && capacity > queue.minCapacity:
		target = prevPowerOfTwo(capacity)
		if target < queue.minCapacity || target < 2 {
			return
		}
	default:
		return
	}

	err := queue.resize(uint64(target))
	if err != nil {
		logctx.LogEvent(ctx, global.VerbosityProgress, global.WarnLog,
			"failed to resize output queue: %v\n", err)
		return
	}
	queue.historyMu.Lock()
	queue.history = queue.history[:0]
	queue.historyMu.Unlock()

	logctx.LogEvent(ctx, global.VerbosityProgress, global.InfoLog,
		"resized output queue from %d to %d\n", capacity, target)
	resized = true
	return
}

func (active *ring[T]) averageItemSize() uint64 {
	pushed := active.stats.PushSuccess.Load()
	if pushed == 0 {
		return 0
	}
	return active.stats.BytesIn.Load() / pushed
}

func nextPowerOfTwo(start int) (next int) {
	next = 1
	for next < start {
		next <<= 1
	}
	return
}

func prevPowerOfTwo(start int) (prev int) {
	if start <= 1 {
		return
	}
	prev = nextPowerOfTwo(start) >> 1
	return
}

// Reads a depth history (oldest first) and reports whether the last three
// samples move consistently towards full or empty.
func Trend(depths []uint64, capacity int) (scaleUp bool, scaleDown bool) {
	const (
		highWater   = 70.0
		lowWater    = 15.0
		consistency = 3
	)
	n := len(depths)
	if n < consistency || capacity <= 0 {
		return
	}
	latest := float64(depths[n-1]) / float64(capacity) * 100

	direction := 0
	streak := 1
	for i := n - 2; i >= 0 && streak < consistency; i-- {
		step := 0
		switch {
		case depths[i+1] > depths[i]:
			step = 1
		case depths[i+1] < depths[i]:
			step = -1
		}
		if direction == 0 {
			direction = step
			continue
		}
		if step != direction {
			break
		}
		streak++
	}

	scaleUp = latest > highWater && direction > 0 && streak >= consistency
	scaleDown = latest < lowWater && direction < 0 && streak >= consistency
	return
}
