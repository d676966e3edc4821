// Helpers for atomic counters shared between goroutines
package atomics

import (
	"context"
	"sync/atomic"
	"time"
)

// Decrements source by value, clamping at zero. Gives up after maxRetries
// contended attempts.
func Subtract(source *atomic.Uint64, value uint64, maxRetries int) (success bool) {
	pause := 10 * time.Microsecond
	for attempt := 0; attempt < maxRetries; attempt++ {
		current := source.Load()
		if current == 0 {
			success = true
			return
		}
		next := uint64(0)
		if value < current {
			next = current - value
		}
		if source.CompareAndSwap(current, next) {
			success = true
			return
		}
		time.Sleep(pause)
		pause *= 2
	}
	return
}

// Polls value with backoff until it has read zero on three consecutive
// samples, ctx ends or timeout passes.
func WaitForZero(ctx context.Context, value *atomic.Uint64, timeout time.Duration) (drained bool, last uint64) {
	const streakNeeded = 3
	const maxPause = time.Second

	deadline := time.Now().Add(timeout)
	pause := 20 * time.Millisecond
	streak := 0

	for {
		last = value.Load()
		if last == 0 {
			streak++
			if streak >= streakNeeded {
				drained = true
				return
			}
		} else {
			streak = 0
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		wait := min(pause, remaining)
		if streak > 0 {
			wait = min(time.Millisecond, remaining)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		pause = min(pause*2, maxPause)
	}
}
