package mpmc

import (
	"sync"
	"sync/atomic"
)

type slot[T any] struct {
	turn  atomic.Uint64 // Position the slot is ready for (pos = writable, pos+1 = readable)
	value T
}

// One fixed-capacity ring. A Queue swaps rings when it is resized; the
// old ring is retired and drained by consumers before reads move over.
type ring[T any] struct {
	capacity   int
	mask       uint64
	slots      []slot[T]
	enqueuePos atomic.Uint64
	dequeuePos atomic.Uint64
	ready      chan struct{} // Wakes one parked consumer after a push
	retired    atomic.Bool   // Producers must reload the write ring
	stats      *MetricStorage
}

// Bounded multi-producer multi-consumer queue with power-of-two capacity
// that can grow or shrink while in use.
type Queue[T any] struct {
	Namespace []string

	writer  atomic.Pointer[ring[T]] // Ring accepting pushes
	reader  atomic.Pointer[ring[T]] // Ring serving pops (differs from writer mid-resize)
	handoff atomic.Pointer[chan struct{}]

	closed   atomic.Bool
	closedCh chan struct{}

	minCapacity int
	maxCapacity int

	historyMu sync.Mutex
	history   []uint64 // Depth samples taken by ScaleCapacity, oldest first
}
