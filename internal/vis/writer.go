package vis

import (
	"context"
	"errors"
	"fmt"
	"meqserver/internal/atomics"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/queue/mpmc"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Destination for the stream the mux re-emits
type TileWriter interface {
	WriteHeader(ctx context.Context, header *Header) error
	WriteTile(ctx context.Context, tile *Tile) error
	// Ends the stream; buffered output must be flushed before returning
	WriteFooter(ctx context.Context, footer *Footer) error
}

type OutputKind int

const (
	OutputHeader OutputKind = iota
	OutputTile
	OutputFooter
)

type OutputEvent struct {
	Kind   OutputKind
	Header *Header
	Tile   *Tile
	Footer *Footer
}

// Hands stream events to a worker goroutine through a bounded queue so
// slow outputs do not stall snippet processing. Output errors are
// reported at the footer.
type QueuedWriter struct {
	ctx     context.Context
	queue   *mpmc.Queue[OutputEvent]
	outputs []TileWriter

	inFlight atomic.Uint64
	errMu    sync.Mutex
	errs     []error
	done     chan struct{}
	started  atomic.Bool
}

func NewQueuedWriter(ctx context.Context, capacity uint64, minCapacity, maxCapacity int, outputs ...TileWriter) (writer *QueuedWriter, err error) {
	ctx = logctx.AppendCtxTag(ctx, global.NSOut)
	queue, err := mpmc.New[OutputEvent]([]string{global.NSMux, global.NSOut}, capacity, minCapacity, maxCapacity)
	if err != nil {
		err = fmt.Errorf("failed creating output queue: %w", err)
		return
	}
	writer = &QueuedWriter{
		ctx:     ctx,
		queue:   queue,
		outputs: outputs,
		done:    make(chan struct{}),
	}
	return
}

func (writer *QueuedWriter) Start() {
	if !writer.started.CompareAndSwap(false, true) {
		return
	}
	go writer.run()
}

func (writer *QueuedWriter) run() {
	defer close(writer.done)
	for {
		event, ok := writer.queue.Pop(writer.ctx)
		if !ok {
			return
		}
		writer.deliver(event)
		atomics.Subtract(&writer.inFlight, 1, 8)
	}
}

func (writer *QueuedWriter) deliver(event OutputEvent) {
	defer func() {
		if fatalError := recover(); fatalError != nil {
			writer.recordError(fmt.Errorf("panic in output writer: %v", fatalError))
			logctx.LogEvent(writer.ctx, global.VerbosityStandard, global.ErrorLog,
				"panic in output writer: %v\n%s", fatalError, debug.Stack())
		}
	}()

	for _, output := range writer.outputs {
		var err error
		switch event.Kind {
		case OutputHeader:
			err = output.WriteHeader(writer.ctx, event.Header)
		case OutputTile:
			err = output.WriteTile(writer.ctx, event.Tile)
		case OutputFooter:
			err = output.WriteFooter(writer.ctx, event.Footer)
		}
		if err != nil {
			writer.recordError(err)
			logctx.LogEvent(writer.ctx, global.VerbosityStandard, global.ErrorLog,
				"output write failed: %v\n", err)
		}
	}
}

func (writer *QueuedWriter) recordError(err error) {
	writer.errMu.Lock()
	writer.errs = append(writer.errs, err)
	writer.errMu.Unlock()
}

func (writer *QueuedWriter) takeErrors() (err error) {
	writer.errMu.Lock()
	err = errors.Join(writer.errs...)
	writer.errs = nil
	writer.errMu.Unlock()
	return
}

func (writer *QueuedWriter) enqueue(ctx context.Context, event OutputEvent, size int) (err error) {
	writer.inFlight.Add(1)
	err = writer.queue.PushBlocking(ctx, event, size)
	if err != nil {
		atomics.Subtract(&writer.inFlight, 1, 8)
		err = fmt.Errorf("queueing output: %w", err)
	}
	return
}

func (writer *QueuedWriter) WriteHeader(ctx context.Context, header *Header) error {
	return writer.enqueue(ctx, OutputEvent{Kind: OutputHeader, Header: header}, 256)
}

func (writer *QueuedWriter) WriteTile(ctx context.Context, tile *Tile) error {
	return writer.enqueue(ctx, OutputEvent{Kind: OutputTile, Tile: tile}, tile.Size()*16*len(tile.Columns))
}

// Queues the footer and waits until every queued event reached the outputs
func (writer *QueuedWriter) WriteFooter(ctx context.Context, footer *Footer) (err error) {
	err = writer.enqueue(ctx, OutputEvent{Kind: OutputFooter, Footer: footer}, 64)
	if err != nil {
		return
	}
	drained, left := atomics.WaitForZero(ctx, &writer.inFlight, global.OutputDrainTimeout)
	if !drained {
		err = fmt.Errorf("output queue not drained at end of stream: %d events pending", left)
		return
	}
	err = writer.takeErrors()
	return
}

// Stops the worker after it has written everything queued
func (writer *QueuedWriter) Close() {
	writer.queue.Close()
	if writer.started.Load() {
		<-writer.done
	}
}

func (writer *QueuedWriter) Pending() uint64 { return writer.inFlight.Load() }

// Periodic hook for the daemon's scaling loop
func (writer *QueuedWriter) ScaleCapacity(ctx context.Context) bool {
	return writer.queue.ScaleCapacity(ctx)
}
