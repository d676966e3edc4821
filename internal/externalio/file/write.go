package file

import (
	"context"
	"encoding/json"
	"fmt"
	"meqserver/internal/vis"
)

func (mod *OutModule) WriteHeader(ctx context.Context, header *vis.Header) error {
	return mod.write(vis.StreamEvent{Type: vis.EventHeader, Header: header})
}

func (mod *OutModule) WriteTile(ctx context.Context, tile *vis.Tile) error {
	return mod.write(vis.StreamEvent{Type: vis.EventData, Tile: tile})
}

// Flushes everything buffered for the stream, including the compressor
func (mod *OutModule) WriteFooter(ctx context.Context, footer *vis.Footer) (err error) {
	err = mod.write(vis.StreamEvent{Type: vis.EventFooter, Footer: footer})
	if err != nil {
		return
	}
	_, err = mod.FlushBuffer()
	if err != nil {
		return
	}

	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.encoder != nil {
		err = mod.encoder.Flush()
		if err != nil {
			err = fmt.Errorf("failed flushing compressed stream: %w", err)
			return
		}
	}
	err = mod.file.Sync()
	return
}

// Encodes one event as a line and writes out full batches
func (mod *OutModule) write(event vis.StreamEvent) (err error) {
	if mod == nil {
		return
	}

	line, err := json.Marshal(event)
	if err != nil {
		err = fmt.Errorf("failed encoding %s event: %w", event.Type, err)
		return
	}
	line = append(line, '\n')

	mod.mu.Lock()
	mod.batch = append(mod.batch, line)
	full := len(mod.batch) >= mod.batchSize
	mod.mu.Unlock()

	if full {
		_, err = mod.FlushBuffer()
	}
	return
}

// Flushes line buffer to the file
func (mod *OutModule) FlushBuffer() (flushedCnt int, err error) {
	if mod == nil {
		return
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()

	for _, line := range mod.batch {
		data := line
		for len(data) > 0 {
			var n int
			n, err = mod.sink.Write(data)
			if err != nil {
				mod.batch = mod.batch[flushedCnt:]
				err = fmt.Errorf("failed writing stream line: %w", err)
				return
			}
			data = data[n:]
		}
		mod.metrics.LinesWritten.Add(1)
		mod.metrics.BytesWritten.Add(uint64(len(line)))
		flushedCnt++
	}
	mod.batch = mod.batch[:0]
	return
}
