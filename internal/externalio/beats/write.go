package beats

import (
	"context"
	"fmt"
	"math/cmplx"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/vis"
	"os"
	"sort"
	"time"
)

func (mod *OutModule) WriteHeader(ctx context.Context, header *vis.Header) (err error) {
	if mod == nil {
		return
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()
	if mod.stream.open {
		err = mod.send(ctx, mod.summaryFields(time.Now(), nil, true))
	}
	mod.stream = streamInfo{
		open:         true,
		correlations: append([]string(nil), header.Correlations...),
		freqs:        append([]float64(nil), header.Freqs...),
	}
	return
}

// Sends one event per tile
func (mod *OutModule) WriteTile(ctx context.Context, tile *vis.Tile) (err error) {
	if mod == nil {
		return
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()

	fields := mod.tileFields(time.Now(), tile)
	err = mod.send(ctx, fields)
	if err != nil {
		return
	}
	mod.stream.tiles++
	return
}

// Sends the end-of-stream summary event
func (mod *OutModule) WriteFooter(ctx context.Context, footer *vis.Footer) (err error) {
	if mod == nil {
		return
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()

	fields := mod.summaryFields(time.Now(), footer, false)
	err = mod.send(ctx, fields)
	mod.stream.open = false
	return
}

func (mod *OutModule) send(ctx context.Context, fields map[string]interface{}) (err error) {
	sent, err := mod.sink.Send([]interface{}{fields})
	if err != nil {
		mod.metrics.SendErrors.Add(1)
		logctx.LogEvent(ctx, global.VerbosityStandard, global.ErrorLog, "failed sending beats event: %v\n", err)
		err = fmt.Errorf("failed sending beats event: %w", err)
		return
	}
	mod.metrics.EventsSent.Add(uint64(sent))
	return
}

func agentFields() map[string]interface{} {
	pid := global.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	fields := map[string]interface{}{
		// Meta fields identifying the server itself
		"program": global.ProgBaseName,
		"version": global.ProgVersion,
		"type":    "filebeat",
		"pid":     pid,
	}
	if global.Hostname != "" {
		fields["hostname"] = global.Hostname
	}
	return fields
}

func (mod *OutModule) tileFields(now time.Time, tile *vis.Tile) (fields map[string]interface{}) {
	names := make([]string, 0, len(tile.Columns))
	for name := range tile.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	columns := make(map[string]interface{}, len(names))
	for _, name := range names {
		column := tile.Columns[name]
		var peak float64
		var flagged int
		for i := range column.Len() {
			if column.Type == vis.ColumnFlag {
				if column.Flag[i] != 0 {
					flagged++
				}
				continue
			}
			peak = max(peak, cmplx.Abs(column.Get(i)))
		}
		summary := map[string]interface{}{
			"type":   column.Type.String(),
			"values": column.Len(),
		}
		if column.Type == vis.ColumnFlag {
			summary["flagged"] = flagged
		} else {
			summary["peak_amplitude"] = peak
		}
		columns[name] = summary
	}

	var startTime, endTime float64
	if len(tile.Times) > 0 {
		startTime, endTime = tile.Times[0], tile.Times[len(tile.Times)-1]
	}

	fields = map[string]interface{}{
		// Minimum required fields
		"@timestamp": now,
		"message": fmt.Sprintf("tile %d baseline %s rows %d-%d",
			tile.Seq, tile.DataID(), tile.FirstRow, tile.FirstRow+tile.NRows()-1),

		"agent": agentFields(),
		"tile": map[string]interface{}{
			"seq":       tile.Seq,
			"antenna1":  tile.Antenna1,
			"antenna2":  tile.Antenna2,
			"first_row": tile.FirstRow,
			"rows":      tile.NRows(),
			"nfreq":     tile.NFreq,
			"ncorr":     tile.NCorr,
			"time": map[string]interface{}{
				"start": startTime,
				"end":   endTime,
			},
			"correlations": mod.stream.correlations,
			"columns":      columns,
		},
	}
	return
}

// End-of-stream summary. Interrupted streams ended without a footer.
func (mod *OutModule) summaryFields(now time.Time, footer *vis.Footer, interrupted bool) (fields map[string]interface{}) {
	empty := false
	if footer != nil {
		empty = footer.Record.Bool("empty", false)
	}
	message := fmt.Sprintf("end of stream after %d tiles", mod.stream.tiles)
	if interrupted {
		message = fmt.Sprintf("stream interrupted after %d tiles", mod.stream.tiles)
	}
	fields = map[string]interface{}{
		"@timestamp": now,
		"message":    message,
		"agent":      agentFields(),
		"stream": map[string]interface{}{
			"tiles":       mod.stream.tiles,
			"channels":    len(mod.stream.freqs),
			"empty":       empty,
			"interrupted": interrupted,
		},
	}
	return
}
