package vis

import (
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/global"
	"meqserver/internal/logctx"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"sync"
)

type spigotEntry struct {
	id     meq.RequestID
	result *meq.Result
}

// Leaf node feeding tile data into the tree. Each tile becomes one queued
// result; a request is answered only by the entry at the head with the
// same id.
type Spigot struct {
	dataID    DataID
	column    string
	corrIndex []int
	flagMask  int
	capacity  int

	mu      sync.Mutex
	queue   []spigotEntry
	dropped uint64
}

func (class *Spigot) Init(node *forest.Node, spec record.Record) (err error) {
	class.dataID, err = specDataID(node, spec)
	if err != nil {
		return
	}
	class.column = spec.String("input_column", DefaultInputColumn)
	class.corrIndex = spec.Ints("corr_index")
	class.flagMask = spec.Int("flag_mask", -1)
	class.capacity = spec.Int("queue_size", global.DefaultSpigotCapacity)
	if class.capacity < 1 {
		err = fmt.Errorf("spigot %s: queue_size must be positive", node.Name())
	}
	return
}

func (class *Spigot) DataID() DataID          { return class.dataID }
func (class *Spigot) DependMask() meq.DepMask { return meq.DepDomain }

func (class *Spigot) DeliverHeader(node *forest.Node, header *Header) (err error) {
	if _, ok := header.Columns[class.column]; !ok {
		err = fmt.Errorf("spigot %s: input column %s not in stream", node.Name(), class.column)
	}
	class.reset()
	return
}

func (class *Spigot) DeliverFooter(node *forest.Node, footer *Footer) error {
	class.mu.Lock()
	left := len(class.queue)
	class.mu.Unlock()
	if left > 0 {
		logctx.LogEvent(node.Forest().Context(), global.VerbosityProgress, global.InfoLog,
			"spigot %s: discarding %d unread tiles at end of stream\n", node.Name(), left)
	}
	class.reset()
	return nil
}

func (class *Spigot) ResetStream(node *forest.Node) { class.reset() }

func (class *Spigot) reset() {
	class.mu.Lock()
	class.queue = nil
	class.mu.Unlock()
}

func (class *Spigot) DeliverTile(node *forest.Node, req *meq.Request, tile *Tile) (err error) {
	class.mu.Lock()
	flagMask := class.flagMask
	class.mu.Unlock()

	result, err := class.tileResult(req, tile, flagMask)
	if err != nil {
		err = fmt.Errorf("spigot %s: %w", node.Name(), err)
		return
	}

	class.mu.Lock()
	defer class.mu.Unlock()

	// A newer request makes every older queued entry unreachable
	kept := class.queue[:0]
	for _, entry := range class.queue {
		if entry.id.Compare(req.ID) >= 0 {
			kept = append(kept, entry)
		}
	}
	class.dropped += uint64(len(class.queue) - len(kept))
	class.queue = kept

	if len(class.queue) >= class.capacity {
		logctx.LogEvent(node.Forest().Context(), global.VerbosityStandard, global.WarnLog,
			"spigot %s: queue full, dropping tile for request %s\n", node.Name(), class.queue[0].id)
		class.queue = class.queue[1:]
		class.dropped++
	}
	class.queue = append(class.queue, spigotEntry{id: req.ID.Clone(), result: result})
	return
}

func (class *Spigot) tileResult(req *meq.Request, tile *Tile, flagMask int) (result *meq.Result, err error) {
	column, ok := tile.Column(class.column)
	if !ok {
		err = fmt.Errorf("tile %d has no column %s", tile.Seq, class.column)
		return
	}
	if column.Len() != tile.Size() {
		err = fmt.Errorf("tile %d column %s has %d values, want %d", tile.Seq, class.column, column.Len(), tile.Size())
		return
	}
	corrs, err := correlations(class.corrIndex, tile.NCorr)
	if err != nil {
		return
	}
	flags, _ := tile.Column(FlagColumn)
	if flags != nil && flags.Type != ColumnFlag {
		flags = nil
	}

	nrows, nfreq := tile.NRows(), tile.NFreq
	shape := []int{nrows, nfreq}
	result = meq.NewResult(req.Cells)
	for _, corr := range corrs {
		var vs *meq.VellSet
		if column.Type == ColumnComplex {
			values := make([]complex128, nrows*nfreq)
			for row := 0; row < nrows; row++ {
				for freq := 0; freq < nfreq; freq++ {
					values[row*nfreq+freq] = column.Complex[tile.Index(row, freq, corr)]
				}
			}
			vs = meq.NewVellSet(meq.ComplexVells(shape, values))
		} else {
			values := make([]float64, nrows*nfreq)
			for row := 0; row < nrows; row++ {
				for freq := 0; freq < nfreq; freq++ {
					values[row*nfreq+freq] = real(column.Get(tile.Index(row, freq, corr)))
				}
			}
			vs = meq.NewVellSet(meq.RealVells(shape, values))
		}

		if flags != nil && flagMask != 0 {
			mask := make([]int, nrows*nfreq)
			flagged := false
			for row := 0; row < nrows; row++ {
				for freq := 0; freq < nfreq; freq++ {
					bits := flags.Flag[tile.Index(row, freq, corr)] & flagMask
					mask[row*nfreq+freq] = bits
					flagged = flagged || bits != 0
				}
			}
			if flagged {
				vs.Flags = mask
			}
		}
		result.VellSets = append(result.VellSets, vs)
	}
	return
}

func (class *Spigot) GetResult(node *forest.Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	class.mu.Lock()
	defer class.mu.Unlock()

	// Entries for requests older than this one can never be asked for again
	for len(class.queue) > 0 && class.queue[0].id.Compare(req.ID) < 0 {
		class.queue = class.queue[1:]
		class.dropped++
	}
	if len(class.queue) == 0 || !class.queue[0].id.Equal(req.ID) {
		code = meq.ResMissing
		return
	}
	result = class.queue[0].result
	class.queue = class.queue[1:]
	return
}

// Tiles waiting to be requested
func (class *Spigot) Queued() int {
	class.mu.Lock()
	defer class.mu.Unlock()
	return len(class.queue)
}

func (class *Spigot) FillState(node *forest.Node, rec record.Record) {
	class.mu.Lock()
	defer class.mu.Unlock()
	rec["queued"] = len(class.queue)
	rec["dropped"] = class.dropped
	rec["data_id"] = class.dataID.String()
}

func (class *Spigot) ApplyState(node *forest.Node, rec record.Record) (err error) {
	if rec.Has("flag_mask") {
		class.mu.Lock()
		class.flagMask = rec.Int("flag_mask", class.flagMask)
		class.mu.Unlock()
	}
	return
}
