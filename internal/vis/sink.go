package vis

import (
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"sync"
	"sync/atomic"
)

// One-child node that passes its child's result through and writes the
// vellsets into its current tile's output column
type Sink struct {
	dataID    DataID
	column    string
	corrIndex []int

	mu         sync.Mutex
	columnType ColumnType
	flagMask   int
	tile       *Tile
	tileID     meq.RequestID

	written atomic.Uint64
}

func (class *Sink) Init(node *forest.Node, spec record.Record) (err error) {
	if node.NumChildren() != 1 {
		err = fmt.Errorf("sink %s needs exactly one child, has %d", node.Name(), node.NumChildren())
		return
	}
	class.dataID, err = specDataID(node, spec)
	if err != nil {
		return
	}
	class.column = spec.String("output_column", DefaultOutputColumn)
	class.columnType, err = ParseColumnType(spec.String("output_type", "complex"))
	if err != nil {
		return
	}
	class.corrIndex = spec.Ints("corr_index")
	class.flagMask = spec.Int("flag_mask", 0)
	return
}

func (class *Sink) DataID() DataID          { return class.dataID }
func (class *Sink) DependMask() meq.DepMask { return meq.DepDomain }

func (class *Sink) OutputColumns() (columns map[string]ColumnType) {
	class.mu.Lock()
	defer class.mu.Unlock()
	columns = map[string]ColumnType{class.column: class.columnType}
	if class.flagMask != 0 {
		columns[FlagColumn] = ColumnFlag
	}
	return
}

// Tiles updated since the last call
func (class *Sink) TakeWritten() uint64 { return class.written.Swap(0) }

func (class *Sink) DeliverHeader(node *forest.Node, header *Header) error {
	class.mu.Lock()
	defer class.mu.Unlock()
	// An existing column keeps its stored type; values are coerced into it
	if typ, ok := header.Columns[class.column]; ok {
		class.columnType = typ
	}
	class.tile = nil
	return nil
}

// Columns are created here, on the stream goroutine, so concurrent sink
// evaluation never changes a tile's column map
func (class *Sink) DeliverTile(node *forest.Node, req *meq.Request, tile *Tile) (err error) {
	class.mu.Lock()
	defer class.mu.Unlock()

	column := tile.AddColumn(class.column, class.columnType)
	if column.Len() != tile.Size() {
		err = fmt.Errorf("sink %s: column %s has %d values, want %d", node.Name(), class.column, column.Len(), tile.Size())
		return
	}
	if class.flagMask != 0 {
		tile.AddColumn(FlagColumn, ColumnFlag)
	}
	class.tile = tile
	class.tileID = req.ID.Clone()
	return
}

func (class *Sink) DeliverFooter(node *forest.Node, footer *Footer) error {
	class.ResetStream(node)
	return nil
}

func (class *Sink) ResetStream(node *forest.Node) {
	class.mu.Lock()
	class.tile = nil
	class.tileID = nil
	class.mu.Unlock()
}

func (class *Sink) GetResult(node *forest.Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	result = children[0]
	if result == nil {
		return
	}

	class.mu.Lock()
	tile, tileID, flagMask := class.tile, class.tileID, class.flagMask
	class.mu.Unlock()
	if tile == nil || !tileID.Equal(req.ID) {
		return
	}

	wrote, err := class.write(tile, result, flagMask)
	if err != nil {
		err = fmt.Errorf("writing tile %d: %w", tile.Seq, err)
		return
	}
	if wrote {
		class.written.Add(1)
		code = meq.ResUpdated
	}
	return
}

func (class *Sink) write(tile *Tile, result *meq.Result, flagMask int) (wrote bool, err error) {
	column, ok := tile.Column(class.column)
	if !ok {
		err = fmt.Errorf("output column %s missing", class.column)
		return
	}
	nrows, nfreq := tile.NRows(), tile.NFreq

	for k, vs := range result.VellSets {
		corr := k
		if len(class.corrIndex) > 0 {
			if k >= len(class.corrIndex) {
				break
			}
			corr = class.corrIndex[k]
		}
		if corr < 0 || vs.Value == nil || vs.IsFail() {
			continue
		}
		if corr >= tile.NCorr {
			err = fmt.Errorf("correlation %d out of range for %d correlations", corr, tile.NCorr)
			return
		}
		if !vs.Value.IsScalar() && vs.Value.Len() != nrows*nfreq {
			err = fmt.Errorf("vellset %d has %d values, tile needs %dx%d", k, vs.Value.Len(), nrows, nfreq)
			return
		}

		for row := 0; row < nrows; row++ {
			for freq := 0; freq < nfreq; freq++ {
				column.Set(tile.Index(row, freq, corr), vs.Value.Get(row*nfreq+freq))
			}
		}
		wrote = true

		if flagMask == 0 || !vs.HasFlags() {
			continue
		}
		if len(vs.Flags) != 1 && len(vs.Flags) != nrows*nfreq {
			err = fmt.Errorf("vellset %d has %d flags, tile needs %dx%d", k, len(vs.Flags), nrows, nfreq)
			return
		}
		flags, ok := tile.Column(FlagColumn)
		if !ok || flags.Type != ColumnFlag {
			continue
		}
		tile.flagMu.Lock()
		for i := 0; i < nrows*nfreq; i++ {
			bits := vs.Flags[0]
			if len(vs.Flags) > 1 {
				bits = vs.Flags[i]
			}
			flags.Flag[tile.Index(i/nfreq, i%nfreq, corr)] |= bits & flagMask
		}
		tile.flagMu.Unlock()
	}
	return
}

func (class *Sink) FillState(node *forest.Node, rec record.Record) {
	class.mu.Lock()
	rec["output_column"] = class.column
	rec["output_type"] = class.columnType.String()
	rec["flag_mask"] = class.flagMask
	class.mu.Unlock()
	rec["data_id"] = class.dataID.String()
}

func (class *Sink) ApplyState(node *forest.Node, rec record.Record) (err error) {
	if rec.Has("flag_mask") {
		class.mu.Lock()
		class.flagMask = rec.Int("flag_mask", class.flagMask)
		class.mu.Unlock()
	}
	return
}
