package vis

import (
	"fmt"
	"maps"
	"meqserver/internal/record"
	"slices"
	"sync"
)

type ColumnType int

const (
	ColumnDouble ColumnType = iota
	ColumnFloat
	ColumnComplex
	ColumnFlag
)

func (typ ColumnType) String() string {
	switch typ {
	case ColumnDouble:
		return "double"
	case ColumnFloat:
		return "float"
	case ColumnComplex:
		return "complex"
	case ColumnFlag:
		return "flag"
	}
	return fmt.Sprintf("ColumnType(%d)", int(typ))
}

func ParseColumnType(text string) (typ ColumnType, err error) {
	switch text {
	case "double", "":
		typ = ColumnDouble
	case "float":
		typ = ColumnFloat
	case "complex":
		typ = ColumnComplex
	case "flag":
		typ = ColumnFlag
	default:
		err = fmt.Errorf("unknown column type '%s'", text)
	}
	return
}

// Antenna pair a tile belongs to
type DataID struct {
	Antenna1 int
	Antenna2 int
}

func (id DataID) String() string { return fmt.Sprintf("%d:%d", id.Antenna1, id.Antenna2) }

// Column data laid out [row][freq][corr]; only the slice for Type is set
type Column struct {
	Type    ColumnType
	Double  []float64
	Float   []float32
	Complex []complex128
	Flag    []int
}

func NewColumn(typ ColumnType, size int) (column *Column) {
	column = &Column{Type: typ}
	switch typ {
	case ColumnDouble:
		column.Double = make([]float64, size)
	case ColumnFloat:
		column.Float = make([]float32, size)
	case ColumnComplex:
		column.Complex = make([]complex128, size)
	case ColumnFlag:
		column.Flag = make([]int, size)
	}
	return
}

func (column *Column) Len() int {
	switch column.Type {
	case ColumnDouble:
		return len(column.Double)
	case ColumnFloat:
		return len(column.Float)
	case ColumnComplex:
		return len(column.Complex)
	case ColumnFlag:
		return len(column.Flag)
	}
	return 0
}

// Element as complex regardless of storage type
func (column *Column) Get(i int) complex128 {
	switch column.Type {
	case ColumnDouble:
		return complex(column.Double[i], 0)
	case ColumnFloat:
		return complex(float64(column.Float[i]), 0)
	case ColumnComplex:
		return column.Complex[i]
	case ColumnFlag:
		return complex(float64(column.Flag[i]), 0)
	}
	return 0
}

// Stores value coerced to the column type. Real columns keep the real part.
func (column *Column) Set(i int, value complex128) {
	switch column.Type {
	case ColumnDouble:
		column.Double[i] = real(value)
	case ColumnFloat:
		column.Float[i] = float32(real(value))
	case ColumnComplex:
		column.Complex[i] = value
	case ColumnFlag:
		column.Flag[i] = int(real(value))
	}
}

func (column *Column) Clone() *Column {
	return &Column{
		Type:    column.Type,
		Double:  slices.Clone(column.Double),
		Float:   slices.Clone(column.Float),
		Complex: slices.Clone(column.Complex),
		Flag:    slices.Clone(column.Flag),
	}
}

// Row chunk of one antenna pair's data
type Tile struct {
	Seq      int                `json:"seq"`
	Antenna1 int                `json:"antenna1"`
	Antenna2 int                `json:"antenna2"`
	FirstRow int                `json:"first_row"`
	Times    []float64          `json:"times"`
	NFreq    int                `json:"nfreq"`
	NCorr    int                `json:"ncorr"`
	Columns  map[string]*Column `json:"columns"`

	flagMu sync.Mutex // Serializes flag updates from sinks sharing the tile
}

func (tile *Tile) DataID() DataID { return DataID{tile.Antenna1, tile.Antenna2} }
func (tile *Tile) NRows() int     { return len(tile.Times) }
func (tile *Tile) Size() int      { return tile.NRows() * tile.NFreq * tile.NCorr }

func (tile *Tile) Index(row, freq, corr int) int {
	return (row*tile.NFreq+freq)*tile.NCorr + corr
}

func (tile *Tile) Column(name string) (column *Column, ok bool) {
	column, ok = tile.Columns[name]
	return
}

// Returns the named column, creating it when absent
func (tile *Tile) AddColumn(name string, typ ColumnType) (column *Column) {
	if tile.Columns == nil {
		tile.Columns = map[string]*Column{}
	}
	column, ok := tile.Columns[name]
	if !ok {
		column = NewColumn(typ, tile.Size())
		tile.Columns[name] = column
	}
	return
}

func (tile *Tile) Validate() (err error) {
	if tile.NRows() == 0 || tile.NFreq <= 0 || tile.NCorr <= 0 {
		err = fmt.Errorf("tile %d (%s) has empty shape %dx%dx%d",
			tile.Seq, tile.DataID(), tile.NRows(), tile.NFreq, tile.NCorr)
		return
	}
	for name, column := range tile.Columns {
		if column.Len() != tile.Size() {
			err = fmt.Errorf("tile %d (%s) column %s holds %d values, want %d",
				tile.Seq, tile.DataID(), name, column.Len(), tile.Size())
			return
		}
	}
	return
}

func (tile *Tile) Clone() (copied *Tile) {
	copied = &Tile{
		Seq:      tile.Seq,
		Antenna1: tile.Antenna1,
		Antenna2: tile.Antenna2,
		FirstRow: tile.FirstRow,
		Times:    slices.Clone(tile.Times),
		NFreq:    tile.NFreq,
		NCorr:    tile.NCorr,
		Columns:  make(map[string]*Column, len(tile.Columns)),
	}
	for name, column := range tile.Columns {
		copied.Columns[name] = column.Clone()
	}
	return
}

// Stream-wide description sent before any tile
type Header struct {
	Correlations []string              `json:"correlations"`
	Freqs        []float64             `json:"freqs"`
	Columns      map[string]ColumnType `json:"columns"`
	Record       record.Record         `json:"record,omitempty"`
}

func (header *Header) Clone() *Header {
	return &Header{
		Correlations: slices.Clone(header.Correlations),
		Freqs:        slices.Clone(header.Freqs),
		Columns:      maps.Clone(header.Columns),
		Record:       header.Record.Clone(),
	}
}

type Footer struct {
	Record record.Record `json:"record,omitempty"`
}
