package vis

import (
	"fmt"
	"meqserver/internal/forest"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"strconv"
	"strings"
)

const (
	ClassMux    = "MeqVisDataMux"
	ClassSpigot = "MeqSpigot"
	ClassSink   = "MeqSink"

	DefaultInputColumn  = "DATA"
	DefaultOutputColumn = "PREDICT"
	FlagColumn          = "FLAGS"
)

// Node classes that take part in the tile stream
type Handler interface {
	DataID() DataID
	DeliverHeader(node *forest.Node, header *Header) error
	DeliverTile(node *forest.Node, req *meq.Request, tile *Tile) error
	DeliverFooter(node *forest.Node, footer *Footer) error
}

// Handlers holding per-stream state that must be dropped when a stream
// ends without a footer
type streamResetter interface {
	ResetStream(node *forest.Node)
}

// Handlers that write columns into the tiles they receive
type ColumnWriter interface {
	OutputColumns() map[string]ColumnType
}

// Adds the stream classes to a forest
func Register(f *forest.Forest) {
	f.RegisterClass(ClassMux, func() forest.Class { return &Mux{} })
	f.RegisterClass(ClassSpigot, func() forest.Class { return &Spigot{} })
	f.RegisterClass(ClassSink, func() forest.Class { return &Sink{} })
}

// Antenna pair from the antenna1/antenna2 fields, or else from a
// "<name>:<a1>:<a2>" node name
func specDataID(node *forest.Node, spec record.Record) (id DataID, err error) {
	if spec.Has("antenna1") || spec.Has("antenna2") {
		id = DataID{spec.Int("antenna1", 0), spec.Int("antenna2", 0)}
		return
	}
	parts := strings.Split(node.Name(), ":")
	if len(parts) < 3 {
		err = fmt.Errorf("node %s: no antenna pair in spec or name", node.Name())
		return
	}
	a1, err1 := strconv.Atoi(parts[len(parts)-2])
	a2, err2 := strconv.Atoi(parts[len(parts)-1])
	if err1 != nil || err2 != nil {
		err = fmt.Errorf("node %s: malformed antenna pair in name", node.Name())
		return
	}
	id = DataID{a1, a2}
	return
}

// Correlation indices from corr_index, defaulting to every correlation
func correlations(corrIndex []int, ncorr int) (indices []int, err error) {
	if len(corrIndex) == 0 {
		indices = make([]int, ncorr)
		for i := range indices {
			indices[i] = i
		}
		return
	}
	for _, corr := range corrIndex {
		if corr >= ncorr {
			err = fmt.Errorf("correlation index %d out of range for %d correlations", corr, ncorr)
			return
		}
	}
	indices = corrIndex
	return
}
