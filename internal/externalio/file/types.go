package file

import (
	"io"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Tile stream source: JSON lines, zstd-compressed when the name ends in .zst
type InModule struct {
	Namespace  []string
	filePath   string
	stateFile  string // Resume position for follow mode, empty to disable
	compressed bool
	file       *os.File
	decoder    *zstd.Decoder
	source     io.Reader
	metrics    MetricStorage
}

// Tile stream destination in the same format
type OutModule struct {
	Namespace []string
	mu        sync.Mutex
	file      *os.File
	encoder   *zstd.Encoder // nil when uncompressed
	sink      io.Writer
	batch     [][]byte
	batchSize int
	metrics   MetricStorage
}
