package beats

import "sync"

// Subset of the lumberjack client used by the module
type sender interface {
	Send(data []interface{}) (int, error)
	Close() error
}

// Ships updated tiles as beats events
type OutModule struct {
	Namespace []string
	mu        sync.Mutex
	sink      sender
	stream    streamInfo
	metrics   MetricStorage
}

// Header details repeated on every event of a stream
type streamInfo struct {
	open         bool // Header seen, footer not yet
	correlations []string
	freqs        []float64
	tiles        int
}
