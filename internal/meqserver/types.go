package meqserver

import (
	"context"
	"meqserver/internal/dispatch"
	"meqserver/internal/forest"
	"meqserver/internal/metrics"
	"meqserver/internal/record"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type JSONConfig struct {
	Dispatcher struct {
		HeartbeatHz   int `json:"heartbeatHz,omitempty"`
		ProcessID     int `json:"processID,omitempty"`
		HostID        int `json:"hostID,omitempty"`
		MaxQueueDepth int `json:"maxQueueDepth,omitempty"`
	} `json:"dispatcher"`
	Forest struct {
		ScriptPath   string `json:"scriptPath,omitempty"`
		AsyncWorkers int    `json:"asyncWorkers,omitempty"`
		CachePolicy  string `json:"cachePolicy,omitempty"`
		MaxNodes     int    `json:"maxNodes,omitempty"`
	} `json:"forest"`
	Stream struct {
		InputPath    string `json:"inputPath,omitempty"`
		StateFile    string `json:"stateFile,omitempty"`
		Follow       bool   `json:"follow,omitempty"`
		OutputPath   string `json:"outputPath,omitempty"`
		BeatsAddress string `json:"beatsAddress,omitempty"`
		OutputBatch  int    `json:"outputBatch,omitempty"`
		MinQueueSize int    `json:"minQueueSize,omitempty"`
		MaxQueueSize int    `json:"maxQueueSize,omitempty"`
	} `json:"stream"`
	Console struct {
		Enabled bool `json:"enabled"`
	} `json:"console"`
	Metrics struct {
		Interval          string `json:"collectionInterval"`
		MaxAge            string `json:"maximumRetention,omitempty"`
		EnableQueryServer bool   `json:"enableHTTPQueryServer"`
		QueryServerPort   int    `json:"queryServerPort,omitempty"`
	} `json:"metrics"`
}

// Settings for one Stream.Run; command arguments override them per run
type StreamConfig struct {
	InputPath    string
	StateFile    string
	Follow       bool
	OutputPath   string
	BeatsAddress string
	OutputBatch  int
	MinQueueSize int
	MaxQueueSize int
}

type Config struct {
	Dispatcher dispatch.Config

	// Forest
	ScriptPath   string
	AsyncWorkers int
	CachePolicy  forest.CachePolicy
	MaxNodes     int

	Stream StreamConfig

	ConsoleEnabled bool

	// Metrics
	MetricQueryServerEnabled bool
	MetricQueryServerPort    int
	MetricCollectionInterval time.Duration
	MetricMaxAge             time.Duration
}

// Server execution state
type State int

const (
	StateIdle      State = iota // Nothing running on the exec goroutine
	StateExecuting              // A sync command is running
	StateDebug                  // Execution is halted at a breakpoint
	StateHalted                 // No further commands are accepted
)

func (state State) String() string {
	switch state {
	case StateIdle:
		return "Idle"
	case StateExecuting:
		return "Executing"
	case StateDebug:
		return "Debug"
	case StateHalted:
		return "Halted"
	}
	return "Unknown"
}

type CommandFunc func(ctx context.Context, args record.Record) (result record.Record, err error)

type command struct {
	name string
	fn   CommandFunc
	sync bool // Serialized on the exec goroutine
}

type execJob struct {
	ctx       context.Context
	cmd       command
	args      record.Record
	requestID string
	reply     func(record.Record)
}

// Notification emitted to registered listeners
type Event struct {
	Name   string
	Record record.Record
}

type EventListener func(Event)

type Server struct {
	ctx    context.Context
	forest *forest.Forest
	stream StreamConfig

	commands map[string]command

	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	queue     []*execJob
	busy      bool
	halted    bool
	started   bool
	done      chan struct{}
	cancelJob context.CancelFunc

	listenerMu   sync.RWMutex
	listeners    map[int]EventListener
	nextListener int

	activeMu   sync.Mutex
	active     []metrics.Collector // Modules of the running stream
	lastStream record.Record

	Metrics *MetricStorage
}

type Daemon struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	Forest     *forest.Forest
	Dispatcher *dispatch.Dispatcher
	Server     *Server

	control *dispatch.WorkProcess
	console *dispatch.WorkProcess
	logger  *dispatch.WorkProcess

	workers          *errgroup.Group
	metricsCollector *Gatherer
	MetricServer     *http.Server
	shutdownOnce     sync.Once
}
