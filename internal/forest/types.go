package forest

import (
	"context"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"sync"
	"sync/atomic"

	"github.com/jamiealquiza/tachymeter"
	"golang.org/x/sync/semaphore"
)

// Behaviour of a node class
type Class interface {
	// Called from InitAll once children are resolved
	Init(node *Node, spec record.Record) error
	// Computes the node result from its children's results
	GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error)
}

// Classes that poll their children in a non-standard way
type ChildPoller interface {
	PollChildren(node *Node, req *meq.Request) (results []*meq.Result, code int)
}

// Classes with state fields beyond the generic ones
type StateHandler interface {
	ApplyState(node *Node, rec record.Record) error
	FillState(node *Node, rec record.Record)
}

// Classes with an intrinsic dependency on request id levels
type Depender interface {
	DependMask() meq.DepMask
}

type Factory func() Class

type Config struct {
	MaxNodes     int // 0 for unlimited
	AsyncWorkers int
	CachePolicy  CachePolicy // Default for new nodes
}

// Notification that an executing node stopped at a breakpoint
type DebugEvent struct {
	Node  string
	Index int
	State int
}

// Published node result
type ResultEvent struct {
	Node      string
	Index     int
	RequestID meq.RequestID
	Code      int
	Result    *meq.Result
}

type cacheEntry struct {
	valid  bool
	id     meq.RequestID
	code   int
	result *meq.Result
}

type Forest struct {
	ctx context.Context
	cfg Config

	mu        sync.RWMutex
	nodes     map[int]*Node
	byName    map[string]*Node
	nextIndex int
	classes   map[string]Factory

	serial  atomic.Uint64
	aborted atomic.Bool
	sem     *semaphore.Weighted

	debugMu     sync.Mutex
	debugCond   *sync.Cond
	breakpoints int
	stopped     *DebugEvent
	stepMode    int
	stepFrom    *Node

	listenerMu    sync.RWMutex
	debugListener func(DebugEvent)
	publisher     func(ResultEvent)

	Metrics *MetricStorage
}

type Node struct {
	forest    *Forest
	index     int
	name      string
	className string
	class     Class
	spec      record.Record

	childNames    []string
	children      []*Node
	childDisabled []bool
	initialized   bool

	execMu sync.Mutex // Serializes execution when several parents poll concurrently

	stateMu     sync.Mutex // Guards everything below against command-side access
	state       record.Record
	cachePolicy CachePolicy
	publishing  int
	depend      meq.DepMask
	asyncPoll   bool
	cache       cacheEntry
	breakpoints int
	oneShot     int

	execState atomic.Int32
	executes  atomic.Uint64
	cacheHits atomic.Uint64
	waits     atomic.Uint64
	fails     atomic.Uint64
	timed     atomic.Uint64
	timer     *tachymeter.Tachymeter
}
