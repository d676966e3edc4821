package dispatch

import (
	"context"
	"meqserver/internal/hiid"
	"meqserver/internal/message"
	"os"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Uniform actor lifecycle. Optional capabilities are expressed by the interfaces below.
type Handler interface {
	Init(wp *WorkProcess) error
	Start(wp *WorkProcess) error
	Stop(wp *WorkProcess)
	Receive(wp *WorkProcess, msg *message.Message) (Disposition, error)
}

type TimeoutHandler interface {
	Timeout(wp *WorkProcess, msg *message.Message) (Disposition, error)
}

type InputHandler interface {
	Input(wp *WorkProcess, msg *message.Message) (Disposition, error)
}

type SignalHandler interface {
	Signal(wp *WorkProcess, msg *message.Message) (Disposition, error)
}

// Work done unconditionally on every poll of the work process; true asks for another poll
type Poller interface {
	Poll(wp *WorkProcess, tick uint64) bool
}

// Work processes that carry messages off this process
type Gateway interface {
	WillForward(msg *message.Message) bool
}

// No-op lifecycle hooks for embedding
type BaseHandler struct{}

func (BaseHandler) Init(*WorkProcess) error  { return nil }
func (BaseHandler) Start(*WorkProcess) error { return nil }
func (BaseHandler) Stop(*WorkProcess)        {}

type QueueEntry struct {
	Msg      *message.Message
	Priority int
	Tick     uint64 // Dispatcher tick at enqueue, used for aging
}

type Subscription struct {
	Pattern hiid.HIID
	Scope   message.Scope
}

// Payload of synthetic Event.* messages
type EventInfo struct {
	ID     hiid.HIID // Registration id (without the Event.<kind> prefix)
	Fd     int       // Input events
	Signal os.Signal // Signal events
	Count  int       // Firings coalesced into this message
	Fired  time.Time
}

type WorkProcess struct {
	class   string
	handler Handler
	address message.Address
	dsp     *Dispatcher
	ctx     context.Context

	queue         []QueueEntry
	subscriptions *hiid.Map[message.Scope]
	needRepoll    bool
	queueLock     int // Depth of non-event Receive calls in progress
	initialized   bool
	started       bool
	running       bool
	detachPending bool
	state         int
	depthWarned   bool

	// Recover panics from hooks, log them and continue
	AutoCatch bool
}

type Config struct {
	ProcessID     int
	HostID        int
	HeartbeatHz   int
	OwnSignals    bool // Claim process-wide signal delivery (SIGINT stops the poll loop)
	MaxQueueDepth int  // Per work process warning threshold
}

type timeoutEvent struct {
	wp     *WorkProcess
	id     hiid.HIID
	period time.Duration
	next   time.Time
	flags  int
}

type inputEvent struct {
	wp    *WorkProcess
	fd    int
	mode  int
	id    hiid.HIID
	flags int
	ready bool
}

type signalEvent struct {
	wp    *WorkProcess
	sig   os.Signal
	flags int
}

type injected struct {
	msg *message.Message
	to  message.Address
}

type Dispatcher struct {
	ctx     context.Context
	cfg     Config
	address message.Address

	wps       map[string]*WorkProcess // by address text
	order     []*WorkProcess          // attach order, scanned each tick
	instances map[string]int          // next instance number per class
	gateways  mapset.Set[*WorkProcess]

	timeouts []*timeoutEvent
	inputs   []*inputEvent
	signals  map[os.Signal][]*signalEvent

	tick        uint64
	running     bool
	inStart     bool
	inPollLoop  bool
	pollDepth   int
	repoll      bool
	attachStack []*WorkProcess // Attaches made during Start's init pass
	detached    []*WorkProcess // Delayed detaches, flushed at poll depth 0

	stopPolling atomic.Bool
	wakeR       int
	wakeW       int

	// Cross-goroutine entry points
	extMu          sync.Mutex
	pendingSignals map[os.Signal]int
	inbox          []injected

	Metrics *MetricStorage
}
