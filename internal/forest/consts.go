package forest

import "errors"

// Node execution states, also the categories a breakpoint mask selects
const (
	CSRequest    int = 1 << 0 // Request received
	CSPolling    int = 1 << 1 // Polling children
	CSEvaluating int = 1 << 2 // Computing own result
	CSResult     int = 1 << 3 // Finished with a result
	CSFail       int = 1 << 4 // Finished with a fail result
	CSWait       int = 1 << 5 // Returned RES_WAIT
	CSAbort      int = 1 << 6 // Aborted
	CSAll        int = 0x7F
	CSIdle       int = 0
)

// Control status flags reported next to the execution state
const (
	CSActive      int = 1 << 8  // Execution in progress
	CSStopped     int = 1 << 9  // Blocked at a breakpoint
	CSCached      int = 1 << 10 // Holds a cached result
	CSPublishing  int = 1 << 11 // Results are published
	CSInitialized int = 1 << 12
)

type CachePolicy int

const (
	CacheSmart  CachePolicy = iota // Cache successful results only
	CacheNever                     // Always recompute
	CacheAlways                    // Cache fail results too
)

func (policy CachePolicy) String() string {
	switch policy {
	case CacheNever:
		return "never"
	case CacheSmart:
		return "smart"
	case CacheAlways:
		return "always"
	}
	return "unknown"
}

func ParseCachePolicy(text string) (policy CachePolicy, err error) {
	switch text {
	case "never":
		policy = CacheNever
	case "smart", "":
		policy = CacheSmart
	case "always":
		policy = CacheAlways
	default:
		err = errors.New("unknown cache policy '" + text + "'")
	}
	return
}

// Debug stepping modes
const (
	stepNone   int = iota
	stepSingle     // Stop at the next state change of any node
	stepNext       // Stop at the next state change of a different node
)

var (
	ErrUnknownClass   = errors.New("unknown node class")
	ErrDuplicateName  = errors.New("node name already in use")
	ErrNoSuchNode     = errors.New("no such node")
	ErrForestFull     = errors.New("forest node limit reached")
	ErrNodeReferenced = errors.New("node is a child of another node")
	ErrNotInitialized = errors.New("node is not initialized")
	ErrCycle          = errors.New("node graph contains a cycle")
	ErrAborted        = errors.New("execution aborted")
)
