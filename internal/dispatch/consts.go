package dispatch

import "errors"

// Callback return codes governing queue disposition
type Disposition int

const (
	Accept  Disposition = iota // Dequeue the message
	Hold                       // Leave at queue head and stop processing until something changes
	Requeue                    // Re-insert by priority
	Cancel                     // Dequeue and deregister the event source (events only)
)

func (disp Disposition) String() string {
	switch disp {
	case Accept:
		return "accept"
	case Hold:
		return "hold"
	case Requeue:
		return "requeue"
	case Cancel:
		return "cancel"
	}
	return "unknown"
}

// Event registration flags
const (
	EvContinuous int = 0      // Re-arm after firing
	EvOneShot    int = 1 << 0 // Remove after first firing
)

// Input modes (bitmask)
const (
	InputRead   int = 1 << 0
	InputWrite  int = 1 << 1
	InputExcept int = 1 << 2
)

var (
	ErrNotRunning        = errors.New("dispatcher is not running")
	ErrAlreadyRunning    = errors.New("dispatcher is already running")
	ErrAlreadyAttached   = errors.New("work process is already attached")
	ErrNotAttached       = errors.New("work process is not attached to this dispatcher")
	ErrNoHandler         = errors.New("work process has no handler")
	ErrReentrantPollLoop = errors.New("poll loop is already running")
	ErrSignalOwnerTaken  = errors.New("another dispatcher already owns process signal delivery")
	ErrNotSignalOwner    = errors.New("dispatcher does not own process signal delivery")
	ErrMalformedEvent    = errors.New("malformed system event id")
)
