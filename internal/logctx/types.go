package logctx

import (
	"sync"
	"time"
)

// Log Event Structure
type Event struct {
	Timestamp time.Time
	Severity  string
	Tags      []string
	Message   string
}

// Tap receives a copy of every accepted event (called outside the logger lock)
type Tap func(Event)

// Logger Struct
type Logger struct {
	ID         string
	CreatedAt  time.Time
	queue      []Event    // event buffer
	mutex      sync.Mutex // protects buffer, level and taps
	cond       *sync.Cond // condition to signal new events
	Done       <-chan struct{}
	PrintLevel int             // Level at which the message should be recorded
	taps       []Tap           // Mirrors of accepted events (e.g. error forwarding to clients)
	wg         *sync.WaitGroup // Holds main execution threads until log watchers are done handling events
}
