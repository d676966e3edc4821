package message

import "meqserver/internal/hiid"

// Message priorities
const (
	PriLowest int = -0x10
	PriLower  int = -0x08
	PriLow    int = -0x04
	PriNormal int = 0
	PriHigh   int = 0x04
	PriHigher int = 0x08
	PriEvent  int = 0x10
)

// Message state bits
const (
	StateNone     int = 0
	StateReadOnly int = 1 << 0 // Privatized snapshot shared between recipients
	StateForward  int = 1 << 1 // Delivered through a gateway
	StateReply    int = 1 << 2 // Reply to an earlier message
)

// Subscription scopes
type Scope int

const (
	ScopeLocal  Scope = iota // Same process only
	ScopeHost                // Same host
	ScopeGlobal              // Anywhere a gateway can carry it
)

func (scope Scope) String() string {
	switch scope {
	case ScopeLocal:
		return "local"
	case ScopeHost:
		return "host"
	case ScopeGlobal:
		return "global"
	}
	return "unknown"
}

// Address classes with routing meaning
const (
	ClassPublish    string = "Publish"
	ClassDispatcher string = "Dispatcher"
)

// System message ids
var (
	MsgHello     = hiid.Parse("WP.Hello")
	MsgBye       = hiid.Parse("WP.Bye")
	MsgState     = hiid.Parse("WP.State")
	MsgSubscribe = hiid.Parse("WP.Subscribe")

	EventPrefix  = hiid.Parse("Event")
	EventTimeout = hiid.Parse("Event.Timeout")
	EventInput   = hiid.Parse("Event.Input")
	EventSignal  = hiid.Parse("Event.Signal")
)
