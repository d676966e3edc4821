// Addressed, prioritized envelopes routed by the dispatcher
package message

import (
	"fmt"
	"meqserver/internal/hiid"
	"meqserver/internal/record"
)

// Payloads implementing Cloner are deep-copied on privatization
type Cloner interface {
	Clone() any
}

type Message struct {
	ID       hiid.HIID
	Payload  any
	From     Address
	To       Address
	Priority int
	State    int
	Hops     int
}

func New(id hiid.HIID, payload any, priority int) (msg *Message) {
	msg = &Message{
		ID:       id,
		Payload:  payload,
		Priority: priority,
	}
	return
}

func (msg *Message) ReadOnly() bool {
	return msg.State&StateReadOnly != 0
}

// Deep, read-only snapshot suitable for sharing between many recipient queues
func (msg *Message) Privatize() (snapshot *Message) {
	snapshot = msg.copyDeep()
	snapshot.State |= StateReadOnly
	return
}

// Private writable copy (recipients that need to mutate a shared snapshot call this)
func (msg *Message) Writable() (copied *Message) {
	copied = msg.copyDeep()
	copied.State &^= StateReadOnly
	return
}

func (msg *Message) copyDeep() (copied *Message) {
	dup := *msg
	copied = &dup
	switch payload := msg.Payload.(type) {
	case record.Record:
		copied.Payload = payload.Clone()
	case Cloner:
		copied.Payload = payload.Clone()
	}
	return
}

func (msg *Message) String() string {
	return fmt.Sprintf("%s [%s -> %s pri=%d hops=%d]", msg.ID, msg.From, msg.To, msg.Priority, msg.Hops)
}

// Synthetic event messages carry Event.<kind>.<id...>
func (msg *Message) IsEvent() bool {
	return msg.ID.HasPrefix(EventPrefix)
}
