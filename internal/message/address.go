package message

import (
	"fmt"
	"meqserver/internal/hiid"
	"strconv"
)

// Positions of address atoms: [class, instance, process, host]
const (
	addrClass = iota
	addrInstance
	addrProcess
	addrHost
	addrLen
)

// Work process address. Class or instance may be wildcards.
type Address struct {
	id hiid.HIID
}

func NewAddress(class string, instance, process, host int) Address {
	return Address{id: hiid.New(class, strconv.Itoa(instance), strconv.Itoa(process), strconv.Itoa(host))}
}

// Address matching every instance of class on the given process/host
func ClassAddress(class string, process, host int) Address {
	return Address{id: hiid.New(class, hiid.AnyAtom, strconv.Itoa(process), strconv.Itoa(host))}
}

// Broadcast address for publish/subscribe delivery
func PublishAddress() Address {
	return Address{id: hiid.New(ClassPublish, hiid.AnyAtom, hiid.AnyAtom, hiid.AnyAtom)}
}

// Parses "Class.Inst.Proc.Host"; missing trailing atoms become "?"
func ParseAddress(text string) (addr Address, err error) {
	id := hiid.Parse(text)
	if id.Len() == 0 || id.Len() > addrLen {
		err = fmt.Errorf("invalid address '%s': expected 1 to %d atoms", text, addrLen)
		return
	}
	for id.Len() < addrLen {
		id = id.Add(hiid.AnyAtom)
	}
	addr = Address{id: id}
	return
}

func (addr Address) HIID() hiid.HIID { return addr.id }
func (addr Address) String() string  { return addr.id.String() }
func (addr Address) IsZero() bool    { return addr.id.Empty() }
func (addr Address) Class() string   { return addr.id.At(addrClass) }

func (addr Address) Instance() int {
	value, _ := addr.id.IntAt(addrInstance)
	return value
}

func (addr Address) Process() int {
	value, _ := addr.id.IntAt(addrProcess)
	return value
}

func (addr Address) Host() int {
	value, _ := addr.id.IntAt(addrHost)
	return value
}

// True when the process/host atoms are concrete and equal to the given ones (or wildcards)
func (addr Address) IsLocal(process, host int) bool {
	return atomMatchesInt(addr.id.At(addrProcess), process) && atomMatchesInt(addr.id.At(addrHost), host)
}

func (addr Address) IsPublish() bool {
	return addr.Class() == ClassPublish
}

func (addr Address) Equal(other Address) bool {
	return addr.id.Equal(other.id)
}

func (addr Address) Matches(other Address) bool {
	return addr.id.Matches(other.id)
}

func atomMatchesInt(atom string, value int) bool {
	if atom == hiid.AnyAtom || atom == hiid.Wildcard || atom == "" {
		return true
	}
	return atom == strconv.Itoa(value)
}
