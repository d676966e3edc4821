package meq

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Request identifier: a vector of per-level counters, index 0 least
// significant. Totally ordered, compared from the most significant level.
type RequestID []int

func NewRequestID(levels ...int) (id RequestID) {
	id = append(RequestID(nil), levels...)
	return
}

func ParseRequestID(text string) (id RequestID, err error) {
	if text == "" {
		return
	}
	fields := strings.Split(text, ".")
	id = make(RequestID, len(fields))
	for i, field := range fields {
		id[len(fields)-1-i], err = strconv.Atoi(field)
		if err != nil {
			err = fmt.Errorf("invalid request id '%s': %w", text, err)
			id = nil
			return
		}
	}
	return
}

func (id RequestID) level(i int) int {
	if i < len(id) {
		return id[i]
	}
	return 0
}

// Most significant level first, e.g. "0.3.1" for iteration 0, dataset 3, domain 1
func (id RequestID) String() string {
	if len(id) == 0 {
		return "0"
	}
	parts := make([]string, len(id))
	for i, value := range id {
		parts[len(id)-1-i] = strconv.Itoa(value)
	}
	return strings.Join(parts, ".")
}

func (id RequestID) Compare(other RequestID) int {
	for i := max(len(id), len(other)) - 1; i >= 0; i-- {
		a, b := id.level(i), other.level(i)
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	return 0
}

func (id RequestID) Equal(other RequestID) bool {
	return id.Compare(other) == 0
}

// Compares the levels selected by mask and every level above the highest
// selected one. Bumping a level resets the counters below it, so a lower
// level only identifies a request while all higher levels agree.
func (id RequestID) MaskedEqual(other RequestID, mask DepMask) bool {
	if mask == 0 {
		return true
	}
	top := bits.Len16(uint16(mask)) - 1
	for i := 0; i < max(len(id), len(other), top+1); i++ {
		if i <= top && mask&(1<<i) == 0 {
			continue
		}
		if id.level(i) != other.level(i) {
			return false
		}
	}
	return true
}

// Next id: increments level and zeroes every less significant level
func (id RequestID) IncrSubID(level int) (next RequestID) {
	next = make(RequestID, max(len(id), level+1))
	copy(next, id)
	next[level]++
	for i := 0; i < level; i++ {
		next[i] = 0
	}
	return
}

func (id RequestID) Clone() RequestID {
	return append(RequestID(nil), id...)
}
