// Hierarchical identifiers: dotted compound keys used as message ids, addresses and subscription patterns
package hiid

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	Wildcard  string = "*" // Matches the remaining tail (including nothing)
	AnyAtom   string = "?" // Matches exactly one atom
	Separator string = "."
)

// Immutable ordered sequence of atoms. The zero value is the empty id.
type HIID struct {
	atoms []string
}

// Builds an id from atoms (each atom may itself be dotted text)
func New(atoms ...string) (id HIID) {
	for _, atom := range atoms {
		if atom == "" {
			continue
		}
		id.atoms = append(id.atoms, strings.Split(atom, Separator)...)
	}
	return
}

// Builds an id from integer atoms
func Ints(values ...int) (id HIID) {
	id.atoms = make([]string, 0, len(values))
	for _, value := range values {
		id.atoms = append(id.atoms, strconv.Itoa(value))
	}
	return
}

// Parses dotted text. Empty atoms ("A..B") are dropped.
func Parse(text string) (id HIID) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	for _, atom := range strings.Split(text, Separator) {
		if atom != "" {
			id.atoms = append(id.atoms, atom)
		}
	}
	return
}

func (id HIID) String() string {
	return strings.Join(id.atoms, Separator)
}

func (id HIID) Len() int {
	return len(id.atoms)
}

func (id HIID) Empty() bool {
	return len(id.atoms) == 0
}

// Atom at position i, empty string when out of range
func (id HIID) At(i int) (atom string) {
	if i < 0 || i >= len(id.atoms) {
		return
	}
	atom = id.atoms[i]
	return
}

// Atom at position i as integer (ok=false for non-numeric atoms)
func (id HIID) IntAt(i int) (value int, ok bool) {
	atom := id.At(i)
	if !isNumeric(atom) {
		return
	}
	value, err := strconv.Atoi(atom)
	ok = err == nil
	return
}

// Copy of the atoms
func (id HIID) Atoms() (atoms []string) {
	atoms = append([]string(nil), id.atoms...)
	return
}

// Returns a new id made of id followed by other
func (id HIID) Concat(other HIID) (joined HIID) {
	joined.atoms = make([]string, 0, len(id.atoms)+len(other.atoms))
	joined.atoms = append(joined.atoms, id.atoms...)
	joined.atoms = append(joined.atoms, other.atoms...)
	return
}

// Appends atoms given as text
func (id HIID) Add(atoms ...string) (joined HIID) {
	joined = id.Concat(New(atoms...))
	return
}

// Sub-id of atoms [from, to). Out-of-range bounds are clamped.
func (id HIID) SubID(from, to int) (sub HIID) {
	if from < 0 {
		from = 0
	}
	if to > len(id.atoms) {
		to = len(id.atoms)
	}
	if from >= to {
		return
	}
	sub.atoms = append([]string(nil), id.atoms[from:to]...)
	return
}

// First n atoms
func (id HIID) Prefix(n int) HIID {
	return id.SubID(0, n)
}

// True if id starts with every atom of prefix (literal comparison)
func (id HIID) HasPrefix(prefix HIID) bool {
	if len(prefix.atoms) > len(id.atoms) {
		return false
	}
	for i, atom := range prefix.atoms {
		if id.atoms[i] != atom {
			return false
		}
	}
	return true
}

func (id HIID) Equal(other HIID) bool {
	if len(id.atoms) != len(other.atoms) {
		return false
	}
	for i := range id.atoms {
		if id.atoms[i] != other.atoms[i] {
			return false
		}
	}
	return true
}

// True if either side contains wildcard atoms
func (id HIID) IsWildcard() bool {
	for _, atom := range id.atoms {
		if atom == Wildcard || atom == AnyAtom {
			return true
		}
	}
	return false
}

// Wildcard match. Wildcards may appear on either side.
func (id HIID) Matches(pattern HIID) bool {
	n := len(id.atoms)
	if len(pattern.atoms) < n {
		n = len(pattern.atoms)
	}

	for i := 0; i < n; i++ {
		a, b := id.atoms[i], pattern.atoms[i]
		if a == Wildcard || b == Wildcard {
			return true
		}
		if a == AnyAtom || b == AnyAtom {
			continue
		}
		if a != b {
			return false
		}
	}

	if len(id.atoms) == len(pattern.atoms) {
		return true
	}

	// One side is longer: only a trailing "*" can absorb the remainder
	var rest []string
	if len(id.atoms) > n {
		rest = id.atoms[n:]
	} else {
		rest = pattern.atoms[n:]
	}
	return rest[0] == Wildcard
}

// Total order: numeric atoms before strings, numerics by value, strings lexically, shorter prefix first
func (id HIID) Compare(other HIID) int {
	n := len(id.atoms)
	if len(other.atoms) < n {
		n = len(other.atoms)
	}
	for i := 0; i < n; i++ {
		if c := compareAtoms(id.atoms[i], other.atoms[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(id.atoms) < len(other.atoms):
		return -1
	case len(id.atoms) > len(other.atoms):
		return 1
	}
	return 0
}

// 64-bit hash of the canonical text, usable as a map key
func (id HIID) Hash() uint64 {
	return xxhash.Sum64String(id.String())
}

func compareAtoms(a, b string) int {
	aNum, bNum := isNumeric(a), isNumeric(b)
	switch {
	case aNum && bNum:
		// Compare by magnitude without overflow: strip leading zeros, then length, then text
		a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
		if len(a) != len(b) {
			if len(a) < len(b) {
				return -1
			}
			return 1
		}
		return strings.Compare(a, b)
	case aNum:
		return -1
	case bNum:
		return 1
	}
	return strings.Compare(a, b)
}

func isNumeric(atom string) bool {
	if atom == "" {
		return false
	}
	for _, r := range atom {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
