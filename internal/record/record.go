// Generic attribute records exchanged by commands, node state and message payloads
package record

import (
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/blake2b"
)

type Record map[string]any

// Returns field or fallback when absent
func (rec Record) Get(field string, fallback any) (value any) {
	value, ok := rec[field]
	if !ok {
		value = fallback
	}
	return
}

func (rec Record) Has(field string) (present bool) {
	_, present = rec[field]
	return
}

func (rec Record) String(field string, fallback string) (value string) {
	value = fallback
	raw, ok := rec[field]
	if !ok {
		return
	}
	switch v := raw.(type) {
	case string:
		value = v
	case fmt.Stringer:
		value = v.String()
	}
	return
}

func (rec Record) Int(field string, fallback int) (value int) {
	value = fallback
	raw, ok := rec[field]
	if !ok {
		return
	}
	if number, isNumber := toFloat(raw); isNumber {
		value = int(number)
	}
	return
}

func (rec Record) Float(field string, fallback float64) (value float64) {
	value = fallback
	raw, ok := rec[field]
	if !ok {
		return
	}
	if number, isNumber := toFloat(raw); isNumber {
		value = number
	}
	return
}

func (rec Record) Bool(field string, fallback bool) (value bool) {
	value = fallback
	if v, ok := rec[field].(bool); ok {
		value = v
	}
	return
}

// String list field. A single string is returned as a one-element list.
func (rec Record) Strings(field string) (values []string) {
	switch v := rec[field].(type) {
	case string:
		values = []string{v}
	case []string:
		values = append(values, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	}
	return
}

func (rec Record) Ints(field string) (values []int) {
	switch v := rec[field].(type) {
	case []int:
		values = append(values, v...)
	case []any:
		for _, item := range v {
			if number, ok := toFloat(item); ok {
				values = append(values, int(number))
			}
		}
	default:
		if number, ok := toFloat(v); ok {
			values = []int{int(number)}
		}
	}
	return
}

func (rec Record) Floats(field string) (values []float64) {
	switch v := rec[field].(type) {
	case []float64:
		values = append(values, v...)
	case []any:
		for _, item := range v {
			if number, ok := toFloat(item); ok {
				values = append(values, number)
			}
		}
	default:
		if number, ok := toFloat(v); ok {
			values = []float64{number}
		}
	}
	return
}

// Nested record field (nil if absent or not a record)
func (rec Record) Record(field string) (nested Record) {
	switch v := rec[field].(type) {
	case Record:
		nested = v
	case map[string]any:
		nested = Record(v)
	}
	return
}

// Sorted field names
func (rec Record) Fields() (names []string) {
	names = make([]string, 0, len(rec))
	for name := range rec {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// Deep copy (records, maps and slices are duplicated; other values are shared)
func (rec Record) Clone() (copied Record) {
	if rec == nil {
		return
	}
	copied = make(Record, len(rec))
	for field, value := range rec {
		copied[field] = cloneValue(value)
	}
	return
}

// Copies fields of other over rec (deep), returning rec
func (rec Record) Merge(other Record) Record {
	for field, value := range other {
		rec[field] = cloneValue(value)
	}
	return rec
}

// blake2b-256 digest of the canonical JSON form. Unencodable values yield an error.
func (rec Record) Digest() (digest [32]byte, err error) {
	// encoding/json sorts map keys, giving a stable byte form
	encoded, err := json.Marshal(rec)
	if err != nil {
		err = fmt.Errorf("failed to encode record for digest: %w", err)
		return
	}
	digest = blake2b.Sum256(encoded)
	return
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Record:
		return v.Clone()
	case map[string]any:
		return map[string]any(Record(v).Clone())
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	case []int:
		return append([]int(nil), v...)
	case []float64:
		return append([]float64(nil), v...)
	case []complex128:
		return append([]complex128(nil), v...)
	case interface{ Clone() any }:
		return v.Clone()
	}
	return value
}

func toFloat(raw any) (number float64, ok bool) {
	ok = true
	switch v := raw.(type) {
	case int:
		number = float64(v)
	case int32:
		number = float64(v)
	case int64:
		number = float64(v)
	case uint32:
		number = float64(v)
	case uint64:
		number = float64(v)
	case float32:
		number = float64(v)
	case float64:
		number = v
	case json.Number:
		var err error
		number, err = v.Float64()
		ok = err == nil
	default:
		ok = false
	}
	return
}
