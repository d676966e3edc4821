package meq

import (
	"fmt"
	"strings"
)

type FailEntry struct {
	Node    string `json:"node"`
	Message string `json:"message"`
}

// One tensor element of a result
type VellSet struct {
	Value     *Vells
	Perturbed []*Vells // Perturbed values, one per spid
	Spids     []int
	Flags     []int // Optional per-element flag mask, same layout as Value
	Fails     []FailEntry
}

func NewVellSet(value *Vells) *VellSet {
	return &VellSet{Value: value}
}

func (vs *VellSet) IsFail() bool   { return len(vs.Fails) > 0 }
func (vs *VellSet) HasFlags() bool { return len(vs.Flags) > 0 }

func (vs *VellSet) Clone() (copied *VellSet) {
	copied = &VellSet{
		Value: vs.Value.Clone(),
		Spids: append([]int(nil), vs.Spids...),
		Flags: append([]int(nil), vs.Flags...),
		Fails: append([]FailEntry(nil), vs.Fails...),
	}
	for _, perturbed := range vs.Perturbed {
		copied.Perturbed = append(copied.Perturbed, perturbed.Clone())
	}
	return
}

type Result struct {
	VellSets []*VellSet
	Cells    *Cells
}

func NewResult(cells *Cells, vellsets ...*VellSet) *Result {
	return &Result{Cells: cells, VellSets: vellsets}
}

// Result holding a single fail vellset
func NewFailResult(node string, messages ...string) (result *Result) {
	vs := &VellSet{}
	for _, msg := range messages {
		vs.Fails = append(vs.Fails, FailEntry{Node: node, Message: msg})
	}
	result = &Result{VellSets: []*VellSet{vs}}
	return
}

func (result *Result) IsFail() bool {
	if result == nil {
		return false
	}
	for _, vs := range result.VellSets {
		if vs.IsFail() {
			return true
		}
	}
	return false
}

func (result *Result) Fails() (fails []FailEntry) {
	if result == nil {
		return
	}
	for _, vs := range result.VellSets {
		fails = append(fails, vs.Fails...)
	}
	return
}

// Collects the fail entries of every result into one fail result
func MergeFails(results ...*Result) (merged *Result) {
	vs := &VellSet{}
	for _, result := range results {
		vs.Fails = append(vs.Fails, result.Fails()...)
	}
	merged = &Result{VellSets: []*VellSet{vs}}
	return
}

func (result *Result) Clone() (copied *Result) {
	if result == nil {
		return nil
	}
	copied = &Result{Cells: result.Cells}
	for _, vs := range result.VellSets {
		copied.VellSets = append(copied.VellSets, vs.Clone())
	}
	return
}

func (result *Result) String() string {
	if result == nil {
		return "result<nil>"
	}
	if result.IsFail() {
		var msgs []string
		for _, fail := range result.Fails() {
			msgs = append(msgs, fail.Node+": "+fail.Message)
		}
		return fmt.Sprintf("result<fail: %s>", strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("result<%d vellsets, %s>", len(result.VellSets), result.Cells)
}
