package forest

import (
	"errors"
	"fmt"
	"meqserver/internal/meq"
	"meqserver/internal/record"
	"sync/atomic"
)

func registerBuiltins(forest *Forest) {
	forest.classes["MeqConstant"] = func() Class { return &Constant{} }
	forest.classes["MeqFreq"] = func() Class { return &GridAxis{axis: meq.AxisFreq} }
	forest.classes["MeqTime"] = func() Class { return &GridAxis{axis: meq.AxisTime} }
	forest.classes["MeqAdd"] = func() Class { return &Arithmetic{op: opAdd} }
	forest.classes["MeqSubtract"] = func() Class { return &Arithmetic{op: opSubtract} }
	forest.classes["MeqMultiply"] = func() Class { return &Arithmetic{op: opMultiply} }
	forest.classes["MeqNegate"] = func() Class { return &Negate{} }
	forest.classes["MeqComposer"] = func() Class { return &Composer{} }
	forest.classes["MeqReqSeq"] = func() Class { return &ReqSeq{} }
}

// Scalar (real or complex) constant
type Constant struct {
	value atomic.Pointer[meq.Vells]
}

func (class *Constant) Init(node *Node, spec record.Record) (err error) {
	value, err := constantValue(spec)
	if err != nil {
		return
	}
	class.value.Store(value)
	return
}

func constantValue(rec record.Record) (value *meq.Vells, err error) {
	switch {
	case rec.Has("value_re") || rec.Has("value_im"):
		value = meq.ComplexScalarVells(complex(rec.Float("value_re", 0), rec.Float("value_im", 0)))
	case rec.Has("value"):
		values := rec.Floats("value")
		if len(values) == 0 {
			err = errors.New("constant value must be numeric")
			return
		}
		if len(values) == 1 {
			value = meq.ScalarVells(values[0])
		} else {
			value = meq.RealVells([]int{1, len(values)}, values)
		}
	default:
		value = meq.ScalarVells(0)
	}
	return
}

func (class *Constant) GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	result = meq.NewResult(req.Cells, meq.NewVellSet(class.value.Load().Clone()))
	return
}

func (class *Constant) ApplyState(node *Node, rec record.Record) (err error) {
	if !rec.Has("value") && !rec.Has("value_re") && !rec.Has("value_im") {
		return
	}
	value, err := constantValue(rec)
	if err != nil {
		return
	}
	class.value.Store(value)
	node.ClearCache(false)
	return
}

func (class *Constant) FillState(node *Node, rec record.Record) {
	value := class.value.Load()
	if value == nil {
		return
	}
	if value.IsComplex() {
		rec["value_re"] = real(value.Complex[0])
		rec["value_im"] = imag(value.Complex[0])
		return
	}
	rec["value"] = append([]float64(nil), value.Real...)
}

// Time or frequency centres of the request cells
type GridAxis struct {
	axis string
}

func (class *GridAxis) Init(node *Node, spec record.Record) error { return nil }
func (class *GridAxis) DependMask() meq.DepMask                   { return meq.DepDomain }

func (class *GridAxis) GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	if !req.HasCells() {
		err = errors.New("request has no cells")
		return
	}
	shape := req.Cells.Shape()
	values := make([]float64, shape[0]*shape[1])
	for t := range shape[0] {
		for f := range shape[1] {
			switch class.axis {
			case meq.AxisTime:
				values[t*shape[1]+f] = req.Cells.Times[t]
			default:
				values[t*shape[1]+f] = req.Cells.Freqs[f]
			}
		}
	}
	result = meq.NewResult(req.Cells, meq.NewVellSet(meq.RealVells(shape, values)))
	return
}

const (
	opAdd = iota
	opSubtract
	opMultiply
)

// Elementwise n-ary arithmetic over corresponding vellsets of the children
type Arithmetic struct {
	op int
}

func (class *Arithmetic) Init(node *Node, spec record.Record) (err error) {
	minimum := 1
	if class.op == opSubtract {
		minimum = 2
	}
	if node.NumChildren() < minimum {
		err = fmt.Errorf("needs at least %d children, has %d", minimum, node.NumChildren())
	}
	return
}

func (class *Arithmetic) GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	realOp := func(x, y float64) float64 { return x + y }
	complexOp := func(x, y complex128) complex128 { return x + y }
	switch class.op {
	case opSubtract:
		realOp = func(x, y float64) float64 { return x - y }
		complexOp = func(x, y complex128) complex128 { return x - y }
	case opMultiply:
		realOp = func(x, y float64) float64 { return x * y }
		complexOp = func(x, y complex128) complex128 { return x * y }
	}

	var operands []*meq.Result
	for _, child := range children {
		if child != nil {
			operands = append(operands, child)
		}
	}
	if len(operands) == 0 {
		err = errors.New("no child results")
		return
	}

	count := 0
	for _, operand := range operands {
		count = max(count, len(operand.VellSets))
	}
	result = meq.NewResult(req.Cells)
	for k := range count {
		var acc *meq.VellSet
		for i, operand := range operands {
			vs, pickErr := pickVellSet(operand, k)
			if pickErr != nil {
				err = fmt.Errorf("child %d: %w", i, pickErr)
				return
			}
			if acc == nil {
				acc = vs.Clone()
				continue
			}
			acc.Value, err = meq.Combine(acc.Value, vs.Value, realOp, complexOp)
			if err != nil {
				return
			}
			acc.Flags = mergeFlags(acc.Flags, vs.Flags)
		}
		result.VellSets = append(result.VellSets, acc)
	}
	return
}

// Vellset k of a result; single-vellset results broadcast
func pickVellSet(result *meq.Result, k int) (vs *meq.VellSet, err error) {
	switch {
	case len(result.VellSets) == 1:
		vs = result.VellSets[0]
	case k < len(result.VellSets):
		vs = result.VellSets[k]
	default:
		err = fmt.Errorf("result has %d vellsets, need %d", len(result.VellSets), k+1)
		return
	}
	if vs.Value == nil {
		err = errors.New("vellset has no value")
	}
	return
}

func mergeFlags(a, b []int) []int {
	switch {
	case len(a) == 0:
		return append([]int(nil), b...)
	case len(b) == 0:
		return a
	case len(a) != len(b):
		return a
	}
	for i := range a {
		a[i] |= b[i]
	}
	return a
}

type Negate struct{}

func (class *Negate) Init(node *Node, spec record.Record) (err error) {
	if node.NumChildren() != 1 {
		err = fmt.Errorf("needs exactly 1 child, has %d", node.NumChildren())
	}
	return
}

func (class *Negate) GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	if children[0] == nil {
		err = errors.New("no child result")
		return
	}
	result = meq.NewResult(children[0].Cells)
	for _, vs := range children[0].VellSets {
		negated := vs.Clone()
		if vs.Value != nil {
			negated.Value = meq.Map(vs.Value, func(x float64) float64 { return -x }, func(x complex128) complex128 { return -x })
		}
		result.VellSets = append(result.VellSets, negated)
	}
	return
}

// Concatenates the vellsets of all children into one tensor result
type Composer struct{}

func (class *Composer) Init(node *Node, spec record.Record) error { return nil }

func (class *Composer) GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	result = meq.NewResult(req.Cells)
	for _, child := range children {
		if child == nil {
			continue
		}
		if result.Cells == nil {
			result.Cells = child.Cells
		}
		for _, vs := range child.VellSets {
			result.VellSets = append(result.VellSets, vs.Clone())
		}
	}
	return
}

// Polls children strictly in order, stopping at the first wait, fail or
// abort, and returns the result of one designated child
type ReqSeq struct {
	resultIndex atomic.Int32
}

func (class *ReqSeq) Init(node *Node, spec record.Record) (err error) {
	return class.setIndex(node, spec.Int("result_index", 0))
}

func (class *ReqSeq) setIndex(node *Node, index int) (err error) {
	if index < 0 || index >= max(node.NumChildren(), 1) {
		err = fmt.Errorf("result_index %d out of range", index)
		return
	}
	class.resultIndex.Store(int32(index))
	return
}

func (class *ReqSeq) PollChildren(node *Node, req *meq.Request) (results []*meq.Result, code int) {
	results = make([]*meq.Result, node.NumChildren())
	for i := range node.NumChildren() {
		if node.childDisabled[i] {
			continue
		}
		if node.forest.Aborted() {
			code |= meq.ResAbort
			return
		}
		var childCode int
		results[i], childCode = node.Child(i).Execute(req)
		code |= childCode
		if childCode&(meq.ResWait|meq.ResAbort|meq.ResFail) != 0 {
			return
		}
	}
	return
}

func (class *ReqSeq) GetResult(node *Node, req *meq.Request, children []*meq.Result) (result *meq.Result, code int, err error) {
	index := int(class.resultIndex.Load())
	if index >= len(children) || children[index] == nil {
		err = errors.New("designated child produced no result")
		return
	}
	result = children[index]
	return
}

func (class *ReqSeq) FillState(node *Node, rec record.Record) {
	rec["result_index"] = int(class.resultIndex.Load())
}

func (class *ReqSeq) ApplyState(node *Node, rec record.Record) (err error) {
	if !rec.Has("result_index") {
		return
	}
	err = class.setIndex(node, rec.Int("result_index", 0))
	return
}
