package meq

import (
	"fmt"
	"slices"
)

// Shaped real or complex values laid out [time][freq]. A single element
// broadcasts against any shape.
type Vells struct {
	Shape   []int
	Real    []float64
	Complex []complex128
}

func ScalarVells(value float64) *Vells {
	return &Vells{Shape: []int{1, 1}, Real: []float64{value}}
}

func ComplexScalarVells(value complex128) *Vells {
	return &Vells{Shape: []int{1, 1}, Complex: []complex128{value}}
}

func RealVells(shape []int, values []float64) *Vells {
	return &Vells{Shape: slices.Clone(shape), Real: values}
}

func ComplexVells(shape []int, values []complex128) *Vells {
	return &Vells{Shape: slices.Clone(shape), Complex: values}
}

func (vells *Vells) IsComplex() bool { return vells.Complex != nil }

func (vells *Vells) Len() int {
	if vells.IsComplex() {
		return len(vells.Complex)
	}
	return len(vells.Real)
}

func (vells *Vells) IsScalar() bool { return vells.Len() == 1 }

// Element i as complex, broadcasting scalars
func (vells *Vells) Get(i int) complex128 {
	if vells.IsScalar() {
		i = 0
	}
	if vells.IsComplex() {
		return vells.Complex[i]
	}
	return complex(vells.Real[i], 0)
}

func (vells *Vells) GetReal(i int) float64 {
	if vells.IsScalar() {
		i = 0
	}
	if vells.IsComplex() {
		return real(vells.Complex[i])
	}
	return vells.Real[i]
}

func (vells *Vells) Clone() *Vells {
	if vells == nil {
		return nil
	}
	return &Vells{
		Shape:   slices.Clone(vells.Shape),
		Real:    slices.Clone(vells.Real),
		Complex: slices.Clone(vells.Complex),
	}
}

func (vells *Vells) Equal(other *Vells) bool {
	if vells == nil || other == nil {
		return vells == other
	}
	return slices.Equal(vells.Shape, other.Shape) &&
		slices.Equal(vells.Real, other.Real) &&
		slices.Equal(vells.Complex, other.Complex)
}

// Combines two operands elementwise. Shapes must agree unless one is scalar.
func Combine(a, b *Vells, realOp func(x, y float64) float64, complexOp func(x, y complex128) complex128) (out *Vells, err error) {
	shape := a.Shape
	size := a.Len()
	switch {
	case a.IsScalar():
		shape, size = b.Shape, b.Len()
	case b.IsScalar():
	case a.Len() != b.Len():
		err = fmt.Errorf("vells shape mismatch: %v vs %v", a.Shape, b.Shape)
		return
	}

	if a.IsComplex() || b.IsComplex() {
		values := make([]complex128, size)
		for i := range values {
			values[i] = complexOp(a.Get(i), b.Get(i))
		}
		out = ComplexVells(shape, values)
		return
	}
	values := make([]float64, size)
	for i := range values {
		values[i] = realOp(a.GetReal(i), b.GetReal(i))
	}
	out = RealVells(shape, values)
	return
}

// Applies a unary operation elementwise
func Map(a *Vells, realOp func(x float64) float64, complexOp func(x complex128) complex128) (out *Vells) {
	if a.IsComplex() {
		values := make([]complex128, len(a.Complex))
		for i, value := range a.Complex {
			values[i] = complexOp(value)
		}
		out = ComplexVells(a.Shape, values)
		return
	}
	values := make([]float64, len(a.Real))
	for i, value := range a.Real {
		values[i] = realOp(value)
	}
	out = RealVells(a.Shape, values)
	return
}
