// tensor.go - Tensor-Metadaten (Elementtyp und symbolische Shape)
package ml

import (
	"slices"
	"strings"
)

// TensorMeta describes a tensor without its storage.
type TensorMeta struct {
	DType DType
	Shape []Dim
}

func NewTensorMeta(dt DType, shape ...Dim) TensorMeta {
	return TensorMeta{DType: dt, Shape: shape}
}

// Substitute applies env to every dimension.
func (m TensorMeta) Substitute(env map[string]uint64) TensorMeta {
	shape := make([]Dim, len(m.Shape))
	for i, d := range m.Shape {
		shape[i] = d.Substitute(env)
	}
	return TensorMeta{DType: m.DType, Shape: shape}
}

// Concrete returns the shape as integers, false if any dimension is symbolic.
func (m TensorMeta) Concrete() ([]uint64, bool) {
	ns := make([]uint64, len(m.Shape))
	for i, d := range m.Shape {
		n, ok := d.Value()
		if !ok {
			return nil, false
		}
		ns[i] = n
	}
	return ns, true
}

// Elements is the product of all dimensions.
func (m TensorMeta) Elements() Dim {
	n := Const(1)
	for _, d := range m.Shape {
		n = n.Mul(d)
	}
	return n
}

// Bytes returns the storage size when the shape is concrete.
func (m TensorMeta) Bytes() (uint64, bool) {
	n, ok := m.Elements().Value()
	if !ok {
		return 0, false
	}
	return n * m.DType.Size(), true
}

func (m TensorMeta) FreeVars() []string {
	var vars []string
	for _, d := range m.Shape {
		vars = append(vars, d.FreeVars()...)
	}
	slices.Sort(vars)
	return slices.Compact(vars)
}

func (m TensorMeta) Equal(o TensorMeta) bool {
	return m.DType == o.DType && ShapeEqual(m.Shape, o.Shape)
}

func (m TensorMeta) String() string {
	return m.DType.String() + ShapeString(m.Shape)
}

func ShapeEqual(a, b []Dim) bool {
	return slices.EqualFunc(a, b, Dim.Equal)
}

func ShapeString(shape []Dim) string {
	s := make([]string, len(shape))
	for i, d := range shape {
		s[i] = d.String()
	}
	return "[" + strings.Join(s, ", ") + "]"
}
