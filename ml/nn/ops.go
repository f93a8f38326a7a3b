// ops.go - Typ- und Shape-Inferenz der Operatoren
//
// Shapes sind zeilenweise, die letzte Achse ist die innerste. Aktivierungen
// haben die Form [n, d] mit der Sequenzlaenge n.
package nn

import (
	"fmt"
	"slices"

	"github.com/Ceng23333/cuda-driver/ml"
)

// NormArgs sind die Argumente von rms-norm und layer-norm
type NormArgs struct {
	Epsilon float32
}

// SplitArgs teilen eine Achse in Teile der Laengen Parts
type SplitArgs struct {
	Axis  int
	Parts []ml.Dim
}

type ConcatArgs struct {
	Axis int
}

// RopeArgs: die letzte Achse besteht aus Heads Koepfen
type RopeArgs struct {
	Heads ml.Dim
}

type AttentionArgs struct {
	Heads   ml.Dim
	KVHeads ml.Dim
}

func arity(in []Input, lo, hi int) error {
	if len(in) < lo || len(in) > hi {
		want := lo
		if len(in) > hi {
			want = hi
		}
		return &ArityError{Want: want, Got: len(in)}
	}
	return nil
}

func argsAs[T any](args any) (T, error) {
	a, ok := args.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("expected arguments of type %T, got %T", zero, args)
	}
	return a, nil
}

// axis loest negative Achsen vom Ende her auf
func axis(in Input, a int) (int, error) {
	rank := len(in.Meta.Shape)
	if a < 0 {
		a += rank
	}
	if a < 0 || a >= rank {
		return 0, fmt.Errorf("axis %d out of range for %s %s", a, in.Name, in.Meta)
	}
	return a, nil
}

func rank(in Input, lo, hi int) error {
	if r := len(in.Meta.Shape); r < lo || r > hi {
		return fmt.Errorf("%s: rank %d not in [%d, %d]", in.Name, r, lo, hi)
	}
	return nil
}

// last ist die innerste Dimension
func last(in Input) ml.Dim {
	return in.Meta.Shape[len(in.Meta.Shape)-1]
}

// expectDim prueft Achse a von in gegen want
func expectDim(in Input, a int, want ml.Dim) error {
	if in.Meta.Shape[a].Equal(want) {
		return nil
	}
	expected := slices.Clone(in.Meta.Shape)
	expected[a] = want
	return &ShapeMismatchError{Edge: in.Name, Expected: expected, Actual: in.Meta.Shape}
}

func expectShape(in Input, want []ml.Dim) error {
	if !ml.ShapeEqual(in.Meta.Shape, want) {
		return &ShapeMismatchError{Edge: in.Name, Expected: want, Actual: in.Meta.Shape}
	}
	return nil
}

func expectDType(in Input, want ml.DType) error {
	if in.Meta.DType != want {
		return &DTypeMismatchError{Edge: in.Name, Expected: want, Actual: in.Meta.DType}
	}
	return nil
}

func expectFloat(in Input) error {
	if !in.Meta.DType.IsFloat() {
		return &DTypeMismatchError{Edge: in.Name, Expected: ml.DTypeF32, Actual: in.Meta.DType}
	}
	return nil
}

// expectIndex prueft einen Index-Vektor [n]
func expectIndex(in Input, n ml.Dim) error {
	if !in.Meta.DType.IsInteger() {
		return &DTypeMismatchError{Edge: in.Name, Expected: ml.DTypeU32, Actual: in.Meta.DType}
	}
	return expectShape(in, []ml.Dim{n})
}

// embedding(table [nvoc, d], tokens [n] (, wpe [nctx, d], pos [n])) -> [n, d]
func inferEmbedding(in []Input, _ any) ([]ml.TensorMeta, error) {
	if len(in) != 2 && len(in) != 4 {
		return nil, &ArityError{Want: 2, Got: len(in)}
	}
	table, tokens := in[0], in[1]
	if err := rank(table, 2, 2); err != nil {
		return nil, err
	}
	if err := rank(tokens, 1, 1); err != nil {
		return nil, err
	}
	n, d := tokens.Meta.Shape[0], table.Meta.Shape[1]
	if err := expectIndex(tokens, n); err != nil {
		return nil, err
	}

	if len(in) == 4 {
		wpe, pos := in[2], in[3]
		if err := rank(wpe, 2, 2); err != nil {
			return nil, err
		}
		if err := expectDim(wpe, 1, d); err != nil {
			return nil, err
		}
		if err := expectDType(wpe, table.Meta.DType); err != nil {
			return nil, err
		}
		if err := expectIndex(pos, n); err != nil {
			return nil, err
		}
	}
	return []ml.TensorMeta{ml.NewTensorMeta(table.Meta.DType, n, d)}, nil
}

func inferNorm(in []Input, args any, withBias bool) ([]ml.TensorMeta, error) {
	want := 2
	if withBias {
		want = 3
	}
	if err := arity(in, want, want); err != nil {
		return nil, err
	}
	if _, err := argsAs[NormArgs](args); err != nil {
		return nil, err
	}

	x := in[0]
	if err := rank(x, 1, 3); err != nil {
		return nil, err
	}
	if err := expectFloat(x); err != nil {
		return nil, err
	}
	for _, p := range in[1:] {
		if err := expectShape(p, []ml.Dim{last(x)}); err != nil {
			return nil, err
		}
	}
	return []ml.TensorMeta{x.Meta}, nil
}

// rms-norm(x [n, d], scale [d]) -> [n, d]
func inferRmsNorm(in []Input, args any) ([]ml.TensorMeta, error) {
	return inferNorm(in, args, false)
}

// layer-norm(x [n, d], scale [d], bias [d]) -> [n, d]
func inferLayerNorm(in []Input, args any) ([]ml.TensorMeta, error) {
	return inferNorm(in, args, true)
}

// linear(x [n, k], w [m, k] (, bias [m])) -> [n, m]
func inferLinear(in []Input, _ any) ([]ml.TensorMeta, error) {
	if err := arity(in, 2, 3); err != nil {
		return nil, err
	}
	x, w := in[0], in[1]
	if err := rank(x, 1, 3); err != nil {
		return nil, err
	}
	if err := rank(w, 2, 2); err != nil {
		return nil, err
	}
	if err := expectFloat(x); err != nil {
		return nil, err
	}
	if err := expectFloat(w); err != nil {
		return nil, err
	}
	if err := expectDim(w, 1, last(x)); err != nil {
		return nil, err
	}

	m := w.Meta.Shape[0]
	if len(in) == 3 {
		if err := expectShape(in[2], []ml.Dim{m}); err != nil {
			return nil, err
		}
	}

	shape := slices.Clone(x.Meta.Shape)
	shape[len(shape)-1] = m
	return []ml.TensorMeta{ml.NewTensorMeta(x.Meta.DType, shape...)}, nil
}

// split(x) -> je ein Teil pro SplitArgs.Parts
func inferSplit(in []Input, args any) ([]ml.TensorMeta, error) {
	if err := arity(in, 1, 1); err != nil {
		return nil, err
	}
	a, err := argsAs[SplitArgs](args)
	if err != nil {
		return nil, err
	}
	x := in[0]
	ax, err := axis(x, a.Axis)
	if err != nil {
		return nil, err
	}

	var sum ml.Dim
	for _, p := range a.Parts {
		sum = sum.Add(p)
	}
	if err := expectDim(x, ax, sum); err != nil {
		return nil, err
	}

	out := make([]ml.TensorMeta, len(a.Parts))
	for i, p := range a.Parts {
		shape := slices.Clone(x.Meta.Shape)
		shape[ax] = p
		out[i] = ml.NewTensorMeta(x.Meta.DType, shape...)
	}
	return out, nil
}

// concat(a, b, ...) entlang ConcatArgs.Axis
func inferConcat(in []Input, args any) ([]ml.TensorMeta, error) {
	if err := arity(in, 1, len(in)); err != nil {
		return nil, err
	}
	a, err := argsAs[ConcatArgs](args)
	if err != nil {
		return nil, err
	}
	first := in[0]
	ax, err := axis(first, a.Axis)
	if err != nil {
		return nil, err
	}

	shape := slices.Clone(first.Meta.Shape)
	for _, x := range in[1:] {
		if err := expectDType(x, first.Meta.DType); err != nil {
			return nil, err
		}
		if len(x.Meta.Shape) != len(shape) {
			return nil, &ShapeMismatchError{Edge: x.Name, Expected: first.Meta.Shape, Actual: x.Meta.Shape}
		}
		want := slices.Clone(first.Meta.Shape)
		want[ax] = x.Meta.Shape[ax]
		if err := expectShape(x, want); err != nil {
			return nil, err
		}
		shape[ax] = shape[ax].Add(x.Meta.Shape[ax])
	}
	return []ml.TensorMeta{ml.NewTensorMeta(first.Meta.DType, shape...)}, nil
}

// rope(x [n, h*dh], pos [n], sin [nctx, dh/2], cos [nctx, dh/2]) -> [n, h*dh]
func inferRope(in []Input, args any) ([]ml.TensorMeta, error) {
	if err := arity(in, 4, 4); err != nil {
		return nil, err
	}
	a, err := argsAs[RopeArgs](args)
	if err != nil {
		return nil, err
	}
	x, pos, sin, cos := in[0], in[1], in[2], in[3]
	if err := rank(x, 2, 2); err != nil {
		return nil, err
	}
	if err := expectFloat(x); err != nil {
		return nil, err
	}
	if err := expectIndex(pos, x.Meta.Shape[0]); err != nil {
		return nil, err
	}
	if err := rank(sin, 2, 2); err != nil {
		return nil, err
	}
	if err := expectFloat(sin); err != nil {
		return nil, err
	}
	if err := expectShape(cos, sin.Meta.Shape); err != nil {
		return nil, err
	}
	if err := expectDType(cos, sin.Meta.DType); err != nil {
		return nil, err
	}

	// jeder Kopf belegt zwei Eintraege pro Frequenz
	if err := expectDim(x, 1, last(sin).Mul(ml.Const(2)).Mul(a.Heads)); err != nil {
		return nil, err
	}
	return []ml.TensorMeta{x.Meta}, nil
}

// attention(q [n, h*dh], k [n, kvh*dh], v [n, kvh*dh]) -> [n, h*dh]
func inferAttention(in []Input, args any) ([]ml.TensorMeta, error) {
	if err := arity(in, 3, 3); err != nil {
		return nil, err
	}
	a, err := argsAs[AttentionArgs](args)
	if err != nil {
		return nil, err
	}
	q, k, v := in[0], in[1], in[2]
	if err := rank(q, 2, 2); err != nil {
		return nil, err
	}
	if err := expectFloat(q); err != nil {
		return nil, err
	}

	h, hok := a.Heads.Value()
	kvh, kvok := a.KVHeads.Value()
	if hok && kvok && (kvh == 0 || h%kvh != 0) {
		return nil, fmt.Errorf("%d heads cannot be grouped into %d kv heads", h, kvh)
	}

	// k hat dieselbe Kopfbreite wie q: k.d * h == q.d * kvh
	if err := rank(k, 2, 2); err != nil {
		return nil, err
	}
	if !last(k).Mul(a.Heads).Equal(last(q).Mul(a.KVHeads)) || !k.Meta.Shape[0].Equal(q.Meta.Shape[0]) {
		want := []ml.Dim{q.Meta.Shape[0], last(k)}
		if hok && kvok && h > 0 {
			want[1] = last(q).Mul(ml.Const(kvh)).Div(h)
		}
		return nil, &ShapeMismatchError{Edge: k.Name, Expected: want, Actual: k.Meta.Shape}
	}
	if err := expectShape(v, k.Meta.Shape); err != nil {
		return nil, err
	}
	if err := expectDType(k, q.Meta.DType); err != nil {
		return nil, err
	}
	if err := expectDType(v, q.Meta.DType); err != nil {
		return nil, err
	}
	return []ml.TensorMeta{q.Meta}, nil
}

// swiglu(gate, up) -> silu(gate) * up
func inferSwiGLU(in []Input, _ any) ([]ml.TensorMeta, error) {
	return inferElementwise(in, 2)
}

func inferGeLU(in []Input, _ any) ([]ml.TensorMeta, error) {
	return inferElementwise(in, 1)
}

// add(a, b) -> a + b, gleiche Metadaten
func inferAdd(in []Input, _ any) ([]ml.TensorMeta, error) {
	return inferElementwise(in, 2)
}

func inferElementwise(in []Input, n int) ([]ml.TensorMeta, error) {
	if err := arity(in, n, n); err != nil {
		return nil, err
	}
	x := in[0]
	if err := expectFloat(x); err != nil {
		return nil, err
	}
	for _, o := range in[1:] {
		if err := expectDType(o, x.Meta.DType); err != nil {
			return nil, err
		}
		if err := expectShape(o, x.Meta.Shape); err != nil {
			return nil, err
		}
	}
	return []ml.TensorMeta{x.Meta}, nil
}
