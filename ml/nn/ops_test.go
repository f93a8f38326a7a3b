package nn

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ceng23333/cuda-driver/ml"
)

func input(name string, dt ml.DType, shape ...ml.Dim) Input {
	return Input{Name: name, Meta: ml.NewTensorMeta(dt, shape...)}
}

var (
	n  = ml.Var("n")
	c2 = ml.Const(2)
	c4 = ml.Const(4)
	c8 = ml.Const(8)
)

// metaComparer vergleicht TensorMeta strukturell ueber die Normalform
var metaComparer = cmp.Comparer(func(a, b ml.TensorMeta) bool { return a.Equal(b) })

func TestInfer(t *testing.T) {
	f32, u32 := ml.DTypeF32, ml.DTypeU32

	cases := []struct {
		name   string
		op     OpFunc
		inputs []Input
		args   any
		want   []ml.TensorMeta
		err    any
	}{
		{
			name:   "embedding",
			op:     inferEmbedding,
			inputs: []Input{input("wte", f32, ml.Const(10), c8), input("tokens", u32, n)},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "embedding with positions",
			op:     inferEmbedding,
			inputs: []Input{input("wte", f32, ml.Const(10), c8), input("tokens", u32, n), input("wpe", f32, ml.Const(16), c8), input("pos", u32, n)},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "embedding float tokens",
			op:     inferEmbedding,
			inputs: []Input{input("wte", f32, ml.Const(10), c8), input("tokens", f32, n)},
			err:    &DTypeMismatchError{Edge: "tokens", Expected: ml.DTypeU32, Actual: f32},
		},
		{
			name:   "rms-norm",
			op:     inferRmsNorm,
			inputs: []Input{input("x", f32, n, c8), input("scale", f32, c8)},
			args:   NormArgs{Epsilon: 1e-5},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "rms-norm wrong scale",
			op:     inferRmsNorm,
			inputs: []Input{input("x", f32, n, c8), input("scale", f32, c4)},
			args:   NormArgs{},
			err:    &ShapeMismatchError{Edge: "scale", Expected: []ml.Dim{c8}, Actual: []ml.Dim{c4}},
		},
		{
			name:   "layer-norm missing bias",
			op:     inferLayerNorm,
			inputs: []Input{input("x", f32, n, c8), input("scale", f32, c8)},
			args:   NormArgs{},
			err:    &ArityError{Want: 3, Got: 2},
		},
		{
			name:   "linear",
			op:     inferLinear,
			inputs: []Input{input("x", f32, n, c8), input("w", f32, ml.Const(16), c8), input("b", f32, ml.Const(16))},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, ml.Const(16))},
		},
		{
			name:   "linear wrong k",
			op:     inferLinear,
			inputs: []Input{input("x", f32, n, c8), input("w", f32, ml.Const(16), ml.Const(7))},
			err:    &ShapeMismatchError{Edge: "w", Expected: []ml.Dim{ml.Const(16), c8}, Actual: []ml.Dim{ml.Const(16), ml.Const(7)}},
		},
		{
			name:   "split",
			op:     inferSplit,
			inputs: []Input{input("x", f32, n, ml.Const(16))},
			args:   SplitArgs{Axis: -1, Parts: []ml.Dim{c8, c4, c4}},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8), ml.NewTensorMeta(f32, n, c4), ml.NewTensorMeta(f32, n, c4)},
		},
		{
			name:   "split along symbolic axis",
			op:     inferSplit,
			inputs: []Input{input("x", f32, n.Mul(c2), c8)},
			args:   SplitArgs{Axis: 0, Parts: []ml.Dim{n, n}},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8), ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "split wrong sum",
			op:     inferSplit,
			inputs: []Input{input("x", f32, n, ml.Const(16))},
			args:   SplitArgs{Axis: 1, Parts: []ml.Dim{c8, c4}},
			err:    &ShapeMismatchError{Edge: "x", Expected: []ml.Dim{n, ml.Const(12)}, Actual: []ml.Dim{n, ml.Const(16)}},
		},
		{
			name:   "concat",
			op:     inferConcat,
			inputs: []Input{input("a", f32, n, c4), input("b", f32, n, c8)},
			args:   ConcatArgs{Axis: 1},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, ml.Const(12))},
		},
		{
			name:   "concat dtype",
			op:     inferConcat,
			inputs: []Input{input("a", f32, n, c4), input("b", ml.DTypeF16, n, c4)},
			args:   ConcatArgs{Axis: -1},
			err:    &DTypeMismatchError{Edge: "b", Expected: f32, Actual: ml.DTypeF16},
		},
		{
			name:   "rope",
			op:     inferRope,
			inputs: []Input{input("q", f32, n, c8), input("pos", u32, n), input("sin", f32, ml.Const(16), c2), input("cos", f32, ml.Const(16), c2)},
			args:   RopeArgs{Heads: c2},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "rope wrong heads",
			op:     inferRope,
			inputs: []Input{input("q", f32, n, c8), input("pos", u32, n), input("sin", f32, ml.Const(16), c2), input("cos", f32, ml.Const(16), c2)},
			args:   RopeArgs{Heads: c4},
			err:    &ShapeMismatchError{Edge: "q", Expected: []ml.Dim{n, ml.Const(16)}, Actual: []ml.Dim{n, c8}},
		},
		{
			name:   "attention",
			op:     inferAttention,
			inputs: []Input{input("q", f32, n, c8), input("k", f32, n, c4), input("v", f32, n, c4)},
			args:   AttentionArgs{Heads: c2, KVHeads: ml.Const(1)},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "attention wrong kv width",
			op:     inferAttention,
			inputs: []Input{input("q", f32, n, c8), input("k", f32, n, c8), input("v", f32, n, c8)},
			args:   AttentionArgs{Heads: c2, KVHeads: ml.Const(1)},
			err:    &ShapeMismatchError{Edge: "k", Expected: []ml.Dim{n, c4}, Actual: []ml.Dim{n, c8}},
		},
		{
			name:   "swiglu",
			op:     inferSwiGLU,
			inputs: []Input{input("gate", f32, n, c8), input("up", f32, n, c8)},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "swiglu shapes differ",
			op:     inferSwiGLU,
			inputs: []Input{input("gate", f32, n, c8), input("up", f32, n, c4)},
			err:    &ShapeMismatchError{Edge: "up", Expected: []ml.Dim{n, c8}, Actual: []ml.Dim{n, c4}},
		},
		{
			name:   "gelu",
			op:     inferGeLU,
			inputs: []Input{input("x", f32, n, c8)},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "add",
			op:     inferAdd,
			inputs: []Input{input("a", f32, n, c8), input("b", f32, n, c8)},
			want:   []ml.TensorMeta{ml.NewTensorMeta(f32, n, c8)},
		},
		{
			name:   "add arity",
			op:     inferAdd,
			inputs: []Input{input("a", f32, n, c8)},
			err:    &ArityError{Want: 2, Got: 1},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Infer(tt.inputs, tt.args)
			if tt.err != nil {
				if err == nil {
					t.Fatalf("erwartet Fehler %v, bekommen %v", tt.err, got)
				}
				if diff := cmp.Diff(tt.err, err, cmp.Comparer(ml.Dim.Equal)); diff != "" {
					t.Errorf("Fehler (-want +got):\n%s", diff)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got, metaComparer); diff != "" {
				t.Errorf("Ausgaben (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInferArgs(t *testing.T) {
	_, err := inferSplit([]Input{input("x", ml.DTypeF32, n, c8)}, nil)
	if err == nil {
		t.Fatal("split ohne Argumente: erwartet Fehler")
	}

	// Kopfzahlen, die sich nicht gruppieren lassen
	_, err = inferAttention([]Input{
		input("q", ml.DTypeF32, n, ml.Const(12)),
		input("k", ml.DTypeF32, n, c8),
		input("v", ml.DTypeF32, n, c8),
	}, AttentionArgs{Heads: ml.Const(3), KVHeads: c2})
	var shape *ShapeMismatchError
	if err == nil || errors.As(err, &shape) {
		t.Errorf("erwartet Gruppierungsfehler, bekommen %v", err)
	}
}
