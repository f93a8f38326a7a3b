package nn

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Ceng23333/cuda-driver/ml"
)

type moduleFunc func(ctx *Context, inputs []int) ([]int, error)

func (f moduleFunc) Build(ctx *Context, inputs []int) ([]int, error) {
	return f(ctx, inputs)
}

// tinyLLaMA: d=8, nh=2, nkvh=1, dh=4, di=16, nvoc=10, nctx=16
func tinyLLaMA(nblk int) LLaMA {
	f32 := ml.DTypeF32
	d, nh, nkvh, dh, di := uint64(8), uint64(2), uint64(1), uint64(4), uint64(16)

	norm := func(name string) Normalization {
		return Normalization{Type: RmsNorm, D: ml.Const(d), DType: f32, Epsilon: 1e-5, Scale: name}
	}
	linear := func(m, k uint64, name string) Linear {
		return Linear{DType: f32, Shape: [2]ml.Dim{ml.Const(m), ml.Const(k)}, Weight: name}
	}

	m := LLaMA{
		Embedding: Embedding{DType: f32, D: ml.Const(d), Wte: Table{Row: ml.Const(10), Weight: "token_embd.weight"}},
	}
	for i := range nblk {
		m.Blks = append(m.Blks, TransformerBlk{
			AttnNorm: norm(fmt.Sprintf("blk.%d.attn_norm.weight", i)),
			Attn: Attention{
				NH:     ml.Const(nh),
				NKVH:   ml.Const(nkvh),
				QKV:    linear((nh+2*nkvh)*dh, d, fmt.Sprintf("blk.%d.attn_qkv.weight", i)),
				RoPE:   &RoPE{NCtx: ml.Const(16), Sin: "sin_table", Cos: "cos_table"},
				Output: linear(d, nh*dh, fmt.Sprintf("blk.%d.attn_output.weight", i)),
			},
			FfnNorm: norm(fmt.Sprintf("blk.%d.ffn_norm.weight", i)),
			Ffn: Mlp{
				Up:   linear(2*di, d, fmt.Sprintf("blk.%d.ffn_gate_up.weight", i)),
				Act:  SwiGLU,
				Down: linear(d, di, fmt.Sprintf("blk.%d.ffn_down.weight", i)),
			},
		})
	}
	outNorm := norm("output_norm.weight")
	out := linear(10, d, "output.weight")
	m.OutputNorm, m.Output = &outNorm, &out
	return m
}

func tokens() []ml.TensorMeta {
	return []ml.TensorMeta{
		ml.NewTensorMeta(ml.DTypeU32, ml.Var("n")),
		ml.NewTensorMeta(ml.DTypeU32, ml.Var("n")),
	}
}

func TestDefaultBuilderOps(t *testing.T) {
	want := []string{"embedding", "rms-norm", "layer-norm", "attention", "split", "swiglu", "gelu", "linear", "rope", "concat", "add"}
	if diff := cmp.Diff(want, DefaultBuilder().Ops()); diff != "" {
		t.Errorf("Ops (-want +got):\n%s", diff)
	}
}

func TestRegisterOpTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("erwartet panic")
		}
	}()
	DefaultBuilder().RegisterOp("linear", OpFunc(inferLinear))
}

func TestBuildLLaMA(t *testing.T) {
	g, err := DefaultBuilder().Build(tinyLLaMA(2), tokens()...)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Validate(); err != nil {
		t.Fatal(err)
	}

	if len(g.Nodes) != 1+2*14+2 {
		t.Errorf("Knoten: erwartet %d, bekommen %d", 1+2*14+2, len(g.Nodes))
	}
	if len(g.Weights()) != 1+2*8+2 {
		t.Errorf("Gewichte: erwartet %d, bekommen %d", 1+2*8+2, len(g.Weights()))
	}

	var blk []string
	for _, node := range g.Nodes {
		if name, ok := strings.CutPrefix(node.Name, "blk.1."); ok {
			blk = append(blk, node.Op+" "+name)
		}
	}
	want := []string{
		"rms-norm attn_norm",
		"linear attn.qkv",
		"split attn.split",
		"rope attn.rope_q",
		"rope attn.rope_k",
		"attention attn",
		"linear attn.output",
		"add attn_residual",
		"rms-norm ffn_norm",
		"linear ffn.up",
		"split ffn.split",
		"swiglu ffn.act",
		"linear ffn.down",
		"add ffn_residual",
	}
	if diff := cmp.Diff(want, blk); diff != "" {
		t.Errorf("blk.1 (-want +got):\n%s", diff)
	}

	// Ausgabe: Logits [n, nvoc]
	if len(g.Outputs) != 1 {
		t.Fatalf("Ausgaben: erwartet 1, bekommen %d", len(g.Outputs))
	}
	out := g.Edges[g.Outputs[0]]
	if want := ml.NewTensorMeta(ml.DTypeF32, ml.Var("n"), ml.Const(10)); !out.Meta.Equal(want) {
		t.Errorf("Ausgabe: erwartet %s, bekommen %s", want, out.Meta)
	}

	if diff := cmp.Diff([]string{"n"}, g.FreeVars()); diff != "" {
		t.Errorf("FreeVars (-want +got):\n%s", diff)
	}

	// sin/cos je Block als eigene Kante auf denselben Container-Eintrag
	i := slices.IndexFunc(g.Edges, func(e Edge) bool { return e.Name == "blk.1.attn.sin" })
	if i < 0 {
		t.Fatal("blk.1.attn.sin fehlt")
	}
	sin := g.Edges[i]
	if diff := cmp.Diff(&External{Name: "blk.1.attn.sin", Item: "sin_table"}, sin.External); diff != "" {
		t.Errorf("External (-want +got):\n%s", diff)
	}
	if want := ml.NewTensorMeta(ml.DTypeF32, ml.Const(16), ml.Const(2)); !sin.Meta.Equal(want) {
		t.Errorf("sin: erwartet %s, bekommen %s", want, sin.Meta)
	}
}

func TestGraphFormat(t *testing.T) {
	g, err := DefaultBuilder().Build(tinyLLaMA(1), tokens()...)
	if err != nil {
		t.Fatal(err)
	}

	// Kanten: input.0, input.1, embedding.wte, embedding
	want := []string{"0.", "embedding", "embedding", "[3]", "<-", "[2,", "0]"}
	if diff := cmp.Diff(want, strings.Fields(g.Format(0))); diff != "" {
		t.Errorf("Format(0) (-want +got):\n%s", diff)
	}
}

func TestBuildShapeMismatch(t *testing.T) {
	m := tinyLLaMA(2)
	m.Blks[1].Attn.QKV.Shape[1] = ml.Const(7)

	_, err := DefaultBuilder().Build(m, tokens()...)

	var node *NodeError
	if !errors.As(err, &node) {
		t.Fatalf("erwartet NodeError, bekommen %v", err)
	}
	if node.Node != "blk.1.attn.qkv" || node.Op != "linear" {
		t.Errorf("Knoten: erwartet blk.1.attn.qkv (linear), bekommen %s (%s)", node.Node, node.Op)
	}

	var shape *ShapeMismatchError
	if !errors.As(err, &shape) {
		t.Fatalf("erwartet ShapeMismatchError, bekommen %v", err)
	}
	if shape.Edge != "blk.1.attn.qkv.weight" {
		t.Errorf("Kante: erwartet blk.1.attn.qkv.weight, bekommen %s", shape.Edge)
	}
}

func TestBuildDTypeMismatch(t *testing.T) {
	inputs := tokens()
	inputs[0].DType = ml.DTypeF32

	_, err := DefaultBuilder().Build(tinyLLaMA(1), inputs...)

	var dt *DTypeMismatchError
	if !errors.As(err, &dt) {
		t.Fatalf("erwartet DTypeMismatchError, bekommen %v", err)
	}
	if dt.Edge != "input.0" {
		t.Errorf("Kante: erwartet input.0, bekommen %s", dt.Edge)
	}
}

func TestUnknownOperator(t *testing.T) {
	cases := []struct {
		op, suggestion string
	}{
		{"rms_norm", "rms-norm"},
		{"lineer", "linear"},
		{"softmax", ""},
	}

	for _, tt := range cases {
		t.Run(tt.op, func(t *testing.T) {
			m := moduleFunc(func(ctx *Context, inputs []int) ([]int, error) {
				return ctx.Scope("blk.0").Op(tt.op, "x", nil, inputs...)
			})
			_, err := DefaultBuilder().Build(m, tokens()...)

			var unknown *UnknownOperatorError
			if !errors.As(err, &unknown) {
				t.Fatalf("erwartet UnknownOperatorError, bekommen %v", err)
			}
			if diff := cmp.Diff(&UnknownOperatorError{Name: tt.op, Suggestion: tt.suggestion}, unknown); diff != "" {
				t.Errorf("(-want +got):\n%s", diff)
			}

			var node *NodeError
			if !errors.As(err, &node) || node.Node != "blk.0.x" {
				t.Errorf("erwartet Knoten blk.0.x, bekommen %v", err)
			}
		})
	}
}

func TestSubstituteEdges(t *testing.T) {
	g, err := DefaultBuilder().Build(tinyLLaMA(1), tokens()...)
	if err != nil {
		t.Fatal(err)
	}

	env := map[string]uint64{"n": 5}
	for _, e := range g.Edges {
		meta := e.Meta.Substitute(env)
		if _, ok := meta.Concrete(); !ok {
			t.Errorf("%s bleibt symbolisch: %s", e.Name, meta)
		}
	}

	out := g.Edges[g.Outputs[0]].Meta.Substitute(env)
	if size, _ := out.Bytes(); size != 5*10*4 {
		t.Errorf("Logits: erwartet %d Bytes, bekommen %d", 5*10*4, size)
	}
}
