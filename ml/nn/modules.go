// modules.go - Beschreibung eines Transformers als Baum von Modulen
//
// Jedes Modul nennt seine Gewichte ueber den Tensornamen im Container und
// erzeugt beim Build Knoten in seinem Namensraum (z.B. blk.3.attn.qkv).
package nn

import (
	"errors"
	"fmt"

	"github.com/Ceng23333/cuda-driver/ml"
)

// Table ist eine Tabelle von Zeilen der Breite des Embeddings
type Table struct {
	Row    ml.Dim
	Weight string
}

// Embedding bildet Token (und optional Positionen) auf Vektoren ab.
// Eingaben: tokens [n], pos [n]. Ausgabe: [n, d].
type Embedding struct {
	DType ml.DType
	D     ml.Dim
	Wte   Table
	Wpe   *Table
}

func (m Embedding) Build(ctx *Context, inputs []int) ([]int, error) {
	if len(inputs) != 2 {
		return nil, &ArityError{Want: 2, Got: len(inputs)}
	}
	tokens, pos := inputs[0], inputs[1]

	wte := ctx.Weight("wte", m.Wte.Weight, ml.NewTensorMeta(m.DType, m.Wte.Row, m.D))
	args := []int{wte, tokens}
	if m.Wpe != nil {
		wpe := ctx.Weight("wpe", m.Wpe.Weight, ml.NewTensorMeta(m.DType, m.Wpe.Row, m.D))
		args = append(args, wpe, pos)
	}

	x, err := ctx.op1("embedding", "", nil, args...)
	if err != nil {
		return nil, err
	}
	return []int{x}, nil
}

// NormType waehlt die Art der Normalisierung
type NormType int

const (
	RmsNorm NormType = iota
	LayerNorm
)

// Normalization normalisiert die letzte Achse. Bias nur bei LayerNorm.
type Normalization struct {
	Type    NormType
	D       ml.Dim
	DType   ml.DType
	Epsilon float32
	Scale   string
	Bias    string
}

func (m Normalization) Build(ctx *Context, inputs []int) ([]int, error) {
	if len(inputs) != 1 {
		return nil, &ArityError{Want: 1, Got: len(inputs)}
	}
	meta := ml.NewTensorMeta(m.DType, m.D)
	args := NormArgs{Epsilon: m.Epsilon}

	var x int
	var err error
	switch m.Type {
	case RmsNorm:
		scale := ctx.Weight("scale", m.Scale, meta)
		x, err = ctx.op1("rms-norm", "", args, inputs[0], scale)
	case LayerNorm:
		scale := ctx.Weight("scale", m.Scale, meta)
		bias := ctx.Weight("bias", m.Bias, meta)
		x, err = ctx.op1("layer-norm", "", args, inputs[0], scale, bias)
	default:
		err = fmt.Errorf("unknown normalization %d", m.Type)
	}
	if err != nil {
		return nil, err
	}
	return []int{x}, nil
}

// Linear ist y = x w^T (+ bias) mit w der Form Shape = [m, k]
type Linear struct {
	DType  ml.DType
	Shape  [2]ml.Dim
	Weight string
	Bias   string
}

func (m Linear) Build(ctx *Context, inputs []int) ([]int, error) {
	if len(inputs) != 1 {
		return nil, &ArityError{Want: 1, Got: len(inputs)}
	}

	args := []int{inputs[0], ctx.Weight("weight", m.Weight, ml.NewTensorMeta(m.DType, m.Shape[0], m.Shape[1]))}
	if m.Bias != "" {
		args = append(args, ctx.Weight("bias", m.Bias, ml.NewTensorMeta(m.DType, m.Shape[0])))
	}
	y, err := ctx.op1("linear", "", nil, args...)
	if err != nil {
		return nil, err
	}
	return []int{y}, nil
}

// RoPE beschreibt die Tabellen der Rotations-Einbettung
type RoPE struct {
	NCtx ml.Dim
	Sin  string
	Cos  string
}

// Attention ist die Selbst-Aufmerksamkeit mit gruppierten KV-Koepfen.
// Eingaben: x [n, d], pos [n]. Ausgabe: [n, d].
type Attention struct {
	NH     ml.Dim
	NKVH   ml.Dim
	QKV    Linear
	RoPE   *RoPE
	Output Linear
}

// headDim ist die Breite eines Kopfes: QKV liefert (nh + 2 nkvh) Koepfe
func (m Attention) headDim() (ml.Dim, error) {
	heads, ok := m.NH.Add(m.NKVH.Mul(ml.Const(2))).Value()
	if !ok || heads == 0 {
		return ml.Dim{}, errors.New("head counts must be constant")
	}
	return m.QKV.Shape[0].Div(heads), nil
}

func (m Attention) Build(ctx *Context, inputs []int) ([]int, error) {
	if len(inputs) != 2 {
		return nil, &ArityError{Want: 2, Got: len(inputs)}
	}
	x, pos := inputs[0], inputs[1]

	dh, err := m.headDim()
	if err != nil {
		return nil, &NodeError{Node: ctx.Name(""), Op: "attention", Err: err}
	}

	qkv, err := m.QKV.Build(ctx.Scope("qkv"), []int{x})
	if err != nil {
		return nil, err
	}
	parts, err := ctx.Op("split", "split", SplitArgs{Axis: -1, Parts: []ml.Dim{
		m.NH.Mul(dh), m.NKVH.Mul(dh), m.NKVH.Mul(dh),
	}}, qkv[0])
	if err != nil {
		return nil, err
	}
	q, k, v := parts[0], parts[1], parts[2]

	if m.RoPE != nil {
		table := ml.NewTensorMeta(ml.DTypeF32, m.RoPE.NCtx, dh.Div(2))
		sin := ctx.Weight("sin", m.RoPE.Sin, table)
		cos := ctx.Weight("cos", m.RoPE.Cos, table)
		if q, err = ctx.op1("rope", "rope_q", RopeArgs{Heads: m.NH}, q, pos, sin, cos); err != nil {
			return nil, err
		}
		if k, err = ctx.op1("rope", "rope_k", RopeArgs{Heads: m.NKVH}, k, pos, sin, cos); err != nil {
			return nil, err
		}
	}

	o, err := ctx.op1("attention", "", AttentionArgs{Heads: m.NH, KVHeads: m.NKVH}, q, k, v)
	if err != nil {
		return nil, err
	}
	return m.Output.Build(ctx.Scope("output"), []int{o})
}

// Activation waehlt die Aktivierung des Mlp
type Activation int

const (
	SwiGLU Activation = iota
	GeLU
)

// Mlp ist up -> act -> down. Bei SwiGLU liefert Up Gate und Up hintereinander.
type Mlp struct {
	Up   Linear
	Act  Activation
	Down Linear
}

func (m Mlp) Build(ctx *Context, inputs []int) ([]int, error) {
	up, err := m.Up.Build(ctx.Scope("up"), inputs)
	if err != nil {
		return nil, err
	}

	var h int
	switch m.Act {
	case SwiGLU:
		di := m.Up.Shape[0].Div(2)
		parts, err := ctx.Op("split", "split", SplitArgs{Axis: -1, Parts: []ml.Dim{di, di}}, up[0])
		if err != nil {
			return nil, err
		}
		h, err = ctx.op1("swiglu", "act", nil, parts[0], parts[1])
		if err != nil {
			return nil, err
		}
	case GeLU:
		h, err = ctx.op1("gelu", "act", nil, up[0])
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown activation %d", m.Act)
	}
	return m.Down.Build(ctx.Scope("down"), []int{h})
}

// TransformerBlk ist ein Block mit Residual-Verbindungen um Attention und Mlp.
// Eingaben: x [n, d], pos [n].
type TransformerBlk struct {
	AttnNorm Normalization
	Attn     Attention
	FfnNorm  Normalization
	Ffn      Mlp
}

func (m TransformerBlk) Build(ctx *Context, inputs []int) ([]int, error) {
	if len(inputs) != 2 {
		return nil, &ArityError{Want: 2, Got: len(inputs)}
	}
	x, pos := inputs[0], inputs[1]

	h, err := m.AttnNorm.Build(ctx.Scope("attn_norm"), []int{x})
	if err != nil {
		return nil, err
	}
	h, err = m.Attn.Build(ctx.Scope("attn"), []int{h[0], pos})
	if err != nil {
		return nil, err
	}
	if x, err = ctx.op1("add", "attn_residual", nil, x, h[0]); err != nil {
		return nil, err
	}

	h, err = m.FfnNorm.Build(ctx.Scope("ffn_norm"), []int{x})
	if err != nil {
		return nil, err
	}
	h, err = m.Ffn.Build(ctx.Scope("ffn"), h)
	if err != nil {
		return nil, err
	}
	if x, err = ctx.op1("add", "ffn_residual", nil, x, h[0]); err != nil {
		return nil, err
	}
	return []int{x}, nil
}

// LLaMA ist das ganze Modell. Ohne OutputNorm und Output endet der Graph mit
// dem letzten Block. Eingaben: tokens [n], pos [n].
type LLaMA struct {
	Embedding  Embedding
	Blks       []TransformerBlk
	OutputNorm *Normalization
	Output     *Linear
}

func (m LLaMA) Build(ctx *Context, inputs []int) ([]int, error) {
	if len(inputs) != 2 {
		return nil, &ArityError{Want: 2, Got: len(inputs)}
	}
	pos := inputs[1]

	x, err := m.Embedding.Build(ctx.Scope("embedding"), inputs)
	if err != nil {
		return nil, err
	}
	for i, blk := range m.Blks {
		if x, err = blk.Build(ctx.Scope(fmt.Sprintf("blk.%d", i)), []int{x[0], pos}); err != nil {
			return nil, err
		}
	}

	if m.OutputNorm != nil {
		if x, err = m.OutputNorm.Build(ctx.Scope("output_norm"), x); err != nil {
			return nil, err
		}
	}
	if m.Output != nil {
		if x, err = m.Output.Build(ctx.Scope("output"), x); err != nil {
			return nil, err
		}
	}
	return x, nil
}
