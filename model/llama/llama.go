// Package llama - LLaMA-Beschreibung aus GGUF-Metadaten
//
// Dieses Paket enthaelt:
// - Config: Hyperparameter aus den KV-Paaren und token_embd.weight
// - InsertSinCos: sin/cos Tabellen der Rotations-Einbettung als Tensors
// - Model: Beschreibung mit fusionierten qkv- und gate_up-Gewichten
// - Synthesize: Schreibt ein kleines LLaMA-GGUF mit Zufallsgewichten
package llama

import (
	"fmt"

	"github.com/Ceng23333/cuda-driver/fs/ggml"
	"github.com/Ceng23333/cuda-driver/ml"
	"github.com/Ceng23333/cuda-driver/ml/nn"
	"github.com/Ceng23333/cuda-driver/model"
)

// Tensornamen im Container
const (
	TokenEmbd  = "token_embd.weight"
	OutputNorm = "output_norm.weight"
	Output     = "output.weight"
	SinTable   = "sin_table"
	CosTable   = "cos_table"
)

// SeqVar ist die Shape-Variable der Sequenzlaenge
const SeqVar = "n"

// Config sind die Hyperparameter eines LLaMA-Modells
type Config struct {
	NCtx, NBlk uint64
	D, NH      uint64
	NKVH, DH   uint64
	DI, NVoc   uint64
	Epsilon    float32
	Theta      float32
	// DType ist der Elementtyp der Gewichte, Normen sind immer f32
	DType ml.DType
	// TiedOutput: der Kopf verwendet token_embd.weight
	TiedOutput bool
}

// NewConfig liest die Hyperparameter aus f
func NewConfig(f *ggml.File) (Config, error) {
	kv := f.KV()
	c := Config{
		NCtx:    kv.ContextLength(),
		NBlk:    kv.BlockCount(),
		D:       kv.EmbeddingLength(),
		NH:      kv.HeadCount(),
		NKVH:    kv.HeadCountKV(),
		DI:      kv.FeedForwardLength(),
		Epsilon: kv.Float("attention.layer_norm_rms_epsilon", 1e-5),
		Theta:   kv.Float("rope.freq_base", 1e4),
	}
	if c.NH == 0 || c.D == 0 {
		return Config{}, fmt.Errorf("missing embedding_length or attention.head_count")
	}
	c.DH = kv.Uint("rope.dimension_count", c.D/c.NH)
	if c.NKVH == 0 || c.NH%c.NKVH != 0 {
		return Config{}, fmt.Errorf("%d heads cannot be grouped into %d kv heads", c.NH, c.NKVH)
	}
	if c.DH%2 != 0 {
		return Config{}, fmt.Errorf("odd head dimension %d", c.DH)
	}

	embd, ok := f.Tensor(TokenEmbd)
	if !ok {
		return Config{}, fmt.Errorf("tensor %s not found", TokenEmbd)
	}
	dims := embd.Dims()
	if len(dims) != 2 || dims[1] != c.D {
		return Config{}, fmt.Errorf("%s has shape %v, want [nvoc, %d]", TokenEmbd, dims, c.D)
	}
	dt, err := embd.DType()
	if err != nil {
		return Config{}, err
	}
	c.NVoc, c.DType = dims[0], dt

	_, hasOutput := f.Tensor(Output)
	c.TiedOutput = !hasOutput
	return c, nil
}

// Model ist die LLaMA-Architektur
type Model struct {
	Config
}

func init() {
	model.Register("llama", New)
}

// New liest die Config und fuegt die sin/cos Tabellen in f ein
func New(f *ggml.File) (model.Model, error) {
	c, err := NewConfig(f)
	if err != nil {
		return nil, err
	}
	if err := InsertSinCos(f, c); err != nil {
		return nil, err
	}
	return &Model{Config: c}, nil
}

func (m *Model) Blocks() int {
	return int(m.NBlk)
}

// Inputs sind Token-Ids und Positionen, beide u32 [n]
func (m *Model) Inputs() []ml.TensorMeta {
	return []ml.TensorMeta{
		ml.NewTensorMeta(ml.DTypeU32, ml.Var(SeqVar)),
		ml.NewTensorMeta(ml.DTypeU32, ml.Var(SeqVar)),
	}
}

func (m *Model) Describe() nn.Module {
	return m.Config.Describe()
}

// Describe baut die Modellbeschreibung mit fusionierten Gewichten
// attn_qkv [(nh + 2 nkvh) dh, d] und ffn_gate_up [2 di, d]
func (c Config) Describe() nn.LLaMA {
	norm := func(name string) nn.Normalization {
		return nn.Normalization{Type: nn.RmsNorm, D: ml.Const(c.D), DType: ml.DTypeF32, Epsilon: c.Epsilon, Scale: name}
	}
	linear := func(m, k uint64, name string) nn.Linear {
		return nn.Linear{DType: c.DType, Shape: [2]ml.Dim{ml.Const(m), ml.Const(k)}, Weight: name}
	}

	llama := nn.LLaMA{
		Embedding: nn.Embedding{
			DType: c.DType,
			D:     ml.Const(c.D),
			Wte:   nn.Table{Row: ml.Const(c.NVoc), Weight: TokenEmbd},
		},
	}
	for i := range c.NBlk {
		blk := func(name string) string { return fmt.Sprintf("blk.%d.%s.weight", i, name) }
		llama.Blks = append(llama.Blks, nn.TransformerBlk{
			AttnNorm: norm(blk("attn_norm")),
			Attn: nn.Attention{
				NH:     ml.Const(c.NH),
				NKVH:   ml.Const(c.NKVH),
				QKV:    linear((c.NH+2*c.NKVH)*c.DH, c.D, blk("attn_qkv")),
				RoPE:   &nn.RoPE{NCtx: ml.Const(c.NCtx), Sin: SinTable, Cos: CosTable},
				Output: linear(c.D, c.NH*c.DH, blk("attn_output")),
			},
			FfnNorm: norm(blk("ffn_norm")),
			Ffn: nn.Mlp{
				Up:   linear(2*c.DI, c.D, blk("ffn_gate_up")),
				Act:  nn.SwiGLU,
				Down: linear(c.D, c.DI, blk("ffn_down")),
			},
		})
	}

	outNorm := norm(OutputNorm)
	head := linear(c.NVoc, c.D, Output)
	if c.TiedOutput {
		head.Weight = TokenEmbd
	}
	llama.OutputNorm, llama.Output = &outNorm, &head
	return llama
}
