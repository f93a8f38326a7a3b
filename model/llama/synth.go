package llama

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/Ceng23333/cuda-driver/format"
	"github.com/Ceng23333/cuda-driver/fs/ggml"
	"github.com/Ceng23333/cuda-driver/ml"
)

// KV gibt die Metadaten von c im GGUF-Format zurueck
func (c Config) KV() ggml.KV {
	kv := ggml.KV{
		"general.architecture":                   "llama",
		"llama.context_length":                   uint32(c.NCtx),
		"llama.block_count":                      uint32(c.NBlk),
		"llama.embedding_length":                 uint32(c.D),
		"llama.feed_forward_length":              uint32(c.DI),
		"llama.attention.head_count":             uint32(c.NH),
		"llama.attention.head_count_kv":          uint32(c.NKVH),
		"llama.attention.layer_norm_rms_epsilon": c.Epsilon,
		"llama.rope.freq_base":                   c.Theta,
	}
	if c.NH > 0 && c.DH != c.D/c.NH {
		kv["llama.rope.dimension_count"] = uint32(c.DH)
	}
	return kv
}

// Tensors erzeugt alle Gewichte von c mit Zufallswerten in [-1, 1).
// Normen sind f32 Einsen.
func (c Config) Tensors(seed uint64) ([]*ggml.Tensor, error) {
	r := rand.New(rand.NewPCG(seed, seed))

	var ts []*ggml.Tensor
	add := func(name string, dt ml.DType, dims ...uint64) error {
		n := uint64(1)
		for _, d := range dims {
			n *= d
		}
		fs := make([]float32, n)
		for i := range fs {
			if dt == ml.DTypeF32 && len(dims) == 1 {
				fs[i] = 1
			} else {
				fs[i] = 2*r.Float32() - 1
			}
		}
		b := make([]byte, n*dt.Size())
		if err := ml.PutFloat32s(dt, b, fs); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		t, err := ggml.NewTensor(name, dt, dims, b)
		if err != nil {
			return err
		}
		ts = append(ts, t)
		return nil
	}

	if err := add(TokenEmbd, c.DType, c.NVoc, c.D); err != nil {
		return nil, err
	}
	for i := range c.NBlk {
		blk := func(name string) string { return fmt.Sprintf("blk.%d.%s.weight", i, name) }
		for _, w := range []struct {
			name string
			dt   ml.DType
			dims []uint64
		}{
			{blk("attn_norm"), ml.DTypeF32, []uint64{c.D}},
			{blk("attn_qkv"), c.DType, []uint64{(c.NH + 2*c.NKVH) * c.DH, c.D}},
			{blk("attn_output"), c.DType, []uint64{c.D, c.NH * c.DH}},
			{blk("ffn_norm"), ml.DTypeF32, []uint64{c.D}},
			{blk("ffn_gate_up"), c.DType, []uint64{2 * c.DI, c.D}},
			{blk("ffn_down"), c.DType, []uint64{c.D, c.DI}},
		} {
			if err := add(w.name, w.dt, w.dims...); err != nil {
				return nil, err
			}
		}
	}
	if err := add(OutputNorm, ml.DTypeF32, c.D); err != nil {
		return nil, err
	}
	if !c.TiedOutput {
		if err := add(Output, c.DType, c.NVoc, c.D); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// Synthesize schreibt ein LLaMA-GGUF mit Zufallsgewichten nach path
func Synthesize(path string, c Config, seed uint64) error {
	if c.NH == 0 || c.NKVH == 0 || c.NH%c.NKVH != 0 {
		return fmt.Errorf("%d heads cannot be grouped into %d kv heads", c.NH, c.NKVH)
	}
	if c.DH == 0 {
		c.DH = c.D / c.NH
	}

	ts, err := c.Tensors(seed)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := ggml.WriteGGUF(f, c.KV(), ts); err != nil {
		return err
	}

	var size uint64
	for _, t := range ts {
		size += t.Size()
	}
	slog.Info("synthesized model", "path", path, "tensors", len(ts), "size", format.HumanBytes2(size))
	return f.Close()
}
