package llama

import (
	"math"

	"github.com/Ceng23333/cuda-driver/fs/ggml"
	"github.com/Ceng23333/cuda-driver/ml"
)

// SinCos berechnet die Tabellen [nctx, dh/2] mit
// sin/cos(pos * theta^(-2i/dh)) fuer i < dh/2
func SinCos(nctx, dh uint64, theta float32) (sin, cos []float32) {
	half := dh / 2
	sin = make([]float32, nctx*half)
	cos = make([]float32, nctx*half)
	for pos := range nctx {
		for i := range half {
			freq := float64(pos) * math.Pow(float64(theta), -float64(2*i)/float64(dh))
			s, c := math.Sincos(freq)
			sin[pos*half+i] = float32(s)
			cos[pos*half+i] = float32(c)
		}
	}
	return sin, cos
}

// InsertSinCos fuegt sin_table und cos_table als f32 [nctx, dh/2] in f ein
func InsertSinCos(f *ggml.File, c Config) error {
	sin, cos := SinCos(c.NCtx, c.DH, c.Theta)
	dims := []uint64{c.NCtx, c.DH / 2}

	for _, t := range []struct {
		name string
		data []float32
	}{{SinTable, sin}, {CosTable, cos}} {
		b := make([]byte, 4*len(t.data))
		if err := ml.PutFloat32s(ml.DTypeF32, b, t.data); err != nil {
			return err
		}
		if err := f.Insert(t.name, ml.DTypeF32, dims, b); err != nil {
			return err
		}
	}
	return nil
}
