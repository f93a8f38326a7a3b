// MODUL: helpers_test
// ZWECK: Gemeinsame Hilfsfunktionen fuer die Tests der Device-Schicht
// INPUT: Keine
// OUTPUT: Simulierte Devices, Contexts und Kernels
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: gpu/sim, jit, testify
// HINWEISE: Alle Tests laufen gegen den Software-Treiber und brauchen keine GPU

package gpu_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/gpu/sim"
	"github.com/Ceng23333/cuda-driver/jit"
	"github.com/Ceng23333/cuda-driver/ml"
)

const kernelSource = `
#include <cuda_runtime.h>

extern "C" __global__ void fill_f32(float *out, float v, unsigned n) {
    unsigned i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i < n) out[i] = v;
}

extern "C" __global__ void scale_f32(float *y, const float *x, float a, unsigned n) {
    unsigned i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i < n) y[i] = a * x[i];
}

extern "C" __global__ void add_f32(float *c, const float *a, const float *b, unsigned n) {
    unsigned i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i < n) c[i] = a[i] + b[i];
}

extern "C" __global__ void sgemm(float *c, const float *a, const float *b,
                                 unsigned m, unsigned n, unsigned k, float alpha, float beta) {
}
`

// newDevices erzeugt einen Software-Treiber mit n Devices und gibt deren Contexts zurueck
func newDevices(t *testing.T, n int, opts sim.Options) (*sim.Driver, []*gpu.Context) {
	t.Helper()

	opts.Devices = n
	drv := sim.New(opts)

	ctxs := make([]*gpu.Context, n)
	for i := range n {
		dev, err := gpu.OpenDevice(drv, i)
		require.NoError(t, err)
		ctxs[i], err = dev.Context()
		require.NoError(t, err)
		t.Cleanup(func() { dev.Release() })
	}
	return drv, ctxs
}

func newContext(t *testing.T) (*sim.Driver, *gpu.Context) {
	t.Helper()
	drv, ctxs := newDevices(t, 1, sim.Options{})
	return drv, ctxs[0]
}

// apply fuehrt fn im Context aus; Fehler beenden den Test
func apply(t *testing.T, ctx *gpu.Context, fn func(cur *gpu.CurrentContext)) {
	t.Helper()
	require.NoError(t, ctx.Apply(func(cur *gpu.CurrentContext) error {
		fn(cur)
		return nil
	}))
}

func loadKernels(t *testing.T, cur *gpu.CurrentContext) *jit.Kernels {
	t.Helper()
	k, err := jit.Load(cur, kernelSource, "kernels.cu", jit.Options{})
	require.NoError(t, err)
	return k
}

func randomBytes(n int, seed uint64) []byte {
	r := rand.New(rand.NewPCG(seed, seed+1))
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func f32Bytes(t *testing.T, fs ...float32) []byte {
	t.Helper()
	b := make([]byte, 4*len(fs))
	require.NoError(t, ml.PutFloat32s(ml.DTypeF32, b, fs))
	return b
}

func bytesF32(t *testing.T, b []byte) []float32 {
	t.Helper()
	fs, err := ml.Float32s(ml.DTypeF32, b)
	require.NoError(t, err)
	return fs
}

func newStream(t *testing.T, cur *gpu.CurrentContext) *gpu.Stream {
	t.Helper()
	s, err := cur.Stream()
	require.NoError(t, err)
	t.Cleanup(func() { s.Destroy() })
	return s
}

func mallocBytes(t *testing.T, cur *gpu.CurrentContext, n int) *gpu.DevBuf[byte] {
	t.Helper()
	buf, err := gpu.Malloc[byte](cur, n)
	require.NoError(t, err)
	return buf
}
