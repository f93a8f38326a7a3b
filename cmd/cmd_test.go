// MODUL: cmd_test
// ZWECK: Ende-zu-Ende Tests der CLI auf dem Software-Geraet
// INPUT: Kommandozeilen-Argumente, synthetisierte GGUF-Dateien
// OUTPUT: Tabellen und Statuszeilen auf stdout
// NEBENEFFEKTE: Schreibt Dateien in t.TempDir()
// ABHAENGIGKEITEN: gpu/sim, model/llama
// HINWEISE: GPUGRAPH_DRIVER=sim muss vor NewCLI gesetzt sein (Flag-Defaults)
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	_ "github.com/Ceng23333/cuda-driver/gpu/sim"
	_ "github.com/Ceng23333/cuda-driver/model/llama"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	t.Setenv("GPUGRAPH_DRIVER", "sim")
	t.Setenv("GPUGRAPH_SIM_DEVICES", "1")
	t.Setenv("GPUGRAPH_SIM_MEMORY", "67108864")

	var out bytes.Buffer
	c := NewCLI()
	c.SetArgs(args)
	c.SetOut(&out)
	c.SetErr(&out)
	require.NoError(t, c.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func synth(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tiny.gguf")
	run(t, "synth", path,
		"--ctx", "16", "--blocks", "2",
		"--embd", "8", "--heads", "2", "--kv-heads", "1",
		"--ffn", "16", "--vocab", "10",
		"--dtype", "f32", "--seed", "7")
	return path
}

func requireContains(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("erwartet %q in Ausgabe, bekommen:\n%s", w, out)
		}
	}
}

func TestInspect(t *testing.T) {
	path := synth(t)

	out := run(t, "inspect", path, "--kv")
	requireContains(t, out,
		"llama",
		"block_count",
		"token_embd.weight",
		"blk.1.ffn_down.weight",
	)
}

func TestPlan(t *testing.T) {
	path := synth(t)

	out := run(t, "plan", path, "-n", "3", "--histogram")
	requireContains(t, out,
		"embedding.wte",
		"blk.0.attn.sin",
		"alias",
		"LENGTH",
		"staging dedicated",
	)
}

func TestPlanMissingFile(t *testing.T) {
	t.Setenv("GPUGRAPH_DRIVER", "sim")

	c := NewCLI()
	c.SetArgs([]string{"plan", filepath.Join(t.TempDir(), "missing.gguf")})
	c.SetOut(&bytes.Buffer{})
	require.Error(t, c.ExecuteContext(context.Background()))
}

func TestLoad(t *testing.T) {
	path := synth(t)

	out := run(t, "load", path, "--verify", "--dump", "output.weight")
	requireContains(t, out,
		"device",
		"uploads",
		"verify",
		"ok",
		"output.weight",
	)
}

func TestJIT(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "fill.cu")
	require.NoError(t, os.WriteFile(src, []byte(`extern "C" __global__ void fill_f32(float *out, float v, unsigned n) {
    unsigned i = blockIdx.x * blockDim.x + threadIdx.x;
    if (i < n) out[i] = v;
}
`), 0o644))

	image := filepath.Join(dir, "fill.ptx")
	out := run(t, "jit", src, "-o", image, "--load")
	requireContains(t, out, "fill_f32", "global", "loaded")

	b, err := os.ReadFile(image)
	require.NoError(t, err)
	require.NotEmpty(t, b)
}

func TestEnv(t *testing.T) {
	out := run(t, "env")
	requireContains(t, out, "GPUGRAPH_DRIVER", "sim", "GPUGRAPH_ALIGN")
}
