// MODUL: loader_test
// ZWECK: Tests fuer den Gewichts-Loader mit Staging-Pool
// INPUT: Geplante Tensoren (memplan.Table), simulierte Devices
// OUTPUT: Testergebnisse
// NEBENEFFEKTE: Registriert den Kernel "gate" im Software-Treiber
// ABHAENGIGKEITEN: gpu/sim, jit, memplan, metrics, testify, go-cmp
// HINWEISE: Der Kernel "gate" blockiert den Stream, bis der Test ihn freigibt

package loader_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/gpu/sim"
	"github.com/Ceng23333/cuda-driver/jit"
	"github.com/Ceng23333/cuda-driver/loader"
	"github.com/Ceng23333/cuda-driver/memplan"
	"github.com/Ceng23333/cuda-driver/metrics"
)

var (
	gateMu sync.Mutex
	gateCh = make(chan struct{})
)

func openGate() chan struct{} {
	gateMu.Lock()
	defer gateMu.Unlock()
	return gateCh
}

// closeGate sperrt den naechsten gate-Kernel und gibt die Freigabe zurueck
func closeGate() func() {
	gateMu.Lock()
	defer gateMu.Unlock()
	ch := make(chan struct{})
	gateCh = ch
	return func() { close(ch) }
}

func init() {
	sim.RegisterKernel("gate", sim.Kernel{Run: func(*sim.Launch) error {
		<-openGate()
		return nil
	}})
}

func newContext(t *testing.T) *gpu.Context {
	t.Helper()
	drv := sim.New(sim.Options{Devices: 1, Memory: 1 << 20})
	dev, err := gpu.OpenDevice(drv, 0)
	require.NoError(t, err)
	t.Cleanup(func() { dev.Release() })
	ctx, err := dev.Context()
	require.NoError(t, err)
	return ctx
}

func apply(t *testing.T, ctx *gpu.Context, fn func(cur *gpu.CurrentContext)) {
	t.Helper()
	require.NoError(t, ctx.Apply(func(cur *gpu.CurrentContext) error {
		fn(cur)
		return nil
	}))
}

func randomBytes(r *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(r.Uint32())
	}
	return b
}

func TestLoadAllMatchesPlan(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 8))
	embd := randomBytes(r, 1000)

	sources := []struct {
		name string
		src  []byte
	}{
		{"token_embd.weight", embd},
		{"blk.0.attn_norm.weight", randomBytes(r, 64)},
		{"blk.1.attn_norm.weight", randomBytes(r, 64)},
		{"blk.2.attn_norm.weight", randomBytes(r, 64)},
		{"blk.3.attn_norm.weight", randomBytes(r, 64)},
		{"output_norm.weight", randomBytes(r, 300)},
		{"output.weight", embd},
	}

	table := memplan.NewTable(512)
	for _, s := range sources {
		_, err := table.Assign(s.name, s.src)
		require.NoError(t, err)
	}

	dedicated, shared := table.StagingSizes(4)
	if diff := cmp.Diff([]uint64{300, 1000}, dedicated); diff != "" {
		t.Errorf("dedicated (-want +got):\n%s", diff)
	}
	if shared != 64 {
		t.Errorf("shared: erwartet 64, bekommen %d", shared)
	}

	staged := testutil.ToFloat64(metrics.LoadedBytes.WithLabelValues("staged"))

	apply(t, newContext(t), func(cur *gpu.CurrentContext) {
		l, err := loader.New(cur, dedicated, shared, 2)
		require.NoError(t, err)
		if l.Pinned() != 300+1000+2*64 {
			t.Errorf("Pinned: erwartet %d, bekommen %d", 300+1000+2*64, l.Pinned())
		}

		buf, err := gpu.Malloc[byte](cur, int(table.Size()))
		require.NoError(t, err)
		defer buf.Free()

		var jobs []loader.Job
		for _, e := range table.Unique() {
			jobs = append(jobs, loader.Job{Name: e.Name, Dst: buf.Slice().Sub(e.Range.Start, e.Range.End), Src: e.Src})
		}

		s, err := cur.Stream()
		require.NoError(t, err)
		defer s.Destroy()

		var progress []float32
		require.NoError(t, l.LoadAll(context.Background(), jobs, s, func(p float32) {
			progress = append(progress, p)
		}))
		require.NoError(t, s.Synchronize())
		require.NoError(t, l.Close())

		if len(progress) != len(jobs) || progress[len(progress)-1] != 1 {
			t.Errorf("Fortschritt: erwartet %d Meldungen bis 1, bekommen %v", len(jobs), progress)
		}

		// Waits haengt davon ab, wie schnell der Stream die Puffer freigibt
		stats := l.Stats()
		if diff := cmp.Diff(loader.Stats{Staged: 6, Bytes: 1000 + 4*64 + 300}, stats, cmpopts.IgnoreFields(loader.Stats{}, "Waits")); diff != "" {
			t.Errorf("Stats (-want +got):\n%s", diff)
		}
		if stats.Waits < 0 || stats.Waits > stats.Staged {
			t.Errorf("Waits: erwartet 0..%d, bekommen %d", stats.Staged, stats.Waits)
		}

		got := make([]byte, table.Size())
		require.NoError(t, gpu.MemcpyDtoH(cur, got, buf.Slice()))
		for _, e := range table.Entries() {
			if diff := cmp.Diff(e.Src, got[e.Range.Start:e.Range.End]); diff != "" {
				t.Errorf("%s (-want +got):\n%s", e.Name, diff)
			}
		}
	})

	if got := testutil.ToFloat64(metrics.LoadedBytes.WithLabelValues("staged")) - staged; got != 1000+4*64+300 {
		t.Errorf("loaded_bytes_total{path=staged}: erwartet %d, bekommen %v", 1000+4*64+300, got)
	}
}

func TestLoadDrainedNeverWaits(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 6))
	srcs := [][]byte{randomBytes(r, 64), randomBytes(r, 64), randomBytes(r, 64), randomBytes(r, 64)}

	apply(t, newContext(t), func(cur *gpu.CurrentContext) {
		l, err := loader.New(cur, nil, 64, 1)
		require.NoError(t, err)

		buf, err := gpu.Malloc[byte](cur, 64*len(srcs))
		require.NoError(t, err)
		defer buf.Free()

		s, err := cur.Stream()
		require.NoError(t, err)
		defer s.Destroy()

		// nach jedem Synchronize ist der einzige Puffer wieder frei
		for i, src := range srcs {
			off := uint64(64 * i)
			require.NoError(t, l.Load(buf.Slice().Sub(off, off+64), src, s))
			require.NoError(t, s.Synchronize())
		}
		require.NoError(t, l.Close())

		if diff := cmp.Diff(loader.Stats{Staged: 4, Bytes: 4 * 64}, l.Stats()); diff != "" {
			t.Errorf("Stats (-want +got):\n%s", diff)
		}
	})
}

func TestDirectUpload(t *testing.T) {
	src := randomBytes(rand.New(rand.NewPCG(1, 1)), 128)

	apply(t, newContext(t), func(cur *gpu.CurrentContext) {
		// nur ein kleiner Puffer: 128 Bytes passen nicht hinein
		l, err := loader.New(cur, []uint64{64}, 0, 0)
		require.NoError(t, err)
		defer l.Close()

		buf, err := gpu.Malloc[byte](cur, len(src))
		require.NoError(t, err)
		defer buf.Free()

		s, err := cur.Stream()
		require.NoError(t, err)
		defer s.Destroy()

		require.NoError(t, l.Load(buf.Slice(), src, s))
		if diff := cmp.Diff(loader.Stats{Direct: 1, Bytes: 128}, l.Stats()); diff != "" {
			t.Errorf("Stats (-want +got):\n%s", diff)
		}

		// direkte Uploads sind synchron
		got := make([]byte, len(src))
		require.NoError(t, gpu.MemcpyDtoH(cur, got, buf.Slice()))
		if diff := cmp.Diff(src, got); diff != "" {
			t.Errorf("Inhalt (-want +got):\n%s", diff)
		}
	})
}

func TestLoadErrors(t *testing.T) {
	apply(t, newContext(t), func(cur *gpu.CurrentContext) {
		l, err := loader.New(cur, []uint64{64}, 0, 0)
		require.NoError(t, err)
		defer l.Close()

		buf, err := gpu.Malloc[byte](cur, 64)
		require.NoError(t, err)
		defer buf.Free()

		s, err := cur.Stream()
		require.NoError(t, err)
		defer s.Destroy()

		err = l.Load(buf.Slice(), make([]byte, 32), s)
		require.ErrorIs(t, err, gpu.ErrInvalidValue)

		// leere Jobs sind erlaubt und zaehlen nicht
		require.NoError(t, l.Load(gpu.DevSlice{}, nil, s))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err = l.LoadAll(ctx, []loader.Job{{Name: "x", Dst: buf.Slice(), Src: make([]byte, 64)}}, s, nil)
		require.ErrorIs(t, err, context.Canceled)

		if diff := cmp.Diff(loader.Stats{}, l.Stats()); diff != "" {
			t.Errorf("Stats (-want +got):\n%s", diff)
		}
	})
}

func TestStagingBufferReuse(t *testing.T) {
	r := rand.New(rand.NewPCG(3, 4))
	a, b := randomBytes(r, 64), randomBytes(r, 64)
	waits := testutil.ToFloat64(metrics.StagingWaits)

	apply(t, newContext(t), func(cur *gpu.CurrentContext) {
		k, err := jit.Load(cur, `extern "C" __global__ void gate() {}`, "gate.cu", jit.Options{})
		require.NoError(t, err)
		defer k.Unload()
		gate, err := k.Get("gate")
		require.NoError(t, err)

		l, err := loader.New(cur, nil, 64, 1)
		require.NoError(t, err)

		buf, err := gpu.Malloc[byte](cur, 128)
		require.NoError(t, err)
		defer buf.Free()

		s, err := cur.Stream()
		require.NoError(t, err)
		defer s.Destroy()

		release := closeGate()
		require.NoError(t, gate.Launch(s, gpu.LaunchConfig{Grid: gpu.D1(1), Block: gpu.D1(1)}, gpu.NewKernelParams()))

		require.NoError(t, l.Load(buf.Slice().Sub(0, 64), a, s))

		// der einzige Puffer ist belegt, bis der Stream weiterlaeuft
		go func() {
			time.Sleep(50 * time.Millisecond)
			release()
		}()
		require.NoError(t, l.Load(buf.Slice().Sub(64, 128), b, s))
		require.NoError(t, s.Synchronize())
		require.NoError(t, l.Close())

		if diff := cmp.Diff(loader.Stats{Staged: 2, Waits: 1, Bytes: 128}, l.Stats()); diff != "" {
			t.Errorf("Stats (-want +got):\n%s", diff)
		}

		got := make([]byte, 128)
		require.NoError(t, gpu.MemcpyDtoH(cur, got, buf.Slice()))
		if diff := cmp.Diff(append(a, b...), got); diff != "" {
			t.Errorf("Inhalt (-want +got):\n%s", diff)
		}
	})

	if got := testutil.ToFloat64(metrics.StagingWaits) - waits; got != 1 {
		t.Errorf("staging_waits_total: erwartet 1, bekommen %v", got)
	}
}
