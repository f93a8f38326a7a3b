// MODUL: graph_test
// ZWECK: Tests fuer Graph-Aufbau, Stream-Capture, Instanziierung und Start
// INPUT: Keine
// OUTPUT: Test-Ergebnisse
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: gpu/sim, jit, go-cmp, testify, prometheus/testutil
// HINWEISE: Deckt die Szenarien Capture-D2D, expliziter D2D-Graph und VM-Remap ab

package gpu_test

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/gpu/sim"
	"github.com/Ceng23333/cuda-driver/metrics"
)

// =============================================================================
// Aufbau
// =============================================================================

func TestGraphDependencies(t *testing.T) {
	g := gpu.NewGraph()

	a, err := g.AddEmpty()
	require.NoError(t, err)
	b, err := g.AddEmpty(a)
	require.NoError(t, err)
	c, err := g.AddEmpty()
	require.NoError(t, err)

	deps, err := g.Dependencies(b)
	require.NoError(t, err)
	if diff := cmp.Diff([]gpu.NodeID{a}, deps, cmp.Comparer(func(x, y gpu.NodeID) bool { return x == y })); diff != "" {
		t.Errorf("Dependencies (-want +got):\n%s", diff)
	}

	// c -> a: c muss vor a laufen
	require.NoError(t, g.AddDependency(c, a))

	var order []int
	for _, id := range g.TopoOrder() {
		order = append(order, id.Index())
	}
	if diff := cmp.Diff([]int{2, 0, 1}, order); diff != "" {
		t.Errorf("TopoOrder (-want +got):\n%s", diff)
	}
}

func TestGraphRejectsCycles(t *testing.T) {
	g := gpu.NewGraph()

	a, _ := g.AddEmpty()
	b, _ := g.AddEmpty(a)
	c, _ := g.AddEmpty(b)

	for _, tt := range []struct {
		name     string
		from, to gpu.NodeID
	}{
		{"self", a, a},
		{"direct", b, a},
		{"transitive", c, a},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.AddDependency(tt.from, tt.to); !errors.Is(err, gpu.ErrCycle) {
				t.Errorf("erwartet ErrCycle, bekommen %v", err)
			}
		})
	}

	if g.Len() != 3 {
		t.Errorf("Len: erwartet 3, bekommen %d", g.Len())
	}
}

func TestGraphForeignNode(t *testing.T) {
	g1, g2 := gpu.NewGraph(), gpu.NewGraph()
	a, _ := g1.AddEmpty()

	if _, err := g2.AddEmpty(a); !errors.Is(err, gpu.ErrForeignNode) {
		t.Errorf("erwartet ErrForeignNode, bekommen %v", err)
	}
	if _, err := g2.Node(a); !errors.Is(err, gpu.ErrForeignNode) {
		t.Errorf("erwartet ErrForeignNode, bekommen %v", err)
	}
}

func TestGraphDestroyed(t *testing.T) {
	g := gpu.NewGraph()
	g.Destroy()

	if g.State() != gpu.GraphDestroyed {
		t.Errorf("State: erwartet destroyed, bekommen %v", g.State())
	}
	if _, err := g.AddEmpty(); !errors.Is(err, gpu.ErrGraphDestroyed) {
		t.Errorf("erwartet ErrGraphDestroyed, bekommen %v", err)
	}
}

func TestAddMemcpyNodeCopiesParams(t *testing.T) {
	g1, g2 := gpu.NewGraph(), gpu.NewGraph()

	src := gpu.DevSlice{Ptr: 0x1000, Len: 512}
	dst := gpu.DevSlice{Ptr: 0x2000, Len: 512}
	n, err := g1.AddMemcpyD2D(dst, src)
	require.NoError(t, err)

	m, err := g2.AddMemcpyNode(g1, n)
	require.NoError(t, err)

	want, _ := g1.MemcpyParams(n)
	got, err := g2.MemcpyParams(m)
	require.NoError(t, err)
	if want != got {
		t.Errorf("MemcpyParams: erwartet %+v, bekommen %+v", want, got)
	}

	e, _ := g1.AddEmpty()
	if _, err := g1.MemcpyParams(e); !errors.Is(err, gpu.ErrInvalidValue) {
		t.Errorf("Empty-Knoten: erwartet ErrInvalidValue, bekommen %v", err)
	}
}

// =============================================================================
// Stream-Capture
// =============================================================================

func TestStreamCaptureD2D(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		dst := mallocBytes(t, cur, 1024)
		src := mallocBytes(t, cur, 1024)
		s := newStream(t, cur)

		capture, err := s.BeginCapture()
		require.NoError(t, err)
		require.NoError(t, s.MemcpyDtoD(dst.Slice(), src.Slice()))
		g, err := capture.End()
		require.NoError(t, err)

		nodes := g.Nodes()
		if len(nodes) != 1 {
			t.Fatalf("erwartet 1 Knoten, bekommen %d", len(nodes))
		}
		n, err := g.Node(nodes[0])
		require.NoError(t, err)
		if n.Kind != gpu.NodeMemcpy {
			t.Fatalf("erwartet memcpy, bekommen %v", n.Kind)
		}
		if n.Memcpy.WidthInBytes != 1024 {
			t.Errorf("WidthInBytes: erwartet 1024, bekommen %d", n.Memcpy.WidthInBytes)
		}
		if s.Capturing() {
			t.Error("nach End darf der Stream nicht mehr aufzeichnen")
		}
	})
}

func TestCaptureRestrictions(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		buf := mallocBytes(t, cur, 64)
		s := newStream(t, cur)

		capture, err := s.BeginCapture()
		require.NoError(t, err)

		if _, err := s.BeginCapture(); !errors.Is(err, gpu.ErrCapturing) {
			t.Errorf("BeginCapture: erwartet ErrCapturing, bekommen %v", err)
		}
		if err := s.Synchronize(); !errors.Is(err, gpu.ErrCapturing) {
			t.Errorf("Synchronize: erwartet ErrCapturing, bekommen %v", err)
		}
		if err := s.Memset(buf.Slice(), 0); !errors.Is(err, gpu.ErrCapturing) {
			t.Errorf("Memset: erwartet ErrCapturing, bekommen %v", err)
		}

		g, err := capture.End()
		require.NoError(t, err)
		if g.Len() != 0 {
			t.Errorf("erwartet leeren Graphen, bekommen %d Knoten", g.Len())
		}
		if _, err := capture.End(); err == nil {
			t.Error("zweites End: erwartet Fehler")
		}
	})
}

// =============================================================================
// Instanziierung und Start
// =============================================================================

func TestExplicitGraphD2D(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		src := mallocBytes(t, cur, 2048)
		dst := mallocBytes(t, cur, 2048)
		data := randomBytes(2048, 42)
		require.NoError(t, gpu.MemcpyHtoD(cur, src.Slice(), data))

		g := gpu.NewGraph()
		_, err := g.AddMemcpyD2D(dst.Slice(), src.Slice())
		require.NoError(t, err)

		exec, err := cur.Instantiate(g)
		require.NoError(t, err)
		defer exec.Destroy()

		if g.State() != gpu.GraphInstantiated {
			t.Errorf("State: erwartet instantiated, bekommen %v", g.State())
		}
		if !exec.Native() {
			t.Error("ohne Kollektive: erwartet nativen Graphen")
		}

		before := testutil.ToFloat64(metrics.GraphLaunches.WithLabelValues("native"))
		s := newStream(t, cur)
		require.NoError(t, s.LaunchGraph(exec))
		require.NoError(t, s.Synchronize())
		if got := testutil.ToFloat64(metrics.GraphLaunches.WithLabelValues("native")); got != before+1 {
			t.Errorf("GraphLaunches: erwartet %v, bekommen %v", before+1, got)
		}

		got := make([]byte, 2048)
		require.NoError(t, gpu.MemcpyDtoH(cur, got, dst.Slice()))
		if !slices.Equal(got, data) {
			t.Error("Ziel stimmt nicht mit der Quelle ueberein")
		}
	})
}

func TestGraphHostCopies(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		buf := mallocBytes(t, cur, 256)
		in := randomBytes(256, 5)
		out := make([]byte, 256)

		g := gpu.NewGraph()
		up, err := g.AddMemcpyH2D(buf.Slice(), in)
		require.NoError(t, err)
		_, err = g.AddMemcpyD2H(out, buf.Slice(), up)
		require.NoError(t, err)

		exec, err := cur.Instantiate(g)
		require.NoError(t, err)

		// der Graph darf nach der Instanziierung freigegeben werden
		g.Destroy()

		s := newStream(t, cur)
		require.NoError(t, exec.Launch(s))
		require.NoError(t, s.Synchronize())
		if !slices.Equal(in, out) {
			t.Error("Host-Rundreise ueber den Graphen stimmt nicht")
		}
	})
}

func TestVirMemRemapMidGraph(t *testing.T) {
	_, ctx := newContext(t)

	prop, err := ctx.MemProp()
	require.NoError(t, err)
	size := prop.GranularityMinimum()

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		vir, err := prop.NewVirMem(size)
		require.NoError(t, err)
		first, err := prop.Create(size)
		require.NoError(t, err)
		second, err := prop.Create(size)
		require.NoError(t, err)

		seq := randomBytes(int(size), 9)
		rev := slices.Clone(seq)
		slices.Reverse(rev)

		src, err := vir.Map(0, first)
		require.NoError(t, err)
		require.NoError(t, gpu.MemcpyHtoD(cur, src, seq))

		dst := mallocBytes(t, cur, int(size))
		g := gpu.NewGraph()
		_, err = g.AddMemcpyD2D(dst.Slice(), src)
		require.NoError(t, err)
		exec, err := cur.Instantiate(g)
		require.NoError(t, err)

		s := newStream(t, cur)
		got := make([]byte, size)

		require.NoError(t, exec.Launch(s))
		require.NoError(t, s.Synchronize())
		require.NoError(t, gpu.MemcpyDtoH(cur, got, dst.Slice()))
		if !slices.Equal(got, seq) {
			t.Fatal("erster Start: Ziel stimmt nicht")
		}

		// dieselbe Adresse auf einen anderen Block mit umgekehrter Folge
		_, err = vir.Unmap(0)
		require.NoError(t, err)
		remapped, err := vir.Map(0, second)
		require.NoError(t, err)
		if remapped != src {
			t.Fatalf("Remap: erwartet %v, bekommen %v", src, remapped)
		}
		require.NoError(t, gpu.MemcpyHtoD(cur, remapped, rev))

		require.NoError(t, exec.Launch(s))
		require.NoError(t, s.Synchronize())
		require.NoError(t, gpu.MemcpyDtoH(cur, got, dst.Slice()))
		if !slices.Equal(got, rev) {
			t.Error("nach Remap: erwartet umgekehrte Folge")
		}
	})
}

func TestInstantiateUnmapped(t *testing.T) {
	_, ctx := newContext(t)

	prop, err := ctx.MemProp()
	require.NoError(t, err)
	size := prop.GranularityMinimum()

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		vir, err := prop.NewVirMem(size)
		require.NoError(t, err)
		dst := mallocBytes(t, cur, int(size))

		// aufgezeichnet wird die Adresse, nicht das Mapping
		g := gpu.NewGraph()
		_, err = g.AddMemcpyD2D(dst.Slice(), gpu.DevSlice{Ptr: vir.Base(), Len: size})
		require.NoError(t, err)

		if _, err := cur.Instantiate(g); !errors.Is(err, gpu.ErrNotMapped) {
			t.Errorf("erwartet ErrNotMapped, bekommen %v", err)
		}
		if g.State() != gpu.GraphOpen {
			t.Errorf("State: erwartet open, bekommen %v", g.State())
		}
	})
}

func TestInstantiateHole(t *testing.T) {
	_, ctx := newContext(t)

	prop, err := ctx.MemProp()
	require.NoError(t, err)
	gran := prop.GranularityMinimum()

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		vir, err := prop.NewVirMem(3 * gran)
		require.NoError(t, err)
		for _, off := range []uint64{0, 2 * gran} {
			blk, err := prop.Create(gran)
			require.NoError(t, err)
			_, err = vir.Map(off, blk)
			require.NoError(t, err)
		}
		dst := mallocBytes(t, cur, int(3*gran))

		// erstes und letztes Byte gemappt, die Mitte nicht
		g := gpu.NewGraph()
		_, err = g.AddMemcpyD2D(dst.Slice(), gpu.DevSlice{Ptr: vir.Base(), Len: 3 * gran})
		require.NoError(t, err)

		if _, err := cur.Instantiate(g); !errors.Is(err, gpu.ErrNotMapped) {
			t.Errorf("Luecke: erwartet ErrNotMapped, bekommen %v", err)
		}

		// nach dem Schliessen der Luecke geht es
		mid, err := prop.Create(gran)
		require.NoError(t, err)
		_, err = vir.Map(gran, mid)
		require.NoError(t, err)
		exec, err := cur.Instantiate(g)
		require.NoError(t, err)
		require.NoError(t, exec.Destroy())
	})
}

func TestZeroByteCopy(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		g := gpu.NewGraph()
		_, err := g.AddMemcpyD2D(gpu.DevSlice{}, gpu.DevSlice{})
		require.NoError(t, err)

		exec, err := cur.Instantiate(g)
		require.NoError(t, err)
		s := newStream(t, cur)
		require.NoError(t, exec.Launch(s))
		require.NoError(t, s.Synchronize())
	})
}

func TestInstantiationIsFixed(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		g := gpu.NewGraph()
		a, _ := g.AddEmpty()

		first, err := cur.Instantiate(g)
		require.NoError(t, err)

		_, err = g.AddEmpty(a)
		require.NoError(t, err)
		second, err := cur.Instantiate(g)
		require.NoError(t, err)

		if first.NumNodes() != 1 || second.NumNodes() != 2 {
			t.Errorf("NumNodes: erwartet 1 und 2, bekommen %d und %d", first.NumNodes(), second.NumNodes())
		}
		if first.ID() == second.ID() {
			t.Error("Instanziierungen muessen unabhaengig sein")
		}

		require.NoError(t, first.Destroy())
		s := newStream(t, cur)
		if err := first.Launch(s); !errors.Is(err, gpu.ErrGraphDestroyed) {
			t.Errorf("erwartet ErrGraphDestroyed, bekommen %v", err)
		}
		require.NoError(t, second.Launch(s))
		require.NoError(t, s.Synchronize())
	})
}

func TestLaunchOnCapturingStream(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		g := gpu.NewGraph()
		g.AddEmpty()
		exec, err := cur.Instantiate(g)
		require.NoError(t, err)

		s := newStream(t, cur)
		capture, err := s.BeginCapture()
		require.NoError(t, err)
		if err := exec.Launch(s); !errors.Is(err, gpu.ErrCapturing) {
			t.Errorf("erwartet ErrCapturing, bekommen %v", err)
		}
		_, err = capture.End()
		require.NoError(t, err)
	})
}

func TestLaunchOtherContext(t *testing.T) {
	_, ctxs := newDevices(t, 2, sim.Options{})

	var exec *gpu.Exec
	apply(t, ctxs[0], func(cur *gpu.CurrentContext) {
		g := gpu.NewGraph()
		g.AddEmpty()
		var err error
		exec, err = cur.Instantiate(g)
		require.NoError(t, err)
	})

	apply(t, ctxs[1], func(cur *gpu.CurrentContext) {
		s := newStream(t, cur)
		if err := exec.Launch(s); !errors.Is(err, gpu.ErrContextMismatch) {
			t.Errorf("erwartet ErrContextMismatch, bekommen %v", err)
		}
	})
}

// =============================================================================
// Kernels im Graphen
// =============================================================================

type pipeline struct {
	x, y, out *gpu.DevBuf[float32]
	input     []byte
}

const pipelineLen = 64

func newPipeline(t *testing.T, cur *gpu.CurrentContext, seed uint64) *pipeline {
	t.Helper()
	p := &pipeline{}
	for _, b := range []**gpu.DevBuf[float32]{&p.x, &p.y, &p.out} {
		buf, err := gpu.Malloc[float32](cur, pipelineLen)
		require.NoError(t, err)
		*b = buf
	}

	fs := make([]float32, pipelineLen)
	for i, v := range randomBytes(pipelineLen, seed) {
		fs[i] = float32(v) / 16
	}
	p.input = f32Bytes(t, fs...)
	return p
}

func (p *pipeline) scaleParams() *gpu.KernelParams {
	return gpu.NewKernelParams().Ptr(p.y.Ptr()).Ptr(p.x.Ptr()).F32(2).U32(pipelineLen)
}

func (p *pipeline) addParams() *gpu.KernelParams {
	return gpu.NewKernelParams().Ptr(p.y.Ptr()).Ptr(p.x.Ptr()).Ptr(p.y.Ptr()).U32(pipelineLen)
}

func (p *pipeline) result(t *testing.T, cur *gpu.CurrentContext) []float32 {
	t.Helper()
	got := make([]float32, pipelineLen)
	require.NoError(t, gpu.MemcpyDtoH(cur, got, p.out.Slice()))
	return got
}

var cfg = gpu.LaunchConfig{Grid: gpu.D1(2), Block: gpu.D1(32)}

// TestCaptureMatchesExplicit: dieselbe Folge aus Kopien und Kernels, einmal
// aufgezeichnet und einmal explizit gebaut, ergibt dieselbe Struktur und
// dieselben Daten
func TestCaptureMatchesExplicit(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		k := loadKernels(t, cur)
		scale, err := k.Get("scale_f32")
		require.NoError(t, err)
		add, err := k.Get("add_f32")
		require.NoError(t, err)

		s := newStream(t, cur)

		// aufgezeichnet
		pc := newPipeline(t, cur, 1)
		capture, err := s.BeginCapture()
		require.NoError(t, err)
		require.NoError(t, s.MemcpyHtoD(pc.x.Slice(), pc.input))
		require.NoError(t, scale.Launch(s, cfg, pc.scaleParams()))
		require.NoError(t, add.Launch(s, cfg, pc.addParams()))
		require.NoError(t, s.MemcpyDtoD(pc.out.Slice(), pc.y.Slice()))
		captured, err := capture.End()
		require.NoError(t, err)

		// explizit
		pe := newPipeline(t, cur, 1)
		explicit := gpu.NewGraph()
		n0, err := explicit.AddMemcpyH2D(pe.x.Slice(), pe.input)
		require.NoError(t, err)
		n1, err := explicit.AddKernel(scale, cfg, pe.scaleParams(), n0)
		require.NoError(t, err)
		n2, err := explicit.AddKernel(add, cfg, pe.addParams(), n1)
		require.NoError(t, err)
		_, err = explicit.AddMemcpyD2D(pe.out.Slice(), pe.y.Slice(), n2)
		require.NoError(t, err)

		shape := func(g *gpu.Graph) [][]int {
			var out [][]int
			for _, id := range g.Nodes() {
				n, err := g.Node(id)
				require.NoError(t, err)
				row := []int{int(n.Kind)}
				for _, d := range n.Deps {
					row = append(row, d.Index())
				}
				out = append(out, row)
			}
			return out
		}
		if diff := cmp.Diff(shape(explicit), shape(captured)); diff != "" {
			t.Errorf("Struktur (-explicit +captured):\n%s", diff)
		}

		for _, g := range []*gpu.Graph{captured, explicit} {
			exec, err := cur.Instantiate(g)
			require.NoError(t, err)
			require.NoError(t, exec.Launch(s))
		}
		require.NoError(t, s.Synchronize())

		want := bytesF32(t, pe.input)
		for i := range want {
			want[i] *= 3
		}
		if diff := cmp.Diff(want, pc.result(t, cur)); diff != "" {
			t.Errorf("aufgezeichnet (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff(pc.result(t, cur), pe.result(t, cur)); diff != "" {
			t.Errorf("explizit gegen aufgezeichnet (-captured +explicit):\n%s", diff)
		}
	})
}

func TestKernelArgsAreCopied(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		k := loadKernels(t, cur)
		fill, err := k.Get("fill_f32")
		require.NoError(t, err)

		out, err := gpu.Malloc[float32](cur, 8)
		require.NoError(t, err)

		params := gpu.NewKernelParams().Ptr(out.Ptr()).F32(1.5).U32(8)
		g := gpu.NewGraph()
		_, err = g.AddKernel(fill, cfg, params)
		require.NoError(t, err)

		// spaetere Argumente aendern den Knoten nicht
		params.F32(99)

		exec, err := cur.Instantiate(g)
		require.NoError(t, err)
		s := newStream(t, cur)
		require.NoError(t, exec.Launch(s))
		require.NoError(t, s.Synchronize())

		got := make([]float32, 8)
		require.NoError(t, gpu.MemcpyDtoH(cur, got, out.Slice()))
		if diff := cmp.Diff(slices.Repeat([]float32{1.5}, 8), got); diff != "" {
			t.Errorf("fill (-want +got):\n%s", diff)
		}
	})
}

func TestInstantiateUnloadedModule(t *testing.T) {
	_, ctx := newContext(t)

	apply(t, ctx, func(cur *gpu.CurrentContext) {
		k := loadKernels(t, cur)
		fill, err := k.Get("fill_f32")
		require.NoError(t, err)

		g := gpu.NewGraph()
		_, err = g.AddKernel(fill, cfg, gpu.NewKernelParams().Ptr(0).F32(0).U32(0))
		require.NoError(t, err)
		require.NoError(t, k.Unload())

		_, err = cur.Instantiate(g)
		var de *gpu.DriverError
		if !errors.As(err, &de) || de.Code != gpu.CodeInvalidHandle {
			t.Errorf("erwartet invalid handle, bekommen %v", err)
		}
	})
}
