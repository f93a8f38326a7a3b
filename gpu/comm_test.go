// MODUL: comm_test
// ZWECK: Tests fuer Kollektive Operationen ueber mehrere simulierte Devices
// INPUT: Keine
// OUTPUT: Test-Ergebnisse
// NEBENEFFEKTE: Keine
// ABHAENGIGKEITEN: gpu/sim, go-cmp, testify
// HINWEISE: Graphen mit Kollektiven laufen ueber das Nachspielen der Knoten

package gpu_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/gpu/sim"
	"github.com/Ceng23333/cuda-driver/metrics"
	"github.com/Ceng23333/cuda-driver/ml"
)

// rank sind die Puffer und der Stream eines Rangs
type rank struct {
	ctx        *gpu.Context
	stream     *gpu.Stream
	send, recv *gpu.DevBuf[float32]
}

func newRanks(t *testing.T, n int, values func(r int) []float32) ([]*rank, []*gpu.Comm) {
	t.Helper()
	_, ctxs := newDevices(t, n, sim.Options{})

	ranks := make([]*rank, n)
	for i, ctx := range ctxs {
		r := &rank{ctx: ctx}
		apply(t, ctx, func(cur *gpu.CurrentContext) {
			vs := values(i)
			var err error
			r.send, err = gpu.Malloc[float32](cur, len(vs))
			require.NoError(t, err)
			r.recv, err = gpu.Malloc[float32](cur, len(vs))
			require.NoError(t, err)
			require.NoError(t, gpu.MemcpyHtoD(cur, r.send.Slice(), vs))
			r.stream = newStream(t, cur)
		})
		ranks[i] = r
	}

	comms, err := gpu.NewComms(ctxs...)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, c := range comms {
			c.Destroy()
		}
	})
	return ranks, comms
}

func (r *rank) result(t *testing.T) []float32 {
	t.Helper()
	require.NoError(t, r.stream.Synchronize())

	var out []float32
	apply(t, r.ctx, func(cur *gpu.CurrentContext) {
		out = make([]float32, r.recv.Len())
		require.NoError(t, gpu.MemcpyDtoH(cur, out, r.recv.Slice()))
	})
	return out
}

func TestAllReduceSum(t *testing.T) {
	ranks, comms := newRanks(t, 2, func(r int) []float32 {
		return []float32{float32(r + 1), 10, -float32(r)}
	})

	// Raenge setzen nacheinander ab; die Streams treffen sich im Treiber
	for i, r := range ranks {
		require.NoError(t, comms[i].AllReduce(r.stream, r.recv.Slice(), r.send.Slice(), ml.DTypeF32, gpu.ReduceSum))
	}

	for i, r := range ranks {
		if diff := cmp.Diff([]float32{3, 20, -1}, r.result(t)); diff != "" {
			t.Errorf("Rang %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestAllReduceOps(t *testing.T) {
	cases := []struct {
		op   gpu.ReduceOp
		want []float32
	}{
		{gpu.ReduceSum, []float32{5, 7}},
		{gpu.ReduceProd, []float32{4, 10}},
		{gpu.ReduceMin, []float32{1, 2}},
		{gpu.ReduceMax, []float32{4, 5}},
	}

	for _, tt := range cases {
		t.Run(tt.op.String(), func(t *testing.T) {
			ranks, comms := newRanks(t, 2, func(r int) []float32 {
				if r == 0 {
					return []float32{1, 5}
				}
				return []float32{4, 2}
			})
			for i, r := range ranks {
				require.NoError(t, comms[i].AllReduce(r.stream, r.recv.Slice(), r.send.Slice(), ml.DTypeF32, tt.op))
			}
			for i, r := range ranks {
				if diff := cmp.Diff(tt.want, r.result(t)); diff != "" {
					t.Errorf("Rang %d (-want +got):\n%s", i, diff)
				}
			}
		})
	}
}

func TestBroadcast(t *testing.T) {
	ranks, comms := newRanks(t, 3, func(r int) []float32 {
		return []float32{float32(r), float32(r * 10)}
	})

	for i, r := range ranks {
		require.NoError(t, comms[i].Broadcast(r.stream, r.recv.Slice(), r.send.Slice(), ml.DTypeF32, 2))
	}
	for i, r := range ranks {
		if diff := cmp.Diff([]float32{2, 20}, r.result(t)); diff != "" {
			t.Errorf("Rang %d (-want +got):\n%s", i, diff)
		}
	}
}

func TestCollectiveValidation(t *testing.T) {
	ranks, comms := newRanks(t, 2, func(int) []float32 { return make([]float32, 4) })
	r := ranks[0]

	if err := comms[0].AllReduce(r.stream, r.recv.Elems(0, 2), r.send.Slice(), ml.DTypeF32, gpu.ReduceSum); !errors.Is(err, gpu.ErrInvalidValue) {
		t.Errorf("Laengen: erwartet ErrInvalidValue, bekommen %v", err)
	}
	if err := comms[0].Broadcast(r.stream, r.recv.Slice(), r.send.Slice(), ml.DTypeF32, 2); !errors.Is(err, gpu.ErrInvalidValue) {
		t.Errorf("Root: erwartet ErrInvalidValue, bekommen %v", err)
	}
	if err := comms[1].AllReduce(r.stream, r.recv.Slice(), r.send.Slice(), ml.DTypeF32, gpu.ReduceSum); !errors.Is(err, gpu.ErrContextMismatch) {
		t.Errorf("Stream eines anderen Rangs: erwartet ErrContextMismatch, bekommen %v", err)
	}
}

func TestCapturedCollective(t *testing.T) {
	ranks, comms := newRanks(t, 2, func(r int) []float32 {
		return []float32{float32(r + 1), float32(r + 2)}
	})

	execs := make([]*gpu.Exec, len(ranks))
	for i, r := range ranks {
		capture, err := r.stream.BeginCapture()
		require.NoError(t, err)
		require.NoError(t, comms[i].AllReduce(r.stream, r.recv.Slice(), r.send.Slice(), ml.DTypeF32, gpu.ReduceSum))
		g, err := capture.End()
		require.NoError(t, err)

		n, err := g.Node(g.Nodes()[0])
		require.NoError(t, err)
		if n.Kind != gpu.NodeCollective {
			t.Fatalf("erwartet collective, bekommen %v", n.Kind)
		}

		apply(t, r.ctx, func(cur *gpu.CurrentContext) {
			execs[i], err = cur.Instantiate(g)
			require.NoError(t, err)
		})
		if execs[i].Native() {
			t.Error("Graphen mit Kollektiven duerfen nicht nativ laufen")
		}
	}

	before := testutil.ToFloat64(metrics.GraphLaunches.WithLabelValues("replay"))
	for launch := range 2 {
		for i, r := range ranks {
			require.NoError(t, execs[i].Launch(r.stream))
		}
		for i, r := range ranks {
			if diff := cmp.Diff([]float32{3, 5}, r.result(t)); diff != "" {
				t.Errorf("Start %d, Rang %d (-want +got):\n%s", launch, i, diff)
			}
		}
	}
	if got := testutil.ToFloat64(metrics.GraphLaunches.WithLabelValues("replay")); got != before+4 {
		t.Errorf("GraphLaunches replay: erwartet %v, bekommen %v", before+4, got)
	}
}
