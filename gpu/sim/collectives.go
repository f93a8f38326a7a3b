// collectives.go - Kollektive Operationen ueber simulierte Devices
//
// Jeder Rang zaehlt seine Operationen. Die n-te Operation aller Raenge bildet
// eine Runde: wer zuletzt ankommt, berechnet das Ergebnis fuer alle.
package sim

import (
	"bytes"
	"slices"
	"sync"
	"unsafe"

	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/ml"
)

type commGroup struct {
	size int

	mu     sync.Mutex
	rounds map[uint64]*round
}

type round struct {
	inputs  [][]byte
	arrived int
	done    chan struct{}
	out     []byte
	err     error
}

// join liefert in fuer die Runde seq ab und wartet auf das Ergebnis
func (g *commGroup) join(seq uint64, rank int, in []byte, combine func([][]byte) ([]byte, error)) ([]byte, error) {
	g.mu.Lock()
	r, ok := g.rounds[seq]
	if !ok {
		r = &round{inputs: make([][]byte, g.size), done: make(chan struct{})}
		g.rounds[seq] = r
	}
	r.inputs[rank] = in
	r.arrived++
	if r.arrived == g.size {
		r.out, r.err = combine(r.inputs)
		delete(g.rounds, seq)
		close(r.done)
	}
	g.mu.Unlock()

	<-r.done
	return r.out, r.err
}

type commRank struct {
	group *commGroup
	rank  int
	ctx   gpu.CtxHandle
	seq   uint64
}

func (d *Driver) CommInitAll(ordinals []int) ([]gpu.CommHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	g := &commGroup{size: len(ordinals), rounds: make(map[uint64]*round)}
	handles := make([]gpu.CommHandle, len(ordinals))
	for i, ordinal := range ordinals {
		if ordinal < 0 || ordinal >= d.opts.Devices {
			return nil, gpu.CodeInvalidDevice
		}
		h := gpu.CommHandle(d.handle())
		d.comms[h] = &commRank{group: g, rank: i, ctx: gpu.CtxHandle(ordinal + 1)}
		handles[i] = h
	}
	return handles, nil
}

func (d *Driver) CommDestroy(h gpu.CommHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.comms[h]; !ok {
		return gpu.CodeInvalidHandle
	}
	delete(d.comms, h)
	return nil
}

// collective reiht eine Runde auf dem Stream des Rangs ein
func (d *Driver) collective(h gpu.CommHandle, send, recv gpu.DevicePtr, n uint64, sh gpu.StreamHandle, combine func([][]byte) ([]byte, error)) error {
	s, err := d.stream(sh)
	if err != nil {
		return err
	}

	d.mu.Lock()
	c, ok := d.comms[h]
	if !ok {
		d.mu.Unlock()
		return gpu.CodeInvalidHandle
	}
	if c.ctx != s.ctx {
		d.mu.Unlock()
		return gpu.CodeInvalidContext
	}
	seq := c.seq
	c.seq++
	d.mu.Unlock()

	return s.enqueue(op{run: func() error {
		in := make([]byte, n)
		if err := d.read(send, in); err != nil {
			return err
		}
		out, err := c.group.join(seq, c.rank, in, combine)
		if err != nil {
			return err
		}
		return d.write(recv, out)
	}})
}

func (d *Driver) AllReduce(h gpu.CommHandle, send, recv gpu.DevicePtr, count uint64, dt ml.DType, op gpu.ReduceOp, s gpu.StreamHandle) error {
	if _, err := reduce(dt, op, nil); err != nil {
		return err
	}
	return d.collective(h, send, recv, count*dt.Size(), s, func(inputs [][]byte) ([]byte, error) {
		return reduce(dt, op, inputs)
	})
}

func (d *Driver) Broadcast(h gpu.CommHandle, send, recv gpu.DevicePtr, count uint64, dt ml.DType, root int, s gpu.StreamHandle) error {
	return d.collective(h, send, recv, count*dt.Size(), s, func(inputs [][]byte) ([]byte, error) {
		if root < 0 || root >= len(inputs) {
			return nil, gpu.CodeInvalidValue
		}
		return bytes.Clone(inputs[root]), nil
	})
}

type number interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func combine[T number](op gpu.ReduceOp, a, b T) T {
	switch op {
	case gpu.ReduceProd:
		return a * b
	case gpu.ReduceMin:
		return min(a, b)
	case gpu.ReduceMax:
		return max(a, b)
	default:
		return a + b
	}
}

func elems[T number](b []byte) []T {
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(b))), len(b)/int(unsafe.Sizeof(zero)))
}

func reduceAs[T number](op gpu.ReduceOp, inputs [][]byte) []byte {
	out := slices.Clone(inputs[0])
	acc := elems[T](out)
	for _, in := range inputs[1:] {
		for i, v := range elems[T](in) {
			acc[i] = combine(op, acc[i], v)
		}
	}
	return out
}

// reduce kombiniert die Eingaben aller Raenge elementweise. Ohne Eingaben
// prueft es nur, ob dt und op unterstuetzt sind.
func reduce(dt ml.DType, op gpu.ReduceOp, inputs [][]byte) ([]byte, error) {
	if op < gpu.ReduceSum || op > gpu.ReduceMax {
		return nil, gpu.CodeInvalidValue
	}

	var fn func(gpu.ReduceOp, [][]byte) []byte
	switch dt {
	case ml.DTypeI32:
		fn = reduceAs[int32]
	case ml.DTypeI64:
		fn = reduceAs[int64]
	case ml.DTypeU32:
		fn = reduceAs[uint32]
	case ml.DTypeU64:
		fn = reduceAs[uint64]
	case ml.DTypeF32:
		fn = reduceAs[float32]
	case ml.DTypeF64:
		fn = reduceAs[float64]
	case ml.DTypeF16, ml.DTypeBF16:
		fn = func(op gpu.ReduceOp, inputs [][]byte) []byte {
			wide := make([][]byte, len(inputs))
			for i, in := range inputs {
				fs, _ := ml.Float32s(dt, in)
				wide[i] = make([]byte, len(fs)*4)
				ml.PutFloat32s(ml.DTypeF32, wide[i], fs)
			}
			fs, _ := ml.Float32s(ml.DTypeF32, reduceAs[float32](op, wide))
			out := make([]byte, len(inputs[0]))
			ml.PutFloat32s(dt, out, fs)
			return out
		}
	default:
		return nil, gpu.CodeNotSupported
	}

	if len(inputs) == 0 {
		return nil, nil
	}
	return fn(op, inputs), nil
}
