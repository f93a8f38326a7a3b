// graph.go - Native Graphen des Software-Geraets
//
// Beim Instanziieren werden Kopier-Deskriptoren und Kernel-Argumente
// kopiert; ein Start reiht den ganzen Graphen als eine Operation ein.
package sim

import (
	"github.com/Ceng23333/cuda-driver/gpu"
	"github.com/Ceng23333/cuda-driver/logutil"
)

type execNode struct {
	kind   gpu.NodeKind
	memcpy gpu.Memcpy3D

	fn          *function
	grid, block gpu.Dim3
	shared      uint32
	args        [][]byte
}

type graphExec struct {
	ctx   gpu.CtxHandle
	nodes []execNode
}

func (d *Driver) GraphInstantiate(ctx gpu.CtxHandle, nodes []gpu.NodeDesc) (gpu.GraphExecHandle, error) {
	d.mu.Lock()
	_, err := d.device(ctx)
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}

	exec := &graphExec{ctx: ctx, nodes: make([]execNode, len(nodes))}
	for i, n := range nodes {
		for _, dep := range n.Deps {
			if dep < 0 || dep >= i {
				return 0, gpu.CodeInvalidValue
			}
		}

		en := execNode{kind: n.Kind}
		switch n.Kind {
		case gpu.NodeEmpty:
		case gpu.NodeMemcpy:
			if n.Memcpy.SrcMemoryType == gpu.MemoryTypeArray || n.Memcpy.DstMemoryType == gpu.MemoryTypeArray {
				return 0, gpu.CodeNotSupported
			}
			en.memcpy = *n.Memcpy
		case gpu.NodeKernel:
			k := n.Kernel
			fn, args, err := d.prepare(k.Func, ctx, k.Grid, k.Block, k.Shared, k.Params)
			if err != nil {
				return 0, err
			}
			en.fn, en.grid, en.block, en.shared, en.args = fn, k.Grid, k.Block, k.Shared, args
		default:
			return 0, gpu.CodeNotSupported
		}
		exec.nodes[i] = en
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.GraphExecHandle(d.handle())
	d.execs[h] = exec
	return h, nil
}

// GraphLaunch fuehrt die Knoten in der instanziierten Reihenfolge aus
func (d *Driver) GraphLaunch(h gpu.GraphExecHandle, sh gpu.StreamHandle) error {
	d.mu.Lock()
	exec, ok := d.execs[h]
	d.mu.Unlock()
	if !ok {
		return gpu.CodeInvalidHandle
	}

	s, err := d.stream(sh)
	if err != nil {
		return err
	}
	if s.ctx != exec.ctx {
		return gpu.CodeInvalidContext
	}

	return s.enqueue(op{run: func() error {
		logutil.Trace("sim graph launch", "exec", h, "nodes", len(exec.nodes))
		for i := range exec.nodes {
			n := &exec.nodes[i]
			switch n.kind {
			case gpu.NodeMemcpy:
				if err := d.memcpy3D(&n.memcpy); err != nil {
					return err
				}
			case gpu.NodeKernel:
				if err := d.run(n.fn, n.grid, n.block, n.shared, n.args); err != nil {
					return err
				}
			}
		}
		return nil
	}})
}

func (d *Driver) GraphExecDestroy(h gpu.GraphExecHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.execs[h]; !ok {
		return gpu.CodeInvalidHandle
	}
	delete(d.execs, h)
	return nil
}
