package cuda

import (
	"runtime"
	"unsafe"

	"github.com/pkg/errors"

	"github.com/Ceng23333/cuda-driver/gpu"
)

// cuGraph haelt einen CUgraph und die Handles seiner Knoten in Listenreihenfolge
type cuGraph struct {
	handle uintptr
	nodes  []uintptr
}

// buildGraph legt aus nodes einen CUgraph an. Kopien ohne Inhalt werden zu
// leeren Knoten, damit ihre Kanten erhalten bleiben.
func (d *Driver) buildGraph(ctx gpu.CtxHandle, nodes []gpu.NodeDesc) (*cuGraph, error) {
	g := &cuGraph{nodes: make([]uintptr, len(nodes))}
	if err := check("cuGraphCreate", d.api.cuGraphCreate(&g.handle, 0)); err != nil {
		return nil, err
	}

	for i, n := range nodes {
		if err := d.addNode(ctx, g, i, n); err != nil {
			d.api.cuGraphDestroy(g.handle)
			return nil, errors.WithMessagef(err, "node %d (%v)", i, n.Kind)
		}
	}
	return g, nil
}

func (d *Driver) addNode(ctx gpu.CtxHandle, g *cuGraph, i int, n gpu.NodeDesc) error {
	var pinner runtime.Pinner
	defer pinner.Unpin()

	deps := make([]uintptr, len(n.Deps))
	for j, dep := range n.Deps {
		if dep < 0 || dep >= i {
			return errors.WithStack(&gpu.DriverError{Op: "cuGraphAddNode", Code: gpu.CodeInvalidValue})
		}
		deps[j] = g.nodes[dep]
	}
	var depPtr *uintptr
	if len(deps) > 0 {
		depPtr = &deps[0]
		pinner.Pin(depPtr)
	}
	numDeps := uint64(len(deps))

	switch n.Kind {
	case gpu.NodeEmpty:
		return check("cuGraphAddEmptyNode", d.api.cuGraphAddEmptyNode(&g.nodes[i], g.handle, depPtr, numDeps))
	case gpu.NodeMemcpy:
		p := n.Memcpy
		if p.WidthInBytes == 0 || p.Height == 0 || p.Depth == 0 {
			return check("cuGraphAddEmptyNode", d.api.cuGraphAddEmptyNode(&g.nodes[i], g.handle, depPtr, numDeps))
		}
		if p.SrcMemoryType == gpu.MemoryTypeArray || p.DstMemoryType == gpu.MemoryTypeArray {
			return errors.WithStack(&gpu.DriverError{Op: "cuGraphAddMemcpyNode", Code: gpu.CodeNotSupported})
		}
		c := toMemcpy3D(p, &pinner)
		return check("cuGraphAddMemcpyNode", d.api.cuGraphAddMemcpyNode(&g.nodes[i], g.handle, depPtr, numDeps, c, uintptr(ctx)))
	case gpu.NodeKernel:
		k := n.Kernel
		kp := &kernelNodeParams{fn: uintptr(k.Func), sharedMemBytes: k.Shared}
		kp.gridX, kp.gridY, kp.gridZ = k.Grid.X, k.Grid.Y, k.Grid.Z
		kp.blockX, kp.blockY, kp.blockZ = k.Block.X, k.Block.Y, k.Block.Z
		// die Argumentwerte kopiert der Treiber beim Einfuegen
		if len(k.Params) > 0 {
			for _, p := range k.Params {
				pinner.Pin(p)
			}
			pinner.Pin(&k.Params[0])
			kp.kernelParams = unsafe.Pointer(&k.Params[0])
		}
		pinner.Pin(kp)
		return check("cuGraphAddKernelNode", d.api.cuGraphAddKernelNode(&g.nodes[i], g.handle, depPtr, numDeps, kp))
	default:
		return errors.WithStack(&gpu.DriverError{Op: "cuGraphAddNode", Code: gpu.CodeNotSupported})
	}
}

// GraphInstantiate baut einen CUgraph und instanziiert ihn. Der CUgraph
// selbst wird danach nicht mehr gebraucht.
func (d *Driver) GraphInstantiate(ctx gpu.CtxHandle, nodes []gpu.NodeDesc) (gpu.GraphExecHandle, error) {
	g, err := d.buildGraph(ctx, nodes)
	if err != nil {
		return 0, err
	}
	defer d.api.cuGraphDestroy(g.handle)

	var exec uintptr
	if err := check("cuGraphInstantiate", d.api.cuGraphInstantiateWithFlags(&exec, g.handle, 0)); err != nil {
		return 0, err
	}
	return gpu.GraphExecHandle(exec), nil
}

func (d *Driver) GraphLaunch(exec gpu.GraphExecHandle, s gpu.StreamHandle) error {
	return check("cuGraphLaunch", d.api.cuGraphLaunch(uintptr(exec), uintptr(s)))
}

func (d *Driver) GraphExecDestroy(exec gpu.GraphExecHandle) error {
	return check("cuGraphExecDestroy", d.api.cuGraphExecDestroy(uintptr(exec)))
}

var _ gpu.GraphDriver = (*Driver)(nil)
