// exec.go - Instanziierte Graphen
//
// Dieses Modul enthaelt:
// - Instantiate: Prueft und kompiliert einen Graphen fuer einen Context
// - Exec: Unveraenderliche Form eines Graphen, beliebig oft startbar
//
// Graphen ohne Kollektiv-Knoten werden dem Treiber als nativer Graph
// uebergeben, wenn er GraphDriver implementiert. Sonst spielt der Kern die
// Knoten in topologischer Reihenfolge auf dem startenden Stream ab.
package gpu

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/metrics"
)

// Exec ist ein instanziierter Graph
type Exec struct {
	id    uuid.UUID
	graph uuid.UUID
	ctx   *Context

	nodes []*Node
	deps  [][]int

	native    bool
	handle    GraphExecHandle
	destroyed bool
	mu        sync.Mutex
}

// Instantiate kompiliert g fuer diesen Context. Kopien, deren Quelle oder
// Ziel gerade nicht gemappt ist, werden hier gemeldet, nicht beim Start.
// Spaeter hinzugefuegte Knoten aendern das Ergebnis nicht.
func (cur *CurrentContext) Instantiate(g *Graph) (*Exec, error) {
	start := time.Now()

	nodes, deps, err := g.snapshot()
	if err != nil {
		return nil, fmt.Errorf("instantiate graph %s: %w", g.ID(), err)
	}

	collectives := false
	for i, n := range nodes {
		if err := cur.validate(n); err != nil {
			return nil, fmt.Errorf("instantiate graph %s: node %d (%v): %w", g.ID(), i, n.Kind, err)
		}
		collectives = collectives || n.Kind == NodeCollective
	}

	e := &Exec{id: uuid.New(), graph: g.ID(), ctx: cur.Context, nodes: nodes, deps: deps}

	if gd, ok := cur.drv.(GraphDriver); ok && !collectives {
		h, err := gd.GraphInstantiate(cur.handle, e.descs())
		if err != nil {
			return nil, wrap("graph instantiate", err)
		}
		e.native, e.handle = true, h
	}

	g.markInstantiated()
	metrics.InstantiateSeconds.Observe(time.Since(start).Seconds())
	slog.Debug("instantiated graph", "graph", g.ID(), "exec", e.id, "nodes", len(nodes), "native", e.native)
	return e, nil
}

func (cur *CurrentContext) validate(n *Node) error {
	switch n.Kind {
	case NodeMemcpy:
		p := &n.Memcpy
		if p.empty() {
			return nil
		}
		if p.SrcMemoryType == MemoryTypeArray || p.DstMemoryType == MemoryTypeArray {
			return fmt.Errorf("array copies: %w", ErrNotSupported)
		}
		if p.SrcMemoryType == MemoryTypeDevice {
			first, n := p.SrcSpan()
			if err := cur.checkMapped(p.SrcDevice+DevicePtr(first), n); err != nil {
				return fmt.Errorf("source: %w", err)
			}
		} else if p.SrcHost == nil {
			return fmt.Errorf("source: nil host pointer: %w", ErrInvalidValue)
		}
		if p.DstMemoryType == MemoryTypeDevice {
			first, n := p.DstSpan()
			if err := cur.checkMapped(p.DstDevice+DevicePtr(first), n); err != nil {
				return fmt.Errorf("destination: %w", err)
			}
		} else if p.DstHost == nil {
			return fmt.Errorf("destination: nil host pointer: %w", ErrInvalidValue)
		}
	case NodeKernel:
		k := n.Kernel
		if !k.Fn.valid() {
			return &DriverError{Op: "kernel node", Code: CodeInvalidHandle}
		}
		if k.Fn.mod.ctx != cur.Context {
			return fmt.Errorf("kernel %s: %w", k.Fn.name, ErrContextMismatch)
		}
	case NodeCollective:
		if n.Collective.Comm.ctx != cur.Context {
			return fmt.Errorf("rank %d: %w", n.Collective.Comm.rank, ErrContextMismatch)
		}
	}
	return nil
}

// checkMapped prueft jedes Byte von [ptr, ptr+n). Der Bereich wird von
// Allokation zu Allokation abgelaufen, Luecken dazwischen fallen auf.
func (cur *CurrentContext) checkMapped(ptr DevicePtr, n uint64) error {
	end := ptr + DevicePtr(n)
	for p := ptr; p < end; {
		base, size, err := cur.drv.MemGetAddressRange(cur.handle, p)
		if err != nil {
			return wrap(fmt.Sprintf("mem get address range %#x", uint64(p)), err)
		}
		next := base + DevicePtr(size)
		if next <= p {
			return wrap(fmt.Sprintf("mem get address range %#x", uint64(p)), CodeInvalidValue)
		}
		p = next
	}
	return nil
}

// descs gibt die Knoten in der Form fuer den GraphDriver zurueck
func (e *Exec) descs() []NodeDesc {
	descs := make([]NodeDesc, len(e.nodes))
	for i, n := range e.nodes {
		descs[i] = NodeDesc{Kind: n.Kind, Deps: e.deps[i]}
		switch n.Kind {
		case NodeMemcpy:
			descs[i].Memcpy = &n.Memcpy
		case NodeKernel:
			k := n.Kernel
			descs[i].Kernel = &KernelDesc{
				Func:   k.Fn.handle,
				Grid:   k.Config.Grid,
				Block:  k.Config.Block,
				Shared: k.Config.Shared,
				Params: k.Params.Ptrs(),
			}
		}
	}
	return descs
}

func (e *Exec) ID() uuid.UUID {
	return e.id
}

// NumNodes gibt die Anzahl Knoten zurueck
func (e *Exec) NumNodes() int {
	return len(e.nodes)
}

// Native meldet, ob der Treiber den Graphen selbst ausfuehrt
func (e *Exec) Native() bool {
	return e.native
}

// Launch startet den Graphen auf s. Starts auf verschiedenen Streams sind
// erlaubt; Ordnung zwischen ihnen stellt der Aufrufer her.
func (e *Exec) Launch(s *Stream) error {
	e.mu.Lock()
	destroyed := e.destroyed
	e.mu.Unlock()

	if destroyed {
		return fmt.Errorf("launch exec %s: %w", e.id, ErrGraphDestroyed)
	}
	if s.ctx != e.ctx {
		return fmt.Errorf("launch exec %s: %w", e.id, ErrContextMismatch)
	}
	if s.capture != nil {
		return fmt.Errorf("launch exec %s: %w", e.id, ErrCapturing)
	}

	if e.native {
		metrics.GraphLaunches.WithLabelValues("native").Inc()
		return wrap("graph launch", e.ctx.drv.(GraphDriver).GraphLaunch(e.handle, s.handle))
	}

	metrics.GraphLaunches.WithLabelValues("replay").Inc()
	for i, n := range e.nodes {
		if err := e.replay(n, s); err != nil {
			return fmt.Errorf("exec %s node %d (%v): %w", e.id, i, n.Kind, err)
		}
	}
	return nil
}

func (e *Exec) replay(n *Node, s *Stream) error {
	drv := e.ctx.drv
	switch n.Kind {
	case NodeEmpty:
		return nil
	case NodeMemcpy:
		if n.Memcpy.empty() {
			return nil
		}
		return wrap("memcpy 3d async", drv.Memcpy3DAsync(&n.Memcpy, s.handle))
	case NodeKernel:
		k := n.Kernel
		logutil.Trace("replay kernel", "name", k.Fn.name, "grid", k.Config.Grid, "block", k.Config.Block)
		metrics.KernelLaunches.WithLabelValues(k.Fn.name).Inc()
		return wrap("launch kernel", drv.LaunchKernel(k.Fn.handle, k.Config.Grid, k.Config.Block, k.Config.Shared, s.handle, k.Params.Ptrs()))
	case NodeCollective:
		return n.Collective.run(s.handle)
	default:
		return fmt.Errorf("%v: %w", n.Kind, ErrNotSupported)
	}
}

// Destroy gibt den instanziierten Graphen frei. Laufende Starts muessen
// vorher abgeschlossen sein.
func (e *Exec) Destroy() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return nil
	}
	e.destroyed = true
	if e.native {
		return wrap("graph exec destroy", e.ctx.drv.(GraphDriver).GraphExecDestroy(e.handle))
	}
	return nil
}

// LaunchGraph startet e auf s
func (s *Stream) LaunchGraph(e *Exec) error {
	return e.Launch(s)
}
