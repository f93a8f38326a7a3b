// graph.go - Aufgezeichneter DAG von Device-Operationen
//
// Dieses Modul enthaelt:
// - Graph: Arena der Knoten mit ganzzahligen IDs, besitzt alle Knoten-Daten
// - Node/NodeKind: Leer, Kopie, Kernel, Kollektiv
// - Add*: Knoten mit expliziten Abhaengigkeiten im selben Graphen
// - AddDependency: Nachtraegliche Kante mit Zyklus-Pruefung
// - TopoOrder: Kahn-Sortierung, stabil nach Einfuege-Reihenfolge
//
// Host-Puffer und Kernel-Argumente, auf die Knoten zeigen, haelt der Graph
// selbst fest; instanziierte Graphen haben eigene Kopien.
package gpu

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Ceng23333/cuda-driver/logutil"
)

// NodeKind ist die Art eines Graph-Knotens
type NodeKind int

const (
	NodeEmpty NodeKind = iota
	NodeMemcpy
	NodeKernel
	NodeCollective
)

func (k NodeKind) String() string {
	switch k {
	case NodeEmpty:
		return "empty"
	case NodeMemcpy:
		return "memcpy"
	case NodeKernel:
		return "kernel"
	case NodeCollective:
		return "collective"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// GraphState ist der Lebenszyklus eines Graphen
type GraphState int

const (
	GraphOpen GraphState = iota
	GraphInstantiated
	GraphDestroyed
)

func (s GraphState) String() string {
	return [...]string{"open", "instantiated", "destroyed"}[s]
}

// NodeID identifiziert einen Knoten innerhalb seines Graphen
type NodeID struct {
	graph uint64
	index int
}

// Index ist die Position des Knotens in Einfuege-Reihenfolge
func (id NodeID) Index() int {
	return id.index
}

func (id NodeID) String() string {
	return fmt.Sprintf("#%d", id.index)
}

// KernelNode sind die Parameter eines Kernel-Knotens
type KernelNode struct {
	Fn     *KernelFn
	Config LaunchConfig
	Params *KernelParams
}

// Node ist ein Knoten des Graphen
type Node struct {
	Kind NodeKind
	Deps []NodeID

	Memcpy     Memcpy3D
	Kernel     *KernelNode
	Collective *CollectiveNode
}

var graphSerial atomic.Uint64

// Graph ist ein DAG aus Device-Operationen
type Graph struct {
	id     uuid.UUID
	serial uint64

	mu      sync.Mutex
	nodes   []*Node
	anchors [][]byte
	state   GraphState
}

// NewGraph erzeugt einen leeren Graphen
func NewGraph() *Graph {
	return &Graph{id: uuid.New(), serial: graphSerial.Add(1)}
}

func (g *Graph) ID() uuid.UUID {
	return g.id
}

func (g *Graph) State() GraphState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Len gibt die Anzahl Knoten zurueck
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// Nodes gibt die IDs aller Knoten in Einfuege-Reihenfolge zurueck
func (g *Graph) Nodes() []NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]NodeID, len(g.nodes))
	for i := range g.nodes {
		ids[i] = NodeID{graph: g.serial, index: i}
	}
	return ids
}

// Node gibt eine Kopie des Knotens id zurueck
func (g *Graph) Node(id NodeID) (Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(id); err != nil {
		return Node{}, err
	}
	n := *g.nodes[id.index]
	n.Deps = slices.Clone(n.Deps)
	return n, nil
}

// Dependencies gibt die direkten Vorgaenger von id zurueck
func (g *Graph) Dependencies(id NodeID) ([]NodeID, error) {
	n, err := g.Node(id)
	return n.Deps, err
}

// MemcpyParams gibt den Kopier-Deskriptor eines Kopier-Knotens zurueck
func (g *Graph) MemcpyParams(id NodeID) (Memcpy3D, error) {
	n, err := g.Node(id)
	if err != nil {
		return Memcpy3D{}, err
	}
	if n.Kind != NodeMemcpy {
		return Memcpy3D{}, fmt.Errorf("node %v is a %v node: %w", id, n.Kind, ErrInvalidValue)
	}
	return n.Memcpy, nil
}

func (g *Graph) check(id NodeID) error {
	if id.graph != g.serial || id.index < 0 || id.index >= len(g.nodes) {
		return fmt.Errorf("node %v: %w", id, ErrForeignNode)
	}
	return nil
}

func (g *Graph) add(n *Node) (NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GraphDestroyed {
		return NodeID{}, ErrGraphDestroyed
	}
	for _, d := range n.Deps {
		if err := g.check(d); err != nil {
			return NodeID{}, err
		}
	}

	n.Deps = slices.Clone(n.Deps)
	g.nodes = append(g.nodes, n)
	id := NodeID{graph: g.serial, index: len(g.nodes) - 1}

	logutil.Trace("graph add node", "graph", g.id, "node", id, "kind", n.Kind, "deps", len(n.Deps))
	return id, nil
}

// anchor haelt einen Host-Puffer fuer die Lebensdauer des Graphen fest
func (g *Graph) anchor(b []byte) {
	if b == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.anchors = append(g.anchors, b)
}

// AddEmpty fuegt einen Synchronisationsknoten hinzu
func (g *Graph) AddEmpty(deps ...NodeID) (NodeID, error) {
	return g.add(&Node{Kind: NodeEmpty, Deps: deps})
}

// AddMemcpyNodeWithParams fuegt eine Kopie mit vollem Deskriptor hinzu
func (g *Graph) AddMemcpyNodeWithParams(p Memcpy3D, deps ...NodeID) (NodeID, error) {
	return g.add(&Node{Kind: NodeMemcpy, Deps: deps, Memcpy: p})
}

// AddMemcpyNode fuegt eine Kopie mit den Parametern eines bestehenden Knotens hinzu
func (g *Graph) AddMemcpyNode(src *Graph, node NodeID, deps ...NodeID) (NodeID, error) {
	p, err := src.MemcpyParams(node)
	if err != nil {
		return NodeID{}, err
	}
	return g.AddMemcpyNodeWithParams(p, deps...)
}

// AddMemcpyD2D kopiert src nach dst; beide muessen gleich lang sein
func (g *Graph) AddMemcpyD2D(dst, src DevSlice, deps ...NodeID) (NodeID, error) {
	if err := checkLen("graph memcpy d2d", dst.Len, src.Len); err != nil {
		return NodeID{}, err
	}
	return g.AddMemcpyNodeWithParams(memcpyDtoD(dst, src), deps...)
}

// AddMemcpyH2D kopiert src nach dst; der Graph haelt src fest
func (g *Graph) AddMemcpyH2D(dst DevSlice, src []byte, deps ...NodeID) (NodeID, error) {
	if err := checkLen("graph memcpy h2d", dst.Len, uint64(len(src))); err != nil {
		return NodeID{}, err
	}
	g.anchor(src)
	return g.AddMemcpyNodeWithParams(memcpyHtoD(dst, src), deps...)
}

// AddMemcpyD2H kopiert src nach dst; der Graph haelt dst fest
func (g *Graph) AddMemcpyD2H(dst []byte, src DevSlice, deps ...NodeID) (NodeID, error) {
	if err := checkLen("graph memcpy d2h", uint64(len(dst)), src.Len); err != nil {
		return NodeID{}, err
	}
	g.anchor(dst)
	return g.AddMemcpyNodeWithParams(memcpyDtoH(dst, src), deps...)
}

// AddKernel fuegt einen Kernel-Start hinzu. Die Argumente werden kopiert.
func (g *Graph) AddKernel(fn *KernelFn, cfg LaunchConfig, params *KernelParams, deps ...NodeID) (NodeID, error) {
	if err := cfg.Validate(); err != nil {
		return NodeID{}, err
	}
	return g.add(&Node{Kind: NodeKernel, Deps: deps, Kernel: &KernelNode{Fn: fn, Config: cfg, Params: params.Clone()}})
}

// AddCollective fuegt eine Kollektiv-Operation hinzu
func (g *Graph) AddCollective(op CollectiveNode, deps ...NodeID) (NodeID, error) {
	if err := op.validate(); err != nil {
		return NodeID{}, err
	}
	return g.add(&Node{Kind: NodeCollective, Deps: deps, Collective: &op})
}

// AddDependency laesst to zusaetzlich von from abhaengen. Kanten, die einen
// Zyklus schliessen wuerden, werden abgelehnt.
func (g *Graph) AddDependency(from, to NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GraphDestroyed {
		return ErrGraphDestroyed
	}
	if err := g.check(from); err != nil {
		return err
	}
	if err := g.check(to); err != nil {
		return err
	}
	if from == to || g.dependsOn(from.index, to.index) {
		return fmt.Errorf("edge %v -> %v: %w", from, to, ErrCycle)
	}

	n := g.nodes[to.index]
	if !slices.Contains(n.Deps, from) {
		n.Deps = append(n.Deps, from)
	}
	return nil
}

// dependsOn meldet, ob a transitiv von b abhaengt
func (g *Graph) dependsOn(a, b int) bool {
	seen := make([]bool, len(g.nodes))
	stack := []int{a}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, d := range g.nodes[i].Deps {
			if d.index == b {
				return true
			}
			if !seen[d.index] {
				seen[d.index] = true
				stack = append(stack, d.index)
			}
		}
	}
	return false
}

// TopoOrder gibt die Knoten in topologischer Reihenfolge zurueck
func (g *Graph) TopoOrder() []NodeID {
	g.mu.Lock()
	defer g.mu.Unlock()

	order := g.topo()
	ids := make([]NodeID, len(order))
	for i, idx := range order {
		ids[i] = NodeID{graph: g.serial, index: idx}
	}
	return ids
}

func (g *Graph) topo() []int {
	inDegree := make([]int, len(g.nodes))
	dependents := make([][]int, len(g.nodes))
	for i, n := range g.nodes {
		inDegree[i] = len(n.Deps)
		for _, d := range n.Deps {
			dependents[d.index] = append(dependents[d.index], i)
		}
	}

	var queue []int
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, i)
		for _, j := range dependents[i] {
			inDegree[j]--
			if inDegree[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	return order
}

// snapshot kopiert die Knoten in topologischer Reihenfolge, die Abhaengigkeiten
// als Indizes in die Kopie
func (g *Graph) snapshot() ([]*Node, [][]int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == GraphDestroyed {
		return nil, nil, ErrGraphDestroyed
	}

	order := g.topo()
	pos := make([]int, len(g.nodes))
	for i, idx := range order {
		pos[idx] = i
	}

	nodes := make([]*Node, len(order))
	deps := make([][]int, len(order))
	for i, idx := range order {
		n := *g.nodes[idx]
		if n.Kernel != nil {
			k := *n.Kernel
			k.Params = k.Params.Clone()
			n.Kernel = &k
		}
		if n.Collective != nil {
			c := *n.Collective
			n.Collective = &c
		}

		for _, d := range n.Deps {
			deps[i] = append(deps[i], pos[d.index])
		}
		n.Deps = nil
		nodes[i] = &n
	}
	return nodes, deps, nil
}

func (g *Graph) markInstantiated() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == GraphOpen {
		g.state = GraphInstantiated
	}
}

// Destroy gibt die Knoten frei. Bereits instanziierte Graphen bleiben gueltig.
func (g *Graph) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes = nil
	g.anchors = nil
	g.state = GraphDestroyed
}
