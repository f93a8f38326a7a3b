// Package nn - Abstrakter Rechengraph aus einer Modellbeschreibung
//
// Dieses Paket enthaelt:
// - Edge/Node/Topo/Graph: Ergebnis eines Builds (Kanten sind Tensoren)
// - GraphBuilder: Operator-Registry und Build in Definitionsreihenfolge
// - Ops: embedding, rms-norm, layer-norm, attention, split, swiglu, gelu,
//   linear, rope, concat und add
// - Module: Embedding, Normalization, Linear, Attention, Mlp, TransformerBlk, LLaMA
package nn

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Ceng23333/cuda-driver/ml"
)

// External verweist eine Kante auf einen Eintrag im Tensor-Container
type External struct {
	// Name ist der Kantenname im Graphen
	Name string
	// Item ist der Tensorname im Container
	Item string
}

// Edge ist ein Tensor im Graphen. Gewichte haben External, Aktivierungen nicht.
type Edge struct {
	Name     string
	Meta     ml.TensorMeta
	External *External
}

func (e Edge) IsWeight() bool {
	return e.External != nil
}

// Node ist ein Operator im Graphen
type Node struct {
	Op   string
	Name string
	Args any
}

// Topo sind die Kanten-Ids eines Knotens
type Topo struct {
	Inputs  []int
	Outputs []int
}

// Graph ist das Ergebnis von GraphBuilder.Build. Topo[i] gehoert zu Nodes[i]
// und die Knoten liegen in topologischer Reihenfolge.
type Graph struct {
	Topo  []Topo
	Nodes []Node
	Edges []Edge

	// Inputs und Outputs sind die Kanten-Ids an den Graph-Grenzen
	Inputs  []int
	Outputs []int
}

// Weights gibt die Ids aller Gewichtskanten zurueck
func (g *Graph) Weights() []int {
	var ids []int
	for i, e := range g.Edges {
		if e.IsWeight() {
			ids = append(ids, i)
		}
	}
	return ids
}

// FreeVars gibt alle Shape-Variablen des Graphen sortiert zurueck
func (g *Graph) FreeVars() []string {
	var vars []string
	for _, e := range g.Edges {
		vars = append(vars, e.Meta.FreeVars()...)
	}
	slices.Sort(vars)
	return slices.Compact(vars)
}

// Format gibt die Zeile i der Topologie aus: "i. op name outputs <- inputs"
func (g *Graph) Format(i int) string {
	ids := func(ids []int) string {
		s := make([]string, len(ids))
		for j, id := range ids {
			s[j] = fmt.Sprint(id)
		}
		return "[" + strings.Join(s, ", ") + "]"
	}
	n := g.Nodes[i]
	return fmt.Sprintf("%3d. %-10s %-40s %s <- %s", i, n.Op, n.Name, ids(g.Topo[i].Outputs), ids(g.Topo[i].Inputs))
}

// Validate prueft, dass jede Eingabe vor ihrer Verwendung erzeugt wird
func (g *Graph) Validate() error {
	if len(g.Topo) != len(g.Nodes) {
		return fmt.Errorf("graph has %d nodes but %d topo entries", len(g.Nodes), len(g.Topo))
	}

	ready := make([]bool, len(g.Edges))
	for _, id := range g.Inputs {
		ready[id] = true
	}
	for _, id := range g.Weights() {
		ready[id] = true
	}
	for i, t := range g.Topo {
		for _, id := range t.Inputs {
			if id < 0 || id >= len(g.Edges) || !ready[id] {
				return fmt.Errorf("node %s: input %d used before it is produced", g.Nodes[i].Name, id)
			}
		}
		for _, id := range t.Outputs {
			if ready[id] {
				return fmt.Errorf("node %s: output %d produced twice", g.Nodes[i].Name, id)
			}
			ready[id] = true
		}
	}
	return nil
}
