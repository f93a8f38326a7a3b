package nn

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/agnivade/levenshtein"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/ml"
)

// Input ist eine Eingabekante eines Operators
type Input struct {
	Name string
	Meta ml.TensorMeta
}

// Op bestimmt Elementtyp und Shape der Ausgaben aus den Eingaben
type Op interface {
	Infer(inputs []Input, args any) ([]ml.TensorMeta, error)
}

// OpFunc macht eine Funktion zum Op
type OpFunc func(inputs []Input, args any) ([]ml.TensorMeta, error)

func (f OpFunc) Infer(inputs []Input, args any) ([]ml.TensorMeta, error) {
	return f(inputs, args)
}

// Module ist ein Teil einer Modellbeschreibung. Build fuegt seine Knoten in
// Definitionsreihenfolge hinzu und gibt die Ausgabekanten zurueck.
type Module interface {
	Build(ctx *Context, inputs []int) ([]int, error)
}

// GraphBuilder haelt die Operator-Registry in Registrierungsreihenfolge
type GraphBuilder struct {
	ops *orderedmap.OrderedMap[string, Op]
}

func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{ops: orderedmap.New[string, Op]()}
}

// DefaultBuilder registriert alle Operatoren dieses Pakets
func DefaultBuilder() *GraphBuilder {
	return NewGraphBuilder().
		RegisterOp("embedding", OpFunc(inferEmbedding)).
		RegisterOp("rms-norm", OpFunc(inferRmsNorm)).
		RegisterOp("layer-norm", OpFunc(inferLayerNorm)).
		RegisterOp("attention", OpFunc(inferAttention)).
		RegisterOp("split", OpFunc(inferSplit)).
		RegisterOp("swiglu", OpFunc(inferSwiGLU)).
		RegisterOp("gelu", OpFunc(inferGeLU)).
		RegisterOp("linear", OpFunc(inferLinear)).
		RegisterOp("rope", OpFunc(inferRope)).
		RegisterOp("concat", OpFunc(inferConcat)).
		RegisterOp("add", OpFunc(inferAdd))
}

// RegisterOp registriert op unter name; doppelte Namen sind ein Programmierfehler
func (b *GraphBuilder) RegisterOp(name string, op Op) *GraphBuilder {
	if _, present := b.ops.Set(name, op); present {
		panic("nn: operator already registered: " + name)
	}
	return b
}

// Ops gibt die registrierten Namen in Registrierungsreihenfolge zurueck
func (b *GraphBuilder) Ops() []string {
	names := make([]string, 0, b.ops.Len())
	for pair := b.ops.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

func (b *GraphBuilder) lookup(name string) (Op, error) {
	if op, ok := b.ops.Get(name); ok {
		return op, nil
	}

	err := &UnknownOperatorError{Name: name}
	best := max(2, len(name)/3) + 1
	for pair := b.ops.Oldest(); pair != nil; pair = pair.Next() {
		if d := levenshtein.ComputeDistance(name, pair.Key); d < best {
			best, err.Suggestion = d, pair.Key
		}
	}
	return nil, err
}

// Build baut den Graphen von m fuer die Eingaben inputs
func (b *GraphBuilder) Build(m Module, inputs ...ml.TensorMeta) (*Graph, error) {
	g := &Graph{}
	for i, meta := range inputs {
		g.Inputs = append(g.Inputs, len(g.Edges))
		g.Edges = append(g.Edges, Edge{Name: fmt.Sprintf("input.%d", i), Meta: meta})
	}

	ctx := &Context{b: b, g: g}
	outputs, err := m.Build(ctx, g.Inputs)
	if err != nil {
		return nil, err
	}
	g.Outputs = outputs

	slog.Debug("graph built", "nodes", len(g.Nodes), "edges", len(g.Edges), "weights", len(g.Weights()))
	return g, nil
}

// Context ist ein Namensraum waehrend Build. Kinder teilen den Graphen.
type Context struct {
	b     *GraphBuilder
	g     *Graph
	scope string
}

func join(scope, name string) string {
	switch {
	case scope == "":
		return name
	case name == "":
		return scope
	}
	return scope + "." + name
}

// Scope gibt einen Kind-Namensraum zurueck
func (c *Context) Scope(name string) *Context {
	return &Context{b: c.b, g: c.g, scope: join(c.scope, name)}
}

// Name ist der volle Name von name in diesem Namensraum
func (c *Context) Name(name string) string {
	return join(c.scope, name)
}

// Meta gibt die Metadaten der Kante id zurueck
func (c *Context) Meta(id int) ml.TensorMeta {
	return c.g.Edges[id].Meta
}

// Weight legt eine Gewichtskante an, die auf item im Container verweist
func (c *Context) Weight(name, item string, meta ml.TensorMeta) int {
	id := len(c.g.Edges)
	name = c.Name(name)
	c.g.Edges = append(c.g.Edges, Edge{Name: name, Meta: meta, External: &External{Name: name, Item: item}})
	return id
}

// Op fuegt einen Knoten vom Typ kind hinzu und gibt seine Ausgabekanten zurueck
func (c *Context) Op(kind, name string, args any, inputs ...int) ([]int, error) {
	name = c.Name(name)

	op, err := c.b.lookup(kind)
	if err != nil {
		return nil, &NodeError{Node: name, Op: kind, Err: err}
	}

	in := make([]Input, len(inputs))
	for i, id := range inputs {
		in[i] = Input{Name: c.g.Edges[id].Name, Meta: c.g.Edges[id].Meta}
	}
	metas, err := op.Infer(in, args)
	if err != nil {
		return nil, &NodeError{Node: name, Op: kind, Err: err}
	}

	outputs := make([]int, len(metas))
	for i, meta := range metas {
		edge := name
		if len(metas) > 1 {
			edge = fmt.Sprintf("%s.%d", name, i)
		}
		outputs[i] = len(c.g.Edges)
		c.g.Edges = append(c.g.Edges, Edge{Name: edge, Meta: meta})
	}

	c.g.Nodes = append(c.g.Nodes, Node{Op: kind, Name: name, Args: args})
	c.g.Topo = append(c.g.Topo, Topo{Inputs: inputs, Outputs: outputs})
	logutil.Trace("node", "op", kind, "name", name, "outputs", outputs, "inputs", inputs)
	return outputs, nil
}

// op1 ist Op fuer Operatoren mit genau einer Ausgabe
func (c *Context) op1(kind, name string, args any, inputs ...int) (int, error) {
	outs, err := c.Op(kind, name, args, inputs...)
	if err != nil {
		return 0, err
	}
	if len(outs) != 1 {
		return 0, &NodeError{Node: c.Name(name), Op: kind, Err: errors.New("expected a single output")}
	}
	return outs[0], nil
}
