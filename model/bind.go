package model

import (
	"fmt"
	"strings"

	"github.com/Ceng23333/cuda-driver/fs/ggml"
	"github.com/Ceng23333/cuda-driver/logutil"
	"github.com/Ceng23333/cuda-driver/ml"
	"github.com/Ceng23333/cuda-driver/ml/nn"
)

// Binding ist eine Kante mit konkreter Shape. Gewichte zeigen auf die
// Host-Bytes im Container, Aktivierungen haben nur eine Groesse.
type Binding struct {
	Name string
	Meta ml.TensorMeta
	// Item ist der Tensorname im Container, leer fuer Aktivierungen
	Item string
	Data []byte
	Size uint64
}

func (b Binding) IsWeight() bool {
	return b.Item != ""
}

// UnboundVarsError meldet Shape-Variablen ohne Wert
type UnboundVarsError struct {
	Edge string
	Vars []string
}

func (e *UnboundVarsError) Error() string {
	return fmt.Sprintf("%s: unbound shape variables %s", e.Edge, strings.Join(e.Vars, ", "))
}

// FixN setzt env in jede Kante von g ein und bindet Gewichte an f. Elementtyp
// und Shape jedes Gewichts muessen zum Container passen.
func FixN(g *nn.Graph, f *ggml.File, env map[string]uint64) ([]Binding, error) {
	bindings := make([]Binding, len(g.Edges))
	for i, e := range g.Edges {
		meta := e.Meta.Substitute(env)
		size, ok := meta.Bytes()
		if !ok {
			return nil, &UnboundVarsError{Edge: e.Name, Vars: meta.FreeVars()}
		}
		b := Binding{Name: e.Name, Meta: meta, Size: size}

		if e.External != nil {
			t, ok := f.Tensor(e.External.Item)
			if !ok {
				return nil, fmt.Errorf("%s: tensor %s not found", e.Name, e.External.Item)
			}
			tm, err := t.Meta()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", e.Name, err)
			}
			if tm.DType != meta.DType {
				return nil, &nn.DTypeMismatchError{Edge: e.Name, Expected: meta.DType, Actual: tm.DType}
			}
			if !ml.ShapeEqual(tm.Shape, meta.Shape) {
				return nil, &nn.ShapeMismatchError{Edge: e.Name, Expected: meta.Shape, Actual: tm.Shape}
			}
			b.Item, b.Data = e.External.Item, t.Data()
		}

		logutil.Trace("bound edge", "name", b.Name, "meta", b.Meta, "item", b.Item)
		bindings[i] = b
	}
	return bindings, nil
}
