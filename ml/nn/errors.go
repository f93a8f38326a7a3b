package nn

import (
	"fmt"

	"github.com/Ceng23333/cuda-driver/ml"
)

// ShapeMismatchError meldet eine Kante mit unerwarteter Shape
type ShapeMismatchError struct {
	Edge     string
	Expected []ml.Dim
	Actual   []ml.Dim
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch on %s: expected %s, got %s", e.Edge, ml.ShapeString(e.Expected), ml.ShapeString(e.Actual))
}

// DTypeMismatchError meldet eine Kante mit unerwartetem Elementtyp
type DTypeMismatchError struct {
	Edge     string
	Expected ml.DType
	Actual   ml.DType
}

func (e *DTypeMismatchError) Error() string {
	return fmt.Sprintf("dtype mismatch on %s: expected %s, got %s", e.Edge, e.Expected, e.Actual)
}

// UnknownOperatorError meldet einen nicht registrierten Operator. Suggestion
// ist der naechstliegende registrierte Name, falls einer nahe genug ist.
type UnknownOperatorError struct {
	Name       string
	Suggestion string
}

func (e *UnknownOperatorError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown operator %q (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("unknown operator %q", e.Name)
}

// NodeError ordnet einen Fehler beim Build dem Knoten zu
type NodeError struct {
	Node string
	Op   string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.Node, e.Op, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// ArityError meldet eine falsche Anzahl Eingaben
type ArityError struct {
	Want, Got int
}

func (e *ArityError) Error() string {
	return fmt.Sprintf("expected %d inputs, got %d", e.Want, e.Got)
}
