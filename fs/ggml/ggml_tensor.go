// Package ggml - Tensor Datenstrukturen
//
// Dieses Modul enthaelt Tensor-bezogene Typen und Methoden:
// - Tensor: Einzelner Tensor mit Name, Shape (GGUF-Reihenfolge), Typ und Daten
// - Tensors: Tensor-Infos eines Shards mit Daten-Offset
// - Dims/Meta: Zeilenweise (row-major) Sicht fuer den Graph-Aufbau
package ggml

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/Ceng23333/cuda-driver/ml"
)

// Tensors repraesentiert die Tensor-Infos eines Shards
type Tensors struct {
	items  []*Tensor
	Offset uint64
}

// Items gibt Tensors zurueck, optional gefiltert nach Prefix
func (s Tensors) Items(prefix ...string) []*Tensor {
	if len(prefix) == 0 {
		return s.items
	}

	var items []*Tensor
	for _, t := range s.items {
		if strings.HasPrefix(t.Name, prefix[0]) {
			items = append(items, t)
		}
	}

	return items
}

// Tensor repraesentiert einen einzelnen Tensor im Container
type Tensor struct {
	Name   string `json:"name"`
	Kind   uint32 `json:"kind"`
	Offset uint64 `json:"-"`

	// Shape ist die Anzahl der Elemente pro Dimension, innerste zuerst (GGUF ne)
	Shape []uint64 `json:"shape"`

	// WriterTo liefert die Daten beim Schreiben mit WriteGGUF
	io.WriterTo `json:"-"`

	// dtype ueberschreibt den aus Kind abgeleiteten Elementtyp (eingefuegte Tensoren)
	dtype ml.DType
	data  []byte
}

// NewTensor erzeugt einen Tensor aus Host-Daten. dims ist zeilenweise
// (aeusserste Dimension zuerst), data muss genau die passende Laenge haben.
// Der Tensor kann mit WriteGGUF geschrieben oder per File.Insert eingefuegt werden.
func NewTensor(name string, dt ml.DType, dims []uint64, data []byte) (*Tensor, error) {
	kind, err := TensorTypeOf(dt)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}

	shape := slices.Clone(dims)
	slices.Reverse(shape)

	t := &Tensor{Name: name, Kind: uint32(kind), Shape: shape, dtype: dt, data: data}
	if want := t.Elements() * dt.Size(); uint64(len(data)) != want {
		return nil, fmt.Errorf("tensor %s: data has %d bytes, want %d", name, len(data), want)
	}

	t.WriterTo = bytes.NewReader(data)
	return t, nil
}

// Elements gibt die Gesamtanzahl der Elemente im Tensor zurueck
func (t Tensor) Elements() uint64 {
	var count uint64 = 1
	for _, n := range t.Shape {
		count *= n
	}
	return count
}

// Size gibt die Groesse des Tensors in Bytes zurueck
func (t Tensor) Size() uint64 {
	kind := TensorType(t.Kind)
	return t.Elements() * kind.TypeSize() / kind.BlockSize()
}

// Type gibt den Typ-Namen als String zurueck
func (t Tensor) Type() string {
	return TensorType(t.Kind).String()
}

// DType gibt den Elementtyp zurueck; quantisierte Tensoren werden abgelehnt
func (t Tensor) DType() (ml.DType, error) {
	if t.dtype != ml.DTypeOther {
		return t.dtype, nil
	}

	dt, err := TensorType(t.Kind).DType()
	if err != nil {
		return dt, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return dt, nil
}

// Dims gibt die Shape in Zeilen-Reihenfolge zurueck (aeusserste Dimension zuerst)
func (t Tensor) Dims() []uint64 {
	dims := slices.Clone(t.Shape)
	slices.Reverse(dims)
	return dims
}

// Meta gibt Elementtyp und Zeilen-Shape als ml.TensorMeta zurueck
func (t Tensor) Meta() (ml.TensorMeta, error) {
	dt, err := t.DType()
	if err != nil {
		return ml.TensorMeta{}, err
	}
	return ml.NewTensorMeta(dt, ml.Dims(t.Dims()...)...), nil
}

// Data gibt die Host-Bytes des Tensors zurueck. Bei gemappten Dateien zeigt
// der Slice direkt in das Mapping und ist nur bis File.Close gueltig.
func (t Tensor) Data() []byte {
	return t.data
}
