// Package ggml - GGUF Decode Operations
//
// Dieses Modul enthaelt Funktionen zum Lesen von GGUF-Headern:
// - containerGGUF: Container-Struktur fuer GGUF-Header (V2 und V3)
// - gguf: KV-Paare und Tensor-Infos eines Shards
// - readGGUF*: Lese-Funktionen fuer Basistypen, Strings und Arrays
package ggml

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// GGUF Type Constants - Identifikatoren fuer die KV-Datentypen
const (
	ggufTypeUint8 uint32 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// maxTensorDims ist die maximale Anzahl Dimensionen eines GGUF-Tensors
const maxTensorDims = 4

// containerGGUF repraesentiert den GGUF-Header mit Versionsinformationen
type containerGGUF struct {
	ByteOrder binary.ByteOrder
	Version   uint32

	NumTensor uint64
	NumKV     uint64

	maxArraySize int
}

// Decode liest den GGUF-Header und dekodiert KV-Paare und Tensor-Infos
func (c *containerGGUF) Decode(rs io.ReadSeeker) (*gguf, error) {
	if err := binary.Read(rs, c.ByteOrder, &c.Version); err != nil {
		return nil, err
	}

	// V1 verwendet 32-Bit-Zaehler und null-terminierte Strings
	if c.Version < 2 {
		return nil, fmt.Errorf("%w: gguf version %d", ErrUnsupportedFormat, c.Version)
	}

	if err := binary.Read(rs, c.ByteOrder, &c.NumTensor); err != nil {
		return nil, err
	}
	if err := binary.Read(rs, c.ByteOrder, &c.NumKV); err != nil {
		return nil, err
	}

	g := &gguf{containerGGUF: c, kv: make(KV)}
	if err := g.Decode(rs); err != nil {
		return nil, err
	}
	return g, nil
}

// gguf enthaelt den dekodierten Header eines Shards
type gguf struct {
	*containerGGUF

	kv      KV
	tensors []*Tensor

	parameters   uint64
	tensorOffset uint64

	scratch [16 << 10]byte
}

// KV gibt die Key-Value Paare zurueck
func (llm *gguf) KV() KV {
	return llm.kv
}

// Tensors gibt die Tensor-Liste zurueck
func (llm *gguf) Tensors() Tensors {
	return Tensors{
		items:  llm.tensors,
		Offset: llm.tensorOffset,
	}
}

// Decode liest KV-Paare und Tensor-Infos und berechnet den Beginn der Tensor-Daten
func (llm *gguf) Decode(rs io.ReadSeeker) error {
	for range llm.NumKV {
		k, err := readGGUFString(llm, rs)
		if err != nil {
			return err
		}

		t, err := readGGUF[uint32](llm, rs)
		if err != nil {
			return err
		}

		v, err := readGGUFValue(llm, rs, t)
		if err != nil {
			return fmt.Errorf("key %s: %w", k, err)
		}
		llm.kv[k] = v
	}

	for range llm.NumTensor {
		t, err := llm.decodeTensor(rs)
		if err != nil {
			return err
		}
		llm.tensors = append(llm.tensors, t)
		llm.parameters += t.Elements()
	}
	llm.kv["general.parameter_count"] = llm.parameters

	offset, err := rs.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	alignment := int64(llm.kv.Uint("general.alignment", 32))
	llm.tensorOffset = uint64(offset + ggufPadding(offset, alignment))
	return nil
}

// decodeTensor liest die Metadaten eines Tensors
func (llm *gguf) decodeTensor(rs io.Reader) (*Tensor, error) {
	name, err := readGGUFString(llm, rs)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor name: %w", err)
	}

	dims, err := readGGUF[uint32](llm, rs)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor dimensions: %w", err)
	}
	if dims > maxTensorDims {
		return nil, fmt.Errorf("tensor %s: %d dimensions", name, dims)
	}

	shape := make([]uint64, dims)
	for i := range shape {
		if shape[i], err = readGGUF[uint64](llm, rs); err != nil {
			return nil, fmt.Errorf("failed to read tensor shape: %w", err)
		}
	}

	kind, err := readGGUF[uint32](llm, rs)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor kind: %w", err)
	}

	offset, err := readGGUF[uint64](llm, rs)
	if err != nil {
		return nil, fmt.Errorf("failed to read tensor offset: %w", err)
	}

	return &Tensor{Name: name, Kind: kind, Offset: offset, Shape: shape}, nil
}

// readGGUF liest einen typisierten Wert aus dem Reader
func readGGUF[T any](llm *gguf, r io.Reader) (T, error) {
	var t T
	err := binary.Read(r, llm.ByteOrder, &t)
	return t, err
}

// readGGUFValue liest einen Wert des GGUF-Typs t
func readGGUFValue(llm *gguf, r io.Reader, t uint32) (any, error) {
	switch t {
	case ggufTypeUint8:
		return readGGUF[uint8](llm, r)
	case ggufTypeInt8:
		return readGGUF[int8](llm, r)
	case ggufTypeUint16:
		return readGGUF[uint16](llm, r)
	case ggufTypeInt16:
		return readGGUF[int16](llm, r)
	case ggufTypeUint32:
		return readGGUF[uint32](llm, r)
	case ggufTypeInt32:
		return readGGUF[int32](llm, r)
	case ggufTypeUint64:
		return readGGUF[uint64](llm, r)
	case ggufTypeInt64:
		return readGGUF[int64](llm, r)
	case ggufTypeFloat32:
		return readGGUF[float32](llm, r)
	case ggufTypeFloat64:
		return readGGUF[float64](llm, r)
	case ggufTypeBool:
		return readGGUF[bool](llm, r)
	case ggufTypeString:
		return readGGUFString(llm, r)
	case ggufTypeArray:
		return readGGUFArray(llm, r)
	default:
		return nil, fmt.Errorf("invalid type: %d", t)
	}
}

// readGGUFString liest einen laengenpraefixierten String
func readGGUFString(llm *gguf, r io.Reader) (string, error) {
	n, err := readGGUF[uint64](llm, r)
	if err != nil {
		return "", err
	}

	var buf []byte
	if n > uint64(len(llm.scratch)) {
		buf = make([]byte, n)
	} else {
		buf = llm.scratch[:n]
	}

	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// discardGGUFString ueberspringt einen String im Reader
func discardGGUFString(llm *gguf, r io.Reader) error {
	n, err := readGGUF[uint64](llm, r)
	if err != nil {
		return err
	}

	_, err = io.CopyN(io.Discard, r, int64(n))
	return err
}

// array ist eine generische Array-Struktur mit optionalem Groessenlimit
// Bei Arrays groesser als maxSize wird nur die Groesse gespeichert
type array[T any] struct {
	size   int
	values []T
}

// MarshalJSON serialisiert das Array als JSON
func (a *array[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.values)
}

// Len gibt die tatsaechliche Laenge zurueck, auch wenn values verworfen wurden
func (a *array[T]) Len() int {
	return a.size
}

func newArray[T any](size, maxSize int) *array[T] {
	a := array[T]{size: size}
	if maxSize < 0 || size <= maxSize {
		a.values = make([]T, size)
	}
	return &a
}

// readGGUFArray liest ein typisiertes Array aus dem Reader
func readGGUFArray(llm *gguf, r io.Reader) (any, error) {
	t, err := readGGUF[uint32](llm, r)
	if err != nil {
		return nil, err
	}

	n, err := readGGUF[uint64](llm, r)
	if err != nil {
		return nil, err
	}

	size, limit := int(n), llm.maxArraySize
	switch t {
	case ggufTypeUint8:
		return readGGUFArrayData(llm, r, newArray[uint8](size, limit))
	case ggufTypeInt8:
		return readGGUFArrayData(llm, r, newArray[int8](size, limit))
	case ggufTypeUint16:
		return readGGUFArrayData(llm, r, newArray[uint16](size, limit))
	case ggufTypeInt16:
		return readGGUFArrayData(llm, r, newArray[int16](size, limit))
	case ggufTypeUint32:
		return readGGUFArrayData(llm, r, newArray[uint32](size, limit))
	case ggufTypeInt32:
		return readGGUFArrayData(llm, r, newArray[int32](size, limit))
	case ggufTypeUint64:
		return readGGUFArrayData(llm, r, newArray[uint64](size, limit))
	case ggufTypeInt64:
		return readGGUFArrayData(llm, r, newArray[int64](size, limit))
	case ggufTypeFloat32:
		return readGGUFArrayData(llm, r, newArray[float32](size, limit))
	case ggufTypeFloat64:
		return readGGUFArrayData(llm, r, newArray[float64](size, limit))
	case ggufTypeBool:
		return readGGUFArrayData(llm, r, newArray[bool](size, limit))
	case ggufTypeString:
		a := newArray[string](size, limit)
		for i := range a.size {
			if a.values == nil {
				if err := discardGGUFString(llm, r); err != nil {
					return nil, err
				}
				continue
			}
			if a.values[i], err = readGGUFString(llm, r); err != nil {
				return nil, err
			}
		}
		return a, nil
	default:
		return nil, fmt.Errorf("invalid array type: %d", t)
	}
}

// readGGUFArrayData liest typisierte Array-Daten
func readGGUFArrayData[T any](llm *gguf, r io.Reader, a *array[T]) (any, error) {
	for i := range a.size {
		e, err := readGGUF[T](llm, r)
		if err != nil {
			return nil, err
		}
		if a.values != nil {
			a.values[i] = e
		}
	}
	return a, nil
}
