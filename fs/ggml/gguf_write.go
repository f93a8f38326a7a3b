// Package ggml - GGUF Write Operations
//
// WriteGGUF erzeugt Fixtures und synthetische Modelle im Format V3.
// Header, KV und Tensor-Infos laufen gepuffert durch einen encoder,
// die Tensor-Daten werden danach parallel an ihre Offsets geschrieben.
package ggml

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"
)

// encoder schreibt little endian und behaelt den ersten Fehler
type encoder struct {
	w   *bufio.Writer
	err error
}

func (e *encoder) put(v any) {
	if e.err == nil {
		e.err = binary.Write(e.w, binary.LittleEndian, v)
	}
}

func (e *encoder) str(s string) {
	e.put(uint64(len(s)))
	if e.err == nil {
		_, e.err = e.w.WriteString(s)
	}
}

// scalarType ordnet einem Go-Wert den GGUF-Typ zu
func scalarType(v any) (uint32, bool) {
	switch v.(type) {
	case uint8:
		return ggufTypeUint8, true
	case int8:
		return ggufTypeInt8, true
	case uint16:
		return ggufTypeUint16, true
	case int16:
		return ggufTypeInt16, true
	case uint32:
		return ggufTypeUint32, true
	case int32:
		return ggufTypeInt32, true
	case uint64:
		return ggufTypeUint64, true
	case int64:
		return ggufTypeInt64, true
	case float32:
		return ggufTypeFloat32, true
	case float64:
		return ggufTypeFloat64, true
	case bool:
		return ggufTypeBool, true
	case string:
		return ggufTypeString, true
	}
	return 0, false
}

// values entpackt gelesene Arrays, damit Round-Trips dieselben Werte schreiben
func values(v any) any {
	switch a := v.(type) {
	case *array[uint8]:
		return a.values
	case *array[int8]:
		return a.values
	case *array[uint16]:
		return a.values
	case *array[int16]:
		return a.values
	case *array[uint32]:
		return a.values
	case *array[int32]:
		return a.values
	case *array[uint64]:
		return a.values
	case *array[int64]:
		return a.values
	case *array[float32]:
		return a.values
	case *array[float64]:
		return a.values
	case *array[bool]:
		return a.values
	case *array[string]:
		return a.values
	}
	return v
}

func (e *encoder) value(key string, v any) {
	v = values(v)

	if t, ok := scalarType(v); ok {
		e.put(t)
		if s, isString := v.(string); isString {
			e.str(s)
		} else {
			e.put(v)
		}
		return
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		e.err = fmt.Errorf("key %s: unsupported value type %T", key, v)
		return
	}
	t, ok := scalarType(reflect.Zero(rv.Type().Elem()).Interface())
	if !ok {
		e.err = fmt.Errorf("key %s: unsupported array type %T", key, v)
		return
	}

	e.put(ggufTypeArray)
	e.put(t)
	e.put(uint64(rv.Len()))
	if ss, isStrings := v.([]string); isStrings {
		for _, s := range ss {
			e.str(s)
		}
		return
	}
	e.put(v)
}

// WriteGGUF schreibt kv und ts nach f. Die Tensoren behalten ihre Reihenfolge,
// jeder braucht einen WriterTo, der genau Size() Bytes liefert.
func WriteGGUF(f *os.File, kv KV, ts []*Tensor) error {
	arch := kv.String("general.architecture")
	if arch == "" {
		return fmt.Errorf("architecture not set")
	}
	align := kv.Uint("general.alignment", 32)

	e := &encoder{w: bufio.NewWriter(f)}
	e.w.WriteString("GGUF")
	e.put(uint32(3))
	e.put(uint64(len(ts)))
	e.put(uint64(kv.Len()))

	for _, k := range slices.Sorted(kv.Keys()) {
		e.str(kv.qualify(k))
		e.value(k, kv.Value(k))
	}

	var size uint64
	for _, t := range ts {
		if t.WriterTo == nil {
			return fmt.Errorf("tensor %s has no data", t.Name)
		}

		t.Offset = size
		e.str(t.Name)
		e.put(uint32(len(t.Shape)))
		e.put(t.Shape)
		e.put(t.Kind)
		e.put(t.Offset)
		slog.Debug("tensor info", "name", t.Name, "type", t.Type(), "shape", t.Shape, "offset", t.Offset)

		size += t.Size()
		size += uint64(ggufPadding(int64(size), int64(align)))
	}

	if e.err != nil {
		return e.err
	}
	if err := e.w.Flush(); err != nil {
		return err
	}

	base, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	base += ggufPadding(base, int64(align))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		w := io.NewOffsetWriter(f, base+int64(t.Offset))
		g.Go(func() error {
			n, err := t.WriteTo(w)
			if err == nil && uint64(n) != t.Size() {
				err = fmt.Errorf("tensor %s: wrote %d bytes, want %d", t.Name, n, t.Size())
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Auf volle Ausrichtung auffuellen, damit der letzte Tensor gemappt werden kann
	return f.Truncate(base + int64(size))
}

func ggufPadding(offset, align int64) int64 {
	return (align - offset%align) % align
}
