// dump.go - Dump-Funktionen fuer Tensor-Debugging und Visualisierung
// Dieses Modul stellt Hilfsfunktionen zum Ausgeben von Host-Kopien von Tensoren
// und zur Umrechnung von Halbpraezisions-Formaten bereit.
package ml

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DumpOptions configures tensor dump output format.
type DumpOptions func(*dumpOptions)

// DumpWithPrecision sets the number of significant digits printed for floats.
func DumpWithPrecision(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Precision = n
	}
}

// DumpWithThreshold sets the threshold for printing the entire tensor. If the number of elements
// is less than or equal to this value, the entire tensor will be printed. Otherwise, only the
// beginning and end of each dimension will be printed.
func DumpWithThreshold(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.Threshold = n
	}
}

// DumpWithEdgeItems sets the number of elements to print at the beginning and end of each dimension.
func DumpWithEdgeItems(n int) DumpOptions {
	return func(opts *dumpOptions) {
		opts.EdgeItems = n
	}
}

type dumpOptions struct {
	Precision, Threshold, EdgeItems int
}

// Dump formats the host bytes of a tensor with concrete shape. Zero elements
// are printed as ________ so sparse results stand out.
func Dump(m TensorMeta, data []byte, optsFuncs ...DumpOptions) (string, error) {
	opts := dumpOptions{Precision: 3, Threshold: 1000, EdgeItems: 3}
	for _, optsFunc := range optsFuncs {
		optsFunc(&opts)
	}

	shape, ok := m.Concrete()
	if !ok {
		return "", fmt.Errorf("dump: symbolic shape %s", ShapeString(m.Shape))
	}

	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	if want := n * m.DType.Size(); uint64(len(data)) != want {
		return "", fmt.Errorf("dump: %s needs %d bytes, got %d", m, want, len(data))
	}
	if n <= uint64(opts.Threshold) {
		opts.EdgeItems = math.MaxInt
	}

	var text func(i int) string
	switch {
	case m.DType.IsFloat():
		fs, err := Float32s(m.DType, data)
		if err != nil {
			return "", err
		}
		text = func(i int) string {
			if fs[i] == 0 {
				return "________"
			}
			return strconv.FormatFloat(float64(fs[i]), 'e', opts.Precision, 32)
		}
	case m.DType.IsInteger() || m.DType == DTypeBool:
		size := int(m.DType.Size())
		text = func(i int) string {
			v := readInt(m.DType, data[i*size:])
			if v == 0 {
				return "________"
			}
			return strconv.FormatInt(v, 10)
		}
	default:
		return "<unsupported>", nil
	}

	if len(shape) == 0 {
		return text(0), nil
	}

	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		sb.WriteString("[")
		defer func() { sb.WriteString("]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.EdgeItems && i < dims[0]-opts.EdgeItems {
				sb.WriteString("..., ")
				// zum naechsten druckbaren Element springen
				skip := dims[0] - 2*opts.EdgeItems
				if len(dims) > 1 {
					stride += skip * product(dims[1:])
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += product(dims[1:])
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				s := text(stride + i)
				if len(s) > 0 && s[0] != '-' {
					sb.WriteString(" ")
				}

				sb.WriteString(s)
				if i < dims[0]-1 {
					sb.WriteString(", ")
				}
			}
		}
	}
	f(dims, 0)

	return sb.String(), nil
}

// Float32s decodes little endian floating point elements.
func Float32s(dt DType, data []byte) ([]float32, error) {
	switch dt {
	case DTypeF32:
		fs := make([]float32, len(data)/4)
		for i := range fs {
			fs[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
		}
		return fs, nil
	case DTypeF64:
		fs := make([]float32, len(data)/8)
		for i := range fs {
			fs[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:])))
		}
		return fs, nil
	case DTypeF16:
		fs := make([]float32, len(data)/2)
		for i := range fs {
			fs[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
		}
		return fs, nil
	case DTypeBF16:
		return bfloat16.DecodeFloat32(data), nil
	default:
		return nil, fmt.Errorf("%s is not a floating point type", dt)
	}
}

// PutFloat32s encodes fs into dst using the element format of dt.
func PutFloat32s(dt DType, dst []byte, fs []float32) error {
	if uint64(len(dst)) < uint64(len(fs))*dt.Size() {
		return fmt.Errorf("destination too small for %d %s elements", len(fs), dt)
	}

	switch dt {
	case DTypeF32:
		for i, f := range fs {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
		}
	case DTypeF64:
		for i, f := range fs {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(float64(f)))
		}
	case DTypeF16:
		for i, f := range fs {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(f).Bits())
		}
	case DTypeBF16:
		copy(dst, bfloat16.EncodeFloat32(fs))
	default:
		return fmt.Errorf("%s is not a floating point type", dt)
	}
	return nil
}

func readInt(dt DType, b []byte) int64 {
	switch dt {
	case DTypeBool, DTypeU8:
		return int64(b[0])
	case DTypeI8:
		return int64(int8(b[0]))
	case DTypeI16:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case DTypeU16:
		return int64(binary.LittleEndian.Uint16(b))
	case DTypeI32:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case DTypeU32:
		return int64(binary.LittleEndian.Uint32(b))
	default:
		return int64(binary.LittleEndian.Uint64(b))
	}
}

func product(s []int) int {
	p := 1
	for _, v := range s {
		p *= v
	}
	return p
}
