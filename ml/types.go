// types.go - Elementtypen fuer Tensoren
// Dieses Modul definiert DType mit fester Elementbreite sowie Parsing und Formatierung.
package ml

import (
	"fmt"
	"strings"
)

// DType represents the data type of tensor elements.
type DType int

const (
	DTypeOther DType = iota
	DTypeBool
	DTypeI8
	DTypeI16
	DTypeI32
	DTypeI64
	DTypeU8
	DTypeU16
	DTypeU32
	DTypeU64
	DTypeF16
	DTypeBF16
	DTypeF32
	DTypeF64
)

var dtypeNames = [...]string{
	DTypeOther: "other",
	DTypeBool:  "bool",
	DTypeI8:    "i8",
	DTypeI16:   "i16",
	DTypeI32:   "i32",
	DTypeI64:   "i64",
	DTypeU8:    "u8",
	DTypeU16:   "u16",
	DTypeU32:   "u32",
	DTypeU64:   "u64",
	DTypeF16:   "f16",
	DTypeBF16:  "bf16",
	DTypeF32:   "f32",
	DTypeF64:   "f64",
}

// Size returns the number of bytes of a single element, 0 for DTypeOther.
func (t DType) Size() uint64 {
	switch t {
	case DTypeBool, DTypeI8, DTypeU8:
		return 1
	case DTypeI16, DTypeU16, DTypeF16, DTypeBF16:
		return 2
	case DTypeI32, DTypeU32, DTypeF32:
		return 4
	case DTypeI64, DTypeU64, DTypeF64:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether t is a signed or unsigned integer type.
func (t DType) IsInteger() bool {
	return t >= DTypeI8 && t <= DTypeU64
}

// IsFloat reports whether t is a floating point type.
func (t DType) IsFloat() bool {
	return t >= DTypeF16 && t <= DTypeF64
}

func (t DType) String() string {
	if t >= 0 && int(t) < len(dtypeNames) {
		return dtypeNames[t]
	}
	return fmt.Sprintf("dtype(%d)", int(t))
}

// ParseDType parst einen Typnamen wie "f32" oder "U32"
func ParseDType(s string) (DType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range dtypeNames {
		if DType(i) != DTypeOther && name == s {
			return DType(i), nil
		}
	}
	return DTypeOther, fmt.Errorf("unsupported dtype %q", s)
}
