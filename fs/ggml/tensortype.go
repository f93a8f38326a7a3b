// tensortype.go - GGML TensorType Definitionen
// Enthält: TensorType Konstanten (GGUF-Nummerierung), Block- und Elementgroessen,
// Abbildung auf ml.DType

package ggml

import (
	"fmt"

	"github.com/Ceng23333/cuda-driver/ml"
)

// TensorType ist äquivalent zu ggml_type für einzelne Tensor-Typen
type TensorType uint32

const (
	TensorTypeF32 TensorType = iota
	TensorTypeF16
	TensorTypeQ4_0
	TensorTypeQ4_1
	tensorTypeQ4_2 // unbenutzt
	tensorTypeQ4_3 // unbenutzt
	TensorTypeQ5_0
	TensorTypeQ5_1
	TensorTypeQ8_0
	TensorTypeQ8_1
	TensorTypeQ2_K
	TensorTypeQ3_K
	TensorTypeQ4_K
	TensorTypeQ5_K
	TensorTypeQ6_K
	TensorTypeQ8_K
	tensorTypeIQ2_XXS
	tensorTypeIQ2_XS
	tensorTypeIQ3_XXS
	tensorTypeIQ1_S
	tensorTypeIQ4_NL
	tensorTypeIQ3_S
	tensorTypeIQ2_S
	tensorTypeIQ4_XS
	TensorTypeI8
	TensorTypeI16
	TensorTypeI32
	TensorTypeI64
	TensorTypeF64
	tensorTypeIQ1_M
	TensorTypeBF16
)

// BlockSize gibt die Anzahl Elemente pro Block zurueck
// Quantisierte Typen haben BlockSize 32 oder 256
func (t TensorType) BlockSize() uint64 {
	switch t {
	case TensorTypeF32, TensorTypeF16, TensorTypeBF16, TensorTypeF64,
		TensorTypeI8, TensorTypeI16, TensorTypeI32, TensorTypeI64:
		return 1
	case TensorTypeQ4_0, TensorTypeQ4_1, TensorTypeQ5_0, TensorTypeQ5_1,
		TensorTypeQ8_0, TensorTypeQ8_1, tensorTypeIQ4_NL:
		return 32
	default:
		return 256
	}
}

// TypeSize gibt die Byte-Groesse pro Block zurueck
func (t TensorType) TypeSize() uint64 {
	blockSize := t.BlockSize()

	switch t {
	case TensorTypeF32, TensorTypeI32:
		return 4
	case TensorTypeF16, TensorTypeBF16, TensorTypeI16:
		return 2
	case TensorTypeF64, TensorTypeI64:
		return 8
	case TensorTypeI8:
		return 1
	case TensorTypeQ4_0:
		return 2 + blockSize/2
	case TensorTypeQ4_1:
		return 2 + 2 + blockSize/2
	case TensorTypeQ5_0:
		return 2 + 4 + blockSize/2
	case TensorTypeQ5_1:
		return 2 + 2 + 4 + blockSize/2
	case TensorTypeQ8_0:
		return 2 + blockSize
	case TensorTypeQ8_1:
		return 2 + 2 + blockSize
	case TensorTypeQ2_K:
		return blockSize/16 + blockSize/4 + 2 + 2
	case TensorTypeQ3_K:
		return blockSize/8 + blockSize/4 + 12 + 2
	case TensorTypeQ4_K:
		return 2 + 2 + 12 + blockSize/2
	case TensorTypeQ5_K:
		return 2 + 2 + 12 + blockSize/8 + blockSize/2
	case TensorTypeQ6_K:
		return blockSize/2 + blockSize/4 + blockSize/16 + 2
	case TensorTypeQ8_K:
		return 4 + blockSize + 2*blockSize/16
	case tensorTypeIQ4_NL:
		return 2 + blockSize/2
	default:
		return 0
	}
}

// DType bildet den Tensor-Typ auf einen Elementtyp ab.
// Quantisierte Block-Typen haben keinen Elementtyp.
func (t TensorType) DType() (ml.DType, error) {
	switch t {
	case TensorTypeF32:
		return ml.DTypeF32, nil
	case TensorTypeF16:
		return ml.DTypeF16, nil
	case TensorTypeBF16:
		return ml.DTypeBF16, nil
	case TensorTypeF64:
		return ml.DTypeF64, nil
	case TensorTypeI8:
		return ml.DTypeI8, nil
	case TensorTypeI16:
		return ml.DTypeI16, nil
	case TensorTypeI32:
		return ml.DTypeI32, nil
	case TensorTypeI64:
		return ml.DTypeI64, nil
	}
	if t.IsQuantized() {
		return ml.DTypeOther, fmt.Errorf("quantized tensor type %s is not supported", t)
	}
	return ml.DTypeOther, fmt.Errorf("unsupported tensor type %s", t)
}

// TensorTypeOf ist die Umkehrung von DType.
// U32/U64 werden wie in GGUF ueblich als I32/I64 gespeichert.
func TensorTypeOf(dt ml.DType) (TensorType, error) {
	switch dt {
	case ml.DTypeF32:
		return TensorTypeF32, nil
	case ml.DTypeF16:
		return TensorTypeF16, nil
	case ml.DTypeBF16:
		return TensorTypeBF16, nil
	case ml.DTypeF64:
		return TensorTypeF64, nil
	case ml.DTypeI8, ml.DTypeU8:
		return TensorTypeI8, nil
	case ml.DTypeI16, ml.DTypeU16:
		return TensorTypeI16, nil
	case ml.DTypeI32, ml.DTypeU32:
		return TensorTypeI32, nil
	case ml.DTypeI64, ml.DTypeU64:
		return TensorTypeI64, nil
	default:
		return 0, fmt.Errorf("dtype %s has no tensor type", dt)
	}
}

// IsQuantized meldet Block-Typen mit mehr als einem Element pro Block
func (t TensorType) IsQuantized() bool {
	return t.BlockSize() > 1
}

// String gibt die String-Repräsentation des TensorType zurück
func (t TensorType) String() string {
	switch t {
	case TensorTypeF32:
		return "F32"
	case TensorTypeF16:
		return "F16"
	case TensorTypeQ4_0:
		return "Q4_0"
	case TensorTypeQ4_1:
		return "Q4_1"
	case TensorTypeQ5_0:
		return "Q5_0"
	case TensorTypeQ5_1:
		return "Q5_1"
	case TensorTypeQ8_0:
		return "Q8_0"
	case TensorTypeQ8_1:
		return "Q8_1"
	case TensorTypeQ2_K:
		return "Q2_K"
	case TensorTypeQ3_K:
		return "Q3_K"
	case TensorTypeQ4_K:
		return "Q4_K"
	case TensorTypeQ5_K:
		return "Q5_K"
	case TensorTypeQ6_K:
		return "Q6_K"
	case TensorTypeQ8_K:
		return "Q8_K"
	case TensorTypeI8:
		return "I8"
	case TensorTypeI16:
		return "I16"
	case TensorTypeI32:
		return "I32"
	case TensorTypeI64:
		return "I64"
	case TensorTypeF64:
		return "F64"
	case TensorTypeBF16:
		return "BF16"
	default:
		return fmt.Sprintf("type(%d)", uint32(t))
	}
}
