package qmf

import (
	"errors"
	"fmt"
)

// TensorDType identifies the tensor element encoding.
// Values are stable forever; add new ones, never renumber.
type TensorDType uint32

const (
	DTypeUnknown TensorDType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeF64
	DTypeI8
	DTypeU8
	DTypeI16
	DTypeU16
	DTypeI32
	DTypeU32
	DTypeI64
	DTypeU64
)

// Quantized encodings live in a reserved higher range.
const (
	// DTypeF8E4M3 stores one e4m3 byte per element plus a per-tensor float32
	// scale carried in the QuantInfo record.
	DTypeF8E4M3 TensorDType = 0x1001

	// DTypeQ8, DTypeQ4 and DTypeQ2 store 32-element blocks of packed signed
	// codes with a per-block f16 scale prefix (64-byte aligned sub-regions).
	DTypeQ8 TensorDType = 0x1002
	DTypeQ4 TensorDType = 0x1003
	DTypeQ2 TensorDType = 0x1004
)

func (dt TensorDType) String() string {
	switch dt {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeF64:
		return "f64"
	case DTypeI8:
		return "i8"
	case DTypeU8:
		return "u8"
	case DTypeI16:
		return "i16"
	case DTypeU16:
		return "u16"
	case DTypeI32:
		return "i32"
	case DTypeU32:
		return "u32"
	case DTypeI64:
		return "i64"
	case DTypeU64:
		return "u64"
	case DTypeF8E4M3:
		return "f8e4m3"
	case DTypeQ8:
		return "q8"
	case DTypeQ4:
		return "q4"
	case DTypeQ2:
		return "q2"
	default:
		return fmt.Sprintf("dtype(%d)", uint32(dt))
	}
}

// IsQuantized reports whether the dtype is a reduced-precision weight encoding.
func (dt TensorDType) IsQuantized() bool {
	switch dt {
	case DTypeF8E4M3, DTypeQ8, DTypeQ4, DTypeQ2:
		return true
	default:
		return false
	}
}

// QuantBits returns the code width of a block-quantized dtype, or 0 for
// dtypes without packed integer codes.
func (dt TensorDType) QuantBits() int {
	switch dt {
	case DTypeQ8:
		return 8
	case DTypeQ4:
		return 4
	case DTypeQ2:
		return 2
	default:
		return 0
	}
}

// DTypeRequiresAligned64 reports whether the dtype's payload uses 64-byte
// aligned internal sub-regions (scales, then packed codes).
func DTypeRequiresAligned64(dt TensorDType) bool {
	return dt.QuantBits() != 0
}

// ElemSize returns the per-element byte size for fixed-width dtypes.
// Block-quantized dtypes have no meaningful per-element size; ok is false.
func (dt TensorDType) ElemSize() (int, bool) {
	switch dt {
	case DTypeF32, DTypeI32, DTypeU32:
		return 4, true
	case DTypeF16, DTypeBF16, DTypeI16, DTypeU16:
		return 2, true
	case DTypeF64, DTypeI64, DTypeU64:
		return 8, true
	case DTypeI8, DTypeU8, DTypeF8E4M3:
		return 1, true
	default:
		return 0, false
	}
}

const (
	quantBlockSize uint64 = 32
)

// QuantPayloadSize returns the exact payload size in bytes for a quantized
// rank-2 tensor. Block formats include the internal 64-byte alignment gap
// between the scale table and the packed codes but no trailing padding.
func QuantPayloadSize(shape []uint64, dt TensorDType) (uint64, error) {
	if !dt.IsQuantized() {
		return 0, errors.New("qmf: dtype is not a quantized payload")
	}
	if len(shape) != 2 {
		return 0, errors.New("qmf: quant tensors must be rank-2")
	}
	rows, cols := shape[0], shape[1]
	if rows == 0 || cols == 0 {
		return 0, errors.New("qmf: invalid quant tensor shape")
	}

	if dt == DTypeF8E4M3 {
		n, ok := mulUint64(rows, cols)
		if !ok {
			return 0, errors.New("qmf: quant tensor too large")
		}
		return n, nil
	}

	bits := uint64(dt.QuantBits())
	blocksPerRow := (cols + quantBlockSize - 1) / quantBlockSize
	totalBlocks, ok := mulUint64(rows, blocksPerRow)
	if !ok {
		return 0, errors.New("qmf: quant tensor too large")
	}
	blockDataBytes := quantBlockSize * bits / 8
	dataBytes, ok := mulUint64(totalBlocks, blockDataBytes)
	if !ok {
		return 0, errors.New("qmf: quant tensor too large")
	}
	scaleBytes, ok := mulUint64(totalBlocks, 2)
	if !ok {
		return 0, errors.New("qmf: quant tensor too large")
	}
	off, ok := align64(scaleBytes)
	if !ok {
		return 0, errors.New("qmf: quant tensor too large")
	}
	size, ok := addUint64(off, dataBytes)
	if !ok {
		return 0, errors.New("qmf: quant tensor too large")
	}
	return size, nil
}

func align64(n uint64) (uint64, bool) {
	if n > ^uint64(0)-63 {
		return 0, false
	}
	return (n + 63) &^ uint64(63), true
}

func addUint64(a, b uint64) (uint64, bool) {
	if a > ^uint64(0)-b {
		return 0, false
	}
	return a + b, true
}

func mulUint64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > ^uint64(0)/b {
		return 0, false
	}
	return a * b, true
}
