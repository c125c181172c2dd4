package tensor

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/x448/float16"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

// Block payload layout: a float16 scale per 32-element block, padded to a
// 64-byte boundary, followed by the packed codes for every block in row-major
// block order. Codes are two's-complement fields packed LSB-first.

type quantLayout struct {
	bits           int
	qmax           int32
	blocksPerRow   int
	blockDataBytes int

	scaleOff   int
	scaleCount int

	dataOff   int
	dataBytes int
}

var q4SignTable = [16]int8{
	0, 1, 2, 3, 4, 5, 6, 7,
	-8, -7, -6, -5, -4, -3, -2, -1,
}

func quantParams(dt qmf.TensorDType) (bits int, qmax int32, err error) {
	switch dt {
	case qmf.DTypeQ8:
		return 8, 127, nil
	case qmf.DTypeQ4:
		return 4, 7, nil
	case qmf.DTypeQ2:
		return 2, 1, nil
	default:
		return 0, 0, errors.New("unsupported quant dtype")
	}
}

func quantLayoutForMat(rows, cols int, dt qmf.TensorDType, rawLen int) (quantLayout, error) {
	if rows <= 0 || cols <= 0 {
		return quantLayout{}, errors.New("invalid quant mat shape")
	}
	bits, qmax, err := quantParams(dt)
	if err != nil {
		return quantLayout{}, err
	}

	wantU64, err := qmf.QuantPayloadSize([]uint64{uint64(rows), uint64(cols)}, dt)
	if err != nil {
		return quantLayout{}, err
	}
	if wantU64 > uint64(int(^uint(0)>>1)) {
		return quantLayout{}, errors.New("quant payload too large")
	}
	if rawLen >= 0 && int(wantU64) != rawLen {
		return quantLayout{}, errors.New("quant payload size mismatch")
	}

	blocksPerRow := (cols + 31) / 32
	totalBlocks, ok := mulInt(rows, blocksPerRow)
	if !ok {
		return quantLayout{}, errors.New("quant payload too large")
	}
	blockDataBytes := (32 * bits) / 8
	dataBytes, ok := mulInt(totalBlocks, blockDataBytes)
	if !ok {
		return quantLayout{}, errors.New("quant payload too large")
	}
	scaleBytes, ok := mulInt(totalBlocks, 2)
	if !ok {
		return quantLayout{}, errors.New("quant payload too large")
	}
	dataOff, ok := align64Int(scaleBytes)
	if !ok {
		return quantLayout{}, errors.New("quant payload too large")
	}

	return quantLayout{
		bits:           bits,
		qmax:           qmax,
		blocksPerRow:   blocksPerRow,
		blockDataBytes: blockDataBytes,
		scaleOff:       0,
		scaleCount:     totalBlocks,
		dataOff:        dataOff,
		dataBytes:      dataBytes,
	}, nil
}

// QuantizeBlocks encodes a row-major f32 weight matrix as a block payload of
// the given dtype. Scales are symmetric per block and stored as float16; the
// stored scale is read back before computing codes so decoding is exact with
// respect to the payload.
func QuantizeBlocks(w []float32, rows, cols int, dt qmf.TensorDType) ([]byte, error) {
	if rows <= 0 || cols <= 0 || len(w) != rows*cols {
		return nil, errors.New("invalid quant source shape")
	}
	layout, err := quantLayoutForMat(rows, cols, dt, -1)
	if err != nil {
		return nil, err
	}

	out := make([]byte, layout.dataOff+layout.dataBytes)
	scales := out[layout.scaleOff : layout.scaleOff+layout.scaleCount*2]
	data := out[layout.dataOff : layout.dataOff+layout.dataBytes]

	var codes [32]int8
	for r := 0; r < rows; r++ {
		rowBase := r * cols
		blockBase := r * layout.blocksPerRow
		for b := 0; b < layout.blocksPerRow; b++ {
			col := b * 32
			n := cols - col
			if n > 32 {
				n = 32
			}
			src := w[rowBase+col : rowBase+col+n]

			maxAbs := float32(0)
			for _, v := range src {
				if v < 0 {
					v = -v
				}
				if v > maxAbs {
					maxAbs = v
				}
			}

			blockIdx := blockBase + b
			scaleBits := float16.Fromfloat32(maxAbs / float32(layout.qmax)).Bits()
			binary.LittleEndian.PutUint16(scales[blockIdx*2:], scaleBits)
			scale := float16.Frombits(scaleBits).Float32()

			codes = [32]int8{}
			if scale != 0 {
				inv := 1 / scale
				for i, v := range src {
					q := int32(math.RoundToEven(float64(v * inv)))
					if q > layout.qmax {
						q = layout.qmax
					} else if q < -layout.qmax {
						q = -layout.qmax
					}
					codes[i] = int8(q)
				}
			}
			packBlock(data[blockIdx*layout.blockDataBytes:], &codes, layout.bits)
		}
	}
	return out, nil
}

// QuantizeF8 encodes a f32 weight matrix as an f8e4m3 payload with a single
// per-tensor scale. The scale is always positive, even for all-zero tensors.
func QuantizeF8(w []float32) ([]byte, float32) {
	maxAbs := float32(0)
	for _, v := range w {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	scale := maxAbs / fp8MaxFinite
	if scale == 0 {
		scale = 1
	}
	out := make([]byte, len(w))
	inv := 1 / scale
	for i, v := range w {
		out[i] = FP8E4M3FromFloat32(v * inv)
	}
	return out, scale
}

func packBlock(dst []byte, codes *[32]int8, bits int) {
	switch bits {
	case 8:
		for i := 0; i < 32; i++ {
			dst[i] = byte(codes[i])
		}
	case 4:
		for i := 0; i < 16; i++ {
			lo := uint8(codes[2*i]) & 0x0F
			hi := uint8(codes[2*i+1]) & 0x0F
			dst[i] = lo | hi<<4
		}
	case 2:
		for i := 0; i < 8; i++ {
			var b uint8
			for j := 0; j < 4; j++ {
				b |= (uint8(codes[4*i+j]) & 0x3) << uint(2*j)
			}
			dst[i] = b
		}
	default:
		panic("unsupported quant bit width")
	}
}

func decodeBlock(dst *[32]int8, src []byte, bits int) {
	switch bits {
	case 8:
		// Fast path: 8-bit is just a byte copy
		for i := 0; i < 32; i++ {
			dst[i] = int8(src[i])
		}
	case 4:
		decodeBlock4(dst, src)
	default:
		decodeBlockBits(dst, src, bits)
	}
}

// decodeBlock4 decodes a 4-bit quantized block, unrolled four bytes at a time.
func decodeBlock4(dst *[32]int8, src []byte) {
	for i := 0; i < 16; i += 4 {
		b0 := src[i]
		b1 := src[i+1]
		b2 := src[i+2]
		b3 := src[i+3]

		base := i * 2
		dst[base] = q4SignTable[b0&0x0F]
		dst[base+1] = q4SignTable[b0>>4&0x0F]
		dst[base+2] = q4SignTable[b1&0x0F]
		dst[base+3] = q4SignTable[b1>>4&0x0F]
		dst[base+4] = q4SignTable[b2&0x0F]
		dst[base+5] = q4SignTable[b2>>4&0x0F]
		dst[base+6] = q4SignTable[b3&0x0F]
		dst[base+7] = q4SignTable[b3>>4&0x0F]
	}
}

func decodeBlockBits(dst *[32]int8, src []byte, bits int) {
	bitPos := 0
	for i := 0; i < 32; i++ {
		var v uint8
		for b := 0; b < bits; b++ {
			byteIdx := bitPos >> 3
			bitIdx := uint(bitPos & 7)
			if (src[byteIdx]>>bitIdx)&1 == 1 {
				v |= 1 << uint(b)
			}
			bitPos++
		}
		dst[i] = signExtend(v, bits)
	}
}

func signExtend(v uint8, bits int) int8 {
	shift := uint(8 - bits)
	return int8(v<<shift) >> shift
}

func scaleAt(raw []byte, idx int) float32 {
	u := binary.LittleEndian.Uint16(raw[idx*2:])
	return float16.Frombits(u).Float32()
}

func rowToQuant(dst []float32, m *Mat, row int) error {
	layout, err := quantLayoutForMat(m.R, m.C, m.DType, len(m.Raw))
	if err != nil {
		return err
	}
	if row < 0 || row >= m.R {
		return errors.New("row out of range")
	}

	scalesRaw := m.Raw[layout.scaleOff : layout.scaleOff+layout.scaleCount*2]
	data := m.Raw[layout.dataOff : layout.dataOff+layout.dataBytes]
	var qbuf [32]int8

	blockBase := row * layout.blocksPerRow
	for b := 0; b < layout.blocksPerRow; b++ {
		col := b * 32
		n := m.C - col
		if n <= 0 {
			break
		}
		if n > 32 {
			n = 32
		}
		blockIdx := blockBase + b
		scale := scaleAt(scalesRaw, blockIdx)
		dataOff := blockIdx * layout.blockDataBytes
		if scale == 0 {
			for i := 0; i < n; i++ {
				dst[col+i] = 0
			}
			continue
		}
		decodeBlock(&qbuf, data[dataOff:dataOff+layout.blockDataBytes], layout.bits)
		for i := 0; i < n; i++ {
			dst[col+i] = float32(qbuf[i]) * scale
		}
	}
	return nil
}

func mulInt(a, b int) (int, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if a > int(^uint(0)>>1)/b {
		return 0, false
	}
	return a * b, true
}

func align64Int(n int) (int, bool) {
	if n > int(^uint(0)>>1)-63 {
		return 0, false
	}
	return (n + 63) &^ 63, true
}
