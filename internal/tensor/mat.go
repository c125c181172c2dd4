package tensor

import (
	"math/rand"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

// Mat represents a dense row-major matrix.
//
// R and C represent the number of rows and columns respectively. Stride is the
// number of elements between the starts of two consecutive rows (for row-major
// matrices this is equal to C). Full-precision matrices keep Data populated.
// Quantized matrices keep the qmf payload in Raw and decode inline in
// MatVec/RowTo to reduce memory bandwidth pressure.
//
// Mat does not perform any memory safety beyond the checks performed by Go's
// slice types; out-of-range indices will panic.
type Mat struct {
	R, C   int
	Stride int

	DType qmf.TensorDType
	Data  []float32
	Raw   []byte

	// Scale is the per-tensor scale for f8e4m3 payloads. Block formats carry
	// per-block scales inside Raw and leave this zero.
	Scale float32

	// Quant is an optional pre-unpacked view of a block payload, built by
	// BuildQuantCache. MatVec prefers it when present.
	Quant *QuantCache
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised. The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic(errNegativeDim)
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  qmf.DTypeF32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic(errRawSizeMismatch)
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  qmf.DTypeF32,
		Data:   data,
	}
}

// NewMatQuant creates a matrix backed by a quantized qmf payload. scale is
// the per-tensor scale for f8e4m3 and must be zero for block formats.
func NewMatQuant(r, c int, dt qmf.TensorDType, raw []byte, scale float32) (Mat, error) {
	if r < 0 || c < 0 {
		return Mat{}, errNegativeDim
	}
	if !dt.IsQuantized() {
		return Mat{}, errUnsupportedDType
	}
	want, err := qmf.QuantPayloadSize([]uint64{uint64(r), uint64(c)}, dt)
	if err != nil {
		return Mat{}, err
	}
	if uint64(len(raw)) != want {
		return Mat{}, errRawSizeMismatch
	}
	if dt == qmf.DTypeF8E4M3 {
		if !(scale > 0) {
			return Mat{}, errBadScale
		}
	} else if scale != 0 {
		return Mat{}, errBadScale
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  dt,
		Raw:    raw,
		Scale:  scale,
	}, nil
}

// IsQuantized reports whether the matrix holds a reduced-precision payload.
func (m *Mat) IsQuantized() bool {
	return m.Raw != nil && m.DType.IsQuantized()
}

// Bytes returns the size of the matrix's backing storage in bytes. The quant
// cache, when present, is counted separately by the caller.
func (m *Mat) Bytes() uint64 {
	if m.Raw != nil {
		return uint64(len(m.Raw))
	}
	return uint64(len(m.Data)) * 4
}

// Row returns the i-th row of the matrix. For f32 matrices the returned slice
// is a view over the underlying data; quantized matrices allocate and decode.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if m.Raw == nil {
		start := i * m.Stride
		return m.Data[start : start+m.C]
	}
	row := make([]float32, m.C)
	m.RowTo(row, i)
	return row
}

// RowTo decodes the i-th row into dst. dst must have length >= C.
func (m *Mat) RowTo(dst []float32, i int) {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	if m.Raw == nil {
		start := i * m.Stride
		copy(dst[:m.C], m.Data[start:start+m.C])
		return
	}
	switch m.DType {
	case qmf.DTypeF8E4M3:
		base := i * m.Stride
		for j := 0; j < m.C; j++ {
			dst[j] = FP8E4M3ToFloat32(m.Raw[base+j]) * m.Scale
		}
	case qmf.DTypeQ8, qmf.DTypeQ4, qmf.DTypeQ2:
		if err := rowToQuant(dst, m, i); err != nil {
			panic(err)
		}
	default:
		panic(errUnsupportedDType)
	}
}

// FillRand fills the matrix with reproducible pseudo-random values. A small
// range around zero is used to avoid overflow in accumulations. The seed
// controls the random sequence; multiple calls with the same seed produce
// identical matrices.
func FillRand(m *Mat, seed int64) {
	if m.Raw != nil {
		panic("FillRand only supports f32 mats")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02 // roughly in (-0.01,0.01)
	}
}

// RandNormal returns a reproducible pseudo-random vector drawn from the
// standard normal distribution. Used for deterministic dummy inputs.
func RandNormal(n int, seed int64) []float32 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

var (
	errNegativeDim      = fmtError("negative dimension for matrix")
	errUnsupportedDType = fmtError("unsupported dtype for raw matrix")
	errRawSizeMismatch  = fmtError("raw data length mismatch")
	errBadScale         = fmtError("invalid scale for dtype")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
