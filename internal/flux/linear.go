package flux

import (
	"fmt"

	"github.com/mbaxter/diffuse/internal/tensor"
)

// LinearLayer is a dense projection slot. Both full-precision and quantized
// implementations satisfy it, so quantization can swap one for the other in
// place.
type LinearLayer interface {
	Forward(dst, x []float32)
	InDim() int
	OutDim() int
	WeightBytes() uint64
}

// Linear is a full-precision dense layer: dst = W*x + b.
type Linear struct {
	In, Out int
	W       tensor.Mat
	B       []float32
}

// NewLinear allocates a Linear with deterministically seeded weights and a
// zero bias.
func NewLinear(in, out int, seed int64) *Linear {
	l := &Linear{
		In:  in,
		Out: out,
		W:   tensor.NewMat(out, in),
		B:   make([]float32, out),
	}
	tensor.FillRand(&l.W, seed)
	return l
}

func (l *Linear) InDim() int  { return l.In }
func (l *Linear) OutDim() int { return l.Out }

func (l *Linear) WeightBytes() uint64 {
	return l.W.Bytes() + uint64(len(l.B))*4
}

func (l *Linear) Forward(dst, x []float32) {
	tensor.MatVec(dst, &l.W, x)
	tensor.Add(dst[:l.Out], l.B)
}

// QLinear is a dense layer whose weight holds a quantized payload. The bias
// stays in full precision. When the layer carries an activation format the
// input vector is quantized per call before the product.
type QLinear struct {
	In, Out int
	W       tensor.Mat
	B       []float32

	Weights     Format
	Activations Format
}

func (l *QLinear) InDim() int  { return l.In }
func (l *QLinear) OutDim() int { return l.Out }

func (l *QLinear) WeightBytes() uint64 {
	return l.W.Bytes() + l.W.Quant.Bytes() + uint64(len(l.B))*4
}

func (l *QLinear) Forward(dst, x []float32) {
	switch l.Activations {
	case FormatInt8:
		qx := tensor.PrepareQuantVec(x[:l.In])
		tensor.MatVecPrepared(dst, &l.W, x, qx)
		tensor.ReleaseQuantVec(qx)
	case FormatFloat8:
		tmp := make([]float32, l.In)
		f8Roundtrip(tmp, x[:l.In])
		tensor.MatVec(dst, &l.W, tmp)
	default:
		tensor.MatVec(dst, &l.W, x)
	}
	tensor.Add(dst[:l.Out], l.B)
}

// f8Roundtrip quantizes x through the f8e4m3 codec with a per-call scale.
func f8Roundtrip(dst, x []float32) {
	maxAbs := float32(0)
	for _, v := range x {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	scale := maxAbs / 448
	if scale == 0 {
		copy(dst, x)
		return
	}
	inv := 1 / scale
	for i, v := range x {
		dst[i] = tensor.FP8E4M3ToFloat32(tensor.FP8E4M3FromFloat32(v*inv)) * scale
	}
}

// quantizeLinear converts a full-precision layer into a QLinear with the
// requested weight format.
func quantizeLinear(l *Linear, weights, activations Format) (*QLinear, error) {
	dt, err := weights.DType()
	if err != nil {
		return nil, err
	}

	src := make([]float32, l.Out*l.In)
	row := make([]float32, l.In)
	for r := 0; r < l.Out; r++ {
		l.W.RowTo(row, r)
		copy(src[r*l.In:], row[:l.In])
	}

	var m tensor.Mat
	if weights == FormatFloat8 {
		payload, scale := tensor.QuantizeF8(src)
		m, err = tensor.NewMatQuant(l.Out, l.In, dt, payload, scale)
	} else {
		var payload []byte
		payload, err = tensor.QuantizeBlocks(src, l.Out, l.In, dt)
		if err != nil {
			return nil, fmt.Errorf("quantize %dx%d: %w", l.Out, l.In, err)
		}
		m, err = tensor.NewMatQuant(l.Out, l.In, dt, payload, 0)
	}
	if err != nil {
		return nil, err
	}

	b := make([]float32, len(l.B))
	copy(b, l.B)
	return &QLinear{
		In:          l.In,
		Out:         l.Out,
		W:           m,
		B:           b,
		Weights:     weights,
		Activations: activations,
	}, nil
}
