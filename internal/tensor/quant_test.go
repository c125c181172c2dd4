package tensor

import (
	"math"
	"testing"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

func TestQuantizeBlocksPayloadSize(t *testing.T) {
	tests := []struct {
		name       string
		rows, cols int
		dt         qmf.TensorDType
	}{
		{name: "q8 aligned", rows: 8, cols: 64, dt: qmf.DTypeQ8},
		{name: "q4 aligned", rows: 8, cols: 64, dt: qmf.DTypeQ4},
		{name: "q2 aligned", rows: 8, cols: 64, dt: qmf.DTypeQ2},
		{name: "q8 ragged cols", rows: 3, cols: 50, dt: qmf.DTypeQ8},
		{name: "q4 single block", rows: 1, cols: 32, dt: qmf.DTypeQ4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := make([]float32, tt.rows*tt.cols)
			for i := range w {
				w[i] = float32(i%13) - 6
			}
			payload, err := QuantizeBlocks(w, tt.rows, tt.cols, tt.dt)
			if err != nil {
				t.Fatalf("quantize: %v", err)
			}
			want, err := qmf.QuantPayloadSize([]uint64{uint64(tt.rows), uint64(tt.cols)}, tt.dt)
			if err != nil {
				t.Fatalf("payload size: %v", err)
			}
			if uint64(len(payload)) != want {
				t.Fatalf("payload size mismatch: got %d want %d", len(payload), want)
			}
		})
	}
}

func TestQuantizeBlocksRoundTripError(t *testing.T) {
	const rows, cols = 16, 96
	src := RandNormal(rows*cols, 7)

	// Per-element error for symmetric block quantization is bounded by a bit
	// over half the step size (the f16 scale itself carries rounding error).
	tests := []struct {
		name string
		dt   qmf.TensorDType
		qmax float32
	}{
		{name: "q8", dt: qmf.DTypeQ8, qmax: 127},
		{name: "q4", dt: qmf.DTypeQ4, qmax: 7},
		{name: "q2", dt: qmf.DTypeQ2, qmax: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := QuantizeBlocks(src, rows, cols, tt.dt)
			if err != nil {
				t.Fatalf("quantize: %v", err)
			}
			m, err := NewMatQuant(rows, cols, tt.dt, payload, 0)
			if err != nil {
				t.Fatalf("new mat: %v", err)
			}

			row := make([]float32, cols)
			for r := 0; r < rows; r++ {
				m.RowTo(row, r)
				for b := 0; b*32 < cols; b++ {
					col := b * 32
					n := cols - col
					if n > 32 {
						n = 32
					}
					maxAbs := float32(0)
					for i := 0; i < n; i++ {
						v := src[r*cols+col+i]
						if v < 0 {
							v = -v
						}
						if v > maxAbs {
							maxAbs = v
						}
					}
					bound := maxAbs/tt.qmax*0.51 + maxAbs*0.002
					for i := 0; i < n; i++ {
						diff := float64(row[col+i] - src[r*cols+col+i])
						if math.Abs(diff) > float64(bound) {
							t.Fatalf("row %d col %d: error %v exceeds %v", r, col+i, diff, bound)
						}
					}
				}
			}
		})
	}
}

func TestPackDecodeBlockRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		bits  int
		codes [32]int8
	}{
		{
			name: "q8 extremes",
			bits: 8,
			codes: [32]int8{
				127, -127, 0, 1, -1, 64, -64, 100,
				-100, 2, -2, 3, -3, 4, -4, 5,
				-5, 6, -6, 7, -7, 8, -8, 9,
				-9, 10, -10, 11, -11, 12, -12, 13,
			},
		},
		{
			name: "q4 extremes",
			bits: 4,
			codes: [32]int8{
				7, -7, 0, 1, -1, 2, -2, 3,
				-3, 4, -4, 5, -5, 6, -6, 7,
				-7, 0, 1, -1, 2, -2, 3, -3,
				4, -4, 5, -5, 6, -6, 7, -7,
			},
		},
		{
			name: "q2 extremes",
			bits: 2,
			codes: [32]int8{
				1, -1, 0, 1, -1, 0, 1, -1,
				0, 1, -1, 0, 1, -1, 0, 1,
				-1, 0, 1, -1, 0, 1, -1, 0,
				1, -1, 0, 1, -1, 0, 1, -1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, 32*tt.bits/8)
			packBlock(buf, &tt.codes, tt.bits)
			var got [32]int8
			decodeBlock(&got, buf, tt.bits)
			if got != tt.codes {
				t.Fatalf("round trip mismatch:\ngot  %v\nwant %v", got, tt.codes)
			}
		})
	}
}

func TestQuantizeF8RoundTrip(t *testing.T) {
	src := RandNormal(256, 11)
	payload, scale := QuantizeF8(src)
	if len(payload) != len(src) {
		t.Fatalf("payload length mismatch: got %d want %d", len(payload), len(src))
	}
	if !(scale > 0) {
		t.Fatalf("scale must be positive, got %v", scale)
	}

	maxAbs := float32(0)
	for _, v := range src {
		if v < 0 {
			v = -v
		}
		if v > maxAbs {
			maxAbs = v
		}
	}
	// e4m3 keeps about 2 decimal digits; relative error per element is under
	// 1/16 of the value plus one subnormal step at the tensor scale.
	bound := float64(maxAbs)/16 + float64(scale)/256
	for i, b := range payload {
		got := FP8E4M3ToFloat32(b) * scale
		if math.Abs(float64(got-src[i])) > bound {
			t.Fatalf("elem %d: decoded %v want %v (bound %v)", i, got, src[i], bound)
		}
	}
}

func TestQuantizeF8ZeroTensor(t *testing.T) {
	payload, scale := QuantizeF8(make([]float32, 64))
	if scale != 1 {
		t.Fatalf("zero tensor scale: got %v want 1", scale)
	}
	for i, b := range payload {
		if b != 0 {
			t.Fatalf("elem %d: got code 0x%02X want 0", i, b)
		}
	}
}

func TestNewMatQuantValidation(t *testing.T) {
	payload, err := QuantizeBlocks(make([]float32, 64), 1, 64, qmf.DTypeQ8)
	if err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if _, err := NewMatQuant(1, 64, qmf.DTypeQ8, payload[:len(payload)-1], 0); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
	if _, err := NewMatQuant(1, 64, qmf.DTypeQ8, payload, 2); err == nil {
		t.Fatalf("expected error for scale on block format")
	}
	if _, err := NewMatQuant(1, 64, qmf.DTypeF8E4M3, make([]byte, 64), 0); err == nil {
		t.Fatalf("expected error for f8 without scale")
	}
	if _, err := NewMatQuant(1, 64, qmf.DTypeF32, payload, 0); err == nil {
		t.Fatalf("expected error for non-quant dtype")
	}
}
