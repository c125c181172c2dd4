package tensor

import (
	"math"
	"sync"
)

// QuantVec is an int8 block representation of an input vector, reusable
// across multiple quantized matvec calls with the same input.
type QuantVec struct {
	q      []int8
	q16    []int16
	scales []float32
}

var quantVecPool = sync.Pool{
	New: func() any { return &QuantVec{} },
}

// PrepareQuantVec quantizes x into 32-element int8 blocks with symmetric
// per-block scales.
func PrepareQuantVec(x []float32) *QuantVec {
	if len(x) == 0 {
		return nil
	}
	blocks := (len(x) + 31) / 32
	qx := quantVecPool.Get().(*QuantVec)
	qx.grow(blocks)
	quantizeVecBlocksInto(x, blocks, qx.q, qx.q16, qx.scales)
	return qx
}

// ReleaseQuantVec returns a QuantVec to the pool.
func ReleaseQuantVec(qx *QuantVec) {
	if qx != nil {
		quantVecPool.Put(qx)
	}
}

func (qx *QuantVec) grow(blocks int) {
	n := blocks * 32
	if cap(qx.q) < n {
		qx.q = make([]int8, n)
		qx.q16 = make([]int16, n)
		qx.scales = make([]float32, blocks)
		return
	}
	qx.q = qx.q[:n]
	qx.q16 = qx.q16[:n]
	qx.scales = qx.scales[:blocks]
}

func (qx *QuantVec) usableFor(blocksPerRow int) bool {
	if qx == nil {
		return false
	}
	return len(qx.q16) >= blocksPerRow*32 && len(qx.scales) >= blocksPerRow
}

func quantizeVecBlocksInto(x []float32, blocks int, q []int8, q16 []int16, scales []float32) {
	for b := 0; b < blocks; b++ {
		base := b * 32
		maxAbs := float32(0)
		for i := 0; i < 32; i++ {
			idx := base + i
			if idx >= len(x) {
				break
			}
			v := x[idx]
			if v < 0 {
				v = -v
			}
			if v > maxAbs {
				maxAbs = v
			}
		}
		if maxAbs == 0 {
			scales[b] = 0
			for i := 0; i < 32; i++ {
				q[base+i] = 0
				q16[base+i] = 0
			}
			continue
		}
		scale := maxAbs / 127.0
		scales[b] = scale
		inv := float32(1.0) / scale
		for i := 0; i < 32; i++ {
			idx := base + i
			var c int32
			if idx < len(x) {
				c = int32(math.Round(float64(x[idx] * inv)))
				if c > 127 {
					c = 127
				} else if c < -127 {
					c = -127
				}
			}
			q[base+i] = int8(c)
			q16[base+i] = int16(c)
		}
	}
}
