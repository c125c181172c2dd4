package tensor

import (
	"runtime"
	"sync"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

type matVecTask struct {
	dst    []float32
	w      *Mat
	x      []float32
	qx     *QuantVec
	rs, re int
	done   chan struct{}
}

type matVecPool struct {
	size      int
	tasks     chan matVecTask
	doneSlots chan chan struct{}
}

var matVecWorkPool *matVecPool

var matVecPoolOnce sync.Once

func getMatVecPool() *matVecPool {
	matVecPoolOnce.Do(func() {
		matVecWorkPool = newMatVecPool()
	})
	return matVecWorkPool
}

func newMatVecPool() *matVecPool {
	size := runtime.GOMAXPROCS(0)
	if size < 1 {
		size = 1
	}
	p := &matVecPool{
		size:      size,
		tasks:     make(chan matVecTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for i := 0; i < size; i++ {
		p.doneSlots <- make(chan struct{}, 1)
	}
	for i := 0; i < size; i++ {
		go func() {
			for task := range p.tasks {
				matVecRange(task.dst, task.w, task.x, task.rs, task.re, task.qx)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// MatVec computes dst = w * x where w is a matrix and x is a vector.
// It runs in parallel using a worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	MatVecPrepared(dst, w, x, nil)
}

// MatVecPrepared is MatVec with an optional pre-quantized input vector.
// qx applies only to block-quantized weights and must have been built from x.
func MatVecPrepared(dst []float32, w *Mat, x []float32, qx *QuantVec) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}

	pool := getMatVecPool()
	workers := pool.size
	if workers > w.R {
		workers = w.R
	}

	if workers <= 1 {
		matVecRange(dst, w, x, 0, w.R, qx)
		return
	}

	chunk := (w.R + workers - 1) / workers
	done := <-pool.doneSlots

	activeWorkers := 0
	for i := 0; i < workers; i++ {
		rs := i * chunk
		re := rs + chunk
		if re > w.R {
			re = w.R
		}
		if rs >= re {
			break
		}
		activeWorkers++
		pool.tasks <- matVecTask{
			dst:  dst,
			w:    w,
			x:    x,
			qx:   qx,
			rs:   rs,
			re:   re,
			done: done,
		}
	}

	for i := 0; i < activeWorkers; i++ {
		<-done
	}
	pool.doneSlots <- done
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int, qx *QuantVec) {
	if w.Raw == nil || w.DType == qmf.DTypeF32 {
		matVecRangeF32(dst, w, x, rs, re)
		return
	}
	switch w.DType {
	case qmf.DTypeF8E4M3:
		matVecRangeF8(dst, w, x, rs, re)
	case qmf.DTypeQ8, qmf.DTypeQ4, qmf.DTypeQ2:
		if w.Quant != nil && w.Quant.validFor(w) {
			matVecRangeCached(dst, w, x, rs, re, qx)
			return
		}
		matVecRangeQ(dst, w, x, rs, re, qx)
	default:
		panic("unsupported dtype for matvec")
	}
}

func matVecRangeF32(dst []float32, w *Mat, x []float32, rs, re int) {
	for i := rs; i < re; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+w.C]
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			sum += row[j]*x[j] + row[j+1]*x[j+1] + row[j+2]*x[j+2] + row[j+3]*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}

func matVecRangeF8(dst []float32, w *Mat, x []float32, rs, re int) {
	raw := w.Raw
	scale := w.Scale
	for i := rs; i < re; i++ {
		off := i * w.Stride
		if w.C > 0 {
			// Help bounds-check elimination for the hot inner loop.
			_ = raw[off+w.C-1]
		}
		var sum float32
		j := 0
		for ; j+3 < w.C; j += 4 {
			sum += fp8Table[raw[off+j]]*x[j] +
				fp8Table[raw[off+j+1]]*x[j+1] +
				fp8Table[raw[off+j+2]]*x[j+2] +
				fp8Table[raw[off+j+3]]*x[j+3]
		}
		for ; j < w.C; j++ {
			sum += fp8Table[raw[off+j]] * x[j]
		}
		dst[i] = sum * scale
	}
}

func matVecRangeQ(dst []float32, w *Mat, x []float32, rs, re int, qx *QuantVec) {
	layout, err := quantLayoutForMat(w.R, w.C, w.DType, len(w.Raw))
	if err != nil {
		panic(err)
	}

	useInt8 := qx.usableFor(layout.blocksPerRow)
	scalesRaw := w.Raw[layout.scaleOff : layout.scaleOff+layout.scaleCount*2]
	data := w.Raw[layout.dataOff : layout.dataOff+layout.dataBytes]

	var qbuf [32]int8
	for r := rs; r < re; r++ {
		blockBase := r * layout.blocksPerRow
		var sum float32
		for b := 0; b < layout.blocksPerRow; b++ {
			col := b * 32
			n := w.C - col
			if n <= 0 {
				break
			}
			if n > 32 {
				n = 32
			}
			blockIdx := blockBase + b
			scale := scaleAt(scalesRaw, blockIdx)
			if scale == 0 {
				continue
			}
			dataOff := blockIdx * layout.blockDataBytes
			decodeBlock(&qbuf, data[dataOff:dataOff+layout.blockDataBytes], layout.bits)
			if useInt8 {
				xScale := qx.scales[b]
				if xScale == 0 {
					continue
				}
				dot := dotInt8Int16(qbuf[:], qx.q16[b*32:b*32+32], 32)
				sum += float32(dot) * (scale * xScale)
			} else {
				sum += scale * dotInt8Float32(qbuf[:], x[col:], n)
			}
		}
		dst[r] = sum
	}
}

// matVecRangeCached mirrors matVecRangeQ over pre-unpacked blocks. The block
// order and the per-block arithmetic are identical, so both paths produce the
// same result for the same weights and input.
func matVecRangeCached(dst []float32, w *Mat, x []float32, rs, re int, qx *QuantVec) {
	qc := w.Quant
	useInt8 := qx.usableFor(qc.BlocksPerRow)

	for r := rs; r < re; r++ {
		blockBase := r * qc.BlocksPerRow
		var sum float32
		for b := 0; b < qc.BlocksPerRow; b++ {
			col := b * 32
			n := w.C - col
			if n <= 0 {
				break
			}
			if n > 32 {
				n = 32
			}
			blockIdx := blockBase + b
			scale := qc.Scales[blockIdx]
			if scale == 0 {
				continue
			}
			off := blockIdx * 32
			if useInt8 {
				xScale := qx.scales[b]
				if xScale == 0 {
					continue
				}
				dot := dotInt8Int16(qc.Q[off:off+32], qx.q16[b*32:b*32+32], 32)
				sum += float32(dot) * (scale * xScale)
			} else {
				sum += scale * dotInt8Float32(qc.Q[off:off+32], x[col:], n)
			}
		}
		dst[r] = sum
	}
}

func dotInt8Float32(q []int8, x []float32, n int) float32 {
	var sum float32
	for i := 0; i < n; i++ {
		sum += float32(q[i]) * x[i]
	}
	return sum
}

func dotInt8Int16(q []int8, x []int16, n int) int32 {
	var sum int32
	for i := 0; i < n; i++ {
		sum += int32(q[i]) * int32(x[i])
	}
	return sum
}
