package tensor

import "errors"

// QuantCache stores pre-unpacked quantized weights for faster matvec.
// Q holds int8 values for every block (32 values per block).
// Scales holds the float32 scale per block.
type QuantCache struct {
	Q            []int8
	Scales       []float32
	BlocksPerRow int
}

// Bytes returns the size of the cache's backing storage.
func (qc *QuantCache) Bytes() uint64 {
	if qc == nil {
		return 0
	}
	return uint64(len(qc.Q)) + uint64(len(qc.Scales))*4
}

func (qc *QuantCache) validFor(m *Mat) bool {
	if qc == nil || m == nil {
		return false
	}
	if qc.BlocksPerRow <= 0 || m.R <= 0 {
		return false
	}
	blocksPerRow := (m.C + 31) / 32
	if blocksPerRow != qc.BlocksPerRow {
		return false
	}
	totalBlocks, ok := mulInt(m.R, blocksPerRow)
	if !ok {
		return false
	}
	qLen, ok := mulInt(totalBlocks, 32)
	if !ok {
		return false
	}
	if len(qc.Q) < qLen || len(qc.Scales) < totalBlocks {
		return false
	}
	return true
}

// BuildQuantCache pre-unpacks a block-quantized matrix into int8 blocks and
// per-block scales. Only the block formats are cacheable; f8e4m3 payloads
// decode through the table and gain nothing from unpacking.
func BuildQuantCache(m *Mat) (*QuantCache, error) {
	if m == nil {
		return nil, errors.New("quant cache: nil matrix")
	}
	if m.Raw == nil {
		return nil, errors.New("quant cache: missing raw payload")
	}

	layout, err := quantLayoutForMat(m.R, m.C, m.DType, len(m.Raw))
	if err != nil {
		return nil, err
	}

	totalBlocks, ok := mulInt(m.R, layout.blocksPerRow)
	if !ok {
		return nil, errors.New("quant cache: payload too large")
	}
	qLen, ok := mulInt(totalBlocks, 32)
	if !ok {
		return nil, errors.New("quant cache: payload too large")
	}

	q := make([]int8, qLen)
	scales := make([]float32, totalBlocks)

	scalesRaw := m.Raw[layout.scaleOff : layout.scaleOff+layout.scaleCount*2]
	data := m.Raw[layout.dataOff : layout.dataOff+layout.dataBytes]

	for blockIdx := 0; blockIdx < totalBlocks; blockIdx++ {
		scale := scaleAt(scalesRaw, blockIdx)
		scales[blockIdx] = scale
		if scale == 0 {
			continue
		}
		dataOff := blockIdx * layout.blockDataBytes
		off := blockIdx * 32
		decodeBlock((*[32]int8)(q[off:off+32]), data[dataOff:dataOff+layout.blockDataBytes], layout.bits)
	}

	return &QuantCache{
		Q:            q,
		Scales:       scales,
		BlocksPerRow: layout.blocksPerRow,
	}, nil
}
