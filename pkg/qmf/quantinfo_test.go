package qmf

import "testing"

func TestQuantInfoRoundTrip(t *testing.T) {
	m8, err := RecordMethod(DTypeQ8)
	if err != nil {
		t.Fatalf("record method q8: %v", err)
	}
	mf8, err := RecordMethod(DTypeF8E4M3)
	if err != nil {
		t.Fatalf("record method f8: %v", err)
	}

	records := []QuantRecord{
		{TensorIndex: 0, Method: m8, Domain: uint8(DomainWeights), BlockSize: 32},
		{TensorIndex: 3, Method: mf8, Domain: uint8(DomainWeights), Scale: 0.0625},
	}
	sec, err := EncodeQuantInfoSection(records)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	qi, err := ParseQuantInfoSection(sec)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if qi.Count() != 2 {
		t.Fatalf("count mismatch: %d", qi.Count())
	}
	r0, err := qi.Record(0)
	if err != nil {
		t.Fatalf("record 0: %v", err)
	}
	if r0.MethodDType() != DTypeQ8 || r0.BlockSize != 32 {
		t.Fatalf("record 0 mismatch: %+v", r0)
	}
	r1, ok := qi.ByTensorIndex(3)
	if !ok {
		t.Fatalf("missing record for tensor 3")
	}
	if r1.MethodDType() != DTypeF8E4M3 || r1.Scale != 0.0625 {
		t.Fatalf("record 1 mismatch: %+v", r1)
	}
}

func TestQuantInfoValidation(t *testing.T) {
	m8, _ := RecordMethod(DTypeQ8)
	mf8, _ := RecordMethod(DTypeF8E4M3)

	tests := []struct {
		name string
		rec  QuantRecord
	}{
		{
			name: "block format with wrong block size",
			rec:  QuantRecord{Method: m8, BlockSize: 16},
		},
		{
			name: "block format carrying a scale",
			rec:  QuantRecord{Method: m8, BlockSize: 32, Scale: 1},
		},
		{
			name: "f8 without scale",
			rec:  QuantRecord{Method: mf8},
		},
		{
			name: "invalid domain",
			rec:  QuantRecord{Method: m8, BlockSize: 32, Domain: 9},
		},
		{
			name: "non-zero reserved bytes",
			rec:  QuantRecord{Method: m8, BlockSize: 32, Reserved: [4]byte{1}},
		},
		{
			name: "non-quant method",
			rec:  QuantRecord{Method: uint8(DTypeF32)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncodeQuantInfoSection([]QuantRecord{tt.rec}); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestQuantPayloadSize(t *testing.T) {
	tests := []struct {
		name  string
		shape []uint64
		dt    TensorDType
		want  uint64
	}{
		// 64 cols = 2 blocks/row. Scales: 2 blocks * 2 bytes, padded to 64.
		{name: "q8 1x64", shape: []uint64{1, 64}, dt: DTypeQ8, want: 64 + 2*32},
		{name: "q4 1x64", shape: []uint64{1, 64}, dt: DTypeQ4, want: 64 + 2*16},
		{name: "q2 1x64", shape: []uint64{1, 64}, dt: DTypeQ2, want: 64 + 2*8},
		{name: "q8 4x32", shape: []uint64{4, 32}, dt: DTypeQ8, want: 64 + 4*32},
		{name: "f8 3x5", shape: []uint64{3, 5}, dt: DTypeF8E4M3, want: 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := QuantPayloadSize(tt.shape, tt.dt)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("size mismatch: got %d want %d", got, tt.want)
			}
		})
	}

	if _, err := QuantPayloadSize([]uint64{1, 64}, DTypeF32); err == nil {
		t.Fatalf("expected error for non-quant dtype")
	}
	if _, err := QuantPayloadSize([]uint64{64}, DTypeQ8); err == nil {
		t.Fatalf("expected error for rank-1 shape")
	}
}
