package qmf

import (
	"encoding/binary"
	"errors"
	"math"
)

const (
	QuantInfoVersion uint32 = 1

	quantInfoHeaderSize = 8
	quantRecordSize     = 16
)

// QuantDomain defines what the record's dtype was applied to.
type QuantDomain uint8

const (
	DomainWeights     QuantDomain = 0
	DomainActivations QuantDomain = 1
)

// QuantInfoHeader is the on-disk header for the QuantInfo payload.
type QuantInfoHeader struct {
	Version     uint32
	RecordCount uint32
}

// QuantRecord is the fixed-size reconstruction metadata for one quantized
// tensor. 16 bytes, 8-byte aligned.
type QuantRecord struct {
	TensorIndex uint32 // index into the tensor index section

	// Method is the TensorDType of the payload, narrowed to its low byte.
	// All quantized dtypes live in 0x10xx so the low byte is unambiguous.
	Method uint8

	Domain uint8 // 0=weights, 1=activations

	// BlockSize is 32 for block formats and 0 for f8e4m3.
	BlockSize uint16

	// Scale is the per-tensor scale for f8e4m3 payloads; block formats carry
	// per-block scales inside the payload and store 0 here.
	Scale float32

	Reserved [4]byte
}

// MethodDType recovers the payload dtype of a record.
func (r QuantRecord) MethodDType() TensorDType {
	return TensorDType(0x1000 | uint32(r.Method))
}

// RecordMethod narrows a quantized dtype to the on-disk method byte.
func RecordMethod(dt TensorDType) (uint8, error) {
	if !dt.IsQuantized() {
		return 0, errors.New("qmf: dtype is not quantized")
	}
	return uint8(uint32(dt) & 0xFF), nil
}

// QuantInfo is a parsed view over a QuantInfo section payload.
type QuantInfo struct {
	hdr     QuantInfoHeader
	records []QuantRecord
}

var errBadQuantInfo = errors.New("qmf: corrupt quantinfo section")

// ParseQuantInfoSection validates and returns a view over a QuantInfo payload.
// Pass it File.SectionData(File.Section(SectionQuantInfo)).
func ParseQuantInfoSection(sec []byte) (*QuantInfo, error) {
	if len(sec) < quantInfoHeaderSize {
		return nil, ErrCorruptFile
	}

	hdr := QuantInfoHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		RecordCount: binary.LittleEndian.Uint32(sec[4:8]),
	}
	if hdr.Version != QuantInfoVersion {
		return nil, ErrUnsupportedMinor
	}

	need := uint64(quantInfoHeaderSize) + uint64(hdr.RecordCount)*quantRecordSize
	if need > uint64(len(sec)) {
		return nil, ErrCorruptFile
	}

	records := make([]QuantRecord, hdr.RecordCount)
	off := quantInfoHeaderSize
	for i := range records {
		b := sec[off : off+quantRecordSize]
		r := QuantRecord{
			TensorIndex: binary.LittleEndian.Uint32(b[0:4]),
			Method:      b[4],
			Domain:      b[5],
			BlockSize:   binary.LittleEndian.Uint16(b[6:8]),
			Scale:       math.Float32frombits(binary.LittleEndian.Uint32(b[8:12])),
		}
		copy(r.Reserved[:], b[12:16])
		if err := validateQuantRecord(r); err != nil {
			return nil, ErrCorruptFile
		}
		records[i] = r
		off += quantRecordSize
	}

	return &QuantInfo{hdr: hdr, records: records}, nil
}

func (qi *QuantInfo) Count() int {
	if qi == nil {
		return 0
	}
	return int(qi.hdr.RecordCount)
}

func (qi *QuantInfo) Record(i int) (QuantRecord, error) {
	if qi == nil || i < 0 || i >= int(qi.hdr.RecordCount) {
		return QuantRecord{}, ErrCorruptFile
	}
	return qi.records[i], nil
}

func (qi *QuantInfo) Records() []QuantRecord {
	if qi == nil {
		return nil
	}
	return qi.records
}

// ByTensorIndex returns the record for the given tensor index entry, if any.
func (qi *QuantInfo) ByTensorIndex(idx int) (QuantRecord, bool) {
	if qi == nil {
		return QuantRecord{}, false
	}
	for _, r := range qi.records {
		if int(r.TensorIndex) == idx {
			return r, true
		}
	}
	return QuantRecord{}, false
}

// EncodeQuantInfoSection builds a QuantInfo section payload (v1).
func EncodeQuantInfoSection(records []QuantRecord) ([]byte, error) {
	if len(records) > int(^uint32(0)) {
		return nil, errors.New("qmf: too many quant records")
	}

	out := make([]byte, quantInfoHeaderSize+len(records)*quantRecordSize)
	binary.LittleEndian.PutUint32(out[0:4], QuantInfoVersion)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(records)))

	off := quantInfoHeaderSize
	for _, r := range records {
		if err := validateQuantRecord(r); err != nil {
			return nil, err
		}
		b := out[off : off+quantRecordSize]
		binary.LittleEndian.PutUint32(b[0:4], r.TensorIndex)
		b[4] = r.Method
		b[5] = byte(r.Domain)
		binary.LittleEndian.PutUint16(b[6:8], r.BlockSize)
		binary.LittleEndian.PutUint32(b[8:12], math.Float32bits(r.Scale))
		copy(b[12:16], r.Reserved[:])
		off += quantRecordSize
	}
	return out, nil
}

func validateQuantRecord(r QuantRecord) error {
	if !isZeroBytes(r.Reserved[:]) {
		return errBadQuantInfo
	}
	if r.Domain != uint8(DomainWeights) && r.Domain != uint8(DomainActivations) {
		return errBadQuantInfo
	}
	switch r.MethodDType() {
	case DTypeQ8, DTypeQ4, DTypeQ2:
		if r.BlockSize != 32 {
			return errBadQuantInfo
		}
		if r.Scale != 0 {
			return errBadQuantInfo
		}
	case DTypeF8E4M3:
		if r.BlockSize != 0 {
			return errBadQuantInfo
		}
		if !(r.Scale > 0) || math.IsInf(float64(r.Scale), 0) {
			return errBadQuantInfo
		}
	default:
		return errBadQuantInfo
	}
	return nil
}

func isZeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
