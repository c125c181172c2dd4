// Package qmf implements the Quantized Model File format.
//
// QMF is a single-file, memory-mappable container for diffusion transformer
// checkpoints. It records structure and data only: a fixed header, a section
// directory, and four section types. Quantized tensor payloads carry their
// reconstruction metadata in the QuantInfo section so a reader never has to
// guess scales or block geometry.
package qmf

const (
	// MagicQMF is the file magic for all QMF containers, encoded as "QMF\0".
	MagicQMF = "QMF\x00"

	// CurrentMajor changes only on breaking format changes.
	CurrentMajor uint16 = 1

	// CurrentMinor may add optional sections or fields.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 is required for files containing block-quantized
	// payloads; it guarantees 64-byte alignment of every tensor payload.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

type SectionType uint32

const (
	SectionModelInfo   SectionType = 0x0001
	SectionQuantInfo   SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

func (t SectionType) String() string {
	switch t {
	case SectionModelInfo:
		return "model-info"
	case SectionQuantInfo:
		return "quant-info"
	case SectionTensorIndex:
		return "tensor-index"
	case SectionTensorData:
		return "tensor-data"
	default:
		return "unknown"
	}
}

// Section is one entry of the section directory.
type Section struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *Section) End() uint64 {
	return s.Offset + s.Size
}
