package flux

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/mbaxter/diffuse/pkg/qmf"
)

// Format names a reduced-precision encoding for weights or activations.
type Format string

const (
	FormatNone   Format = ""
	FormatFloat8 Format = "float8"
	FormatInt8   Format = "int8"
	FormatInt4   Format = "int4"
	FormatInt2   Format = "int2"
)

// WeightFormats lists every supported weight format.
var WeightFormats = []Format{FormatFloat8, FormatInt8, FormatInt4, FormatInt2}

var (
	ErrQuantizedCast = errors.New("flux: quantized models cannot be cast to a dtype")
	ErrNotCompilable = errors.New("flux: float8 weights cannot be compiled")
	ErrAlreadyQuant  = errors.New("flux: model is already quantized")
)

// ParseFormat parses a format name. Empty means none.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatNone:
		return FormatNone, nil
	case FormatFloat8:
		return FormatFloat8, nil
	case FormatInt8:
		return FormatInt8, nil
	case FormatInt4:
		return FormatInt4, nil
	case FormatInt2:
		return FormatInt2, nil
	default:
		return FormatNone, fmt.Errorf("unknown quantization format %q", s)
	}
}

// DType maps a format to its payload dtype.
func (f Format) DType() (qmf.TensorDType, error) {
	switch f {
	case FormatFloat8:
		return qmf.DTypeF8E4M3, nil
	case FormatInt8:
		return qmf.DTypeQ8, nil
	case FormatInt4:
		return qmf.DTypeQ4, nil
	case FormatInt2:
		return qmf.DTypeQ2, nil
	default:
		return 0, fmt.Errorf("format %q has no payload dtype", string(f))
	}
}

// FormatForDType is the inverse of DType.
func FormatForDType(dt qmf.TensorDType) (Format, error) {
	switch dt {
	case qmf.DTypeF8E4M3:
		return FormatFloat8, nil
	case qmf.DTypeQ8:
		return FormatInt8, nil
	case qmf.DTypeQ4:
		return FormatInt4, nil
	case qmf.DTypeQ2:
		return FormatInt2, nil
	default:
		return FormatNone, fmt.Errorf("dtype %v has no quantization format", dt)
	}
}

// IsInteger reports whether the format packs integer codes.
func (f Format) IsInteger() bool {
	switch f {
	case FormatInt8, FormatInt4, FormatInt2:
		return true
	default:
		return false
	}
}

// QuantConfig describes how to quantize a model.
type QuantConfig struct {
	// Weights is the format applied to every dense layer's weight. Required.
	Weights Format

	// Activations optionally quantizes layer inputs on the fly. Only float8
	// and int8 are meaningful for activations.
	Activations Format

	// ModulesToNotConvert lists module names left in full precision.
	ModulesToNotConvert []string
}

func (c QuantConfig) validate() error {
	if !slices.Contains(WeightFormats, c.Weights) {
		return fmt.Errorf("flux: invalid weight format %q", string(c.Weights))
	}
	switch c.Activations {
	case FormatNone, FormatFloat8, FormatInt8:
	default:
		return fmt.Errorf("flux: invalid activation format %q", string(c.Activations))
	}
	return nil
}

// Quantize replaces every dense layer of m with its quantized counterpart,
// except modules named in the config's exclusion list or in the model's
// keep-in-fp32 list. The model's memory accounting follows the swap.
func Quantize(m *Transformer, cfg QuantConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if m.IsQuantized() {
		return ErrAlreadyQuant
	}

	skip := func(name string) bool {
		return slices.Contains(cfg.ModulesToNotConvert, name) ||
			slices.Contains(m.KeepInFP32Modules, name)
	}

	for _, nm := range m.NamedModules() {
		if skip(nm.Name) {
			continue
		}
		lin, ok := (*nm.Slot).(*Linear)
		if !ok {
			continue
		}
		ql, err := quantizeLinear(lin, cfg.Weights, cfg.Activations)
		if err != nil {
			return fmt.Errorf("flux: quantize %s: %w", nm.Name, err)
		}
		m.Alloc.Unregister(lin.WeightBytes())
		m.Alloc.Register(ql.WeightBytes())
		*nm.Slot = ql
	}

	m.Quant = cfg
	return nil
}
