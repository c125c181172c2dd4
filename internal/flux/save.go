package flux

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/mbaxter/diffuse/internal/tensor"
	"github.com/mbaxter/diffuse/pkg/qmf"
)

// checkpointInfo is the model info payload stored alongside the tensors.
type checkpointInfo struct {
	Architecture        string   `json:"architecture"`
	Config              Config   `json:"config"`
	KeepInFP32Modules   []string `json:"keep_in_fp32_modules,omitempty"`
	QuantWeights        string   `json:"quant_weights,omitempty"`
	QuantActivations    string   `json:"quant_activations,omitempty"`
	ModulesToNotConvert []string `json:"modules_to_not_convert,omitempty"`
}

const archName = "flux"

type tensorPayload struct {
	name  string
	dtype qmf.TensorDType
	shape []uint64
	data  []byte
	scale float32 // f8e4m3 per-tensor scale
}

// Save writes the model to a single checkpoint file. Quantized payloads are
// stored byte-exact, so a load reproduces the model bit for bit.
func (t *Transformer) Save(path string) error {
	payloads, err := t.collectPayloads()
	if err != nil {
		return err
	}
	sort.Slice(payloads, func(i, j int) bool { return payloads[i].name < payloads[j].name })

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("flux: create checkpoint: %w", err)
	}
	defer func() { _ = f.Close() }()

	w, err := qmf.NewWriter(f)
	if err != nil {
		return err
	}

	info := checkpointInfo{
		Architecture:        archName,
		Config:              t.Config,
		KeepInFP32Modules:   t.KeepInFP32Modules,
		QuantWeights:        string(t.Quant.Weights),
		QuantActivations:    string(t.Quant.Activations),
		ModulesToNotConvert: t.Quant.ModulesToNotConvert,
	}
	infoRaw, err := qmf.EncodeModelInfoSection(info)
	if err != nil {
		return err
	}
	if err := w.WriteSection(qmf.SectionModelInfo, qmf.ModelInfoVersion, infoRaw); err != nil {
		return err
	}

	sw, err := w.BeginSection(qmf.SectionTensorData, 1)
	if err != nil {
		return err
	}
	records := make([]qmf.TensorIndexRecord, len(payloads))
	var quantRecords []qmf.QuantRecord
	needAligned := false
	for i, p := range payloads {
		if qmf.DTypeRequiresAligned64(p.dtype) {
			needAligned = true
		}
		if err := sw.Align(64); err != nil {
			return err
		}
		off, err := sw.CurrentAbsOffset()
		if err != nil {
			return err
		}
		if _, err := sw.Write(p.data); err != nil {
			return err
		}
		records[i] = qmf.TensorIndexRecord{
			Name:     p.name,
			DType:    p.dtype,
			Shape:    p.shape,
			DataOff:  off,
			DataSize: uint64(len(p.data)),
		}
		if p.dtype.IsQuantized() {
			method, err := qmf.RecordMethod(p.dtype)
			if err != nil {
				return err
			}
			rec := qmf.QuantRecord{
				TensorIndex: uint32(i),
				Method:      method,
				Domain:      uint8(qmf.DomainWeights),
			}
			if p.dtype == qmf.DTypeF8E4M3 {
				rec.Scale = p.scale
			} else {
				rec.BlockSize = 32
			}
			quantRecords = append(quantRecords, rec)
		}
	}
	if err := sw.End(); err != nil {
		return err
	}

	idxRaw, err := qmf.EncodeTensorIndexSection(records)
	if err != nil {
		return err
	}
	if err := w.WriteSection(qmf.SectionTensorIndex, qmf.TensorIndexVersion, idxRaw); err != nil {
		return err
	}

	if len(quantRecords) > 0 {
		qiRaw, err := qmf.EncodeQuantInfoSection(quantRecords)
		if err != nil {
			return err
		}
		if err := w.WriteSection(qmf.SectionQuantInfo, qmf.QuantInfoVersion, qiRaw); err != nil {
			return err
		}
	}

	// Payloads are written 64-byte aligned either way; the flag is mandatory
	// only when block-quantized payloads are present.
	if needAligned {
		if err := w.AddFlags(qmf.FlagTensorDataAligned64); err != nil {
			return err
		}
	}
	if err := w.Finalise(); err != nil {
		return err
	}
	return f.Close()
}

func (t *Transformer) collectPayloads() ([]tensorPayload, error) {
	var out []tensorPayload
	for _, nm := range t.NamedModules() {
		switch l := (*nm.Slot).(type) {
		case *Linear:
			out = append(out,
				tensorPayload{
					name:  nm.Name + ".weight",
					dtype: qmf.DTypeF32,
					shape: []uint64{uint64(l.Out), uint64(l.In)},
					data:  floatsToBytes(l.W.Data),
				},
				tensorPayload{
					name:  nm.Name + ".bias",
					dtype: qmf.DTypeF32,
					shape: []uint64{uint64(l.Out)},
					data:  floatsToBytes(l.B),
				},
			)
		case *QLinear:
			out = append(out,
				tensorPayload{
					name:  nm.Name + ".weight",
					dtype: l.W.DType,
					shape: []uint64{uint64(l.Out), uint64(l.In)},
					data:  l.W.Raw,
					scale: l.W.Scale,
				},
				tensorPayload{
					name:  nm.Name + ".bias",
					dtype: qmf.DTypeF32,
					shape: []uint64{uint64(l.Out)},
					data:  floatsToBytes(l.B),
				},
			)
		default:
			return nil, fmt.Errorf("flux: module %s has unsupported layer type", nm.Name)
		}
	}
	return out, nil
}

// Load reads a checkpoint written by Save and reconstructs the model,
// including its quantization state.
func Load(path string) (*Transformer, error) {
	f, err := qmf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	infoSec := f.Section(qmf.SectionModelInfo)
	if infoSec == nil {
		return nil, errors.New("flux: checkpoint has no model info")
	}
	var info checkpointInfo
	if err := qmf.DecodeModelInfoSection(f.SectionData(infoSec), &info); err != nil {
		return nil, err
	}
	if info.Architecture != archName {
		return nil, fmt.Errorf("flux: unexpected architecture %q", info.Architecture)
	}
	if err := info.Config.Validate(); err != nil {
		return nil, err
	}

	idxSec := f.Section(qmf.SectionTensorIndex)
	if idxSec == nil {
		return nil, errors.New("flux: checkpoint has no tensor index")
	}
	ti, err := qmf.ParseTensorIndexSection(f.SectionData(idxSec))
	if err != nil {
		return nil, err
	}

	var qi *qmf.QuantInfo
	if qiSec := f.Section(qmf.SectionQuantInfo); qiSec != nil {
		qi, err = qmf.ParseQuantInfoSection(f.SectionData(qiSec))
		if err != nil {
			return nil, err
		}
	}

	t, err := New(info.Config, info.Config.Seed)
	if err != nil {
		return nil, err
	}
	t.KeepInFP32Modules = info.KeepInFP32Modules

	weights, err := ParseFormat(info.QuantWeights)
	if err != nil {
		return nil, err
	}
	activations, err := ParseFormat(info.QuantActivations)
	if err != nil {
		return nil, err
	}
	t.Quant = QuantConfig{
		Weights:             weights,
		Activations:         activations,
		ModulesToNotConvert: info.ModulesToNotConvert,
	}

	for _, nm := range t.NamedModules() {
		if err := loadModule(t, f, ti, qi, nm, activations); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func loadModule(t *Transformer, f *qmf.File, ti *qmf.TensorIndex, qi *qmf.QuantInfo, nm NamedModule, activations Format) error {
	lin, ok := (*nm.Slot).(*Linear)
	if !ok {
		return fmt.Errorf("flux: module %s already replaced", nm.Name)
	}

	bias, _, err := tensorData(f, ti, nm.Name+".bias")
	if err != nil {
		return err
	}
	if len(bias) != lin.Out*4 {
		return fmt.Errorf("flux: %s.bias has %d bytes, want %d", nm.Name, len(bias), lin.Out*4)
	}
	b := bytesToFloats(bias)

	wdata, widx, err := tensorData(f, ti, nm.Name+".weight")
	if err != nil {
		return err
	}
	entry, err := ti.Entry(widx)
	if err != nil {
		return err
	}

	if !entry.DType.IsQuantized() {
		if entry.DType != qmf.DTypeF32 {
			return fmt.Errorf("flux: %s.weight has dtype %v", nm.Name, entry.DType)
		}
		elem, ok := entry.DType.ElemSize()
		if !ok {
			return fmt.Errorf("flux: %s.weight has no element size for dtype %v", nm.Name, entry.DType)
		}
		if len(wdata) != lin.Out*lin.In*elem {
			return fmt.Errorf("flux: %s.weight has %d bytes, want %d", nm.Name, len(wdata), lin.Out*lin.In*elem)
		}
		copy(lin.W.Data, bytesToFloats(wdata))
		copy(lin.B, b)
		return nil
	}

	var scale float32
	if entry.DType == qmf.DTypeF8E4M3 {
		if qi == nil {
			return fmt.Errorf("flux: %s.weight is f8e4m3 but checkpoint has no quant info", nm.Name)
		}
		rec, ok := qi.ByTensorIndex(widx)
		if !ok {
			return fmt.Errorf("flux: %s.weight has no quant record", nm.Name)
		}
		scale = rec.Scale
	}

	// Copy the payload out of the mapping so the file can close.
	raw := make([]byte, len(wdata))
	copy(raw, wdata)
	m, err := tensor.NewMatQuant(lin.Out, lin.In, entry.DType, raw, scale)
	if err != nil {
		return fmt.Errorf("flux: %s.weight: %w", nm.Name, err)
	}
	format, err := FormatForDType(entry.DType)
	if err != nil {
		return err
	}
	ql := &QLinear{
		In:          lin.In,
		Out:         lin.Out,
		W:           m,
		B:           b,
		Weights:     format,
		Activations: activations,
	}
	t.Alloc.Unregister(lin.WeightBytes())
	t.Alloc.Register(ql.WeightBytes())
	*nm.Slot = ql
	return nil
}

func tensorData(f *qmf.File, ti *qmf.TensorIndex, name string) ([]byte, int, error) {
	idx, ok := ti.Find(name)
	if !ok {
		return nil, 0, fmt.Errorf("flux: checkpoint is missing tensor %q", name)
	}
	data, err := ti.TensorData(f, idx)
	if err != nil {
		return nil, 0, fmt.Errorf("flux: tensor %q: %w", name, err)
	}
	return data, idx, nil
}

func floatsToBytes(src []float32) []byte {
	out := make([]byte, len(src)*4)
	for i, v := range src {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func bytesToFloats(src []byte) []float32 {
	out := make([]float32, len(src)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	return out
}
