package flux

import (
	"fmt"

	"github.com/mbaxter/diffuse/internal/device"
	"github.com/mbaxter/diffuse/internal/tensor"
	"github.com/mbaxter/diffuse/pkg/qmf"
)

// Block is one transformer layer: pre-norm attention followed by a pre-norm
// feed-forward, both with residual connections. The norms carry no affine
// parameters; only the dense projections hold weights.
type Block struct {
	QKV    LinearLayer // inner_dim -> 3*inner_dim
	Proj   LinearLayer // inner_dim -> inner_dim
	MLPIn  LinearLayer // inner_dim -> mlp_dim
	MLPOut LinearLayer // mlp_dim -> inner_dim
}

// NamedModule pairs a dense layer's dotted path with its slot in the model.
// Writing through Slot swaps the implementation in place.
type NamedModule struct {
	Name string
	Slot *LinearLayer
}

// Transformer is the denoiser. Image tokens and projected text tokens run
// jointly through the blocks, conditioned on timestep, guidance, and the
// pooled text embedding.
type Transformer struct {
	Config Config
	Device device.Device
	Alloc  *device.Allocator

	// KeepInFP32Modules lists module names that quantization must leave in
	// full precision regardless of the requested config.
	KeepInFP32Modules []string

	// Quant is the config the model was quantized with, zero otherwise.
	Quant QuantConfig

	XEmbedder       LinearLayer
	ContextEmbedder LinearLayer
	TimeEmbed       [2]LinearLayer
	GuidanceEmbed   [2]LinearLayer
	PooledEmbed     [2]LinearLayer
	Blocks          []Block
	ProjOut         LinearLayer

	compiled bool
}

// New builds a transformer with deterministically seeded weights. The same
// config and seed always produce the same model.
func New(cfg Config, seed int64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Seed = seed

	d := cfg.InnerDim
	t := &Transformer{
		Config: cfg,
		Device: device.Device{Kind: device.CPU},
		Alloc:  &device.Allocator{},

		XEmbedder:       NewLinear(d, d, seed+1),
		ContextEmbedder: NewLinear(cfg.ContextDim, d, seed+2),
		TimeEmbed: [2]LinearLayer{
			NewLinear(cfg.FreqDim, d, seed+3),
			NewLinear(d, d, seed+4),
		},
		GuidanceEmbed: [2]LinearLayer{
			NewLinear(cfg.FreqDim, d, seed+5),
			NewLinear(d, d, seed+6),
		},
		PooledEmbed: [2]LinearLayer{
			NewLinear(cfg.PooledDim, d, seed+7),
			NewLinear(d, d, seed+8),
		},
		Blocks:  make([]Block, cfg.NumBlocks),
		ProjOut: NewLinear(d, d, seed+9),
	}
	for i := range t.Blocks {
		base := seed + 100 + int64(i)*10
		t.Blocks[i] = Block{
			QKV:    NewLinear(d, 3*d, base+1),
			Proj:   NewLinear(d, d, base+2),
			MLPIn:  NewLinear(d, cfg.MLPDim(), base+3),
			MLPOut: NewLinear(cfg.MLPDim(), d, base+4),
		}
	}

	t.Alloc.Register(t.paramBytes())
	return t, nil
}

func (t *Transformer) paramBytes() uint64 {
	var total uint64
	for _, nm := range t.NamedModules() {
		total += (*nm.Slot).WeightBytes()
	}
	return total
}

// NamedModules returns every dense layer with its dotted path, in a stable
// order.
func (t *Transformer) NamedModules() []NamedModule {
	mods := []NamedModule{
		{Name: "x_embedder", Slot: &t.XEmbedder},
		{Name: "context_embedder", Slot: &t.ContextEmbedder},
		{Name: "time_embed.0", Slot: &t.TimeEmbed[0]},
		{Name: "time_embed.1", Slot: &t.TimeEmbed[1]},
		{Name: "guidance_embed.0", Slot: &t.GuidanceEmbed[0]},
		{Name: "guidance_embed.1", Slot: &t.GuidanceEmbed[1]},
		{Name: "pooled_embed.0", Slot: &t.PooledEmbed[0]},
		{Name: "pooled_embed.1", Slot: &t.PooledEmbed[1]},
	}
	for i := range t.Blocks {
		b := &t.Blocks[i]
		mods = append(mods,
			NamedModule{Name: fmt.Sprintf("blocks.%d.qkv", i), Slot: &b.QKV},
			NamedModule{Name: fmt.Sprintf("blocks.%d.proj", i), Slot: &b.Proj},
			NamedModule{Name: fmt.Sprintf("blocks.%d.mlp_in", i), Slot: &b.MLPIn},
			NamedModule{Name: fmt.Sprintf("blocks.%d.mlp_out", i), Slot: &b.MLPOut},
		)
	}
	mods = append(mods, NamedModule{Name: "proj_out", Slot: &t.ProjOut})
	return mods
}

// Module returns the dense layer with the given dotted path.
func (t *Transformer) Module(name string) (LinearLayer, bool) {
	for _, nm := range t.NamedModules() {
		if nm.Name == name {
			return *nm.Slot, true
		}
	}
	return nil, false
}

// IsQuantized reports whether any dense layer holds a quantized payload.
func (t *Transformer) IsQuantized() bool {
	for _, nm := range t.NamedModules() {
		if _, ok := (*nm.Slot).(*QLinear); ok {
			return true
		}
	}
	return false
}

// IsCompiled reports whether Compile has pre-unpacked the model.
func (t *Transformer) IsCompiled() bool { return t.compiled }

// Footprint returns the static parameter bytes held by the model.
func (t *Transformer) Footprint() uint64 {
	return t.Alloc.Stats().FootprintBytes
}

// To moves the model to a device. Weights stay valid across moves; only the
// placement changes, after an availability check. Moving never touches the
// dtype, so quantized models move freely.
func (t *Transformer) To(d device.Device) error {
	if !device.Has(d.Kind) {
		return fmt.Errorf("flux: device %s is not available in this build", d)
	}
	t.Device = d
	return nil
}

// Cast converts the model's weights to the given dtype. Quantized models
// reject every cast, including the identity one, because the payloads no
// longer carry a uniform element dtype.
func (t *Transformer) Cast(dt qmf.TensorDType) error {
	if t.IsQuantized() {
		return ErrQuantizedCast
	}
	switch dt {
	case qmf.DTypeF32:
		return nil
	default:
		return fmt.Errorf("flux: cast to %v is not supported", dt)
	}
}

// ToWith moves and casts in one call, matching the combined placement+dtype
// transfer. The cast rules apply before the move.
func (t *Transformer) ToWith(d device.Device, dt qmf.TensorDType) error {
	if err := t.Cast(dt); err != nil {
		return err
	}
	return t.To(d)
}

// Half casts the model to half precision.
func (t *Transformer) Half() error { return t.Cast(qmf.DTypeF16) }

// Float casts the model to full precision.
func (t *Transformer) Float() error { return t.Cast(qmf.DTypeF32) }

// ForwardInput is one denoising step's inputs.
type ForwardInput struct {
	// HiddenStates are the image tokens, each Config.InnerDim wide.
	HiddenStates [][]float32

	// EncoderHiddenStates are the text-encoder tokens, each
	// Config.ContextDim wide.
	EncoderHiddenStates [][]float32

	// PooledProjections is the pooled text embedding, Config.PooledDim wide.
	PooledProjections []float32

	Timestep float32
	Guidance float32
}

func (t *Transformer) checkInput(in *ForwardInput) error {
	cfg := t.Config
	if len(in.HiddenStates) == 0 {
		return fmt.Errorf("flux: empty hidden states")
	}
	for i, tok := range in.HiddenStates {
		if len(tok) != cfg.InnerDim {
			return fmt.Errorf("flux: hidden state %d has width %d, want %d", i, len(tok), cfg.InnerDim)
		}
	}
	for i, tok := range in.EncoderHiddenStates {
		if len(tok) != cfg.ContextDim {
			return fmt.Errorf("flux: encoder state %d has width %d, want %d", i, len(tok), cfg.ContextDim)
		}
	}
	if len(in.PooledProjections) != cfg.PooledDim {
		return fmt.Errorf("flux: pooled projection has width %d, want %d", len(in.PooledProjections), cfg.PooledDim)
	}
	return nil
}

// Forward runs one denoising step and returns the predicted output for every
// image token. Scratch memory is drawn from the model's allocator and
// released before returning, so the allocator's peak reflects the pass.
func (t *Transformer) Forward(in *ForwardInput) ([][]float32, error) {
	if err := t.checkInput(in); err != nil {
		return nil, err
	}
	cfg := t.Config
	d := cfg.InnerDim
	nCtx := len(in.EncoderHiddenStates)
	nImg := len(in.HiddenStates)
	n := nCtx + nImg

	cond := t.Alloc.Floats(d)
	defer t.Alloc.ReleaseFloats(cond)
	t.conditioning(cond, in)

	tokens := t.Alloc.Floats(n * d)
	defer t.Alloc.ReleaseFloats(tokens)
	for j, src := range in.EncoderHiddenStates {
		tok := tokens[j*d : (j+1)*d]
		t.ContextEmbedder.Forward(tok, src)
		tensor.Add(tok, cond)
	}
	for i, src := range in.HiddenStates {
		tok := tokens[(nCtx+i)*d : (nCtx+i+1)*d]
		t.XEmbedder.Forward(tok, src)
		tensor.Add(tok, cond)
	}

	scratch := t.newForwardScratch(n)
	defer scratch.release(t.Alloc)

	for i := range t.Blocks {
		t.runBlock(&t.Blocks[i], tokens, n, scratch)
	}

	// Final norm and projection over the image tokens only.
	out := make([][]float32, nImg)
	normed := scratch.norm
	for i := 0; i < nImg; i++ {
		tok := tokens[(nCtx+i)*d : (nCtx+i+1)*d]
		tensor.LayerNorm(normed, tok, nil, nil, cfg.Eps)
		row := make([]float32, d)
		t.ProjOut.Forward(row, normed)
		out[i] = row
	}
	return out, nil
}

// conditioning computes the shared conditioning vector from timestep,
// guidance, and the pooled text embedding.
func (t *Transformer) conditioning(dst []float32, in *ForwardInput) {
	cfg := t.Config
	d := cfg.InnerDim

	freqs := t.Alloc.Floats(cfg.FreqDim)
	defer t.Alloc.ReleaseFloats(freqs)
	tmp := t.Alloc.Floats(d)
	defer t.Alloc.ReleaseFloats(tmp)
	emb := t.Alloc.Floats(d)
	defer t.Alloc.ReleaseFloats(emb)

	runMLP := func(pair [2]LinearLayer, src []float32) {
		pair[0].Forward(tmp, src)
		for i := range tmp {
			tmp[i] = tensor.Silu(tmp[i])
		}
		pair[1].Forward(emb, tmp)
		tensor.Add(dst, emb)
	}

	for i := range dst {
		dst[i] = 0
	}
	tensor.SinusoidalEmbedding(freqs, in.Timestep, 10000)
	runMLP(t.TimeEmbed, freqs)
	tensor.SinusoidalEmbedding(freqs, in.Guidance, 10000)
	runMLP(t.GuidanceEmbed, freqs)
	runMLP(t.PooledEmbed, in.PooledProjections)
}
