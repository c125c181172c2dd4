package flux

import (
	"fmt"
	"testing"

	"github.com/mbaxter/diffuse/internal/device"
)

func TestNewDeterministic(t *testing.T) {
	a, err := New(DefaultConfig(), 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	b, err := New(DefaultConfig(), 0)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	in := smallInput(a.Config, 0)
	outA := forwardOrFatal(t, a, in)
	outB := forwardOrFatal(t, b, in)
	if d := maxOutputDiff(outA, outB); d != 0 {
		t.Fatalf("same seed should give identical models, drift %v", d)
	}

	c, err := New(DefaultConfig(), 1)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	outC := forwardOrFatal(t, c, in)
	if d := maxOutputDiff(outA, outC); d == 0 {
		t.Fatalf("different seeds should give different models")
	}
}

func TestNamedModules(t *testing.T) {
	m := newTestModel(t)
	mods := m.NamedModules()

	want := []string{
		"x_embedder",
		"context_embedder",
		"time_embed.0",
		"time_embed.1",
		"guidance_embed.0",
		"guidance_embed.1",
		"pooled_embed.0",
		"pooled_embed.1",
	}
	for i := 0; i < m.Config.NumBlocks; i++ {
		want = append(want,
			fmt.Sprintf("blocks.%d.qkv", i),
			fmt.Sprintf("blocks.%d.proj", i),
			fmt.Sprintf("blocks.%d.mlp_in", i),
			fmt.Sprintf("blocks.%d.mlp_out", i),
		)
	}
	want = append(want, "proj_out")

	if len(mods) != len(want) {
		t.Fatalf("module count %d, want %d", len(mods), len(want))
	}
	for i, nm := range mods {
		if nm.Name != want[i] {
			t.Fatalf("module %d is %q, want %q", i, nm.Name, want[i])
		}
		if *nm.Slot == nil {
			t.Fatalf("module %q has nil layer", nm.Name)
		}
	}

	if _, ok := m.Module("proj_out"); !ok {
		t.Fatalf("proj_out lookup failed")
	}
	if _, ok := m.Module("does.not.exist"); ok {
		t.Fatalf("lookup of unknown module succeeded")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero inner dim", mutate: func(c *Config) { c.InnerDim = 0 }},
		{name: "negative blocks", mutate: func(c *Config) { c.NumBlocks = -1 }},
		{name: "heads do not divide", mutate: func(c *Config) { c.NumHeads = 5 }},
		{name: "odd freq dim", mutate: func(c *Config) { c.FreqDim = 255 }},
		{name: "zero eps", mutate: func(c *Config) { c.Eps = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, 0); err == nil {
				t.Fatalf("expected config error")
			}
		})
	}
}

func TestForwardInputValidation(t *testing.T) {
	m := newTestModel(t)
	cfg := m.Config

	tests := []struct {
		name   string
		mutate func(*ForwardInput)
	}{
		{name: "no image tokens", mutate: func(in *ForwardInput) { in.HiddenStates = nil }},
		{name: "bad image width", mutate: func(in *ForwardInput) { in.HiddenStates[0] = make([]float32, cfg.InnerDim+1) }},
		{name: "bad context width", mutate: func(in *ForwardInput) { in.EncoderHiddenStates[0] = make([]float32, 7) }},
		{name: "bad pooled width", mutate: func(in *ForwardInput) { in.PooledProjections = make([]float32, 3) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := dummyInput(cfg, 4, 2, 0)
			tt.mutate(in)
			if _, err := m.Forward(in); err == nil {
				t.Fatalf("expected input validation error")
			}
		})
	}
}

func TestFootprintMatchesParameters(t *testing.T) {
	m := newTestModel(t)
	var want uint64
	for _, nm := range m.NamedModules() {
		want += (*nm.Slot).WeightBytes()
	}
	if got := m.Footprint(); got != want {
		t.Fatalf("footprint %d, want %d", got, want)
	}
}

func TestToDevice(t *testing.T) {
	m := newTestModel(t)
	if err := m.To(device.Device{Kind: device.CPU}); err != nil {
		t.Fatalf("move to cpu: %v", err)
	}
	if device.Has(device.CUDA) {
		t.Skip("cuda build")
	}
	if err := m.To(device.Device{Kind: device.CUDA}); err == nil {
		t.Fatalf("move to unavailable device should fail")
	}
}

// TestReferenceScenario runs the full-size denoising step: 4096 image tokens
// and 512 text tokens through the quantized model. It is the slowest test in
// the package.
func TestReferenceScenario(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size scenario skipped in short mode")
	}
	m := newTestModel(t)
	if err := Quantize(m, QuantConfig{Weights: FormatInt8}); err != nil {
		t.Fatalf("quantize: %v", err)
	}

	in := dummyInput(m.Config, 4096, 512, 0)
	m.Alloc.ResetPeakStats()
	out := forwardOrFatal(t, m, in)
	if len(out) != 4096 {
		t.Fatalf("output token count %d, want 4096", len(out))
	}
	for i := range out {
		if len(out[i]) != m.Config.InnerDim {
			t.Fatalf("output token %d width %d", i, len(out[i]))
		}
	}

	ceil := uint64(10) << 30
	if st := m.Alloc.Stats(); st.PeakBytes >= ceil {
		t.Fatalf("full-size forward peak %d exceeds ceiling %d", st.PeakBytes, ceil)
	}
}
