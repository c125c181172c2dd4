// Package pipeline assembles the text-to-image generation flow: prompt
// encoding, iterative denoising through the transformer, and decoding the
// latent tokens into an image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"

	"github.com/mbaxter/diffuse/internal/flux"
	"github.com/mbaxter/diffuse/internal/logger"
	"github.com/mbaxter/diffuse/internal/tensor"
)

// ErrInvalidParams wraps every parameter validation failure from Generate.
var ErrInvalidParams = errors.New("invalid generation params")

// patchSize is the pixel width of the square patch one latent token decodes
// to. InnerDim must equal patchSize*patchSize.
const patchSize = 8

// Params control one generation call.
type Params struct {
	Prompt string

	// Width and Height are the output size in pixels; both must be positive
	// multiples of the patch size.
	Width, Height int

	// Steps is the number of Euler integration steps.
	Steps int

	// Seed fixes the initial noise. The same params produce the same image.
	Seed int64

	Guidance float32

	// ContextTokens is the number of encoded prompt tokens fed to the model.
	ContextTokens int
}

// DefaultParams returns the demo defaults.
func DefaultParams() Params {
	return Params{
		Width:         256,
		Height:        256,
		Steps:         4,
		Guidance:      3.5,
		ContextTokens: 16,
	}
}

func (p Params) validate(cfg flux.Config) error {
	switch {
	case p.Width <= 0 || p.Width%patchSize != 0:
		return fmt.Errorf("%w: width must be a positive multiple of %d, got %d", ErrInvalidParams, patchSize, p.Width)
	case p.Height <= 0 || p.Height%patchSize != 0:
		return fmt.Errorf("%w: height must be a positive multiple of %d, got %d", ErrInvalidParams, patchSize, p.Height)
	case p.Steps <= 0:
		return fmt.Errorf("%w: steps must be positive, got %d", ErrInvalidParams, p.Steps)
	case p.ContextTokens <= 0:
		return fmt.Errorf("%w: context tokens must be positive, got %d", ErrInvalidParams, p.ContextTokens)
	case cfg.InnerDim != patchSize*patchSize:
		return fmt.Errorf("%w: model inner_dim %d does not decode to %dx%d patches", ErrInvalidParams, cfg.InnerDim, patchSize, patchSize)
	}
	return nil
}

// Pipeline drives a transformer through the denoising loop.
type Pipeline struct {
	model *flux.Transformer
	log   logger.Logger
}

// New wraps a model. A nil logger falls back to the default.
func New(m *flux.Transformer, log logger.Logger) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{model: m, log: log}
}

// Model returns the wrapped transformer.
func (p *Pipeline) Model() *flux.Transformer { return p.model }

// Generate runs the denoising loop and returns the decoded image. The
// context is checked between steps so long generations can be cancelled.
func (p *Pipeline) Generate(ctx context.Context, params Params) (image.Image, error) {
	cfg := p.model.Config
	if err := params.validate(cfg); err != nil {
		return nil, err
	}

	cols := params.Width / patchSize
	rows := params.Height / patchSize
	nTokens := cols * rows

	enc, pooled := encodePrompt(cfg, params.Prompt, params.ContextTokens)

	latents := make([][]float32, nTokens)
	for i := range latents {
		latents[i] = tensor.RandNormal(cfg.InnerDim, params.Seed+int64(i))
	}

	p.log.Info("generating image",
		"prompt", params.Prompt,
		"size", fmt.Sprintf("%dx%d", params.Width, params.Height),
		"tokens", nTokens,
		"steps", params.Steps,
		"quantized", p.model.IsQuantized(),
	)

	dt := float32(1.0) / float32(params.Steps)
	for step := 0; step < params.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		in := &flux.ForwardInput{
			HiddenStates:        latents,
			EncoderHiddenStates: enc,
			PooledProjections:   pooled,
			Timestep:            1 - float32(step)*dt,
			Guidance:            params.Guidance,
		}
		velocity, err := p.model.Forward(in)
		if err != nil {
			return nil, fmt.Errorf("pipeline: step %d: %w", step, err)
		}
		for i := range latents {
			for j := range latents[i] {
				latents[i][j] -= dt * velocity[i][j]
			}
		}
	}

	return decodeLatents(latents, cols, rows), nil
}

// encodePrompt derives deterministic encoder states from the prompt text.
// The hash stands in for a text encoder: the same prompt always maps to the
// same conditioning.
func encodePrompt(cfg flux.Config, prompt string, nTokens int) ([][]float32, []float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prompt))
	seed := int64(h.Sum64())

	enc := make([][]float32, nTokens)
	for i := range enc {
		enc[i] = tensor.RandNormal(cfg.ContextDim, seed+int64(i))
	}
	pooled := tensor.RandNormal(cfg.PooledDim, seed-1)
	return enc, pooled
}

// decodeLatents maps each latent token to a grayscale patch. Values squash
// through a sigmoid so arbitrary latent magnitudes stay in range.
func decodeLatents(latents [][]float32, cols, rows int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, cols*patchSize, rows*patchSize))
	for ty := 0; ty < rows; ty++ {
		for tx := 0; tx < cols; tx++ {
			tok := latents[ty*cols+tx]
			for py := 0; py < patchSize; py++ {
				for px := 0; px < patchSize; px++ {
					v := tensor.Sigmoid(tok[py*patchSize+px])
					g := uint8(v * 255)
					img.SetRGBA(tx*patchSize+px, ty*patchSize+py, color.RGBA{R: g, G: g, B: g, A: 255})
				}
			}
		}
	}
	return img
}
