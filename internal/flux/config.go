// Package flux implements a small rectified-flow diffusion transformer with
// quantizable dense layers.
package flux

import "fmt"

// Config describes the transformer architecture. It is stored verbatim in a
// checkpoint's model info section.
type Config struct {
	// InnerDim is the token width carried through the blocks.
	InnerDim int `json:"inner_dim"`

	// ContextDim is the width of the incoming text-encoder states.
	ContextDim int `json:"context_dim"`

	// PooledDim is the width of the pooled text projection.
	PooledDim int `json:"pooled_dim"`

	NumBlocks int `json:"num_blocks"`
	NumHeads  int `json:"num_heads"`

	// MLPRatio scales InnerDim to the feed-forward hidden width.
	MLPRatio int `json:"mlp_ratio"`

	// FreqDim is the width of the sinusoidal timestep and guidance features.
	FreqDim int `json:"freq_dim"`

	Eps float32 `json:"eps"`

	// Seed is the weight-initialisation seed, recorded so a checkpoint can
	// name the exact model it came from.
	Seed int64 `json:"seed"`
}

// DefaultConfig is the tiny reference configuration used by the test rig and
// the demo pipeline.
func DefaultConfig() Config {
	return Config{
		InnerDim:   64,
		ContextDim: 4096,
		PooledDim:  768,
		NumBlocks:  2,
		NumHeads:   4,
		MLPRatio:   4,
		FreqDim:    256,
		Eps:        1e-6,
	}
}

// Validate checks the structural constraints of the config.
func (c Config) Validate() error {
	switch {
	case c.InnerDim <= 0:
		return fmt.Errorf("flux: inner_dim must be positive, got %d", c.InnerDim)
	case c.ContextDim <= 0:
		return fmt.Errorf("flux: context_dim must be positive, got %d", c.ContextDim)
	case c.PooledDim <= 0:
		return fmt.Errorf("flux: pooled_dim must be positive, got %d", c.PooledDim)
	case c.NumBlocks <= 0:
		return fmt.Errorf("flux: num_blocks must be positive, got %d", c.NumBlocks)
	case c.NumHeads <= 0:
		return fmt.Errorf("flux: num_heads must be positive, got %d", c.NumHeads)
	case c.InnerDim%c.NumHeads != 0:
		return fmt.Errorf("flux: inner_dim %d not divisible by num_heads %d", c.InnerDim, c.NumHeads)
	case c.MLPRatio <= 0:
		return fmt.Errorf("flux: mlp_ratio must be positive, got %d", c.MLPRatio)
	case c.FreqDim <= 0 || c.FreqDim%2 != 0:
		return fmt.Errorf("flux: freq_dim must be positive and even, got %d", c.FreqDim)
	case !(c.Eps > 0):
		return fmt.Errorf("flux: eps must be positive, got %v", c.Eps)
	}
	return nil
}

// HeadDim returns the per-head width.
func (c Config) HeadDim() int { return c.InnerDim / c.NumHeads }

// MLPDim returns the feed-forward hidden width.
func (c Config) MLPDim() int { return c.InnerDim * c.MLPRatio }
