package flux

import (
	"math"

	"github.com/mbaxter/diffuse/internal/device"
	"github.com/mbaxter/diffuse/internal/tensor"
)

// forwardScratch holds the per-pass working buffers. All of them come from
// the model's allocator so the pass shows up in the peak statistics.
type forwardScratch struct {
	norm  []float32 // one normed token
	row   []float32 // one projection output
	qkv   []float32 // packed q,k,v for every token
	attn  []float32 // attention output per token
	score []float32 // attention scores for one head
	mlp   []float32 // feed-forward hidden
}

func (t *Transformer) newForwardScratch(n int) *forwardScratch {
	d := t.Config.InnerDim
	return &forwardScratch{
		norm:  t.Alloc.Floats(d),
		row:   t.Alloc.Floats(d),
		qkv:   t.Alloc.Floats(n * 3 * d),
		attn:  t.Alloc.Floats(n * d),
		score: t.Alloc.Floats(n),
		mlp:   t.Alloc.Floats(t.Config.MLPDim()),
	}
}

func (s *forwardScratch) release(a *device.Allocator) {
	a.ReleaseFloats(s.norm)
	a.ReleaseFloats(s.row)
	a.ReleaseFloats(s.qkv)
	a.ReleaseFloats(s.attn)
	a.ReleaseFloats(s.score)
	a.ReleaseFloats(s.mlp)
}

// runBlock applies one transformer layer to the packed token buffer in place.
func (t *Transformer) runBlock(b *Block, tokens []float32, n int, s *forwardScratch) {
	cfg := t.Config
	d := cfg.InnerDim
	heads := cfg.NumHeads
	headDim := cfg.HeadDim()
	invSqrt := float32(1 / math.Sqrt(float64(headDim)))

	// Attention: pre-norm, fused qkv projection, per-head scaled dot product.
	for i := 0; i < n; i++ {
		tok := tokens[i*d : (i+1)*d]
		tensor.LayerNorm(s.norm, tok, nil, nil, cfg.Eps)
		b.QKV.Forward(s.qkv[i*3*d:(i+1)*3*d], s.norm)
	}

	for i := 0; i < n; i++ {
		q := s.qkv[i*3*d : i*3*d+d]
		outTok := s.attn[i*d : (i+1)*d]
		for h := 0; h < heads; h++ {
			qh := q[h*headDim : (h+1)*headDim]
			for j := 0; j < n; j++ {
				kh := s.qkv[j*3*d+d+h*headDim : j*3*d+d+(h+1)*headDim]
				s.score[j] = tensor.Dot(qh, kh) * invSqrt
			}
			tensor.Softmax(s.score[:n])

			oh := outTok[h*headDim : (h+1)*headDim]
			for k := range oh {
				oh[k] = 0
			}
			for j := 0; j < n; j++ {
				w := s.score[j]
				if w == 0 {
					continue
				}
				vh := s.qkv[j*3*d+2*d+h*headDim : j*3*d+2*d+(h+1)*headDim]
				for k := 0; k < headDim; k++ {
					oh[k] += w * vh[k]
				}
			}
		}
	}

	for i := 0; i < n; i++ {
		b.Proj.Forward(s.row, s.attn[i*d:(i+1)*d])
		tensor.Add(tokens[i*d:(i+1)*d], s.row)
	}

	// Feed-forward: pre-norm, expand, gelu, contract, residual.
	for i := 0; i < n; i++ {
		tok := tokens[i*d : (i+1)*d]
		tensor.LayerNorm(s.norm, tok, nil, nil, cfg.Eps)
		b.MLPIn.Forward(s.mlp, s.norm)
		for k := range s.mlp {
			s.mlp[k] = tensor.Gelu(s.mlp[k])
		}
		b.MLPOut.Forward(s.row, s.mlp)
		tensor.Add(tok, s.row)
	}
}
