package tensor

import (
	"math"
)

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}

// LayerNorm normalizes src to zero mean and unit variance. When shift and
// scale are non-nil they modulate the result as dst = norm*(1+scale)+shift.
func LayerNorm(dst, src []float32, shift, scale []float32, eps float32) {
	var mean float32
	for _, v := range src {
		mean += v
	}
	mean /= float32(len(src))
	var variance float32
	for _, v := range src {
		d := v - mean
		variance += d * d
	}
	variance /= float32(len(src))
	inv := float32(1.0) / float32(math.Sqrt(float64(variance+eps)))
	for i := range src {
		n := (src[i] - mean) * inv
		if scale != nil {
			n *= 1 + scale[i]
		}
		if shift != nil {
			n += shift[i]
		}
		dst[i] = n
	}
}

// Softmax applies the softmax function to x.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// Silu computes the Sigmoid Linear Unit (SiLU) activation.
func Silu(x float32) float32 {
	return x * Sigmoid(x)
}

// Gelu computes the Gaussian Error Linear Unit activation using the tanh
// approximation.
func Gelu(x float32) float32 {
	const c = 0.7978845608028654 // sqrt(2/pi)
	x3 := float64(x) * float64(x) * float64(x)
	return float32(0.5 * float64(x) * (1 + math.Tanh(c*(float64(x)+0.044715*x3))))
}

// SinusoidalEmbedding fills dst with a sinusoidal position embedding for t.
// dst must have even length. The layout is all sines followed by all cosines,
// with frequencies spaced geometrically from 1 down to 1/maxPeriod.
func SinusoidalEmbedding(dst []float32, t float32, maxPeriod float64) {
	if len(dst)%2 != 0 {
		panic("sinusoidal embedding requires even dimension")
	}
	half := len(dst) / 2
	for i := 0; i < half; i++ {
		freq := math.Exp(-math.Log(maxPeriod) * float64(i) / float64(half))
		angle := float64(t) * freq
		dst[i] = float32(math.Sin(angle))
		dst[half+i] = float32(math.Cos(angle))
	}
}
