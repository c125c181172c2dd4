package tensor

import (
	"math"
	"testing"
)

func TestSoftmaxSumsToOne(t *testing.T) {
	x := []float32{1, 2, 3, 4, -1}
	Softmax(x)
	var sum float64
	for _, v := range x {
		if v < 0 || v > 1 {
			t.Fatalf("softmax output out of range: %v", v)
		}
		sum += float64(v)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("softmax sum %v", sum)
	}
}

func TestRMSNorm(t *testing.T) {
	src := RandNormal(64, 7)
	weight := make([]float32, len(src))
	for i := range weight {
		weight[i] = 1
	}
	dst := make([]float32, len(src))
	RMSNorm(dst, src, weight, 1e-6)

	// With unit weights the output has unit root mean square.
	var sum float64
	for _, v := range dst {
		sum += float64(v) * float64(v)
	}
	rms := math.Sqrt(sum / float64(len(dst)))
	if math.Abs(rms-1) > 1e-3 {
		t.Fatalf("rms %v", rms)
	}

	// Weights scale elements independently.
	weight[0] = 2
	RMSNorm(dst, src, weight, 1e-6)
	plain := make([]float32, len(src))
	weight[0] = 1
	RMSNorm(plain, src, weight, 1e-6)
	if math.Abs(float64(dst[0]-2*plain[0])) > 1e-6 {
		t.Fatalf("weighted elem %v, want %v", dst[0], 2*plain[0])
	}
}

func TestLayerNormZeroMeanUnitVar(t *testing.T) {
	src := RandNormal(64, 42)
	dst := make([]float32, len(src))
	LayerNorm(dst, src, nil, nil, 1e-6)

	var mean float64
	for _, v := range dst {
		mean += float64(v)
	}
	mean /= float64(len(dst))
	if math.Abs(mean) > 1e-5 {
		t.Fatalf("mean %v", mean)
	}
	var variance float64
	for _, v := range dst {
		variance += (float64(v) - mean) * (float64(v) - mean)
	}
	variance /= float64(len(dst))
	if math.Abs(variance-1) > 1e-3 {
		t.Fatalf("variance %v", variance)
	}
}

func TestLayerNormModulation(t *testing.T) {
	src := RandNormal(16, 1)
	plain := make([]float32, len(src))
	LayerNorm(plain, src, nil, nil, 1e-6)

	shift := make([]float32, len(src))
	scale := make([]float32, len(src))
	for i := range shift {
		shift[i] = 0.5
		scale[i] = 1
	}
	mod := make([]float32, len(src))
	LayerNorm(mod, src, shift, scale, 1e-6)

	for i := range mod {
		want := plain[i]*2 + 0.5
		if math.Abs(float64(mod[i]-want)) > 1e-5 {
			t.Fatalf("elem %d: got %v want %v", i, mod[i], want)
		}
	}
}

func TestGelu(t *testing.T) {
	if g := Gelu(0); g != 0 {
		t.Fatalf("gelu(0) = %v", g)
	}
	if g := Gelu(10); math.Abs(float64(g-10)) > 1e-3 {
		t.Fatalf("gelu(10) = %v", g)
	}
	if g := Gelu(-10); math.Abs(float64(g)) > 1e-3 {
		t.Fatalf("gelu(-10) = %v", g)
	}
}

func TestSinusoidalEmbedding(t *testing.T) {
	dst := make([]float32, 32)
	SinusoidalEmbedding(dst, 0, 10000)
	for i := 0; i < 16; i++ {
		if dst[i] != 0 {
			t.Fatalf("sin part at t=0 should be 0, got %v", dst[i])
		}
		if dst[16+i] != 1 {
			t.Fatalf("cos part at t=0 should be 1, got %v", dst[16+i])
		}
	}

	a := make([]float32, 32)
	b := make([]float32, 32)
	SinusoidalEmbedding(a, 3, 10000)
	SinusoidalEmbedding(b, 3, 10000)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding not deterministic at %d", i)
		}
	}
}
