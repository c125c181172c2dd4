package flux

import (
	"errors"
	"testing"
)

func TestCompiledMatchesEager(t *testing.T) {
	for _, sc := range quantScenarios() {
		if !sc.compilable {
			continue
		}
		t.Run(sc.name, func(t *testing.T) {
			m := newTestModel(t)
			if err := Quantize(m, sc.cfg); err != nil {
				t.Fatalf("quantize: %v", err)
			}
			in := smallInput(m.Config, 0)
			eager := forwardOrFatal(t, m, in)

			if err := Compile(m); err != nil {
				t.Fatalf("compile: %v", err)
			}
			if !m.IsCompiled() {
				t.Fatalf("model should report compiled")
			}
			compiled := forwardOrFatal(t, m, in)

			if d := maxOutputDiff(eager, compiled); d >= 1e-4 {
				t.Fatalf("compiled output drift %v", d)
			}
		})
	}
}

func TestCompileRejectsFloat8(t *testing.T) {
	for _, cfg := range []QuantConfig{
		{Weights: FormatFloat8},
		{Weights: FormatFloat8, Activations: FormatFloat8},
	} {
		m := newTestModel(t)
		if err := Quantize(m, cfg); err != nil {
			t.Fatalf("quantize: %v", err)
		}
		if err := Compile(m); !errors.Is(err, ErrNotCompilable) {
			t.Fatalf("got %v, want ErrNotCompilable", err)
		}
		if m.IsCompiled() {
			t.Fatalf("model must not report compiled after rejection")
		}
	}
}

func TestCompileFullPrecisionIsNoop(t *testing.T) {
	m := newTestModel(t)
	in := smallInput(m.Config, 0)
	before := forwardOrFatal(t, m, in)
	if err := Compile(m); err != nil {
		t.Fatalf("compile: %v", err)
	}
	after := forwardOrFatal(t, m, in)
	if d := maxOutputDiff(before, after); d != 0 {
		t.Fatalf("full-precision compile changed outputs by %v", d)
	}
}

func TestCompileIdempotent(t *testing.T) {
	m := newTestModel(t)
	if err := Quantize(m, QuantConfig{Weights: FormatInt8}); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	if err := Compile(m); err != nil {
		t.Fatalf("first compile: %v", err)
	}
	fp := m.Footprint()
	if err := Compile(m); err != nil {
		t.Fatalf("second compile: %v", err)
	}
	if m.Footprint() != fp {
		t.Fatalf("second compile changed footprint: %d -> %d", fp, m.Footprint())
	}
}

func TestCompileRegistersCacheBytes(t *testing.T) {
	m := newTestModel(t)
	if err := Quantize(m, QuantConfig{Weights: FormatInt4}); err != nil {
		t.Fatalf("quantize: %v", err)
	}
	before := m.Footprint()
	if err := Compile(m); err != nil {
		t.Fatalf("compile: %v", err)
	}
	if m.Footprint() <= before {
		t.Fatalf("compile should grow the footprint: %d -> %d", before, m.Footprint())
	}
}
