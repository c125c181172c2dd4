// Package device abstracts compute placement and accounts for the memory a
// model and its forward passes consume.
package device

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	CPU  = "cpu"
	CUDA = "cuda"
	Auto = "auto"
)

// Device identifies a compute target. Ordinal selects among multiple
// accelerators and is ignored for the CPU.
type Device struct {
	Kind    string
	Ordinal int
}

func (d Device) String() string {
	if d.Kind == CUDA && d.Ordinal > 0 {
		return fmt.Sprintf("%s:%d", d.Kind, d.Ordinal)
	}
	return d.Kind
}

// Normalize canonicalizes a backend name. Empty means auto.
func Normalize(name string) (string, error) {
	kind := strings.ToLower(strings.TrimSpace(name))
	if kind == "" {
		return Auto, nil
	}
	switch kind {
	case CPU, CUDA, Auto:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, cpu, or cuda)", name)
	}
}

// Parse parses a device spec like "cpu", "cuda", "cuda:1", or "auto".
// Auto resolves to CUDA when the build carries it and to CPU otherwise.
func Parse(spec string) (Device, error) {
	kind := strings.ToLower(strings.TrimSpace(spec))
	ordinal := 0
	hasOrdinal := false
	if idx := strings.IndexByte(kind, ':'); idx >= 0 {
		n, err := strconv.Atoi(kind[idx+1:])
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal in %q", spec)
		}
		ordinal = n
		hasOrdinal = true
		kind = kind[:idx]
	}
	kind, err := Normalize(kind)
	if err != nil {
		return Device{}, err
	}
	if kind == Auto {
		if hasOrdinal {
			return Device{}, fmt.Errorf("auto device cannot carry an ordinal: %q", spec)
		}
		if Has(CUDA) {
			return Device{Kind: CUDA}, nil
		}
		return Device{Kind: CPU}, nil
	}
	if kind == CPU && hasOrdinal {
		return Device{}, fmt.Errorf("cpu device cannot carry an ordinal: %q", spec)
	}
	if kind == CUDA && !Has(CUDA) {
		return Device{}, fmt.Errorf("cuda device is not available in this build")
	}
	return Device{Kind: kind, Ordinal: ordinal}, nil
}

// Available returns a comma-separated list of available device kinds.
func Available() string {
	entries := []string{CPU}
	if Has(CUDA) {
		entries = append(entries, CUDA)
	}
	return strings.Join(entries, ",")
}
