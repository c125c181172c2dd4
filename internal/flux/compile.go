package flux

import (
	"fmt"

	"github.com/mbaxter/diffuse/internal/tensor"
)

// Compile pre-unpacks every block-quantized weight into an int8 cache so the
// forward pass skips per-call payload decoding. The cached path runs the same
// per-block arithmetic in the same order as the eager path, so compiled and
// eager outputs agree.
//
// Only the integer formats are compilable. Float8 payloads decode through a
// lookup table already and have no block structure to unpack; compiling them
// is rejected rather than silently doing nothing.
func Compile(t *Transformer) error {
	if t.compiled {
		return nil
	}
	if !t.IsQuantized() {
		// Full-precision models have nothing to unpack.
		t.compiled = true
		return nil
	}
	if !t.Quant.Weights.IsInteger() {
		return ErrNotCompilable
	}

	type built struct {
		mat   *tensor.Mat
		cache *tensor.QuantCache
	}
	var done []built
	for _, nm := range t.NamedModules() {
		ql, ok := (*nm.Slot).(*QLinear)
		if !ok {
			continue
		}
		qc, err := tensor.BuildQuantCache(&ql.W)
		if err != nil {
			// Nothing installed yet; the model is untouched.
			return fmt.Errorf("flux: compile %s: %w", nm.Name, err)
		}
		done = append(done, built{mat: &ql.W, cache: qc})
	}
	for _, b := range done {
		b.mat.Quant = b.cache
		t.Alloc.Register(b.cache.Bytes())
	}
	t.compiled = true
	return nil
}
