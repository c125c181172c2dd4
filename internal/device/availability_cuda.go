//go:build cuda

package device

// Has reports whether the named device kind is usable in this build.
func Has(kind string) bool {
	switch kind {
	case CUDA:
		return true
	default:
		return kind == CPU
	}
}
