//go:build !cuda

package device

// Has reports whether the named device kind is usable in this build.
func Has(kind string) bool {
	return kind == CPU
}
