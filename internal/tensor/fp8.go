package tensor

import "math"

// f8e4m3 codec. The encoding follows the OCP 8-bit floating point spec
// (E4M3 variant): 1 sign bit, 4 exponent bits with bias 7, 3 mantissa bits.
// There are no infinities; exponent 15 with mantissa 7 is NaN, which leaves
// a maximum finite magnitude of 448.

const (
	fp8MaxFinite = 448
	fp8NaN       = 0x7F
	fp8MaxCode   = 0x7E // largest finite positive code
)

var fp8Table [256]float32

func init() {
	for b := 0; b < 256; b++ {
		fp8Table[b] = fp8Decode(uint8(b))
	}
}

func fp8Decode(b uint8) float32 {
	exp := int(b>>3) & 0xF
	man := int(b) & 0x7
	var v float64
	switch {
	case exp == 0xF && man == 0x7:
		v = math.NaN()
	case exp == 0:
		// Subnormal: man/8 * 2^-6.
		v = float64(man) / 8.0 * math.Ldexp(1, -6)
	default:
		v = (1 + float64(man)/8.0) * math.Ldexp(1, exp-7)
	}
	if b&0x80 != 0 {
		v = -v
	}
	return float32(v)
}

// FP8E4M3ToFloat32 decodes a single f8e4m3 byte.
func FP8E4M3ToFloat32(b uint8) float32 {
	return fp8Table[b]
}

// FP8E4M3FromFloat32 encodes f as the nearest f8e4m3 value, rounding ties to
// even and saturating at the maximum finite magnitude.
func FP8E4M3FromFloat32(f float32) uint8 {
	if math.IsNaN(float64(f)) {
		return fp8NaN
	}
	if f == 0 {
		// Both zeros encode as +0.
		return 0x00
	}
	var sign uint8
	if math.Signbit(float64(f)) {
		sign = 0x80
		f = -f
	}
	if f >= fp8MaxFinite {
		return sign | fp8MaxCode
	}

	// Positive codes 0x00..0x7E are monotonically non-decreasing, so the
	// nearest code can be found by binary search over the decode table.
	lo, hi := uint8(0), uint8(fp8MaxCode)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if fp8Table[mid] <= f {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == fp8MaxCode {
		return sign | lo
	}
	below, above := fp8Table[lo], fp8Table[lo+1]
	switch {
	case f-below < above-f:
		return sign | lo
	case f-below > above-f:
		return sign | (lo + 1)
	case lo&1 == 0: // exact midpoint, round to even code
		return sign | lo
	default:
		return sign | (lo + 1)
	}
}
