package peg

import "math/big"

// scaledMul computes (a * b) / scale with the multiplication carried out at
// full width and the division truncated toward zero, mirroring the
// reference implementation's 128-bit scaled_mul. a and b may be any sign;
// the result is nil-safe (nil inputs are treated as zero).
func scaledMul(a, b, scale *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	if scale == nil || scale.Sign() == 0 {
		return product
	}
	return new(big.Int).Quo(product, scale) // Quo truncates toward zero
}

// scaledMulInt64 is the common case where a and b are plain int64 gains and
// errors; it promotes both to big.Int and delegates to scaledMul.
func scaledMulInt64(a, b int64, scale *big.Int) *big.Int {
	return scaledMul(big.NewInt(a), big.NewInt(b), scale)
}

// abs128 returns |x|. The signed-minimum edge case that would overflow in a
// fixed-width twos-complement type cannot occur at big.Int precision, so no
// saturation policy is needed here.
func abs128(x *big.Int) *big.Int {
	if x == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Abs(x)
}

// clampBig returns x clamped to [lo, hi].
func clampBig(x, lo, hi *big.Int) *big.Int {
	if x.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if x.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return new(big.Int).Set(x)
}

// ppmOf computes supply * ppm / PPMScale, the per-epoch cap helper used for
// both expansion and contraction caps.
func ppmOf(supply *big.Int, ppm int64) *big.Int {
	return scaledMul(supply, big.NewInt(ppm), bigPPMScale)
}

// ppmToPercentString formats a PPM value as a decimal percentage string
// without floating point, e.g. 500_000 -> "50.0000". Reproduces the
// original's circuit-breaker reason formatting (circuit_breaker_ppm /
// 10000.0) using only integer division and remainder.
func ppmToPercentString(ppm int64) string {
	if ppm < 0 {
		ppm = -ppm
	}
	whole := ppm / 10_000
	frac := ppm % 10_000
	return itoaPadded(whole, frac)
}

func itoaPadded(whole, frac int64) string {
	const pad = "0000"
	fracStr := big.NewInt(frac).String()
	for len(fracStr) < len(pad) {
		fracStr = "0" + fracStr
	}
	return big.NewInt(whole).String() + "." + fracStr
}
