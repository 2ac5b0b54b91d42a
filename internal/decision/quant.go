package decision

import "github.com/chewxy/math32"

// Standardize returns (x - mean) / std. A zero std yields zero.
func Standardize(x, mean, std float32) float32 {
	if std == 0 {
		return 0
	}
	return (x - mean) / std
}

// Quantize maps a real value to int8 as round(x/scale) + zeroPoint,
// saturating at [-128, 127].
func Quantize(x, scale float32, zeroPoint int32) int8 {
	if scale == 0 || math32.IsNaN(x) {
		return clampInt8(float32(zeroPoint))
	}
	return clampInt8(math32.Round(x/scale) + float32(zeroPoint))
}

// Dequantize maps an int8 output back to a probability,
// (q - zeroPoint) * scale clamped to [0, 1].
func Dequantize(q int8, scale float32, zeroPoint int32) float32 {
	v := float32(int32(q)-zeroPoint) * scale
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Argmax returns the index of the strictly greatest value; on ties the
// first one wins. It returns -1 for an empty slice.
func Argmax(values []float32) int {
	best := -1
	var bestVal float32
	for i, v := range values {
		if best == -1 || v > bestVal {
			best = i
			bestVal = v
		}
	}
	return best
}

func clampInt8(v float32) int8 {
	if v < -128 {
		return -128
	}
	if v > 127 {
		return 127
	}
	return int8(v)
}
