// Package export writes accumulated session data to disk: CSV with a metadata header,
// an optional JSON sidecar and a NumPy .npy matrix, optionally quantized to the ADC's
// least significant bit.
package export

import (
	"fmt"
	"math"
	"strings"
)

// RoundMode selects how a value is rounded to an ADC code.
type RoundMode string

// The supported rounding modes.
const (
	Round RoundMode = "round" // nearest code
	Floor RoundMode = "floor" // toward -inf
	Ceil  RoundMode = "ceil"  // toward +inf
)

// ParseRoundMode accepts round, floor or ceil in any case; "" means Round.
func ParseRoundMode(s string) (RoundMode, error) {
	switch mode := RoundMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case "", Round:
		return Round, nil
	case Floor, Ceil:
		return mode, nil
	}
	return "", fmt.Errorf("unknown rounding mode %q (want round, floor or ceil)", s)
}

// Quantizer maps voltages onto the code grid of an ADC spanning [VMin, VMax].
type Quantizer struct {
	VMin float64
	VMax float64
	Bits int
	Mode RoundMode
}

// LSB returns the nominal size in volts of one ADC code, (VMax-VMin)/2^Bits.
func (q Quantizer) LSB() float64 {
	return (q.VMax - q.VMin) / math.Ldexp(1, max(1, q.Bits))
}

// Quantize rounds v to the nearest code (per Mode) and clips it to [VMin, VMax].
func (q Quantizer) Quantize(v float64) float64 {
	lsb := q.LSB()
	if !(lsb > 0) {
		return v
	}
	code := (v - q.VMin) / lsb
	switch q.Mode {
	case Floor:
		code = math.Floor(code)
	case Ceil:
		code = math.Ceil(code)
	default:
		code = math.RoundToEven(code)
	}
	return math.Min(math.Max(code*lsb+q.VMin, q.VMin), q.VMax)
}

// QuantizeLanes returns quantized copies of every lane.
func (q Quantizer) QuantizeLanes(lanes [][]float64) [][]float64 {
	out := make([][]float64, len(lanes))
	for c, lane := range lanes {
		out[c] = make([]float64, len(lane))
		for i, v := range lane {
			out[c][i] = q.Quantize(v)
		}
	}
	return out
}

// Decimals returns how many decimal places show the value resolution: one more than
// needed to resolve an LSB, at most 7. A zero LSB gives 6.
func (q Quantizer) Decimals() int {
	lsb := q.LSB()
	if lsb == 0 {
		return 6
	}
	decimals := max(0, int(math.Ceil(-math.Log10(math.Abs(lsb))))) + 1
	return min(decimals, 7)
}
