// Package pricing implements the Black-Scholes quantities the hedger needs:
// d1 and the option delta.
package pricing

import (
	"math"

	"dneutral/internal/model"
)

// D1 computes the Black-Scholes d1 term.
// For an expired option (T <= 0) it degenerates to +Inf when S > K and
// -Inf otherwise, which drives the delta to its intrinsic limit.
func D1(s, k, t, r, sigma float64) float64 {
	if t <= 0 {
		if s > k {
			return math.Inf(1)
		}
		return math.Inf(-1)
	}
	return (math.Log(s/k) + (r+0.5*sigma*sigma)*t) / (sigma * math.Sqrt(t))
}

// Delta returns the Black-Scholes delta: N(d1) for calls, N(d1)-1 for puts.
func Delta(optionType model.OptionType, d1 float64) float64 {
	if optionType == model.Call {
		return normCDF(d1)
	}
	return normCDF(d1) - 1
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
