// Package privacy implements differential-privacy noise generation and
// per-entity epsilon/delta budget accounting.
//
// The noise formulas here are correctness-critical: any deviation from the
// inverse-CDF Laplace sampler or the Box-Muller Gaussian sampler below
// breaks the stated privacy guarantee.
package privacy

import (
	"math"
	"math/rand/v2"
)

// LaplaceNoise draws one sample from Laplace(0, scale) by inverse-CDF
// sampling: u ~ Uniform(-0.5, 0.5), noise = -scale * sign(u) * ln(1-2|u|).
func LaplaceNoise(scale float64) float64 {
	u := rand.Float64() - 0.5
	return -scale * sign(u) * math.Log(1-2*math.Abs(u))
}

// LaplaceScale is the noise scale for epsilon-DP: sensitivity / epsilon.
func LaplaceScale(sensitivity, epsilon float64) float64 {
	return sensitivity / epsilon
}

// GaussianNoise draws one sample from N(0, sigma^2) via Box-Muller.
func GaussianNoise(sigma float64) float64 {
	u1 := rand.Float64()
	for u1 == 0 {
		u1 = rand.Float64()
	}
	u2 := rand.Float64()
	return sigma * math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// GaussianSigma is the standard deviation for (epsilon, delta)-DP:
// sensitivity/epsilon * sqrt(2 * ln(1.25/delta)).
func GaussianSigma(sensitivity, epsilon, delta float64) float64 {
	return sensitivity / epsilon * math.Sqrt(2*math.Log(1.25/delta))
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	return 1
}
