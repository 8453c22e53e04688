package privacy

import (
	"math"
	"testing"
)

const sampleCount = 10000

func TestLaplaceNoiseVariance(t *testing.T) {
	// Laplace(0, b) has variance 2b^2. With 10k samples the empirical
	// variance should land within a generous tolerance.
	for _, scale := range []float64{0.5, 1.0, 3.33} {
		var sum, sumSq float64
		for i := 0; i < sampleCount; i++ {
			n := LaplaceNoise(scale)
			sum += n
			sumSq += n * n
		}
		mean := sum / sampleCount
		variance := sumSq/sampleCount - mean*mean
		want := 2 * scale * scale

		if math.Abs(mean) > scale {
			t.Errorf("scale %g: mean %g too far from 0", scale, mean)
		}
		if math.Abs(variance-want) > 0.25*want {
			t.Errorf("scale %g: variance = %g, want ~%g", scale, variance, want)
		}
	}
}

func TestLaplaceNoiseSymmetric(t *testing.T) {
	pos := 0
	for i := 0; i < sampleCount; i++ {
		if LaplaceNoise(1) > 0 {
			pos++
		}
	}
	// Binomial(10000, 0.5) stays within ±500 of 5000 far beyond 5 sigma.
	if pos < 4500 || pos > 5500 {
		t.Errorf("positive samples = %d of %d, distribution is skewed", pos, sampleCount)
	}
}

func TestGaussianNoiseVariance(t *testing.T) {
	sigma := 2.0
	var sum, sumSq float64
	for i := 0; i < sampleCount; i++ {
		n := GaussianNoise(sigma)
		sum += n
		sumSq += n * n
	}
	mean := sum / sampleCount
	variance := sumSq/sampleCount - mean*mean
	want := sigma * sigma

	if math.Abs(mean) > 0.2 {
		t.Errorf("mean = %g, want ~0", mean)
	}
	if math.Abs(variance-want) > 0.2*want {
		t.Errorf("variance = %g, want ~%g", variance, want)
	}
}

func TestLaplaceScale(t *testing.T) {
	if got := LaplaceScale(100, 0.5); got != 200 {
		t.Errorf("LaplaceScale(100, 0.5) = %g, want 200", got)
	}
}

func TestGaussianSigma(t *testing.T) {
	// sigma = s/eps * sqrt(2 ln(1.25/delta))
	got := GaussianSigma(1, 0.5, 1e-5)
	want := 1.0 / 0.5 * math.Sqrt(2*math.Log(1.25/1e-5))
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("GaussianSigma = %g, want %g", got, want)
	}
}
