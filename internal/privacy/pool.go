package privacy

import (
	"math/rand/v2"
	"sync"

	"github.com/privacore/privgate/internal/metrics"
)

// poolSize is how many unit-sensitivity samples each per-epsilon pool
// holds between refills.
const poolSize = 1024

// NoisePool pre-generates Laplace samples at unit sensitivity for a fixed
// set of common epsilon values, so hot-path queries draw instead of
// sampling. Samples are consumed without replacement by swap-removal at a
// random index; an exhausted pool is regenerated in place.
//
// Pooled samples are drawn at sensitivity 1 and scaled at draw time, which
// is distribution-preserving for Laplace noise.
type NoisePool struct {
	mu    sync.Mutex
	pools map[float64][]float64
}

// DefaultPoolEpsilons are the epsilon values pooled out of the box.
var DefaultPoolEpsilons = []float64{0.1, 0.3, 0.5, 1.0}

// NewNoisePool builds pools for the given epsilon values.
func NewNoisePool(epsilons ...float64) *NoisePool {
	if len(epsilons) == 0 {
		epsilons = DefaultPoolEpsilons
	}
	p := &NoisePool{pools: make(map[float64][]float64, len(epsilons))}
	for _, eps := range epsilons {
		p.pools[eps] = fillPool(eps)
	}
	return p
}

// Laplace returns one Laplace sample at the given scale parameters,
// drawing from the pool when epsilon is pooled and sampling fresh
// otherwise.
func (p *NoisePool) Laplace(sensitivity, epsilon float64) float64 {
	p.mu.Lock()
	samples, ok := p.pools[epsilon]
	if !ok {
		p.mu.Unlock()
		return LaplaceNoise(LaplaceScale(sensitivity, epsilon))
	}
	if len(samples) == 0 {
		samples = fillPool(epsilon)
		metrics.NoisePoolRefills.Inc()
	}
	i := rand.IntN(len(samples))
	n := samples[i]
	samples[i] = samples[len(samples)-1]
	p.pools[epsilon] = samples[:len(samples)-1]
	p.mu.Unlock()
	return n * sensitivity
}

// Size returns the remaining sample count for a pooled epsilon, used by
// the stats endpoint.
func (p *NoisePool) Size(epsilon float64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pools[epsilon])
}

func fillPool(epsilon float64) []float64 {
	samples := make([]float64, poolSize)
	for i := range samples {
		samples[i] = LaplaceNoise(LaplaceScale(1, epsilon))
	}
	return samples
}
