package scene

import (
	"math"

	rng "github.com/leesper/go_rng"
)

const uniformEps = 1e-6

// noiseSource draws the per step noise. The same (seed, step, attempt) always gives the same
// draws, which is what makes a resumed run repeat the original one.
type noiseSource struct {
	gauss *rng.GaussianGenerator
	unif  *rng.UniformGenerator
}

func newNoiseSource(seed int64, step, attempt int) noiseSource {
	s := seed*1000003 + int64(step)*7919 + int64(attempt)*104729
	return noiseSource{
		gauss: rng.NewGaussianGenerator(s),
		unif:  rng.NewUniformGenerator(s + 1),
	}
}

// normal fills dst with standard normal draws.
func (n noiseSource) normal(dst []float32) {
	for i := range dst {
		dst[i] = float32(n.gauss.Gaussian(0, 1))
	}
}

// logistic fills dst with standard logistic draws, log(u) - log(1-u).
func (n noiseSource) logistic(dst []float32) {
	for i := range dst {
		u := n.unif.Float64()
		u = math.Max(uniformEps, math.Min(1-uniformEps, u))
		dst[i] = float32(math.Log(u) - math.Log1p(-u))
	}
}
