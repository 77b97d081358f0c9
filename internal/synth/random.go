// Package synth generates deterministic synthetic datasets for the anomaly,
// machine learning and vector suites. Every generator takes its own
// *rand.Rand so a seed reproduces the same documents.
package synth

import (
	"math"
	"math/rand/v2"
)

// NewRand returns a PCG-backed generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func normal(r *rand.Rand, mean, sd float64) float64 {
	return mean + sd*r.NormFloat64()
}

func lognormal(r *rand.Rand, mu, sigma float64) float64 {
	return math.Exp(normal(r, mu, sigma))
}

func exponential(r *rand.Rand, scale float64) float64 {
	return r.ExpFloat64() * scale
}

func uniform(r *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*r.Float64()
}

// poisson uses Knuth's multiplication method, adequate for the small means used here.
func poisson(r *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= r.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}

func pick[T any](r *rand.Rand, items []T) T {
	return items[r.IntN(len(items))]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
