// Package rpl implements the Raw Prior Lens: balanced paraphrase
// scheduling, deterministic seed derivation, clustered bootstrap
// aggregation in logit space, and the runner that ties them to a provider
// scorer.
package rpl

import (
	"math"
	"sort"
)

const (
	probEps    = 1e-6
	sigmoidCap = 709 // beyond this exp overflows float64
)

// Logit returns ln(p/(1-p)) with p clamped to [1e-6, 1-1e-6].
func Logit(p float64) float64 {
	if p < probEps {
		p = probEps
	}
	if p > 1-probEps {
		p = 1 - probEps
	}
	return math.Log(p / (1 - p))
}

// Sigmoid returns 1/(1+e^-x) with x clamped to avoid overflow.
func Sigmoid(x float64) float64 {
	if x > sigmoidCap {
		x = sigmoidCap
	}
	if x < -sigmoidCap {
		x = -sigmoidCap
	}
	return 1 / (1 + math.Exp(-x))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile returns the p-th percentile (0..100) by linear interpolation
// over a sorted copy of xs.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)

	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// iqr returns Q3-Q1 of xs.
func iqr(xs []float64) float64 {
	return percentile(xs, 75) - percentile(xs, 25)
}
