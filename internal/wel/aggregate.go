package wel

import (
	"math"
	"sort"

	"github.com/peakyragnar/heretix/internal/rpl"
)

const (
	z95 = 1.96
	// wideBandLogit is the half-width applied around a single-replicate
	// estimate, where a sample standard deviation is undefined.
	wideBandLogit = 2.0
)

// Aggregate is the combined web-evidence estimate over replicates.
type Aggregate struct {
	ProbTrue        float64    `json:"prob_true"`
	CI95            [2]float64 `json:"ci95"`
	MeanLogit       float64    `json:"mean_logit"`
	DispersionLogit float64    `json:"dispersion_logit"` // IQR of replicate logits
	NReplicates     int        `json:"n_replicates"`
	JSONValidRate   float64    `json:"json_valid_rate"`
}

// AggregateReplicates combines replicate probabilities in logit space: the
// arithmetic mean as the center, a normal-approximation interval on the mean
// when at least two replicates exist, and replicate-logit IQR as dispersion.
func AggregateReplicates(reps []Replicate) Aggregate {
	if len(reps) == 0 {
		return Aggregate{ProbTrue: 0.5, CI95: [2]float64{rpl.Sigmoid(-wideBandLogit), rpl.Sigmoid(wideBandLogit)}}
	}

	logits := make([]float64, len(reps))
	valid := 0
	for i, r := range reps {
		logits[i] = r.Logit
		if r.JSONValid {
			valid++
		}
	}

	m := meanOf(logits)
	out := Aggregate{
		MeanLogit:       m,
		ProbTrue:        rpl.Sigmoid(m),
		DispersionLogit: iqrOf(logits),
		NReplicates:     len(reps),
		JSONValidRate:   float64(valid) / float64(len(reps)),
	}

	if len(logits) >= 2 {
		sd := sampleStddev(logits, m)
		half := z95 * sd / math.Sqrt(float64(len(logits)))
		out.CI95 = [2]float64{rpl.Sigmoid(m - half), rpl.Sigmoid(m + half)}
	} else {
		out.CI95 = [2]float64{rpl.Sigmoid(m - wideBandLogit), rpl.Sigmoid(m + wideBandLogit)}
	}
	return out
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func sampleStddev(xs []float64, mean float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

func iqrOf(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	return percentileOf(sorted, 75) - percentileOf(sorted, 25)
}

// percentileOf uses linear interpolation over a sorted slice.
func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
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
