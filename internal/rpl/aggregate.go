package rpl

import (
	"math"
	"math/rand"
	"sort"
)

// Center selects how template means are combined into a point estimate.
type Center string

const (
	// CenterTrimmed drops a fraction of extreme template means from each
	// end before averaging. Robust to a single runaway paraphrase.
	CenterTrimmed Center = "trimmed"
	// CenterMean is the plain arithmetic mean of template means.
	CenterMean Center = "mean"
)

// NoTemplatesError means aggregation was called with an empty template map.
type NoTemplatesError struct{}

func (e *NoTemplatesError) Error() string {
	return "aggregation requires at least one template with samples"
}

// AggregateOptions configures the clustered bootstrap.
type AggregateOptions struct {
	B      int     // bootstrap resamples; 0 skips the CI
	Center Center  // trimmed or mean
	Trim   float64 // in [0, 0.5), used by CenterTrimmed
	FixedM int     // replicates drawn per template; 0 uses each template's observed size
}

// AggregateResult is the logit-space aggregation output plus diagnostics.
type AggregateResult struct {
	PointLogit       float64
	CILogit          [2]float64
	NTemplates       int
	CountsByTemplate map[string]int
	ImbalanceRatio   float64
	TemplateIQRLogit float64
	TemplateMeans    []float64
	Method           string
}

// Aggregate runs the clustered bootstrap over per-template logit samples.
// Resampling happens at the template level first, then replicates within
// each drawn template, preserving within-template correlation. All
// percentiles are taken over the B centered scalars; the CI is clamped to
// bracket the point estimate.
func Aggregate(byTemplate map[string][]float64, rng *rand.Rand, opts AggregateOptions) (AggregateResult, error) {
	if len(byTemplate) == 0 {
		return AggregateResult{}, &NoTemplatesError{}
	}

	// Sorted template ordering keeps bootstrap draws deterministic for a
	// given seed regardless of map iteration order.
	hashes := make([]string, 0, len(byTemplate))
	for h := range byTemplate {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	counts := make(map[string]int, len(hashes))
	templateMeans := make([]float64, len(hashes))
	samples := make([][]float64, len(hashes))
	minCount, maxCount := math.MaxInt, 0
	for i, h := range hashes {
		logits := byTemplate[h]
		samples[i] = logits
		templateMeans[i] = mean(logits)
		counts[h] = len(logits)
		if len(logits) < minCount {
			minCount = len(logits)
		}
		if len(logits) > maxCount {
			maxCount = len(logits)
		}
	}

	point := centerOf(templateMeans, opts.Center, opts.Trim)

	imbalance := 1.0
	if minCount > 0 {
		imbalance = float64(maxCount) / float64(minCount)
	}

	res := AggregateResult{
		PointLogit:       point,
		CILogit:          [2]float64{point, point},
		NTemplates:       len(hashes),
		CountsByTemplate: counts,
		ImbalanceRatio:   imbalance,
		TemplateIQRLogit: iqr(templateMeans),
		TemplateMeans:    templateMeans,
		Method:           methodLabel(opts),
	}

	if opts.B <= 0 {
		return res, nil
	}

	t := len(hashes)
	centered := make([]float64, opts.B)
	drawnMeans := make([]float64, t)
	for i := 0; i < opts.B; i++ {
		for j := 0; j < t; j++ {
			tpl := rng.Intn(t)
			logits := samples[tpl]
			m := opts.FixedM
			if m <= 0 {
				m = len(logits)
			}
			var sum float64
			for d := 0; d < m; d++ {
				sum += logits[rng.Intn(len(logits))]
			}
			drawnMeans[j] = sum / float64(m)
		}
		centered[i] = centerOf(drawnMeans, opts.Center, opts.Trim)
	}

	lo := percentile(centered, 2.5)
	hi := percentile(centered, 97.5)
	if lo > point {
		lo = point
	}
	if hi < point {
		hi = point
	}
	res.CILogit = [2]float64{lo, hi}
	return res, nil
}

// centerOf combines template means under the selected policy. Trimming
// that would remove every value degrades to the plain mean.
func centerOf(templateMeans []float64, center Center, trim float64) float64 {
	if center != CenterTrimmed || trim <= 0 {
		return mean(templateMeans)
	}
	t := len(templateMeans)
	drop := int(math.Floor(float64(t) * trim))
	if drop == 0 {
		return mean(templateMeans)
	}
	if 2*drop >= t {
		return mean(templateMeans)
	}
	sorted := make([]float64, t)
	copy(sorted, templateMeans)
	sort.Float64s(sorted)
	return mean(sorted[drop : t-drop])
}

func methodLabel(opts AggregateOptions) string {
	if opts.Center == CenterTrimmed {
		return "clustered_bootstrap_trimmed"
	}
	return "clustered_bootstrap_mean"
}
