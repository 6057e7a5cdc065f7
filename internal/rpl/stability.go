package rpl

import "math"

// Stability calibration constants. The scale s is the template IQR (in
// logits) at which stability reaches 0.5; alpha controls how fast it falls.
const (
	stabilityScale = 0.2
	stabilityAlpha = 1.7
)

// Band thresholds on the template-mean logit IQR.
const (
	bandHighMaxIQR   = 0.05
	bandMediumMaxIQR = 0.30
)

// StabilityFromIQR maps a template-level logit IQR to a score in (0, 1].
// Strictly decreasing in the IQR.
func StabilityFromIQR(templateIQR float64) float64 {
	if templateIQR < 0 {
		templateIQR = 0
	}
	return 1 / (1 + math.Pow(templateIQR/stabilityScale, stabilityAlpha))
}

// StabilityBand buckets an IQR into high / medium / low.
func StabilityBand(templateIQR float64) string {
	switch {
	case templateIQR <= bandHighMaxIQR:
		return "high"
	case templateIQR <= bandMediumMaxIQR:
		return "medium"
	default:
		return "low"
	}
}

// StabilityForTemplates computes the IQR of template-mean logits and the
// derived score and band. With fewer than two templates dispersion is
// undefined and the score is 0.
func StabilityForTemplates(templateMeans []float64) (score float64, band string, templateIQR float64) {
	if len(templateMeans) < 2 {
		return 0, "low", 0
	}
	templateIQR = iqr(templateMeans)
	return StabilityFromIQR(templateIQR), StabilityBand(templateIQR), templateIQR
}
