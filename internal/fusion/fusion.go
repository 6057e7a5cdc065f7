// Package fusion blends the prior and web-evidence estimates in logit space
// with a data-driven web weight, and maps combined probabilities to verdict
// labels.
package fusion

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/peakyragnar/heretix/internal/rpl"
)

// Verdict labels on the combined probability.
const (
	LabelLikelyTrue  = "Likely true"
	LabelLikelyFalse = "Likely false"
	LabelUncertain   = "Uncertain"

	labelFalseMax = 0.40
	labelTrueMin  = 0.60
)

// Web-weight bounds and mixing coefficients.
const (
	wWebMin = 0.20
	wWebMax = 0.90

	recencyTimelyCoef = 0.3
	recencyAgeCoef    = 0.7
	recencyAgeScale   = 7.0 // days

	strengthCoverageCoef  = 0.5
	strengthDiversityCoef = 0.3
	strengthAgreementCoef = 0.2
	coverageDocScale      = 12.0
	diversityDomainScale  = 6.0
	agreementIQRScale     = 0.25

	weightRecencyCoef  = 0.6
	weightStrengthCoef = 0.4

	z95 = 1.96
)

// Label maps a probability to its verdict label.
func Label(p float64) string {
	switch {
	case p <= labelFalseMax:
		return LabelLikelyFalse
	case p >= labelTrueMin:
		return LabelLikelyTrue
	default:
		return LabelUncertain
	}
}

// Estimate is one lens output entering fusion.
type Estimate struct {
	P    float64
	CI95 [2]float64
}

// EvidenceStats summarizes the retrieved document set for weighting.
type EvidenceStats struct {
	NDocs           int     `json:"n_docs"`
	NDomains        int     `json:"n_domains"`
	MedianAgeDays   float64 `json:"median_age_days"`
	DispersionLogit float64 `json:"dispersion_logit"`
	JSONValidRate   float64 `json:"json_valid_rate"`
}

// Weights records how the combined estimate was mixed.
type Weights struct {
	WPrior   float64 `json:"w_prior"`
	WWeb     float64 `json:"w_web"`
	Recency  float64 `json:"recency"`
	Strength float64 `json:"strength"`
}

// Combined is the fused estimate.
type Combined struct {
	P       float64    `json:"p"`
	CI95    [2]float64 `json:"ci95"`
	Label   string     `json:"label"`
	Weights Weights    `json:"weights"`
}

var timelyPattern = regexp.MustCompile(
	`(?i)\b(today|yesterday|tonight|this (week|month|year)|currently|now|latest|recently|just|ongoing|breaking|as of)\b`)

var yearPattern = regexp.MustCompile(`\b(20\d{2})\b`)

// IsTimely reports whether a claim is about the present: timeliness keywords
// or a mention of the current (or a later) year.
func IsTimely(claim string, now time.Time) bool {
	if timelyPattern.MatchString(claim) {
		return true
	}
	for _, m := range yearPattern.FindAllString(claim, -1) {
		if y, err := strconv.Atoi(m); err == nil && y >= now.Year() {
			return true
		}
	}
	return false
}

// Recency scores how much the claim rewards fresh evidence.
func Recency(claim string, stats EvidenceStats, now time.Time) float64 {
	timely := 0.0
	if IsTimely(claim, now) {
		timely = 1.0
	}
	age := clamp01(math.Exp(-stats.MedianAgeDays / recencyAgeScale))
	return clamp01(recencyTimelyCoef*timely + recencyAgeCoef*age)
}

// Strength scores how much the evidence set deserves to be trusted:
// coverage, domain diversity, and replicate agreement, discounted by the
// scoring compliance rate.
func Strength(stats EvidenceStats) float64 {
	coverage := 1 - math.Exp(-float64(stats.NDocs)/coverageDocScale)
	diversity := math.Min(1, float64(stats.NDomains)/diversityDomainScale)
	agreement := 1 - math.Min(1, stats.DispersionLogit/agreementIQRScale)
	base := clamp01(strengthCoverageCoef*coverage +
		strengthDiversityCoef*diversity +
		strengthAgreementCoef*agreement)
	return base * clamp01(stats.JSONValidRate)
}

// WebWeight computes w_web from recency and strength, clamped to
// [wWebMin, wWebMax]. A resolved claim overrides to 1.
func WebWeight(claim string, stats EvidenceStats, resolved bool, now time.Time) Weights {
	if resolved {
		return Weights{WPrior: 0, WWeb: 1, Recency: 1, Strength: 1}
	}
	r := Recency(claim, stats, now)
	s := Strength(stats)
	w := weightRecencyCoef*r + weightStrengthCoef*s
	if w < wWebMin {
		w = wWebMin
	}
	if w > wWebMax {
		w = wWebMax
	}
	return Weights{WPrior: 1 - w, WWeb: w, Recency: r, Strength: s}
}

// Fuse blends the prior and web estimates in logit space with variance
// propagation. The interval half-widths are read back from each lens's ci95.
func Fuse(prior, web Estimate, w Weights) Combined {
	lPrior := rpl.Logit(prior.P)
	lWeb := rpl.Logit(web.P)
	vPrior := ciVariance(prior.CI95)
	vWeb := ciVariance(web.CI95)

	lPost := w.WPrior*lPrior + w.WWeb*lWeb
	vPost := w.WPrior*w.WPrior*vPrior + w.WWeb*w.WWeb*vWeb
	half := z95 * math.Sqrt(vPost)

	p := rpl.Sigmoid(lPost)
	return Combined{
		P:       p,
		CI95:    [2]float64{rpl.Sigmoid(lPost - half), rpl.Sigmoid(lPost + half)},
		Label:   Label(p),
		Weights: w,
	}
}

// ciVariance recovers a normal variance from a 95% interval in logit space.
func ciVariance(ci [2]float64) float64 {
	width := rpl.Logit(ci[1]) - rpl.Logit(ci[0])
	sd := width / (2 * z95)
	return sd * sd
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
