package wel

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/schema"
)

// RelationFamily is the lexical class of a claim, used to decide whether the
// deterministic resolver applies.
type RelationFamily string

const (
	FamilyEventOutcome  RelationFamily = "event_outcome"
	FamilyIdentityRole  RelationFamily = "identity_role"
	FamilyNumericValue  RelationFamily = "numeric_value"
	FamilyExistenceDate RelationFamily = "existence_date"
	FamilyMembership    RelationFamily = "membership"
	FamilyUnknown       RelationFamily = "unknown"
)

// Resolution thresholds and pinned outputs. A resolution fires only on a
// strong one-sided majority from at least two distinct domains.
const (
	resolveSupportMin    = 2.0
	resolveContradictMax = 0.5
	resolveMinDomains    = 2

	ResolvedTrueProb  = 0.95
	ResolvedFalseProb = 0.05

	ageHalfLifeDays = 14.0
	quoteBonus      = 1.1
	defaultAgeDays  = 30.0
)

// Pinned intervals reported alongside the pinned probabilities.
var (
	ResolvedTrueCI  = [2]float64{0.90, 0.99}
	ResolvedFalseCI = [2]float64{0.01, 0.10}
)

var familyPatterns = []struct {
	family RelationFamily
	re     *regexp.Regexp
}{
	{FamilyEventOutcome, regexp.MustCompile(`(?i)\b(won|lost|win|lose|defeated|beat|elected|passed|failed|approved|rejected|signed|vetoed|acquired|merged|launched|released|resigned|announced)\b`)},
	{FamilyIdentityRole, regexp.MustCompile(`(?i)\b(is|was|became|serves? as|appointed|named)\b.*\b(president|ceo|chief|director|chair(man|woman|person)?|minister|governor|mayor|head|leader|founder|captain|coach)\b`)},
	{FamilyNumericValue, regexp.MustCompile(`(?i)\b(costs?|price[ds]?|worth|valued|measures?|weighs?|population|revenue|profit|percent|%|\$|€|£)\b|\b\d+(\.\d+)?\s*(million|billion|thousand|km|miles|kg|meters?)\b`)},
	{FamilyExistenceDate, regexp.MustCompile(`(?i)\b(founded|established|created|built|born|died|opened|closed|discovered|invented|occurred|happened)\b.*\b(in|on)\b\s+\d{4}|\bexists?\b|\bstill (open|operating|alive)\b`)},
	{FamilyMembership, regexp.MustCompile(`(?i)\b(member of|belongs? to|part of|joined|plays? for|works? (at|for)|affiliated with|listed (in|on))\b`)},
}

var futureYearPattern = regexp.MustCompile(`\b(20\d{2})\b`)

// ClassifyRelation assigns a claim to a relation family by lexical parsing.
// Patterns are checked in order; the first hit wins.
func ClassifyRelation(claim string) RelationFamily {
	for _, fp := range familyPatterns {
		if fp.re.MatchString(claim) {
			return fp.family
		}
	}
	return FamilyUnknown
}

// FutureDated reports whether a claim mentions a year beyond the current
// one. Such claims are not resolvable from retrospective evidence.
func FutureDated(claim string, now time.Time) bool {
	for _, m := range futureYearPattern.FindAllString(claim, -1) {
		if y, err := strconv.Atoi(m); err == nil && y > now.Year() {
			return true
		}
	}
	return false
}

// Domain authority weights. Government and official bodies carry the most
// weight, wire services next, major mastheads above general news.
var domainWeights = map[string]float64{
	"reuters.com":        2.0,
	"apnews.com":         2.0,
	"afp.com":            2.0,
	"bbc.com":            1.5,
	"bbc.co.uk":          1.5,
	"nytimes.com":        1.5,
	"wsj.com":            1.5,
	"ft.com":             1.5,
	"theguardian.com":    1.5,
	"washingtonpost.com": 1.5,
	"economist.com":      1.5,
	"bloomberg.com":      1.5,
	"nature.com":         1.8,
	"science.org":        1.8,
	"who.int":            3.0,
	"un.org":             3.0,
	"europa.eu":          3.0,
	"wikipedia.org":      1.2,
}

// DomainWeight returns the authority weight for a registrable domain.
// Unlisted government and military suffixes get the official-body weight;
// everything else defaults to 1.0.
func DomainWeight(domain string) float64 {
	if w, ok := domainWeights[domain]; ok {
		return w
	}
	if strings.HasSuffix(domain, ".gov") || strings.HasSuffix(domain, ".mil") ||
		strings.HasSuffix(domain, ".gov.uk") || strings.HasSuffix(domain, ".gov.au") {
		return 3.0
	}
	if strings.HasSuffix(domain, ".edu") || strings.HasSuffix(domain, ".ac.uk") {
		return 1.8
	}
	return 1.0
}

// Verdict is one document's LLM-backed stance with its computed weight.
type Verdict struct {
	Doc    Doc     `json:"doc"`
	Stance string  `json:"stance"`
	Quote  string  `json:"quote,omitempty"`
	Field  string  `json:"field,omitempty"`
	Value  string  `json:"value,omitempty"`
	Weight float64 `json:"weight"`
}

// Resolution is the resolver outcome for one run.
type Resolution struct {
	Attempted       bool           `json:"attempted"`
	Family          RelationFamily `json:"family"`
	SupportTotal    float64        `json:"support_total"`
	ContradictTotal float64        `json:"contradict_total"`
	Resolved        bool           `json:"resolved"`
	Outcome         bool           `json:"outcome"` // meaningful only when Resolved
	SupportDomains  []string       `json:"support_domains,omitempty"`
	OpposeDomains   []string       `json:"oppose_domains,omitempty"`
	Verdicts        []Verdict      `json:"verdicts,omitempty"`
}

// Prob returns the pinned probability and interval for a resolution.
func (r Resolution) Prob() (float64, [2]float64) {
	if r.Outcome {
		return ResolvedTrueProb, ResolvedTrueCI
	}
	return ResolvedFalseProb, ResolvedFalseCI
}

const docVerdictSystem = "You decide whether one retrieved document supports or contradicts a specific factual claim. " +
	"Answer strictly from the document text. Use \"unclear\" whenever the document does not speak to the claim directly."

const docVerdictTemplate = "Claim: {CLAIM}\n\nDoes the document above support or contradict this claim?"

// Resolver runs the deterministic resolution rule over per-document
// verdicts.
type Resolver struct {
	Providers       *providers.Registry
	Logger          *slog.Logger
	MaxOutputTokens int
	Now             func() time.Time
}

// Resolve classifies the claim, collects per-document verdicts, and applies
// the resolution rule. Verdict failures degrade to unclear; the resolver
// never fails a run.
func (r *Resolver) Resolve(ctx context.Context, claim, model string, docs []Doc) Resolution {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}

	res := Resolution{Family: ClassifyRelation(claim)}
	if res.Family == FamilyUnknown || FutureDated(claim, now) {
		return res
	}
	res.Attempted = true

	scorer, err := r.Providers.Get(model)
	if err != nil {
		logger.Warn("resolver skipped", slog.String("error", err.Error()))
		return res
	}

	supportDomains := make(map[string]bool)
	opposeDomains := make(map[string]bool)
	for _, d := range docs {
		v, ok := r.docVerdict(ctx, scorer, claim, model, d, logger)
		if !ok || v.Stance == "unclear" {
			continue
		}
		v.Weight = verdictWeight(d, v.Quote != "", now)
		res.Verdicts = append(res.Verdicts, v)
		switch v.Stance {
		case "support":
			res.SupportTotal += v.Weight
			supportDomains[d.Domain] = true
		case "contradict":
			res.ContradictTotal += v.Weight
			opposeDomains[d.Domain] = true
		}
	}
	res.SupportDomains = sortedKeys(supportDomains)
	res.OpposeDomains = sortedKeys(opposeDomains)

	switch {
	case res.SupportTotal >= resolveSupportMin &&
		res.ContradictTotal <= resolveContradictMax &&
		len(supportDomains) >= resolveMinDomains:
		res.Resolved = true
		res.Outcome = true
	case res.ContradictTotal >= resolveSupportMin &&
		res.SupportTotal <= resolveContradictMax &&
		len(opposeDomains) >= resolveMinDomains:
		res.Resolved = true
		res.Outcome = false
	}
	if res.Resolved {
		logger.Info("claim resolved from evidence",
			slog.String("family", string(res.Family)),
			slog.Bool("outcome", res.Outcome),
			slog.Float64("support", res.SupportTotal),
			slog.Float64("contradict", res.ContradictTotal))
	}
	return res
}

func (r *Resolver) docVerdict(ctx context.Context, scorer providers.Scorer, claim, model string, d Doc, logger *slog.Logger) (Verdict, bool) {
	req := providers.ScoreRequest{
		Task:            providers.TaskDocVerdict,
		Claim:           claim,
		SystemText:      docVerdictSystem,
		UserTemplate:    formatDoc(1, d) + docVerdictTemplate,
		LogicalModel:    model,
		MaxOutputTokens: r.MaxOutputTokens,
	}
	res, err := scorer.Score(ctx, req)
	if err != nil || res.Sample == nil {
		if err != nil {
			logger.Debug("doc verdict failed",
				slog.String("url", d.URL),
				slog.String("error", err.Error()))
		}
		return Verdict{}, false
	}
	stance, ok := schema.Str(res.Sample, "stance")
	if !ok {
		return Verdict{}, false
	}
	v := Verdict{Doc: d, Stance: stance}
	v.Quote, _ = schema.Str(res.Sample, "quote")
	v.Field, _ = schema.Str(res.Sample, "field")
	v.Value, _ = schema.Str(res.Sample, "value")
	return v, true
}

// verdictWeight combines domain authority, exponential age decay, and a
// bonus for verdicts backed by a verbatim quote.
func verdictWeight(d Doc, hasQuote bool, now time.Time) float64 {
	w := DomainWeight(d.Domain) * math.Exp(-d.AgeDays(now, defaultAgeDays)/ageHalfLifeDays)
	if hasQuote {
		w *= quoteBonus
	}
	return w
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
