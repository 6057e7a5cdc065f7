// Package rpl produces a model's internal prior for a claim: balanced
// paraphrase sampling, clustered bootstrap aggregation in logit space, and a
// stability score derived from cross-template dispersion.
package rpl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/peakyragnar/heretix/internal/metrics"
	"github.com/peakyragnar/heretix/internal/prompts"
	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/schema"
	"github.com/peakyragnar/heretix/internal/store"
)

// Defaults for the sampling shape and bootstrap.
const (
	DefaultK               = 16
	DefaultR               = 2
	DefaultTStage          = 8
	DefaultB               = 5000
	DefaultTrim            = 0.2
	DefaultMaxOutputTokens = 1024
	DefaultMaxPromptChars  = 6000
	MinAcceptedSamples     = 3

	// StableCIWidth is the probability-space interval width at or below
	// which a run is marked stable.
	StableCIWidth = 0.20
)

// PromptTooLongError is returned before any provider call when a rendered
// prompt exceeds the character budget.
type PromptTooLongError struct {
	Chars int
	Limit int
}

func (e *PromptTooLongError) Error() string {
	return fmt.Sprintf("rendered prompt is %d chars, limit %d", e.Chars, e.Limit)
}

// InsufficientSamplesError is returned when too few samples passed
// compliance gating to aggregate.
type InsufficientSamplesError struct {
	Accepted  int
	Requested int
}

func (e *InsufficientSamplesError) Error() string {
	return fmt.Sprintf("only %d of %d samples were usable (minimum %d)",
		e.Accepted, e.Requested, MinAcceptedSamples)
}

// Params configures one prior estimation run.
type Params struct {
	Claim         string
	Provider      string
	Model         string
	PromptVersion string

	K      int // paraphrase slots
	R      int // replicates per slot
	TStage int // active templates out of the bank
	B      int // bootstrap resamples

	Center Center
	Trim   float64

	MaxOutputTokens int
	MaxPromptChars  int
	Mock            bool
	NoCache         bool
	Concurrency     int

	SeedOverride *uint64
}

func (p *Params) fillDefaults() {
	if p.K <= 0 {
		p.K = DefaultK
	}
	if p.R <= 0 {
		p.R = DefaultR
	}
	if p.TStage <= 0 {
		p.TStage = DefaultTStage
	}
	if p.B <= 0 {
		p.B = DefaultB
	}
	if p.Center == "" {
		p.Center = CenterTrimmed
	}
	if p.Trim == 0 {
		p.Trim = DefaultTrim
	}
	if p.MaxOutputTokens <= 0 {
		p.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if p.MaxPromptChars <= 0 {
		p.MaxPromptChars = DefaultMaxPromptChars
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 8
	}
	if p.PromptVersion == "" {
		p.PromptVersion = prompts.DefaultVersion
	}
}

// ProviderMode returns the cache-key mode label for the run.
func (p Params) ProviderMode() string {
	if p.Mock {
		return "MOCK"
	}
	return "LIVE"
}

// Sample is one scored replicate, cached or fresh.
type Sample struct {
	PromptSHA256    string   `json:"prompt_sha256"`
	ParaphraseIdx   int      `json:"paraphrase_idx"`
	ReplicateIdx    int      `json:"replicate_idx"`
	ProbTrue        float64  `json:"prob_true"`
	Logit           float64  `json:"logit"`
	JSONValid       bool     `json:"json_valid"`
	TokensIn        int      `json:"tokens_in"`
	TokensOut       int      `json:"tokens_out"`
	LatencyMs       int64    `json:"latency_ms"`
	ProviderModelID string   `json:"provider_model_id"`
	CacheHit        bool     `json:"cache_hit"`
	Warnings        []string `json:"warnings,omitempty"`
}

// Result is the prior lens output for one claim.
type Result struct {
	RunID       string `json:"run_id"`
	ExecutionID string `json:"execution_id"`

	ProbTrue   float64    `json:"prob_true"`
	CI95       [2]float64 `json:"ci95"`
	CIWidth    float64    `json:"ci_width"`
	PointLogit float64    `json:"point_logit"`
	CILogit    [2]float64 `json:"ci_logit"`

	Stability     float64 `json:"stability_score"`
	StabilityBand string  `json:"stability_band"`
	TemplateIQR   float64 `json:"template_iqr_logit"`
	IsStable      bool    `json:"is_stable"`

	BootstrapSeed    uint64         `json:"bootstrap_seed"`
	Method           string         `json:"method"`
	NTemplates       int            `json:"n_templates"`
	CountsByTemplate map[string]int `json:"counts_by_template"`
	ImbalanceRatio   float64        `json:"imbalance_ratio"`
	TemplateHashes   []string       `json:"template_hashes"`
	PromptCharLenMax int            `json:"prompt_char_len_max"`

	// Resolved sampling shape, as planned (NTemplates above counts only
	// templates that survived compliance gating).
	K      int `json:"k"`
	R      int `json:"r"`
	TStage int `json:"t"`
	B      int `json:"b"`

	Accepted      int     `json:"n_accepted"`
	Requested     int     `json:"n_requested"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	JSONValidRate float64 `json:"json_valid_rate"`
	TokensIn      int     `json:"tokens_in"`
	TokensOut     int     `json:"tokens_out"`

	PromptVersion string   `json:"prompt_version"`
	Samples       []Sample `json:"-"`
}

// RunID derives the stable identity of a prior run from its sampling
// parameters. Two runs with identical inputs share an id; execution ids
// stay unique.
func RunID(claim, model, promptVersion string, k, r int) string {
	canonical := fmt.Sprintf("%s|%s|%s|K=%d|R=%d", claim, model, promptVersion, k, r)
	sum := sha256.Sum256([]byte(canonical))
	return "heretix-rpl-" + hex.EncodeToString(sum[:])[:12]
}

// NewExecutionID mints a fresh execution id.
func NewExecutionID() string {
	return "exec-" + uuid.NewString()[:12]
}

// Runner executes prior estimation runs against the provider registry.
type Runner struct {
	Providers *providers.Registry
	Prompts   *prompts.Library
	Samples   *SampleCache
	Logger    *slog.Logger
	Metrics   *metrics.Registry
}

type slot struct {
	k            int
	tplIdx       int
	replicateIdx int
	instructions string
	userText     string
	promptSHA    string
}

// Run executes one prior estimation: build the balanced plan, score every
// slot (cache first), gate compliance, bootstrap, and map back to
// probability space.
func (rn *Runner) Run(ctx context.Context, p Params) (*Result, error) {
	p.fillDefaults()
	logger := rn.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bundle, err := rn.Prompts.Get(p.PromptVersion)
	if err != nil {
		return nil, err
	}

	alias := p.Model
	if p.Mock {
		alias = "mock"
	}
	scorer, err := rn.Providers.Get(alias)
	if err != nil {
		return nil, err
	}

	plan := BuildPlan(p.Claim, p.Model, p.PromptVersion, len(bundle.Paraphrases), p.TStage, p.K)

	// Render every active template once and gate prompt length before any
	// provider call.
	rendered := make(map[int]slot, len(plan.ActiveTemplates))
	promptCharsMax := 0
	for _, tplIdx := range plan.ActiveTemplates {
		req := providers.ScoreRequest{
			Task:            providers.TaskRPL,
			Claim:           p.Claim,
			SystemText:      bundle.System,
			UserTemplate:    bundle.UserTemplate,
			ParaphraseText:  bundle.Paraphrases[tplIdx],
			LogicalModel:    p.Model,
			MaxOutputTokens: p.MaxOutputTokens,
		}
		instr, user, sha := providers.ComposePrompt(req)
		n := len(instr) + len(user)
		if n > p.MaxPromptChars {
			return nil, &PromptTooLongError{Chars: n, Limit: p.MaxPromptChars}
		}
		if n > promptCharsMax {
			promptCharsMax = n
		}
		rendered[tplIdx] = slot{tplIdx: tplIdx, instructions: instr, userText: user, promptSHA: sha}
	}

	// Lay out slots with per-prompt replicate indices: the replicate index
	// counts prior occurrences of the same prompt hash in the sequence, so
	// repeated paraphrases extend rather than collide.
	occ := make(map[string]int)
	slots := make([]slot, 0, len(plan.Sequence)*p.R)
	for k, tplIdx := range plan.Sequence {
		base := rendered[tplIdx]
		start := occ[base.promptSHA] * p.R
		occ[base.promptSHA]++
		for r := 0; r < p.R; r++ {
			s := base
			s.k = k
			s.replicateIdx = start + r
			slots = append(slots, s)
		}
	}

	samples := make([]Sample, len(slots))
	var wg sync.WaitGroup
	sem := make(chan struct{}, p.Concurrency)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			samples[i] = rn.scoreSlot(ctx, scorer, bundle, p, slots[i])
		}(i)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Compliance gating: a sample contributes only when it parsed and the
	// paraphrase answer stayed URL-free.
	byTemplate := make(map[string][]float64)
	var accepted, cacheHits, tokensIn, tokensOut int
	for i := range samples {
		s := &samples[i]
		if s.CacheHit {
			cacheHits++
		} else {
			tokensIn += s.TokensIn
			tokensOut += s.TokensOut
		}
		if !s.JSONValid {
			continue
		}
		accepted++
		byTemplate[s.PromptSHA256] = append(byTemplate[s.PromptSHA256], s.Logit)
	}
	rn.countTokens(scorer.Provider(), p.Model, tokensIn, tokensOut)
	if accepted < MinAcceptedSamples {
		return nil, &InsufficientSamplesError{Accepted: accepted, Requested: len(slots)}
	}

	templateHashes := make([]string, 0, len(byTemplate))
	for h := range byTemplate {
		templateHashes = append(templateHashes, h)
	}
	sort.Strings(templateHashes)

	// Seed precedence: explicit request override, then the process-wide
	// environment override, then the derived seed.
	seed := BootstrapSeed(p.Claim, p.Model, p.PromptVersion, p.K, p.R,
		templateHashes, p.Center, p.Trim, p.B)
	if env, ok := SeedFromEnv(); ok {
		seed = env
	}
	if p.SeedOverride != nil {
		seed = *p.SeedOverride
	}
	rng := rand.New(rand.NewSource(int64(seed)))

	agg, err := Aggregate(byTemplate, rng, AggregateOptions{
		B:      p.B,
		Center: p.Center,
		Trim:   p.Trim,
		FixedM: p.R,
	})
	if err != nil {
		return nil, err
	}

	stability, band, tplIQR := StabilityForTemplates(agg.TemplateMeans)

	res := &Result{
		RunID:       RunID(p.Claim, p.Model, p.PromptVersion, p.K, p.R),
		ExecutionID: NewExecutionID(),

		ProbTrue:   Sigmoid(agg.PointLogit),
		CI95:       [2]float64{Sigmoid(agg.CILogit[0]), Sigmoid(agg.CILogit[1])},
		PointLogit: agg.PointLogit,
		CILogit:    agg.CILogit,

		Stability:     stability,
		StabilityBand: band,
		TemplateIQR:   tplIQR,

		BootstrapSeed:    seed,
		Method:           agg.Method,
		NTemplates:       agg.NTemplates,
		CountsByTemplate: agg.CountsByTemplate,
		ImbalanceRatio:   plan.ImbalanceRatio,
		TemplateHashes:   templateHashes,
		PromptCharLenMax: promptCharsMax,

		K:      p.K,
		R:      p.R,
		TStage: len(plan.ActiveTemplates),
		B:      p.B,

		Accepted:      accepted,
		Requested:     len(slots),
		CacheHitRate:  float64(cacheHits) / float64(len(slots)),
		JSONValidRate: float64(accepted) / float64(len(slots)),
		TokensIn:      tokensIn,
		TokensOut:     tokensOut,

		PromptVersion: p.PromptVersion,
		Samples:       samples,
	}
	res.CIWidth = res.CI95[1] - res.CI95[0]
	res.IsStable = res.CIWidth <= StableCIWidth

	logger.Info("prior run complete",
		slog.String("run_id", res.RunID),
		slog.Float64("prob_true", res.ProbTrue),
		slog.Float64("stability", res.Stability),
		slog.Int("accepted", accepted),
		slog.Int("requested", len(slots)),
		slog.Float64("cache_hit_rate", res.CacheHitRate))
	return res, nil
}

// scoreSlot resolves one slot from the cache or the provider. Individual
// failures never abort the run; they surface as non-compliant samples.
func (rn *Runner) scoreSlot(ctx context.Context, scorer providers.Scorer, bundle prompts.Bundle, p Params, s slot) Sample {
	out := Sample{
		PromptSHA256:  s.promptSHA,
		ParaphraseIdx: s.tplIdx,
		ReplicateIdx:  s.replicateIdx,
	}

	key := SampleCacheKey(p.Claim, p.Model, p.PromptVersion, s.promptSHA,
		s.replicateIdx, p.MaxOutputTokens, p.ProviderMode())

	if !p.NoCache {
		if rec := rn.Samples.Get(ctx, key); rec != nil {
			rn.countCache("sample", "hit")
			out.ProbTrue = rec.ProbTrue
			out.Logit = rec.Logit
			out.JSONValid = rec.JSONValid
			out.TokensIn = rec.TokensIn
			out.TokensOut = rec.TokensOut
			out.LatencyMs = rec.LatencyMs
			out.ProviderModelID = rec.ProviderModelID
			out.CacheHit = true
			return out
		}
		rn.countCache("sample", "miss")
	}

	req := providers.ScoreRequest{
		Task:            providers.TaskRPL,
		Claim:           p.Claim,
		SystemText:      bundle.System,
		UserTemplate:    bundle.UserTemplate,
		ParaphraseText:  bundle.Paraphrases[s.tplIdx],
		LogicalModel:    p.Model,
		MaxOutputTokens: p.MaxOutputTokens,
	}
	start := time.Now()
	result, err := scorer.Score(ctx, req)
	out.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		rn.countSample(scorer.Provider(), p.Model, "error")
		if rn.Logger != nil {
			rn.Logger.Warn("sample failed",
				slog.String("provider", scorer.Provider()),
				slog.Int("paraphrase_idx", s.tplIdx),
				slog.Int("replicate_idx", s.replicateIdx),
				slog.String("error", err.Error()))
		}
		return out
	}

	out.TokensIn = result.Telemetry.TokensIn
	out.TokensOut = result.Telemetry.TokensOut
	out.ProviderModelID = result.Meta.ProviderModelID
	if result.Telemetry.LatencyMs > 0 {
		out.LatencyMs = result.Telemetry.LatencyMs
	}
	for _, w := range result.Warnings {
		out.Warnings = append(out.Warnings, string(w))
	}
	rn.observeLatency(scorer.Provider(), p.Model, out.LatencyMs)

	if result.Sample != nil {
		if prob, ok := schema.Number(result.Sample, "belief", "prob_true"); ok && !schema.ContainsURLToken(result.Raw) {
			out.ProbTrue = prob
			out.Logit = Logit(prob)
			out.JSONValid = true
		}
	}
	if out.JSONValid {
		rn.countSample(scorer.Provider(), p.Model, "accepted")
	} else {
		rn.countSample(scorer.Provider(), p.Model, "rejected")
	}

	if !p.NoCache && rn.Samples != nil {
		rn.Samples.Put(ctx, store.SampleRecord{
			CacheKey:        key,
			PromptSHA256:    s.promptSHA,
			ParaphraseIdx:   s.tplIdx,
			ReplicateIdx:    s.replicateIdx,
			ProbTrue:        out.ProbTrue,
			Logit:           out.Logit,
			JSONValid:       out.JSONValid,
			TokensIn:        out.TokensIn,
			TokensOut:       out.TokensOut,
			LatencyMs:       out.LatencyMs,
			ProviderModelID: out.ProviderModelID,
		})
	}
	return out
}

func (rn *Runner) countCache(cache, outcome string) {
	if rn.Metrics != nil {
		rn.Metrics.CacheOps.WithLabelValues(cache, outcome).Inc()
	}
}

func (rn *Runner) countTokens(provider, model string, in, out int) {
	if rn.Metrics == nil || in+out == 0 {
		return
	}
	rn.Metrics.TokensTotal.WithLabelValues(provider, model, "in").Add(float64(in))
	rn.Metrics.TokensTotal.WithLabelValues(provider, model, "out").Add(float64(out))
}

func (rn *Runner) countSample(provider, model, outcome string) {
	if rn.Metrics != nil {
		rn.Metrics.SamplesTotal.WithLabelValues(provider, model, outcome).Inc()
	}
}

func (rn *Runner) observeLatency(provider, model string, ms int64) {
	if rn.Metrics != nil {
		rn.Metrics.SampleLatency.With(prometheus.Labels{
			"provider": provider,
			"model":    model,
		}).Observe(float64(ms))
	}
}
