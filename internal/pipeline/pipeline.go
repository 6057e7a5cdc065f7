// Package pipeline orchestrates one verification run: the prior lens,
// optionally the web-evidence lens, fusion, explanations, caching, and the
// audit record.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/peakyragnar/heretix/internal/artifacts"
	"github.com/peakyragnar/heretix/internal/cache"
	"github.com/peakyragnar/heretix/internal/events"
	"github.com/peakyragnar/heretix/internal/fusion"
	"github.com/peakyragnar/heretix/internal/health"
	"github.com/peakyragnar/heretix/internal/logging"
	"github.com/peakyragnar/heretix/internal/metrics"
	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/rpl"
	"github.com/peakyragnar/heretix/internal/schema"
	"github.com/peakyragnar/heretix/internal/store"
	"github.com/peakyragnar/heretix/internal/wel"
)

// Defaults for the run pipeline.
const (
	DefaultRunDeadline = 600 * time.Second
	DefaultRetrieveK   = 12
	DefaultRecencyDays = 365
	DefaultRunCacheTTL = time.Hour

	// explanationCacheThreshold: a fully cached rerun skips fresh narrative
	// generation and reuses the deterministic fallback.
	explanationCacheThreshold = 0.999
)

// Pipeline wires the run components together. All fields are set once at
// startup.
type Pipeline struct {
	Runner    *rpl.Runner
	Providers *providers.Registry
	Searcher  wel.Searcher
	Enricher  *wel.Enricher
	WELScorer *wel.Scorer
	Resolver  *wel.Resolver

	Store       store.Store
	RunCacheMem *cache.Memory
	RunCacheTTL time.Duration
	Artifacts   artifacts.Backend
	Bus         *events.Bus
	Health      *health.Tracker

	Logger  *slog.Logger
	Metrics *metrics.Registry

	RunDeadline time.Duration
	RetrieveK   int
	Replicates  int
}

// runCacheKey derives the full-run cache identity.
func runCacheKey(req Request) string {
	mode := "LIVE"
	if req.Mock {
		mode = "MOCK"
	}
	seedMarker := "default"
	if req.SeedOverride != nil {
		seedMarker = fmt.Sprintf("%d", *req.SeedOverride)
	}
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%d|%s|%d|%s|%s",
		req.Claim, req.Model, req.Provider, req.PromptVersion,
		req.K, req.R, req.T, req.MaxOutputTokens, mode, req.B, seedMarker, req.Mode)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Run executes one verification run end to end.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Response, error) {
	if err := req.Normalize(); err != nil {
		return nil, err
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	deadline := p.RunDeadline
	if deadline <= 0 {
		deadline = DefaultRunDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	cacheKey := runCacheKey(req)
	if !req.NoCache {
		if resp := p.readRunCache(ctx, cacheKey); resp != nil {
			resp.ExecutionID = rpl.NewExecutionID()
			p.countCache("run", "hit")
			logger.Info("run served from cache",
				slog.String("run_id", resp.RunID),
				slog.String("execution_id", resp.ExecutionID))
			return resp, nil
		}
		p.countCache("run", "miss")
	}

	start := time.Now()
	p.publish(events.Event{
		Type:  events.EventRunStarted,
		Claim: req.Claim,
		Model: req.Model,
		Mode:  req.Mode,
	})

	resp, err := p.execute(ctx, req, logger)
	status := "ok"
	if err != nil {
		status = "error"
		p.publish(events.Event{
			Type:      events.EventRunFailed,
			Claim:     req.Claim,
			Model:     req.Model,
			Mode:      req.Mode,
			ErrorKind: errorKind(err),
			ErrorMsg:  err.Error(),
		})
	}
	if p.Metrics != nil {
		p.Metrics.RunsTotal.WithLabelValues(req.Mode, req.Model, req.Provider, status).Inc()
		p.Metrics.RunLatency.With(prometheus.Labels{"mode": req.Mode, "model": req.Model}).
			Observe(float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		return nil, err
	}

	if !req.NoCache {
		p.writeRunCache(ctx, cacheKey, resp)
	}

	p.publish(events.Event{
		Type:        events.EventRunCompleted,
		RunID:       resp.RunID,
		ExecutionID: resp.ExecutionID,
		Claim:       req.Claim,
		Model:       req.Model,
		Mode:        req.Mode,
		ProbTrue:    resp.Combined.P,
		Label:       resp.Combined.Label,
		LatencyMs:   float64(time.Since(start).Milliseconds()),
	})
	return resp, nil
}

func (p *Pipeline) execute(ctx context.Context, req Request, logger *slog.Logger) (*Response, error) {
	prior, err := p.Runner.Run(ctx, rpl.Params{
		Claim:           req.Claim,
		Provider:        req.Provider,
		Model:           req.Model,
		PromptVersion:   req.PromptVersion,
		K:               req.K,
		R:               req.R,
		TStage:          req.T,
		B:               req.B,
		MaxOutputTokens: req.MaxOutputTokens,
		Mock:            req.Mock,
		NoCache:         req.NoCache,
		SeedOverride:    req.SeedOverride,
	})
	if err != nil {
		return nil, err
	}

	logger = logging.WithRun(logger, prior.RunID, prior.ExecutionID)

	resp := &Response{
		ExecutionID:   prior.ExecutionID,
		RunID:         prior.RunID,
		Claim:         req.Claim,
		Model:         req.Model,
		LogicalModel:  req.Model,
		Provider:      req.Provider,
		PromptVersion: prior.PromptVersion,
		SchemaVersion: SchemaVersion,
		Mock:          req.Mock,
		Mode:          req.Mode,
		Sampling:      Sampling{K: prior.K, R: prior.R, T: prior.TStage},
		Aggregation: Aggregation{
			Method:           prior.Method,
			B:                prior.B,
			Center:           string(rpl.CenterTrimmed),
			Trim:             rpl.DefaultTrim,
			BootstrapSeed:    prior.BootstrapSeed,
			NTemplates:       prior.NTemplates,
			CountsByTemplate: prior.CountsByTemplate,
			ImbalanceRatio:   prior.ImbalanceRatio,
			TemplateIQRLogit: prior.TemplateIQR,
			PromptCharLenMax: prior.PromptCharLenMax,
		},
		Aggregates: Aggregates{
			ProbTrueRPL:       prior.ProbTrue,
			CI95:              prior.CI95,
			CIWidth:           prior.CIWidth,
			StabilityScore:    prior.Stability,
			StabilityBand:     prior.StabilityBand,
			IsStable:          prior.IsStable,
			RPLComplianceRate: prior.JSONValidRate,
			CacheHitRate:      prior.CacheHitRate,
		},
		Prior: PriorBlock{
			P:              prior.ProbTrue,
			CI95:           prior.CI95,
			Stability:      prior.Stability,
			ComplianceRate: prior.JSONValidRate,
		},
		Provenance: Provenance{
			PromptVersion:  prior.PromptVersion,
			SchemaVersion:  SchemaVersion,
			BootstrapSeed:  prior.BootstrapSeed,
			TemplateHashes: prior.TemplateHashes,
			CreatedAt:      time.Now().UTC(),
		},
	}
	if len(prior.Samples) > 0 {
		resp.ResolvedLogicalModel = prior.Samples[0].ProviderModelID
	}

	priorEst := fusion.Estimate{P: prior.ProbTrue, CI95: prior.CI95}

	if req.Mode == ModeWebInformed {
		if err := p.runWebLens(ctx, req, prior, priorEst, resp, logger); err != nil {
			return nil, err
		}
	} else {
		resp.Combined = CombinedBlock{
			P:           prior.ProbTrue,
			CI95:        prior.CI95,
			Label:       fusion.Label(prior.ProbTrue),
			WeightPrior: 1,
			WeightWeb:   0,
		}
	}

	resp.SimpleExpl = p.explain(ctx, req, prior, resp, logger)

	if err := p.persist(ctx, req, prior, resp, logger); err != nil {
		// The response is already complete; losing the audit row is
		// logged, not returned.
		logger.Warn("run record write failed", slog.String("error", err.Error()))
	}
	return resp, nil
}

// runWebLens retrieves, scores, resolves, fuses, and attaches artifacts.
// In mock mode the web block mirrors the prior with zero weight so mock
// responses stay deterministic without network access.
func (p *Pipeline) runWebLens(ctx context.Context, req Request, prior *rpl.Result, priorEst fusion.Estimate, resp *Response, logger *slog.Logger) error {
	if req.Mock || p.Searcher == nil {
		resp.Web = &WebBlock{P: prior.ProbTrue, CI95: prior.CI95}
		w := fusion.Weights{WPrior: 1, WWeb: 0}
		resp.Weights = &w
		resp.Combined = CombinedBlock{
			P:           prior.ProbTrue,
			CI95:        prior.CI95,
			Label:       fusion.Label(prior.ProbTrue),
			WeightPrior: 1,
			WeightWeb:   0,
		}
		return nil
	}

	retrieveK := p.RetrieveK
	if retrieveK <= 0 {
		retrieveK = DefaultRetrieveK
	}
	docs, err := p.Searcher.Search(ctx, req.Claim, retrieveK, DefaultRecencyDays)
	if err != nil {
		// Retrieval failure degrades to the prior-only path.
		logger.Warn("retrieval failed, degrading to prior", slog.String("error", err.Error()))
		p.recordHealth("search", err)
		resp.Web = &WebBlock{P: prior.ProbTrue, CI95: prior.CI95}
		w := fusion.Weights{WPrior: 1, WWeb: 0}
		resp.Weights = &w
		resp.Combined = CombinedBlock{
			P:           prior.ProbTrue,
			CI95:        prior.CI95,
			Label:       fusion.Label(prior.ProbTrue),
			WeightPrior: 1,
			WeightWeb:   0,
		}
		return nil
	}
	p.recordHealth("search", nil)

	docs = wel.Dedupe(docs, retrieveK, wel.DefaultDomainCap)
	if p.Enricher != nil {
		docs = p.Enricher.Enrich(ctx, docs)
	}

	shards := wel.BuildShards(docs, p.Replicates)
	reps := p.WELScorer.Score(ctx, req.Claim, req.Model, shards)
	agg := wel.AggregateReplicates(reps)
	resolution := p.Resolver.Resolve(ctx, req.Claim, req.Model, docs)

	now := time.Now()
	stats := evidenceStats(docs, agg, now)

	web := &WebBlock{
		P:             agg.ProbTrue,
		CI95:          agg.CI95,
		EvidenceStats: stats,
		Support:       resolution.SupportTotal,
		Contradict:    resolution.ContradictTotal,
		Domains:       append(resolution.SupportDomains, resolution.OpposeDomains...),
	}
	if resolution.Resolved {
		truth := resolution.Outcome
		web.Resolved = true
		web.ResolvedTruth = &truth
		web.ResolvedReason = fmt.Sprintf("%s evidence majority from %d domains", resolution.Family, len(resolution.SupportDomains)+len(resolution.OpposeDomains))
		for _, v := range resolution.Verdicts {
			if v.Stance != "unclear" {
				web.ResolvedCitations = append(web.ResolvedCitations, v.Doc.URL)
			}
		}
		web.P, web.CI95 = resolution.Prob()
		p.publish(events.Event{
			Type:     events.EventClaimResolved,
			RunID:    resp.RunID,
			Claim:    req.Claim,
			Resolved: true,
			ProbTrue: web.P,
		})
	}
	resp.Web = web
	resp.WELReplicates = reps

	weights := fusion.WebWeight(req.Claim, stats, resolution.Resolved, now)
	combined := fusion.Fuse(priorEst, fusion.Estimate{P: web.P, CI95: web.CI95}, weights)
	resp.Weights = &weights
	resp.Combined = CombinedBlock{
		P:           combined.P,
		CI95:        combined.CI95,
		Label:       combined.Label,
		WeightPrior: weights.WPrior,
		WeightWeb:   weights.WWeb,
		Resolved:    resolution.Resolved,
	}
	if resolution.Resolved {
		resp.Combined.ResolvedTruth = web.ResolvedTruth
	}

	if p.Artifacts != nil {
		set, err := p.Artifacts.Write(ctx, resp.RunID, resp.ExecutionID, reps, docs)
		if err != nil {
			logger.Warn("artifact write failed", slog.String("error", err.Error()))
		} else if set.ManifestURI != "" {
			resp.WebArtifact = &set
		}
	}
	return nil
}

// evidenceStats summarizes the document set for fusion weighting.
func evidenceStats(docs []wel.Doc, agg wel.Aggregate, now time.Time) fusion.EvidenceStats {
	domains := make(map[string]bool, len(docs))
	ages := make([]float64, 0, len(docs))
	for _, d := range docs {
		domains[d.Domain] = true
		if d.PublishedAt != nil {
			ages = append(ages, d.AgeDays(now, 0))
		}
	}
	median := 365.0 // undated evidence is treated as stale
	if len(ages) > 0 {
		sort.Float64s(ages)
		median = ages[len(ages)/2]
	}
	return fusion.EvidenceStats{
		NDocs:           len(docs),
		NDomains:        len(domains),
		MedianAgeDays:   median,
		DispersionLogit: agg.DispersionLogit,
		JSONValidRate:   agg.JSONValidRate,
	}
}

// explain produces the plain-language block: a fresh narrative when the run
// actually sampled the provider, the deterministic template otherwise or on
// any failure.
func (p *Pipeline) explain(ctx context.Context, req Request, prior *rpl.Result, resp *Response, logger *slog.Logger) *SimpleExpl {
	if !req.Mock && prior.CacheHitRate < explanationCacheThreshold && p.Providers != nil {
		if expl := p.explainViaProvider(ctx, req, resp, logger); expl != nil {
			return expl
		}
	}
	return fallbackExplanation(req.Claim, resp.Combined)
}

func (p *Pipeline) explainViaProvider(ctx context.Context, req Request, resp *Response, logger *slog.Logger) *SimpleExpl {
	scorer, err := p.Providers.Get(req.Model)
	if err != nil {
		return nil
	}
	summary := fmt.Sprintf(
		"Verdict: %s (probability %.2f, 95%% interval [%.2f, %.2f]).",
		resp.Combined.Label, resp.Combined.P, resp.Combined.CI95[0], resp.Combined.CI95[1])
	res, err := scorer.Score(ctx, providers.ScoreRequest{
		Task:            providers.TaskExplain,
		Claim:           req.Claim,
		SystemText:      "You write short plain-language explanations of probability verdicts for general readers.",
		UserTemplate:    "Claim: {CLAIM}\n\n" + summary + "\n\nExplain this verdict in one or two short paragraphs.",
		LogicalModel:    req.Model,
		MaxOutputTokens: 512,
	})
	if err != nil || res.Sample == nil {
		if err != nil {
			logger.Debug("explanation call failed", slog.String("error", err.Error()))
		}
		return nil
	}
	title, ok := schema.Str(res.Sample, "title")
	if !ok {
		return nil
	}
	paragraphs := schema.StrList(res.Sample, "paragraphs")
	if len(paragraphs) == 0 {
		return nil
	}
	return &SimpleExpl{Title: title, Paragraphs: paragraphs}
}

// fallbackExplanation renders a deterministic template from the combined
// block. It can never fail.
func fallbackExplanation(claim string, combined CombinedBlock) *SimpleExpl {
	var lead string
	switch combined.Label {
	case fusion.LabelLikelyTrue:
		lead = "The evidence and model assessment lean toward this claim being true."
	case fusion.LabelLikelyFalse:
		lead = "The evidence and model assessment lean toward this claim being false."
	default:
		lead = "The evidence and model assessment do not clearly settle this claim."
	}
	detail := fmt.Sprintf(
		"The estimated probability that the claim is true is %.0f%%, with a 95%% interval from %.0f%% to %.0f%%.",
		combined.P*100, combined.CI95[0]*100, combined.CI95[1]*100)
	return &SimpleExpl{
		Title:      combined.Label,
		Paragraphs: []string{lead, detail},
		Fallback:   true,
	}
}

func (p *Pipeline) persist(ctx context.Context, req Request, prior *rpl.Result, resp *Response, logger *slog.Logger) error {
	if p.Store == nil {
		return nil
	}
	rec := store.RunRecord{
		RunID:           resp.RunID,
		ExecutionID:     resp.ExecutionID,
		Claim:           req.Claim,
		Provider:        req.Provider,
		Model:           req.Model,
		PromptVersion:   resp.PromptVersion,
		Mode:            req.Mode,
		K:               resp.Sampling.K,
		R:               resp.Sampling.R,
		T:               resp.Sampling.T,
		B:               resp.Aggregation.B,
		BootstrapSeed:   prior.BootstrapSeed,
		SchemaVersion:   SchemaVersion,
		Mock:            req.Mock,
		SamplingJSON:    mustJSON(resp.Sampling),
		AggregationJSON: mustJSON(resp.Aggregation),
		PriorJSON:       mustJSON(resp.Prior),
		CombinedJSON:    mustJSON(resp.Combined),
		TokensIn:        prior.TokensIn,
		TokensOut:       prior.TokensOut,
		IsStable:        prior.IsStable,
		CreatedAt:       time.Now().UTC(),
	}
	if resp.Web != nil {
		rec.WebJSON = mustJSON(resp.Web)
		rec.Resolved = resp.Web.Resolved
	}
	if resp.WebArtifact != nil {
		rec.ArtifactURI = resp.WebArtifact.ManifestURI
	}
	return p.Store.InsertRunRecord(ctx, rec)
}

func (p *Pipeline) readRunCache(ctx context.Context, key string) *Response {
	if p.RunCacheMem != nil {
		if data, ok := p.RunCacheMem.Get(key); ok {
			var resp Response
			if err := json.Unmarshal(data, &resp); err == nil {
				return &resp
			}
		}
	}
	if p.Store == nil {
		return nil
	}
	entry, err := p.Store.GetRunCache(ctx, key)
	if err != nil || entry == nil {
		return nil
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil
	}
	var resp Response
	if err := json.Unmarshal(entry.Response, &resp); err != nil {
		return nil
	}
	if p.RunCacheMem != nil {
		p.RunCacheMem.Set(key, entry.Response)
	}
	return &resp
}

func (p *Pipeline) writeRunCache(ctx context.Context, key string, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if p.RunCacheMem != nil {
		p.RunCacheMem.Set(key, data)
	}
	if p.Store == nil {
		return
	}
	ttl := p.RunCacheTTL
	if ttl <= 0 {
		ttl = DefaultRunCacheTTL
	}
	now := time.Now().UTC()
	err = p.Store.PutRunCache(ctx, store.RunCacheEntry{
		CacheKey:  key,
		Response:  data,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	})
	if err != nil && p.Logger != nil {
		p.Logger.Warn("run cache write failed", slog.String("error", err.Error()))
	}
}

// MultiResult pairs a model with its run outcome for bias comparisons.
type MultiResult struct {
	Model    string    `json:"model"`
	Response *Response `json:"response,omitempty"`
	Err      error     `json:"-"`
	ErrMsg   string    `json:"error,omitempty"`
}

// RunMulti executes the same claim against several models concurrently,
// one sub-pipeline per model, bounded by maxWorkers (0 means one worker per
// model).
func (p *Pipeline) RunMulti(ctx context.Context, base Request, models []string, maxWorkers int) []MultiResult {
	if maxWorkers <= 0 || maxWorkers > len(models) {
		maxWorkers = len(models)
	}
	results := make([]MultiResult, len(models))
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup
	for i, model := range models {
		wg.Add(1)
		go func(i int, model string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			req := base
			req.Model = model
			resp, err := p.Run(ctx, req)
			results[i] = MultiResult{Model: model, Response: resp, Err: err}
			if err != nil {
				results[i].ErrMsg = err.Error()
			}
		}(i, model)
	}
	wg.Wait()
	return results
}

func (p *Pipeline) publish(e events.Event) {
	if p.Bus != nil {
		p.Bus.Publish(e)
	}
}

func (p *Pipeline) countCache(cacheName, outcome string) {
	if p.Metrics != nil {
		p.Metrics.CacheOps.WithLabelValues(cacheName, outcome).Inc()
	}
}

func (p *Pipeline) recordHealth(provider string, err error) {
	if p.Health == nil {
		return
	}
	if err != nil {
		p.Health.RecordError(provider, err.Error())
	} else {
		p.Health.RecordSuccess(provider, 0)
	}
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
