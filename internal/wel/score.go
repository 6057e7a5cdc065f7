package wel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/peakyragnar/heretix/internal/metrics"
	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/rpl"
	"github.com/peakyragnar/heretix/internal/schema"
)

// Shard/scoring defaults.
const (
	DefaultReplicates    = 3
	DefaultShardMaxChars = 4000
)

const welSystemText = "You judge whether retrieved web evidence supports or contradicts a factual claim. " +
	"Rely only on the evidence snippets provided. Weigh source quality and recency when snippets disagree."

const welUserTemplate = "Claim: {CLAIM}\n\nGiven only the evidence above, estimate the probability that the claim is true."

// Replicate is one WEL scoring call over a shard of documents.
type Replicate struct {
	Index          int      `json:"index"`
	ProbTrue       float64  `json:"prob_true"`
	Logit          float64  `json:"logit"`
	StanceLabel    string   `json:"stance_label"`
	SupportBullets []string `json:"support_bullets,omitempty"`
	OpposeBullets  []string `json:"oppose_bullets,omitempty"`
	Notes          []string `json:"notes,omitempty"`
	JSONValid      bool     `json:"json_valid"`
	DocURLs        []string `json:"doc_urls"`
	TokensIn       int      `json:"tokens_in"`
	TokensOut      int      `json:"tokens_out"`
	LatencyMs      int64    `json:"latency_ms"`
}

// BuildShards splits documents into up to replicates roughly equal shards,
// preserving order. Fewer documents than replicates yields one shard per
// document.
func BuildShards(docs []Doc, replicates int) [][]Doc {
	if len(docs) == 0 {
		return nil
	}
	if replicates <= 0 {
		replicates = DefaultReplicates
	}
	if replicates > len(docs) {
		replicates = len(docs)
	}
	shards := make([][]Doc, replicates)
	base := len(docs) / replicates
	extra := len(docs) % replicates
	idx := 0
	for i := range shards {
		n := base
		if i < extra {
			n++
		}
		shards[i] = docs[idx : idx+n]
		idx += n
	}
	return shards
}

// PackShard renders a shard's documents into one evidence block, truncated
// at maxChars on a document boundary.
func PackShard(docs []Doc, maxChars int) string {
	if maxChars <= 0 {
		maxChars = DefaultShardMaxChars
	}
	var b strings.Builder
	for i, d := range docs {
		entry := formatDoc(i+1, d)
		if b.Len() > 0 && b.Len()+len(entry) > maxChars {
			break
		}
		b.WriteString(entry)
	}
	return b.String()
}

func formatDoc(n int, d Doc) string {
	date := "date unknown"
	if d.PublishedAt != nil {
		date = d.PublishedAt.Format("2006-01-02")
	}
	return fmt.Sprintf("Document %d [%s, %s]\nTitle: %s\n%s\n\n", n, d.Domain, date, d.Title, d.Snippet)
}

// Scorer runs WEL replicate scoring through the provider registry.
type Scorer struct {
	Providers       *providers.Registry
	Logger          *slog.Logger
	Metrics         *metrics.Registry
	Concurrency     int
	ShardMaxChars   int
	MaxOutputTokens int
}

// Score runs one scoring call per shard concurrently. A failed or invalid
// call yields a neutral replicate (p = 0.5, json_valid = false) rather than
// an error; the run degrades instead of aborting.
func (s *Scorer) Score(ctx context.Context, claim, model string, shards [][]Doc) []Replicate {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conc := s.Concurrency
	if conc <= 0 {
		conc = 4
	}

	reps := make([]Replicate, len(shards))
	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	for i := range shards {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				reps[i] = neutralReplicate(i, shards[i])
				return
			}
			reps[i] = s.scoreShard(ctx, claim, model, i, shards[i], logger)
		}(i)
	}
	wg.Wait()
	return reps
}

func (s *Scorer) scoreShard(ctx context.Context, claim, model string, idx int, docs []Doc, logger *slog.Logger) Replicate {
	rep := neutralReplicate(idx, docs)

	scorer, err := s.Providers.Get(model)
	if err != nil {
		logger.Warn("wel scoring skipped", slog.String("error", err.Error()))
		return rep
	}

	req := providers.ScoreRequest{
		Task:            providers.TaskWEL,
		Claim:           claim,
		SystemText:      welSystemText,
		UserTemplate:    PackShard(docs, s.ShardMaxChars) + "\n" + welUserTemplate,
		LogicalModel:    model,
		MaxOutputTokens: s.MaxOutputTokens,
	}

	start := time.Now()
	res, err := scorer.Score(ctx, req)
	rep.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		logger.Warn("wel replicate failed",
			slog.Int("replicate", idx),
			slog.String("error", err.Error()))
		s.countSample(scorer.Provider(), model, "error")
		return rep
	}
	rep.TokensIn = res.Telemetry.TokensIn
	rep.TokensOut = res.Telemetry.TokensOut
	if res.Telemetry.LatencyMs > 0 {
		rep.LatencyMs = res.Telemetry.LatencyMs
	}
	if res.Sample == nil {
		s.countSample(scorer.Provider(), model, "rejected")
		return rep
	}
	prob, ok := schema.Number(res.Sample, "stance_prob_true")
	if !ok {
		s.countSample(scorer.Provider(), model, "rejected")
		return rep
	}

	rep.ProbTrue = prob
	rep.Logit = rpl.Logit(prob)
	rep.JSONValid = true
	if label, ok := schema.Str(res.Sample, "stance_label"); ok {
		rep.StanceLabel = label
	}
	rep.SupportBullets = schema.StrList(res.Sample, "support_bullets")
	rep.OpposeBullets = schema.StrList(res.Sample, "oppose_bullets")
	rep.Notes = schema.StrList(res.Sample, "notes")
	s.countSample(scorer.Provider(), model, "accepted")
	return rep
}

func neutralReplicate(idx int, docs []Doc) Replicate {
	urls := make([]string, len(docs))
	for i, d := range docs {
		urls[i] = d.URL
	}
	return Replicate{
		Index:       idx,
		ProbTrue:    0.5,
		Logit:       0,
		StanceLabel: "mixed",
		DocURLs:     urls,
	}
}

func (s *Scorer) countSample(provider, model, outcome string) {
	if s.Metrics != nil {
		s.Metrics.SamplesTotal.WithLabelValues(provider, model, outcome).Inc()
	}
}
