// Package mock implements the deterministic offline scorer used for tests,
// dry runs, and anonymous-plan requests. It uses no network and no rate
// limiter; the same prompt and claim always produce the same sample.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/peakyragnar/heretix/internal/providers"
)

const (
	meanProb  = 0.25
	stdevProb = 0.02
	clipLo    = 0.05
	clipHi    = 0.95
)

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Provider() string { return "mock" }

func (a *Adapter) Score(_ context.Context, req providers.ScoreRequest) (providers.ScoreResult, error) {
	_, _, promptSHA := providers.ComposePrompt(req)

	// Seeded from the prompt identity and the claim so every
	// (template, claim) pair has a stable draw.
	sum := sha256.Sum256([]byte(promptSHA + req.Claim))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	p := meanProb + stdevProb*rng.NormFloat64()
	if p < clipLo {
		p = clipLo
	}
	if p > clipHi {
		p = clipHi
	}

	sample := map[string]any{
		"belief": map[string]any{
			"prob_true": p,
			"label":     labelFor(p),
		},
	}
	raw, _ := json.Marshal(sample)

	return providers.ScoreResult{
		Raw:    string(raw),
		Sample: sample,
		Meta: providers.Meta{
			ProviderModelID: "mock-" + req.LogicalModel,
			PromptSHA256:    promptSHA,
			ResponseID:      fmt.Sprintf("mock-%x", sum[:6]),
			Created:         time.Unix(0, 0).UTC(),
		},
		Telemetry: providers.Telemetry{
			Provider:     "mock",
			LogicalModel: req.LogicalModel,
			APIModel:     "mock-" + req.LogicalModel,
			TokensIn:     len(req.Claim) / 4,
			TokensOut:    24,
			LatencyMs:    0,
		},
	}, nil
}

func labelFor(p float64) string {
	switch {
	case p < 0.1:
		return "very_unlikely"
	case p < 0.4:
		return "unlikely"
	case p <= 0.6:
		return "uncertain"
	case p <= 0.9:
		return "likely"
	default:
		return "very_likely"
	}
}
