// Package providers maps model aliases to scoring functions and carries the
// shared plumbing every adapter uses: prompt composition, capability
// records, rate-limited HTTP, and uniform telemetry.
package providers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/peakyragnar/heretix/internal/schema"
)

// Task selects the schema and inline instructions an adapter scores against.
type Task string

const (
	TaskRPL        Task = "rpl"
	TaskWEL        Task = "wel"
	TaskDocVerdict Task = "doc_verdict"
	TaskExplain    Task = "explain"
)

// SchemaFor returns the closed schema for a task.
func SchemaFor(task Task) schema.Spec {
	switch task {
	case TaskWEL:
		return schema.WELDocV1
	case TaskDocVerdict:
		return schema.DocVerdictV1
	case TaskExplain:
		return schema.SimpleExplV1
	default:
		return schema.RPLSampleV1
	}
}

// ScoreRequest is one scoring call against a model.
type ScoreRequest struct {
	Task            Task
	Claim           string
	SystemText      string
	UserTemplate    string
	ParaphraseText  string
	LogicalModel    string
	MaxOutputTokens int
}

// Meta identifies the concrete provider exchange behind a score.
type Meta struct {
	ProviderModelID string    `json:"provider_model_id"`
	PromptSHA256    string    `json:"prompt_sha256"`
	ResponseID      string    `json:"response_id,omitempty"`
	Created         time.Time `json:"created"`
}

// Telemetry is the uniform per-call accounting record.
type Telemetry struct {
	Provider     string `json:"provider"`
	LogicalModel string `json:"logical_model"`
	APIModel     string `json:"api_model"`
	TokensIn     int    `json:"tokens_in"`
	TokensOut    int    `json:"tokens_out"`
	LatencyMs    int64  `json:"latency_ms"`
}

// ScoreResult is what every adapter returns. Sample is nil (with a
// SchemaError warning recorded) when the output could not be validated even
// after the alternate-endpoint retry.
type ScoreResult struct {
	Raw       string
	Sample    map[string]any
	Warnings  []schema.Warning
	Meta      Meta
	Telemetry Telemetry
}

// Scorer issues one scoring call. Implementations must acquire their rate
// limiter before any outbound request.
type Scorer interface {
	Provider() string
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

// UnknownModelError is returned when an alias has no registered scorer.
type UnknownModelError struct {
	Alias string
}

func (e *UnknownModelError) Error() string {
	return "unknown model alias: " + e.Alias
}

// Registry maps lower-cased aliases to scorers. It is constructed once at
// startup and shared; interior mutation is mutex guarded.
type Registry struct {
	mu      sync.RWMutex
	scorers map[string]Scorer
}

func NewRegistry() *Registry {
	return &Registry{scorers: make(map[string]Scorer)}
}

// Register binds every alias to the scorer. Later registrations win, which
// lets tests override live adapters with mocks.
func (r *Registry) Register(s Scorer, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range aliases {
		r.scorers[normalizeAlias(a)] = s
	}
}

// Get resolves an alias to its scorer or fails with *UnknownModelError.
func (r *Registry) Get(alias string) (Scorer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scorers[normalizeAlias(alias)]
	if !ok {
		return nil, &UnknownModelError{Alias: alias}
	}
	return s, nil
}

// Aliases lists the registered aliases, for health and describe output.
func (r *Registry) Aliases() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.scorers))
	for a := range r.scorers {
		out = append(out, a)
	}
	return out
}

func normalizeAlias(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// StatusError captures a non-2xx provider response so callers can classify
// retryability by status code.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, body)
}
