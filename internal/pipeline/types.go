package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/peakyragnar/heretix/internal/artifacts"
	"github.com/peakyragnar/heretix/internal/fusion"
	"github.com/peakyragnar/heretix/internal/prompts"
	"github.com/peakyragnar/heretix/internal/wel"
)

// SchemaVersion tags every response and run record.
const SchemaVersion = "heretix/v1"

// Run modes.
const (
	ModeBaseline    = "baseline"
	ModeWebInformed = "web_informed"
)

// MaxClaimChars bounds accepted claim length.
const MaxClaimChars = 1000

// Request is one validated run request.
type Request struct {
	Claim           string  `json:"claim"`
	Mode            string  `json:"mode"`
	Provider        string  `json:"provider,omitempty"`
	Model           string  `json:"logical_model,omitempty"`
	PromptVersion   string  `json:"prompt_version,omitempty"`
	K               int     `json:"k,omitempty"`
	R               int     `json:"r,omitempty"`
	T               int     `json:"t,omitempty"`
	B               int     `json:"b,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	NoCache         bool    `json:"no_cache,omitempty"`
	Mock            bool    `json:"mock,omitempty"`
	SeedOverride    *uint64 `json:"seed,omitempty"`
}

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

// EmptyClaimError distinguishes a missing claim from other validation
// failures; the HTTP layer maps it to 422.
type EmptyClaimError struct{}

func (e *EmptyClaimError) Error() string { return "claim must be non-empty" }

// Normalize trims the claim, fills defaults, and validates the request.
func (r *Request) Normalize() error {
	r.Claim = strings.TrimSpace(r.Claim)
	if r.Claim == "" {
		return &EmptyClaimError{}
	}
	if len(r.Claim) > MaxClaimChars {
		return &ValidationError{Field: "claim", Detail: fmt.Sprintf("longer than %d chars", MaxClaimChars)}
	}
	if r.Mode == "" {
		r.Mode = ModeBaseline
	}
	if r.Mode != ModeBaseline && r.Mode != ModeWebInformed {
		return &ValidationError{Field: "mode", Detail: "must be baseline or web_informed"}
	}
	if r.Provider == "" {
		r.Provider = "openai"
	}
	if r.Model == "" {
		r.Model = "gpt-5"
	}
	if r.PromptVersion == "" {
		r.PromptVersion = prompts.DefaultVersion
	}
	if r.K < 0 || r.R < 0 || r.B < 0 {
		return &ValidationError{Field: "sampling", Detail: "K, R, and B must be non-negative"}
	}
	return nil
}

// Sampling echoes the resolved sampling shape.
type Sampling struct {
	K int `json:"k"`
	R int `json:"r"`
	T int `json:"t"`
}

// Aggregation describes how the prior estimate was computed.
type Aggregation struct {
	Method           string         `json:"method"`
	B                int            `json:"b"`
	Center           string         `json:"center"`
	Trim             float64        `json:"trim"`
	BootstrapSeed    uint64         `json:"bootstrap_seed"`
	NTemplates       int            `json:"n_templates"`
	CountsByTemplate map[string]int `json:"counts_by_template"`
	ImbalanceRatio   float64        `json:"imbalance_ratio"`
	TemplateIQRLogit float64        `json:"template_iqr_logit"`
	PromptCharLenMax int            `json:"prompt_char_len_max"`
}

// Aggregates carries the prior-lens summary statistics.
type Aggregates struct {
	ProbTrueRPL       float64    `json:"prob_true_rpl"`
	CI95              [2]float64 `json:"ci95"`
	CIWidth           float64    `json:"ci_width"`
	StabilityScore    float64    `json:"stability_score"`
	StabilityBand     string     `json:"stability_band"`
	IsStable          bool       `json:"is_stable"`
	RPLComplianceRate float64    `json:"rpl_compliance_rate"`
	CacheHitRate      float64    `json:"cache_hit_rate"`
}

// PriorBlock is the model-only lens result.
type PriorBlock struct {
	P              float64    `json:"p"`
	CI95           [2]float64 `json:"ci95"`
	Stability      float64    `json:"stability"`
	ComplianceRate float64    `json:"compliance_rate"`
}

// WebBlock is the evidence lens result.
type WebBlock struct {
	P                 float64              `json:"p"`
	CI95              [2]float64           `json:"ci95"`
	EvidenceStats     fusion.EvidenceStats `json:"evidence_stats"`
	Resolved          bool                 `json:"resolved"`
	ResolvedTruth     *bool                `json:"resolved_truth,omitempty"`
	ResolvedReason    string               `json:"resolved_reason,omitempty"`
	ResolvedCitations []string             `json:"resolved_citations,omitempty"`
	Support           float64              `json:"support,omitempty"`
	Contradict        float64              `json:"contradict,omitempty"`
	Domains           []string             `json:"domains,omitempty"`
}

// CombinedBlock is the fused verdict.
type CombinedBlock struct {
	P             float64    `json:"p"`
	CI95          [2]float64 `json:"ci95"`
	Label         string     `json:"label"`
	WeightPrior   float64    `json:"weight_prior"`
	WeightWeb     float64    `json:"weight_web"`
	Resolved      bool       `json:"resolved,omitempty"`
	ResolvedTruth *bool      `json:"resolved_truth,omitempty"`
}

// Provenance identifies exactly how a response was produced.
type Provenance struct {
	PromptVersion  string    `json:"prompt_version"`
	SchemaVersion  string    `json:"schema_version"`
	BootstrapSeed  uint64    `json:"bootstrap_seed"`
	TemplateHashes []string  `json:"template_hashes"`
	CreatedAt      time.Time `json:"created_at"`
}

// SimpleExpl is the plain-language explanation block.
type SimpleExpl struct {
	Title      string   `json:"title"`
	Paragraphs []string `json:"paragraphs"`
	Fallback   bool     `json:"fallback,omitempty"`
}

// Usage echoes the caller's quota state; the transport layer fills it in.
type Usage struct {
	Plan          string `json:"usage_plan"`
	ChecksAllowed int    `json:"checks_allowed"`
	ChecksUsed    int    `json:"checks_used"`
	Remaining     int    `json:"remaining"`
}

// Response is the canonical run response.
type Response struct {
	ExecutionID          string `json:"execution_id"`
	RunID                string `json:"run_id"`
	Claim                string `json:"claim"`
	Model                string `json:"model"`
	LogicalModel         string `json:"logical_model"`
	Provider             string `json:"provider"`
	ResolvedLogicalModel string `json:"resolved_logical_model,omitempty"`
	PromptVersion        string `json:"prompt_version"`
	SchemaVersion        string `json:"schema_version"`

	Sampling    Sampling    `json:"sampling"`
	Aggregation Aggregation `json:"aggregation"`
	Aggregates  Aggregates  `json:"aggregates"`

	Mock bool   `json:"mock"`
	Mode string `json:"mode"`

	Usage

	Prior    PriorBlock      `json:"prior"`
	Web      *WebBlock       `json:"web,omitempty"`
	Combined CombinedBlock   `json:"combined"`
	Weights  *fusion.Weights `json:"weights,omitempty"`

	Provenance Provenance `json:"provenance"`

	SimpleExpl    *SimpleExpl     `json:"simple_expl,omitempty"`
	WELReplicates []wel.Replicate `json:"wel_replicates,omitempty"`
	WebArtifact   *artifacts.Set  `json:"web_artifact,omitempty"`
}
