// Package store defines the durable persistence interface and its sqlite
// implementation. Samples are append-only and content-addressed; run records
// are immutable audit rows; the run cache is TTL'd.
package store

import (
	"context"
	"fmt"
	"time"
)

// Store is the persistence boundary for heretix.
type Store interface {
	// Sample cache (append-only, content-addressed).
	GetSample(ctx context.Context, cacheKey string) (*SampleRecord, error)
	PutSample(ctx context.Context, rec SampleRecord) error

	// Run cache (TTL'd full-run responses).
	GetRunCache(ctx context.Context, cacheKey string) (*RunCacheEntry, error)
	PutRunCache(ctx context.Context, e RunCacheEntry) error
	PruneRunCache(ctx context.Context, now time.Time) (int64, error)

	// Run records (one immutable row per run).
	InsertRunRecord(ctx context.Context, rec RunRecord) error
	GetRunRecord(ctx context.Context, runID string) (*RunRecord, error)
	ListRunRecords(ctx context.Context, limit, offset int) ([]RunRecord, error)

	// Usage tokens and quota counters.
	CreateUsageToken(ctx context.Context, t UsageToken) error
	GetUsageTokensByPrefix(ctx context.Context, prefix string) ([]UsageToken, error)
	GetUsageCount(ctx context.Context, subject string, windowStart time.Time) (int, error)
	IncrementUsage(ctx context.Context, subject string, windowStart time.Time) (int, error)

	// Schema lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}

// StoreError wraps a durable-store failure so boundaries can classify it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// SampleRecord is one persisted provider sample. CacheKey fully captures its
// identity, so re-insertion is a no-op.
type SampleRecord struct {
	CacheKey        string    `json:"cache_key"`
	PromptSHA256    string    `json:"prompt_sha256"`
	ParaphraseIdx   int       `json:"paraphrase_idx"`
	ReplicateIdx    int       `json:"replicate_idx"`
	ProbTrue        float64   `json:"prob_true"`
	Logit           float64   `json:"logit"`
	JSONValid       bool      `json:"json_valid"`
	TokensIn        int       `json:"tokens_in"`
	TokensOut       int       `json:"tokens_out"`
	LatencyMs       int64     `json:"latency_ms"`
	ProviderModelID string    `json:"provider_model_id"`
	CreatedAt       time.Time `json:"created_at"`
}

// RunCacheEntry caches a full canonical run response.
type RunCacheEntry struct {
	CacheKey  string    `json:"cache_key"`
	Response  []byte    `json:"response"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RunRecord is the immutable audit row written once per completed run.
// Block payloads are stored as JSON so the row survives schema evolution of
// the blocks themselves.
type RunRecord struct {
	RunID           string    `json:"run_id"`
	ExecutionID     string    `json:"execution_id"`
	Claim           string    `json:"claim"`
	Provider        string    `json:"provider"`
	Model           string    `json:"model"`
	PromptVersion   string    `json:"prompt_version"`
	Mode            string    `json:"mode"`
	K               int       `json:"k"`
	R               int       `json:"r"`
	T               int       `json:"t"`
	B               int       `json:"b"`
	BootstrapSeed   uint64    `json:"bootstrap_seed"`
	SchemaVersion   string    `json:"schema_version"`
	Mock            bool      `json:"mock"`
	SamplingJSON    string    `json:"sampling_json"`
	AggregationJSON string    `json:"aggregation_json"`
	PriorJSON       string    `json:"prior_json"`
	WebJSON         string    `json:"web_json,omitempty"`
	CombinedJSON    string    `json:"combined_json"`
	TokensIn        int       `json:"tokens_in"`
	TokensOut       int       `json:"tokens_out"`
	CostUSD         float64   `json:"cost_usd"`
	ArtifactURI     string    `json:"artifact_uri,omitempty"`
	IsStable        bool      `json:"is_stable"`
	Resolved        bool      `json:"resolved"`
	CreatedAt       time.Time `json:"created_at"`
}

// UsageToken is a hashed access token with a plan assignment.
type UsageToken struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Prefix    string    `json:"prefix"`
	Name      string    `json:"name"`
	Plan      string    `json:"plan"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}
