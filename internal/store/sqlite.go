package store

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a sqlite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, &StoreError{Op: "pragma", Err: err}
	}
	// One writer at a time in sqlite; keep the pool small.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			cache_key TEXT PRIMARY KEY,
			prompt_sha256 TEXT NOT NULL,
			paraphrase_idx INTEGER NOT NULL,
			replicate_idx INTEGER NOT NULL,
			prob_true REAL NOT NULL,
			logit REAL NOT NULL,
			json_valid INTEGER NOT NULL,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			provider_model_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_prompt ON samples(prompt_sha256)`,
		`CREATE TABLE IF NOT EXISTS run_cache (
			cache_key TEXT PRIMARY KEY,
			response BLOB NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_cache_expires ON run_cache(expires_at)`,
		`CREATE TABLE IF NOT EXISTS run_records (
			run_id TEXT NOT NULL,
			execution_id TEXT PRIMARY KEY,
			claim TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			prompt_version TEXT NOT NULL,
			mode TEXT NOT NULL,
			k INTEGER NOT NULL,
			r INTEGER NOT NULL,
			t INTEGER NOT NULL,
			b INTEGER NOT NULL,
			bootstrap_seed TEXT NOT NULL,
			schema_version TEXT NOT NULL,
			mock INTEGER NOT NULL DEFAULT 0,
			sampling_json TEXT NOT NULL DEFAULT '{}',
			aggregation_json TEXT NOT NULL DEFAULT '{}',
			prior_json TEXT NOT NULL DEFAULT '{}',
			web_json TEXT NOT NULL DEFAULT '',
			combined_json TEXT NOT NULL DEFAULT '{}',
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			artifact_uri TEXT NOT NULL DEFAULT '',
			is_stable INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_records_run ON run_records(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_records_created ON run_records(created_at)`,
		`CREATE TABLE IF NOT EXISTS usage_tokens (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			prefix TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			plan TEXT NOT NULL DEFAULT 'free',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_tokens_prefix ON usage_tokens(prefix)`,
		`CREATE TABLE IF NOT EXISTS usage_counts (
			subject TEXT NOT NULL,
			window_start TEXT NOT NULL,
			checks_used INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (subject, window_start)
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return &StoreError{Op: "migrate", Err: err}
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Samples

func (s *SQLiteStore) GetSample(ctx context.Context, cacheKey string) (*SampleRecord, error) {
	var rec SampleRecord
	var jsonValid int
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, prompt_sha256, paraphrase_idx, replicate_idx, prob_true, logit,
		 json_valid, tokens_in, tokens_out, latency_ms, provider_model_id, created_at
		 FROM samples WHERE cache_key = ?`, cacheKey).
		Scan(&rec.CacheKey, &rec.PromptSHA256, &rec.ParaphraseIdx, &rec.ReplicateIdx,
			&rec.ProbTrue, &rec.Logit, &jsonValid, &rec.TokensIn, &rec.TokensOut,
			&rec.LatencyMs, &rec.ProviderModelID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get sample", Err: err}
	}
	rec.JSONValid = jsonValid != 0
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &rec, nil
}

func (s *SQLiteStore) PutSample(ctx context.Context, rec SampleRecord) error {
	jsonValid := 0
	if rec.JSONValid {
		jsonValid = 1
	}
	// Append-only: first writer wins, replays are no-ops.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO samples
		 (cache_key, prompt_sha256, paraphrase_idx, replicate_idx, prob_true, logit,
		  json_valid, tokens_in, tokens_out, latency_ms, provider_model_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CacheKey, rec.PromptSHA256, rec.ParaphraseIdx, rec.ReplicateIdx,
		rec.ProbTrue, rec.Logit, jsonValid, rec.TokensIn, rec.TokensOut,
		rec.LatencyMs, rec.ProviderModelID, rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &StoreError{Op: "put sample", Err: err}
	}
	return nil
}

// Run cache

func (s *SQLiteStore) GetRunCache(ctx context.Context, cacheKey string) (*RunCacheEntry, error) {
	var e RunCacheEntry
	var createdAt, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_key, response, created_at, expires_at FROM run_cache WHERE cache_key = ?`,
		cacheKey).Scan(&e.CacheKey, &e.Response, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get run cache", Err: err}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	e.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt)
	if time.Now().After(e.ExpiresAt) {
		return nil, nil
	}
	return &e, nil
}

func (s *SQLiteStore) PutRunCache(ctx context.Context, e RunCacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_cache (cache_key, response, created_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		   response=excluded.response,
		   created_at=excluded.created_at,
		   expires_at=excluded.expires_at`,
		e.CacheKey, e.Response,
		e.CreatedAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &StoreError{Op: "put run cache", Err: err}
	}
	return nil
}

func (s *SQLiteStore) PruneRunCache(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM run_cache WHERE expires_at < ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, &StoreError{Op: "prune run cache", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Run records

func (s *SQLiteStore) InsertRunRecord(ctx context.Context, rec RunRecord) error {
	boolInt := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_records
		 (run_id, execution_id, claim, provider, model, prompt_version, mode,
		  k, r, t, b, bootstrap_seed, schema_version, mock,
		  sampling_json, aggregation_json, prior_json, web_json, combined_json,
		  tokens_in, tokens_out, cost_usd, artifact_uri, is_stable, resolved, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.ExecutionID, rec.Claim, rec.Provider, rec.Model,
		rec.PromptVersion, rec.Mode, rec.K, rec.R, rec.T, rec.B,
		formatSeed(rec.BootstrapSeed), rec.SchemaVersion, boolInt(rec.Mock),
		rec.SamplingJSON, rec.AggregationJSON, rec.PriorJSON, rec.WebJSON, rec.CombinedJSON,
		rec.TokensIn, rec.TokensOut, rec.CostUSD, rec.ArtifactURI,
		boolInt(rec.IsStable), boolInt(rec.Resolved),
		rec.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &StoreError{Op: "insert run record", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetRunRecord(ctx context.Context, runID string) (*RunRecord, error) {
	rows, err := s.queryRunRecords(ctx,
		`WHERE run_id = ? ORDER BY created_at DESC LIMIT 1`, runID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SQLiteStore) ListRunRecords(ctx context.Context, limit, offset int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryRunRecords(ctx, `ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
}

func (s *SQLiteStore) queryRunRecords(ctx context.Context, suffix string, args ...any) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, execution_id, claim, provider, model, prompt_version, mode,
		 k, r, t, b, bootstrap_seed, schema_version, mock,
		 sampling_json, aggregation_json, prior_json, web_json, combined_json,
		 tokens_in, tokens_out, cost_usd, artifact_uri, is_stable, resolved, created_at
		 FROM run_records `+suffix, args...)
	if err != nil {
		return nil, &StoreError{Op: "query run records", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var seed, createdAt string
		var mock, isStable, resolved int
		if err := rows.Scan(&rec.RunID, &rec.ExecutionID, &rec.Claim, &rec.Provider,
			&rec.Model, &rec.PromptVersion, &rec.Mode, &rec.K, &rec.R, &rec.T, &rec.B,
			&seed, &rec.SchemaVersion, &mock,
			&rec.SamplingJSON, &rec.AggregationJSON, &rec.PriorJSON, &rec.WebJSON,
			&rec.CombinedJSON, &rec.TokensIn, &rec.TokensOut, &rec.CostUSD,
			&rec.ArtifactURI, &isStable, &resolved, &createdAt); err != nil {
			return nil, &StoreError{Op: "scan run record", Err: err}
		}
		rec.BootstrapSeed = parseSeed(seed)
		rec.Mock = mock != 0
		rec.IsStable = isStable != 0
		rec.Resolved = resolved != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Usage

func (s *SQLiteStore) CreateUsageToken(ctx context.Context, t UsageToken) error {
	enabled := 0
	if t.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_tokens (id, hash, prefix, name, plan, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Hash, t.Prefix, t.Name, t.Plan, enabled,
		t.CreatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return &StoreError{Op: "create usage token", Err: err}
	}
	return nil
}

func (s *SQLiteStore) GetUsageTokensByPrefix(ctx context.Context, prefix string) ([]UsageToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, hash, prefix, name, plan, enabled, created_at
		 FROM usage_tokens WHERE prefix = ? AND enabled = 1`, prefix)
	if err != nil {
		return nil, &StoreError{Op: "get usage tokens", Err: err}
	}
	defer func() { _ = rows.Close() }()

	var out []UsageToken
	for rows.Next() {
		var t UsageToken
		var enabled int
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Hash, &t.Prefix, &t.Name, &t.Plan, &enabled, &createdAt); err != nil {
			return nil, &StoreError{Op: "scan usage token", Err: err}
		}
		t.Enabled = enabled != 0
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetUsageCount(ctx context.Context, subject string, windowStart time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT checks_used FROM usage_counts WHERE subject = ? AND window_start = ?`,
		subject, windowStart.UTC().Format(time.RFC3339)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, &StoreError{Op: "get usage count", Err: err}
	}
	return n, nil
}

func (s *SQLiteStore) IncrementUsage(ctx context.Context, subject string, windowStart time.Time) (int, error) {
	ws := windowStart.UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_counts (subject, window_start, checks_used)
		 VALUES (?, ?, 1)
		 ON CONFLICT(subject, window_start) DO UPDATE SET checks_used = checks_used + 1`,
		subject, ws)
	if err != nil {
		return 0, &StoreError{Op: "increment usage", Err: err}
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT checks_used FROM usage_counts WHERE subject = ? AND window_start = ?`,
		subject, ws).Scan(&n); err != nil {
		return 0, &StoreError{Op: "read usage count", Err: err}
	}
	return n, nil
}

// Seeds are stored as decimal text: sqlite INTEGER is signed 64-bit and
// large uint64 seeds would not round-trip.
func formatSeed(seed uint64) string {
	return strconv.FormatUint(seed, 10)
}

func parseSeed(s string) uint64 {
	out, _ := strconv.ParseUint(s, 10, 64)
	return out
}
