package rpl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/peakyragnar/heretix/internal/cache"
	"github.com/peakyragnar/heretix/internal/store"
)

// SampleCacheKey hashes the canonical identity of one sample. Everything
// that could change the provider's answer is in the key; nothing else is.
func SampleCacheKey(claim, logicalModel, promptVersion, promptSHA string, replicateIdx, maxOutputTokens int, providerMode string) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%d|%s",
		claim, logicalModel, promptVersion, promptSHA, replicateIdx, maxOutputTokens, providerMode)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// SampleCache layers an in-process TTL tier over the durable store. Reads
// repopulate the memory tier; writes go through to both.
type SampleCache struct {
	mem    *cache.Memory
	store  store.Store
	logger *slog.Logger
}

func NewSampleCache(mem *cache.Memory, st store.Store, logger *slog.Logger) *SampleCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &SampleCache{mem: mem, store: st, logger: logger}
}

// Get returns the cached sample for a key, or nil on miss. Store errors are
// treated as misses: a broken cache must not fail a run.
func (c *SampleCache) Get(ctx context.Context, key string) *store.SampleRecord {
	if c == nil {
		return nil
	}
	if c.mem != nil {
		if data, ok := c.mem.Get(key); ok {
			var rec store.SampleRecord
			if err := json.Unmarshal(data, &rec); err == nil {
				return &rec
			}
		}
	}
	if c.store == nil {
		return nil
	}
	rec, err := c.store.GetSample(ctx, key)
	if err != nil {
		c.logger.Warn("sample cache read failed", slog.String("error", err.Error()))
		return nil
	}
	if rec == nil {
		return nil
	}
	if c.mem != nil {
		if data, err := json.Marshal(rec); err == nil {
			c.mem.Set(key, data)
		}
	}
	return rec
}

// Put writes through to both tiers. Failures are logged, never propagated.
func (c *SampleCache) Put(ctx context.Context, rec store.SampleRecord) {
	if c == nil {
		return
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if c.mem != nil {
		if data, err := json.Marshal(rec); err == nil {
			c.mem.Set(rec.CacheKey, data)
		}
	}
	if c.store != nil {
		if err := c.store.PutSample(ctx, rec); err != nil {
			c.logger.Warn("sample cache write failed", slog.String("error", err.Error()))
		}
	}
}
