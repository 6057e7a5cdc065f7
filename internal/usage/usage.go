// Package usage handles access tokens and per-plan run quotas. Tokens are
// stored as bcrypt hashes; quota counters accumulate per calendar month.
package usage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/peakyragnar/heretix/internal/store"
)

// Plan names and their monthly run quotas. Anonymous callers get mock-only
// runs and a small allowance keyed by client IP.
const (
	PlanAnonymous = "anonymous"
	PlanFree      = "free"
	PlanPro       = "pro"
	PlanUnlimited = "unlimited"
)

var planQuotas = map[string]int{
	PlanAnonymous: 10,
	PlanFree:      50,
	PlanPro:       1000,
	PlanUnlimited: 0, // 0 means no cap
}

// QuotaFor returns the monthly run quota for a plan; unknown plans get the
// free quota.
func QuotaFor(plan string) int {
	if q, ok := planQuotas[plan]; ok {
		return q
	}
	return planQuotas[PlanFree]
}

// MockOnly reports whether a plan is restricted to mock-mode runs.
func MockOnly(plan string) bool { return plan == PlanAnonymous }

const (
	tokenPrefix    = "hx_"
	tokenRandBytes = 24
	prefixLen      = len(tokenPrefix) + 8
	bcryptCost     = 10
	cacheTTL       = 5 * time.Minute
)

// ErrInvalidToken is returned when no enabled token matches.
var ErrInvalidToken = errors.New("invalid usage token")

// QuotaExceededError is returned when a subject is over its monthly quota.
type QuotaExceededError struct {
	Subject string
	Plan    string
	Used    int
	Quota   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for plan %s: %d of %d runs used", e.Plan, e.Used, e.Quota)
}

// hashForBcrypt pre-hashes a token with SHA-256 to stay within bcrypt's
// 72-byte limit.
func hashForBcrypt(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(h[:]))
}

type cachedToken struct {
	token     store.UsageToken
	expiresAt time.Time
}

// Manager issues and validates usage tokens and enforces quotas.
type Manager struct {
	store store.Store

	mu    sync.RWMutex
	cache map[string]cachedToken // plaintext -> validated record
}

func NewManager(s store.Store) *Manager {
	return &Manager{
		store: s,
		cache: make(map[string]cachedToken),
	}
}

// Issue creates a new token under a plan, stores its bcrypt hash, and
// returns the plaintext exactly once.
func (m *Manager) Issue(ctx context.Context, name, plan string) (string, *store.UsageToken, error) {
	if _, ok := planQuotas[plan]; !ok || plan == PlanAnonymous {
		return "", nil, fmt.Errorf("unknown plan %q", plan)
	}
	raw := make([]byte, tokenRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, fmt.Errorf("generate random: %w", err)
	}
	plaintext := tokenPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(plaintext), bcryptCost)
	if err != nil {
		return "", nil, fmt.Errorf("bcrypt hash: %w", err)
	}

	tok := store.UsageToken{
		ID:        hex.EncodeToString(raw[:8]),
		Hash:      string(hash),
		Prefix:    plaintext[:prefixLen],
		Name:      name,
		Plan:      plan,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.CreateUsageToken(ctx, tok); err != nil {
		return "", nil, fmt.Errorf("store usage token: %w", err)
	}
	return plaintext, &tok, nil
}

// Validate checks a plaintext token and returns its record. The visible
// prefix narrows the candidate set before bcrypt comparison, and a short
// TTL cache avoids bcrypt on every request.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*store.UsageToken, error) {
	if !strings.HasPrefix(plaintext, tokenPrefix) || len(plaintext) < prefixLen {
		return nil, ErrInvalidToken
	}

	m.mu.RLock()
	if cached, ok := m.cache[plaintext]; ok && time.Now().Before(cached.expiresAt) {
		m.mu.RUnlock()
		tok := cached.token
		return &tok, nil
	}
	m.mu.RUnlock()

	candidates, err := m.store.GetUsageTokensByPrefix(ctx, plaintext[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookup tokens: %w", err)
	}
	for i := range candidates {
		tok := candidates[i]
		if !tok.Enabled {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(tok.Hash), hashForBcrypt(plaintext)) != nil {
			continue
		}
		m.mu.Lock()
		m.cache[plaintext] = cachedToken{token: tok, expiresAt: time.Now().Add(cacheTTL)}
		m.mu.Unlock()
		return &tok, nil
	}
	return nil, ErrInvalidToken
}

// Charge counts one run against a subject's monthly quota. It increments
// first and rejects when the new count exceeds the plan's cap, so concurrent
// requests cannot slip past the limit.
func (m *Manager) Charge(ctx context.Context, subject, plan string, now time.Time) error {
	quota := QuotaFor(plan)
	if quota <= 0 {
		return nil
	}
	window := MonthStart(now)
	used, err := m.store.IncrementUsage(ctx, subject, window)
	if err != nil {
		// One retry against freshly queried state; transient write
		// contention dominates these failures.
		if _, qerr := m.store.GetUsageCount(ctx, subject, window); qerr == nil {
			used, err = m.store.IncrementUsage(ctx, subject, window)
		}
	}
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if used > quota {
		return &QuotaExceededError{Subject: subject, Plan: plan, Used: used, Quota: quota}
	}
	return nil
}

// Used returns the subject's run count for the current month.
func (m *Manager) Used(ctx context.Context, subject string, now time.Time) (int, error) {
	return m.store.GetUsageCount(ctx, subject, MonthStart(now))
}

// MonthStart truncates a time to the first instant of its UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
