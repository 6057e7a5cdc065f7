// Package ratelimit provides token-bucket rate limiting in two forms: a
// blocking Bucket acquired before every outbound provider or search call,
// and an http middleware protecting the public API per client IP.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrTimeout is returned by Acquire when the caller's context expires before
// a token becomes available.
type ErrTimeout struct {
	Key string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("rate limit acquisition timed out for %s", e.Key)
}

// Bucket is a continuously refilled token bucket. Tokens accrue at Rate per
// second up to Burst; Acquire blocks until one token is available.
type Bucket struct {
	mu         sync.Mutex
	key        string
	rate       float64 // tokens per second, > 0
	burst      float64 // capacity, >= 1
	tokens     float64
	lastUpdate time.Time
}

// NewBucket creates a bucket that starts full.
func NewBucket(key string, ratePerSec float64, burst int) *Bucket {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Bucket{
		key:        key,
		rate:       ratePerSec,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

// Acquire blocks until one token is available or ctx is done. On context
// expiry it returns *ErrTimeout.
func (b *Bucket) Acquire(ctx context.Context) error {
	for {
		wait, ok := b.take()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ErrTimeout{Key: b.key}
		case <-timer.C:
		}
	}
}

// TryAcquire takes a token without blocking.
func (b *Bucket) TryAcquire() bool {
	_, ok := b.take()
	return ok
}

// take refills from elapsed wall time and removes one token if available.
// When empty it returns the wait until the next token accrues.
func (b *Bucket) take() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return 0, true
	}
	deficit := 1 - b.tokens
	return time.Duration(deficit / b.rate * float64(time.Second)), false
}

// Registry hands out shared buckets keyed by "provider/model". A wildcard
// entry "provider/*" applies to every model of that provider without its own
// override.
type Registry struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	defaults map[string]Limit
	fallback Limit
}

// Limit is a per-key rate configuration.
type Limit struct {
	RatePerSec float64
	Burst      int
}

// NewRegistry creates a bucket registry. fallback applies when neither an
// exact nor a wildcard limit is configured.
func NewRegistry(fallback Limit) *Registry {
	return &Registry{
		buckets:  make(map[string]*Bucket),
		defaults: make(map[string]Limit),
		fallback: fallback,
	}
}

// SetLimit configures the limit for a key ("openai/gpt-5" or "openai/*").
// Existing buckets for the key are replaced.
func (r *Registry) SetLimit(key string, l Limit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[key] = l
	delete(r.buckets, key)
}

// Bucket returns the shared bucket for (provider, model), creating it on
// first use from the most specific configured limit.
func (r *Registry) Bucket(provider, model string) *Bucket {
	key := provider + "/" + model
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.buckets[key]; ok {
		return b
	}
	limit, ok := r.defaults[key]
	if !ok {
		limit, ok = r.defaults[provider+"/*"]
	}
	if !ok {
		limit = r.fallback
	}
	b := NewBucket(key, limit.RatePerSec, limit.Burst)
	r.buckets[key] = b
	return b
}

// IPLimiter enforces a per-client-IP token bucket on the HTTP API.
type IPLimiter struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	rate    float64
	burst   int
	maxKeys int
	counter prometheus.Counter // optional, incremented on each 429
}

// NewIPLimiter creates an IP limiter capped at maxKeys tracked addresses.
func NewIPLimiter(ratePerSec float64, burst, maxKeys int, counter prometheus.Counter) *IPLimiter {
	if maxKeys <= 0 {
		maxKeys = 100000
	}
	return &IPLimiter{
		buckets: make(map[string]*Bucket),
		rate:    ratePerSec,
		burst:   burst,
		maxKeys: maxKeys,
		counter: counter,
	}
}

// Middleware rejects over-limit requests with 429 using X-Real-IP or
// RemoteAddr as the key.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.Header.Get("X-Real-IP")
		if ip == "" {
			ip = r.RemoteAddr
		}
		if !l.allow(ip) {
			if l.counter != nil {
				l.counter.Inc()
			}
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *IPLimiter) allow(ip string) bool {
	l.mu.Lock()
	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.maxKeys {
			l.evictOne()
		}
		b = NewBucket(ip, l.rate, l.burst)
		l.buckets[ip] = b
	}
	l.mu.Unlock()
	return b.TryAcquire()
}

// evictOne removes the stalest bucket. Caller must hold l.mu.
func (l *IPLimiter) evictOne() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for k, b := range l.buckets {
		b.mu.Lock()
		t := b.lastUpdate
		b.mu.Unlock()
		if first || t.Before(oldestTime) {
			oldestKey = k
			oldestTime = t
			first = false
		}
	}
	if !first {
		delete(l.buckets, oldestKey)
	}
}
