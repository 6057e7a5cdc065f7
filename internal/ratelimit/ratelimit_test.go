package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestBucketBurstThenEmpty(t *testing.T) {
	b := NewBucket("test", 1, 3)
	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("acquire %d should succeed within burst", i)
		}
	}
	if b.TryAcquire() {
		t.Error("acquire past burst should fail")
	}
}

func TestBucketRefills(t *testing.T) {
	b := NewBucket("test", 100, 1)
	if !b.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if b.TryAcquire() {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(30 * time.Millisecond)
	if !b.TryAcquire() {
		t.Error("bucket should have refilled at 100/s")
	}
}

func TestAcquireBlocksUntilToken(t *testing.T) {
	b := NewBucket("test", 50, 1)
	b.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Error("Acquire should have waited for a refill")
	}
}

func TestAcquireConcurrentBackpressure(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out a 1/s bucket")
	}
	b := NewBucket("openai/gpt-5", 1, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Four concurrent acquires against rate=1/burst=1: the first token is
	// available immediately, the rest accrue one per second.
	start := time.Now()
	errs := make(chan error, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Acquire(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2900*time.Millisecond {
		t.Errorf("4 acquires completed in %v, want at least ~3s of backpressure", elapsed)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	b := NewBucket("slow", 0.001, 1)
	b.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.Acquire(ctx)
	var te *ErrTimeout
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *ErrTimeout", err)
	}
	if te.Key != "slow" {
		t.Errorf("timeout key = %q, want slow", te.Key)
	}
}

func TestRegistrySharesBuckets(t *testing.T) {
	r := NewRegistry(Limit{RatePerSec: 1, Burst: 1})
	a := r.Bucket("openai", "gpt-5")
	b := r.Bucket("openai", "gpt-5")
	if a != b {
		t.Error("same key should return the same bucket")
	}
	if r.Bucket("openai", "gpt-4o") == a {
		t.Error("different models should get different buckets")
	}
}

func TestRegistryWildcardAndExactLimits(t *testing.T) {
	r := NewRegistry(Limit{RatePerSec: 1, Burst: 1})
	r.SetLimit("openai/*", Limit{RatePerSec: 10, Burst: 5})
	r.SetLimit("openai/gpt-5", Limit{RatePerSec: 2, Burst: 2})

	exact := r.Bucket("openai", "gpt-5")
	wild := r.Bucket("openai", "gpt-4o")
	fallback := r.Bucket("serper", "search")

	if exact.burst != 2 {
		t.Errorf("exact burst = %v, want 2", exact.burst)
	}
	if wild.burst != 5 {
		t.Errorf("wildcard burst = %v, want 5", wild.burst)
	}
	if fallback.burst != 1 {
		t.Errorf("fallback burst = %v, want 1", fallback.burst)
	}
}

func TestIPLimiterMiddleware(t *testing.T) {
	l := NewIPLimiter(1, 2, 0, nil)
	h := l.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	send := func(ip string) int {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Real-IP", ip)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if send("1.1.1.1") != http.StatusOK || send("1.1.1.1") != http.StatusOK {
		t.Fatal("requests within burst should pass")
	}
	if send("1.1.1.1") != http.StatusTooManyRequests {
		t.Error("request past burst should get 429")
	}
	if send("2.2.2.2") != http.StatusOK {
		t.Error("a different IP should have its own bucket")
	}
}
