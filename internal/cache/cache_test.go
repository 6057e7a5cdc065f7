package cache

import (
	"fmt"
	"testing"
	"time"
)

func TestMemorySetGet(t *testing.T) {
	c := NewMemory(time.Minute, 10)
	defer c.Stop()

	if _, ok := c.Get("missing"); ok {
		t.Error("Get on empty cache should miss")
	}
	c.Set("k", []byte("v"))
	got, ok := c.Get("k")
	if !ok || string(got) != "v" {
		t.Errorf("Get = %q, %v; want v, true", got, ok)
	}
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory(20*time.Millisecond, 10)
	defer c.Stop()

	c.Set("k", []byte("v"))
	time.Sleep(40 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Error("expired entry should miss on read")
	}
}

func TestMemoryCapacityEvictsOldest(t *testing.T) {
	c := NewMemory(time.Minute, 3)
	defer c.Stop()

	for i := 0; i < 3; i++ {
		c.Set(fmt.Sprintf("k%d", i), []byte("v"))
		time.Sleep(time.Millisecond)
	}
	c.Set("k3", []byte("v"))

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("k0"); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := c.Get("k3"); !ok {
		t.Error("newest entry should be present")
	}
}

func TestMemoryOverwriteDoesNotEvict(t *testing.T) {
	c := NewMemory(time.Minute, 2)
	defer c.Stop()

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("a", []byte("3"))

	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	got, _ := c.Get("a")
	if string(got) != "3" {
		t.Errorf("a = %q, want 3", got)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should survive an overwrite of a")
	}
}

func TestMemoryStopIdempotent(t *testing.T) {
	c := NewMemory(time.Minute, 4)
	c.Stop()
	c.Stop()
}
