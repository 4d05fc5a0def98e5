package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(time.Minute, time.Minute)
	ctx := context.Background()

	c.Set(ctx, "k", []byte("v"), 10*time.Millisecond)
	if v, ok := c.Get(ctx, "k"); !ok || string(v) != "v" {
		t.Fatalf("get = %q, %v", v, ok)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestLayeredPromotesSharedHits(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryCache(time.Minute, time.Minute)
	shared := NewMemoryCache(time.Minute, time.Minute)
	shared.Set(ctx, "k", []byte("from-shared"), 0)

	c := NewLayered(memory, shared)
	v, ok := c.Get(ctx, "k")
	if !ok || string(v) != "from-shared" {
		t.Fatalf("get = %q, %v", v, ok)
	}
	if _, ok := memory.Get(ctx, "k"); !ok {
		t.Fatal("hit should be promoted to memory")
	}
}

func TestLayeredWithoutShared(t *testing.T) {
	ctx := context.Background()
	c := NewLayered(NewMemoryCache(time.Minute, time.Minute), nil)
	if err := c.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "a"); !ok {
		t.Fatal("memory-only layered cache lost value")
	}
	c.Delete(ctx, "a")
	if _, ok := c.Get(ctx, "a"); ok {
		t.Fatal("delete did not remove value")
	}
}
