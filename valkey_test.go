package strata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func valkeyAddr() string {
	if addr := os.Getenv("VALKEY_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// skipIfNoValkey skips the test if Valkey is not available.
func skipIfNoValkey(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cache, err := NewValkey[int](ctx, valkeyAddr(), WithPrefix("strata-test-skip:"))
	if err != nil {
		t.Skipf("Skipping valkey tests: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Logf("Close error: %v", err)
	}
}

// newTestValkey connects with a per-test prefix so tests cannot see each
// other's keys, and flushes that prefix on cleanup.
func newTestValkey(t *testing.T) *Valkey[int] {
	t.Helper()

	ctx := context.Background()
	prefix := fmt.Sprintf("strata-test-%s:", t.Name())
	cache, err := NewValkey[int](ctx, valkeyAddr(), WithPrefix(prefix))
	if err != nil {
		t.Fatalf("NewValkey: %v", err)
	}
	t.Cleanup(func() {
		if err := cache.Clear(ctx); err != nil {
			t.Logf("Clear error: %v", err)
		}
		if err := cache.Close(); err != nil {
			t.Logf("Close error: %v", err)
		}
	})
	return cache
}

func TestValkey_Basic(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	if err := cache.Set(ctx, "key1", 42, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	val, found, err := cache.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("key1 not found")
	}
	if val != 42 {
		t.Errorf("Get value = %d; want 42", val)
	}

	_, found, err = cache.Get(ctx, "missing")
	if err != nil {
		t.Fatalf("Get miss: %v", err)
	}
	if found {
		t.Error("missing key should not be found")
	}

	removed, err := cache.Delete(ctx, "key1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !removed {
		t.Error("Delete should report the key was held")
	}
}

func TestValkey_TTLExpiry(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	cache.Set(ctx, "temp", 1, 50*time.Millisecond)

	if _, found, _ := cache.Get(ctx, "temp"); !found {
		t.Error("temp should be found immediately")
	}

	time.Sleep(100 * time.Millisecond)

	if _, found, _ := cache.Get(ctx, "temp"); found {
		t.Error("temp should be expired server-side")
	}
}

func TestValkey_SetNX(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	ok, err := cache.SetNX(ctx, "key1", 1, time.Minute)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if !ok {
		t.Fatal("first SetNX should win")
	}

	ok, err = cache.SetNX(ctx, "key1", 2, time.Minute)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if ok {
		t.Error("second SetNX should lose")
	}

	val, _, _ := cache.Get(ctx, "key1")
	if val != 1 {
		t.Errorf("value = %d; want 1", val)
	}
}

func TestValkey_Batch(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	if err := cache.SetMany(ctx, map[string]int{"a": 1, "b": 2, "c": 3}, 0); err != nil {
		t.Fatalf("SetMany: %v", err)
	}

	got, err := cache.GetMany(ctx, []string{"a", "b", "missing"})
	if err != nil {
		t.Fatalf("GetMany: %v", err)
	}
	if len(got) != 2 || got["a"] != 1 || got["b"] != 2 {
		t.Errorf("GetMany = %v; want map[a:1 b:2]", got)
	}

	removed, err := cache.DeleteMany(ctx, []string{"a", "c", "missing"})
	if err != nil {
		t.Fatalf("DeleteMany: %v", err)
	}
	if removed != 2 {
		t.Errorf("DeleteMany removed = %d; want 2", removed)
	}
}

func TestValkey_Keys(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	for i := 0; i < 5; i++ {
		cache.Set(ctx, fmt.Sprintf("user:%d", i), i, 0)
	}
	cache.Set(ctx, "other", 99, 0)

	// SCAN pages are server-sized, so traverse the cursor to the end.
	seen := make(map[string]bool)
	var cursor uint64
	for {
		page, err := cache.Keys(ctx, "user:*", cursor, 10, 0)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		for _, key := range page.Keys {
			seen[key] = true
		}
		if page.TotalScanned != len(page.Keys) {
			t.Errorf("TotalScanned = %d; want len(Keys) = %d", page.TotalScanned, len(page.Keys))
		}
		if !page.HasMore {
			break
		}
		cursor = page.Cursor
	}

	if len(seen) != 5 {
		t.Errorf("traversal matched %d keys; want 5", len(seen))
	}
	for key := range seen {
		if key == "other" {
			t.Error("pattern should not match \"other\"")
		}
	}
}

func TestValkey_TTLSentinels(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	cache.Set(ctx, "forever", 1, 0)
	cache.Set(ctx, "timed", 2, time.Hour)

	ttl, err := cache.TTL(ctx, "forever")
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl != TTLNoExpiry {
		t.Errorf("TTL(forever) = %v; want TTLNoExpiry", ttl)
	}

	ttl, _ = cache.TTL(ctx, "timed")
	if ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL(timed) = %v; want a positive remainder up to 1h", ttl)
	}

	ttl, _ = cache.TTL(ctx, "missing")
	if ttl != TTLNotFound {
		t.Errorf("TTL(missing) = %v; want TTLNotFound", ttl)
	}
}

func TestValkey_ClearScopedToPrefix(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	other, err := NewValkey[int](ctx, valkeyAddr(), WithPrefix("strata-test-other:"))
	if err != nil {
		t.Fatalf("NewValkey: %v", err)
	}
	defer func() {
		other.Clear(ctx)
		other.Close()
	}()

	cache.Set(ctx, "mine", 1, 0)
	other.Set(ctx, "theirs", 2, 0)

	if err := cache.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	if _, found, _ := cache.Get(ctx, "mine"); found {
		t.Error("mine should be gone after Clear")
	}
	if _, found, _ := other.Get(ctx, "theirs"); !found {
		t.Error("Clear must not cross the prefix boundary")
	}
}

func TestValkey_Len(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()
	cache := newTestValkey(t)

	for i := 0; i < 7; i++ {
		cache.Set(ctx, fmt.Sprintf("k%d", i), i, 0)
	}

	n, err := cache.Len(ctx)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 7 {
		t.Errorf("Len = %d; want 7", n)
	}
}

func TestValkey_ConnectionRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// A port nothing listens on.
	_, err := NewValkey[int](ctx, "localhost:1")
	if err == nil {
		t.Fatal("NewValkey should fail when no server listens")
	}
	if !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v; want ErrConnection in chain", err)
	}
}

func TestValkey_CheckHealth(t *testing.T) {
	skipIfNoValkey(t)
	cache := newTestValkey(t)

	if !cache.CheckHealth(context.Background()) {
		t.Error("CheckHealth should pass against a live server")
	}
}

func TestValkey_CloseIdempotent(t *testing.T) {
	skipIfNoValkey(t)
	ctx := context.Background()

	cache, err := NewValkey[int](ctx, valkeyAddr())
	if err != nil {
		t.Fatalf("NewValkey: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
