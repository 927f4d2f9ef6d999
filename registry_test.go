package strata

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
)

func TestRegistry_BuiltIns(t *testing.T) {
	r := NewRegistry[int]()

	want := []string{"memory", "sqlite", "valkey"}
	if got := r.Backends(); !slices.Equal(got, want) {
		t.Errorf("Backends = %v; want %v", got, want)
	}
}

func TestRegistry_OpenMemory(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry[int]()

	cache, err := r.Open(ctx, "memory", Config{MaxSize: 5})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	if err := cache.Set(ctx, "a", 1, 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, found, _ := cache.Get(ctx, "a")
	if !found || val != 1 {
		t.Errorf("Get = %d, %v; want 1, true", val, found)
	}
}

func TestRegistry_ConfigZeroMaxSizeMeansDefault(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry[int]()

	// An unset MaxSize keeps the engine default capacity rather than the
	// fail-all zero-capacity mode.
	cache, err := r.Open(ctx, "memory", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	if err := cache.Set(ctx, "a", 1, 0); err != nil {
		t.Errorf("Set with default capacity should succeed, got %v", err)
	}
}

func TestRegistry_OpenSQLite(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry[int]()

	cache, err := r.Open(ctx, "sqlite", Config{Path: filepath.Join(t.TempDir(), "c.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	if !cache.CheckHealth(ctx) {
		t.Error("opened sqlite backend should be healthy")
	}
}

func TestRegistry_OpenSQLiteWithoutPath(t *testing.T) {
	_, err := NewRegistry[int]().Open(context.Background(), "sqlite", Config{})
	if err == nil {
		t.Fatal("Open sqlite without a path should fail")
	}
	if !errors.Is(err, ErrBackend) {
		t.Errorf("error = %v; want ErrBackend in chain", err)
	}
}

func TestRegistry_OpenUnknown(t *testing.T) {
	_, err := NewRegistry[int]().Open(context.Background(), "memcached", Config{})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("error = %v; want ErrUnknownBackend", err)
	}
}

func TestRegistry_NameNormalization(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry[int]()

	cache, err := r.Open(ctx, "  Memory ", Config{})
	if err != nil {
		t.Fatalf("Open with unnormalized name: %v", err)
	}
	cache.Close()
}

func TestRegistry_Register(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry[int]()

	custom := func(_ context.Context, cfg Config) (Backend[int], error) {
		return NewMemory[int](cfg.options()...), nil
	}
	if err := r.Register("custom", custom); err != nil {
		t.Fatalf("Register: %v", err)
	}

	cache, err := r.Open(ctx, "custom", Config{})
	if err != nil {
		t.Fatalf("Open custom: %v", err)
	}
	cache.Close()

	// Duplicate names are rejected, case-insensitively.
	if err := r.Register("CUSTOM", custom); err == nil {
		t.Error("duplicate Register should fail")
	}
	if err := r.Register("memory", custom); err == nil {
		t.Error("Register over a built-in should fail")
	}
	if err := r.Register("", custom); err == nil {
		t.Error("Register with an empty name should fail")
	}
}

func TestRegistry_RegisterOverride(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry[int]()

	opened := false
	r.RegisterOverride("memory", func(_ context.Context, _ Config) (Backend[int], error) {
		opened = true
		return NewMemory[int](), nil
	})

	cache, err := r.Open(ctx, "memory", Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cache.Close()

	if !opened {
		t.Error("override factory should be the one invoked")
	}
}

func TestRegistry_IndependentInstances(t *testing.T) {
	a := NewRegistry[int]()
	b := NewRegistry[int]()

	if err := a.Register("only-a", func(_ context.Context, _ Config) (Backend[int], error) {
		return NewMemory[int](), nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if slices.Contains(b.Backends(), "only-a") {
		t.Error("registration in one registry must not leak into another")
	}
}
