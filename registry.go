package strata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownBackend is returned by Open for a name with no registered
// factory.
var ErrUnknownBackend = errors.New("strata: unknown backend")

// Config carries the engine settings a factory may need. Fields that do
// not apply to an engine are ignored by its factory; zero values mean
// "use the engine default".
type Config struct {
	// Path is the database file location for the sqlite engine.
	Path string
	// Addr is the server address for the valkey engine.
	Addr string
	// Prefix overrides the valkey key namespace.
	Prefix string
	// MaxSize overrides the LRU capacity. Zero keeps the engine default
	// and negative disables the bound; the fail-all zero-capacity mode
	// is reachable only by passing WithMaxSize(0) to an engine
	// constructor directly.
	MaxSize int
	// CleanupInterval overrides the expiry sweeper period.
	CleanupInterval time.Duration
	// Codec overrides the value codec for engines that store bytes.
	Codec Codec
	// HotReload enables database-file change detection on the sqlite
	// engine.
	HotReload bool
}

// options converts the set fields into engine options.
func (c Config) options() []Option {
	var opts []Option
	if c.MaxSize != 0 {
		opts = append(opts, WithMaxSize(c.MaxSize))
	}
	if c.CleanupInterval != 0 {
		opts = append(opts, WithCleanupInterval(c.CleanupInterval))
	}
	if c.Codec != nil {
		opts = append(opts, WithCodec(c.Codec))
	}
	if c.Prefix != "" {
		opts = append(opts, WithPrefix(c.Prefix))
	}
	if c.HotReload {
		opts = append(opts, WithHotReload())
	}
	return opts
}

// Factory builds a backend from a Config.
type Factory[V any] func(ctx context.Context, cfg Config) (Backend[V], error)

// Registry maps backend names to factories so callers can choose an
// engine by configuration string. Each Registry is an independent value;
// construct one per value type in use. Safe for concurrent use.
type Registry[V any] struct {
	mu        sync.RWMutex
	factories map[string]Factory[V]
}

// NewRegistry returns a registry with the built-in engines registered
// under "memory", "sqlite", and "valkey".
func NewRegistry[V any]() *Registry[V] {
	r := &Registry[V]{factories: make(map[string]Factory[V])}
	r.factories["memory"] = func(_ context.Context, cfg Config) (Backend[V], error) {
		return NewMemory[V](cfg.options()...), nil
	}
	r.factories["sqlite"] = func(ctx context.Context, cfg Config) (Backend[V], error) {
		if cfg.Path == "" {
			return nil, backendErr("open sqlite", errors.New("config path is empty"))
		}
		return NewSQLite[V](ctx, cfg.Path, cfg.options()...)
	}
	r.factories["valkey"] = func(ctx context.Context, cfg Config) (Backend[V], error) {
		return NewValkey[V](ctx, cfg.Addr, cfg.options()...)
	}
	return r
}

// normalizeName canonicalizes a backend name for lookup.
func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds a factory under name, failing if the name is taken.
// Names are case-insensitive.
func (r *Registry[V]) Register(name string, f Factory[V]) error {
	name = normalizeName(name)
	if name == "" {
		return errors.New("strata: backend name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("strata: backend %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// RegisterOverride adds a factory under name, replacing any existing
// registration. Use it to swap a built-in engine for a custom one.
func (r *Registry[V]) RegisterOverride(name string, f Factory[V]) {
	name = normalizeName(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Open builds the backend registered under name.
func (r *Registry[V]) Open(ctx context.Context, name string, cfg Config) (Backend[V], error) {
	r.mu.RLock()
	f, ok := r.factories[normalizeName(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return f(ctx, cfg)
}

// Backends returns the registered names, sorted.
func (r *Registry[V]) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
