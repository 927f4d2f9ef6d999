package strata

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"
)

var errZeroCapacity = errors.New("cache capacity is zero")

// memEntry is one stored entry on the LRU list.
type memEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time // zero means never
}

// Memory implements Backend with a map into an LRU-ordered list, guarded
// by one mutex. Operations are O(1) and memory-only, so a single coarse
// lock is cheap; the context parameters exist for contract uniformity and
// never block. Values are held directly, with no codec round trip.
type Memory[V any] struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = oldest touched, back = most recently
	maxSize int

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// NewMemory creates an in-memory backend and starts its expiry sweeper.
func NewMemory[V any](opts ...Option) *Memory[V] {
	o := newOptions(defaultMemoryCleanup, opts)
	m := &Memory[V]{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxSize:    o.maxSize,
		sweepEvery: o.cleanupInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Get returns the live value for key, moving it to the most-recently-used
// end. An expired entry is removed on the spot.
func (m *Memory[V]) Get(_ context.Context, key string) (V, bool, error) {
	var zero V

	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return zero, false, nil
	}
	ent := el.Value.(*memEntry[V])
	if expired(ent.expiresAt, time.Now()) {
		m.removeLocked(el)
		return zero, false, nil
	}
	m.lru.MoveToBack(el)
	return ent.value, true, nil
}

// Set stores value under key. A new key in a full cache evicts the entry
// at the LRU end first; updating an existing key never evicts.
func (m *Memory[V]) Set(_ context.Context, key string, value V, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.setLocked(key, value, ttl, time.Now()) {
		return backendErr("set "+key, errZeroCapacity)
	}
	return nil
}

// SetNX stores value only if no live entry exists for key. The liveness
// check and the write happen under one lock hold, so concurrent SetNX
// calls cannot both win.
func (m *Memory[V]) SetNX(_ context.Context, key string, value V, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if el, ok := m.entries[key]; ok {
		if !expired(el.Value.(*memEntry[V]).expiresAt, now) {
			return false, nil
		}
		// Expired entry is logically absent; drop it and write.
		m.removeLocked(el)
	}
	if !m.setLocked(key, value, ttl, now) {
		return false, backendErr("setnx "+key, errZeroCapacity)
	}
	return true, nil
}

// Delete removes key, reporting whether a live entry was removed.
func (m *Memory[V]) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	live := !expired(el.Value.(*memEntry[V]).expiresAt, time.Now())
	m.removeLocked(el)
	return live, nil
}

// Exists reports whether a live entry exists for key. It applies the
// same lazy-expiry check as Get but leaves the LRU position alone.
func (m *Memory[V]) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if expired(el.Value.(*memEntry[V]).expiresAt, time.Now()) {
		m.removeLocked(el)
		return false, nil
	}
	return true, nil
}

// Clear removes every entry.
func (m *Memory[V]) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*list.Element)
	m.lru.Init()
	return nil
}

// GetMany returns the live values for keys under a single lock hold.
func (m *Memory[V]) GetMany(_ context.Context, keys []string) (map[string]V, error) {
	result := make(map[string]V, len(keys))
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		el, ok := m.entries[key]
		if !ok {
			continue
		}
		ent := el.Value.(*memEntry[V])
		if expired(ent.expiresAt, now) {
			m.removeLocked(el)
			continue
		}
		m.lru.MoveToBack(el)
		result[key] = ent.value
	}
	return result, nil
}

// SetMany stores every pair under a single lock hold with one shared ttl.
func (m *Memory[V]) SetMany(_ context.Context, values map[string]V, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for key, value := range values {
		if !m.setLocked(key, value, ttl, now) {
			return backendErr("set "+key, errZeroCapacity)
		}
	}
	return nil
}

// DeleteMany removes keys under a single lock hold, returning how many
// live entries were removed.
func (m *Memory[V]) DeleteMany(_ context.Context, keys []string) (int, error) {
	removed := 0
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		el, ok := m.entries[key]
		if !ok {
			continue
		}
		if !expired(el.Value.(*memEntry[V]).expiresAt, now) {
			removed++
		}
		m.removeLocked(el)
	}
	return removed, nil
}

// Keys scans live keys in LRU order, glob-filters them, and returns one
// offset-cursor page.
func (m *Memory[V]) Keys(_ context.Context, pattern string, cursor uint64, count, maxKeys int) (KeysPage, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return KeysPage{}, backendErr("compile pattern "+pattern, err)
	}
	if count <= 0 {
		count = defaultScanCount
	}

	now := time.Now()
	m.mu.Lock()
	matched := make([]string, 0, len(m.entries))
	for el := m.lru.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*memEntry[V])
		if expired(ent.expiresAt, now) {
			continue
		}
		if pattern == "*" || g.Match(ent.key) {
			matched = append(matched, ent.key)
		}
	}
	m.mu.Unlock()

	return pageKeys(matched, cursor, count, maxKeys), nil
}

// TTL returns the remaining lifetime of key.
func (m *Memory[V]) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return TTLNotFound, nil
	}
	ent := el.Value.(*memEntry[V])
	if ent.expiresAt.IsZero() {
		return TTLNoExpiry, nil
	}
	remaining := time.Until(ent.expiresAt)
	if remaining <= 0 {
		return TTLNotFound, nil
	}
	return remaining, nil
}

// Len returns the number of stored entries, expired but unswept included.
func (m *Memory[V]) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len(), nil
}

// CheckHealth probes the engine, converting any failure into false.
func (m *Memory[V]) CheckHealth(ctx context.Context) bool {
	return probeHealth[V](ctx, m)
}

// Close stops the sweeper and waits for it with a bounded timeout.
// Idempotent.
func (m *Memory[V]) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	select {
	case <-m.done:
	case <-time.After(sweeperCloseTimeout):
		slog.Warn("memory cache sweeper did not stop in time")
	}
	return nil
}

// setLocked inserts or updates key. Callers hold m.mu. Reports false only
// when the configured capacity is zero; nothing is mutated in that case.
func (m *Memory[V]) setLocked(key string, value V, ttl time.Duration, now time.Time) bool {
	if m.maxSize == 0 {
		return false
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	if el, ok := m.entries[key]; ok {
		// Size is unchanged on update, so no eviction check.
		ent := el.Value.(*memEntry[V])
		ent.value = value
		ent.expiresAt = expiresAt
		m.lru.MoveToBack(el)
		return true
	}

	if m.maxSize > 0 && m.lru.Len() >= m.maxSize {
		if oldest := m.lru.Front(); oldest != nil {
			m.removeLocked(oldest)
		}
	}
	m.entries[key] = m.lru.PushBack(&memEntry[V]{key: key, value: value, expiresAt: expiresAt})
	return true
}

func (m *Memory[V]) removeLocked(el *list.Element) {
	delete(m.entries, el.Value.(*memEntry[V]).key)
	m.lru.Remove(el)
}

// sweep removes expired entries every sweepEvery, independent of access
// patterns, bounding memory growth from write-only keys.
func (m *Memory[V]) sweep() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			removed := 0
			var next *list.Element
			for el := m.lru.Front(); el != nil; el = next {
				next = el.Next()
				if expired(el.Value.(*memEntry[V]).expiresAt, now) {
					m.removeLocked(el)
					removed++
				}
			}
			m.mu.Unlock()
			if removed > 0 {
				slog.Debug("memory cache sweep complete", "removed", removed)
			}
		}
	}
}
