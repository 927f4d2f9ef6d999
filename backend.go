// Package strata provides a pluggable cache backend engine: one key/value
// contract with expiration and LRU eviction, implemented over in-process
// memory, an embedded SQLite store, and a remote Valkey/Redis server, plus
// a TTL-based distributed lock built on that contract.
package strata

import (
	"context"
	"time"
)

// TTL sentinels returned by Backend.TTL. Two distinct values keep "stored
// without expiry" and "not stored at all" distinguishable.
const (
	// TTLNoExpiry reports that a live entry exists and never expires.
	TTLNoExpiry = -1 * time.Second
	// TTLNotFound reports that no live entry exists for the key.
	TTLNotFound = -2 * time.Second
)

// defaultScanCount is the page size used by Keys when the caller passes a
// non-positive count.
const defaultScanCount = 100

// Backend is the contract every cache engine satisfies.
//
// Every method takes a context and serves as both calling conventions: the
// call blocks the calling goroutine, and engines that perform I/O honor
// cancellation at each suspension point. A ttl of zero or less means the
// entry never expires.
//
// A cache miss is never an error. Errors are reserved for storage, codec,
// and connection failures, and always wrap exactly one of ErrBackend,
// ErrSerialization, or ErrConnection.
type Backend[V any] interface {
	// Get returns the live value stored under key and refreshes its LRU
	// position. A missing or expired key yields (zero, false, nil).
	Get(ctx context.Context, key string) (V, bool, error)

	// Set stores value under key, overwriting any previous entry together
	// with its expiry and access time.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error

	// SetNX stores value only if no live entry exists for key, as a single
	// logical step. It reports false, leaving the store untouched, when a
	// live entry is present.
	SetNX(ctx context.Context, key string, value V, ttl time.Duration) (bool, error)

	// Delete removes key and reports whether a live entry was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether a live entry exists for key, applying the
	// same lazy-expiry check as Get.
	Exists(ctx context.Context, key string) (bool, error)

	// Clear removes every entry. Irreversible.
	Clear(ctx context.Context) error

	// GetMany returns the live values for keys. Absent and expired keys
	// are omitted from the result, never an error.
	GetMany(ctx context.Context, keys []string) (map[string]V, error)

	// SetMany stores every pair in values with one shared ttl.
	SetMany(ctx context.Context, values map[string]V, ttl time.Duration) error

	// DeleteMany removes keys and returns how many live entries were
	// removed.
	DeleteMany(ctx context.Context, keys []string) (int, error)

	// Keys scans live keys matching a glob pattern ('*' matches any run,
	// '?' a single character). cursor resumes a prior scan, 0 starts one;
	// count is the page size and maxKeys caps it. One full cursor
	// traversal of an unmodified store returns each matching key exactly
	// once; under concurrent mutation the traversal is best-effort.
	Keys(ctx context.Context, pattern string, cursor uint64, count, maxKeys int) (KeysPage, error)

	// TTL returns the remaining lifetime of key, TTLNoExpiry for a live
	// entry without expiry, or TTLNotFound when no live entry exists.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Len returns the number of physically stored entries, expired but
	// not yet swept ones included. Diagnostic.
	Len(ctx context.Context) (int, error)

	// CheckHealth probes the backend with a write/read/delete round trip
	// on a sentinel key, converting every failure into false.
	CheckHealth(ctx context.Context) bool

	// Close releases all resources held by the engine, including any
	// background sweeper. Safe to call more than once.
	Close() error
}

// KeysPage is one page of a cursor-driven key scan.
type KeysPage struct {
	Keys         []string // live keys on this page, prefix-free
	Cursor       uint64   // resumption token; 0 when the scan is complete
	HasMore      bool     // whether another page remains
	TotalScanned int      // keys returned on this page, always len(Keys)
}
