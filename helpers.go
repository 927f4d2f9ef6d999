package strata

import (
	"context"
	"time"
)

// The built-in engines all have native batch primitives (a single lock
// hold, a multi-row transaction, a pipeline). GetEach, SetEach, and
// DeleteEach supply the batch operations in terms of the single-key ones
// for custom Backend implementations that do not; their observable results
// equal the sequential application of the single-key operations.

// GetEach implements GetMany by calling Get per key. Absent keys are
// omitted from the result.
func GetEach[V any](ctx context.Context, b Backend[V], keys []string) (map[string]V, error) {
	result := make(map[string]V, len(keys))
	for _, key := range keys {
		value, found, err := b.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if found {
			result[key] = value
		}
	}
	return result, nil
}

// SetEach implements SetMany by calling Set per pair.
func SetEach[V any](ctx context.Context, b Backend[V], values map[string]V, ttl time.Duration) error {
	for key, value := range values {
		if err := b.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEach implements DeleteMany by calling Delete per key, returning
// how many live entries were removed.
func DeleteEach[V any](ctx context.Context, b Backend[V], keys []string) (int, error) {
	removed := 0
	for _, key := range keys {
		ok, err := b.Delete(ctx, key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// probeHealth exercises a write/read/delete round trip on a sentinel key.
// Every engine's CheckHealth delegates here; any failure is false.
func probeHealth[V any](ctx context.Context, b Backend[V]) bool {
	var probe V
	if err := b.Set(ctx, healthProbeKey, probe, healthProbeTTL); err != nil {
		return false
	}
	_, found, err := b.Get(ctx, healthProbeKey)
	if err != nil || !found {
		return false
	}
	if _, err := b.Delete(ctx, healthProbeKey); err != nil {
		return false
	}
	return true
}

// pageKeys slices one offset-cursor page out of an already-filtered key
// set. Used by the engines whose scans materialize matches up front.
func pageKeys(matched []string, cursor uint64, count, maxKeys int) KeysPage {
	total := len(matched)
	start := int(cursor)
	if start > total {
		start = total
	}
	end := start + count
	if maxKeys > 0 && end > start+maxKeys {
		end = start + maxKeys
	}
	if end > total {
		end = total
	}
	var next uint64
	if end < total {
		next = uint64(end)
	}
	return KeysPage{
		Keys:         append([]string(nil), matched[start:end]...),
		Cursor:       next,
		HasMore:      next > 0,
		TotalScanned: end - start,
	}
}

// expired reports whether an absolute expiry (zero means never) has passed.
func expired(at, now time.Time) bool {
	return !at.IsZero() && now.After(at)
}
