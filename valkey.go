package strata

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Valkey implements Backend against a Valkey or Redis server. Every key
// is namespaced with a prefix so multiple caches can share one server.
// TTL, expiry, and NX semantics are delegated to the server, so this
// engine needs no sweeper and no process-local eviction: capacity is the
// server's concern.
type Valkey[V any] struct {
	client    valkey.Client
	prefix    string
	codec     Codec
	closeOnce sync.Once
}

// NewValkey connects to addr ("host:port", defaulting to
// "localhost:6379") and verifies connectivity with PING.
func NewValkey[V any](ctx context.Context, addr string, opts ...Option) (*Valkey[V], error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	o := newOptions(0, opts)

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, connectionErr("create client for "+addr, err)
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, connectionErr("ping "+addr, err)
	}

	return &Valkey[V]{
		client: client,
		prefix: o.prefix,
		codec:  o.codec,
	}, nil
}

func (r *Valkey[V]) makeKey(key string) string {
	return r.prefix + key
}

// Get retrieves the value for key. The server has already dropped
// expired keys, so a nil reply is simply a miss.
func (r *Valkey[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	data, err := r.client.Do(ctx, r.client.B().Get().Key(r.makeKey(key)).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return zero, false, nil
		}
		return zero, false, backendErr("get "+key, err)
	}

	var value V
	if err := r.codec.Unmarshal([]byte(data), &value); err != nil {
		return zero, false, serializationErr("decode "+key, err)
	}
	return value, true, nil
}

// Set stores value under key, with a server-side TTL when ttl is
// positive.
func (r *Valkey[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := r.codec.Marshal(value)
	if err != nil {
		return serializationErr("encode "+key, err)
	}

	var cmd valkey.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(r.makeKey(key)).Value(string(data)).Px(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(r.makeKey(key)).Value(string(data)).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return backendErr("set "+key, err)
	}
	return nil
}

// SetNX stores value only if key is absent, atomically on the server.
// A nil reply means the key already existed.
func (r *Valkey[V]) SetNX(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	data, err := r.codec.Marshal(value)
	if err != nil {
		return false, serializationErr("encode "+key, err)
	}

	var cmd valkey.Completed
	if ttl > 0 {
		cmd = r.client.B().Set().Key(r.makeKey(key)).Value(string(data)).Nx().Px(ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(r.makeKey(key)).Value(string(data)).Nx().Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, backendErr("setnx "+key, err)
	}
	return true, nil
}

// Delete removes key, reporting whether the server held it.
func (r *Valkey[V]) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Del().Key(r.makeKey(key)).Build()).AsInt64()
	if err != nil {
		return false, backendErr("delete "+key, err)
	}
	return n > 0, nil
}

// Exists reports whether key is present, without fetching its value.
func (r *Valkey[V]) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Exists().Key(r.makeKey(key)).Build()).AsInt64()
	if err != nil {
		return false, backendErr("exists "+key, err)
	}
	return n > 0, nil
}

// Clear removes every key under this cache's prefix with a SCAN and DEL
// loop. Other prefixes on the server are untouched.
func (r *Valkey[V]) Clear(ctx context.Context) error {
	pat := r.prefix + "*"
	var cursor uint64

	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(pat).Count(defaultScanCount).Build()
		scan, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return backendErr("scan keys", err)
		}
		if len(scan.Elements) > 0 {
			del := r.client.B().Del().Key(scan.Elements...).Build()
			if err := r.client.Do(ctx, del).Error(); err != nil {
				return backendErr("delete keys", err)
			}
		}
		cursor = scan.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// GetMany retrieves all keys with one MGET.
func (r *Valkey[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	result := make(map[string]V, len(keys))
	if len(keys) == 0 {
		return result, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.makeKey(key)
	}

	replies, err := r.client.Do(ctx, r.client.B().Mget().Key(prefixed...).Build()).ToArray()
	if err != nil {
		return nil, backendErr("mget", err)
	}
	for i, reply := range replies {
		data, err := reply.ToString()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				continue
			}
			return nil, backendErr("mget "+keys[i], err)
		}
		var value V
		if err := r.codec.Unmarshal([]byte(data), &value); err != nil {
			return nil, serializationErr("decode "+keys[i], err)
		}
		result[keys[i]] = value
	}
	return result, nil
}

// SetMany stores every pair with one shared ttl in a single pipeline.
func (r *Valkey[V]) SetMany(ctx context.Context, values map[string]V, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}

	cmds := make([]valkey.Completed, 0, len(values))
	for key, value := range values {
		data, err := r.codec.Marshal(value)
		if err != nil {
			return serializationErr("encode "+key, err)
		}
		if ttl > 0 {
			cmds = append(cmds, r.client.B().Set().Key(r.makeKey(key)).Value(string(data)).Px(ttl).Build())
		} else {
			cmds = append(cmds, r.client.B().Set().Key(r.makeKey(key)).Value(string(data)).Build())
		}
	}
	for _, resp := range r.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return backendErr("set many", err)
		}
	}
	return nil
}

// DeleteMany removes keys with one multi-key DEL, returning how many the
// server held.
func (r *Valkey[V]) DeleteMany(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = r.makeKey(key)
	}
	n, err := r.client.Do(ctx, r.client.B().Del().Key(prefixed...).Build()).AsInt64()
	if err != nil {
		return 0, backendErr("delete many", err)
	}
	return int(n), nil
}

// Keys runs one SCAN step with the server's native cursor. The pattern
// uses glob syntax, matched server-side against the prefixed key; the
// returned names have the prefix stripped. SCAN's count is a hint, so a
// step that returns more than the requested page is truncated. The
// truncated keys are not revisited by the server cursor, so traversal
// completeness is best-effort; size pages generously when that matters.
func (r *Valkey[V]) Keys(ctx context.Context, pattern string, cursor uint64, count, maxKeys int) (KeysPage, error) {
	if count <= 0 {
		count = defaultScanCount
	}

	cmd := r.client.B().Scan().Cursor(cursor).Match(r.prefix + pattern).Count(int64(count)).Build()
	scan, err := r.client.Do(ctx, cmd).AsScanEntry()
	if err != nil {
		return KeysPage{}, backendErr("scan keys", err)
	}

	keys := make([]string, 0, len(scan.Elements))
	for _, vk := range scan.Elements {
		keys = append(keys, strings.TrimPrefix(vk, r.prefix))
	}
	if len(keys) > count {
		keys = keys[:count]
	}
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}

	return KeysPage{
		Keys:         keys,
		Cursor:       scan.Cursor,
		HasMore:      scan.Cursor != 0,
		TotalScanned: len(keys),
	}, nil
}

// TTL returns the remaining lifetime of key via PTTL.
func (r *Valkey[V]) TTL(ctx context.Context, key string) (time.Duration, error) {
	ms, err := r.client.Do(ctx, r.client.B().Pttl().Key(r.makeKey(key)).Build()).AsInt64()
	if err != nil {
		return TTLNotFound, backendErr("ttl "+key, err)
	}
	switch {
	case ms == -2:
		return TTLNotFound, nil
	case ms == -1:
		return TTLNoExpiry, nil
	default:
		return time.Duration(ms) * time.Millisecond, nil
	}
}

// Len counts the keys under this cache's prefix with a full SCAN pass.
func (r *Valkey[V]) Len(ctx context.Context) (int, error) {
	pat := r.prefix + "*"
	n := 0
	var cursor uint64

	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(pat).Count(defaultScanCount).Build()
		scan, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return 0, backendErr("scan keys", err)
		}
		n += len(scan.Elements)
		cursor = scan.Cursor
		if cursor == 0 {
			return n, nil
		}
	}
}

// CheckHealth probes the engine, converting any failure into false.
func (r *Valkey[V]) CheckHealth(ctx context.Context) bool {
	return probeHealth[V](ctx, r)
}

// Close releases the client. Idempotent.
func (r *Valkey[V]) Close() error {
	r.closeOnce.Do(r.client.Close)
	return nil
}
