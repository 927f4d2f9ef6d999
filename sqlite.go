package strata

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite" // database/sql driver
)

// schemaStatements create the durable layout. The table shape is part of
// the on-disk compatibility contract and must not change: expires_at is
// absolute epoch seconds with NULL meaning never, last_access drives LRU
// eviction, created_at is immutable diagnostics.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		expires_at REAL,
		last_access REAL NOT NULL,
		created_at REAL NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_expires_at
		ON cache_entries(expires_at) WHERE expires_at IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_last_access
		ON cache_entries(last_access)`,
}

// SQLite implements Backend over a durable SQLite table. The database is
// opened in WAL journal mode so readers are not blocked by the writer.
// A process-local mutex serializes the engine's multi-statement write
// sequences (the NX check-then-insert and the post-insert eviction pass)
// against same-process callers; cross-process NX atomicity rests on
// SQLite's transaction isolation and is best-effort under heavy
// multi-process contention.
type SQLite[V any] struct {
	db      *sql.DB
	path    string
	codec   Codec
	maxSize int

	writeMu sync.Mutex // serializes multi-statement write sequences

	hotReload  bool
	mtimeMu    sync.Mutex
	mtime      time.Time
	lastReload time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
}

// NewSQLite opens (creating if needed) the database at path, applies the
// schema, and starts the expiry sweeper.
func NewSQLite[V any](ctx context.Context, path string, opts ...Option) (*SQLite[V], error) {
	o := newOptions(defaultSQLiteCleanup, opts)

	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, backendErr("open database "+path, err)
	}
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, backendErr("init schema", err)
		}
	}

	s := &SQLite[V]{
		db:         db,
		path:       path,
		codec:      o.codec,
		maxSize:    o.maxSize,
		hotReload:  o.hotReload,
		sweepEvery: o.cleanupInterval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if fi, err := os.Stat(path); err == nil {
		s.mtime = fi.ModTime()
	}
	go s.sweep()
	return s, nil
}

// Get reads the row for key. An expired row is deleted and reported as a
// miss; a live row has its last_access touched. Both happen inside one
// transaction so a concurrent eviction pass cannot produce a torn read.
func (s *SQLite[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V

	if s.hotReload {
		s.checkHotReload()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, false, backendErr("begin get", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var data []byte
	var expiresAt sql.NullFloat64
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, backendErr("select "+key, err)
	}

	now := epochSeconds(time.Now())
	if expiresAt.Valid && now > expiresAt.Float64 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return zero, false, backendErr("delete expired "+key, err)
		}
		if err := tx.Commit(); err != nil {
			return zero, false, backendErr("commit get", err)
		}
		return zero, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE cache_entries SET last_access = ? WHERE key = ?`, now, key); err != nil {
		return zero, false, backendErr("touch "+key, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, false, backendErr("commit get", err)
	}

	var value V
	if err := s.codec.Unmarshal(data, &value); err != nil {
		return zero, false, serializationErr("decode "+key, err)
	}
	return value, true, nil
}

// Set upserts the row for key and runs the eviction pass in the same
// transaction.
func (s *SQLite[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return serializationErr("encode "+key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.upsert(ctx, key, data, ttl, false)
	return err
}

// SetNX stores value only if no live row exists for key. The liveness
// check and the insert share one transaction plus the engine's write
// mutex; see the type comment for the multi-process caveat.
func (s *SQLite[V]) SetNX(ctx context.Context, key string, value V, ttl time.Duration) (bool, error) {
	data, err := s.codec.Marshal(value)
	if err != nil {
		return false, serializationErr("encode "+key, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.upsert(ctx, key, data, ttl, true)
}

// upsert writes one row and evicts down to capacity in one transaction.
// With nx it first checks for a live row and reports false without
// writing. Callers hold writeMu.
func (s *SQLite[V]) upsert(ctx context.Context, key string, data []byte, ttl time.Duration, nx bool) (bool, error) {
	if s.maxSize == 0 {
		return false, backendErr("set "+key, errZeroCapacity)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, backendErr("begin set", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := epochSeconds(time.Now())
	if nx {
		var n int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM cache_entries
			 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
			key, now,
		).Scan(&n)
		if err != nil {
			return false, backendErr("nx check "+key, err)
		}
		if n > 0 {
			return false, nil
		}
	}

	var expiresAt any
	if ttl > 0 {
		expiresAt = now + ttl.Seconds()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries
		 (key, value, expires_at, last_access, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		key, data, expiresAt, now, now); err != nil {
		return false, backendErr("upsert "+key, err)
	}

	if err := s.evictTx(ctx, tx); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, backendErr("commit set", err)
	}
	return true, nil
}

// evictTx deletes the rows with the smallest last_access when the table
// exceeds capacity. The row just written carries the newest last_access,
// so it is never the one evicted. A non-positive capacity never evicts:
// zero is rejected before any write, negative means unbounded.
func (s *SQLite[V]) evictTx(ctx context.Context, tx *sql.Tx) error {
	if s.maxSize <= 0 {
		return nil
	}
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		return backendErr("count entries", err)
	}
	if count <= s.maxSize {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key IN (
			SELECT key FROM cache_entries ORDER BY last_access ASC LIMIT ?
		)`, count-s.maxSize); err != nil {
		return backendErr("evict entries", err)
	}
	return nil
}

// Delete removes key, reporting whether a live row was removed. A stale
// expired row is dropped either way.
func (s *SQLite[V]) Delete(ctx context.Context, key string) (bool, error) {
	now := epochSeconds(time.Now())
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`, key, now)
	if err != nil {
		return false, backendErr("delete "+key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backendErr("delete "+key, err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return false, backendErr("delete "+key, err)
	}
	return false, nil
}

// Exists reports whether a live row exists for key without touching its
// LRU position.
func (s *SQLite[V]) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries
		 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, epochSeconds(time.Now()),
	).Scan(&n)
	if err != nil {
		return false, backendErr("exists "+key, err)
	}
	return n > 0, nil
}

// Clear removes every row.
func (s *SQLite[V]) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return backendErr("clear entries", err)
	}
	return nil
}

// GetMany reads all keys inside one transaction, applying the same
// expired-delete and last_access touch per row as Get.
func (s *SQLite[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	result := make(map[string]V, len(keys))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, backendErr("begin get_many", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := epochSeconds(time.Now())
	for _, key := range keys {
		var data []byte
		var expiresAt sql.NullFloat64
		err := tx.QueryRowContext(ctx,
			`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
		).Scan(&data, &expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, backendErr("select "+key, err)
		}
		if expiresAt.Valid && now > expiresAt.Float64 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
				return nil, backendErr("delete expired "+key, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE cache_entries SET last_access = ? WHERE key = ?`, now, key); err != nil {
			return nil, backendErr("touch "+key, err)
		}
		var value V
		if err := s.codec.Unmarshal(data, &value); err != nil {
			return nil, serializationErr("decode "+key, err)
		}
		result[key] = value
	}

	if err := tx.Commit(); err != nil {
		return nil, backendErr("commit get_many", err)
	}
	return result, nil
}

// SetMany upserts every pair in one transaction with one shared ttl,
// running a single eviction pass at the end.
func (s *SQLite[V]) SetMany(ctx context.Context, values map[string]V, ttl time.Duration) error {
	if s.maxSize == 0 && len(values) > 0 {
		return backendErr("set many", errZeroCapacity)
	}

	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		data, err := s.codec.Marshal(value)
		if err != nil {
			return serializationErr("encode "+key, err)
		}
		encoded[key] = data
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return backendErr("begin set_many", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := epochSeconds(time.Now())
	var expiresAt any
	if ttl > 0 {
		expiresAt = now + ttl.Seconds()
	}
	for key, data := range encoded {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO cache_entries
			 (key, value, expires_at, last_access, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			key, data, expiresAt, now, now); err != nil {
			return backendErr("upsert "+key, err)
		}
	}
	if err := s.evictTx(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return backendErr("commit set_many", err)
	}
	return nil
}

// DeleteMany removes keys in one transaction, returning how many live
// rows were removed.
func (s *SQLite[V]) DeleteMany(ctx context.Context, keys []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, backendErr("begin delete_many", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	removed := 0
	now := epochSeconds(time.Now())
	for _, key := range keys {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries
			 WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`, key, now)
		if err != nil {
			return removed, backendErr("delete "+key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return removed, backendErr("delete "+key, err)
		}
		if n > 0 {
			removed++
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
			return removed, backendErr("delete "+key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return removed, backendErr("commit delete_many", err)
	}
	return removed, nil
}

// Keys selects live keys matching pattern with SQLite's native GLOB
// operator, in key order, and returns one offset-cursor page.
func (s *SQLite[V]) Keys(ctx context.Context, pattern string, cursor uint64, count, maxKeys int) (KeysPage, error) {
	if count <= 0 {
		count = defaultScanCount
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM cache_entries
		 WHERE (expires_at IS NULL OR expires_at > ?) AND key GLOB ?
		 ORDER BY key`,
		epochSeconds(time.Now()), pattern)
	if err != nil {
		return KeysPage{}, backendErr("scan keys", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var matched []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return KeysPage{}, backendErr("scan keys", err)
		}
		matched = append(matched, key)
	}
	if err := rows.Err(); err != nil {
		return KeysPage{}, backendErr("scan keys", err)
	}

	return pageKeys(matched, cursor, count, maxKeys), nil
}

// TTL returns the remaining lifetime of key.
func (s *SQLite[V]) TTL(ctx context.Context, key string) (time.Duration, error) {
	var expiresAt sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TTLNotFound, nil
	}
	if err != nil {
		return TTLNotFound, backendErr("ttl "+key, err)
	}
	if !expiresAt.Valid {
		return TTLNoExpiry, nil
	}
	remaining := expiresAt.Float64 - epochSeconds(time.Now())
	if remaining <= 0 {
		return TTLNotFound, nil
	}
	return time.Duration(remaining * float64(time.Second)), nil
}

// Len returns the number of stored rows, expired but unswept included.
func (s *SQLite[V]) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, backendErr("count entries", err)
	}
	return n, nil
}

// CheckHealth probes the engine, converting any failure into false.
func (s *SQLite[V]) CheckHealth(ctx context.Context) bool {
	return probeHealth[V](ctx, s)
}

// LastReload returns when an external change to the database file was
// last observed via hot-reload polling. Zero if never, or if hot reload
// is disabled.
func (s *SQLite[V]) LastReload() time.Time {
	s.mtimeMu.Lock()
	defer s.mtimeMu.Unlock()
	return s.lastReload
}

// Close stops the sweeper (bounded wait) and releases the database
// handle. Idempotent.
func (s *SQLite[V]) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	select {
	case <-s.done:
	case <-time.After(sweeperCloseTimeout):
		slog.Warn("sqlite cache sweeper did not stop in time", "path", s.path)
	}
	if err := s.db.Close(); err != nil {
		return backendErr("close database", err)
	}
	return nil
}

// checkHotReload compares the database file's mtime to the last observed
// value. The record is informational only: SQLite remains the source of
// truth, so an external write needs no reaction beyond the signal.
func (s *SQLite[V]) checkHotReload() {
	fi, err := os.Stat(s.path)
	if err != nil {
		return
	}
	s.mtimeMu.Lock()
	defer s.mtimeMu.Unlock()
	if fi.ModTime().After(s.mtime) {
		s.mtime = fi.ModTime()
		s.lastReload = time.Now()
		slog.Debug("cache database changed on disk", "path", s.path)
	}
}

// sweep deletes expired rows every sweepEvery, independent of reads.
func (s *SQLite[V]) sweep() {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			res, err := s.db.Exec(
				`DELETE FROM cache_entries
				 WHERE expires_at IS NOT NULL AND expires_at < ?`,
				epochSeconds(now))
			if err != nil {
				slog.Warn("sqlite cache sweep failed", "path", s.path, "error", err)
				continue
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				slog.Debug("sqlite cache sweep complete", "removed", n)
			}
		}
	}
}

// epochSeconds converts a time to the REAL epoch-seconds representation
// the schema stores.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
