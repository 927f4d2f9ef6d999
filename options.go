package strata

import "time"

// Engine defaults.
const (
	defaultMaxSize       = 10000
	defaultMemoryCleanup = time.Minute
	defaultSQLiteCleanup = 5 * time.Minute
	defaultValkeyPrefix  = "strata:"
	sweeperCloseTimeout  = time.Second
	healthProbeTTL       = time.Second
	healthProbeKey       = "__strata_health__"
)

type options struct {
	maxSize         int
	cleanupInterval time.Duration
	codec           Codec
	prefix          string
	hotReload       bool
}

// Option configures an engine constructor.
type Option func(*options)

func newOptions(cleanup time.Duration, opts []Option) *options {
	o := &options{
		maxSize:         defaultMaxSize,
		cleanupInterval: cleanup,
		codec:           JSONCodec{},
		prefix:          defaultValkeyPrefix,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithMaxSize sets the entry capacity that triggers LRU eviction when an
// insert would exceed it. A capacity of zero makes every Set fail; a
// negative capacity disables the bound entirely. Default is 10000.
func WithMaxSize(n int) Option {
	return func(o *options) {
		o.maxSize = n
	}
}

// WithCleanupInterval sets how often the background sweeper removes
// expired entries. Defaults: one minute for the memory engine, five
// minutes for the SQLite engine.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		o.cleanupInterval = d
	}
}

// WithCodec sets the value codec for engines that store bytes.
// Default is JSONCodec.
func WithCodec(c Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithPrefix sets the key namespace prefix the Valkey engine prepends to
// every key it sends. Default is "strata:".
func WithPrefix(p string) Option {
	return func(o *options) {
		o.prefix = p
	}
}

// WithHotReload makes the SQLite engine watch the database file's
// modification time on reads. Purely a diagnostic signal for external
// writes; the database is always the source of truth.
func WithHotReload() Option {
	return func(o *options) {
		o.hotReload = true
	}
}
