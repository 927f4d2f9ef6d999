package strata

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	lockPrefix       = "lock:"
	lockPollInterval = 10 * time.Millisecond
	defaultLockTTL   = 10 * time.Second
)

// ErrLockNotAcquired is returned by Do when the lock cannot be taken
// within the wait budget.
var ErrLockNotAcquired = errors.New("strata: lock not acquired")

// Lock is a TTL-based mutual exclusion primitive over any Backend. The
// lock entry's value is a random token identifying this holder, and its
// TTL bounds how long a crashed holder can block others. Mutual
// exclusion is as strong as the backend's SetNX: exact on the memory
// and valkey engines, best-effort across processes on sqlite.
//
// Release reads the owner token and then deletes, two separate
// operations: if the TTL expires between them and another holder
// acquires, the delete can remove the new holder's entry. Keep lock
// TTLs comfortably longer than the critical section.
type Lock struct {
	backend Backend[string]
	key     string
	token   string
	ttl     time.Duration
	wait    time.Duration // zero means wait forever (Acquire only)

	mu   sync.Mutex
	held bool
}

// LockOption configures a Lock.
type LockOption func(*Lock)

// WithLockTimeout sets the TTL of the lock entry. A holder that never
// releases loses the lock after this long. Default is 10 seconds.
func WithLockTimeout(d time.Duration) LockOption {
	return func(l *Lock) {
		l.ttl = d
	}
}

// WithWaitTimeout bounds how long Acquire polls before giving up.
// Default is to wait until the context ends.
func WithWaitTimeout(d time.Duration) LockOption {
	return func(l *Lock) {
		l.wait = d
	}
}

// NewLock creates a lock named name on b. Locks sharing a backend and a
// name exclude each other; the name is stored under a "lock:" key
// prefix so locks never collide with cache entries.
func NewLock(b Backend[string], name string, opts ...LockOption) *Lock {
	l := &Lock{
		backend: b,
		key:     lockPrefix + name,
		token:   uuid.NewString(),
		ttl:     defaultLockTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire attempts to take the lock once, without blocking.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.backend.SetNX(ctx, l.key, l.token, l.ttl)
	if err != nil {
		return false, err
	}
	if ok {
		l.mu.Lock()
		l.held = true
		l.mu.Unlock()
	}
	return ok, nil
}

// Acquire polls until the lock is taken, the wait timeout elapses
// (false, nil), or ctx ends (false, ctx.Err()).
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	var deadline <-chan time.Time
	if l.wait > 0 {
		timer := time.NewTimer(l.wait)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-ticker.C:
		}
	}
}

// Release drops the lock if this holder still owns it. Releasing a lock
// that was never acquired, or whose TTL already expired, is a no-op.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	held := l.held
	l.held = false
	l.mu.Unlock()
	if !held {
		return nil
	}

	owner, found, err := l.backend.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if !found || owner != l.token {
		// TTL expired, possibly reacquired by someone else.
		return nil
	}
	_, err = l.backend.Delete(ctx, l.key)
	return err
}

// Held reports whether this Lock believes it holds the lock. The belief
// can be stale once the TTL has expired.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Do runs fn while holding the lock, releasing it afterwards. Returns
// ErrLockNotAcquired when the lock cannot be taken.
func (l *Lock) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockNotAcquired
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			slog.Warn("lock release failed", "key", l.key, "error", err)
		}
	}()
	return fn(ctx)
}
