// Package redis implements lock.Locker with redsync on top of a go-redis client,
// so every worker process sharing the redis instance shares the locks.
package redis

import (
	"context"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/pkg/errors"
	goredislib "github.com/redis/go-redis/v9"
	"meow.tf/websubsub/lock"
)

// Option represents a Locker option.
type Option func(l *Locker)

// WithExpiry sets the lock lease length.
func WithExpiry(d time.Duration) Option {
	return func(l *Locker) {
		l.expiry = d
	}
}

// WithRetryDelay sets the delay between attempts in AcquireWait.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Locker) {
		l.retryDelay = d
	}
}

// WithPrefix sets a prefix for every redis key.
func WithPrefix(prefix string) Option {
	return func(l *Locker) {
		l.prefix = prefix
	}
}

// Locker is a redsync backed lock.Locker.
type Locker struct {
	rs         *redsync.Redsync
	expiry     time.Duration
	retryDelay time.Duration
	prefix     string
}

// New creates a Locker using client.
func New(client *goredislib.Client, opts ...Option) *Locker {
	l := &Locker{
		rs:         redsync.New(goredis.NewPool(client)),
		expiry:     lock.DefaultExpiry,
		retryDelay: 250 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// TryAcquire makes a single attempt at the lock.
func (l *Locker) TryAcquire(ctx context.Context, key string) (lock.Handle, bool, error) {
	return l.acquire(ctx, key, 1)
}

// AcquireWait retries every retryDelay until wait is used up.
func (l *Locker) AcquireWait(ctx context.Context, key string, wait time.Duration) (lock.Handle, bool, error) {
	tries := int(wait/l.retryDelay) + 1

	return l.acquire(ctx, key, tries)
}

func (l *Locker) acquire(ctx context.Context, key string, tries int) (lock.Handle, bool, error) {
	m := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(l.retryDelay),
	)

	err := m.LockContext(ctx)

	if err == nil {
		return &handle{m}, true, nil
	}

	if isTaken(err) {
		return nil, false, nil
	}

	return nil, false, errors.Wrapf(err, "lock %s", key)
}

// isTaken separates "someone else holds it" from redis failures.
func isTaken(err error) bool {
	if errors.Is(err, redsync.ErrFailed) {
		return true
	}

	var taken *redsync.ErrTaken
	var nodeTaken *redsync.ErrNodeTaken

	return errors.As(err, &taken) || errors.As(err, &nodeTaken)
}

type handle struct {
	m *redsync.Mutex
}

// Release unlocks the mutex. An already expired lease yields lock.ErrNotHeld.
func (h *handle) Release(ctx context.Context) error {
	ok, err := h.m.UnlockContext(ctx)

	if errors.Is(err, redsync.ErrLockAlreadyExpired) || (err == nil && !ok) {
		return lock.ErrNotHeld
	}

	return err
}
