// Package memory implements an in-process lock.Locker for single-process deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"meow.tf/websubsub/lock"
)

type lease struct {
	token string
	until time.Time
}

// Locker is a map of expiring leases guarded by a mutex.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease

	Expiry time.Duration
	Now    func() time.Time
}

// New creates a Locker whose leases expire after expiry.
func New(expiry time.Duration) *Locker {
	if expiry <= 0 {
		expiry = lock.DefaultExpiry
	}

	return &Locker{
		leases: make(map[string]lease),
		Expiry: expiry,
		Now:    time.Now,
	}
}

// TryAcquire takes the lease for key if it is free or expired.
func (l *Locker) TryAcquire(ctx context.Context, key string) (lock.Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.Now()

	if current, ok := l.leases[key]; ok && now.Before(current.until) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.leases[key] = lease{token: token, until: now.Add(l.Expiry)}

	return &handle{locker: l, key: key, token: token}, true, nil
}

// AcquireWait polls TryAcquire with backoff until wait elapses.
func (l *Locker) AcquireWait(ctx context.Context, key string, wait time.Duration) (lock.Handle, bool, error) {
	b := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}

	deadline := time.Now().Add(wait)

	for {
		h, ok, err := l.TryAcquire(ctx, key)

		if err != nil || ok {
			return h, ok, err
		}

		remaining := time.Until(deadline)

		if remaining <= 0 {
			return nil, false, nil
		}

		delay := b.Duration()

		if delay > remaining {
			delay = remaining
		}

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(delay):
		}
	}
}

type handle struct {
	locker *Locker
	key    string
	token  string
}

// Release frees the lease if this handle still owns it.
func (h *handle) Release(ctx context.Context) error {
	l := h.locker

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.leases[h.key]

	if !ok || current.token != h.token || !l.Now().Before(current.until) {
		return lock.ErrNotHeld
	}

	delete(l.leases, h.key)
	return nil
}
