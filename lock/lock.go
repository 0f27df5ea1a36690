// Package lock defines the mutual-exclusion primitive used to serialize work on one subscription.
//
// Locks carry their own expiry, so a crashed holder cannot wedge a key forever.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultExpiry is the lease length used when a locker is built without one.
const DefaultExpiry = 60 * time.Second

var (
	// ErrNotHeld is returned by Release when the lease already expired or was taken over.
	ErrNotHeld = errors.New("lock not held")
)

// Handle is an acquired lock.
type Handle interface {
	Release(ctx context.Context) error
}

// Locker acquires expiring locks by key.
// A false return with a nil error means the lock is held by someone else;
// a non-nil error means the lock service itself failed.
type Locker interface {
	// TryAcquire attempts the lock once and returns immediately.
	TryAcquire(ctx context.Context, key string) (Handle, bool, error)

	// AcquireWait retries until the lock is acquired or wait elapses.
	AcquireWait(ctx context.Context, key string, wait time.Duration) (Handle, bool, error)
}
