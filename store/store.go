package store

import (
	"context"
	"errors"

	"meow.tf/websubsub/model"
)

var (
	ErrNotFound = errors.New("subscription not found")
	ErrExists   = errors.New("subscription already exists")

	// ErrNoChange may be returned by an UpdateFunc to abort the update without error.
	ErrNoChange = errors.New("no change")
)

// UpdateFunc mutates a subscription inside an update.
type UpdateFunc func(sub *model.Subscription) error

// Predicate selects subscriptions in Find.
type Predicate func(sub *model.Subscription) bool

// Store defines an interface for stores to implement for subscription storage.
type Store interface {
	// Get retrieves a subscription by id.
	Get(ctx context.Context, id string) (*model.Subscription, error)

	// Create saves a new subscription. The (hub, topic, callback identity) triple must be unique.
	Create(ctx context.Context, sub *model.Subscription) error

	// Update atomically reads the subscription, applies fn and writes the result.
	// If fn returns ErrNoChange nothing is written and the current value is returned.
	Update(ctx context.Context, id string, fn UpdateFunc) (*model.Subscription, error)

	// Find returns every subscription matched by match. A nil match returns all of them.
	Find(ctx context.Context, match Predicate) ([]model.Subscription, error)

	// Delete removes a subscription.
	Delete(ctx context.Context, id string) error
}

// SameKey reports whether a and b share the (hub, topic, callback identity) triple.
// Comparison is byte-exact: trailing slashes are significant.
func SameKey(a, b *model.Subscription) bool {
	return a.HubURL == b.HubURL && a.Topic == b.Topic && a.CallbackIdentity == b.CallbackIdentity
}
