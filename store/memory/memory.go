package memory

import (
	"context"
	"sort"
	"sync"

	"meow.tf/websubsub/handler"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// New creates a new memory store.
func New() *Store {
	return &Store{
		Handler: handler.New(),
		lock:    &sync.RWMutex{},
		subs:    make(map[string]model.Subscription),
	}
}

// Store represents a memory backed store.
// Subscriptions are copied in and out so callers never share state with the store.
type Store struct {
	*handler.Handler
	lock *sync.RWMutex
	subs map[string]model.Subscription
}

// Get retrieves a subscription by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Subscription, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	sub, ok := s.subs[id]

	if !ok {
		return nil, store.ErrNotFound
	}

	return &sub, nil
}

// Create stores a new subscription.
func (s *Store) Create(ctx context.Context, sub *model.Subscription) error {
	s.lock.Lock()

	if _, ok := s.subs[sub.ID]; ok {
		s.lock.Unlock()
		return store.ErrExists
	}

	for _, existing := range s.subs {
		if store.SameKey(&existing, sub) {
			s.lock.Unlock()
			return store.ErrExists
		}
	}

	s.subs[sub.ID] = *sub
	s.lock.Unlock()

	s.Call(&store.Created{Subscription: *sub})
	return nil
}

// Update applies fn to the stored subscription under the store lock.
func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (*model.Subscription, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	sub, ok := s.subs[id]

	if !ok {
		return nil, store.ErrNotFound
	}

	if err := fn(&sub); err != nil {
		if err == store.ErrNoChange {
			current := s.subs[id]
			return &current, nil
		}

		return nil, err
	}

	s.subs[id] = sub

	return &sub, nil
}

// Find returns all subscriptions matching match, ordered by creation time.
func (s *Store) Find(ctx context.Context, match store.Predicate) ([]model.Subscription, error) {
	s.lock.RLock()

	ret := make([]model.Subscription, 0)

	for _, sub := range s.subs {
		if match == nil || match(&sub) {
			ret = append(ret, sub)
		}
	}

	s.lock.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})

	return ret, nil
}

// Delete removes a subscription.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.lock.Lock()

	sub, ok := s.subs[id]

	if !ok {
		s.lock.Unlock()
		return store.ErrNotFound
	}

	delete(s.subs, id)
	s.lock.Unlock()

	s.Call(&store.Deleted{Subscription: sub})
	return nil
}
