package bolt

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	"meow.tf/websubsub/handler"
	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

var (
	subscriptionsBucket = []byte("subscriptions")
	keysBucket          = []byte("subscription_keys")
)

// New creates a new boltdb store.
// Bolt is fine for a single subscriber process; use the database store when several workers share state.
func New(file string) (*Store, error) {
	db, err := bolt.Open(file, 0600, nil)

	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(subscriptionsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})

	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create buckets")
	}

	return &Store{
		Handler: handler.New(),
		db:      db,
	}, nil
}

// Store represents a boltdb backed store.
type Store struct {
	*handler.Handler
	db *bolt.DB
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tripleKey builds the unique index key for a subscription.
func tripleKey(sub *model.Subscription) []byte {
	return []byte(sub.HubURL + "\x00" + sub.Topic + "\x00" + sub.CallbackIdentity)
}

// Get retrieves a subscription by id.
func (s *Store) Get(ctx context.Context, id string) (*model.Subscription, error) {
	var sub *model.Subscription

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(subscriptionsBucket).Get([]byte(id))

		if data == nil {
			return store.ErrNotFound
		}

		return json.Unmarshal(data, &sub)
	})

	return sub, err
}

// Create stores a new subscription and its unique key.
func (s *Store) Create(ctx context.Context, sub *model.Subscription) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		keys := tx.Bucket(keysBucket)

		if b.Get([]byte(sub.ID)) != nil || keys.Get(tripleKey(sub)) != nil {
			return store.ErrExists
		}

		jsonB, err := json.Marshal(sub)

		if err != nil {
			return err
		}

		if err := keys.Put(tripleKey(sub), []byte(sub.ID)); err != nil {
			return err
		}

		return b.Put([]byte(sub.ID), jsonB)
	})

	if err == nil {
		s.Call(&store.Created{Subscription: *sub})
	}

	return err
}

// Update applies fn inside a single bolt write transaction.
func (s *Store) Update(ctx context.Context, id string, fn store.UpdateFunc) (*model.Subscription, error) {
	var sub *model.Subscription

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		data := b.Get([]byte(id))

		if data == nil {
			return store.ErrNotFound
		}

		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}

		oldKey := tripleKey(sub)

		if err := fn(sub); err != nil {
			return err
		}

		jsonB, err := json.Marshal(sub)

		if err != nil {
			return err
		}

		if newKey := tripleKey(sub); string(newKey) != string(oldKey) {
			keys := tx.Bucket(keysBucket)

			if keys.Get(newKey) != nil {
				return store.ErrExists
			}

			if err := keys.Delete(oldKey); err != nil {
				return err
			}

			if err := keys.Put(newKey, []byte(id)); err != nil {
				return err
			}
		}

		return b.Put([]byte(id), jsonB)
	})

	if err == store.ErrNoChange {
		return s.Get(ctx, id)
	}

	if err != nil {
		return nil, err
	}

	return sub, nil
}

// Find loops all subscriptions, returning those matched by match.
func (s *Store) Find(ctx context.Context, match store.Predicate) ([]model.Subscription, error) {
	ret := make([]model.Subscription, 0)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(subscriptionsBucket).ForEach(func(k, v []byte) error {
			var sub model.Subscription

			if err := json.Unmarshal(v, &sub); err != nil {
				return err
			}

			if match == nil || match(&sub) {
				ret = append(ret, sub)
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})

	return ret, nil
}

// Delete removes a subscription and its unique key.
func (s *Store) Delete(ctx context.Context, id string) error {
	var sub model.Subscription

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(subscriptionsBucket)
		data := b.Get([]byte(id))

		if data == nil {
			return store.ErrNotFound
		}

		if err := json.Unmarshal(data, &sub); err != nil {
			return err
		}

		if err := tx.Bucket(keysBucket).Delete(tripleKey(&sub)); err != nil {
			return err
		}

		return b.Delete([]byte(id))
	})

	if err == nil {
		s.Call(&store.Deleted{Subscription: sub})
	}

	return err
}
