// Package storetest holds behavior tests shared by every store.Store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"meow.tf/websubsub/model"
	"meow.tf/websubsub/store"
)

// Run exercises s against the store contract. s must be empty.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateDuplicateTriple", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("TrailingSlashIsDistinct", func(t *testing.T) { testTrailingSlash(t, newStore(t)) })
	t.Run("UpdateNoChange", func(t *testing.T) { testUpdateNoChange(t, newStore(t)) })
	t.Run("UpdateConcurrentCounters", func(t *testing.T) { testConcurrentUpdates(t, newStore(t)) })
	t.Run("UpdateConcurrentFields", func(t *testing.T) { testConcurrentFields(t, newStore(t)) })
	t.Run("FindPredicate", func(t *testing.T) { testFind(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
}

var created = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

// Sample returns a subscription in its initial state.
func Sample(id, topic string) *model.Subscription {
	return &model.Subscription{
		ID:               id,
		HubURL:           "http://hub.example",
		Topic:            topic,
		CallbackIdentity: "news",
		SubscribeStatus:  model.StatusRequesting,
		CreatedAt:        created,
	}
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()

	sub := Sample("a", "news")
	lease := created.Add(time.Hour)
	sub.LeaseExpirationTime = &lease
	sub.CallbackURL = "http://sub.example/websub/a"
	sub.UnsubscribeStatus = model.StatusVerifying
	sub.Static = true

	if err := s.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "a")

	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.Topic != "news" || got.CallbackURL != sub.CallbackURL || !got.Static {
		t.Fatalf("unexpected subscription: %+v", got)
	}

	if got.UnsubscribeStatus != model.StatusVerifying {
		t.Fatalf("expected unsubscribe status verifying, got %q", got.UnsubscribeStatus)
	}

	if got.LeaseExpirationTime == nil || !got.LeaseExpirationTime.Equal(lease) {
		t.Fatalf("expected lease %v, got %v", lease, got.LeaseExpirationTime)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Create(ctx, Sample("a", "news")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Create(ctx, Sample("b", "news")); !errors.Is(err, store.ErrExists) {
		t.Fatalf("expected ErrExists for duplicate triple, got %v", err)
	}
}

func testTrailingSlash(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Create(ctx, Sample("a", "news")); err != nil {
		t.Fatalf("create: %v", err)
	}

	slashed := Sample("b", "news")
	slashed.HubURL += "/"

	if err := s.Create(ctx, slashed); err != nil {
		t.Fatalf("expected hub with trailing slash to be a distinct key, got %v", err)
	}
}

func testUpdateNoChange(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Create(ctx, Sample("a", "news")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Update(ctx, "a", func(sub *model.Subscription) error {
		sub.SubscribeStatus = model.StatusDenied
		return store.ErrNoChange
	})

	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if got.SubscribeStatus != model.StatusRequesting {
		t.Fatalf("aborted update must not be written, got %q", got.SubscribeStatus)
	}

	got, err = s.Update(ctx, "a", func(sub *model.Subscription) error {
		sub.SubscribeStatus = model.StatusVerifying
		return nil
	})

	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if got.SubscribeStatus != model.StatusVerifying {
		t.Fatalf("expected verifying, got %q", got.SubscribeStatus)
	}

	if _, err := s.Update(ctx, "missing", func(*model.Subscription) error { return nil }); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testConcurrentUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Create(ctx, Sample("a", "news")); err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := s.Update(ctx, "a", func(sub *model.Subscription) error {
				sub.ConnErrorCount++
				return nil
			})

			if err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}

	wg.Wait()

	got, err := s.Get(ctx, "a")

	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.ConnErrorCount != 20 {
		t.Fatalf("expected 20 increments, got %d", got.ConnErrorCount)
	}
}

func testConcurrentFields(t *testing.T, s store.Store) {
	ctx := context.Background()
	sub := Sample("a", "news")
	sub.SubscribeStatus = model.StatusVerifying

	if err := s.Create(ctx, sub); err != nil {
		t.Fatalf("create: %v", err)
	}

	received := created.Add(time.Minute)

	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			_, err := s.Update(ctx, "a", func(sub *model.Subscription) error {
				sub.SubscribeStatus = model.StatusVerified
				return nil
			})

			if err != nil {
				t.Errorf("update status: %v", err)
			}
		}()

		go func() {
			defer wg.Done()

			_, err := s.Update(ctx, "a", func(sub *model.Subscription) error {
				sub.TimeLastEventReceived = &received
				return nil
			})

			if err != nil {
				t.Errorf("update event time: %v", err)
			}
		}()
	}

	wg.Wait()

	got, err := s.Get(ctx, "a")

	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if got.SubscribeStatus != model.StatusVerified {
		t.Fatalf("status update lost: %s", got.SubscribeStatus)
	}

	if got.TimeLastEventReceived == nil || !got.TimeLastEventReceived.Equal(received) {
		t.Fatalf("event time update lost: %v", got.TimeLastEventReceived)
	}
}

func testFind(t *testing.T, s store.Store) {
	ctx := context.Background()

	for i, topic := range []string{"one", "two", "three"} {
		sub := Sample(topic, topic)
		sub.CreatedAt = created.Add(time.Duration(i) * time.Minute)

		if topic == "two" {
			sub.SubscribeStatus = model.StatusVerified
		}

		if err := s.Create(ctx, sub); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	all, err := s.Find(ctx, nil)

	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if len(all) != 3 || all[0].ID != "one" || all[2].ID != "three" {
		t.Fatalf("expected all three in creation order, got %+v", all)
	}

	verified, err := s.Find(ctx, func(sub *model.Subscription) bool {
		return sub.SubscribeStatus == model.StatusVerified
	})

	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if len(verified) != 1 || verified[0].ID != "two" {
		t.Fatalf("expected only two, got %+v", verified)
	}
}

func testDelete(t *testing.T, s store.Store) {
	ctx := context.Background()

	if err := s.Create(ctx, Sample("a", "news")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := s.Get(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	if err := s.Delete(ctx, "a"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}

	// The triple is free again.
	if err := s.Create(ctx, Sample("b", "news")); err != nil {
		t.Fatalf("recreate: %v", err)
	}
}
